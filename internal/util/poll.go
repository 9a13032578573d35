// Copyright 2024 The mergerfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package util

import (
	"context"
	"fmt"
	"time"
)

// PollConfig configures polling/wait behavior.
type PollConfig struct {
	Timeout  time.Duration // Total timeout (default: 5s)
	Interval time.Duration // Polling interval (default: 50ms)
}

// DefaultPollConfig is used for waiting on unmounts and daemon exits.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Timeout:  10 * time.Second,
		Interval: 100 * time.Millisecond,
	}
}

// FastPollConfig is used while a freshly started daemon brings its
// socket up.
func FastPollConfig() PollConfig {
	return PollConfig{
		Timeout:  15 * time.Second,
		Interval: 25 * time.Millisecond,
	}
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Interval == 0 {
		c.Interval = 50 * time.Millisecond
	}
	return c
}

// PollUntil checks condition immediately and then every interval until it
// holds, the timeout passes or ctx ends.
func PollUntil(ctx context.Context, cfg PollConfig, condition func() bool) error {
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("condition not met within %v: %w", cfg.Timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}
