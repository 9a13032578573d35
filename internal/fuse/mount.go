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


package fuse

import (
	"fmt"
	"os"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"

	"github.com/trapexit/mergerfs-sub002/internal/vfs"
)

// Options configures the kernel mount.
type Options struct {
	Mountpoint string
	FsName     string
	AllowOther bool
	ReadOnly   bool
	Debug      bool

	// Kernel cache timeouts. Zero disables the cache.
	EntryTimeout    time.Duration
	AttrTimeout     time.Duration
	NegativeTimeout time.Duration
}

// Mount serves m at opts.Mountpoint. The caller must Unmount the returned
// server.
func Mount(m *vfs.MergerFS, opts Options) (*fuse.Server, error) {
	if opts.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if err := os.MkdirAll(opts.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mountpoint %s: %w", opts.Mountpoint, err)
	}
	if opts.FsName == "" {
		opts.FsName = "mergerfs"
	}

	var mntOpts []string
	if opts.ReadOnly {
		mntOpts = append(mntOpts, "ro")
	}

	root := &node{m: m}
	server, err := gofuse.Mount(opts.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &opts.EntryTimeout,
		AttrTimeout:     &opts.AttrTimeout,
		NegativeTimeout: &opts.NegativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     opts.FsName,
			Name:       "mergerfs",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
			Options:    mntOpts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mount %s: %w", opts.Mountpoint, err)
	}

	log.Infof("[Mount] %s mounted (branches %s)", opts.Mountpoint, m.Config().Branches)
	return server, nil
}
