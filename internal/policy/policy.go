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


// Package policy selects which branches take part in an operation.
//
// Every named policy has three facets. Search ranks branches that hold a
// path, Action ranks branches on which a path may be modified, and Create
// ranks branches on which a new path may be placed. A facet either returns
// at least one branch or an errno explaining why no branch qualified.
package policy

import (
	"fmt"
	"sort"
	"syscall"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/fsutil"
)

// InfoFunc reports space accounting for a branch.
type InfoFunc func(*branch.Branch) (fsutil.Info, error)

// facet selects branches from an ordered list.
type facet func(env *env, branches []*branch.Branch, fusepath string) ([]*branch.Branch, error)

type env struct {
	info InfoFunc
}

// Policy is a named selection strategy.
type Policy struct {
	name   string
	search facet
	action facet
	create facet
	env    *env
}

// Name returns the policy name.
func (p *Policy) Name() string { return p.name }

func (p *Policy) String() string { return p.name }

// WithInfo returns a copy of p that reads branch space through fn.
func (p *Policy) WithInfo(fn InfoFunc) *Policy {
	cp := *p
	cp.env = &env{info: fn}
	return &cp
}

// Search returns branches on which fusepath exists.
func (p *Policy) Search(snap *branch.Snapshot, fusepath string) ([]*branch.Branch, error) {
	return p.search(p.env, snap.Branches(), fusepath)
}

// Action returns branches on which fusepath exists and may be modified.
func (p *Policy) Action(snap *branch.Snapshot, fusepath string) ([]*branch.Branch, error) {
	return p.action(p.env, snap.Branches(), fusepath)
}

// Create returns branches on which fusepath, the entry about to be
// created, may be placed. Tiers are tried in order and the first tier
// yielding a branch wins.
func (p *Policy) Create(snap *branch.Snapshot, fusepath string) ([]*branch.Branch, error) {
	var lat lattice
	for _, tier := range snap.Tiers() {
		out, err := p.create(p.env, tier, fusepath)
		if err == nil {
			return out, nil
		}
		lat.add(err)
	}
	return nil, lat.err()
}

var defaultEnv = &env{info: fsutil.BranchInfo}

var registry = map[string]*Policy{}

func register(name string, search, action, create facet) {
	registry[name] = &Policy{name: name, search: search, action: action, create: create, env: defaultEnv}
}

// Find returns the named policy or EINVAL.
func Find(name string) (*Policy, error) {
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown policy %q: %w", name, syscall.EINVAL)
	}
	return p, nil
}

// MustFind is Find for names known at compile time.
func MustFind(name string) *Policy {
	p, err := Find(name)
	if err != nil {
		panic(err)
	}
	return p
}

// Names lists every policy, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
