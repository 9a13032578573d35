package vfs

import (
	"fmt"
	"sort"
	"sync/atomic"
	"syscall"

	"github.com/trapexit/mergerfs-sub002/internal/policy"
)

// Named is implemented by every swappable strategy.
type Named interface {
	Name() string
}

// Handle holds the active strategy of one op family. Stores are atomic:
// a call that loaded the old strategy finishes with it.
type Handle[T Named] struct {
	p atomic.Pointer[T]
}

// NewHandle returns a handle holding v.
func NewHandle[T Named](v T) *Handle[T] {
	h := &Handle[T]{}
	h.Store(v)
	return h
}

// Load returns the active strategy.
func (h *Handle[T]) Load() T { return *h.p.Load() }

// Store swaps in v.
func (h *Handle[T]) Store(v T) { h.p.Store(&v) }

// Factory maps strategy names to instances.
type Factory[T Named] map[string]T

// Lookup returns the named strategy or EINVAL.
func (f Factory[T]) Lookup(name string) (T, error) {
	v, ok := f[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("unknown strategy %q: %w", name, syscall.EINVAL)
	}
	return v, nil
}

// Names lists the registered strategies, sorted.
func (f Factory[T]) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Category groups ops that share a kind of policy.
type Category string

const (
	CategoryAction Category = "action"
	CategoryCreate Category = "create"
	CategorySearch Category = "search"
)

// PolicyHandle is the swappable policy of one op.
type PolicyHandle struct {
	Op       string
	Category Category
	p        atomic.Pointer[policy.Policy]
}

// Load returns the active policy.
func (h *PolicyHandle) Load() *policy.Policy { return h.p.Load() }

// Store swaps in p.
func (h *PolicyHandle) Store(p *policy.Policy) { h.p.Store(p) }

type policyDefault struct {
	op       string
	category Category
	policy   string
}

var policyDefaults = []policyDefault{
	{"access", CategorySearch, "ff"},
	{"chmod", CategoryAction, "epall"},
	{"chown", CategoryAction, "epall"},
	{"create", CategoryCreate, "epmfs"},
	{"getxattr", CategorySearch, "ff"},
	{"link", CategoryAction, "epall"},
	{"listxattr", CategorySearch, "ff"},
	{"mkdir", CategoryCreate, "epmfs"},
	{"mknod", CategoryCreate, "epmfs"},
	{"open", CategorySearch, "ff"},
	{"readlink", CategorySearch, "ff"},
	{"removexattr", CategoryAction, "epall"},
	{"rename", CategoryAction, "epall"},
	{"rmdir", CategoryAction, "epall"},
	{"setxattr", CategoryAction, "epall"},
	{"symlink", CategoryCreate, "epff"},
	{"truncate", CategoryAction, "epall"},
	{"unlink", CategoryAction, "epall"},
	{"utimens", CategoryAction, "epall"},
}

// Policies is the per-op policy table.
type Policies struct {
	ops   map[string]*PolicyHandle
	order []string
}

func newPolicies() *Policies {
	ps := &Policies{ops: make(map[string]*PolicyHandle, len(policyDefaults))}
	for _, d := range policyDefaults {
		h := &PolicyHandle{Op: d.op, Category: d.category}
		h.Store(policy.MustFind(d.policy))
		ps.ops[d.op] = h
		ps.order = append(ps.order, d.op)
	}
	return ps
}

// Get returns the handle for op, nil if op takes no policy.
func (ps *Policies) Get(op string) *PolicyHandle {
	return ps.ops[op]
}

// Ops lists the ops that take a policy, sorted.
func (ps *Policies) Ops() []string {
	return ps.order
}

// SetCategory assigns p to every op of category c.
func (ps *Policies) SetCategory(c Category, p *policy.Policy) {
	for _, op := range ps.order {
		if h := ps.ops[op]; h.Category == c {
			h.Store(p)
		}
	}
}

// Category returns the policy names used by the ops of c, deduplicated in
// op order.
func (ps *Policies) Category(c Category) []string {
	var names []string
	seen := map[string]bool{}
	for _, op := range ps.order {
		h := ps.ops[op]
		if h.Category != c {
			continue
		}
		name := h.Load().Name()
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

func (ps *Policies) policy(op string) *policy.Policy {
	return ps.ops[op].Load()
}
