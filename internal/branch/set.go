package branch

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
)

// Snapshot is an immutable view of the configured branches. Operations take
// one snapshot at their start and use it throughout.
type Snapshot struct {
	tiers        [][]*Branch
	all          []*Branch
	minFreeSpace uint64
}

func newSnapshot(tiers [][]*Branch, minFree uint64) *Snapshot {
	s := &Snapshot{minFreeSpace: minFree}
	for _, tier := range tiers {
		if len(tier) == 0 {
			continue
		}
		t := make([]*Branch, len(tier))
		for i, b := range tier {
			t[i] = b.withMinFreeSpace(minFree)
		}
		s.tiers = append(s.tiers, t)
		s.all = append(s.all, t...)
	}
	return s
}

// NewSnapshot builds a standalone snapshot, mostly useful in tests.
func NewSnapshot(minFree uint64, branches ...*Branch) *Snapshot {
	return newSnapshot([][]*Branch{branches}, minFree)
}

// Branches returns every branch in tier order. The slice must not be
// modified.
func (s *Snapshot) Branches() []*Branch { return s.all }

// Tiers returns the branches grouped by tier.
func (s *Snapshot) Tiers() [][]*Branch { return s.tiers }

// Len returns the number of branches.
func (s *Snapshot) Len() int { return len(s.all) }

// MinFreeSpace returns the default create floor.
func (s *Snapshot) MinFreeSpace() uint64 { return s.minFreeSpace }

// Paths returns the branch paths in order.
func (s *Snapshot) Paths() []string {
	out := make([]string, len(s.all))
	for i, b := range s.all {
		out[i] = b.Path
	}
	return out
}

// String renders the snapshot in configuration syntax.
func (s *Snapshot) String() string {
	tiers := make([]string, len(s.tiers))
	for i, tier := range s.tiers {
		elems := make([]string, len(tier))
		for j, b := range tier {
			elems[j] = b.String()
		}
		tiers[i] = strings.Join(elems, ":")
	}
	return strings.Join(tiers, ";")
}

// Set holds the live snapshot. Readers load it without locking; writers
// build a replacement and swap it in.
type Set struct {
	mu  sync.Mutex
	cur atomic.Pointer[Snapshot]
}

// NewSet returns an empty set using minFree as the default create floor.
func NewSet(minFree uint64) *Set {
	s := &Set{}
	s.cur.Store(newSnapshot(nil, minFree))
	return s
}

// Snapshot returns the current snapshot.
func (s *Set) Snapshot() *Snapshot {
	return s.cur.Load()
}

// String renders the current snapshot.
func (s *Set) String() string {
	return s.Snapshot().String()
}

// Apply parses a branch line, including an optional instruction prefix, and
// swaps in the result. On error the current snapshot is left untouched.
func (s *Set) Apply(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cur.Load()
	instr, rest := SplitInstruction(strings.TrimSpace(line))

	var tiers [][]*Branch
	switch instr {
	case InstrSet, InstrAppend, InstrPrepend:
		parsed, err := ParseTiers(rest, old.minFreeSpace)
		if err != nil {
			return err
		}
		tiers = combine(instr, old.tiers, parsed)
	case InstrErase:
		if rest == "" {
			return fmt.Errorf("erase without pattern: %w", syscall.EINVAL)
		}
		tiers = erase(old.tiers, strings.Split(rest, ":"))
	case InstrEraseBegin:
		tiers = eraseAt(old.tiers, 0)
	case InstrEraseEnd:
		tiers = eraseAt(old.tiers, old.Len()-1)
	}

	s.cur.Store(newSnapshot(tiers, old.minFreeSpace))
	return nil
}

// SetMinFreeSpace changes the default create floor. Branches configured
// with their own floor keep it.
func (s *Set) SetMinFreeSpace(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cur.Load()
	s.cur.Store(newSnapshot(old.tiers, v))
}

func combine(instr Instruction, old, parsed [][]*Branch) [][]*Branch {
	switch instr {
	case InstrAppend:
		if len(old) == 0 {
			return parsed
		}
		if len(parsed) == 0 {
			return cloneTiers(old)
		}
		out := cloneTiers(old)
		last := len(out) - 1
		out[last] = append(out[last], parsed[0]...)
		return append(out, parsed[1:]...)
	case InstrPrepend:
		if len(old) == 0 {
			return parsed
		}
		if len(parsed) == 0 {
			return cloneTiers(old)
		}
		out := cloneTiers(parsed)
		last := len(out) - 1
		out[last] = append(out[last], old[0]...)
		return append(out, cloneTiers(old[1:])...)
	}
	return parsed
}

func erase(old [][]*Branch, patterns []string) [][]*Branch {
	out := make([][]*Branch, 0, len(old))
	for _, tier := range old {
		var kept []*Branch
		for _, b := range tier {
			if !matchesAny(b.Path, patterns) {
				kept = append(kept, b)
			}
		}
		out = append(out, kept)
	}
	return out
}

func matchesAny(path string, patterns []string) bool {
	for _, p := range patterns {
		if p == path {
			return true
		}
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
	}
	return false
}

func eraseAt(old [][]*Branch, idx int) [][]*Branch {
	out := make([][]*Branch, 0, len(old))
	n := 0
	for _, tier := range old {
		var kept []*Branch
		for _, b := range tier {
			if n != idx {
				kept = append(kept, b)
			}
			n++
		}
		out = append(out, kept)
	}
	return out
}

func cloneTiers(tiers [][]*Branch) [][]*Branch {
	out := make([][]*Branch, len(tiers))
	for i, t := range tiers {
		out[i] = append([]*Branch(nil), t...)
	}
	return out
}
