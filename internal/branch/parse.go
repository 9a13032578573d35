package branch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
)

// Instruction says how a parsed branch line combines with the current set.
type Instruction int

const (
	// InstrSet replaces the whole set.
	InstrSet Instruction = iota
	// InstrAppend adds branches after the existing ones.
	InstrAppend
	// InstrPrepend adds branches before the existing ones.
	InstrPrepend
	// InstrErase removes branches whose path matches a glob.
	InstrErase
	// InstrEraseBegin removes the first branch.
	InstrEraseBegin
	// InstrEraseEnd removes the last branch.
	InstrEraseEnd
)

// SplitInstruction separates a leading instruction prefix from a branch line.
func SplitInstruction(line string) (Instruction, string) {
	switch {
	case strings.HasPrefix(line, "+<"):
		return InstrPrepend, line[2:]
	case strings.HasPrefix(line, "+>"):
		return InstrAppend, line[2:]
	case strings.HasPrefix(line, "+"):
		return InstrAppend, line[1:]
	case strings.HasPrefix(line, "-<"):
		return InstrEraseBegin, line[2:]
	case strings.HasPrefix(line, "->"):
		return InstrEraseEnd, line[2:]
	case strings.HasPrefix(line, "-"):
		return InstrErase, line[1:]
	case strings.HasPrefix(line, "="):
		return InstrSet, line[1:]
	}
	return InstrSet, line
}

// ParseTiers parses `branch(:branch)*(;branch(:branch)*)*`. Branches without
// their own minfreespace get defMinFree. Tiers that end up empty, e.g. a
// glob without matches, are dropped.
func ParseTiers(s string, defMinFree uint64) ([][]*Branch, error) {
	var tiers [][]*Branch
	for _, tierStr := range strings.Split(s, ";") {
		var tier []*Branch
		for _, elem := range strings.Split(tierStr, ":") {
			elem = strings.TrimSpace(elem)
			if elem == "" {
				continue
			}
			bs, err := parseBranch(elem, defMinFree)
			if err != nil {
				return nil, err
			}
			tier = append(tier, bs...)
		}
		if len(tier) > 0 {
			tiers = append(tiers, tier)
		}
	}
	return tiers, nil
}

// parseBranch parses `path[=mode][,option]*`. A path with glob
// metacharacters expands to one branch per match.
func parseBranch(s string, defMinFree uint64) ([]*Branch, error) {
	fields := strings.Split(s, ",")
	head, opts := fields[0], fields[1:]

	path, modeStr, hasMode := strings.Cut(head, "=")
	if path == "" {
		return nil, fmt.Errorf("branch %q: empty path: %w", s, syscall.EINVAL)
	}

	mode := ModeRW
	if hasMode {
		var err error
		if mode, err = ParseMode(modeStr); err != nil {
			return nil, fmt.Errorf("branch %q: %w", s, err)
		}
	}

	minFree := defMinFree
	explicit := false
	var excludes []string
	for _, opt := range opts {
		key, val, hasVal := strings.Cut(opt, "=")
		switch {
		case !hasVal:
			// bare size, the older `path=RW,1G` form
			v, err := ParseSize(key)
			if err != nil {
				return nil, fmt.Errorf("branch %q: %w", s, err)
			}
			minFree, explicit = v, true
		case key == "minfreespace" || key == "mfs":
			v, err := ParseSize(val)
			if err != nil {
				return nil, fmt.Errorf("branch %q: %w", s, err)
			}
			minFree, explicit = v, true
		case key == "exclude":
			excludes = append(excludes, val)
		default:
			return nil, fmt.Errorf("branch %q: unknown option %q: %w", s, key, syscall.EINVAL)
		}
	}

	paths, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("branch %q: %w", s, err)
	}

	out := make([]*Branch, 0, len(paths))
	for _, p := range paths {
		b, err := New(p, mode, minFree, excludes)
		if err != nil {
			return nil, err
		}
		b.explicitMinFree = explicit
		out = append(out, b)
	}
	return out, nil
}

func expandPath(path string) ([]string, error) {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if !strings.ContainsAny(path, "*?[") {
		return []string{path}, nil
	}
	matches, err := filepath.Glob(path)
	if err != nil {
		return nil, fmt.Errorf("bad glob %q: %w", path, syscall.EINVAL)
	}
	sort.Strings(matches)
	return matches, nil
}
