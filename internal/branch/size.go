package branch

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"syscall"
)

var sizeUnits = []struct {
	suffix byte
	shift  uint
}{
	{'T', 40},
	{'G', 30},
	{'M', 20},
	{'K', 10},
}

// ParseSize parses a byte count with an optional 1024-based K, M, G or T
// suffix. A trailing B is accepted for plain byte counts.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size: %w", syscall.EINVAL)
	}

	var shift uint
	last := s[len(s)-1]
	switch {
	case last >= '0' && last <= '9':
	case last == 'B' || last == 'b':
		s = s[:len(s)-1]
	default:
		found := false
		for _, u := range sizeUnits {
			if last == u.suffix || last == u.suffix+('a'-'A') {
				shift = u.shift
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("size %q: unknown suffix: %w", s, syscall.EINVAL)
		}
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", s, syscall.EINVAL)
	}
	if shift > 0 && bits.LeadingZeros64(n) < int(shift) {
		return 0, fmt.Errorf("size %q overflows: %w", s, syscall.EINVAL)
	}
	return n << shift, nil
}

// FormatSize renders n with the largest suffix that divides it exactly, so
// that ParseSize(FormatSize(n)) == n.
func FormatSize(n uint64) string {
	if n == 0 {
		return "0"
	}
	for _, u := range sizeUnits {
		if n&(1<<u.shift-1) == 0 {
			return strconv.FormatUint(n>>u.shift, 10) + string(u.suffix)
		}
	}
	return strconv.FormatUint(n, 10)
}
