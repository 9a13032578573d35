package dirents

// HashSet tracks names already emitted during one merged listing.
type HashSet struct {
	m map[string]struct{}
}

// NewHashSet returns an empty set sized for hint names.
func NewHashSet(hint int) *HashSet {
	return &HashSet{m: make(map[string]struct{}, hint)}
}

// Put inserts name and reports whether it was absent.
func (s *HashSet) Put(name string) bool {
	if _, ok := s.m[name]; ok {
		return false
	}
	s.m[name] = struct{}{}
	return true
}

// Len returns the number of names.
func (s *HashSet) Len() int { return len(s.m) }
