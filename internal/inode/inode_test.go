package inode

import (
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const (
	dirMode = unix.S_IFDIR | 0o755
	regMode = unix.S_IFREG | 0o644
)

func TestHybridHashStable(t *testing.T) {
	t.Parallel()

	s := NewSelector()
	require.Equal(t, "hybrid-hash", s.Algo())

	a := s.Calc("/mnt/b1", "dir/file", regMode, 42, 1001)
	b := s.Calc("/mnt/b1", "dir/file", regMode, 42, 1001)
	assert.Equal(t, a, b)

	// Same directory on two branches collapses to one inode.
	d1 := s.Calc("/mnt/b1", "dir", dirMode, 42, 7)
	d2 := s.Calc("/mnt/b2", "dir", dirMode, 99, 12)
	assert.Equal(t, d1, d2)

	// Two distinct files on one branch stay distinct.
	f1 := s.Calc("/mnt/b1", "x", regMode, 42, 1001)
	f2 := s.Calc("/mnt/b1", "y", regMode, 42, 1002)
	assert.NotEqual(t, f1, f2)

	// Hard links share an inode.
	l1 := s.Calc("/mnt/b1", "x", regMode, 42, 1001)
	l2 := s.Calc("/mnt/b1", "link-to-x", regMode, 42, 1001)
	assert.Equal(t, l1, l2)
}

func TestCalcNormalizesPath(t *testing.T) {
	t.Parallel()

	for _, algo := range []string{"path-hash", "path-hash32", "hybrid-hash", "hybrid-hash32"} {
		t.Run(algo, func(t *testing.T) {
			s := NewSelector()
			require.NoError(t, s.SetAlgo(algo))

			want := s.Calc("/mnt/b1", "sub/d", dirMode, 42, 7)
			for _, p := range []string{"/sub/d", "sub/d/", "/sub//d", "./sub/d"} {
				assert.Equal(t, want, s.Calc("/mnt/b1", p, dirMode, 42, 7), p)
			}
			assert.Equal(t, s.Calc("/mnt/b1", "", dirMode, 42, 7), s.Calc("/mnt/b1", "/", dirMode, 42, 7))
		})
	}
}

func TestAlgorithms(t *testing.T) {
	t.Parallel()

	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			fn, err := Lookup(name)
			require.NoError(t, err)

			a := fn("/b", "p/q", regMode, 1, 2)
			assert.Equal(t, a, fn("/b", "p/q", regMode, 1, 2))

			switch name {
			case "passthrough":
				assert.Equal(t, uint64(2), a)
			case "path-hash32", "devino-hash32", "hybrid-hash32", "basepath-hash32", "basehybrid-hash32":
				assert.LessOrEqual(t, a, uint64(^uint32(0)))
			}
		})
	}
}

func TestBasepathHashDependsOnBranch(t *testing.T) {
	t.Parallel()

	fn, err := Lookup("basepath-hash")
	require.NoError(t, err)
	assert.NotEqual(t, fn("/b1", "f", regMode, 1, 5), fn("/b2", "f", regMode, 1, 5))
	assert.Equal(t, fn("/b1", "f", regMode, 1, 5), fn("/b1", "g", regMode, 9, 5))
}

func TestSetAlgo(t *testing.T) {
	t.Parallel()

	s := NewSelector()
	require.NoError(t, s.SetAlgo("passthrough"))
	assert.Equal(t, "passthrough", s.Algo())
	assert.Equal(t, uint64(77), s.Calc("/b", "f", regMode, 1, 77))

	err := s.SetAlgo("bogus")
	assert.ErrorIs(t, err, syscall.EINVAL)
	assert.Equal(t, "passthrough", s.Algo())
}

func TestCalcStat(t *testing.T) {
	t.Parallel()

	s := NewSelector()
	st := unix.Stat_t{Mode: dirMode, Dev: 3, Ino: 9}
	s.CalcStat("/b", "d", &st)
	assert.Equal(t, s.Calc("/b", "d", dirMode, 3, 9), st.Ino)

	stx := unix.Statx_t{Mode: regMode, Ino: 9, Dev_major: 8, Dev_minor: 1}
	s.CalcStatx("/b", "f", &stx)
	assert.Equal(t, s.Calc("/b", "f", regMode, unix.Mkdev(8, 1), 9), stx.Ino)
}

func TestSelectorConcurrentSwap(t *testing.T) {
	t.Parallel()

	s := NewSelector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if i%2 == 0 {
					_ = s.SetAlgo(Names()[j%len(Names())])
				} else {
					_ = s.Calc("/b", "f", regMode, 1, uint64(j))
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Contains(t, Names(), s.Algo())
}
