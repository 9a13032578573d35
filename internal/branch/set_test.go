package branch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTiers(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	c := filepath.Join(root, "c")

	t.Run("modes and options", func(t *testing.T) {
		t.Parallel()
		tiers, err := ParseTiers(a+"=RO:"+b+"=NC,minfreespace=1G:"+c+",2M", DefaultMinFreeSpace)
		require.NoError(t, err)
		require.Len(t, tiers, 1)
		require.Len(t, tiers[0], 3)

		assert.Equal(t, a, tiers[0][0].Path)
		assert.Equal(t, ModeRO, tiers[0][0].Mode)
		assert.Equal(t, DefaultMinFreeSpace, tiers[0][0].MinFreeSpace)

		assert.Equal(t, ModeNC, tiers[0][1].Mode)
		assert.Equal(t, uint64(1<<30), tiers[0][1].MinFreeSpace)

		assert.Equal(t, ModeRW, tiers[0][2].Mode)
		assert.Equal(t, uint64(2<<20), tiers[0][2].MinFreeSpace)
	})

	t.Run("tiers", func(t *testing.T) {
		t.Parallel()
		tiers, err := ParseTiers(a+":"+b+";"+c, 0)
		require.NoError(t, err)
		require.Len(t, tiers, 2)
		assert.Len(t, tiers[0], 2)
		assert.Len(t, tiers[1], 1)
	})

	t.Run("glob expansion", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		for _, n := range []string{"disk2", "disk1", "other"} {
			require.NoError(t, os.Mkdir(filepath.Join(dir, n), 0o755))
		}
		tiers, err := ParseTiers(filepath.Join(dir, "disk*")+"=NC", 0)
		require.NoError(t, err)
		require.Len(t, tiers, 1)
		require.Len(t, tiers[0], 2)
		assert.Equal(t, filepath.Join(dir, "disk1"), tiers[0][0].Path)
		assert.Equal(t, filepath.Join(dir, "disk2"), tiers[0][1].Path)
		assert.Equal(t, ModeNC, tiers[0][1].Mode)
	})

	invalid := []string{
		a + "=XX",
		"=RW",
		a + "=RW,minfreespace=lots",
		a + "=RW,12Q",
		a + "=RW,bogus=1",
	}
	for _, in := range invalid {
		t.Run("invalid "+in, func(t *testing.T) {
			t.Parallel()
			_, err := ParseTiers(in, 0)
			assert.ErrorIs(t, err, syscall.EINVAL)
		})
	}
}

func TestSplitInstruction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		instr Instruction
		rest  string
	}{
		{"/a", InstrSet, "/a"},
		{"=/a", InstrSet, "/a"},
		{"+/a", InstrAppend, "/a"},
		{"+>/a", InstrAppend, "/a"},
		{"+</a", InstrPrepend, "/a"},
		{"-/a", InstrErase, "/a"},
		{"-<", InstrEraseBegin, ""},
		{"->", InstrEraseEnd, ""},
	}
	for _, tt := range tests {
		instr, rest := SplitInstruction(tt.in)
		assert.Equal(t, tt.instr, instr, tt.in)
		assert.Equal(t, tt.rest, rest, tt.in)
	}
}

func TestSetApply(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := func(n string) string { return filepath.Join(root, n) }

	s := NewSet(DefaultMinFreeSpace)
	require.Equal(t, 0, s.Snapshot().Len())

	require.NoError(t, s.Apply(p("a")+":"+p("b")))
	assert.Equal(t, []string{p("a"), p("b")}, s.Snapshot().Paths())

	require.NoError(t, s.Apply("+"+p("c")))
	assert.Equal(t, []string{p("a"), p("b"), p("c")}, s.Snapshot().Paths())

	require.NoError(t, s.Apply("+<"+p("z")))
	assert.Equal(t, []string{p("z"), p("a"), p("b"), p("c")}, s.Snapshot().Paths())

	require.NoError(t, s.Apply("-"+p("b")))
	assert.Equal(t, []string{p("z"), p("a"), p("c")}, s.Snapshot().Paths())

	require.NoError(t, s.Apply("-<"))
	assert.Equal(t, []string{p("a"), p("c")}, s.Snapshot().Paths())

	require.NoError(t, s.Apply("->"))
	assert.Equal(t, []string{p("a")}, s.Snapshot().Paths())

	require.NoError(t, s.Apply("+"+p("x")+";"+p("y")))
	require.Len(t, s.Snapshot().Tiers(), 2)
	assert.Equal(t, []string{p("a"), p("x"), p("y")}, s.Snapshot().Paths())

	require.NoError(t, s.Apply("-"+filepath.Join(root, "*")))
	assert.Equal(t, 0, s.Snapshot().Len())
}

func TestSetApplyInvalidKeepsSnapshot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := NewSet(0)
	require.NoError(t, s.Apply(root+"=RO"))
	before := s.Snapshot()

	err := s.Apply(root + "=WAT")
	assert.ErrorIs(t, err, syscall.EINVAL)
	assert.Same(t, before, s.Snapshot())

	assert.ErrorIs(t, s.Apply("-"), syscall.EINVAL)
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := NewSet(0)
	require.NoError(t, s.Apply(filepath.Join(root, "a")))

	snap := s.Snapshot()
	require.NoError(t, s.Apply("+"+filepath.Join(root, "b")))

	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, 2, s.Snapshot().Len())
}

func TestSetMinFreeSpace(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := NewSet(DefaultMinFreeSpace)
	require.NoError(t, s.Apply(filepath.Join(root, "a")+":"+filepath.Join(root, "b")+"=RW,1M"))

	s.SetMinFreeSpace(1 << 30)
	bs := s.Snapshot().Branches()
	assert.Equal(t, uint64(1<<30), bs[0].MinFreeSpace)
	assert.Equal(t, uint64(1<<20), bs[1].MinFreeSpace)
	assert.Equal(t, uint64(1<<30), s.Snapshot().MinFreeSpace())
}

func TestSnapshotString(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	line := filepath.Join(root, "a") + "=RO:" + filepath.Join(root, "b") + "=RW,minfreespace=1G;" + filepath.Join(root, "c") + "=NC"

	s := NewSet(DefaultMinFreeSpace)
	require.NoError(t, s.Apply(line))
	assert.Equal(t, line, s.String())

	again := NewSet(DefaultMinFreeSpace)
	require.NoError(t, again.Apply(s.String()))
	assert.Equal(t, s.String(), again.String())
}

func TestSetConcurrentReaders(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := NewSet(0)
	require.NoError(t, s.Apply(filepath.Join(root, "0")))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := range 50 {
				if i == 0 {
					_ = s.Apply(fmt.Sprintf("+%s", filepath.Join(root, fmt.Sprint(j+1))))
					continue
				}
				snap := s.Snapshot()
				assert.Equal(t, snap.Len(), len(snap.Paths()))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 51, s.Snapshot().Len())
}
