package policy

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/fsutil"
)

type fakeFS struct {
	infos map[string]fsutil.Info
}

func (f *fakeFS) info(b *branch.Branch) (fsutil.Info, error) {
	info, ok := f.infos[b.Path]
	if !ok {
		return fsutil.Info{}, syscall.EIO
	}
	return info, nil
}

type fixture struct {
	dirs     []string
	branches []*branch.Branch
	fs       *fakeFS
}

func newFixture(t *testing.T, modes ...branch.Mode) *fixture {
	t.Helper()
	f := &fixture{fs: &fakeFS{infos: map[string]fsutil.Info{}}}
	for _, m := range modes {
		dir := t.TempDir()
		b, err := branch.New(dir, m, 1<<20, nil)
		require.NoError(t, err)
		f.dirs = append(f.dirs, dir)
		f.branches = append(f.branches, b)
		f.fs.infos[b.Path] = fsutil.Info{SpaceAvail: 10 << 20, SpaceTotal: 100 << 20, SpaceUsed: 90 << 20}
	}
	return f
}

func (f *fixture) snap() *branch.Snapshot {
	return branch.NewSnapshot(1<<20, f.branches...)
}

func (f *fixture) avail(i int, n uint64) {
	info := f.fs.infos[f.branches[i].Path]
	info.SpaceAvail = n
	f.fs.infos[f.branches[i].Path] = info
}

func (f *fixture) used(i int, n uint64) {
	info := f.fs.infos[f.branches[i].Path]
	info.SpaceUsed = n
	f.fs.infos[f.branches[i].Path] = info
}

func (f *fixture) touch(t *testing.T, i int, rel string) {
	t.Helper()
	p := filepath.Join(f.dirs[i], rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, nil, 0o644))
}

func (f *fixture) mkdir(t *testing.T, i int, rel string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(f.dirs[i], rel), 0o755))
}

func (f *fixture) policy(t *testing.T, name string) *Policy {
	t.Helper()
	p, err := Find(name)
	require.NoError(t, err)
	return p.WithInfo(f.fs.info)
}

func TestFind(t *testing.T) {
	t.Parallel()

	want := []string{
		"all", "epall", "epff", "eplfs", "eplus", "epmfs", "eppfrd", "eprand", "erofs",
		"ff", "lfs", "lup", "lus", "mfs", "msplfs", "msplus", "mspmfs", "msppfrd",
		"newest", "pfrd", "rand", "rr",
	}
	assert.Equal(t, want, Names())

	_, err := Find("nope")
	assert.ErrorIs(t, err, syscall.EINVAL)

	p := MustFind("epmfs")
	assert.Equal(t, "epmfs", p.Name())
	assert.Panics(t, func() { MustFind("nope") })
}

func TestCreateNeverSelectsReadOnlyOrNoCreate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, branch.ModeRO, branch.ModeNC, branch.ModeRW, branch.ModeRO)
	for i := range f.dirs {
		f.mkdir(t, i, "d")
		f.touch(t, i, "d/x")
	}
	snap := f.snap()

	for _, name := range Names() {
		if name == "erofs" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			p := f.policy(t, name)
			for i := 0; i < 10; i++ {
				out, err := p.Create(snap, "d/new")
				require.NoError(t, err)
				for _, b := range out {
					assert.Equal(t, branch.ModeRW, b.Mode)
				}
			}
			out, err := p.Action(snap, "d/x")
			require.NoError(t, err)
			for _, b := range out {
				assert.False(t, b.RO())
			}
		})
	}
}

func TestCreateAllReadOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, branch.ModeRO, branch.ModeNC)
	for _, name := range []string{"ff", "mfs", "epmfs", "rr", "all", "mspmfs"} {
		_, err := f.policy(t, name).Create(f.snap(), "new")
		assert.ErrorIs(t, err, syscall.EROFS, name)
	}
}

func TestEndToEndErrorPriority(t *testing.T) {
	t.Parallel()

	f := newFixture(t, branch.ModeRO, branch.ModeRW, branch.ModeRW)
	f.avail(0, 100<<20)
	f.avail(1, 1<<10)
	f.avail(2, 50<<20)
	p := f.policy(t, "mfs")

	out, err := p.Create(f.snap(), "file")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Same(t, f.branches[2], out[0])

	delete(f.fs.infos, f.branches[2].Path)
	_, err = p.Create(f.snap(), "file")
	assert.ErrorIs(t, err, syscall.EROFS)
}

func TestCreateErrorLattice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, branch.ModeRW, branch.ModeRW)
	f.avail(0, 1)
	delete(f.fs.infos, f.branches[1].Path)
	_, err := f.policy(t, "mfs").Create(f.snap(), "file")
	assert.ErrorIs(t, err, syscall.ENOSPC)

	_, err = f.policy(t, "epmfs").Create(f.snap(), "missing/file")
	assert.ErrorIs(t, err, syscall.ENOENT)

	ro := f.fs.infos[f.branches[0].Path]
	ro.ReadOnly = true
	f.fs.infos[f.branches[0].Path] = ro
	_, err = f.policy(t, "ff").Create(f.snap(), "file")
	assert.ErrorIs(t, err, syscall.EROFS)
}

func TestRankingTies(t *testing.T) {
	t.Parallel()

	f := newFixture(t, branch.ModeRW, branch.ModeRW, branch.ModeRW)
	snap := f.snap()

	for _, name := range []string{"mfs", "lfs", "lus", "lup", "ff"} {
		out, err := f.policy(t, name).Create(snap, "file")
		require.NoError(t, err)
		assert.Same(t, f.branches[0], out[0], name)
	}
}

func TestRanking(t *testing.T) {
	t.Parallel()

	f := newFixture(t, branch.ModeRW, branch.ModeRW, branch.ModeRW)
	f.avail(0, 20<<20)
	f.avail(1, 80<<20)
	f.avail(2, 40<<20)
	f.used(0, 10<<20)
	f.used(1, 500<<20)
	f.used(2, 30<<20)
	snap := f.snap()

	tests := []struct {
		policy string
		want   int
	}{
		{"mfs", 1},
		{"lfs", 0},
		{"lus", 0},
		// used/(used+avail): 10/30, 500/580, 30/70
		{"lup", 0},
	}
	for _, tt := range tests {
		out, err := f.policy(t, tt.policy).Create(snap, "file")
		require.NoError(t, err)
		assert.Same(t, f.branches[tt.want], out[0], tt.policy)
	}
}

func TestExistingPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t, branch.ModeRW, branch.ModeRW, branch.ModeRW)
	f.avail(0, 90<<20)
	f.mkdir(t, 1, "a/b")
	f.mkdir(t, 2, "a/b")
	f.avail(2, 60<<20)
	snap := f.snap()

	out, err := f.policy(t, "epmfs").Create(snap, "a/b/file")
	require.NoError(t, err)
	assert.Same(t, f.branches[2], out[0])

	out, err = f.policy(t, "epall").Create(snap, "a/b/file")
	require.NoError(t, err)
	assert.Equal(t, []*branch.Branch{f.branches[1], f.branches[2]}, out)

	out, err = f.policy(t, "epff").Create(snap, "a/b/file")
	require.NoError(t, err)
	assert.Same(t, f.branches[1], out[0])

	out, err = f.policy(t, "mfs").Create(snap, "a/b/file")
	require.NoError(t, err)
	assert.Same(t, f.branches[0], out[0])
}

func TestMostSharedPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t, branch.ModeRW, branch.ModeRW, branch.ModeRW)
	f.mkdir(t, 1, "a")
	f.mkdir(t, 2, "a/b")
	f.avail(0, 90<<20)
	f.avail(1, 80<<20)
	snap := f.snap()

	p := f.policy(t, "mspmfs")
	out, err := p.Create(snap, "a/b/c/file")
	require.NoError(t, err)
	assert.Same(t, f.branches[2], out[0])

	out, err = p.Create(snap, "a/z/file")
	require.NoError(t, err)
	assert.Same(t, f.branches[1], out[0])

	out, err = p.Create(snap, "q/file")
	require.NoError(t, err)
	assert.Same(t, f.branches[0], out[0])
}

func TestSearch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, branch.ModeRO, branch.ModeRW, branch.ModeRW)
	f.touch(t, 0, "x")
	f.touch(t, 2, "x")
	snap := f.snap()

	out, err := f.policy(t, "ff").Search(snap, "x")
	require.NoError(t, err)
	assert.Same(t, f.branches[0], out[0])

	out, err = f.policy(t, "all").Search(snap, "x")
	require.NoError(t, err)
	assert.Equal(t, []*branch.Branch{f.branches[0], f.branches[2]}, out)

	_, err = f.policy(t, "ff").Search(snap, "missing")
	assert.ErrorIs(t, err, syscall.ENOENT)

	out, err = f.policy(t, "epall").Action(snap, "x")
	require.NoError(t, err)
	assert.Equal(t, []*branch.Branch{f.branches[2]}, out)

	_, err = f.policy(t, "epall").Action(snap, "missing")
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestActionMissingBeatsReadOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, branch.ModeRO, branch.ModeRW)
	f.touch(t, 1, "x")
	snap := f.snap()

	for _, name := range []string{"epall", "epff", "all", "ff"} {
		t.Run(name, func(t *testing.T) {
			_, err := f.policy(t, name).Action(snap, "missing")
			assert.ErrorIs(t, err, syscall.ENOENT)

			out, err := f.policy(t, name).Action(snap, "x")
			require.NoError(t, err)
			assert.Equal(t, []*branch.Branch{f.branches[1]}, out)
		})
	}
}

func TestActionReadOnlyOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t, branch.ModeRO, branch.ModeRW)
	f.touch(t, 0, "x")
	_, err := f.policy(t, "epall").Action(f.snap(), "x")
	assert.ErrorIs(t, err, syscall.EROFS)
}

func TestNewest(t *testing.T) {
	t.Parallel()

	f := newFixture(t, branch.ModeRW, branch.ModeRW)
	f.touch(t, 0, "x")
	f.touch(t, 1, "x")
	old := mustTime(t, "2001-01-01T00:00:00Z")
	require.NoError(t, os.Chtimes(filepath.Join(f.dirs[0], "x"), old, old))

	out, err := f.policy(t, "newest").Search(f.snap(), "x")
	require.NoError(t, err)
	assert.Same(t, f.branches[1], out[0])
}

func TestErofs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, branch.ModeRW)
	p := f.policy(t, "erofs")
	_, err := p.Create(f.snap(), "x")
	assert.ErrorIs(t, err, syscall.EROFS)
	_, err = p.Search(f.snap(), "")
	assert.ErrorIs(t, err, syscall.EROFS)
}

func TestRandomPicksOne(t *testing.T) {
	t.Parallel()

	f := newFixture(t, branch.ModeRW, branch.ModeRW, branch.ModeNC)
	for _, name := range []string{"rand", "eprand", "pfrd", "eppfrd", "msppfrd"} {
		seen := map[*branch.Branch]bool{}
		for i := 0; i < 200; i++ {
			out, err := f.policy(t, name).Create(f.snap(), "file")
			require.NoError(t, err)
			require.Len(t, out, 1)
			seen[out[0]] = true
		}
		assert.Len(t, seen, 2, name)
		assert.False(t, seen[f.branches[2]], name)
	}
}

func TestTiers(t *testing.T) {
	t.Parallel()

	d1, d2, d3 := t.TempDir(), t.TempDir(), t.TempDir()
	tiers, err := branch.ParseTiers(d1+"=NC;"+d2+":"+d3, 0)
	require.NoError(t, err)
	s := branch.NewSet(0)
	require.NoError(t, s.Apply(d1+"=NC;"+d2+":"+d3))
	require.Len(t, tiers, 2)

	fs := &fakeFS{infos: map[string]fsutil.Info{}}
	for _, b := range s.Snapshot().Branches() {
		fs.infos[b.Path] = fsutil.Info{SpaceAvail: 1 << 30}
	}
	out, err := MustFind("ff").WithInfo(fs.info).Create(s.Snapshot(), "file")
	require.NoError(t, err)
	assert.Equal(t, d2, out[0].Path)
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return tm
}
