package fsutil

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
)

func newBranch(t *testing.T, dir string) *branch.Branch {
	t.Helper()
	b, err := branch.New(dir, branch.ModeRW, 0, nil)
	require.NoError(t, err)
	return b
}

func TestInfoFromStatfs(t *testing.T) {
	t.Parallel()

	st := unix.Statfs_t{Bsize: 4096, Frsize: 1024, Blocks: 100, Bfree: 40, Bavail: 30}
	info := InfoFromStatfs(&st)
	assert.Equal(t, uint64(30*1024), info.SpaceAvail)
	assert.Equal(t, uint64(100*1024), info.SpaceTotal)
	assert.Equal(t, uint64(60*1024), info.SpaceUsed)
	assert.False(t, info.ReadOnly)
	assert.InDelta(t, 0.6, info.UsedFraction(), 1e-9)

	st.Frsize = 0
	st.Flags = unix.ST_RDONLY
	info = InfoFromStatfs(&st)
	assert.Equal(t, uint64(30*4096), info.SpaceAvail)
	assert.True(t, info.ReadOnly)

	assert.Zero(t, Info{}.UsedFraction())
}

func TestBranchInfo(t *testing.T) {
	t.Parallel()

	b := newBranch(t, t.TempDir())
	info, err := BranchInfo(b)
	require.NoError(t, err)
	assert.NotZero(t, info.SpaceTotal)
	assert.LessOrEqual(t, info.SpaceAvail, info.SpaceTotal)
}

func TestStatHelpers(t *testing.T) {
	t.Parallel()

	assert.True(t, IsDir(unix.S_IFDIR|0o755))
	assert.True(t, IsReg(unix.S_IFREG|0o644))
	assert.True(t, IsLnk(unix.S_IFLNK|0o777))
	assert.False(t, IsDir(unix.S_IFREG))

	assert.Equal(t, uint8(unix.DT_DIR), DirentType(unix.S_IFDIR))
	assert.Equal(t, uint8(unix.DT_LNK), DirentType(unix.S_IFLNK))
	assert.Equal(t, uint32(unix.S_IFREG), DirentTypeToMode(unix.DT_REG))

	a := unix.Timespec{Sec: 10, Nsec: 5}
	b := unix.Timespec{Sec: 10, Nsec: 6}
	assert.Equal(t, b, NewerTimespec(a, b))
	assert.Equal(t, b, NewerTimespec(b, a))
}

func TestClonePath(t *testing.T) {
	t.Parallel()

	srcDir, dstDir := t.TempDir(), t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "a", "b", "c"), 0o700))
	mtime := time.Unix(1_600_000_000, 0)
	require.NoError(t, os.Chtimes(filepath.Join(srcDir, "a", "b"), mtime, mtime))

	src, dst := newBranch(t, srcDir), newBranch(t, dstDir)
	require.NoError(t, ClonePath(src, dst, "a/b"))

	fi, err := os.Stat(filepath.Join(dstDir, "a", "b"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	assert.Equal(t, os.FileMode(0o700), fi.Mode().Perm())
	assert.Equal(t, mtime.Unix(), fi.ModTime().Unix())

	_, err = os.Stat(filepath.Join(dstDir, "a", "b", "c"))
	assert.True(t, os.IsNotExist(err))

	// Idempotent.
	require.NoError(t, ClonePath(src, dst, "a/b"))
	require.NoError(t, CloneParent(src, dst, "a/b/c/file"))
	_, err = os.Stat(filepath.Join(dstDir, "a", "b", "c"))
	require.NoError(t, err)
}

func TestClonePathMissingSource(t *testing.T) {
	t.Parallel()

	src, dst := newBranch(t, t.TempDir()), newBranch(t, t.TempDir())
	err := ClonePath(src, dst, "nope/deeper")
	assert.ErrorIs(t, err, syscall.ENOENT)
	assert.True(t, IsNotExist(err))
}

func TestFindOnFS(t *testing.T) {
	t.Parallel()

	d1, d2 := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(d2, "f"), []byte("x"), 0o644))
	b1, b2 := newBranch(t, d1), newBranch(t, d2)
	snap := branch.NewSnapshot(0, b1, b2)

	f, err := os.Open(filepath.Join(d2, "f"))
	require.NoError(t, err)
	defer f.Close()

	got, err := FindOnFS(snap, "f", int(f.Fd()))
	require.NoError(t, err)
	assert.Same(t, b2, got)

	_, err = FindOnFS(snap, "missing", int(f.Fd()))
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestXattrErrno(t *testing.T) {
	t.Parallel()

	assert.NoError(t, XattrErrno(nil))

	dir := t.TempDir()
	_, err := LGetxattr(filepath.Join(dir, "missing"), "user.test")
	assert.ErrorIs(t, err, syscall.ENOENT)
	var errno syscall.Errno
	assert.ErrorAs(t, err, &errno)
}
