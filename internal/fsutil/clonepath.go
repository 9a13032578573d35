package fsutil

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/common"
)

// ClonePath recreates the directory fusedir (and any missing ancestors)
// from src onto dst, copying mode, ownership and timestamps. Directories
// already present on dst are left untouched.
func ClonePath(src, dst *branch.Branch, fusedir string) error {
	fusedir = common.NormalizePath(fusedir)
	if fusedir == "" || src == dst {
		return nil
	}

	var st unix.Stat_t
	if err := dst.Lstat(fusedir, &st); err == nil {
		return nil
	}

	if err := ClonePath(src, dst, common.ParentPath(fusedir)); err != nil {
		return err
	}

	if err := src.Lstat(fusedir, &st); err != nil {
		return err
	}
	if !IsDir(st.Mode) {
		return syscall.ENOTDIR
	}

	target := dst.FullPath(fusedir)
	if err := unix.Mkdir(target, st.Mode&07777); err != nil && !errors.Is(err, syscall.EEXIST) {
		return err
	}
	return copyMetadata(target, &st)
}

func copyMetadata(path string, st *unix.Stat_t) error {
	// chown may fail for unprivileged mounts; the directory itself is usable.
	_ = unix.Lchown(path, int(st.Uid), int(st.Gid))
	if err := unix.Chmod(path, st.Mode&07777); err != nil {
		return err
	}
	ts := []unix.Timespec{st.Atim, st.Mtim}
	return unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW)
}

// CloneParent clones the parent directory of fusepath from src onto dst.
func CloneParent(src, dst *branch.Branch, fusepath string) error {
	return ClonePath(src, dst, common.ParentPath(common.NormalizePath(fusepath)))
}

// IsNotExist reports whether err means the path is missing.
func IsNotExist(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, os.ErrNotExist)
}
