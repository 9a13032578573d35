package vfs

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/common"
	"github.com/trapexit/mergerfs-sub002/internal/fsutil"
)

// applyAll runs fn against every branch the op's action policy selects.
// Failures do not stop the loop; the folded result is returned.
func applyAll(c *Config, snap *branch.Snapshot, op, fusepath string, fn func(b *branch.Branch, fullpath string) error) error {
	bs, err := c.Policies.policy(op).Action(snap, fusepath)
	if err != nil {
		return err
	}
	var e common.Err
	for _, b := range bs {
		if b.RO() {
			e.SetErrno(syscall.EROFS)
			continue
		}
		e.Set(fn(b, b.FullPath(fusepath)))
	}
	return e.Err()
}

func doChmod(c *Config, snap *branch.Snapshot, fusepath string, mode uint32) error {
	return applyAll(c, snap, "chmod", fusepath, func(_ *branch.Branch, p string) error {
		return unix.Fchmodat(unix.AT_FDCWD, p, mode&07777, 0)
	})
}

// doChown changes ownership; -1 leaves a field unchanged.
func doChown(c *Config, snap *branch.Snapshot, fusepath string, uid, gid int) error {
	return applyAll(c, snap, "chown", fusepath, func(_ *branch.Branch, p string) error {
		return unix.Lchown(p, uid, gid)
	})
}

// doUtimens sets access and modification times. A nil time is left
// untouched.
func doUtimens(c *Config, snap *branch.Snapshot, fusepath string, atime, mtime *unix.Timespec) error {
	ts := []unix.Timespec{{Nsec: unix.UTIME_OMIT}, {Nsec: unix.UTIME_OMIT}}
	if atime != nil {
		ts[0] = *atime
	}
	if mtime != nil {
		ts[1] = *mtime
	}
	return applyAll(c, snap, "utimens", fusepath, func(_ *branch.Branch, p string) error {
		return unix.UtimesNanoAt(unix.AT_FDCWD, p, ts, unix.AT_SYMLINK_NOFOLLOW)
	})
}

func doTruncate(c *Config, snap *branch.Snapshot, fusepath string, size int64) error {
	return applyAll(c, snap, "truncate", fusepath, func(_ *branch.Branch, p string) error {
		return unix.Truncate(p, size)
	})
}

func doUnlink(c *Config, snap *branch.Snapshot, fusepath string) error {
	return applyAll(c, snap, "unlink", fusepath, func(_ *branch.Branch, p string) error {
		return unix.Unlink(p)
	})
}

// doRmdir removes a directory everywhere. A branch whose entry turns out
// not to be a directory (a symlink standing in for one) is unlinked
// instead unless symlinks are never followed.
func doRmdir(c *Config, snap *branch.Snapshot, fusepath string) error {
	follow := c.FollowSymlinks()
	return applyAll(c, snap, "rmdir", fusepath, func(_ *branch.Branch, p string) error {
		err := unix.Rmdir(p)
		if errors.Is(err, syscall.ENOTDIR) && follow != FollowNever {
			return unix.Unlink(p)
		}
		return err
	})
}

func doSetxattr(c *Config, snap *branch.Snapshot, fusepath, name string, data []byte, flags int) error {
	return applyAll(c, snap, "setxattr", fusepath, func(_ *branch.Branch, p string) error {
		return fsutil.LSetxattr(p, name, data, flags)
	})
}

func doRemovexattr(c *Config, snap *branch.Snapshot, fusepath, name string) error {
	return applyAll(c, snap, "removexattr", fusepath, func(_ *branch.Branch, p string) error {
		return fsutil.LRemovexattr(p, name)
	})
}
