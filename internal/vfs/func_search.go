package vfs

import (
	"errors"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/fsutil"
)

func doAccess(c *Config, snap *branch.Snapshot, fusepath string, mask uint32) error {
	bs, err := c.Policies.policy("access").Search(snap, fusepath)
	if err != nil {
		return err
	}
	return unix.Faccessat(unix.AT_FDCWD, bs[0].FullPath(fusepath), mask, unix.AT_EACCESS)
}

// doReadlink returns the target of fusepath. A symlinkified file reads as
// a link to its own branch copy.
func doReadlink(c *Config, snap *branch.Snapshot, fusepath string) (string, error) {
	bs, err := c.Policies.policy("readlink").Search(snap, fusepath)
	if err != nil {
		return "", err
	}
	b := bs[0]
	full := b.FullPath(fusepath)

	if c.Symlinkify() {
		var st unix.Stat_t
		if err := b.Lstat(fusepath, &st); err != nil {
			return "", err
		}
		if !fsutil.IsLnk(st.Mode) &&
			shouldSymlinkify(st.Mode, st.Mtim.Sec, st.Ctim.Sec, time.Now().Unix(), c.SymlinkifyTimeout()) {
			return full, nil
		}
	}

	buf := make([]byte, unix.PathMax)
	for {
		n, err := unix.Readlink(full, buf)
		if err != nil {
			return "", err
		}
		if n < len(buf) {
			return string(buf[:n]), nil
		}
		buf = make([]byte, len(buf)*2)
	}
}

// xattrShortCircuit lists errors another branch cannot fix.
func xattrShortCircuit(err error) bool {
	return errors.Is(err, syscall.ERANGE) || errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.E2BIG)
}

// firstXattr asks each branch in turn and returns the first answer. It
// stops at an error no other branch can fix; otherwise the last branch's
// error is returned.
func firstXattr[T any](bs []*branch.Branch, get func(b *branch.Branch) (T, error)) (T, error) {
	var zero T
	var last error
	for _, b := range bs {
		v, err := get(b)
		if err == nil {
			return v, nil
		}
		if xattrShortCircuit(err) {
			return zero, err
		}
		last = err
	}
	return zero, last
}

func doGetxattr(c *Config, snap *branch.Snapshot, fusepath, name string) ([]byte, error) {
	bs, err := c.Policies.policy("getxattr").Search(snap, fusepath)
	if err != nil {
		return nil, err
	}
	return firstXattr(bs, func(b *branch.Branch) ([]byte, error) {
		return fsutil.LGetxattr(b.FullPath(fusepath), name)
	})
}

func doListxattr(c *Config, snap *branch.Snapshot, fusepath string) ([]string, error) {
	bs, err := c.Policies.policy("listxattr").Search(snap, fusepath)
	if err != nil {
		return nil, err
	}
	return firstXattr(bs, func(b *branch.Branch) ([]string, error) {
		return fsutil.LListxattr(b.FullPath(fusepath))
	})
}
