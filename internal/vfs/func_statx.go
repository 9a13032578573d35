package vfs

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/common"
	"github.com/trapexit/mergerfs-sub002/internal/fsutil"
)

// StatxStrategy resolves extended attributes of a path across branches.
type StatxStrategy interface {
	Named
	Statx(c *Config, snap *branch.Snapshot, fusepath string, flags, mask int, st *unix.Statx_t) error
}

// StatxStrategies lists the statx strategies by name.
var StatxStrategies = Factory[StatxStrategy]{
	"ff":      statxFF{},
	"newest":  statxNewest{},
	"combine": statxCombine{},
	"cdfo":    statxCDFO{},
}

func branchStatx(c *Config, b *branch.Branch, fusepath string, flags, mask int, st *unix.Statx_t) error {
	if err := b.Statx(fusepath, flags|unix.AT_SYMLINK_NOFOLLOW, mask, st); err != nil {
		return err
	}
	if !fsutil.IsLnk(uint32(st.Mode)) || c.FollowSymlinks() == FollowNever {
		return nil
	}
	var target unix.Statx_t
	if err := b.Statx(fusepath, flags&^unix.AT_SYMLINK_NOFOLLOW, mask, &target); err != nil {
		return nil
	}
	if followTarget(c.FollowSymlinks(), uint32(target.Mode)) {
		*st = target
	}
	return nil
}

func finishStatx(c *Config, b *branch.Branch, fusepath string, st *unix.Statx_t) {
	symlinkifyStatx(c, b.FullPath(fusepath), st, time.Now().Unix())
	c.Inode.CalcStatx(b.Path, fusepath, st)
}

func combineStatx(dst, src *unix.Statx_t) {
	dst.Atime = fsutil.NewerStatxTimestamp(dst.Atime, src.Atime)
	dst.Mtime = fsutil.NewerStatxTimestamp(dst.Mtime, src.Mtime)
	dst.Ctime = fsutil.NewerStatxTimestamp(dst.Ctime, src.Ctime)
	dst.Nlink += src.Nlink
	if src.Uid == 0 {
		dst.Uid = 0
	}
	if src.Gid == 0 {
		dst.Gid = 0
	}
}

func statxFirst(c *Config, bs []*branch.Branch, fusepath string, flags, mask int, st *unix.Statx_t) (*branch.Branch, error) {
	var e common.Err
	for _, b := range bs {
		err := branchStatx(c, b, fusepath, flags, mask, st)
		if err == nil {
			return b, nil
		}
		e.Set(err)
	}
	return nil, e.Err()
}

func statxCombined(c *Config, bs []*branch.Branch, fusepath string, flags, mask int, st *unix.Statx_t, dirsOnly bool) (*branch.Branch, error) {
	base, err := statxFirst(c, bs, fusepath, flags, mask, st)
	if err != nil {
		return nil, err
	}
	if dirsOnly && !fsutil.IsDir(uint32(st.Mode)) {
		return base, nil
	}
	seen := false
	for _, b := range bs {
		if !seen {
			seen = b == base
			continue
		}
		var tmp unix.Statx_t
		if err := branchStatx(c, b, fusepath, flags, mask, &tmp); err != nil {
			continue
		}
		combineStatx(st, &tmp)
	}
	return base, nil
}

type statxFF struct{}

func (statxFF) Name() string { return "ff" }

func (statxFF) Statx(c *Config, snap *branch.Snapshot, fusepath string, flags, mask int, st *unix.Statx_t) error {
	b, err := statxFirst(c, snap.Branches(), fusepath, flags, mask, st)
	if err != nil {
		return err
	}
	finishStatx(c, b, fusepath, st)
	return nil
}

type statxNewest struct{}

func (statxNewest) Name() string { return "newest" }

func (statxNewest) Statx(c *Config, snap *branch.Snapshot, fusepath string, flags, mask int, st *unix.Statx_t) error {
	var e common.Err
	var best *branch.Branch
	for _, b := range snap.Branches() {
		var tmp unix.Statx_t
		if err := branchStatx(c, b, fusepath, flags, mask, &tmp); err != nil {
			e.Set(err)
			continue
		}
		if best == nil || fsutil.NewerStatxTimestamp(st.Mtime, tmp.Mtime) != st.Mtime {
			best = b
			*st = tmp
		}
	}
	if best == nil {
		return e.Err()
	}
	finishStatx(c, best, fusepath, st)
	return nil
}

type statxCombine struct{}

func (statxCombine) Name() string { return "combine" }

func (statxCombine) Statx(c *Config, snap *branch.Snapshot, fusepath string, flags, mask int, st *unix.Statx_t) error {
	b, err := statxCombined(c, snap.Branches(), fusepath, flags, mask, st, false)
	if err != nil {
		return err
	}
	finishStatx(c, b, fusepath, st)
	return nil
}

// statxCDFO combines directories and reports the first copy of everything
// else.
type statxCDFO struct{}

func (statxCDFO) Name() string { return "cdfo" }

func (statxCDFO) Statx(c *Config, snap *branch.Snapshot, fusepath string, flags, mask int, st *unix.Statx_t) error {
	b, err := statxCombined(c, snap.Branches(), fusepath, flags, mask, st, true)
	if err != nil {
		return err
	}
	finishStatx(c, b, fusepath, st)
	return nil
}
