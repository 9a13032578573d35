package vfs

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/common"
	"github.com/trapexit/mergerfs-sub002/internal/fsutil"
)

// GetattrStrategy resolves the attributes of a path across branches.
type GetattrStrategy interface {
	Named
	Getattr(c *Config, snap *branch.Snapshot, fusepath string, st *unix.Stat_t) error
}

// GetattrStrategies lists the getattr strategies by name.
var GetattrStrategies = Factory[GetattrStrategy]{
	"ff":      getattrFF{},
	"newest":  getattrNewest{},
	"combine": getattrCombine{},
	"cdco":    getattrCDCO{},
}

// branchStat lstats fusepath on b, replacing a symlink with its target
// when follow-symlinks asks for it.
func branchStat(c *Config, b *branch.Branch, fusepath string, st *unix.Stat_t) error {
	if err := b.Lstat(fusepath, st); err != nil {
		return err
	}
	if !fsutil.IsLnk(st.Mode) {
		return nil
	}
	follow := c.FollowSymlinks()
	if follow == FollowNever {
		return nil
	}
	var target unix.Stat_t
	if err := b.Stat(fusepath, &target); err != nil {
		return nil
	}
	if followTarget(follow, target.Mode) {
		*st = target
	}
	return nil
}

func followTarget(f FollowSymlinks, mode uint32) bool {
	switch f {
	case FollowDirectory:
		return fsutil.IsDir(mode)
	case FollowRegular:
		return fsutil.IsReg(mode)
	case FollowAll:
		return fsutil.IsDir(mode) || fsutil.IsReg(mode)
	}
	return false
}

// finishStat applies symlinkify and inode synthesis for the copy of
// fusepath on b.
func finishStat(c *Config, b *branch.Branch, fusepath string, st *unix.Stat_t) {
	symlinkify(c, b.FullPath(fusepath), st, time.Now().Unix())
	c.Inode.CalcStat(b.Path, fusepath, st)
}

// combineStat merges a later branch's attributes into the baseline.
func combineStat(dst, src *unix.Stat_t) {
	dst.Atim = fsutil.NewerTimespec(dst.Atim, src.Atim)
	dst.Mtim = fsutil.NewerTimespec(dst.Mtim, src.Mtim)
	dst.Ctim = fsutil.NewerTimespec(dst.Ctim, src.Ctim)
	dst.Nlink += src.Nlink
	if src.Uid == 0 {
		dst.Uid = 0
	}
	if src.Gid == 0 {
		dst.Gid = 0
	}
}

type getattrFF struct{}

func (getattrFF) Name() string { return "ff" }

func (getattrFF) Getattr(c *Config, snap *branch.Snapshot, fusepath string, st *unix.Stat_t) error {
	b, err := statFirst(c, snap.Branches(), fusepath, st)
	if err != nil {
		return err
	}
	finishStat(c, b, fusepath, st)
	return nil
}

func statFirst(c *Config, bs []*branch.Branch, fusepath string, st *unix.Stat_t) (*branch.Branch, error) {
	var e common.Err
	for _, b := range bs {
		err := branchStat(c, b, fusepath, st)
		if err == nil {
			return b, nil
		}
		e.Set(err)
	}
	return nil, e.Err()
}

type getattrNewest struct{}

func (getattrNewest) Name() string { return "newest" }

func (getattrNewest) Getattr(c *Config, snap *branch.Snapshot, fusepath string, st *unix.Stat_t) error {
	var e common.Err
	var best *branch.Branch
	for _, b := range snap.Branches() {
		var tmp unix.Stat_t
		if err := branchStat(c, b, fusepath, &tmp); err != nil {
			e.Set(err)
			continue
		}
		if best == nil || fsutil.NewerTimespec(st.Mtim, tmp.Mtim) != st.Mtim {
			best = b
			*st = tmp
		}
	}
	if best == nil {
		return e.Err()
	}
	finishStat(c, best, fusepath, st)
	return nil
}

type getattrCombine struct{}

func (getattrCombine) Name() string { return "combine" }

func (getattrCombine) Getattr(c *Config, snap *branch.Snapshot, fusepath string, st *unix.Stat_t) error {
	b, err := statCombined(c, snap.Branches(), fusepath, st, false)
	if err != nil {
		return err
	}
	finishStat(c, b, fusepath, st)
	return nil
}

// statCombined takes the first hit as the baseline and merges every later
// hit into it. With dirsOnly a non-directory baseline is returned as is.
func statCombined(c *Config, bs []*branch.Branch, fusepath string, st *unix.Stat_t, dirsOnly bool) (*branch.Branch, error) {
	base, err := statFirst(c, bs, fusepath, st)
	if err != nil {
		return nil, err
	}
	if dirsOnly && !fsutil.IsDir(st.Mode) {
		return base, nil
	}
	start := 0
	for i, b := range bs {
		if b == base {
			start = i + 1
			break
		}
	}
	for _, b := range bs[start:] {
		var tmp unix.Stat_t
		if err := branchStat(c, b, fusepath, &tmp); err != nil {
			continue
		}
		combineStat(st, &tmp)
	}
	return base, nil
}

// getattrCDCO combines directories and reports the first copy of
// everything else.
type getattrCDCO struct{}

func (getattrCDCO) Name() string { return "cdco" }

func (getattrCDCO) Getattr(c *Config, snap *branch.Snapshot, fusepath string, st *unix.Stat_t) error {
	b, err := statCombined(c, snap.Branches(), fusepath, st, true)
	if err != nil {
		return err
	}
	finishStat(c, b, fusepath, st)
	return nil
}
