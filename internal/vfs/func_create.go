package vfs

import (
	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/common"
	"github.com/trapexit/mergerfs-sub002/internal/fsutil"
	"github.com/trapexit/mergerfs-sub002/internal/policy"
)

var parentSearch = policy.MustFind("ff")

// createTargets picks the branches for a new entry and makes sure the
// parent directory exists on each of them, cloning it from the first
// branch that already has it.
func createTargets(c *Config, snap *branch.Snapshot, op, fusepath string) ([]*branch.Branch, error) {
	fusedir := common.ParentPath(fusepath)
	src, err := parentSearch.Search(snap, fusedir)
	if err != nil {
		return nil, err
	}
	targets, err := c.Policies.policy(op).Create(snap, fusepath)
	if err != nil {
		return nil, err
	}
	for _, b := range targets {
		if err := fsutil.ClonePath(src[0], b, fusedir); err != nil {
			return nil, err
		}
	}
	return targets, nil
}

// doCreate creates and opens fusepath on the first selected branch.
func doCreate(c *Config, snap *branch.Snapshot, req *Request, fusepath string, flags int, mode uint32) (*OpenFile, error) {
	targets, err := createTargets(c, snap, "create", fusepath)
	if err != nil {
		return nil, err
	}
	b := targets[0]
	full := b.FullPath(fusepath)
	fd, err := unix.Open(full, flags|unix.O_CREAT|unix.O_CLOEXEC, req.mode(mode))
	if err != nil {
		return nil, err
	}
	req.chown(full)
	return &OpenFile{Fd: fd, Path: fusepath, Branch: b}, nil
}

// eachTarget runs fn on every selected branch, folding the results.
func eachTarget(targets []*branch.Branch, fusepath string, fn func(fullpath string) error) error {
	var e common.Err
	for _, b := range targets {
		e.Set(fn(b.FullPath(fusepath)))
	}
	return e.Err()
}

func doMkdir(c *Config, snap *branch.Snapshot, req *Request, fusepath string, mode uint32) error {
	targets, err := createTargets(c, snap, "mkdir", fusepath)
	if err != nil {
		return err
	}
	return eachTarget(targets, fusepath, func(p string) error {
		if err := unix.Mkdir(p, req.mode(mode)); err != nil {
			return err
		}
		req.chown(p)
		return nil
	})
}

func doMknod(c *Config, snap *branch.Snapshot, req *Request, fusepath string, mode uint32, dev uint64) error {
	targets, err := createTargets(c, snap, "mknod", fusepath)
	if err != nil {
		return err
	}
	return eachTarget(targets, fusepath, func(p string) error {
		m := (mode & unix.S_IFMT) | req.mode(mode&^unix.S_IFMT)
		if err := unix.Mknod(p, m, int(dev)); err != nil {
			return err
		}
		req.chown(p)
		return nil
	})
}

func doSymlink(c *Config, snap *branch.Snapshot, req *Request, target, fusepath string) error {
	targets, err := createTargets(c, snap, "symlink", fusepath)
	if err != nil {
		return err
	}
	return eachTarget(targets, fusepath, func(p string) error {
		if err := unix.Symlink(target, p); err != nil {
			return err
		}
		req.chown(p)
		return nil
	})
}

// doLink hard links oldpath to newpath on every branch holding oldpath.
// Links never cross branches.
func doLink(c *Config, snap *branch.Snapshot, oldpath, newpath string) error {
	bs, err := c.Policies.policy("link").Action(snap, oldpath)
	if err != nil {
		return err
	}
	newdir := common.ParentPath(newpath)
	src, srcErr := parentSearch.Search(snap, newdir)

	var e common.Err
	for _, b := range bs {
		if !b.Exists(newdir) {
			if srcErr != nil {
				e.Set(srcErr)
				continue
			}
			if err := fsutil.ClonePath(src[0], b, newdir); err != nil {
				e.Set(err)
				continue
			}
		}
		e.Set(unix.Link(b.FullPath(oldpath), b.FullPath(newpath)))
	}
	return e.Err()
}

// doRename renames oldpath on every branch the action policy selects.
// Once at least one rename succeeded, copies of newpath left on branches
// that did not take part are removed so the old content cannot shadow the
// renamed entry.
func doRename(c *Config, snap *branch.Snapshot, oldpath, newpath string, flags uint32) error {
	bs, err := c.Policies.policy("rename").Action(snap, oldpath)
	if err != nil {
		return err
	}
	selected := make(map[*branch.Branch]bool, len(bs))
	for _, b := range bs {
		selected[b] = true
	}

	newdir := common.ParentPath(newpath)
	src, srcErr := parentSearch.Search(snap, newdir)

	var e common.Err
	var stale []*branch.Branch
	for _, b := range snap.Branches() {
		if !selected[b] {
			if !b.RO() && b.Exists(newpath) {
				stale = append(stale, b)
			}
			continue
		}
		if !b.Exists(newdir) {
			if srcErr != nil {
				e.Set(srcErr)
				continue
			}
			if err := fsutil.ClonePath(src[0], b, newdir); err != nil {
				e.Set(err)
				continue
			}
		}
		e.Set(rename(b.FullPath(oldpath), b.FullPath(newpath), flags))
	}

	if err := e.Err(); err != nil {
		return err
	}
	for _, b := range stale {
		p := b.FullPath(newpath)
		if err := unix.Unlink(p); err != nil {
			_ = unix.Rmdir(p)
		}
	}
	return nil
}

func rename(oldp, newp string, flags uint32) error {
	if flags == 0 {
		return unix.Rename(oldp, newp)
	}
	return unix.Renameat2(unix.AT_FDCWD, oldp, unix.AT_FDCWD, newp, uint(flags))
}

// doOpen opens fusepath on the first branch the search policy returns.
func doOpen(c *Config, snap *branch.Snapshot, fusepath string, flags int) (*OpenFile, error) {
	bs, err := c.Policies.policy("open").Search(snap, fusepath)
	if err != nil {
		return nil, err
	}
	b := bs[0]
	fd, err := unix.Open(b.FullPath(fusepath), (flags&^unix.O_CREAT)|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &OpenFile{Fd: fd, Path: fusepath, Branch: b}, nil
}
