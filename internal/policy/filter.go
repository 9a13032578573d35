package policy

import (
	"syscall"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/common"
	"github.com/trapexit/mergerfs-sub002/internal/fsutil"
)

type candidate struct {
	b    *branch.Branch
	info fsutil.Info
}

// searchable keeps branches on which fusepath exists. withInfo also drops
// branches whose filesystem cannot be queried.
func searchable(e *env, branches []*branch.Branch, fusepath string, withInfo bool) ([]candidate, error) {
	out := make([]candidate, 0, len(branches))
	for _, b := range branches {
		if !b.Exists(fusepath) {
			continue
		}
		c := candidate{b: b}
		if withInfo {
			info, err := e.info(b)
			if err != nil {
				continue
			}
			c.info = info
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, syscall.ENOENT
	}
	return out, nil
}

// actionable keeps branches on which fusepath exists and may be changed.
func actionable(e *env, branches []*branch.Branch, fusepath string) ([]candidate, error) {
	var lat lattice
	out := make([]candidate, 0, len(branches))
	for _, b := range branches {
		if !b.Exists(fusepath) {
			lat.set(syscall.ENOENT)
			continue
		}
		if b.RO() {
			lat.set(syscall.EROFS)
			continue
		}
		info, err := e.info(b)
		if err != nil {
			lat.set(syscall.ENOENT)
			continue
		}
		if info.ReadOnly {
			lat.set(syscall.EROFS)
			continue
		}
		out = append(out, candidate{b: b, info: info})
	}
	if len(out) == 0 {
		return nil, lat.err()
	}
	return out, nil
}

// creatable keeps branches on which fusepath may be created. With
// existingPath the parent directory must already be present.
func creatable(e *env, branches []*branch.Branch, fusepath string, existingPath bool) ([]candidate, error) {
	return creatableAt(e, branches, fusepath, common.ParentPath(common.NormalizePath(fusepath)), existingPath)
}

func creatableAt(e *env, branches []*branch.Branch, fusepath, dir string, existingPath bool) ([]candidate, error) {
	var lat lattice
	out := make([]candidate, 0, len(branches))
	for _, b := range branches {
		if b.ROOrNC() {
			lat.set(syscall.EROFS)
			continue
		}
		if b.Excluded(fusepath) {
			lat.set(syscall.ENOENT)
			continue
		}
		if existingPath && !b.Exists(dir) {
			lat.set(syscall.ENOENT)
			continue
		}
		info, err := e.info(b)
		if err != nil {
			lat.set(syscall.ENOENT)
			continue
		}
		if info.ReadOnly {
			lat.set(syscall.EROFS)
			continue
		}
		if info.SpaceAvail < b.MinFreeSpace {
			lat.set(syscall.ENOSPC)
			continue
		}
		out = append(out, candidate{b: b, info: info})
	}
	if len(out) == 0 {
		return nil, lat.err()
	}
	return out, nil
}

func branchesOf(cs []candidate) []*branch.Branch {
	out := make([]*branch.Branch, len(cs))
	for i, c := range cs {
		out[i] = c.b
	}
	return out
}
