package vfs

import (
	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/common"
)

// doStatfs sums the filesystems backing the branches, counting each
// device once. Block counts are rescaled to the smallest fragment size.
// Branches matched by statfs_ignore add their size but not their free
// space.
func doStatfs(c *Config, snap *branch.Snapshot, fusepath string, out *unix.Statfs_t) error {
	mode := c.StatfsMode()
	ignore := c.StatfsIgnore()

	type fsent struct {
		st unix.Statfs_t
		b  *branch.Branch
	}
	var (
		e       common.Err
		found   []fsent
		seen    = map[uint64]bool{}
		minFrsz uint64
		minBsz  uint64
		minName uint64
	)
	for _, b := range snap.Branches() {
		var st unix.Stat_t
		statPath := ""
		if mode == StatfsFull {
			statPath = fusepath
		}
		if err := b.Lstat(statPath, &st); err != nil {
			e.Set(err)
			continue
		}
		var sfs unix.Statfs_t
		if err := b.Statfs(&sfs); err != nil {
			e.Set(err)
			continue
		}
		e.Set(nil)
		if seen[uint64(st.Dev)] {
			continue
		}
		seen[uint64(st.Dev)] = true

		frsz := uint64(sfs.Frsize)
		if frsz == 0 {
			frsz = uint64(sfs.Bsize)
		}
		if minFrsz == 0 || frsz < minFrsz {
			minFrsz = frsz
		}
		if minBsz == 0 || uint64(sfs.Bsize) < minBsz {
			minBsz = uint64(sfs.Bsize)
		}
		if minName == 0 || uint64(sfs.Namelen) < minName {
			minName = uint64(sfs.Namelen)
		}
		found = append(found, fsent{st: sfs, b: b})
	}
	if len(found) == 0 {
		return e.Err()
	}

	*out = unix.Statfs_t{}
	for _, f := range found {
		frsz := uint64(f.st.Frsize)
		if frsz == 0 {
			frsz = uint64(f.st.Bsize)
		}
		scale := frsz / minFrsz
		out.Files += f.st.Files
		out.Ffree += f.st.Ffree
		out.Blocks += f.st.Blocks * scale
		if ignored(f.b, ignore) {
			continue
		}
		out.Bfree += f.st.Bfree * scale
		out.Bavail += f.st.Bavail * scale
	}
	out.Bsize = int64(minBsz)
	out.Frsize = int64(minFrsz)
	out.Namelen = int64(minName)
	return nil
}

func ignored(b *branch.Branch, ignore StatfsIgnore) bool {
	switch ignore {
	case IgnoreRO:
		return b.RO()
	case IgnoreNC:
		return b.ROOrNC()
	}
	return false
}
