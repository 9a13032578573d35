// Package fsutil wraps the raw syscalls the union layer issues against
// branches.
package fsutil

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/cache"
)

// Info is the space accounting policies rank branches by.
type Info struct {
	SpaceAvail uint64
	SpaceTotal uint64
	SpaceUsed  uint64
	ReadOnly   bool
}

// UsedFraction returns used/total, 0 for an empty filesystem.
func (i Info) UsedFraction() float64 {
	if i.SpaceTotal == 0 {
		return 0
	}
	return float64(i.SpaceUsed) / float64(i.SpaceTotal)
}

var statfsCache = cache.NewTTLCache[Info](0, 4096)

// SetStatfsCacheTimeout sets how long branch statvfs results are reused.
// Zero disables the cache.
func SetStatfsCacheTimeout(d time.Duration) {
	statfsCache.SetTTL(d)
}

// StatfsCacheTimeout returns the current statvfs cache timeout.
func StatfsCacheTimeout() time.Duration {
	return statfsCache.TTL()
}

// BranchInfo returns space accounting for the filesystem backing b.
func BranchInfo(b *branch.Branch) (Info, error) {
	return statfsCache.GetOrLoad(b.Path, func() (Info, error) {
		var st unix.Statfs_t
		if err := b.Statfs(&st); err != nil {
			return Info{}, err
		}
		return InfoFromStatfs(&st), nil
	})
}

// InfoFromStatfs converts raw statfs output.
func InfoFromStatfs(st *unix.Statfs_t) Info {
	frsize := uint64(st.Frsize)
	if frsize == 0 {
		frsize = uint64(st.Bsize)
	}
	return Info{
		SpaceAvail: st.Bavail * frsize,
		SpaceTotal: st.Blocks * frsize,
		SpaceUsed:  (st.Blocks - st.Bfree) * frsize,
		ReadOnly:   uint64(st.Flags)&unix.ST_RDONLY != 0,
	}
}
