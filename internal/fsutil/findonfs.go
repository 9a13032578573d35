package fsutil

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
)

// FindOnFS returns the branch whose copy of fusepath lives on the same
// device as the open descriptor fd. Branches are checked in order and the
// first device match wins.
func FindOnFS(snap *branch.Snapshot, fusepath string, fd int) (*branch.Branch, error) {
	var fdst unix.Stat_t
	if err := unix.Fstat(fd, &fdst); err != nil {
		return nil, err
	}

	for _, b := range snap.Branches() {
		var st unix.Stat_t
		if err := b.Lstat(fusepath, &st); err != nil {
			continue
		}
		if st.Dev == fdst.Dev {
			return b, nil
		}
	}
	return nil, syscall.ENOENT
}
