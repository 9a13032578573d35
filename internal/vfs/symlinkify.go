package vfs

import (
	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/fsutil"
)

// shouldSymlinkify reports whether an entry is old and unwritable enough to
// be presented as a symlink to its branch copy.
func shouldSymlinkify(mode uint32, mtime, ctime, now, timeout int64) bool {
	if fsutil.IsDir(mode) {
		return false
	}
	if mode&0o222 != 0 {
		return false
	}
	return now-mtime > timeout && now-ctime > timeout
}

// symlinkify rewrites st in place when the feature is on. The decision
// uses the stat already taken; a change between that stat and the reply
// is not detected.
func symlinkify(c *Config, fullpath string, st *unix.Stat_t, now int64) {
	if !c.Symlinkify() {
		return
	}
	if !shouldSymlinkify(st.Mode, st.Mtim.Sec, st.Ctim.Sec, now, c.SymlinkifyTimeout()) {
		return
	}
	st.Mode = (st.Mode &^ unix.S_IFMT) | unix.S_IFLNK | 0o777
	st.Size = int64(len(fullpath))
	st.Blocks = 0
}

func symlinkifyStatx(c *Config, fullpath string, st *unix.Statx_t, now int64) {
	if !c.Symlinkify() {
		return
	}
	if !shouldSymlinkify(uint32(st.Mode), st.Mtime.Sec, st.Ctime.Sec, now, c.SymlinkifyTimeout()) {
		return
	}
	st.Mode = uint16((uint32(st.Mode) &^ unix.S_IFMT) | unix.S_IFLNK | 0o777)
	st.Size = uint64(len(fullpath))
	st.Blocks = 0
}
