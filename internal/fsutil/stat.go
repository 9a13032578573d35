package fsutil

import "golang.org/x/sys/unix"

// IsDir reports whether a st_mode describes a directory.
func IsDir(mode uint32) bool {
	return mode&unix.S_IFMT == unix.S_IFDIR
}

// IsReg reports whether a st_mode describes a regular file.
func IsReg(mode uint32) bool {
	return mode&unix.S_IFMT == unix.S_IFREG
}

// IsLnk reports whether a st_mode describes a symlink.
func IsLnk(mode uint32) bool {
	return mode&unix.S_IFMT == unix.S_IFLNK
}

// NewerTimespec returns the later of a and b.
func NewerTimespec(a, b unix.Timespec) unix.Timespec {
	if b.Sec > a.Sec || (b.Sec == a.Sec && b.Nsec > a.Nsec) {
		return b
	}
	return a
}

// NewerStatxTimestamp returns the later of a and b.
func NewerStatxTimestamp(a, b unix.StatxTimestamp) unix.StatxTimestamp {
	if b.Sec > a.Sec || (b.Sec == a.Sec && b.Nsec > a.Nsec) {
		return b
	}
	return a
}

// DirentType converts a st_mode into the DT_* value used in directory
// entries.
func DirentType(mode uint32) uint8 {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return unix.DT_DIR
	case unix.S_IFREG:
		return unix.DT_REG
	case unix.S_IFLNK:
		return unix.DT_LNK
	case unix.S_IFCHR:
		return unix.DT_CHR
	case unix.S_IFBLK:
		return unix.DT_BLK
	case unix.S_IFIFO:
		return unix.DT_FIFO
	case unix.S_IFSOCK:
		return unix.DT_SOCK
	}
	return unix.DT_UNKNOWN
}

// DirentTypeToMode converts a DT_* value into the S_IF* bits of st_mode.
func DirentTypeToMode(t uint8) uint32 {
	return uint32(t) << 12
}
