package vfs

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
)

// ControlFile is the name of the virtual configuration file at the root of
// every mount.
const ControlFile = ".mergerfs"

// XattrPrefix namespaces both the control file keys and the per-file
// introspection attributes.
const XattrPrefix = "user.mergerfs."

// Request describes the caller of one operation.
type Request struct {
	UID   uint32
	GID   uint32
	PID   uint32
	Umask uint32
}

// mode applies the caller's umask.
func (r *Request) mode(mode uint32) uint32 {
	if r == nil {
		return mode
	}
	return mode &^ r.Umask
}

var runningAsRoot = os.Geteuid() == 0

// chown gives a newly created entry to the caller when the daemon runs
// as root. Failures are ignored: the entry exists and is usable.
func (r *Request) chown(path string) {
	if r == nil || !runningAsRoot || (r.UID == 0 && r.GID == 0) {
		return
	}
	_ = unix.Lchown(path, int(r.UID), int(r.GID))
}

// OpenFile is a file opened on one branch.
type OpenFile struct {
	Fd     int
	Path   string
	Branch *branch.Branch
}
