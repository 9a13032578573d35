package policy

import (
	"errors"
	"syscall"
)

// lattice keeps the most significant reason a branch was rejected:
// ENOENT < ENOSPC < EROFS.
type lattice struct {
	errno syscall.Errno
}

func rank(e syscall.Errno) int {
	switch e {
	case syscall.EROFS:
		return 3
	case syscall.ENOSPC:
		return 2
	case syscall.ENOENT:
		return 1
	}
	return 0
}

func (l *lattice) set(e syscall.Errno) {
	if rank(e) > rank(l.errno) {
		l.errno = e
	}
}

func (l *lattice) add(err error) {
	var e syscall.Errno
	if errors.As(err, &e) {
		l.set(e)
		return
	}
	l.set(syscall.ENOENT)
}

func (l *lattice) err() error {
	if l.errno == 0 {
		return syscall.ENOENT
	}
	return l.errno
}
