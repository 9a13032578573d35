package common

import (
	"errors"
	"syscall"
)

// Err folds the per-branch results of one operation into a single errno.
//
// Success wins over everything and stays. ENOENT is the weakest failure and
// is replaced by any other failure. EROFS is replaced by any later failure
// except ENOENT. Any other failure sticks once recorded.
//
// The zero value is ready to use and reports ENOENT until something is
// assigned.
type Err struct {
	set   bool
	errno syscall.Errno
}

// SetErrno records one result. Zero means success.
func (e *Err) SetErrno(errno syscall.Errno) {
	switch {
	case !e.set:
		e.set = true
		e.errno = errno
	case e.errno == 0:
	case errno == 0:
		e.errno = 0
	case e.errno == syscall.ENOENT:
		e.errno = errno
	case e.errno == syscall.EROFS && errno != syscall.ENOENT:
		e.errno = errno
	}
}

// Set records one result given as an error. nil means success.
func (e *Err) Set(err error) {
	if err == nil {
		e.SetErrno(0)
		return
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.SetErrno(errno)
		return
	}
	e.SetErrno(syscall.EIO)
}

// Errno returns the folded result.
func (e *Err) Errno() syscall.Errno {
	if !e.set {
		return syscall.ENOENT
	}
	return e.errno
}

// Err returns the folded result as an error, nil on success.
func (e *Err) Err() error {
	if errno := e.Errno(); errno != 0 {
		return errno
	}
	return nil
}
