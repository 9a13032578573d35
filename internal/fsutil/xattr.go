package fsutil

import (
	"errors"
	"syscall"

	"github.com/pkg/xattr"
)

// XattrErrno strips the pkg/xattr wrapper so callers see the raw errno.
func XattrErrno(err error) error {
	if err == nil {
		return nil
	}
	var xe *xattr.Error
	if errors.As(err, &xe) {
		var errno syscall.Errno
		if errors.As(xe.Err, &errno) {
			return errno
		}
		return xe.Err
	}
	return err
}

// LGetxattr reads an extended attribute without following symlinks.
func LGetxattr(path, name string) ([]byte, error) {
	v, err := xattr.LGet(path, name)
	return v, XattrErrno(err)
}

// LListxattr lists extended attribute names without following symlinks.
func LListxattr(path string) ([]string, error) {
	v, err := xattr.LList(path)
	return v, XattrErrno(err)
}

// LSetxattr writes an extended attribute without following symlinks.
func LSetxattr(path, name string, data []byte, flags int) error {
	return XattrErrno(xattr.LSetWithFlags(path, name, data, flags))
}

// LRemovexattr removes an extended attribute without following symlinks.
func LRemovexattr(path, name string) error {
	return XattrErrno(xattr.LRemove(path, name))
}
