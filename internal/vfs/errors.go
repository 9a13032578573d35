// Copyright 2024 The mergerfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package vfs

import (
	"errors"
	"os"
	"runtime/debug"
	"syscall"

	"github.com/pkg/xattr"
	log "github.com/sirupsen/logrus"

	"github.com/trapexit/mergerfs-sub002/internal/common"
)

// VFS error codes mapped to syscall errors
var (
	ENOENT    = syscall.ENOENT    // No such file or directory
	EEXIST    = syscall.EEXIST    // File exists
	ENOTDIR   = syscall.ENOTDIR   // Not a directory
	EISDIR    = syscall.EISDIR    // Is a directory
	EBADF     = syscall.EBADF     // Bad file descriptor
	EINVAL    = syscall.EINVAL    // Invalid argument
	ENOTSUP   = syscall.ENOTSUP   // Operation not supported
	ENOSPC    = syscall.ENOSPC    // No space left on device
	EIO       = syscall.EIO       // I/O error
	EACCES    = syscall.EACCES    // Permission denied
	EPERM     = syscall.EPERM     // Operation not permitted
	EROFS     = syscall.EROFS     // Read-only file system
	ENODATA   = syscall.ENODATA   // Attribute not found (xattr)
	ERANGE    = syscall.ERANGE    // Result too large for buffer
	E2BIG     = syscall.E2BIG     // Argument list too long
	ENOMEM    = syscall.ENOMEM    // Out of memory
	ENOTEMPTY = syscall.ENOTEMPTY // Directory not empty
)

var sentinelErrnos = []struct {
	err   error
	errno syscall.Errno
}{
	{common.ErrNotFound, ENOENT},
	{common.ErrInvalidPath, EINVAL},
	{common.ErrInvalidHandle, EBADF},
	{common.ErrReadOnly, EROFS},
	{common.ErrInvalidBranch, EINVAL},
	{common.ErrInvalidValue, EINVAL},
	{common.ErrUnknownKey, ENODATA},
	{common.ErrReadOnlyKey, EINVAL},
	{common.ErrNoBranches, ENOENT},
}

// ToErrno maps any error returned by this package, the branch layer or the
// os package onto the errno reported to the kernel.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	var xe *xattr.Error
	if errors.As(err, &xe) {
		return ToErrno(xe.Err)
	}

	for _, s := range sentinelErrnos {
		if errors.Is(err, s.err) {
			return s.errno
		}
	}

	switch {
	case errors.Is(err, os.ErrNotExist):
		return ENOENT
	case errors.Is(err, os.ErrExist):
		return EEXIST
	case errors.Is(err, os.ErrPermission):
		return EACCES
	case errors.Is(err, os.ErrClosed):
		return EBADF
	}
	return EIO
}

// recoverPanic turns a panic inside an operation into EIO.
func recoverPanic(operation string, err *error) {
	if r := recover(); r != nil {
		log.Errorf("[MergerFS] PANIC RECOVERED in %s: %v\nStack:\n%s", operation, r, debug.Stack())
		if err != nil {
			*err = EIO
		}
	}
}
