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
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"testing"

	"github.com/pkg/xattr"
	"github.com/stretchr/testify/assert"

	"github.com/trapexit/mergerfs-sub002/internal/common"
)

func TestToErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, 0},
		{"errno", syscall.ENOSPC, syscall.ENOSPC},
		{"wrapped errno", fmt.Errorf("mkdir: %w", syscall.EROFS), syscall.EROFS},
		{"path error", &fs.PathError{Op: "open", Path: "/x", Err: syscall.EACCES}, syscall.EACCES},
		{"xattr error", &xattr.Error{Op: "xattr.get", Path: "/x", Name: "user.a", Err: syscall.ENODATA}, syscall.ENODATA},
		{"unknown key", fmt.Errorf("%w: foo", common.ErrUnknownKey), syscall.ENODATA},
		{"read-only key", common.ErrReadOnlyKey, syscall.EINVAL},
		{"invalid value", fmt.Errorf("%w: x", common.ErrInvalidValue), syscall.EINVAL},
		{"read-only mount", common.ErrReadOnly, syscall.EROFS},
		{"not exist", os.ErrNotExist, syscall.ENOENT},
		{"exist", os.ErrExist, syscall.EEXIST},
		{"permission", os.ErrPermission, syscall.EACCES},
		{"closed", os.ErrClosed, syscall.EBADF},
		{"other", errors.New("boom"), syscall.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ToErrno(tt.err))
		})
	}
}

func TestRecoverPanic(t *testing.T) {
	t.Parallel()

	f := func() (err error) {
		defer recoverPanic("test", &err)
		var m map[string]int
		m["x"] = 1
		return nil
	}
	assert.Equal(t, EIO, f())
}
