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


// Package branch models the underlying directories of a union mount and the
// copy-on-write set that holds them.
package branch

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/common"
)

// DefaultMinFreeSpace is the create floor applied to branches without an
// explicit minfreespace option.
const DefaultMinFreeSpace uint64 = 4 << 30

// Mode controls which operations may touch a branch.
type Mode int

const (
	// ModeRW allows every operation.
	ModeRW Mode = iota
	// ModeRO excludes the branch from create and action policies.
	ModeRO
	// ModeNC excludes the branch from create policies only.
	ModeNC
)

func (m Mode) String() string {
	switch m {
	case ModeRW:
		return "RW"
	case ModeRO:
		return "RO"
	case ModeNC:
		return "NC"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses RW, RO or NC (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(s) {
	case "RW":
		return ModeRW, nil
	case "RO":
		return ModeRO, nil
	case "NC":
		return ModeNC, nil
	}
	return 0, fmt.Errorf("mode %q: %w", s, syscall.EINVAL)
}

// Branch is one underlying directory. It is immutable once built; changing a
// branch means building a new one and a new Snapshot around it.
type Branch struct {
	Path         string
	Mode         Mode
	MinFreeSpace uint64
	Excludes     []string

	// explicitMinFree is set when the branch spec carried its own floor, so
	// a change of the global default leaves it alone.
	explicitMinFree bool
	excl            *exclusions
	dir             *dirHandle
}

// New builds a branch for an absolute path. A path that cannot be opened is
// not an error: the branch simply fails its syscalls until the directory
// appears.
func New(path string, mode Mode, minFreeSpace uint64, excludes []string) (*Branch, error) {
	if path == "" {
		return nil, fmt.Errorf("empty branch path: %w", syscall.EINVAL)
	}
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("branch %q: %w", path, syscall.EINVAL)
		}
		path = abs
	}
	path = filepath.Clean(path)

	excl, err := compileExclusions(path, excludes)
	if err != nil {
		return nil, err
	}

	return &Branch{
		Path:         path,
		Mode:         mode,
		MinFreeSpace: minFreeSpace,
		Excludes:     excludes,
		excl:         excl,
		dir:          openDir(path),
	}, nil
}

// withMinFreeSpace returns a copy of b using a new default floor. The copy
// shares the directory handle.
func (b *Branch) withMinFreeSpace(v uint64) *Branch {
	if b.explicitMinFree || b.MinFreeSpace == v {
		return b
	}
	nb := *b
	nb.MinFreeSpace = v
	return &nb
}

// RO reports whether the branch is read-only.
func (b *Branch) RO() bool { return b.Mode == ModeRO }

// NC reports whether the branch refuses new files.
func (b *Branch) NC() bool { return b.Mode == ModeNC }

// ROOrNC reports whether create policies must skip the branch.
func (b *Branch) ROOrNC() bool { return b.Mode == ModeRO || b.Mode == ModeNC }

// FullPath returns the on-disk path of fusepath within the branch.
func (b *Branch) FullPath(fusepath string) string {
	return common.FullPath(b.Path, fusepath)
}

// Excluded reports whether the branch's exclusion rules hide fusepath from
// create policies.
func (b *Branch) Excluded(fusepath string) bool {
	return b.excl.matches(common.NormalizePath(fusepath))
}

// Fd returns the O_PATH directory descriptor, or -1 when the branch root
// could not be opened. The descriptor is closed once b is unreachable, so
// callers keep b alive with runtime.KeepAlive until the syscall returns.
func (b *Branch) Fd() int {
	if b.dir == nil {
		return -1
	}
	return b.dir.fd
}

// Lstat stats fusepath without following a final symlink.
func (b *Branch) Lstat(fusepath string, st *unix.Stat_t) error {
	return b.fstatat(fusepath, st, unix.AT_SYMLINK_NOFOLLOW)
}

// Stat stats fusepath following symlinks.
func (b *Branch) Stat(fusepath string, st *unix.Stat_t) error {
	return b.fstatat(fusepath, st, 0)
}

func (b *Branch) fstatat(fusepath string, st *unix.Stat_t, flags int) error {
	fusepath = common.NormalizePath(fusepath)
	defer runtime.KeepAlive(b.dir)
	if fd := b.Fd(); fd >= 0 {
		if fusepath == "" {
			return unix.Fstatat(fd, "", st, flags|unix.AT_EMPTY_PATH)
		}
		return unix.Fstatat(fd, fusepath, st, flags)
	}
	return unix.Fstatat(unix.AT_FDCWD, b.FullPath(fusepath), st, flags)
}

// Statx runs statx(2) on fusepath relative to the branch root.
func (b *Branch) Statx(fusepath string, flags, mask int, st *unix.Statx_t) error {
	fusepath = common.NormalizePath(fusepath)
	defer runtime.KeepAlive(b.dir)
	if fd := b.Fd(); fd >= 0 {
		if fusepath == "" {
			return unix.Statx(fd, "", flags|unix.AT_EMPTY_PATH, mask, st)
		}
		return unix.Statx(fd, fusepath, flags, mask, st)
	}
	return unix.Statx(unix.AT_FDCWD, b.FullPath(fusepath), flags, mask, st)
}

// Exists reports whether fusepath is present on the branch.
func (b *Branch) Exists(fusepath string) bool {
	var st unix.Stat_t
	return b.Lstat(fusepath, &st) == nil
}

// Statfs returns filesystem statistics for the branch root.
func (b *Branch) Statfs(st *unix.Statfs_t) error {
	defer runtime.KeepAlive(b.dir)
	if fd := b.Fd(); fd >= 0 {
		return unix.Fstatfs(fd, st)
	}
	return unix.Statfs(b.Path, st)
}

// String renders the branch in configuration syntax.
func (b *Branch) String() string {
	var sb strings.Builder
	sb.WriteString(b.Path)
	sb.WriteByte('=')
	sb.WriteString(b.Mode.String())
	if b.explicitMinFree {
		sb.WriteString(",minfreespace=")
		sb.WriteString(FormatSize(b.MinFreeSpace))
	}
	for _, e := range b.Excludes {
		sb.WriteString(",exclude=")
		sb.WriteString(e)
	}
	return sb.String()
}

// dirHandle owns the branch root descriptor. Every snapshot holding the
// branch keeps the handle reachable; the descriptor is closed once none do.
type dirHandle struct {
	fd int
}

func openDir(path string) *dirHandle {
	fd, err := unix.Open(path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil
	}
	h := &dirHandle{fd: fd}
	runtime.SetFinalizer(h, (*dirHandle).close)
	return h
}

func (h *dirHandle) close() {
	if h.fd >= 0 {
		unix.Close(h.fd)
		h.fd = -1
	}
}
