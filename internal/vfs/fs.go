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
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/dirents"
	"github.com/trapexit/mergerfs-sub002/internal/fsutil"
)

// Recorder receives the outcome of every operation.
type Recorder interface {
	RecordOp(op string, d time.Duration, err error)
}

// MergerFS dispatches filesystem operations across the branches of one
// mount. Paths are fusepaths: relative to the mount root, without a
// leading slash. Every operation works on a single branch snapshot taken
// when it starts.
type MergerFS struct {
	cfg     *Config
	handles *HandleManager
	started time.Time
	rec     Recorder
}

// New creates the dispatcher for cfg.
func New(cfg *Config) *MergerFS {
	return &MergerFS{
		cfg:     cfg,
		handles: NewHandleManager(),
		started: time.Now(),
	}
}

// Config returns the live configuration.
func (m *MergerFS) Config() *Config { return m.cfg }

// SetRecorder installs r. It must be called before the filesystem is
// served.
func (m *MergerFS) SetRecorder(r Recorder) { m.rec = r }

func (m *MergerFS) observe(op, path string, start time.Time, err *error) {
	d := time.Since(start)
	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[MergerFS] %s %q → %v (%v)", op, path, *err, d)
	}
	if m.rec != nil {
		m.rec.RecordOp(op, d, *err)
	}
}

func (m *MergerFS) snapshot() *branch.Snapshot { return m.cfg.Branches.Snapshot() }

// --- attributes ---

func (m *MergerFS) Getattr(path string, st *unix.Stat_t) (err error) {
	defer m.observe("getattr", path, time.Now(), &err)
	defer recoverPanic("getattr", &err)

	if isControlFile(path) {
		controlAttr(m.started, st)
		return nil
	}
	return m.cfg.Getattr.Load().Getattr(m.cfg, m.snapshot(), path, st)
}

func (m *MergerFS) Statx(path string, flags, mask int, st *unix.Statx_t) (err error) {
	defer m.observe("statx", path, time.Now(), &err)
	defer recoverPanic("statx", &err)

	if isControlFile(path) {
		var s unix.Stat_t
		controlAttr(m.started, &s)
		*st = unix.Statx_t{
			Mask:  unix.STATX_BASIC_STATS,
			Ino:   s.Ino,
			Mode:  uint16(s.Mode),
			Nlink: 1,
			Uid:   s.Uid,
			Gid:   s.Gid,
			Atime: unix.StatxTimestamp{Sec: s.Mtim.Sec, Nsec: uint32(s.Mtim.Nsec)},
			Mtime: unix.StatxTimestamp{Sec: s.Mtim.Sec, Nsec: uint32(s.Mtim.Nsec)},
			Ctime: unix.StatxTimestamp{Sec: s.Mtim.Sec, Nsec: uint32(s.Mtim.Nsec)},
		}
		return nil
	}
	return m.cfg.Statx.Load().Statx(m.cfg, m.snapshot(), path, flags, mask, st)
}

func (m *MergerFS) Access(path string, mask uint32) (err error) {
	defer m.observe("access", path, time.Now(), &err)
	defer recoverPanic("access", &err)

	if isControlFile(path) {
		if mask&unix.W_OK != 0 {
			return EACCES
		}
		return nil
	}
	return doAccess(m.cfg, m.snapshot(), path, mask)
}

func (m *MergerFS) Readlink(path string) (target string, err error) {
	defer m.observe("readlink", path, time.Now(), &err)
	defer recoverPanic("readlink", &err)

	if isControlFile(path) {
		return "", EINVAL
	}
	return doReadlink(m.cfg, m.snapshot(), path)
}

func (m *MergerFS) Chmod(path string, mode uint32) (err error) {
	defer m.observe("chmod", path, time.Now(), &err)
	defer recoverPanic("chmod", &err)

	if isControlFile(path) {
		return EPERM
	}
	return doChmod(m.cfg, m.snapshot(), path, mode)
}

func (m *MergerFS) Chown(path string, uid, gid int) (err error) {
	defer m.observe("chown", path, time.Now(), &err)
	defer recoverPanic("chown", &err)

	if isControlFile(path) {
		return EPERM
	}
	return doChown(m.cfg, m.snapshot(), path, uid, gid)
}

// Utimens sets access and modification times. A nil time is left
// unchanged.
func (m *MergerFS) Utimens(path string, atime, mtime *unix.Timespec) (err error) {
	defer m.observe("utimens", path, time.Now(), &err)
	defer recoverPanic("utimens", &err)

	if isControlFile(path) {
		return EPERM
	}
	return doUtimens(m.cfg, m.snapshot(), path, atime, mtime)
}

func (m *MergerFS) Truncate(path string, size int64) (err error) {
	defer m.observe("truncate", path, time.Now(), &err)
	defer recoverPanic("truncate", &err)

	if isControlFile(path) {
		return EPERM
	}
	return doTruncate(m.cfg, m.snapshot(), path, size)
}

// --- namespace ---

func (m *MergerFS) Unlink(path string) (err error) {
	defer m.observe("unlink", path, time.Now(), &err)
	defer recoverPanic("unlink", &err)

	if isControlFile(path) {
		return EPERM
	}
	return doUnlink(m.cfg, m.snapshot(), path)
}

func (m *MergerFS) Rmdir(path string) (err error) {
	defer m.observe("rmdir", path, time.Now(), &err)
	defer recoverPanic("rmdir", &err)

	return doRmdir(m.cfg, m.snapshot(), path)
}

func (m *MergerFS) Mkdir(req *Request, path string, mode uint32) (err error) {
	defer m.observe("mkdir", path, time.Now(), &err)
	defer recoverPanic("mkdir", &err)

	if isControlFile(path) {
		return EEXIST
	}
	return doMkdir(m.cfg, m.snapshot(), req, path, mode)
}

func (m *MergerFS) Mknod(req *Request, path string, mode uint32, dev uint64) (err error) {
	defer m.observe("mknod", path, time.Now(), &err)
	defer recoverPanic("mknod", &err)

	if isControlFile(path) {
		return EEXIST
	}
	return doMknod(m.cfg, m.snapshot(), req, path, mode, dev)
}

func (m *MergerFS) Symlink(req *Request, target, path string) (err error) {
	defer m.observe("symlink", path, time.Now(), &err)
	defer recoverPanic("symlink", &err)

	if isControlFile(path) {
		return EEXIST
	}
	return doSymlink(m.cfg, m.snapshot(), req, target, path)
}

func (m *MergerFS) Link(oldpath, newpath string) (err error) {
	defer m.observe("link", newpath, time.Now(), &err)
	defer recoverPanic("link", &err)

	if isControlFile(oldpath) || isControlFile(newpath) {
		return EPERM
	}
	return doLink(m.cfg, m.snapshot(), oldpath, newpath)
}

// Rename moves oldpath to newpath. flags are renameat2 flags.
func (m *MergerFS) Rename(oldpath, newpath string, flags uint32) (err error) {
	defer m.observe("rename", oldpath, time.Now(), &err)
	defer recoverPanic("rename", &err)

	if isControlFile(oldpath) || isControlFile(newpath) {
		return EPERM
	}
	return doRename(m.cfg, m.snapshot(), oldpath, newpath, flags)
}

// --- files ---

// Create creates and opens a file, registering the returned handle.
func (m *MergerFS) Create(req *Request, path string, flags int, mode uint32) (h HandleID, f *OpenFile, err error) {
	defer m.observe("create", path, time.Now(), &err)
	defer recoverPanic("create", &err)

	if isControlFile(path) {
		return 0, nil, EEXIST
	}
	f, err = doCreate(m.cfg, m.snapshot(), req, path, flags, mode)
	if err != nil {
		return 0, nil, err
	}
	return m.handles.AllocateFile(f, flags), f, nil
}

// Open opens an existing file. The control file opens read-only with no
// backing descriptor.
func (m *MergerFS) Open(path string, flags int) (h HandleID, f *OpenFile, err error) {
	defer m.observe("open", path, time.Now(), &err)
	defer recoverPanic("open", &err)

	if isControlFile(path) {
		if flags&unix.O_ACCMODE != unix.O_RDONLY {
			return 0, nil, EACCES
		}
		f = &OpenFile{Fd: -1, Path: ControlFile}
	} else {
		f, err = doOpen(m.cfg, m.snapshot(), path, flags)
		if err != nil {
			return 0, nil, err
		}
	}
	return m.handles.AllocateFile(f, flags), f, nil
}

// Release closes a file handle. Closing the descriptor is left to the
// caller when it already owns it.
func (m *MergerFS) Release(h HandleID, closeFd bool) (err error) {
	defer recoverPanic("release", &err)

	oh, ok := m.handles.Release(h)
	if !ok {
		return EBADF
	}
	if closeFd && oh.fd >= 0 {
		return unix.Close(oh.fd)
	}
	return nil
}

func (m *MergerFS) file(h HandleID) (*openHandle, error) {
	oh, ok := m.handles.Get(h)
	if !ok || oh.isDir {
		return nil, EBADF
	}
	return oh, nil
}

// ReadAt reads from an open file.
func (m *MergerFS) ReadAt(h HandleID, buf []byte, off int64) (n int, err error) {
	defer recoverPanic("read", &err)

	oh, err := m.file(h)
	if err != nil {
		return 0, err
	}
	if oh.fd < 0 {
		return 0, nil
	}
	return unix.Pread(oh.fd, buf, off)
}

// WriteAt writes to an open file.
func (m *MergerFS) WriteAt(h HandleID, buf []byte, off int64) (n int, err error) {
	defer recoverPanic("write", &err)

	oh, err := m.file(h)
	if err != nil {
		return 0, err
	}
	if oh.fd < 0 {
		return 0, EBADF
	}
	return unix.Pwrite(oh.fd, buf, off)
}

// Fsync flushes an open file.
func (m *MergerFS) Fsync(h HandleID) (err error) {
	defer recoverPanic("fsync", &err)

	oh, err := m.file(h)
	if err != nil {
		return err
	}
	if oh.fd < 0 {
		return nil
	}
	return unix.Fsync(oh.fd)
}

// Handles lists the open handles.
func (m *MergerFS) Handles() []HandleInfo {
	return m.handles.List()
}

// Basepath finds the branch an open file lives on by matching the
// descriptor's device against the current branches.
func (m *MergerFS) Basepath(h HandleID) (string, error) {
	oh, err := m.file(h)
	if err != nil {
		return "", err
	}
	if oh.fd < 0 {
		return "", ENOENT
	}
	b, err := fsutil.FindOnFS(m.snapshot(), oh.path, oh.fd)
	if err != nil {
		return "", err
	}
	return b.Path, nil
}

// Close releases every handle, closing descriptors it owns.
func (m *MergerFS) Close() {
	for _, oh := range m.handles.Clear() {
		if oh.fd >= 0 {
			unix.Close(oh.fd)
		}
	}
}

// --- directories ---

// Readdir builds the merged listing of path.
func (m *MergerFS) Readdir(ctx context.Context, path string, plus bool) (d *dirents.Dirents, err error) {
	defer m.observe("readdir", path, time.Now(), &err)
	defer recoverPanic("readdir", &err)

	d = dirents.New(0)
	if err := m.cfg.Readdir.Load().Readdir(ctx, m.cfg, m.snapshot(), path, plus, d); err != nil {
		return nil, err
	}
	return d, nil
}

// OpenDir registers a directory handle.
func (m *MergerFS) OpenDir(path string, plus bool) (h HandleID, err error) {
	defer m.observe("opendir", path, time.Now(), &err)
	defer recoverPanic("opendir", &err)

	var st unix.Stat_t
	if err := m.cfg.Getattr.Load().Getattr(m.cfg, m.snapshot(), path, &st); err != nil {
		return 0, err
	}
	if !fsutil.IsDir(st.Mode) {
		return 0, ENOTDIR
	}
	return m.handles.AllocateDir(path, plus), nil
}

// ReadDir returns the entries of a directory handle after cookie off.
// Reading from offset 0 rebuilds the listing.
func (m *MergerFS) ReadDir(ctx context.Context, h HandleID, off int64) (recs []dirents.Record, err error) {
	defer recoverPanic("readdir", &err)

	oh, ok := m.handles.Get(h)
	if !ok || !oh.isDir {
		return nil, EBADF
	}
	if off == 0 {
		start := time.Now()
		oh.dirents.Reset()
		err = m.cfg.Readdir.Load().Readdir(ctx, m.cfg, m.snapshot(), oh.path, oh.plus, oh.dirents)
		m.observe("readdir", oh.path, start, &err)
		if err != nil {
			return nil, err
		}
	}
	return oh.dirents.Records(off), nil
}

// ReleaseDir frees a directory handle.
func (m *MergerFS) ReleaseDir(h HandleID) error {
	if _, ok := m.handles.Release(h); !ok {
		return EBADF
	}
	return nil
}

// --- filesystem ---

func (m *MergerFS) Statfs(path string, st *unix.Statfs_t) (err error) {
	defer m.observe("statfs", path, time.Now(), &err)
	defer recoverPanic("statfs", &err)

	if isControlFile(path) {
		path = ""
	}
	return doStatfs(m.cfg, m.snapshot(), path, st)
}

// --- extended attributes ---

func (m *MergerFS) Getxattr(path, name string) (value []byte, err error) {
	defer m.observe("getxattr", path, time.Now(), &err)
	defer recoverPanic("getxattr", &err)

	if isControlFile(path) {
		return controlGetxattr(m.cfg, name)
	}
	snap := m.snapshot()
	if v, ok, err := introspect(m.cfg, snap, path, name); ok {
		return v, err
	}
	return doGetxattr(m.cfg, snap, path, name)
}

func (m *MergerFS) Listxattr(path string) (names []string, err error) {
	defer m.observe("listxattr", path, time.Now(), &err)
	defer recoverPanic("listxattr", &err)

	if isControlFile(path) {
		return controlListxattr(), nil
	}
	names, err = doListxattr(m.cfg, m.snapshot(), path)
	if err != nil {
		return nil, err
	}
	return append(names, introspectionAttrs...), nil
}

func (m *MergerFS) Setxattr(path, name string, value []byte, flags int) (err error) {
	defer m.observe("setxattr", path, time.Now(), &err)
	defer recoverPanic("setxattr", &err)

	if isControlFile(path) {
		return controlSetxattr(m.cfg, name, value)
	}
	if _, ok := controlKey(name); ok {
		return ENOTSUP
	}
	return doSetxattr(m.cfg, m.snapshot(), path, name, value, flags)
}

func (m *MergerFS) Removexattr(path, name string) (err error) {
	defer m.observe("removexattr", path, time.Now(), &err)
	defer recoverPanic("removexattr", &err)

	if isControlFile(path) {
		return EPERM
	}
	if _, ok := controlKey(name); ok {
		return ENOTSUP
	}
	return doRemovexattr(m.cfg, m.snapshot(), path, name)
}
