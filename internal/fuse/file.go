package fuse

import (
	"context"
	"sync"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/trapexit/mergerfs-sub002/internal/dirents"
	"github.com/trapexit/mergerfs-sub002/internal/fsutil"
	"github.com/trapexit/mergerfs-sub002/internal/vfs"
)

// fileHandle is a loopback file on one branch that also holds a slot in
// the dispatcher's handle table.
type fileHandle struct {
	m  *vfs.MergerFS
	h  vfs.HandleID
	fd int
	lf gofuse.FileHandle

	once sync.Once
}

var _ gofuse.FileReader = (*fileHandle)(nil)
var _ gofuse.FileWriter = (*fileHandle)(nil)
var _ gofuse.FileFlusher = (*fileHandle)(nil)
var _ gofuse.FileFsyncer = (*fileHandle)(nil)
var _ gofuse.FileReleaser = (*fileHandle)(nil)
var _ gofuse.FileGetattrer = (*fileHandle)(nil)
var _ gofuse.FileLseeker = (*fileHandle)(nil)
var _ gofuse.FileAllocater = (*fileHandle)(nil)

func newFileHandle(m *vfs.MergerFS, h vfs.HandleID, fd int) *fileHandle {
	return &fileHandle{m: m, h: h, fd: fd, lf: gofuse.NewLoopbackFile(fd)}
}

func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	return f.lf.(gofuse.FileReader).Read(ctx, dest, off)
}

func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	return f.lf.(gofuse.FileWriter).Write(ctx, data, off)
}

func (f *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return f.lf.(gofuse.FileFlusher).Flush(ctx)
}

func (f *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return f.lf.(gofuse.FileFsyncer).Fsync(ctx, flags)
}

func (f *fileHandle) Lseek(ctx context.Context, off uint64, whence uint32) (uint64, syscall.Errno) {
	return f.lf.(gofuse.FileLseeker).Lseek(ctx, off, whence)
}

func (f *fileHandle) Allocate(ctx context.Context, off uint64, size uint64, mode uint32) syscall.Errno {
	return f.lf.(gofuse.FileAllocater).Allocate(ctx, off, size, mode)
}

func (f *fileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	return f.lf.(gofuse.FileGetattrer).Getattr(ctx, out)
}

// Release closes the descriptor through the loopback file and frees the
// handle slot.
func (f *fileHandle) Release(ctx context.Context) syscall.Errno {
	var errno syscall.Errno
	f.once.Do(func() {
		f.m.Release(f.h, false)
		errno = f.lf.(gofuse.FileReleaser).Release(ctx)
	})
	return errno
}

// controlHandle is an open control file. It reads as empty.
type controlHandle struct {
	m *vfs.MergerFS
	h vfs.HandleID
}

var _ gofuse.FileReader = (*controlHandle)(nil)
var _ gofuse.FileReleaser = (*controlHandle)(nil)

func (c *controlHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	return fuse.ReadResultData(nil), 0
}

func (c *controlHandle) Release(ctx context.Context) syscall.Errno {
	return errno(c.m.Release(c.h, false))
}

// dirStream walks a listing built when the directory was opened.
type dirStream struct {
	m    *vfs.MergerFS
	h    vfs.HandleID
	recs []dirents.Record
	i    int
}

var _ gofuse.DirStream = (*dirStream)(nil)

func (d *dirStream) HasNext() bool {
	return d.i < len(d.recs)
}

func (d *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	r := d.recs[d.i]
	d.i++
	return fuse.DirEntry{
		Name: r.Name,
		Ino:  r.Ino,
		Mode: fsutil.DirentTypeToMode(r.Type),
	}, 0
}

func (d *dirStream) Close() {
	d.m.ReleaseDir(d.h)
}
