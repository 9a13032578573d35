package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	billy "github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfsfile "github.com/willscott/go-nfs/file"
	nfshelper "github.com/willscott/go-nfs/helpers"
	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/dirents"
	"github.com/trapexit/mergerfs-sub002/internal/vfs"
)

// NFSServer exports a union over NFSv3
type NFSServer struct {
	listener net.Listener
	server   *nfs.Server
	cancel   context.CancelFunc
}

// NewNFSServer creates an NFS server for m
func NewNFSServer(m *vfs.MergerFS) *NFSServer {
	// Set go-nfs log level to match daemon's log level
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	handler := nfshelper.NewNullAuthHandler(NewBillyAdapter(ctx, m))
	cacheHelper := nfshelper.NewCachingHandler(handler, 65536)

	return &NFSServer{
		server: &nfs.Server{
			Handler: cacheHelper,
			Context: ctx,
		},
		cancel: cancel,
	}
}

// Listen binds addr. Serve must follow.
func (s *NFSServer) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	return nil
}

// Addr is the bound address, or nil before Listen.
func (s *NFSServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve answers NFS requests until Shutdown
func (s *NFSServer) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("nfs server is not listening")
	}
	err := s.server.Serve(s.listener)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Shutdown stops the NFS server
func (s *NFSServer) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// fusePath turns a billy name into an absolute fuse path.
func fusePath(name string) string {
	return path.Clean("/" + name)
}

// BillyAdapter adapts MergerFS to the billy filesystem interface
type BillyAdapter struct {
	ctx context.Context
	m   *vfs.MergerFS
	req vfs.Request // credentials for entries created over NFS
}

// NewBillyAdapter creates a billy adapter for m. Entries it creates are
// owned by the daemon's user.
func NewBillyAdapter(ctx context.Context, m *vfs.MergerFS) *BillyAdapter {
	return &BillyAdapter{
		ctx: ctx,
		m:   m,
		req: vfs.Request{
			UID: uint32(os.Getuid()),
			GID: uint32(os.Getgid()),
			PID: uint32(os.Getpid()),
		},
	}
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o666)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

// OpenFile opens an existing file on the branch the open policy picks,
// and only creates when no branch has it.
func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	p := fusePath(filename)

	if flag&os.O_CREATE != 0 {
		var st unix.Stat_t
		err := b.m.Getattr(p, &st)
		switch {
		case err == nil && flag&os.O_EXCL != 0:
			return nil, &os.PathError{Op: "open", Path: p, Err: unix.EEXIST}
		case err == nil:
			flag &^= os.O_CREATE
		case errors.Is(err, unix.ENOENT):
			req := b.req
			h, f, err := b.m.Create(&req, p, flag, uint32(perm.Perm()))
			if err != nil {
				return nil, &os.PathError{Op: "create", Path: p, Err: err}
			}
			return &BillyFile{adapter: b, h: h, fd: f.Fd, name: filename}, nil
		default:
			return nil, &os.PathError{Op: "open", Path: p, Err: err}
		}
	}

	h, f, err := b.m.Open(p, flag)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: p, Err: err}
	}
	return &BillyFile{adapter: b, h: h, fd: f.Fd, name: filename}, nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	fi, err := b.Lstat(filename)
	if err != nil || fi.Mode()&os.ModeSymlink == 0 {
		return fi, err
	}
	target, err := b.Readlink(filename)
	if err != nil {
		return nil, err
	}
	if !path.IsAbs(target) {
		target = path.Join(path.Dir(fusePath(filename)), target)
	}
	return b.Lstat(target)
}

// Lstat returns the merged attributes; getattr does not follow symlinks
// unless follow-symlinks says so.
func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	p := fusePath(filename)
	var st unix.Stat_t
	if err := b.m.Getattr(p, &st); err != nil {
		return nil, &os.PathError{Op: "lstat", Path: p, Err: err}
	}
	return &fileInfo{name: path.Base(p), attr: dirents.AttrFromStat(&st)}, nil
}

func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	return b.m.Rename(fusePath(oldpath), fusePath(newpath), 0)
}

func (b *BillyAdapter) Remove(filename string) error {
	p := fusePath(filename)
	var st unix.Stat_t
	if err := b.m.Getattr(p, &st); err != nil {
		return &os.PathError{Op: "remove", Path: p, Err: err}
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return b.m.Rmdir(p)
	}
	return b.m.Unlink(p)
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, billy.ErrNotSupported
}

func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	d, err := b.m.Readdir(b.ctx, fusePath(dirname), true)
	if err != nil {
		return nil, &os.PathError{Op: "readdir", Path: dirname, Err: err}
	}

	recs := d.Records(0)
	result := make([]os.FileInfo, 0, len(recs))
	for _, r := range recs {
		if r.Name == "." || r.Name == ".." {
			continue
		}
		result = append(result, &fileInfo{name: r.Name, attr: r.Attr})
	}
	return result, nil
}

func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	p := fusePath(filename)
	if p == "/" {
		return nil
	}
	var st unix.Stat_t
	if err := b.m.Getattr(p, &st); err == nil {
		if st.Mode&unix.S_IFMT != unix.S_IFDIR {
			return &os.PathError{Op: "mkdir", Path: p, Err: unix.ENOTDIR}
		}
		return nil
	}
	if err := b.MkdirAll(path.Dir(p), perm); err != nil {
		return err
	}
	req := b.req
	if err := b.m.Mkdir(&req, p, uint32(perm.Perm())); err != nil && !errors.Is(err, unix.EEXIST) {
		return &os.PathError{Op: "mkdir", Path: p, Err: err}
	}
	return nil
}

func (b *BillyAdapter) Symlink(target, link string) error {
	req := b.req
	return b.m.Symlink(&req, target, fusePath(link))
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	return b.m.Readlink(fusePath(link))
}

func (b *BillyAdapter) Chroot(path string) (billy.Filesystem, error) {
	return nil, billy.ErrNotSupported
}

func (b *BillyAdapter) Root() string {
	return "/"
}

// billy.Change interface
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error {
	return b.m.Chmod(fusePath(name), unixPerm(mode))
}

func (b *BillyAdapter) Lchown(name string, uid, gid int) error {
	return b.m.Chown(fusePath(name), uid, gid)
}

func (b *BillyAdapter) Chown(name string, uid, gid int) error {
	return b.m.Chown(fusePath(name), uid, gid)
}

func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error {
	at := unix.NsecToTimespec(atime.UnixNano())
	mt := unix.NsecToTimespec(mtime.UnixNano())
	return b.m.Utimens(fusePath(name), &at, &mt)
}

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability | billy.ReadAndWriteCapability |
		billy.SeekCapability | billy.TruncateCapability | billy.LockCapability
}

// BillyFile is an open union file.
type BillyFile struct {
	adapter *BillyAdapter
	h       vfs.HandleID
	fd      int
	name    string
	offset  int64
}

func (f *BillyFile) Name() string {
	return f.name
}

func (f *BillyFile) Write(p []byte) (n int, err error) {
	n, err = f.adapter.m.WriteAt(f.h, p, f.offset)
	f.offset += int64(n)
	return
}

func (f *BillyFile) Read(p []byte) (n int, err error) {
	n, err = f.ReadAt(p, f.offset)
	f.offset += int64(n)
	return
}

// ReadAt follows the io.ReaderAt contract: a short read ends in io.EOF.
func (f *BillyFile) ReadAt(p []byte, off int64) (n int, err error) {
	for n < len(p) {
		m, err := f.adapter.m.ReadAt(f.h, p[n:], off+int64(n))
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, io.EOF
		}
		n += m
	}
	return n, nil
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		var st unix.Stat_t
		if err := unix.Fstat(f.fd, &st); err != nil {
			return 0, err
		}
		f.offset = st.Size + offset
	}
	return f.offset, nil
}

func (f *BillyFile) Close() error {
	return f.adapter.m.Release(f.h, true)
}

func (f *BillyFile) Lock() error {
	return unix.Flock(f.fd, unix.LOCK_EX)
}

func (f *BillyFile) Unlock() error {
	return unix.Flock(f.fd, unix.LOCK_UN)
}

func (f *BillyFile) Truncate(size int64) error {
	return unix.Ftruncate(f.fd, size)
}

// fileInfo is an os.FileInfo over merged attributes.
type fileInfo struct {
	name string
	attr dirents.Attr
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return int64(fi.attr.Size) }
func (fi *fileInfo) ModTime() time.Time { return time.Unix(int64(fi.attr.Mtime), int64(fi.attr.Mtimensec)) }
func (fi *fileInfo) IsDir() bool        { return fi.attr.Mode&unix.S_IFMT == unix.S_IFDIR }

func (fi *fileInfo) Mode() os.FileMode {
	m := fi.attr.Mode
	mode := os.FileMode(m & 0o777)
	switch m & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= os.ModeDir
	case unix.S_IFLNK:
		mode |= os.ModeSymlink
	case unix.S_IFIFO:
		mode |= os.ModeNamedPipe
	case unix.S_IFSOCK:
		mode |= os.ModeSocket
	case unix.S_IFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	case unix.S_IFBLK:
		mode |= os.ModeDevice
	}
	if m&unix.S_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if m&unix.S_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if m&unix.S_ISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// Sys returns the go-nfs file info; go-nfs reads ids and the file id
// from it.
func (fi *fileInfo) Sys() interface{} {
	return &nfsfile.FileInfo{
		Nlink:  fi.attr.Nlink,
		UID:    fi.attr.UID,
		GID:    fi.attr.GID,
		Fileid: fi.attr.Ino,
	}
}

func unixPerm(mode os.FileMode) uint32 {
	m := uint32(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		m |= unix.S_ISUID
	}
	if mode&os.ModeSetgid != 0 {
		m |= unix.S_ISGID
	}
	if mode&os.ModeSticky != 0 {
		m |= unix.S_ISVTX
	}
	return m
}

var (
	_ billy.Filesystem = (*BillyAdapter)(nil)
	_ billy.Change     = (*BillyAdapter)(nil)
	_ billy.File       = (*BillyFile)(nil)
)
