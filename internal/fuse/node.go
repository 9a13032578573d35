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


// Package fuse exposes a vfs.MergerFS through the go-fuse node API.
package fuse

import (
	"context"
	"strings"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/common"
	"github.com/trapexit/mergerfs-sub002/internal/vfs"
)

// node is one path in the union. It keeps no state besides its position
// in the inode tree: every call resolves the path against the current
// branches.
type node struct {
	gofuse.Inode
	m *vfs.MergerFS
}

var _ gofuse.InodeEmbedder = (*node)(nil)
var _ gofuse.NodeLookuper = (*node)(nil)
var _ gofuse.NodeGetattrer = (*node)(nil)
var _ gofuse.NodeSetattrer = (*node)(nil)
var _ gofuse.NodeAccesser = (*node)(nil)
var _ gofuse.NodeReadlinker = (*node)(nil)
var _ gofuse.NodeMkdirer = (*node)(nil)
var _ gofuse.NodeMknoder = (*node)(nil)
var _ gofuse.NodeSymlinker = (*node)(nil)
var _ gofuse.NodeLinker = (*node)(nil)
var _ gofuse.NodeCreater = (*node)(nil)
var _ gofuse.NodeOpener = (*node)(nil)
var _ gofuse.NodeUnlinker = (*node)(nil)
var _ gofuse.NodeRmdirer = (*node)(nil)
var _ gofuse.NodeRenamer = (*node)(nil)
var _ gofuse.NodeReaddirer = (*node)(nil)
var _ gofuse.NodeStatfser = (*node)(nil)
var _ gofuse.NodeGetxattrer = (*node)(nil)
var _ gofuse.NodeSetxattrer = (*node)(nil)
var _ gofuse.NodeListxattrer = (*node)(nil)
var _ gofuse.NodeRemovexattrer = (*node)(nil)

func errno(err error) syscall.Errno {
	return vfs.ToErrno(err)
}

func request(ctx context.Context) *vfs.Request {
	caller, ok := fuse.FromContext(ctx)
	if !ok {
		return nil
	}
	return &vfs.Request{UID: caller.Uid, GID: caller.Gid, PID: caller.Pid}
}

func (n *node) path() string {
	return n.Path(n.Root())
}

func (n *node) child(name string) string {
	return common.JoinPath(n.path(), name)
}

func pathOf(root *gofuse.Inode, e gofuse.InodeEmbedder) string {
	return e.EmbeddedInode().Path(root)
}

func fillAttr(st *unix.Stat_t, out *fuse.Attr) {
	out.Ino = st.Ino
	out.Size = uint64(st.Size)
	out.Blocks = uint64(st.Blocks)
	out.Atime = uint64(st.Atim.Sec)
	out.Atimensec = uint32(st.Atim.Nsec)
	out.Mtime = uint64(st.Mtim.Sec)
	out.Mtimensec = uint32(st.Mtim.Nsec)
	out.Ctime = uint64(st.Ctim.Sec)
	out.Ctimensec = uint32(st.Ctim.Nsec)
	out.Mode = st.Mode
	out.Nlink = uint32(st.Nlink)
	out.Uid = st.Uid
	out.Gid = st.Gid
	out.Rdev = uint32(st.Rdev)
	out.Blksize = uint32(st.Blksize)
}

// newChild stats path and attaches an inode for it under n.
func (n *node) newChild(ctx context.Context, path string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	var st unix.Stat_t
	if err := n.m.Getattr(path, &st); err != nil {
		return nil, errno(err)
	}
	fillAttr(&st, &out.Attr)
	stable := gofuse.StableAttr{Mode: st.Mode & unix.S_IFMT, Ino: st.Ino}
	return n.NewInode(ctx, &node{m: n.m}, stable), 0
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	return n.newChild(ctx, n.child(name), out)
}

func (n *node) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	var st unix.Stat_t
	err := n.m.Getattr(n.path(), &st)
	if err != nil {
		// an open file that was unlinked is still reachable through its fd
		if fh, ok := f.(*fileHandle); ok && fh.fd >= 0 {
			return fh.Getattr(ctx, out)
		}
		return errno(err)
	}
	fillAttr(&st, &out.Attr)
	return 0
}

func (n *node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	path := n.path()

	if mode, ok := in.GetMode(); ok {
		if err := n.m.Chmod(path, mode&^unix.S_IFMT); err != nil {
			return errno(err)
		}
	}

	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		u, g := -1, -1
		if uok {
			u = int(uid)
		}
		if gok {
			g = int(gid)
		}
		if err := n.m.Chown(path, u, g); err != nil {
			return errno(err)
		}
	}

	if size, ok := in.GetSize(); ok {
		var err error
		if fh, isFile := f.(*fileHandle); isFile && fh.fd >= 0 {
			err = unix.Ftruncate(fh.fd, int64(size))
		} else {
			err = n.m.Truncate(path, int64(size))
		}
		if err != nil {
			return errno(err)
		}
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		var a, m *unix.Timespec
		if aok {
			ts := unix.NsecToTimespec(atime.UnixNano())
			a = &ts
		}
		if mok {
			ts := unix.NsecToTimespec(mtime.UnixNano())
			m = &ts
		}
		if err := n.m.Utimens(path, a, m); err != nil {
			return errno(err)
		}
	}

	return n.Getattr(ctx, f, out)
}

func (n *node) Access(ctx context.Context, mask uint32) syscall.Errno {
	return errno(n.m.Access(n.path(), mask))
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.m.Readlink(n.path())
	if err != nil {
		return nil, errno(err)
	}
	return []byte(target), 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	path := n.child(name)
	if err := n.m.Mkdir(request(ctx), path, mode); err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, path, out)
}

func (n *node) Mknod(ctx context.Context, name string, mode uint32, dev uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	path := n.child(name)
	if err := n.m.Mknod(request(ctx), path, mode, uint64(dev)); err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, path, out)
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	path := n.child(name)
	if err := n.m.Symlink(request(ctx), target, path); err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, path, out)
}

func (n *node) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	path := n.child(name)
	if err := n.m.Link(pathOf(n.Root(), target), path); err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, path, out)
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	path := n.child(name)
	h, f, err := n.m.Create(request(ctx), path, int(flags), mode)
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	fh := newFileHandle(n.m, h, f.Fd)
	child, en := n.newChild(ctx, path, out)
	if en != 0 {
		fh.Release(ctx)
		return nil, nil, 0, en
	}
	return child, fh, 0, 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	h, f, err := n.m.Open(n.path(), int(flags))
	if err != nil {
		return nil, 0, errno(err)
	}
	if f.Fd < 0 {
		return &controlHandle{m: n.m, h: h}, fuse.FOPEN_DIRECT_IO, 0
	}
	return newFileHandle(n.m, h, f.Fd), 0, 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(n.m.Unlink(n.child(name)))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errno(n.m.Rmdir(n.child(name)))
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	newpath := common.JoinPath(pathOf(n.Root(), newParent), newName)
	return errno(n.m.Rename(n.child(name), newpath, flags))
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	h, err := n.m.OpenDir(n.path(), false)
	if err != nil {
		return nil, errno(err)
	}
	recs, err := n.m.ReadDir(ctx, h, 0)
	if err != nil {
		n.m.ReleaseDir(h)
		return nil, errno(err)
	}
	return &dirStream{m: n.m, h: h, recs: recs}, 0
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	var st unix.Statfs_t
	if err := n.m.Statfs(n.path(), &st); err != nil {
		return errno(err)
	}
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.Bsize = uint32(st.Bsize)
	out.Frsize = uint32(st.Frsize)
	out.NameLen = uint32(st.Namelen)
	return 0
}

func (n *node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	v, err := n.m.Getxattr(n.path(), attr)
	if err != nil {
		return 0, errno(err)
	}
	if len(dest) < len(v) {
		return uint32(len(v)), syscall.ERANGE
	}
	return uint32(copy(dest, v)), 0
}

func (n *node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return errno(n.m.Setxattr(n.path(), attr, data, int(flags)))
}

func (n *node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, err := n.m.Listxattr(n.path())
	if err != nil {
		return 0, errno(err)
	}
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(0)
	}
	if len(dest) < b.Len() {
		return uint32(b.Len()), syscall.ERANGE
	}
	return uint32(copy(dest, b.String())), 0
}

func (n *node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return errno(n.m.Removexattr(n.path(), attr))
}
