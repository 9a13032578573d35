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
	"bytes"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/common"
	"github.com/trapexit/mergerfs-sub002/internal/policy"
)

// isControlFile reports whether fusepath names the control file.
func isControlFile(fusepath string) bool {
	return common.NormalizePath(fusepath) == ControlFile
}

// controlInode is fixed so the control file keeps its identity across
// inode algorithm changes.
const controlInode = ^uint64(0) - 1

// controlAttr describes the control file: an empty read-only regular file
// with a timestamp fixed at mount time (clients treat a moving mtime as a
// modification).
func controlAttr(started time.Time, st *unix.Stat_t) {
	ts := unix.NsecToTimespec(started.UnixNano())
	*st = unix.Stat_t{
		Ino:     controlInode,
		Mode:    unix.S_IFREG | 0o444,
		Nlink:   1,
		Uid:     uint32(unix.Getuid()),
		Gid:     uint32(unix.Getgid()),
		Atim:    ts,
		Mtim:    ts,
		Ctim:    ts,
		Blksize: 512,
	}
}

func controlKey(name string) (string, bool) {
	return strings.CutPrefix(name, XattrPrefix)
}

func controlGetxattr(c *Config, name string) ([]byte, error) {
	key, ok := controlKey(name)
	if !ok {
		return nil, ENODATA
	}
	v, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func controlSetxattr(c *Config, name string, data []byte) error {
	if c.ReadOnly() {
		return EROFS
	}
	key, ok := controlKey(name)
	if !ok {
		return ENODATA
	}
	return c.Set(key, string(bytes.TrimRight(data, "\x00")))
}

func controlListxattr() []string {
	keys := OptionKeys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = XattrPrefix + k
	}
	return out
}

// Introspection attributes available on every path.
const (
	attrBasepath = XattrPrefix + "basepath"
	attrRelpath  = XattrPrefix + "relpath"
	attrFullpath = XattrPrefix + "fullpath"
	attrAllpaths = XattrPrefix + "allpaths"
)

var introspectionAttrs = []string{attrAllpaths, attrBasepath, attrFullpath, attrRelpath}

var allSearch = policy.MustFind("all")

// introspect answers the user.mergerfs.* attributes of a regular path.
// ok is false for any other attribute name.
func introspect(c *Config, snap *branch.Snapshot, fusepath, name string) (value []byte, ok bool, err error) {
	switch name {
	case attrBasepath, attrFullpath, attrRelpath:
		bs, err := c.Policies.policy("getxattr").Search(snap, fusepath)
		if err != nil {
			return nil, true, err
		}
		switch name {
		case attrBasepath:
			return []byte(bs[0].Path), true, nil
		case attrFullpath:
			return []byte(bs[0].FullPath(fusepath)), true, nil
		}
		return []byte("/" + common.NormalizePath(fusepath)), true, nil
	case attrAllpaths:
		bs, err := allSearch.Search(snap, fusepath)
		if err != nil {
			return nil, true, err
		}
		var buf bytes.Buffer
		for i, b := range bs {
			if i > 0 {
				buf.WriteByte(0)
			}
			buf.WriteString(b.FullPath(fusepath))
		}
		return buf.Bytes(), true, nil
	}
	return nil, false, nil
}
