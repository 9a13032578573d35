package vfs

import (
	"context"
	"encoding/binary"
	"errors"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/common"
	"github.com/trapexit/mergerfs-sub002/internal/dirents"
	"github.com/trapexit/mergerfs-sub002/internal/fsutil"
)

// ReaddirStrategy merges the listings of one directory across branches.
// The first branch holding a name wins.
type ReaddirStrategy interface {
	Named
	Readdir(ctx context.Context, c *Config, snap *branch.Snapshot, fusepath string, plus bool, d *dirents.Dirents) error
}

// ReaddirStrategies lists the readdir strategies by name.
var ReaddirStrategies = Factory[ReaddirStrategy]{
	"seq":  readdirSeq{},
	"cosr": readdirCOSR{},
	"cor":  readdirCOR{},
}

// rawDirent is one entry as returned by getdents64.
type rawDirent struct {
	ino  uint64
	typ  uint8
	name string
}

// branchDir is an open directory on one branch.
type branchDir struct {
	b   *branch.Branch
	fd  int
	dev uint64
}

func openBranchDir(b *branch.Branch, fusepath string) (*branchDir, error) {
	fd, err := unix.Open(b.FullPath(fusepath), unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &branchDir{b: b, fd: fd, dev: uint64(st.Dev)}, nil
}

func (d *branchDir) close() { unix.Close(d.fd) }

// readAll drains the directory, skipping "." and "..".
func (d *branchDir) readAll() ([]rawDirent, error) {
	var out []rawDirent
	buf := make([]byte, 32*1024)
	for {
		n, err := unix.Getdents(d.fd, buf)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return out, err
		}
		if n <= 0 {
			return out, nil
		}
		out = parseDirents(buf[:n], out)
	}
}

// parseDirents decodes linux_dirent64 records.
func parseDirents(buf []byte, out []rawDirent) []rawDirent {
	for len(buf) >= 19 {
		ino := binary.NativeEndian.Uint64(buf[0:])
		reclen := int(binary.NativeEndian.Uint16(buf[16:]))
		if reclen < 19 || reclen > len(buf) {
			break
		}
		typ := buf[18]
		name := buf[19:reclen]
		for i, c := range name {
			if c == 0 {
				name = name[:i]
				break
			}
		}
		buf = buf[reclen:]
		if s := string(name); s != "." && s != ".." {
			out = append(out, rawDirent{ino: ino, typ: typ, name: s})
		}
	}
	return out
}

// merger appends entries from branches in order, dropping names already
// listed.
type merger struct {
	c        *Config
	fusepath string
	plus     bool
	names    *dirents.HashSet
	d        *dirents.Dirents
}

func newMerger(c *Config, fusepath string, plus bool, d *dirents.Dirents) *merger {
	d.Reset()
	return &merger{c: c, fusepath: fusepath, plus: plus, names: dirents.NewHashSet(256), d: d}
}

func (m *merger) add(bd *branchDir, ents []rawDirent) error {
	for _, ent := range ents {
		if !m.names.Put(ent.name) {
			continue
		}
		child := common.JoinPath(m.fusepath, ent.name)
		if m.plus {
			if err := m.addPlus(bd, child, ent); err != nil {
				return err
			}
			continue
		}
		ino := m.c.Inode.Calc(bd.b.Path, child, fsutil.DirentTypeToMode(ent.typ), bd.dev, ent.ino)
		if err := m.d.Add(ino, ent.typ, ent.name); err != nil {
			return err
		}
	}
	return nil
}

func (m *merger) addPlus(bd *branchDir, child string, ent rawDirent) error {
	var st unix.Stat_t
	if err := branchStat(m.c, bd.b, child, &st); err == nil {
		finishStat(m.c, bd.b, child, &st)
	} else {
		st = unix.Stat_t{Mode: fsutil.DirentTypeToMode(ent.typ), Dev: bd.dev}
		st.Ino = m.c.Inode.Calc(bd.b.Path, child, st.Mode, bd.dev, ent.ino)
	}
	attr := dirents.AttrFromStat(&st)
	entry := dirents.EntryOut{
		NodeID:         st.Ino,
		EntryValid:     uint64(m.c.EntryTimeout.Seconds()),
		AttrValid:      uint64(m.c.AttrTimeout.Seconds()),
		EntryValidNsec: uint32(m.c.EntryTimeout.Nanoseconds() % 1e9),
		AttrValidNsec:  uint32(m.c.AttrTimeout.Nanoseconds() % 1e9),
	}
	return m.d.AddPlus(st.Ino, fsutil.DirentType(st.Mode), ent.name, &entry, &attr)
}

// readdirSeq opens and reads each branch in turn.
type readdirSeq struct{}

func (readdirSeq) Name() string { return "seq" }

func (readdirSeq) Readdir(ctx context.Context, c *Config, snap *branch.Snapshot, fusepath string, plus bool, d *dirents.Dirents) error {
	m := newMerger(c, fusepath, plus, d)
	var e common.Err
	for _, b := range snap.Branches() {
		if err := ctx.Err(); err != nil {
			return syscall.EINTR
		}
		bd, err := openBranchDir(b, fusepath)
		if err != nil {
			e.Set(err)
			continue
		}
		ents, err := bd.readAll()
		bd.close()
		if err != nil {
			e.Set(err)
			continue
		}
		e.Set(nil)
		if err := m.add(bd, ents); err != nil {
			return err
		}
	}
	return e.Err()
}

// readdirCOSR opens every branch directory concurrently, then reads them
// one after another in branch order.
type readdirCOSR struct{}

func (readdirCOSR) Name() string { return "cosr" }

func (readdirCOSR) Readdir(ctx context.Context, c *Config, snap *branch.Snapshot, fusepath string, plus bool, d *dirents.Dirents) error {
	bs := snap.Branches()
	dirs := make([]*branchDir, len(bs))
	errs := make([]error, len(bs))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(max(1, c.ReaddirConcurrency()))
	for i, b := range bs {
		g.Go(func() error {
			dirs[i], errs[i] = openBranchDir(b, fusepath)
			return nil
		})
	}
	_ = g.Wait()

	m := newMerger(c, fusepath, plus, d)
	var e common.Err
	var addErr error
	for i, bd := range dirs {
		if bd == nil {
			e.Set(errs[i])
			continue
		}
		ents, err := bd.readAll()
		bd.close()
		if err != nil {
			e.Set(err)
			continue
		}
		e.Set(nil)
		if addErr == nil {
			addErr = m.add(bd, ents)
		}
	}
	if addErr != nil {
		return addErr
	}
	return e.Err()
}

// readdirCOR opens and reads every branch concurrently. Each goroutine
// owns one slot of batches; the merge walks them in branch order after
// Wait so the listing is the same as the sequential one.
type readdirCOR struct{}

func (readdirCOR) Name() string { return "cor" }

type corBatch struct {
	bd   *branchDir
	ents []rawDirent
	err  error
}

func (readdirCOR) Readdir(ctx context.Context, c *Config, snap *branch.Snapshot, fusepath string, plus bool, d *dirents.Dirents) error {
	bs := snap.Branches()
	batches := make([]corBatch, len(bs))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(max(1, c.ReaddirConcurrency()))
	for i, b := range bs {
		g.Go(func() error {
			var batch corBatch
			batch.bd, batch.err = openBranchDir(b, fusepath)
			if batch.err == nil {
				batch.ents, batch.err = batch.bd.readAll()
				batch.bd.close()
			}
			batches[i] = batch
			return nil
		})
	}
	_ = g.Wait()

	m := newMerger(c, fusepath, plus, d)
	var e common.Err
	for _, batch := range batches {
		if batch.err != nil {
			e.Set(batch.err)
			continue
		}
		e.Set(nil)
		if err := m.add(batch.bd, batch.ents); err != nil {
			return err
		}
	}
	return e.Err()
}
