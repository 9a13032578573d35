// Package dirents accumulates merged directory listings in the 8-byte
// aligned record layout the kernel expects from readdir replies.
package dirents

import (
	"encoding/binary"
	"syscall"

	"golang.org/x/sys/unix"
)

// Mode is the kind of record a Dirents holds.
type Mode uint8

const (
	Unset Mode = iota
	Normal
	Plus
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Plus:
		return "plus"
	}
	return "unset"
}

const (
	// InitialSize matches the glibc getdents buffer.
	InitialSize = 32 * 1024
	// DefaultMaxSize bounds one listing.
	DefaultMaxSize = 128 * 1024 * 1024

	direntHeaderSize = 8 + 8 + 2 + 1
	entryOutSize     = 4*8 + 2*4
	attrSize         = 6*8 + 3*4 + 7*4
	plusHeaderSize   = entryOutSize + attrSize
)

// EntryOut is the lookup reply embedded in a Plus record.
type EntryOut struct {
	NodeID         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
}

// Attr is the attribute block embedded in a Plus record.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	Atimensec uint32
	Mtimensec uint32
	Ctimensec uint32
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Rdev      uint32
	Blksize   uint32
}

// AttrFromStat converts a stat result.
func AttrFromStat(st *unix.Stat_t) Attr {
	return Attr{
		Ino:       st.Ino,
		Size:      uint64(st.Size),
		Blocks:    uint64(st.Blocks),
		Atime:     uint64(st.Atim.Sec),
		Mtime:     uint64(st.Mtim.Sec),
		Ctime:     uint64(st.Ctim.Sec),
		Atimensec: uint32(st.Atim.Nsec),
		Mtimensec: uint32(st.Mtim.Nsec),
		Ctimensec: uint32(st.Ctim.Nsec),
		Mode:      st.Mode,
		Nlink:     uint32(st.Nlink),
		UID:       st.Uid,
		GID:       st.Gid,
		Rdev:      uint32(st.Rdev),
		Blksize:   uint32(st.Blksize),
	}
}

// Record is one decoded entry.
type Record struct {
	Ino   uint64
	Off   int64
	Type  uint8
	Name  string
	Entry EntryOut
	Attr  Attr
}

// Dirents is an append-only listing buffer. It is not safe for
// concurrent use.
type Dirents struct {
	mode    Mode
	buf     []byte
	offs    []int
	maxSize int
}

// New returns an empty Dirents. maxSize <= 0 selects DefaultMaxSize.
func New(maxSize int) *Dirents {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Dirents{offs: []int{0}, maxSize: maxSize}
}

// Mode returns the mode fixed by the first Add or AddPlus.
func (d *Dirents) Mode() Mode { return d.mode }

// Len returns the number of records.
func (d *Dirents) Len() int { return len(d.offs) - 1 }

// Bytes returns the encoded records.
func (d *Dirents) Bytes() []byte { return d.buf }

// Reset empties the buffer, keeping its capacity.
func (d *Dirents) Reset() {
	d.mode = Unset
	d.buf = d.buf[:0]
	d.offs = d.offs[:1]
}

// Offset returns the byte position at which reading resumes after the
// entry whose cookie is off.
func (d *Dirents) Offset(off int64) (int, bool) {
	if off < 0 || off >= int64(len(d.offs)) {
		return 0, false
	}
	return d.offs[off], true
}

func align8(n int) int {
	return (n + 7) &^ 7
}

func direntSize(namelen int) int {
	return align8(direntHeaderSize + namelen + 1)
}

func (d *Dirents) setMode(m Mode) error {
	switch d.mode {
	case Unset:
		d.mode = m
	case m:
	default:
		return syscall.EINVAL
	}
	return nil
}

func (d *Dirents) grow(n int) ([]byte, error) {
	need := len(d.buf) + n
	if need > d.maxSize {
		return nil, syscall.ENOMEM
	}
	if need > cap(d.buf) {
		c := cap(d.buf)
		if c == 0 {
			c = InitialSize
		}
		for c < need {
			c *= 2
		}
		if c > d.maxSize {
			c = d.maxSize
		}
		nb := make([]byte, len(d.buf), c)
		copy(nb, d.buf)
		d.buf = nb
	}
	start := len(d.buf)
	d.buf = d.buf[:need]
	rec := d.buf[start:need]
	clear(rec)
	return rec, nil
}

func putDirent(b []byte, ino uint64, off int64, typ uint8, name string) {
	binary.LittleEndian.PutUint64(b[0:], ino)
	binary.LittleEndian.PutUint64(b[8:], uint64(off))
	binary.LittleEndian.PutUint16(b[16:], uint16(direntSize(len(name))))
	b[18] = typ
	copy(b[direntHeaderSize:], name)
}

// Add appends a Normal record.
func (d *Dirents) Add(ino uint64, typ uint8, name string) error {
	if err := d.setMode(Normal); err != nil {
		return err
	}
	rec, err := d.grow(direntSize(len(name)))
	if err != nil {
		return err
	}
	off := int64(len(d.offs))
	putDirent(rec, ino, off, typ, name)
	d.offs = append(d.offs, len(d.buf))
	return nil
}

// AddPlus appends a Plus record carrying entry and attributes.
func (d *Dirents) AddPlus(ino uint64, typ uint8, name string, entry *EntryOut, attr *Attr) error {
	if err := d.setMode(Plus); err != nil {
		return err
	}
	rec, err := d.grow(plusHeaderSize + direntSize(len(name)))
	if err != nil {
		return err
	}
	putEntry(rec, entry)
	putAttr(rec[entryOutSize:], attr)
	off := int64(len(d.offs))
	putDirent(rec[plusHeaderSize:], ino, off, typ, name)
	d.offs = append(d.offs, len(d.buf))
	return nil
}

func putEntry(b []byte, e *EntryOut) {
	le := binary.LittleEndian
	le.PutUint64(b[0:], e.NodeID)
	le.PutUint64(b[8:], e.Generation)
	le.PutUint64(b[16:], e.EntryValid)
	le.PutUint64(b[24:], e.AttrValid)
	le.PutUint32(b[32:], e.EntryValidNsec)
	le.PutUint32(b[36:], e.AttrValidNsec)
}

func getEntry(b []byte) EntryOut {
	le := binary.LittleEndian
	return EntryOut{
		NodeID:         le.Uint64(b[0:]),
		Generation:     le.Uint64(b[8:]),
		EntryValid:     le.Uint64(b[16:]),
		AttrValid:      le.Uint64(b[24:]),
		EntryValidNsec: le.Uint32(b[32:]),
		AttrValidNsec:  le.Uint32(b[36:]),
	}
}

func putAttr(b []byte, a *Attr) {
	le := binary.LittleEndian
	for i, v := range []uint64{a.Ino, a.Size, a.Blocks, a.Atime, a.Mtime, a.Ctime} {
		le.PutUint64(b[i*8:], v)
	}
	for i, v := range []uint32{a.Atimensec, a.Mtimensec, a.Ctimensec, a.Mode, a.Nlink, a.UID, a.GID, a.Rdev, a.Blksize} {
		le.PutUint32(b[48+i*4:], v)
	}
}

func getAttr(b []byte) Attr {
	le := binary.LittleEndian
	u32 := func(i int) uint32 { return le.Uint32(b[48+i*4:]) }
	return Attr{
		Ino:       le.Uint64(b[0:]),
		Size:      le.Uint64(b[8:]),
		Blocks:    le.Uint64(b[16:]),
		Atime:     le.Uint64(b[24:]),
		Mtime:     le.Uint64(b[32:]),
		Ctime:     le.Uint64(b[40:]),
		Atimensec: u32(0),
		Mtimensec: u32(1),
		Ctimensec: u32(2),
		Mode:      u32(3),
		Nlink:     u32(4),
		UID:       u32(5),
		GID:       u32(6),
		Rdev:      u32(7),
		Blksize:   u32(8),
	}
}

func decodeDirent(b []byte, r *Record) int {
	le := binary.LittleEndian
	r.Ino = le.Uint64(b[0:])
	r.Off = int64(le.Uint64(b[8:]))
	reclen := int(le.Uint16(b[16:]))
	r.Type = b[18]
	name := b[direntHeaderSize:reclen]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	r.Name = string(name)
	return reclen
}

// Next decodes the record at byte position pos and returns it together
// with the position of the following record. ok is false at the end.
func (d *Dirents) Next(pos int) (rec Record, next int, ok bool) {
	if pos < 0 || pos >= len(d.buf) {
		return Record{}, pos, false
	}
	b := d.buf[pos:]
	switch d.mode {
	case Normal:
		n := decodeDirent(b, &rec)
		return rec, pos + n, true
	case Plus:
		rec.Entry = getEntry(b)
		rec.Attr = getAttr(b[entryOutSize:])
		n := decodeDirent(b[plusHeaderSize:], &rec)
		return rec, pos + plusHeaderSize + n, true
	}
	return Record{}, pos, false
}

// Records decodes every record from the entry after cookie off onwards.
func (d *Dirents) Records(off int64) []Record {
	pos, ok := d.Offset(off)
	if !ok {
		return nil
	}
	out := make([]Record, 0, d.Len()-int(off))
	for {
		rec, next, ok := d.Next(pos)
		if !ok {
			return out
		}
		out = append(out, rec)
		pos = next
	}
}

// Find returns the first record whose inode is ino.
func (d *Dirents) Find(ino uint64) (Record, bool) {
	pos := 0
	for {
		rec, next, ok := d.Next(pos)
		if !ok {
			return Record{}, false
		}
		if rec.Ino == ino {
			return rec, true
		}
		pos = next
	}
}
