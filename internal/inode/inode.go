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

// Package inode synthesizes the inode numbers reported through the union
// mount from the branch copy that backs each path.
package inode

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/common"
)

// Magic seeds every hash so synthesized numbers stay stable across restarts.
const Magic uint64 = 0x7472617065786974

// DefaultAlgo is the algorithm a fresh Selector uses.
const DefaultAlgo = "hybrid-hash"

// Func computes an inode for the copy of fusepath found under basepath.
type Func func(basepath, fusepath string, mode uint32, dev, ino uint64) uint64

var algos = map[string]Func{
	"passthrough":       passthrough,
	"path-hash":         pathHash,
	"path-hash32":       to32(pathHash),
	"devino-hash":       devinoHash,
	"devino-hash32":     to32(devinoHash),
	"hybrid-hash":       hybrid(pathHash, devinoHash),
	"hybrid-hash32":     hybrid(to32(pathHash), to32(devinoHash)),
	"basepath-hash":     basepathHash,
	"basepath-hash32":   to32(basepathHash),
	"basehybrid-hash":   hybrid(pathHash, basepathHash),
	"basehybrid-hash32": hybrid(to32(pathHash), to32(basepathHash)),
}

// Names lists every algorithm name, sorted.
func Names() []string {
	names := make([]string, 0, len(algos))
	for name := range algos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the algorithm registered under name or EINVAL.
func Lookup(name string) (Func, error) {
	fn, ok := algos[name]
	if !ok {
		return nil, fmt.Errorf("unknown inode algorithm %q: %w", name, syscall.EINVAL)
	}
	return fn, nil
}

func passthrough(_, _ string, _ uint32, _, ino uint64) uint64 {
	return ino
}

func pathHash(_, fusepath string, _ uint32, _, _ uint64) uint64 {
	h := xxhash.NewWithSeed(Magic)
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(fusepath)
	return h.Sum64()
}

func devinoHash(_, _ string, _ uint32, dev, ino uint64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], dev)
	binary.LittleEndian.PutUint64(buf[8:], ino)
	h := xxhash.NewWithSeed(Magic)
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

func basepathHash(basepath, _ string, _ uint32, _, ino uint64) uint64 {
	h := xxhash.NewWithSeed(Magic)
	_, _ = h.WriteString(strconv.FormatUint(ino, 10))
	_, _ = h.WriteString(basepath)
	return h.Sum64()
}

// to32 folds a 64-bit hash into 32 bits.
func to32(fn Func) Func {
	return func(basepath, fusepath string, mode uint32, dev, ino uint64) uint64 {
		h := fn(basepath, fusepath, mode, dev, ino)
		return uint64(uint32(h - (h >> 32)))
	}
}

func hybrid(dir, other Func) Func {
	return func(basepath, fusepath string, mode uint32, dev, ino uint64) uint64 {
		if mode&unix.S_IFMT == unix.S_IFDIR {
			return dir(basepath, fusepath, mode, dev, ino)
		}
		return other(basepath, fusepath, mode, dev, ino)
	}
}

type selection struct {
	name string
	fn   Func
}

// Selector holds the active algorithm. Swapping is atomic so in-flight
// calls keep the algorithm they started with.
type Selector struct {
	cur atomic.Pointer[selection]
}

// NewSelector returns a Selector using DefaultAlgo.
func NewSelector() *Selector {
	s := &Selector{}
	s.cur.Store(&selection{name: DefaultAlgo, fn: algos[DefaultAlgo]})
	return s
}

// SetAlgo switches to the named algorithm.
func (s *Selector) SetAlgo(name string) error {
	fn, err := Lookup(name)
	if err != nil {
		return err
	}
	s.cur.Store(&selection{name: name, fn: fn})
	return nil
}

// Algo returns the active algorithm name.
func (s *Selector) Algo() string {
	return s.cur.Load().name
}

// Calc computes the inode for one branch copy of fusepath. "/a/b", "a/b"
// and "a//b/" name the same path and get the same inode.
func (s *Selector) Calc(basepath, fusepath string, mode uint32, dev, ino uint64) uint64 {
	return s.cur.Load().fn(basepath, common.NormalizePath(fusepath), mode, dev, ino)
}

// CalcStat rewrites st.Ino in place.
func (s *Selector) CalcStat(basepath, fusepath string, st *unix.Stat_t) {
	st.Ino = s.Calc(basepath, fusepath, st.Mode, st.Dev, st.Ino)
}

// CalcStatx rewrites st.Ino in place.
func (s *Selector) CalcStatx(basepath, fusepath string, st *unix.Statx_t) {
	dev := unix.Mkdev(st.Dev_major, st.Dev_minor)
	st.Ino = s.Calc(basepath, fusepath, uint32(st.Mode), dev, st.Ino)
}
