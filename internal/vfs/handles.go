package vfs

import (
	"sort"
	"sync"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/dirents"
)

// HandleID is the type for VFS handles
type HandleID uint64

// openHandle represents an open file or directory
type openHandle struct {
	path  string // fusepath
	isDir bool
	flags int

	// files
	fd     int
	branch *branch.Branch

	// directories: the listing is rebuilt when read from offset 0 and
	// reused for later offsets
	dirents *dirents.Dirents
	plus    bool
}

// HandleInfo is a read-only view of an open handle.
type HandleInfo struct {
	ID     HandleID
	Path   string
	IsDir  bool
	Flags  int
	Fd     int
	Branch string
}

// HandleManager manages VFS handles
type HandleManager struct {
	mu         sync.RWMutex
	handles    map[HandleID]*openHandle
	nextHandle HandleID
}

// NewHandleManager creates a new handle manager
func NewHandleManager() *HandleManager {
	return &HandleManager{
		handles:    make(map[HandleID]*openHandle),
		nextHandle: 1,
	}
}

func (hm *HandleManager) allocate(h *openHandle) HandleID {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	id := hm.nextHandle
	hm.nextHandle++
	hm.handles[id] = h
	return id
}

// AllocateFile registers an open file.
func (hm *HandleManager) AllocateFile(f *OpenFile, flags int) HandleID {
	return hm.allocate(&openHandle{path: f.Path, flags: flags, fd: f.Fd, branch: f.Branch})
}

// AllocateDir registers an open directory with its own listing buffer.
func (hm *HandleManager) AllocateDir(path string, plus bool) HandleID {
	return hm.allocate(&openHandle{
		path:    path,
		isDir:   true,
		fd:      -1,
		dirents: dirents.New(0),
		plus:    plus,
	})
}

// Get retrieves a handle's info
func (hm *HandleManager) Get(h HandleID) (*openHandle, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	info, ok := hm.handles[h]
	return info, ok
}

// Release frees a handle, returning what it held.
func (hm *HandleManager) Release(h HandleID) (*openHandle, bool) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	info, ok := hm.handles[h]
	delete(hm.handles, h)
	return info, ok
}

// Len returns the number of open handles.
func (hm *HandleManager) Len() int {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return len(hm.handles)
}

// List returns every open handle ordered by id.
func (hm *HandleManager) List() []HandleInfo {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make([]HandleInfo, 0, len(hm.handles))
	for id, h := range hm.handles {
		hi := HandleInfo{ID: id, Path: h.path, IsDir: h.isDir, Flags: h.flags, Fd: h.fd}
		if h.branch != nil {
			hi.Branch = h.branch.Path
		}
		out = append(out, hi)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear removes all handles, returning them so the caller can close
// whatever they hold.
func (hm *HandleManager) Clear() []*openHandle {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	out := make([]*openHandle, 0, len(hm.handles))
	for _, h := range hm.handles {
		out = append(out, h)
	}
	hm.handles = make(map[HandleID]*openHandle)
	// Don't reset nextHandle to avoid handle ID reuse issues
	return out
}
