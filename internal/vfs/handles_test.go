package vfs

import (
	"sync"
	"testing"
)

func TestNewHandleManager(t *testing.T) {
	hm := NewHandleManager()
	if hm == nil {
		t.Fatal("NewHandleManager returned nil")
	}
	if hm.Len() != 0 {
		t.Errorf("Len = %d, want 0", hm.Len())
	}
}

func TestAllocate(t *testing.T) {
	hm := NewHandleManager()

	h1 := hm.AllocateFile(&OpenFile{Fd: 10, Path: "file1.txt"}, 0)
	h2 := hm.AllocateDir("dir", false)
	h3 := hm.AllocateFile(&OpenFile{Fd: 11, Path: "file2.txt"}, 0)

	if h1 == 0 || h2 == 0 || h3 == 0 {
		t.Error("handles should not be 0")
	}
	if h1 != 1 || h2 != 2 || h3 != 3 {
		t.Error("handles should be sequential")
	}
}

func TestGet(t *testing.T) {
	hm := NewHandleManager()

	h := hm.AllocateFile(&OpenFile{Fd: 42, Path: "test.txt"}, 2)

	info, ok := hm.Get(h)
	if !ok {
		t.Fatal("Get returned not ok")
	}
	if info.fd != 42 {
		t.Errorf("fd = %d, want 42", info.fd)
	}
	if info.path != "test.txt" {
		t.Errorf("path = %q, want %q", info.path, "test.txt")
	}
	if info.isDir {
		t.Error("isDir should be false")
	}
	if info.flags != 2 {
		t.Errorf("flags = %d, want 2", info.flags)
	}

	if _, ok := hm.Get(999); ok {
		t.Error("Get of unknown handle should fail")
	}
}

func TestAllocateDir(t *testing.T) {
	hm := NewHandleManager()

	h := hm.AllocateDir("a/b", true)
	info, ok := hm.Get(h)
	if !ok {
		t.Fatal("Get returned not ok")
	}
	if !info.isDir || !info.plus {
		t.Error("directory handle should be a plus directory")
	}
	if info.fd != -1 {
		t.Errorf("fd = %d, want -1", info.fd)
	}
	if info.dirents == nil {
		t.Error("directory handle should own a listing buffer")
	}
}

func TestRelease(t *testing.T) {
	hm := NewHandleManager()

	h := hm.AllocateFile(&OpenFile{Fd: 1, Path: "x"}, 0)
	if _, ok := hm.Release(h); !ok {
		t.Fatal("Release returned not ok")
	}
	if _, ok := hm.Get(h); ok {
		t.Error("handle should be gone after Release")
	}
	if _, ok := hm.Release(h); ok {
		t.Error("double Release should fail")
	}
}

func TestListOrdered(t *testing.T) {
	hm := NewHandleManager()
	for i := 0; i < 5; i++ {
		hm.AllocateFile(&OpenFile{Fd: i, Path: "f"}, 0)
	}
	list := hm.List()
	if len(list) != 5 {
		t.Fatalf("List returned %d handles, want 5", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Errorf("List not ordered at %d", i)
		}
	}
}

func TestClear(t *testing.T) {
	hm := NewHandleManager()

	h1 := hm.AllocateFile(&OpenFile{Fd: 1, Path: "a"}, 0)
	hm.AllocateDir("b", false)

	if got := len(hm.Clear()); got != 2 {
		t.Errorf("Clear returned %d handles, want 2", got)
	}
	if hm.Len() != 0 {
		t.Errorf("Len = %d after Clear, want 0", hm.Len())
	}

	h3 := hm.AllocateFile(&OpenFile{Fd: 3, Path: "c"}, 0)
	if h3 <= h1 {
		t.Error("handle ids should not be reused after Clear")
	}
}

func TestConcurrentAllocate(t *testing.T) {
	hm := NewHandleManager()

	var wg sync.WaitGroup
	seen := make(chan HandleID, 400)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				seen <- hm.AllocateFile(&OpenFile{Fd: j, Path: "f"}, 0)
			}
		}()
	}
	wg.Wait()
	close(seen)

	ids := make(map[HandleID]bool)
	for h := range seen {
		if ids[h] {
			t.Fatalf("duplicate handle %d", h)
		}
		ids[h] = true
	}
	if hm.Len() != 400 {
		t.Errorf("Len = %d, want 400", hm.Len())
	}
}
