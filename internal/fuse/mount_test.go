package fuse

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/trapexit/mergerfs-sub002/internal/vfs"
)

func canMount(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping mount test in short mode")
	}
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("/dev/fuse not available")
	}
}

func TestMountUnion(t *testing.T) {
	canMount(t)
	g := NewWithT(t)

	b1, b2 := t.TempDir(), t.TempDir()
	mnt := t.TempDir()

	g.Expect(os.WriteFile(filepath.Join(b1, "one"), []byte("1"), 0o644)).To(Succeed())
	g.Expect(os.WriteFile(filepath.Join(b2, "two"), []byte("22"), 0o644)).To(Succeed())
	g.Expect(os.Mkdir(filepath.Join(b2, "dir"), 0o755)).To(Succeed())

	cfg := vfs.NewConfig()
	g.Expect(cfg.Set("minfreespace", "0")).To(Succeed())
	g.Expect(cfg.Set("branches", b1+":"+b2)).To(Succeed())
	g.Expect(cfg.Set("func.create", "ff")).To(Succeed())

	m := vfs.New(cfg)
	server, err := Mount(m, Options{Mountpoint: mnt, AttrTimeout: time.Second, EntryTimeout: time.Second})
	if err != nil {
		t.Skipf("mount failed: %v", err)
	}
	defer server.Unmount()
	g.Expect(server.WaitMount()).To(Succeed())

	entries, err := os.ReadDir(mnt)
	g.Expect(err).NotTo(HaveOccurred())
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	g.Expect(names).To(Equal([]string{"dir", "one", "two"}))

	data, err := os.ReadFile(filepath.Join(mnt, "two"))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(data)).To(Equal("22"))

	// path preservation: dir only exists on b2, ff create clones it to b1
	g.Expect(os.WriteFile(filepath.Join(mnt, "dir", "new"), []byte("x"), 0o644)).To(Succeed())
	g.Expect(filepath.Join(b1, "dir", "new")).To(BeAnExistingFile())

	fi, err := os.Stat(filepath.Join(mnt, vfs.ControlFile))
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(fi.Mode().Perm()).To(Equal(os.FileMode(0o444)))

	g.Expect(os.Remove(filepath.Join(mnt, "one"))).To(Succeed())
	g.Expect(filepath.Join(b1, "one")).NotTo(BeAnExistingFile())
}
