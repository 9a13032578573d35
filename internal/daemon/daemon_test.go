package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapexit/mergerfs-sub002/internal/vfs"
)

// newTestDaemon wires a daemon around a facade without mounting.
func newTestDaemon(t *testing.T, branches []string, opts map[string]string) *Daemon {
	t.Helper()
	if opts == nil {
		opts = map[string]string{}
	}
	opts["minfreespace"] = "0"
	spec := MountSpec{
		Branches:   strings.Join(branches, ":"),
		Mountpoint: t.TempDir(),
		Options:    opts,
	}
	cfg, _, err := spec.Build()
	require.NoError(t, err)

	d := New(spec)
	d.fs = vfs.New(cfg)
	d.effective = &spec
	d.instanceID = "test"
	d.started = time.Now()
	t.Cleanup(d.fs.Close)
	return d
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	a, b := t.TempDir(), t.TempDir()
	d := newTestDaemon(t, []string{a, b + "=RO"}, nil)

	require.NoError(t, os.WriteFile(filepath.Join(a, "f"), []byte("x"), 0o644))
	h, _, err := d.fs.Open("/f", os.O_RDONLY)
	require.NoError(t, err)
	defer d.fs.Release(h, true)

	resp := d.handleRequest(&Request{Type: RequestStatus})
	require.True(t, resp.Success, resp.Error)
	st := resp.Status
	require.NotNil(t, st)

	assert.Equal(t, "test", st.InstanceID)
	assert.Equal(t, os.Getpid(), st.PID)
	require.Len(t, st.Branches, 2)
	assert.Equal(t, a, st.Branches[0].Path)
	assert.Equal(t, "RW", st.Branches[0].Mode)
	assert.Equal(t, "RO", st.Branches[1].Mode)
	assert.NotZero(t, st.Branches[0].Total)

	require.Len(t, st.Handles, 1)
	assert.Equal(t, "/f", st.Handles[0].Path)
	assert.Equal(t, a, st.Handles[0].Basepath)
}

func TestHandleOptions(t *testing.T) {
	t.Parallel()
	d := newTestDaemon(t, []string{t.TempDir()}, nil)

	resp := d.handleRequest(&Request{Type: RequestSetOption, Key: "category.create", Value: "mfs"})
	require.True(t, resp.Success, resp.Error)

	resp = d.handleRequest(&Request{Type: RequestGetOption, Key: "func.create"})
	require.True(t, resp.Success)
	assert.Equal(t, "mfs", resp.Value)

	resp = d.handleRequest(&Request{Type: RequestListOptions})
	require.True(t, resp.Success)
	assert.Equal(t, "mfs", resp.Options["func.mkdir"])
	assert.Contains(t, resp.Options, "srcmounts")

	tests := []struct {
		name  string
		req   Request
		errno syscall.Errno
	}{
		{"unknown get", Request{Type: RequestGetOption, Key: "bogus"}, syscall.ENODATA},
		{"bad value", Request{Type: RequestSetOption, Key: "category.create", Value: "nope"}, syscall.EINVAL},
		{"read-only key", Request{Type: RequestSetOption, Key: "version", Value: "1"}, syscall.EINVAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.handleRequest(&tt.req)
			assert.False(t, resp.Success)
			assert.Equal(t, int(tt.errno), resp.Errno, resp.Error)
		})
	}
}

func TestHandleOptionsReadOnlyMount(t *testing.T) {
	t.Parallel()
	d := newTestDaemon(t, []string{t.TempDir()}, map[string]string{"ro": "true"})

	resp := d.handleRequest(&Request{Type: RequestSetOption, Key: "category.create", Value: "mfs"})
	assert.False(t, resp.Success)
	assert.Equal(t, int(syscall.EROFS), resp.Errno)
}

func TestHandleStatx(t *testing.T) {
	t.Parallel()

	a, b := t.TempDir(), t.TempDir()
	d := newTestDaemon(t, []string{a, b}, nil)
	require.NoError(t, os.WriteFile(filepath.Join(a, "f"), []byte("12345"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(b, "f"), []byte("1"), 0o644))

	resp := d.handleRequest(&Request{Type: RequestStatx, Path: "/f"})
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, uint64(5), resp.Stat.Size)
	assert.Equal(t, uint32(syscall.S_IFREG), resp.Stat.Mode&syscall.S_IFMT)
	assert.Equal(t, []string{filepath.Join(a, "f"), filepath.Join(b, "f")}, resp.Stat.Branches)

	resp = d.handleRequest(&Request{Type: RequestStatx, Path: "/missing"})
	assert.False(t, resp.Success)
	assert.Equal(t, int(syscall.ENOENT), resp.Errno)

	resp = d.handleRequest(&Request{Type: RequestStatx})
	require.True(t, resp.Success)
	assert.Equal(t, "/", resp.Stat.Path)
}

func TestHandleStopAndUnknown(t *testing.T) {
	t.Parallel()
	d := newTestDaemon(t, []string{t.TempDir()}, nil)

	resp := d.handleRequest(&Request{Type: "nope"})
	assert.False(t, resp.Success)

	resp = d.handleRequest(&Request{Type: RequestStop})
	assert.True(t, resp.Success)
	d.Stop()
	select {
	case <-d.stopCh:
	default:
		t.Fatal("stop channel not closed")
	}
}

func TestReload(t *testing.T) {
	t.Setenv("MERGERFS_CONFIG_DIR", t.TempDir())

	a, b := t.TempDir(), t.TempDir()
	d := newTestDaemon(t, []string{a}, nil)
	d.Spec.Branches = ""

	cfgFile := filepath.Join(t.TempDir(), "mount.yaml")
	require.NoError(t, SaveMountConfig(cfgFile, &MountConfig{
		Branches: a,
		Options:  map[string]string{"category.create": "lfs", "fsname": "ignored"},
	}))
	d.ConfigFile = cfgFile

	resp := d.handleRequest(&Request{Type: RequestReloadConfig})
	require.True(t, resp.Success, resp.Error)
	assert.Contains(t, resp.Message, "category.create")
	assert.NotContains(t, resp.Message, "branches")
	v, _ := d.fs.Config().Get("func.create")
	assert.Equal(t, "lfs", v)

	// unchanged values are not reapplied
	resp = d.handleRequest(&Request{Type: RequestReloadConfig})
	require.True(t, resp.Success, resp.Error)
	assert.NotContains(t, resp.Message, "category.create")

	require.NoError(t, SaveMountConfig(cfgFile, &MountConfig{Branches: a + ":" + b}))
	resp = d.handleRequest(&Request{Type: RequestReloadConfig})
	require.True(t, resp.Success, resp.Error)
	assert.Contains(t, resp.Message, "branches")
	assert.Equal(t, []string{a, b}, d.fs.Config().Branches.Snapshot().Paths())

	require.NoError(t, os.WriteFile(cfgFile, []byte("options: [\n"), 0o600))
	resp = d.handleRequest(&Request{Type: RequestReloadConfig})
	assert.False(t, resp.Success)
}

func TestWaitForBranches(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	late := filepath.Join(dir, "late")
	go func() {
		time.Sleep(100 * time.Millisecond)
		os.Mkdir(late, 0o755)
	}()
	require.NoError(t, waitForBranches(context.Background(), []string{dir, late}, 5*time.Second))

	err := waitForBranches(context.Background(), []string{filepath.Join(dir, "never")}, 200*time.Millisecond)
	assert.Error(t, err)

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	err = waitForBranches(context.Background(), []string{file}, 100*time.Millisecond)
	assert.ErrorIs(t, err, syscall.ENOTDIR)
}
