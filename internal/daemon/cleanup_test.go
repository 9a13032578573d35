package daemon

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/moby/sys/mountinfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCleanupResult(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		result   *CleanupResult
		contains []string
	}{
		{"empty", &CleanupResult{}, []string{"No cleanup needed"}},
		{"stale mounts", &CleanupResult{StaleMounts: []string{"/mnt/a", "/mnt/b"}}, []string{"Unmounted 2 stale mount(s)", "/mnt/a", "/mnt/b"}},
		{"run files", &CleanupResult{CleanedPidFiles: 1, CleanedSockets: 2}, []string{"1 stale PID file", "2 stale socket file"}},
		{"errors", &CleanupResult{Errors: []error{errors.New("boom")}}, []string{"1 error(s)", "boom"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := FormatCleanupResult(tt.result)
			for _, want := range tt.contains {
				assert.Contains(t, out, want)
			}
		})
	}
}

func TestMountsFilterMergerfs(t *testing.T) {
	t.Parallel()

	const sample = `22 1 8:1 / / rw,relatime shared:1 - ext4 /dev/sda1 rw
36 22 0:31 / /mnt/pool rw,nosuid,nodev,relatime shared:20 - fuse.mergerfs pool rw,user_id=0,group_id=0
37 22 0:32 / /mnt/with\040space rw - fuse.mergerfs mergerfs rw
38 22 0:33 / /srv rw master:1 unbindable - nfs4 host:/export rw
`
	entries, err := mountinfo.GetMountsFromReader(strings.NewReader(sample), mountinfo.FSTypeFilter(FSType))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "/mnt/pool", entries[0].Mountpoint)
	assert.Equal(t, "pool", entries[0].Source)
	assert.Equal(t, "/mnt/with space", entries[1].Mountpoint)

	live, err := Mounts()
	require.NoError(t, err)
	for _, m := range live {
		assert.Equal(t, FSType, m.FSType, m.Mountpoint)
	}
	assert.False(t, IsMounted(t.TempDir()))
}

func TestCleanupStaleRunFiles(t *testing.T) {
	t.Setenv("MERGERFS_CONFIG_DIR", t.TempDir())
	require.NoError(t, EnsureConfigDir())

	// pid 0 is never a running daemon; the socket has no listener
	require.NoError(t, os.WriteFile(PidPath("dead"), []byte("0"), 0o600))
	require.NoError(t, os.WriteFile(SocketPath("dead"), nil, 0o600))
	require.NoError(t, os.WriteFile(PidPath("self"), []byte(strconv.Itoa(os.Getpid())), 0o600))

	result, err := CleanupStale()
	require.NoError(t, err)
	assert.Equal(t, 1, result.CleanedPidFiles)
	assert.Equal(t, 1, result.CleanedSockets)

	_, err = os.Stat(PidPath("dead"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(PidPath("self"))
	assert.NoError(t, err, "pid file of a live process is kept")

	pid, err := ReadPID("self")
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
