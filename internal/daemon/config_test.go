package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("MERGERFS_CONFIG_DIR", "")

		dir := ConfigDir()
		assert.NotEmpty(t, dir)
		assert.True(t, strings.HasSuffix(dir, ".mergerfs"), "should end with .mergerfs")
	})

	t.Run("override with MERGERFS_CONFIG_DIR", func(t *testing.T) {
		t.Setenv("MERGERFS_CONFIG_DIR", "/tmp/test-mergerfs-config")
		assert.Equal(t, "/tmp/test-mergerfs-config", ConfigDir())
		assert.Equal(t, "/tmp/test-mergerfs-config/run", RunDir())
	})
}

func TestMountID(t *testing.T) {
	t.Parallel()

	id := MountID("/mnt/pool")
	assert.NotEmpty(t, id)
	assert.Equal(t, id, MountID("/mnt/pool/"))
	assert.Equal(t, id, MountID("/mnt//pool"))
	assert.NotEqual(t, id, MountID("/mnt/other"))

	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, MountID(filepath.Join(wd, "rel")), MountID("rel"))
}

func TestPathFunctions(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MERGERFS_CONFIG_DIR", tmpDir)
	t.Setenv("MERGERFS_DAEMON_LOG", "")

	id := MountID("/mnt/pool")
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"SocketPath", SocketPath(id), filepath.Join(tmpDir, "run", id+".sock")},
		{"PidPath", PidPath(id), filepath.Join(tmpDir, "run", id+".pid")},
		{"LockPath", LockPath(id), filepath.Join(tmpDir, "run", id+".lock")},
		{"LogPath", LogPath(id), filepath.Join(tmpDir, "run", id+".log")},
		{"ConsolePath", ConsolePath(id), filepath.Join(tmpDir, "run", id+".out")},
		{"GlobalSettingsPath", GlobalSettingsPath(), filepath.Join(tmpDir, "settings.yaml")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}

	t.Run("log override", func(t *testing.T) {
		t.Setenv("MERGERFS_DAEMON_LOG", "/tmp/x.log")
		assert.Equal(t, "/tmp/x.log", LogPath(id))
	})
}

func TestInitConfigDir(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("MERGERFS_CONFIG_DIR", tmpDir)

	require.NoError(t, InitConfigDir())

	fi, err := os.Stat(RunDir())
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	_, err = os.Stat(GlobalSettingsPath())
	require.NoError(t, err)

	// the example parses as a mount config
	mc, err := LoadMountConfig(ExampleMountConfigPath())
	require.NoError(t, err)
	assert.NotEmpty(t, mc.Branches)

	// an existing settings file is left alone
	require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("log_level: debug\n"), 0o600))
	require.NoError(t, InitConfigDir())
	data, err := os.ReadFile(GlobalSettingsPath())
	require.NoError(t, err)
	assert.Equal(t, "log_level: debug\n", string(data))
}

func TestLoadGlobalSettings(t *testing.T) {
	t.Run("defaults when missing", func(t *testing.T) {
		t.Setenv("MERGERFS_CONFIG_DIR", t.TempDir())

		s, err := LoadGlobalSettings()
		require.NoError(t, err)
		assert.Equal(t, "off", s.LogLevel)
		assert.Equal(t, 50, s.LogMaxSizeMB)
		assert.Equal(t, "epmfs", s.Options["category.create"])
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("MERGERFS_CONFIG_DIR", dir)
		content := "log_level: debug\noptions:\n  category.create: mfs\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(content), 0o600))

		s, err := LoadGlobalSettings()
		require.NoError(t, err)
		assert.Equal(t, "debug", s.LogLevel)
		assert.Equal(t, 50, s.LogMaxSizeMB, "unset fields keep defaults")
		assert.Equal(t, map[string]string{"category.create": "mfs"}, s.Options)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("MERGERFS_CONFIG_DIR", dir)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte("log_level: [\n"), 0o600))

		_, err := LoadGlobalSettings()
		assert.Error(t, err)
	})
}

func TestMountConfigRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mount.yaml")
	cfg := &MountConfig{
		Branches:    "/a:/b=NC",
		Mountpoint:  "/mnt/pool",
		Options:     map[string]string{"category.create": "mfs", "fsname": "pool"},
		NFSAddr:     "127.0.0.1:2049",
		MetricsAddr: ":9100",
	}
	require.NoError(t, SaveMountConfig(path, cfg))

	got, err := LoadMountConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	_, err = LoadMountConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestParseOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    map[string]string
		wantErr bool
	}{
		{"empty", "", map[string]string{}, false},
		{"pairs", "category.create=mfs,minfreespace=10G", map[string]string{"category.create": "mfs", "minfreespace": "10G"}, false},
		{"bare flag", "allow_other,ro", map[string]string{"allow_other": "true", "ro": "true"}, false},
		{"spaces and empties", " a = b ,, c=d ", map[string]string{"a": "b", "c": "d"}, false},
		{"last wins", "a=1,a=2", map[string]string{"a": "2"}, false},
		{"missing key", "=x", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseOptions(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
