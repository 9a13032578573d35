package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/trapexit/mergerfs-sub002/internal/artifacts"
)

// getConfigDir returns the config directory path.
// Uses MERGERFS_CONFIG_DIR env var if set, otherwise defaults to ~/.mergerfs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("MERGERFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mergerfs")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// RunDir holds the per-mount socket, pid, lock and log files.
func RunDir() string {
	return filepath.Join(getConfigDir(), "run")
}

// MountID identifies the daemon serving mountpoint. It is the hex xxhash
// of the cleaned absolute path.
func MountID(mountpoint string) string {
	if abs, err := filepath.Abs(mountpoint); err == nil {
		mountpoint = abs
	}
	return strconv.FormatUint(xxhash.Sum64String(filepath.Clean(mountpoint)), 16)
}

// SocketPath returns the Unix socket path of a mount's daemon
func SocketPath(id string) string {
	return filepath.Join(RunDir(), id+".sock")
}

// PidPath returns the PID file path of a mount's daemon
func PidPath(id string) string {
	return filepath.Join(RunDir(), id+".pid")
}

// LockPath returns the lock file path of a mount's daemon
func LockPath(id string) string {
	return filepath.Join(RunDir(), id+".lock")
}

// LogPath returns the log file path of a mount's daemon.
// Uses MERGERFS_DAEMON_LOG env var if set.
func LogPath(id string) string {
	if envPath := os.Getenv("MERGERFS_DAEMON_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(RunDir(), id+".log")
}

// ConsolePath receives a background daemon's stdout and stderr, which
// covers failures before logging is set up.
func ConsolePath(id string) string {
	return filepath.Join(RunDir(), id+".out")
}

// GlobalSettingsPath returns the global settings file path
func GlobalSettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// EnsureConfigDir creates the config and run directories if they don't exist
func EnsureConfigDir() error {
	return os.MkdirAll(RunDir(), 0o700)
}

// ExampleMountConfigPath returns the annotated example mount file
func ExampleMountConfigPath() string {
	return filepath.Join(getConfigDir(), "mount.example.yaml")
}

// InitConfigDir creates the config directory and writes the default
// settings file and the example mount file when missing.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	files := []struct {
		path string
		data []byte
	}{
		{GlobalSettingsPath(), artifacts.GlobalSettings},
		{ExampleMountConfigPath(), artifacts.MountConfig},
	}
	for _, f := range files {
		if _, err := os.Stat(f.path); os.IsNotExist(err) {
			if err := os.WriteFile(f.path, f.data, 0o600); err != nil {
				return fmt.Errorf("failed to create %s: %w", filepath.Base(f.path), err)
			}
		}
	}
	return nil
}

// GlobalSettings represents settings shared by every mount daemon
type GlobalSettings struct {
	LogLevel      string            `yaml:"log_level"`       // trace, debug, info, warn, off
	LogMaxSizeMB  int               `yaml:"log_max_size_mb"` // rotate the daemon log past this size
	LogMaxBackups int               `yaml:"log_max_backups"`
	Options       map[string]string `yaml:"options"` // defaults below each mount's own options
}

// loadDefaultGlobalSettings parses default settings from embedded artifact.
func loadDefaultGlobalSettings() GlobalSettings {
	var settings GlobalSettings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded global settings: " + err.Error())
	}
	return settings
}

// LoadGlobalSettings reads settings.yaml over the embedded defaults.
// A missing file yields the defaults.
func LoadGlobalSettings() (*GlobalSettings, error) {
	settings := loadDefaultGlobalSettings()

	data, err := os.ReadFile(GlobalSettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &settings, nil
		}
		return nil, err
	}

	var user GlobalSettings
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", GlobalSettingsPath(), err)
	}
	if user.LogLevel != "" {
		settings.LogLevel = user.LogLevel
	}
	if user.LogMaxSizeMB > 0 {
		settings.LogMaxSizeMB = user.LogMaxSizeMB
	}
	if user.LogMaxBackups > 0 {
		settings.LogMaxBackups = user.LogMaxBackups
	}
	if user.Options != nil {
		settings.Options = user.Options
	}
	return &settings, nil
}

// MountConfig is the --config mount file.
type MountConfig struct {
	Branches    string            `yaml:"branches"`
	Mountpoint  string            `yaml:"mountpoint"`
	Options     map[string]string `yaml:"options"`
	NFSAddr     string            `yaml:"nfs_addr"`
	MetricsAddr string            `yaml:"metrics_addr"`
	LogLevel    string            `yaml:"log_level"`
}

// LoadMountConfig reads a mount file.
func LoadMountConfig(path string) (*MountConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg MountConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveMountConfig writes cfg to path.
func SaveMountConfig(path string, cfg *MountConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ParseOptions splits a -o string. A bare key means "true"; later keys
// win.
func ParseOptions(s string) (map[string]string, error) {
	opts := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, found := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("invalid option %q", kv)
		}
		if !found {
			v = "true"
		}
		opts[k] = strings.TrimSpace(v)
	}
	return opts, nil
}
