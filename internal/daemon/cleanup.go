package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/trapexit/mergerfs-sub002/internal/util"
)

// FSType is the filesystem type the kernel reports for our mounts.
const FSType = "fuse.mergerfs"

// CleanupResult contains the result of a cleanup operation
type CleanupResult struct {
	StaleMounts     []string // Mount points that were unmounted
	CleanedPidFiles int      // PID files of dead daemons removed
	CleanedSockets  int      // Sockets nobody listens on removed
	Errors          []error  // Any errors encountered
}

// CleanupStale removes run files left by daemons that died and lazily
// unmounts mergerfs mounts whose daemon is gone.
func CleanupStale() (*CleanupResult, error) {
	result := &CleanupResult{}

	entries, err := os.ReadDir(RunDir())
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range entries {
		name := e.Name()
		switch filepath.Ext(name) {
		case ".pid":
			if cleanupStalePidFile(strings.TrimSuffix(name, ".pid")) {
				result.CleanedPidFiles++
			}
		case ".sock":
			if cleanupStaleSocket(strings.TrimSuffix(name, ".sock")) {
				result.CleanedSockets++
			}
		}
	}

	mounts, err := findStaleMounts()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("failed to find stale mounts: %w", err))
	}
	for _, mnt := range mounts {
		if err := Unmount(mnt, true); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("failed to unmount %s: %w", mnt, err))
		} else {
			result.StaleMounts = append(result.StaleMounts, mnt)
		}
	}

	return result, nil
}

// ReadPID returns the pid recorded for a mount id.
func ReadPID(id string) (int, error) {
	data, err := os.ReadFile(PidPath(id))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// cleanupStalePidFile removes PID file if the process is not running
func cleanupStalePidFile(id string) bool {
	pid, err := ReadPID(id)
	if err == nil && util.IsProcessRunning(pid) {
		return false
	}
	return os.Remove(PidPath(id)) == nil
}

// cleanupStaleSocket removes socket file if no daemon answers on it
func cleanupStaleSocket(id string) bool {
	path := SocketPath(id)
	if isSocketAlive(path) {
		return false
	}
	return os.Remove(path) == nil
}

// Mounts lists the mergerfs mounts the kernel knows about.
func Mounts() ([]*mountinfo.Info, error) {
	return mountinfo.GetMounts(mountinfo.FSTypeFilter(FSType))
}

// IsMounted reports whether a mergerfs filesystem is mounted at path.
func IsMounted(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	mounts, err := Mounts()
	if err != nil {
		return false
	}
	for _, m := range mounts {
		if m.Mountpoint == abs {
			return true
		}
	}
	return false
}

// findStaleMounts returns mergerfs mounts that no daemon serves. The
// kernel answers ENOTCONN on them once the server is gone.
func findStaleMounts() ([]string, error) {
	mounts, err := Mounts()
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, m := range mounts {
		if IsDaemonRunning(m.Mountpoint) {
			continue
		}
		var st unix.Stat_t
		if err := unix.Stat(m.Mountpoint, &st); errors.Is(err, unix.ENOTCONN) {
			stale = append(stale, m.Mountpoint)
		}
	}
	return stale, nil
}

// Unmount detaches a FUSE mount with fusermount, falling back to umount.
// lazy detaches even when the mount is busy.
func Unmount(mountpoint string, lazy bool) error {
	args := []string{"-u"}
	if lazy {
		args = append(args, "-z")
	}
	args = append(args, mountpoint)

	var lastErr error
	for _, bin := range []string{"fusermount3", "fusermount"} {
		path, err := exec.LookPath(bin)
		if err != nil {
			continue
		}
		out, err := exec.Command(path, args...).CombinedOutput()
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("%s: %w: %s", bin, err, strings.TrimSpace(string(out)))
	}

	flags := 0
	if lazy {
		flags = unix.MNT_DETACH
	}
	if err := unix.Unmount(mountpoint, flags); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

// FormatCleanupResult formats a cleanup result for display
func FormatCleanupResult(result *CleanupResult) string {
	var parts []string

	if len(result.StaleMounts) > 0 {
		parts = append(parts, fmt.Sprintf("Unmounted %d stale mount(s):", len(result.StaleMounts)))
		for _, m := range result.StaleMounts {
			parts = append(parts, fmt.Sprintf("  - %s", m))
		}
	}
	if result.CleanedPidFiles > 0 {
		parts = append(parts, fmt.Sprintf("Cleaned up %d stale PID file(s)", result.CleanedPidFiles))
	}
	if result.CleanedSockets > 0 {
		parts = append(parts, fmt.Sprintf("Cleaned up %d stale socket file(s)", result.CleanedSockets))
	}
	if len(result.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("Encountered %d error(s):", len(result.Errors)))
		for _, e := range result.Errors {
			parts = append(parts, fmt.Sprintf("  - %s", e.Error()))
		}
	}

	if len(parts) == 0 {
		return "No cleanup needed"
	}
	return strings.Join(parts, "\n")
}
