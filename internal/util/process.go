package util

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// StartBackgroundProcess starts executable detached in its own session.
// Its output goes to logPath when set.
func StartBackgroundProcess(executable string, args []string, logPath string) (*os.Process, error) {
	cmd := exec.Command(executable, args...)
	cmd.Env = os.Environ()
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", logPath, err)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Create new session (detach from terminal)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	// the child is reaped by init once we exit
	go cmd.Wait()

	return cmd.Process, nil
}

// StopProcess asks a process to stop, waits, and kills it if it is still
// alive after the poll timeout.
func StopProcess(ctx context.Context, pid int, cfg PollConfig, gracefulStop func() error) error {
	if gracefulStop == nil {
		gracefulStop = func() error { return syscall.Kill(pid, syscall.SIGTERM) }
	}
	// Continue on error: the process may already be gone.
	_ = gracefulStop()

	gone := func() bool { return !IsProcessRunning(pid) }
	if PollUntil(ctx, cfg, gone) == nil {
		return nil
	}

	_ = syscall.Kill(pid, syscall.SIGKILL)
	if err := PollUntil(ctx, PollConfig{Timeout: time.Second}, gone); err != nil {
		return fmt.Errorf("failed to stop process (PID %d)", pid)
	}
	return nil
}

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	// signal 0 only checks for existence
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
