package util

import (
	"context"
	"fmt"
	"os"
)

// DaemonStartConfig configures StartDaemonIfNeeded.
type DaemonStartConfig struct {
	Notify     bool       // Print status messages to stderr
	PollConfig PollConfig // Polling config for waiting
	LogPath    string     // Where the daemon's stdout and stderr go
}

// DefaultDaemonStartConfig returns the settings used by the CLI.
func DefaultDaemonStartConfig() DaemonStartConfig {
	return DaemonStartConfig{
		Notify:     true,
		PollConfig: FastPollConfig(),
	}
}

// StartDaemonIfNeeded re-executes the current binary with args unless
// isRunning already holds, then waits for isRunning.
func StartDaemonIfNeeded(ctx context.Context, cfg DaemonStartConfig, isRunning func() bool, args []string) error {
	if isRunning() {
		return nil
	}

	notify := func(msg string) {
		if cfg.Notify {
			fmt.Fprint(os.Stderr, msg)
		}
	}

	notify("Starting daemon...")
	exe, err := os.Executable()
	if err != nil {
		notify(" failed\n")
		return err
	}

	if _, err := StartBackgroundProcess(exe, args, cfg.LogPath); err != nil {
		notify(" failed\n")
		return err
	}

	if err := PollUntil(ctx, cfg.PollConfig, isRunning); err != nil {
		notify(" timeout\n")
		return fmt.Errorf("daemon did not start in time: %w", err)
	}

	notify(" done\n")
	return nil
}
