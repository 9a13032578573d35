// Copyright 2024 The mergerfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trapexit/mergerfs-sub002/internal/daemon"
	"github.com/trapexit/mergerfs-sub002/internal/util"
)

var unmountCmd = &cobra.Command{
	Use:     "unmount <mount-point>",
	Aliases: []string{"umount"},
	Short:   "Unmount a pool",
	Long: `Stops the daemon serving the mount point and unmounts it.

If no daemon is running but the mount point is still mounted (for example
after a crash), the mount is detached directly. Use --lazy to detach a
busy mount.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnmount,
}

var stopCmd = &cobra.Command{
	Use:   "stop <mount-point>",
	Short: "Stop the daemon of a mount",
	Long:  `Asks the daemon serving the mount point to unmount and exit, killing it if it does not.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var unmountLazy bool

func init() {
	unmountCmd.Flags().BoolVarP(&unmountLazy, "lazy", "z", false, "Detach the mount even if it is busy")
	rootCmd.AddCommand(unmountCmd)
	rootCmd.AddCommand(stopCmd)
}

func runUnmount(cmd *cobra.Command, args []string) error {
	mountpoint, err := mountpointArg(args[0])
	if err != nil {
		return err
	}

	stopped := false
	if daemon.IsDaemonRunning(mountpoint) {
		if err := stopMount(cmd.Context(), mountpoint); err != nil {
			return err
		}
		stopped = true
	}

	if daemon.IsMounted(mountpoint) {
		if err := daemon.Unmount(mountpoint, unmountLazy); err != nil {
			return fmt.Errorf("failed to unmount %s: %w", mountpoint, err)
		}
	} else if !stopped {
		return fmt.Errorf("%s is not mounted", mountpoint)
	}

	fmt.Printf("Unmounted %s\n", mountpoint)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	mountpoint, err := mountpointArg(args[0])
	if err != nil {
		return err
	}
	if err := stopMount(cmd.Context(), mountpoint); err != nil {
		return err
	}
	fmt.Println("Daemon stopped")
	return nil
}

// stopMount asks a mount's daemon to exit and waits for it, killing it if
// it does not stop in time.
func stopMount(ctx context.Context, mountpoint string) error {
	id := daemon.MountID(mountpoint)
	pid, _ := daemon.ReadPID(id)

	client, err := connect(mountpoint)
	if err != nil {
		return err
	}
	graceful := func() error {
		defer client.Close()
		return client.Stop()
	}

	if pid <= 0 {
		if err := graceful(); err != nil {
			return fmt.Errorf("stop request failed: %w", err)
		}
		gone := func() bool { return !daemon.IsDaemonRunning(mountpoint) }
		if err := util.PollUntil(ctx, util.DefaultPollConfig(), gone); err != nil {
			return fmt.Errorf("daemon for %s did not stop: %w", mountpoint, err)
		}
		return nil
	}

	if err := util.StopProcess(ctx, pid, util.DefaultPollConfig(), graceful); err != nil {
		// a killed daemon leaves its mount behind
		if daemon.IsMounted(mountpoint) {
			_ = daemon.Unmount(mountpoint, true)
		}
		return err
	}
	return nil
}

