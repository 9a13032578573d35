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
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/trapexit/mergerfs-sub002/internal/common"
	"github.com/trapexit/mergerfs-sub002/internal/daemon"
	"github.com/trapexit/mergerfs-sub002/internal/util"
)

var mountCmd = &cobra.Command{
	Use:   "mount [<branches>] <mount-point>",
	Short: "Mount a union of branches",
	Long: `Mounts the union of the given branches at the mount point.

Branches are separated by ':' and may carry a mode and a per-branch
minimum free space, e.g. /mnt/a=RW:/mnt/b=NC,10G. Shell globs are expanded
by the daemon. When branches are omitted they must come from --config or
-o branches=...

A background daemon is started for the mount unless --foreground is set.

Examples:
  mergerfs mount /mnt/disk1:/mnt/disk2 /mnt/pool
  mergerfs mount '/mnt/disk*' /mnt/pool -o category.create=mfs,minfreespace=10G
  mergerfs mount /mnt/pool --config ~/pool.yaml
  mergerfs mount /srv/a:/srv/b /mnt/pool --nfs-addr 127.0.0.1:2049`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runMount,
}

// mountFlags are shared by mount and the internal daemon command.
type mountFlags struct {
	options     []string
	config      string
	nfsAddr     string
	metricsAddr string
	logLevel    string
	foreground  bool
	skipCleanup bool
}

func (f *mountFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringArrayVarP(&f.options, "options", "o", nil, "Mount options as key=value[,key=value...] (repeatable)")
	fl.StringVar(&f.config, "config", "", "YAML mount config file")
	fl.StringVar(&f.nfsAddr, "nfs-addr", "", "Also export the union over NFSv3 on this address")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fl.StringVar(&f.logLevel, "log-level", "", "Daemon log level: trace, debug, info, warn, error, off")
	fl.BoolVarP(&f.foreground, "foreground", "f", false, "Run the daemon in the foreground")
	fl.BoolVar(&f.skipCleanup, "skip-cleanup", false, "Skip stale mount cleanup at startup")
}

// spec builds the mount spec described by the flags
func (f *mountFlags) spec(branches, mountpoint string) (daemon.MountSpec, error) {
	spec := daemon.MountSpec{
		Branches:    branches,
		NFSAddr:     f.nfsAddr,
		MetricsAddr: f.metricsAddr,
		LogLevel:    f.logLevel,
		Options:     map[string]string{},
	}
	if mountpoint != "" {
		abs, err := filepath.Abs(mountpoint)
		if err != nil {
			return spec, fmt.Errorf("failed to resolve mount point: %w", err)
		}
		spec.Mountpoint = abs
	}
	for _, o := range f.options {
		opts, err := daemon.ParseOptions(o)
		if err != nil {
			return spec, err
		}
		for k, v := range opts {
			spec.Options[k] = v
		}
	}
	return spec, nil
}

// newDaemon builds a daemon from the flags
func (f *mountFlags) newDaemon(spec daemon.MountSpec) (*daemon.Daemon, error) {
	d := daemon.New(spec)
	d.Foreground = f.foreground
	d.SkipCleanup = f.skipCleanup
	if f.config != "" {
		abs, err := filepath.Abs(f.config)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		d.ConfigFile = abs
	}
	return d, nil
}

// daemonArgs renders the arguments of the internal daemon command
func daemonArgs(spec daemon.MountSpec, configFile string, skipCleanup bool) []string {
	args := []string{"daemon", "--mountpoint", spec.Mountpoint}
	if spec.Branches != "" {
		args = append(args, "--branches", spec.Branches)
	}
	if configFile != "" {
		args = append(args, "--config", configFile)
	}
	if spec.NFSAddr != "" {
		args = append(args, "--nfs-addr", spec.NFSAddr)
	}
	if spec.MetricsAddr != "" {
		args = append(args, "--metrics-addr", spec.MetricsAddr)
	}
	if spec.LogLevel != "" {
		args = append(args, "--log-level", spec.LogLevel)
	}
	if skipCleanup {
		args = append(args, "--skip-cleanup")
	}

	keys := make([]string, 0, len(spec.Options))
	for k := range spec.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-o", k+"="+spec.Options[k])
	}
	return args
}

var mountOpts mountFlags

func init() {
	mountOpts.bind(mountCmd)
	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	var branches, mountpoint string
	if len(args) == 2 {
		branches, mountpoint = args[0], args[1]
	} else {
		mountpoint = args[0]
	}

	spec, err := mountOpts.spec(branches, mountpoint)
	if err != nil {
		return err
	}
	if err := checkMountpoint(spec.Mountpoint); err != nil {
		return err
	}

	d, err := mountOpts.newDaemon(spec)
	if err != nil {
		return err
	}
	if mountOpts.foreground {
		return d.Run(cmd.Context())
	}

	// Fail fast on bad options instead of waiting for a daemon that exits.
	resolved, err := d.Resolve()
	if err != nil {
		return err
	}
	if daemon.IsDaemonRunning(resolved.Mountpoint) {
		return fmt.Errorf("%w: %s", common.ErrAlreadyMounted, resolved.Mountpoint)
	}

	cfg := util.DefaultDaemonStartConfig()
	cfg.LogPath = daemon.ConsolePath(d.ID())
	err = util.StartDaemonIfNeeded(
		context.Background(),
		cfg,
		func() bool { return daemon.IsDaemonRunning(spec.Mountpoint) },
		daemonArgs(spec, d.ConfigFile, mountOpts.skipCleanup),
	)
	if err != nil {
		return fmt.Errorf("failed to start daemon: %w (see %s)", err, cfg.LogPath)
	}

	// the pid file is written before the socket listens, but allow a
	// slow filesystem a moment
	pid, _ := util.RetryWithResult(context.Background(), func() (int, error) {
		return daemon.ReadPID(d.ID())
	})
	fmt.Printf("Mounted %s on %s (PID %d)\n", resolved.Branches, resolved.Mountpoint, pid)
	return nil
}

// checkMountpoint requires an existing directory
func checkMountpoint(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("mount point not found: %s", path)
	}
	if !info.IsDir() {
		return fmt.Errorf("mount point is not a directory: %s", path)
	}
	return nil
}

// mountpointArg resolves a mount point argument to an absolute path
func mountpointArg(arg string) (string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("failed to resolve mount point: %w", err)
	}
	return abs, nil
}

// connect opens the IPC connection of a running mount
func connect(mountpoint string) (*daemon.Client, error) {
	if !daemon.IsDaemonRunning(mountpoint) {
		return nil, fmt.Errorf("%w: %s", common.ErrDaemonNotRunning, mountpoint)
	}
	client, err := daemon.ConnectMount(mountpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return client, nil
}
