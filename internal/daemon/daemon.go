package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/common"
	"github.com/trapexit/mergerfs-sub002/internal/fsutil"
	mfuse "github.com/trapexit/mergerfs-sub002/internal/fuse"
	"github.com/trapexit/mergerfs-sub002/internal/metrics"
	"github.com/trapexit/mergerfs-sub002/internal/util"
	"github.com/trapexit/mergerfs-sub002/internal/vfs"
)

func init() {
	// Default logging to discard until a daemon configures a level
	log.SetOutput(io.Discard)
}

// Daemon serves one mount: the FUSE session, the optional NFS export and
// metrics endpoint, and the IPC socket used by the CLI.
type Daemon struct {
	// Spec holds what was given on the command line. It overrides the
	// mount file, which overrides settings.yaml.
	Spec MountSpec

	// ConfigFile is the --config mount file, re-read on reload.
	ConfigFile string

	// Foreground also logs to stderr.
	Foreground bool

	// SkipCleanup skips removing stale run files at startup.
	SkipCleanup bool

	id         string
	instanceID string
	started    time.Time
	effective  *MountSpec

	fs      *vfs.MergerFS
	server  *gofuse.Server
	nfs     *NFSServer
	metrics *metrics.Metrics
	ipc     *Server
	lock    *flock.Flock
	logFile *lumberjack.Logger

	mu       sync.Mutex // serializes reloads and option changes
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a daemon for spec
func New(spec MountSpec) *Daemon {
	return &Daemon{
		Spec:   spec,
		stopCh: make(chan struct{}),
	}
}

// ID is the mount id derived from the mountpoint.
func (d *Daemon) ID() string {
	if d.id == "" {
		d.id = MountID(d.Spec.Mountpoint)
	}
	return d.id
}

// Stop asks Run to shut down. It is safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// resolve layers settings.yaml, the mount file and the command line.
func (d *Daemon) resolve(settings *GlobalSettings) (*MountSpec, error) {
	spec := &MountSpec{LogLevel: settings.LogLevel}
	spec.SetOptions(settings.Options)

	if d.ConfigFile != "" {
		mc, err := LoadMountConfig(d.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load mount config: %w", err)
		}
		spec.Merge(mc)
	}

	spec.Merge(&MountConfig{
		Branches:    d.Spec.Branches,
		Mountpoint:  d.Spec.Mountpoint,
		Options:     d.Spec.Options,
		NFSAddr:     d.Spec.NFSAddr,
		MetricsAddr: d.Spec.MetricsAddr,
		LogLevel:    d.Spec.LogLevel,
	})
	return spec, spec.Validate()
}

// Resolve returns the spec Run would mount with, without mounting.
func (d *Daemon) Resolve() (*MountSpec, error) {
	settings, err := LoadGlobalSettings()
	if err != nil {
		return nil, err
	}
	return d.resolve(settings)
}

// Run mounts and blocks until the mount is stopped, unmounted externally,
// or ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	id := d.ID()

	settings, err := LoadGlobalSettings()
	if err != nil {
		return err
	}
	spec, err := d.resolve(settings)
	if err != nil {
		return err
	}
	d.effective = spec

	// Acquire exclusive lock
	d.lock = flock.New(LockPath(id))
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", common.ErrAlreadyMounted, spec.Mountpoint)
	}
	defer d.lock.Unlock()

	if !d.SkipCleanup {
		if result, err := CleanupStale(); err == nil && len(result.StaleMounts)+result.CleanedPidFiles+result.CleanedSockets > 0 {
			log.Infof("Startup cleanup: %s", FormatCleanupResult(result))
		}
	}

	if err := d.setupLogging(spec.LogLevel, settings); err != nil {
		return err
	}
	defer d.closeLog()

	if err := d.writePidFile(); err != nil {
		return err
	}
	defer d.removePidFile()

	d.instanceID = uuid.NewString()
	d.started = time.Now()
	log.Infof("Daemon started (PID %d, instance %s, mount %s)", os.Getpid(), d.instanceID, spec.Mountpoint)

	cfg, fopts, err := d.buildConfig(ctx, spec)
	if err != nil {
		return err
	}
	d.fs = vfs.New(cfg)
	defer d.fs.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if spec.MetricsAddr != "" {
		d.metrics = metrics.New(cfg.Branches)
		d.fs.SetRecorder(d.metrics)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.metrics.Serve(runCtx, spec.MetricsAddr); err != nil {
				log.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	d.server, err = mfuse.Mount(d.fs, fopts)
	if err != nil {
		return err
	}
	go func() {
		d.server.Wait()
		log.Infof("FUSE session for %s ended", fopts.Mountpoint)
		d.Stop()
	}()

	if spec.NFSAddr != "" {
		if err := d.startNFS(spec.NFSAddr); err != nil {
			log.Errorf("NFS export failed: %v", err)
		}
	}

	log.Infof("Starting IPC server at %s", SocketPath(id))
	d.ipc = NewServer(SocketPath(id), d.handleRequest)
	if err := d.ipc.Start(); err != nil {
		d.unmount()
		return err
	}
	defer d.ipc.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if msg, err := d.reload(); err != nil {
					log.Warnf("Reload failed: %v", err)
				} else {
					log.Infof("Reload: %s", msg)
				}
				continue
			}
			log.Infof("Received signal %v, shutting down...", sig)
			break loop
		case <-d.stopCh:
			log.Infof("Stop requested, shutting down...")
			break loop
		case <-ctx.Done():
			log.Infof("Context done, shutting down...")
			break loop
		}
	}

	if d.nfs != nil {
		d.nfs.Shutdown()
	}
	d.unmount()
	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warnf("Timeout waiting for servers to stop")
	}

	log.Infof("Daemon stopped")
	return nil
}

// buildConfig builds the runtime config, waiting for branch directories
// when branches-mount-timeout is set.
func (d *Daemon) buildConfig(ctx context.Context, spec *MountSpec) (*vfs.Config, mfuse.Options, error) {
	cfg, fopts, err := spec.Build()
	if err != nil {
		return nil, fopts, err
	}

	timeout, err := spec.BranchesMountTimeout()
	if err != nil || timeout == 0 {
		return cfg, fopts, err
	}
	paths := cfg.Branches.Snapshot().Paths()
	if err := waitForBranches(ctx, paths, timeout); err != nil {
		log.Warnf("Branches not ready after %v: %v", timeout, err)
		return cfg, fopts, nil
	}
	// rebuild so globs expand and branch roots open against the mounted
	// filesystems
	return spec.Build()
}

func waitForBranches(ctx context.Context, paths []string, timeout time.Duration) error {
	return util.Retry(ctx, func() error {
		for _, p := range paths {
			fi, err := os.Stat(p)
			if err != nil {
				return err
			}
			if !fi.IsDir() {
				return fmt.Errorf("%s: %w", p, syscall.ENOTDIR)
			}
		}
		return nil
	}, util.DeadlineRetryOptions(ctx, timeout)...)
}

func (d *Daemon) startNFS(addr string) error {
	d.nfs = NewNFSServer(d.fs)
	if err := d.nfs.Listen(addr); err != nil {
		d.nfs = nil
		return err
	}
	log.Infof("NFS export listening on %s", d.nfs.Addr())
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.nfs.Serve(); err != nil {
			log.Errorf("NFS server failed: %v", err)
		}
	}()
	return nil
}

func (d *Daemon) unmount() {
	if d.server == nil {
		return
	}
	if err := d.server.Unmount(); err != nil {
		log.Warnf("Unmount failed (%v), detaching lazily", err)
		if err := Unmount(d.effective.Mountpoint, true); err != nil {
			log.Errorf("Lazy unmount failed: %v", err)
		}
	}
}

// setupLogging points logrus at the rotated daemon log
func (d *Daemon) setupLogging(level string, settings *GlobalSettings) error {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" || level == "off" || level == "none" {
		if d.Foreground {
			log.SetOutput(os.Stderr)
			log.SetLevel(log.WarnLevel)
		} else {
			log.SetOutput(io.Discard)
		}
		return nil
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("%w: log level %q", common.ErrInvalidValue, level)
	}

	if d.logFile == nil {
		d.logFile = &lumberjack.Logger{
			Filename:   LogPath(d.ID()),
			MaxSize:    settings.LogMaxSizeMB,
			MaxBackups: settings.LogMaxBackups,
		}
	}
	var out io.Writer = d.logFile
	if d.Foreground {
		out = io.MultiWriter(os.Stderr, d.logFile)
	}
	log.SetOutput(out)
	log.SetLevel(lvl)
	return nil
}

func (d *Daemon) closeLog() {
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) writePidFile() error {
	data := []byte(strconv.Itoa(os.Getpid()))
	return os.WriteFile(PidPath(d.ID()), data, 0o600)
}

func (d *Daemon) removePidFile() {
	os.Remove(PidPath(d.ID()))
}

// handleRequest processes an IPC request
func (d *Daemon) handleRequest(req *Request) *Response {
	switch req.Type {
	case RequestStatus:
		return d.handleStatus()
	case RequestStop:
		return d.handleStop()
	case RequestGetOption:
		return d.handleGetOption(req)
	case RequestSetOption:
		return d.handleSetOption(req)
	case RequestListOptions:
		return d.handleListOptions()
	case RequestReloadConfig:
		return d.handleReloadConfig()
	case RequestStatx:
		return d.handleStatx(req)
	default:
		return &Response{Success: false, Error: "unknown request type"}
	}
}

func errorResponse(err error) *Response {
	return &Response{Success: false, Error: err.Error(), Errno: int(vfs.ToErrno(err))}
}

func (d *Daemon) handleStatus() *Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg := d.fs.Config()
	status := &MountStatus{
		InstanceID:  d.instanceID,
		Mountpoint:  d.effective.Mountpoint,
		PID:         os.Getpid(),
		StartedAt:   d.started.Unix(),
		ReadOnly:    cfg.ReadOnly(),
		NFSAddr:     d.effective.NFSAddr,
		MetricsAddr: d.effective.MetricsAddr,
	}
	if d.nfs != nil && d.nfs.Addr() != nil {
		status.NFSAddr = d.nfs.Addr().String()
	}

	for _, b := range cfg.Branches.Snapshot().Branches() {
		bs := BranchStatus{Path: b.Path, Mode: b.Mode.String(), MinFreeSpace: b.MinFreeSpace}
		if info, err := fsutil.BranchInfo(b); err != nil {
			bs.Error = err.Error()
		} else {
			bs.Available = info.SpaceAvail
			bs.Total = info.SpaceTotal
			bs.ReadOnly = info.ReadOnly
		}
		status.Branches = append(status.Branches, bs)
	}

	for _, h := range d.fs.Handles() {
		hs := HandleStatus{ID: uint64(h.ID), Path: h.Path, IsDir: h.IsDir, Flags: h.Flags}
		if !h.IsDir {
			if bp, err := d.fs.Basepath(h.ID); err == nil {
				hs.Basepath = bp
			} else {
				hs.Basepath = h.Branch
			}
		}
		status.Handles = append(status.Handles, hs)
	}

	return &Response{Success: true, Status: status}
}

func (d *Daemon) handleStop() *Response {
	d.Stop()
	return &Response{Success: true, Message: "Daemon stopping"}
}

func (d *Daemon) handleGetOption(req *Request) *Response {
	v, err := d.fs.Config().Get(req.Key)
	if err != nil {
		return errorResponse(err)
	}
	return &Response{Success: true, Value: v}
}

func (d *Daemon) handleSetOption(req *Request) *Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.fs.Config().Set(req.Key, req.Value); err != nil {
		return errorResponse(err)
	}
	log.Infof("Option %s set to %q", req.Key, req.Value)
	v, _ := d.fs.Config().Get(req.Key)
	return &Response{Success: true, Value: v}
}

func (d *Daemon) handleListOptions() *Response {
	cfg := d.fs.Config()
	opts := make(map[string]string)
	for _, k := range vfs.OptionKeys() {
		if v, err := cfg.Get(k); err == nil {
			opts[k] = v
		}
	}
	return &Response{Success: true, Options: opts}
}

func (d *Daemon) handleReloadConfig() *Response {
	msg, err := d.reload()
	if err != nil {
		return errorResponse(err)
	}
	return &Response{Success: true, Message: msg}
}

// reload re-reads settings.yaml and the mount file and applies every
// runtime option whose value changed. Mount-only options need a remount
// and are left alone.
func (d *Daemon) reload() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	settings, err := LoadGlobalSettings()
	if err != nil {
		return "", fmt.Errorf("failed to load settings: %w", err)
	}
	spec, err := d.resolve(settings)
	if err != nil {
		return "", err
	}
	if err := d.setupLogging(spec.LogLevel, settings); err != nil {
		return "", err
	}

	changed, err := applyChanged(d.fs.Config(), spec)
	if err != nil {
		return "", err
	}
	d.effective.Options = spec.Options
	d.effective.Branches = spec.Branches
	d.effective.LogLevel = spec.LogLevel

	if len(changed) == 0 {
		return "Config reloaded, nothing changed", nil
	}
	return fmt.Sprintf("Config reloaded, changed: %s", strings.Join(changed, ", ")), nil
}

// applyChanged sets each runtime option of spec that differs from cfg and
// returns the changed keys. Branches go last.
func applyChanged(cfg *vfs.Config, spec *MountSpec) ([]string, error) {
	keys := make([]string, 0, len(spec.Options))
	for k := range spec.Options {
		if !mountOnly[k] && k != "branches" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var changed []string
	for _, k := range keys {
		v := spec.Options[k]
		cur, err := cfg.Get(k)
		if err == nil && cur == v {
			continue
		}
		if err := cfg.Set(k, v); err != nil {
			return changed, fmt.Errorf("option %s=%s: %w", k, v, err)
		}
		changed = append(changed, k)
	}

	branches := spec.Branches
	if branches == "" {
		branches = spec.Options["branches"]
	}
	if branches != "" && !sameBranches(cfg, branches) {
		if err := cfg.Set("branches", branches); err != nil {
			return changed, fmt.Errorf("branches %q: %w", branches, err)
		}
		changed = append(changed, "branches")
	}
	return changed, nil
}

// sameBranches compares in rendered form so spelling differences such as
// an implied =RW do not count as a change.
func sameBranches(cfg *vfs.Config, line string) bool {
	cur := cfg.Branches.Snapshot()
	scratch := branch.NewSet(cur.MinFreeSpace())
	if err := scratch.Apply(line); err != nil {
		return false
	}
	return scratch.String() == cur.String()
}

func (d *Daemon) handleStatx(req *Request) *Response {
	p := req.Path
	if p == "" {
		p = "/"
	}
	var stx unix.Statx_t
	err := d.fs.Statx(p, unix.AT_SYMLINK_NOFOLLOW, unix.STATX_BASIC_STATS|unix.STATX_BTIME, &stx)
	if err != nil {
		return errorResponse(err)
	}

	info := &StatInfo{
		Path:   p,
		Ino:    stx.Ino,
		Mode:   uint32(stx.Mode),
		Nlink:  stx.Nlink,
		UID:    stx.Uid,
		GID:    stx.Gid,
		Size:   stx.Size,
		Blocks: stx.Blocks,
		Atime:  stx.Atime.Sec,
		Mtime:  stx.Mtime.Sec,
		Ctime:  stx.Ctime.Sec,
	}
	if stx.Mask&unix.STATX_BTIME != 0 {
		info.Btime = stx.Btime.Sec
	}

	if all, err := d.fs.Getxattr(p, vfs.XattrPrefix+"allpaths"); err == nil {
		for _, s := range strings.Split(string(all), "\x00") {
			if s != "" {
				info.Branches = append(info.Branches, s)
			}
		}
	} else if !errors.Is(err, unix.ENODATA) {
		log.Debugf("statx %s: allpaths: %v", p, err)
	}

	return &Response{Success: true, Stat: info}
}
