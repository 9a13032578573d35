package daemon

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/trapexit/mergerfs-sub002/internal/common"
	"github.com/trapexit/mergerfs-sub002/internal/fuse"
	"github.com/trapexit/mergerfs-sub002/internal/vfs"
)

// Mount-only option keys. Everything else is a runtime option.
const (
	OptFsName               = "fsname"
	OptAllowOther           = "allow_other"
	OptReadOnly             = "ro"
	OptCacheAttr            = "cache.attr"
	OptCacheEntry           = "cache.entry"
	OptCacheNegativeEntry   = "cache.negative_entry"
	OptBranchesMountTimeout = "branches-mount-timeout"
	OptDebug                = "debug"
)

var mountOnly = map[string]bool{
	OptFsName:               true,
	OptAllowOther:           true,
	OptReadOnly:             true,
	OptCacheAttr:            true,
	OptCacheEntry:           true,
	OptCacheNegativeEntry:   true,
	OptBranchesMountTimeout: true,
	OptDebug:                true,
}

// MountSpec is everything a daemon needs to serve one mount.
type MountSpec struct {
	Branches    string            `json:"branches"`
	Mountpoint  string            `json:"mountpoint"`
	Options     map[string]string `json:"options,omitempty"`
	NFSAddr     string            `json:"nfs_addr,omitempty"`
	MetricsAddr string            `json:"metrics_addr,omitempty"`
	LogLevel    string            `json:"log_level,omitempty"`
}

// Merge layers o over s. Options are merged key by key.
func (s *MountSpec) Merge(o *MountConfig) {
	if o == nil {
		return
	}
	if o.Branches != "" {
		s.Branches = o.Branches
	}
	if o.Mountpoint != "" {
		s.Mountpoint = o.Mountpoint
	}
	if o.NFSAddr != "" {
		s.NFSAddr = o.NFSAddr
	}
	if o.MetricsAddr != "" {
		s.MetricsAddr = o.MetricsAddr
	}
	if o.LogLevel != "" {
		s.LogLevel = o.LogLevel
	}
	s.SetOptions(o.Options)
}

// SetOptions overrides individual options.
func (s *MountSpec) SetOptions(opts map[string]string) {
	if len(opts) == 0 {
		return
	}
	if s.Options == nil {
		s.Options = make(map[string]string, len(opts))
	}
	for k, v := range opts {
		s.Options[k] = v
	}
}

// Validate checks required fields and rejects unknown option keys.
func (s *MountSpec) Validate() error {
	if s.Mountpoint == "" {
		return fmt.Errorf("mountpoint is required")
	}
	if s.Branches == "" {
		if _, ok := s.Options["branches"]; !ok {
			return common.ErrNoBranches
		}
	}
	for k := range s.Options {
		if !mountOnly[k] && !vfs.IsOption(k) {
			return fmt.Errorf("%w: %s", common.ErrUnknownKey, k)
		}
	}
	return nil
}

// Build turns the spec into a runtime configuration and kernel mount
// options. Branches are applied after every other option so that
// minfreespace is the default for branches without their own.
func (s *MountSpec) Build() (*vfs.Config, fuse.Options, error) {
	if err := s.Validate(); err != nil {
		return nil, fuse.Options{}, err
	}
	mnt, err := filepath.Abs(s.Mountpoint)
	if err != nil {
		return nil, fuse.Options{}, err
	}

	cfg := vfs.NewConfig()
	fopts := fuse.Options{
		Mountpoint:   mnt,
		FsName:       "mergerfs",
		EntryTimeout: time.Second,
		AttrTimeout:  time.Second,
	}

	keys := make([]string, 0, len(s.Options))
	for k := range s.Options {
		if k != "branches" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := s.Options[k]
		if err := applyMountOption(&fopts, k, v); err != nil {
			return nil, fuse.Options{}, err
		}
		if mountOnly[k] {
			continue
		}
		if err := cfg.Apply(k, v); err != nil {
			return nil, fuse.Options{}, fmt.Errorf("option %s=%s: %w", k, v, err)
		}
	}

	branches := s.Branches
	if branches == "" {
		branches = s.Options["branches"]
	}
	if err := cfg.Apply("branches", branches); err != nil {
		return nil, fuse.Options{}, fmt.Errorf("branches %q: %w", branches, err)
	}

	cfg.EntryTimeout = fopts.EntryTimeout
	cfg.AttrTimeout = fopts.AttrTimeout
	cfg.SetReadOnly(fopts.ReadOnly)
	return cfg, fopts, nil
}

// BranchesMountTimeout is how long to wait for branch directories to
// appear before mounting.
func (s *MountSpec) BranchesMountTimeout() (time.Duration, error) {
	v, ok := s.Options[OptBranchesMountTimeout]
	if !ok {
		return 0, nil
	}
	return parseSeconds(OptBranchesMountTimeout, v)
}

func applyMountOption(o *fuse.Options, key, value string) (err error) {
	switch key {
	case OptFsName:
		o.FsName = value
	case OptAllowOther:
		o.AllowOther, err = parseFlag(key, value)
	case OptReadOnly:
		o.ReadOnly, err = parseFlag(key, value)
	case OptDebug:
		o.Debug, err = parseFlag(key, value)
	case OptCacheAttr:
		o.AttrTimeout, err = parseSeconds(key, value)
	case OptCacheEntry:
		o.EntryTimeout, err = parseSeconds(key, value)
	case OptCacheNegativeEntry:
		o.NegativeTimeout, err = parseSeconds(key, value)
	}
	return err
}

func parseFlag(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%s", common.ErrInvalidValue, key, value)
	}
	return b, nil
}

func parseSeconds(key, value string) (time.Duration, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("%w: %s=%s", common.ErrInvalidValue, key, value)
	}
	return time.Duration(f * float64(time.Second)), nil
}
