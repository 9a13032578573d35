package vfs

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/inode"
)

// FollowSymlinks controls whether getattr reports the target of a symlink.
type FollowSymlinks int32

const (
	FollowNever FollowSymlinks = iota
	FollowDirectory
	FollowRegular
	FollowAll
)

var followNames = []string{"never", "directory", "regular", "all"}

func (f FollowSymlinks) String() string { return followNames[f] }

// ParseFollowSymlinks parses a follow-symlinks value.
func ParseFollowSymlinks(s string) (FollowSymlinks, error) {
	for i, n := range followNames {
		if n == s {
			return FollowSymlinks(i), nil
		}
	}
	return 0, fmt.Errorf("follow-symlinks %q: %w", s, syscall.EINVAL)
}

// StatfsMode selects which branches statfs reports on.
type StatfsMode int32

const (
	// StatfsBase reports every branch.
	StatfsBase StatfsMode = iota
	// StatfsFull reports only branches holding the path.
	StatfsFull
)

func (m StatfsMode) String() string {
	if m == StatfsFull {
		return "full"
	}
	return "base"
}

// ParseStatfsMode parses a statfs value.
func ParseStatfsMode(s string) (StatfsMode, error) {
	switch s {
	case "base":
		return StatfsBase, nil
	case "full":
		return StatfsFull, nil
	}
	return 0, fmt.Errorf("statfs %q: %w", s, syscall.EINVAL)
}

// StatfsIgnore excludes branches of a mode from statfs totals.
type StatfsIgnore int32

const (
	IgnoreNone StatfsIgnore = iota
	IgnoreRO
	IgnoreNC
)

var ignoreNames = []string{"none", "ro", "nc"}

func (i StatfsIgnore) String() string { return ignoreNames[i] }

// ParseStatfsIgnore parses a statfs_ignore value.
func ParseStatfsIgnore(s string) (StatfsIgnore, error) {
	for i, n := range ignoreNames {
		if n == s {
			return StatfsIgnore(i), nil
		}
	}
	return 0, fmt.Errorf("statfs_ignore %q: %w", s, syscall.EINVAL)
}

// Config is the live configuration of one mount. Every field may be
// changed while operations are in flight.
type Config struct {
	Branches *branch.Set
	Inode    *inode.Selector
	Policies *Policies

	Getattr *Handle[GetattrStrategy]
	Statx   *Handle[StatxStrategy]
	Readdir *Handle[ReaddirStrategy]

	Version string

	// EntryTimeout and AttrTimeout are embedded in readdirplus records.
	EntryTimeout time.Duration
	AttrTimeout  time.Duration

	followSymlinks     atomic.Int32
	symlinkify         atomic.Bool
	symlinkifyTimeout  atomic.Int64
	statfsMode         atomic.Int32
	statfsIgnore       atomic.Int32
	readdirConcurrency atomic.Int32
	readOnly           atomic.Bool
}

// DefaultSymlinkifyTimeout is the default age, in seconds, past which an
// unwritable file is reported as a symlink.
const DefaultSymlinkifyTimeout = 3600

// NewConfig returns a configuration with defaults and no branches.
func NewConfig() *Config {
	c := &Config{
		Branches:     branch.NewSet(branch.DefaultMinFreeSpace),
		Inode:        inode.NewSelector(),
		Policies:     newPolicies(),
		Getattr:      NewHandle[GetattrStrategy](getattrCDCO{}),
		Statx:        NewHandle[StatxStrategy](statxCDFO{}),
		Readdir:      NewHandle[ReaddirStrategy](readdirSeq{}),
		EntryTimeout: time.Second,
		AttrTimeout:  time.Second,
	}
	c.symlinkifyTimeout.Store(DefaultSymlinkifyTimeout)
	c.readdirConcurrency.Store(2)
	return c
}

func (c *Config) FollowSymlinks() FollowSymlinks { return FollowSymlinks(c.followSymlinks.Load()) }

func (c *Config) SetFollowSymlinks(f FollowSymlinks) { c.followSymlinks.Store(int32(f)) }

func (c *Config) Symlinkify() bool { return c.symlinkify.Load() }

func (c *Config) SetSymlinkify(v bool) { c.symlinkify.Store(v) }

// SymlinkifyTimeout is in seconds.
func (c *Config) SymlinkifyTimeout() int64 { return c.symlinkifyTimeout.Load() }

func (c *Config) SetSymlinkifyTimeout(secs int64) { c.symlinkifyTimeout.Store(secs) }

func (c *Config) StatfsMode() StatfsMode { return StatfsMode(c.statfsMode.Load()) }

func (c *Config) SetStatfsMode(m StatfsMode) { c.statfsMode.Store(int32(m)) }

func (c *Config) StatfsIgnore() StatfsIgnore { return StatfsIgnore(c.statfsIgnore.Load()) }

func (c *Config) SetStatfsIgnore(i StatfsIgnore) { c.statfsIgnore.Store(int32(i)) }

// ReaddirConcurrency bounds the goroutines of the concurrent readdir modes.
func (c *Config) ReaddirConcurrency() int { return int(c.readdirConcurrency.Load()) }

func (c *Config) SetReaddirConcurrency(n int) { c.readdirConcurrency.Store(int32(n)) }

// ReadOnly reports whether the mount was made read-only. A read-only mount
// refuses every control file change.
func (c *Config) ReadOnly() bool { return c.readOnly.Load() }

func (c *Config) SetReadOnly(v bool) { c.readOnly.Store(v) }
