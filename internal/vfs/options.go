package vfs

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/trapexit/mergerfs-sub002/internal/branch"
	"github.com/trapexit/mergerfs-sub002/internal/common"
	"github.com/trapexit/mergerfs-sub002/internal/fsutil"
	"github.com/trapexit/mergerfs-sub002/internal/policy"
)

// option is one runtime setting. A nil set marks it read-only.
type option struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

var options = map[string]option{
	"branches": {
		get: func(c *Config) string { return c.Branches.String() },
		set: func(c *Config, v string) error { return c.Branches.Apply(v) },
	},
	"srcmounts": {
		get: func(c *Config) string { return strings.Join(c.Branches.Snapshot().Paths(), ":") },
	},
	"minfreespace": {
		get: func(c *Config) string { return branch.FormatSize(c.Branches.Snapshot().MinFreeSpace()) },
		set: func(c *Config, v string) error {
			n, err := branch.ParseSize(v)
			if err != nil {
				return err
			}
			c.Branches.SetMinFreeSpace(n)
			return nil
		},
	},
	"inodecalc": {
		get: func(c *Config) string { return c.Inode.Algo() },
		set: func(c *Config, v string) error { return c.Inode.SetAlgo(v) },
	},
	"func.getattr": {
		get: func(c *Config) string { return c.Getattr.Load().Name() },
		set: func(c *Config, v string) error { return storeStrategy(c.Getattr, GetattrStrategies, v) },
	},
	"func.statx": {
		get: func(c *Config) string { return c.Statx.Load().Name() },
		set: func(c *Config, v string) error { return storeStrategy(c.Statx, StatxStrategies, v) },
	},
	"func.readdir": {
		get: func(c *Config) string { return c.Readdir.Load().Name() },
		set: func(c *Config, v string) error { return storeStrategy(c.Readdir, ReaddirStrategies, v) },
	},
	"follow-symlinks": {
		get: func(c *Config) string { return c.FollowSymlinks().String() },
		set: func(c *Config, v string) error {
			f, err := ParseFollowSymlinks(v)
			if err != nil {
				return err
			}
			c.SetFollowSymlinks(f)
			return nil
		},
	},
	"symlinkify": {
		get: func(c *Config) string { return strconv.FormatBool(c.Symlinkify()) },
		set: func(c *Config, v string) error {
			b, err := parseBool(v)
			if err != nil {
				return err
			}
			c.SetSymlinkify(b)
			return nil
		},
	},
	"symlinkify_timeout": {
		get: func(c *Config) string { return strconv.FormatInt(c.SymlinkifyTimeout(), 10) },
		set: func(c *Config, v string) error {
			n, err := parseUint(v)
			if err != nil {
				return err
			}
			c.SetSymlinkifyTimeout(n)
			return nil
		},
	},
	"statfs": {
		get: func(c *Config) string { return c.StatfsMode().String() },
		set: func(c *Config, v string) error {
			m, err := ParseStatfsMode(v)
			if err != nil {
				return err
			}
			c.SetStatfsMode(m)
			return nil
		},
	},
	"statfs_ignore": {
		get: func(c *Config) string { return c.StatfsIgnore().String() },
		set: func(c *Config, v string) error {
			i, err := ParseStatfsIgnore(v)
			if err != nil {
				return err
			}
			c.SetStatfsIgnore(i)
			return nil
		},
	},
	"cache.statfs": {
		get: func(*Config) string { return strconv.FormatInt(int64(fsutil.StatfsCacheTimeout()/time.Second), 10) },
		set: func(_ *Config, v string) error {
			n, err := parseUint(v)
			if err != nil {
				return err
			}
			fsutil.SetStatfsCacheTimeout(time.Duration(n) * time.Second)
			return nil
		},
	},
	"readdir.concurrency": {
		get: func(c *Config) string { return strconv.Itoa(c.ReaddirConcurrency()) },
		set: func(c *Config, v string) error {
			n, err := parseUint(v)
			if err != nil {
				return err
			}
			if n < 1 || n > 1024 {
				return fmt.Errorf("readdir.concurrency %d: %w", n, syscall.EINVAL)
			}
			c.SetReaddirConcurrency(int(n))
			return nil
		},
	},
	"version": {
		get: func(c *Config) string { return c.Version },
	},
	"pid": {
		get: func(*Config) string { return strconv.Itoa(os.Getpid()) },
	},
	"policies": {
		get: func(*Config) string { return strings.Join(policy.Names(), ",") },
	},
}

func init() {
	for _, d := range policyDefaults {
		op := d.op
		options["func."+op] = option{
			get: func(c *Config) string { return c.Policies.Get(op).Load().Name() },
			set: func(c *Config, v string) error {
				p, err := policy.Find(v)
				if err != nil {
					return err
				}
				c.Policies.Get(op).Store(p)
				return nil
			},
		}
	}
	for _, cat := range []Category{CategoryAction, CategoryCreate, CategorySearch} {
		options["category."+string(cat)] = option{
			get: func(c *Config) string { return strings.Join(c.Policies.Category(cat), ",") },
			set: func(c *Config, v string) error {
				p, err := policy.Find(v)
				if err != nil {
					return err
				}
				c.Policies.SetCategory(cat, p)
				return nil
			},
		}
	}
}

func storeStrategy[T Named](h *Handle[T], f Factory[T], name string) error {
	v, err := f.Lookup(name)
	if err != nil {
		return err
	}
	h.Store(v)
	return nil
}

func parseBool(v string) (bool, error) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("boolean %q: %w", v, syscall.EINVAL)
	}
	return b, nil
}

func parseUint(v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("number %q: %w", v, syscall.EINVAL)
	}
	return n, nil
}

// OptionKeys lists every runtime option, sorted.
func OptionKeys() []string {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the current value of key.
func (c *Config) Get(key string) (string, error) {
	opt, ok := options[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", common.ErrUnknownKey, key)
	}
	return opt.get(c), nil
}

// Set changes key at runtime. A read-only mount refuses every change.
func (c *Config) Set(key, value string) error {
	if c.ReadOnly() {
		return fmt.Errorf("set %s: %w", key, common.ErrReadOnly)
	}
	return c.Apply(key, value)
}

// Apply changes key without the read-only mount check. It is used while
// the mount is being configured.
func (c *Config) Apply(key, value string) error {
	opt, ok := options[key]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrUnknownKey, key)
	}
	if opt.set == nil {
		return fmt.Errorf("%w: %s", common.ErrReadOnlyKey, key)
	}
	return opt.set(c, strings.TrimSpace(value))
}

// IsOption reports whether key names a runtime option.
func IsOption(key string) bool {
	_, ok := options[key]
	return ok
}
