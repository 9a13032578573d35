// Package fsck reports divergence between the copies of a path that live
// on several branches. It never changes anything.
package fsck

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Kind classifies an issue.
type Kind string

const (
	KindDuplicate Kind = "duplicate" // a non-directory exists on more than one branch
	KindType      Kind = "type"
	KindSize      Kind = "size"
	KindMode      Kind = "mode"
	KindOwner     Kind = "owner"
	KindContent   Kind = "content"
)

// Copy is one branch's instance of a path.
type Copy struct {
	Branch string `json:"branch"`
	Mode   uint32 `json:"mode"`
	UID    uint32 `json:"uid"`
	GID    uint32 `json:"gid"`
	Size   int64  `json:"size"`
	Digest string `json:"digest,omitempty"`
}

// Issue is one finding for one path.
type Issue struct {
	Path   string `json:"path"`
	Kind   Kind   `json:"kind"`
	Copies []Copy `json:"copies"`
}

// Report is the result of a check.
type Report struct {
	Branches []string `json:"branches"`
	Scanned  int      `json:"scanned"`
	Issues   []Issue  `json:"issues"`
}

// Count returns how many issues of kind were found.
func (r *Report) Count(kind Kind) int {
	n := 0
	for _, i := range r.Issues {
		if i.Kind == kind {
			n++
		}
	}
	return n
}

// Options tunes a check.
type Options struct {
	// Excludes are gitignore-style patterns relative to the branch root.
	Excludes []string
	// Digest compares blake3 digests of same-sized regular files.
	Digest bool
	// Concurrency bounds parallel hashing. Zero means 4.
	Concurrency int
}

// Check walks every branch and compares the copies of each path.
// Branches are compared in the order given.
func Check(ctx context.Context, branches []string, opts Options) (*Report, error) {
	if len(branches) == 0 {
		return nil, fmt.Errorf("no branches to check")
	}
	m := newMatcher(branches, opts.Excludes)

	copies := make(map[string][]Copy)
	for _, root := range branches {
		if err := collect(ctx, root, m, copies); err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
	}

	paths := make([]string, 0, len(copies))
	for p := range copies {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if opts.Digest {
		if err := digestAll(ctx, paths, copies, opts.Concurrency); err != nil {
			return nil, err
		}
	}

	report := &Report{Branches: branches, Scanned: len(paths)}
	for _, p := range paths {
		cs := copies[p]
		if len(cs) < 2 {
			continue
		}
		for _, kind := range compare(cs) {
			report.Issues = append(report.Issues, Issue{Path: p, Kind: kind, Copies: cs})
		}
	}
	return report, nil
}

func collect(ctx context.Context, root string, m *matcher, out map[string][]Copy) error {
	return filepath.WalkDir(root, func(path string, de os.DirEntry, err error) error {
		if err != nil {
			log.Debugf("fsck: %s: %v", path, err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if m.ignored(rel, de.IsDir()) {
			if de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			log.Debugf("fsck: lstat %s: %v", path, err)
			return nil
		}
		out["/"+rel] = append(out["/"+rel], Copy{
			Branch: root,
			Mode:   st.Mode,
			UID:    st.Uid,
			GID:    st.Gid,
			Size:   st.Size,
		})
		return nil
	})
}

// digestAll hashes every regular file that has a same-sized copy
// elsewhere.
func digestAll(ctx context.Context, paths []string, copies map[string][]Copy, limit int) error {
	if limit <= 0 {
		limit = 4
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, p := range paths {
		cs := copies[p]
		if len(cs) < 2 || !allRegular(cs) || !sameSize(cs) {
			continue
		}
		for i := range cs {
			c := &cs[i]
			full := filepath.Join(c.Branch, filepath.FromSlash(p))
			g.Go(func() error {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d, err := Digest(full)
				if err != nil {
					log.Debugf("fsck: digest %s: %v", full, err)
					return nil
				}
				c.Digest = d
				return nil
			})
		}
	}
	return g.Wait()
}

// Digest returns the hex blake3 digest of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func allRegular(cs []Copy) bool {
	for _, c := range cs {
		if c.Mode&unix.S_IFMT != unix.S_IFREG {
			return false
		}
	}
	return true
}

func sameSize(cs []Copy) bool {
	for _, c := range cs[1:] {
		if c.Size != cs[0].Size {
			return false
		}
	}
	return true
}

// compare lists the kinds of divergence among copies of one path.
func compare(cs []Copy) []Kind {
	first := cs[0]
	var typ, size, mode, owner, content bool
	for _, c := range cs[1:] {
		if c.Mode&unix.S_IFMT != first.Mode&unix.S_IFMT {
			typ = true
		}
		if c.Mode&^unix.S_IFMT != first.Mode&^unix.S_IFMT {
			mode = true
		}
		if c.UID != first.UID || c.GID != first.GID {
			owner = true
		}
		if c.Size != first.Size {
			size = true
		}
		if c.Digest != first.Digest {
			content = true
		}
	}

	isDir := first.Mode&unix.S_IFMT == unix.S_IFDIR
	var kinds []Kind
	if typ {
		kinds = append(kinds, KindType)
	} else if !isDir {
		kinds = append(kinds, KindDuplicate)
	}
	if mode {
		kinds = append(kinds, KindMode)
	}
	if owner {
		kinds = append(kinds, KindOwner)
	}
	if !typ && !isDir {
		if size && first.Mode&unix.S_IFMT == unix.S_IFREG {
			kinds = append(kinds, KindSize)
		} else if content {
			kinds = append(kinds, KindContent)
		}
	}
	return kinds
}
