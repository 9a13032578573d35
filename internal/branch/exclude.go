package branch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile is read from a branch root, when present, and combined with
// the branch's exclude= options.
const IgnoreFile = ".mergerfsignore"

// exclusions hides fusepaths of one branch from create policies using
// gitignore rules. A nil *exclusions matches nothing.
type exclusions struct {
	gi *ignore.GitIgnore
}

func compileExclusions(root string, patterns []string) (*exclusions, error) {
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("empty exclude pattern: %w", syscall.EINVAL)
		}
	}

	ignorePath := filepath.Join(root, IgnoreFile)
	if _, err := os.Stat(ignorePath); err == nil {
		gi, err := ignore.CompileIgnoreFileAndLines(ignorePath, patterns...)
		if err != nil {
			return nil, fmt.Errorf("branch %s: %s: %w", root, IgnoreFile, err)
		}
		return &exclusions{gi: gi}, nil
	}

	if len(patterns) == 0 {
		return nil, nil
	}
	return &exclusions{gi: ignore.CompileIgnoreLines(patterns...)}, nil
}

func (e *exclusions) matches(fusepath string) bool {
	if e == nil || fusepath == "" {
		return false
	}
	if fusepath == IgnoreFile {
		return true
	}
	return e.gi.MatchesPath(fusepath)
}
