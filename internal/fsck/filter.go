package fsck

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// IgnoreFile holds gitignore-style rules scoped to the directory it sits
// in, inside any branch.
const IgnoreFile = ".mergerfsignore"

// matcher collects ignore rules from the command line and from every
// IgnoreFile under each branch.
type matcher struct {
	global   *ignore.GitIgnore
	matchers []scopedMatcher
}

type scopedMatcher struct {
	dirPrefix string
	ignore    *ignore.GitIgnore
}

func newMatcher(roots, patterns []string) *matcher {
	m := &matcher{}
	if len(patterns) > 0 {
		m.global = ignore.CompileIgnoreLines(patterns...)
	}

	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, de os.DirEntry, err error) error {
			if err != nil || de.IsDir() || de.Name() != IgnoreFile {
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			relDir, err := filepath.Rel(root, filepath.Dir(path))
			if err != nil {
				return nil
			}
			if relDir == "." {
				relDir = ""
			}
			m.matchers = append(m.matchers, scopedMatcher{
				dirPrefix: filepath.ToSlash(relDir),
				ignore:    ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...),
			})
			return nil
		})
		if err != nil {
			log.Debugf("fsck: scanning %s for %s: %v", root, IgnoreFile, err)
		}
	}
	return m
}

// ignored reports whether relPath (slash separated, no leading slash) is
// excluded from the check.
func (m *matcher) ignored(relPath string, isDir bool) bool {
	if m == nil {
		return false
	}
	if relPath == IgnoreFile || strings.HasSuffix(relPath, "/"+IgnoreFile) {
		return true
	}

	checkPath := relPath
	if isDir {
		checkPath = relPath + "/"
	}
	if m.global != nil && m.global.MatchesPath(checkPath) {
		return true
	}

	for _, sm := range m.matchers {
		pathToCheck := checkPath
		if sm.dirPrefix != "" {
			prefix := sm.dirPrefix + "/"
			if !strings.HasPrefix(relPath, prefix) {
				continue
			}
			pathToCheck = strings.TrimPrefix(checkPath, prefix)
		}
		if sm.ignore.MatchesPath(pathToCheck) {
			return true
		}
	}
	return false
}
