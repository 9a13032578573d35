package fsck

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
	require.NoError(t, os.Chmod(path, mode))
}

func kindsFor(r *Report, path string) []Kind {
	var out []Kind
	for _, i := range r.Issues {
		if i.Path == path {
			out = append(out, i.Kind)
		}
	}
	return out
}

func TestCheck(t *testing.T) {
	t.Parallel()

	a, b := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(a, "only-a.txt"), "a", 0o644)
	writeFile(t, filepath.Join(a, "same.txt"), "same", 0o644)
	writeFile(t, filepath.Join(b, "same.txt"), "same", 0o644)
	writeFile(t, filepath.Join(a, "size.txt"), "short", 0o644)
	writeFile(t, filepath.Join(b, "size.txt"), "much longer", 0o644)
	writeFile(t, filepath.Join(a, "content.txt"), "aaaa", 0o644)
	writeFile(t, filepath.Join(b, "content.txt"), "bbbb", 0o644)
	writeFile(t, filepath.Join(a, "mode.txt"), "m", 0o644)
	writeFile(t, filepath.Join(b, "mode.txt"), "m", 0o600)
	writeFile(t, filepath.Join(a, "kind"), "file", 0o644)
	require.NoError(t, os.MkdirAll(filepath.Join(b, "kind"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(a, "dir"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(b, "dir"), 0o755))

	r, err := Check(context.Background(), []string{a, b}, Options{Digest: true})
	require.NoError(t, err)

	tests := []struct {
		path string
		want []Kind
	}{
		{"/only-a.txt", nil},
		{"/same.txt", []Kind{KindDuplicate}},
		{"/size.txt", []Kind{KindDuplicate, KindSize}},
		{"/content.txt", []Kind{KindDuplicate, KindContent}},
		{"/mode.txt", []Kind{KindDuplicate, KindMode}},
		{"/kind", []Kind{KindType, KindMode}},
		{"/dir", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, kindsFor(r, tt.path), tt.path)
	}
	assert.Equal(t, 4, r.Count(KindDuplicate))
}

func TestCheckWithoutDigest(t *testing.T) {
	t.Parallel()

	a, b := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(a, "f"), "aaaa", 0o644)
	writeFile(t, filepath.Join(b, "f"), "bbbb", 0o644)

	r, err := Check(context.Background(), []string{a, b}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindDuplicate}, kindsFor(r, "/f"))
}

func TestCheckExcludes(t *testing.T) {
	t.Parallel()

	a, b := t.TempDir(), t.TempDir()
	for _, root := range []string{a, b} {
		writeFile(t, filepath.Join(root, "cache", "x"), root, 0o644)
		writeFile(t, filepath.Join(root, "tmp.log"), root, 0o644)
		writeFile(t, filepath.Join(root, "keep", "y"), "y", 0o644)
	}
	writeFile(t, filepath.Join(a, "keep", IgnoreFile), "y\n", 0o644)

	r, err := Check(context.Background(), []string{a, b}, Options{Excludes: []string{"cache/", "*.log"}})
	require.NoError(t, err)

	for _, i := range r.Issues {
		assert.NotContains(t, []string{"/cache", "/cache/x", "/tmp.log", "/keep/y", "/keep/" + IgnoreFile}, i.Path)
	}
	assert.Equal(t, []Kind(nil), kindsFor(r, "/keep"))
}

func TestCheckNoBranches(t *testing.T) {
	t.Parallel()

	_, err := Check(context.Background(), nil, Options{})
	assert.Error(t, err)
}

func TestDigest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a"), "hello", 0o644)
	writeFile(t, filepath.Join(dir, "b"), "hello", 0o644)
	writeFile(t, filepath.Join(dir, "c"), "world", 0o644)

	da, err := Digest(filepath.Join(dir, "a"))
	require.NoError(t, err)
	db, _ := Digest(filepath.Join(dir, "b"))
	dc, _ := Digest(filepath.Join(dir, "c"))

	assert.Len(t, da, 64)
	assert.Equal(t, da, db)
	assert.NotEqual(t, da, dc)
}
