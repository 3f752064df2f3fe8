package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckName(t *testing.T) {
	accept := []string{
		"a.bin",
		"archive.tar.gz",
		"no extension",
		"nested/name.txt", // separators are allowed, traversal is not
		".hidden",
	}
	for _, name := range accept {
		require.NoError(t, CheckName(name), "expected %q to pass", name)
	}

	reject := []string{
		"",
		"/etc/passwd",
		"\\windows\\system32",
		"../etc/passwd",
		"a/../b",
		"trailing..",
		"nul\x00byte",
	}
	for _, name := range reject {
		require.ErrorIs(t, CheckName(name), ErrUnsafeName, "expected %q to fail", name)
	}
}

func TestRootCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "received")
	root, err := New(dir)
	require.NoError(t, err)

	// The root itself is created on first use.
	f, path, err := root.Create("a.bin")
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, root.Join("a.bin"), path)
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestRootCreateTruncates(t *testing.T) {
	root, err := New(t.TempDir())
	require.NoError(t, err)

	f, path, err := root.Create("a.bin")
	require.NoError(t, err)
	_, err = f.Write([]byte("stale content"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, _, err = root.Create("a.bin")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, b)
}

func TestRootJoinStaysInside(t *testing.T) {
	root, err := New(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"a.bin", "sub/b.bin"} {
		require.NoError(t, CheckName(name))
		p := root.Join(name)
		rel, err := filepath.Rel(root.Path(), p)
		require.NoError(t, err)
		require.False(t, filepath.IsAbs(rel))
		require.NotEqual(t, "..", rel[:min(2, len(rel))])
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
