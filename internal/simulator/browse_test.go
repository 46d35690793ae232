package simulator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBrowser(t *testing.T) {
	b := NewBrowser("/games/sims/")
	require.Equal(t, filepath.Clean("/games/sims"), b.BasePath)
}

func TestBrowser_ValidatePath(t *testing.T) {
	base := t.TempDir()
	b := NewBrowser(base)

	tests := []struct {
		name         string
		relativePath string
		expected     string
		expectError  bool
	}{
		{name: "empty path", relativePath: "", expected: base},
		{name: "root path", relativePath: "/", expected: base},
		{name: "subdirectory", relativePath: "/sims/X-Plane 12", expected: filepath.Join(base, "sims", "X-Plane 12")},
		{name: "parent traversal", relativePath: "../", expectError: true},
		{name: "nested traversal", relativePath: "a/../../../etc", expectError: true},
		{name: "absolute looking path stays inside", relativePath: "/etc/passwd", expected: filepath.Join(base, "etc", "passwd")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.ValidatePath(tt.relativePath)
			if tt.expectError {
				require.Error(t, err)
				require.Contains(t, err.Error(), "path outside of base directory")
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestBrowser_ListDirectories(t *testing.T) {
	base := t.TempDir()
	makeInstall(t, filepath.Join(base, "sims"), "X-Plane 12")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "sims", "backups"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(base, "sims", ".hidden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "sims", "notes.txt"), []byte("x"), 0o644))

	b := NewBrowser(base)

	dirs, err := b.ListDirectories("/sims")
	require.NoError(t, err)
	require.Equal(t, []DirectoryInfo{
		{Name: "..", Path: "/"},
		{Name: "backups", Path: "/sims/backups"},
		{Name: "X-Plane 12", Path: "/sims/X-Plane 12", Simulator: true},
	}, dirs)

	dirs, err = b.ListDirectories("/")
	require.NoError(t, err)
	require.Equal(t, []DirectoryInfo{{Name: "sims", Path: "/sims"}}, dirs)

	_, err = b.ListDirectories("../..")
	require.Error(t, err)

	_, err = b.ListDirectories("/missing")
	require.Error(t, err)
}

func TestBrowser_Breadcrumbs(t *testing.T) {
	b := NewBrowser("/games")

	require.Equal(t, []Breadcrumb{{Name: "games", Path: "/"}}, b.Breadcrumbs(""))
	require.Equal(t, []Breadcrumb{
		{Name: "games", Path: "/"},
		{Name: "sims", Path: "/sims"},
		{Name: "X-Plane 12", Path: "/sims/X-Plane 12"},
	}, b.Breadcrumbs("/sims/X-Plane 12/"))

	require.Equal(t, "Root", NewBrowser("/").Breadcrumbs("")[0].Name)
}
