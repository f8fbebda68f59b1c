package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeDescriptor(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DescriptorFile), []byte(content), 0o644))
}

func TestSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Frontend", "frontend"},
		{"Billing Service", "billing-service"},
		{"  API / v2  ", "api-v2"},
		{"---", ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Slug(tt.in), "Slug(%q)", tt.in)
	}
}

func TestRescan(t *testing.T) {
	root := t.TempDir()
	writeDescriptor(t, filepath.Join(root, "fe"), "name: Frontend\n")
	writeDescriptor(t, filepath.Join(root, "billing"), "name: Billing Service\n")
	// No descriptor: not a project.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scratch"), 0o755))

	reg := NewRegistry([]string{root})
	projects, err := reg.Rescan()
	require.NoError(t, err)

	require.Len(t, projects, 2)
	require.Equal(t, "billing-service", projects[0].ID)
	require.Equal(t, "frontend", projects[1].ID)
	require.Equal(t, filepath.Join(root, "fe"), projects[1].Path)
}

func TestRescan_NameFallsBackToDirName(t *testing.T) {
	root := t.TempDir()
	writeDescriptor(t, filepath.Join(root, "legacy-app"), "name: \"\"\n")

	reg := NewRegistry([]string{root})
	projects, err := reg.Rescan()
	require.NoError(t, err)

	require.Len(t, projects, 1)
	require.Equal(t, "legacy-app", projects[0].ID)
	require.Equal(t, "legacy-app", projects[0].Name)
}

func TestRescan_BadDescriptorSkipped(t *testing.T) {
	root := t.TempDir()
	writeDescriptor(t, filepath.Join(root, "ok"), "name: Good\n")
	writeDescriptor(t, filepath.Join(root, "bad"), "name: [unclosed\n")

	reg := NewRegistry([]string{root})
	projects, err := reg.Rescan()
	require.NoError(t, err)
	require.Len(t, projects, 1)
	require.Equal(t, "good", projects[0].ID)
}

func TestRescan_MissingRootSkipped(t *testing.T) {
	root := t.TempDir()
	writeDescriptor(t, filepath.Join(root, "fe"), "name: Frontend\n")

	reg := NewRegistry([]string{filepath.Join(root, "does-not-exist"), root})
	projects, err := reg.Rescan()
	require.NoError(t, err)
	require.Len(t, projects, 1)
}

func TestRescan_ReplacesPreviousSet(t *testing.T) {
	root := t.TempDir()
	feDir := filepath.Join(root, "fe")
	writeDescriptor(t, feDir, "name: Frontend\n")

	reg := NewRegistry([]string{root})
	_, err := reg.Rescan()
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(feDir, DescriptorFile)))
	projects, err := reg.Rescan()
	require.NoError(t, err)
	require.Empty(t, projects)

	_, ok := reg.Get("frontend")
	require.False(t, ok)
}

func TestWithinRoots(t *testing.T) {
	root := t.TempDir()
	reg := NewRegistry([]string{root})

	require.True(t, reg.WithinRoots(filepath.Join(root, "new-project")))
	require.False(t, reg.WithinRoots(filepath.Join(root, "a", "b")))
	require.False(t, reg.WithinRoots(filepath.Join(root, "..", "outside")))
	require.False(t, reg.WithinRoots(root))
}
