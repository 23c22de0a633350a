package smb

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/filemanager/internal/storage"
)

func TestNewRejects(t *testing.T) {
	mount := t.TempDir()
	file := filepath.Join(mount, "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no mount path", Config{Share: "//nas/share"}},
		{"not mounted", Config{Share: "//nas/share", MountPath: filepath.Join(mount, "missing")}},
		{"mount is a file", Config{MountPath: file}},
		{"subdir escapes", Config{MountPath: mount, Subdir: "../other"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestNewFromJSONWritesIntoMount(t *testing.T) {
	mount := t.TempDir()
	raw, _ := json.Marshal(map[string]string{"share": "//nas/share", "mount_path": mount})

	b, err := NewFromJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, "smb", b.Type())
	assert.Equal(t, "//nas/share", b.Share())

	ctx := context.Background()
	require.NoError(t, b.WriteStream(ctx, "x.txt", strings.NewReader("x"), storage.WriteOptions{Size: 1}))
	assert.FileExists(t, filepath.Join(mount, "x.txt"))

	// The write check leaves nothing behind.
	entries, err := b.ListContents(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "x.txt", entries[0].Name)
}

func TestSubdirIsCreatedAndRoots(t *testing.T) {
	mount := t.TempDir()

	b, err := New(Config{MountPath: mount, Subdir: "team/docs"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(mount, "team", "docs"), b.Root())

	ctx := context.Background()
	require.NoError(t, b.CreateDirectory(ctx, "reports"))
	assert.DirExists(t, filepath.Join(mount, "team", "docs", "reports"))
}
