package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/filemanager/internal/storage"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "filemanager.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	driver, raw, err := cfg.Disk(cfg.DefaultDisk)
	require.NoError(t, err)
	assert.Equal(t, "local", driver)

	var settings map[string]any
	require.NoError(t, json.Unmarshal(raw, &settings))
	assert.Equal(t, "./storage", settings["root_path"])
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(FileEnv, "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "local", cfg.DefaultDisk)
	assert.True(t, cfg.Buttons.Upload)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
server:
  listen_addr: ":9000"
  shutdown_timeout: 5s
default_disk: media
disks:
  media:
    driver: minio
    settings:
      endpoint: localhost:9000
      bucket: media
      access_key: key
      secret_key: secret
default_visibility: private
buttons:
  delete_folder: false
filters:
  pics: [jpg, png]
upload:
  max_size_kb: 2048
  rules:
    - "mimes:jpg,png"
links:
  secret: 0123456789abcdef0123456789abcdef
  ttl: 1h
`)
	t.Setenv(FileEnv, path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, ":9090", cfg.Server.MetricsAddr, "unset keys keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, time.Hour, cfg.Links.TTL)
	assert.False(t, cfg.Buttons.DeleteFolder)
	assert.True(t, cfg.Buttons.Upload)
	assert.Equal(t, FilterPresets{"pics": {"jpg", "png"}}, cfg.FilterPresets)

	driver, raw, err := cfg.Disk("media")
	require.NoError(t, err)
	assert.Equal(t, "minio", driver)
	assert.JSONEq(t, `{"endpoint":"localhost:9000","bucket":"media","access_key":"key","secret_key":"secret"}`, string(raw))

	opts, err := cfg.ServiceOptions()
	require.NoError(t, err)
	assert.Equal(t, storage.Private, opts.DefaultVisibility)
	assert.Equal(t, int64(2048<<10), opts.UploadRules.MaxSize)
	assert.Equal(t, []string{"jpg", "png"}, opts.UploadRules.Extensions)
	assert.False(t, opts.Buttons.DeleteFolder)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
server:
  listen_addr: ":9000"
default_visibility: public
`)
	t.Setenv(FileEnv, path)
	t.Setenv("FILEMANAGER_SERVER_LISTEN_ADDR", ":7000")
	t.Setenv("FILEMANAGER_VISIBILITY", "private")
	t.Setenv("FILEMANAGER_BUTTON_UPLOAD", "false")
	t.Setenv("FILEMANAGER_FILTERS", "images=jpg|png; docs=pdf")
	t.Setenv("FILEMANAGER_UPLOAD_RULES", "max:10;mimes:txt,md")
	t.Setenv("FILEMANAGER_HIDDEN", ".*,*.bak")
	t.Setenv("FILEMANAGER_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
	assert.Equal(t, "private", cfg.DefaultVisibility)
	assert.False(t, cfg.Buttons.Upload)
	assert.Equal(t, FilterPresets{"images": {"jpg", "png"}, "docs": {"pdf"}}, cfg.FilterPresets)
	assert.Equal(t, RuleList{"max:10", "mimes:txt,md"}, cfg.Upload.Rules)
	assert.Equal(t, []string{".*", "*.bak"}, cfg.HiddenPatterns)
	assert.Equal(t, "debug", cfg.LogConfig().Level)

	opts, err := cfg.ServiceOptions()
	require.NoError(t, err)
	assert.Equal(t, int64(10<<10), opts.UploadRules.MaxSize)
	assert.Equal(t, []string{"txt", "md"}, opts.UploadRules.Extensions)
}

func TestDiskFromEnv(t *testing.T) {
	t.Setenv(FileEnv, "")
	t.Setenv("FILEMANAGER_DISK_DRIVER", "memory")
	t.Setenv("FILEMANAGER_DISK_SETTINGS", `{"base_url":"https://files.example.com"}`)

	cfg, err := Load()
	require.NoError(t, err)

	driver, raw, err := cfg.Disk(cfg.DefaultDisk)
	require.NoError(t, err)
	assert.Equal(t, "memory", driver)
	assert.JSONEq(t, `{"base_url":"https://files.example.com"}`, string(raw))
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{
			name: "unknown default disk",
			env:  map[string]string{"FILEMANAGER_DEFAULT_DISK": "archive"},
		},
		{
			name: "bad visibility",
			env:  map[string]string{"FILEMANAGER_VISIBILITY": "secret"},
		},
		{
			name: "short link secret",
			env:  map[string]string{"FILEMANAGER_LINK_SECRET": "short"},
		},
		{
			name: "bad upload rule",
			env:  map[string]string{"FILEMANAGER_UPLOAD_RULES": "dimensions:10"},
		},
		{
			name: "malformed filter",
			env:  map[string]string{"FILEMANAGER_FILTERS": "=jpg"},
		},
		{
			name: "settings without driver",
			env:  map[string]string{"FILEMANAGER_DISK_SETTINGS": "{}"},
		},
		{
			name: "bad disk settings",
			env:  map[string]string{"FILEMANAGER_DISK_DRIVER": "local", "FILEMANAGER_DISK_SETTINGS": "{"},
		},
		{
			name: "malformed yaml",
			file: "server: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(FileEnv, "")
			if tt.file != "" {
				t.Setenv(FileEnv, writeFile(t, tt.file))
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}
