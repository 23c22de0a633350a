// Package smb serves a CIFS share that the host has already mounted.
// Credentials belong to the mount (mount.cifs or fstab), so the driver only
// checks that the mount point is usable and then reuses the local driver.
package smb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/storage"
	"github.com/fruitsalade/filemanager/internal/storage/local"
)

// Config holds the smb driver settings.
type Config struct {
	Share     string `json:"share"` // //fileserver/share, reported in logs
	MountPath string `json:"mount_path"`
	// Subdir limits the disk to a folder inside the share.
	Subdir  string `json:"subdir"`
	BaseURL string `json:"base_url"`
	// ReadOnlyOK accepts a mount the service cannot write to.
	ReadOnlyOK bool `json:"read_only_ok"`
}

// Backend is a local backend rooted inside the mounted share.
type Backend struct {
	*local.LocalBackend
	share string
	root  string
}

// New checks the mount and opens the share.
func New(cfg Config) (*Backend, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}
	if strings.Contains(filepath.ToSlash(cfg.Subdir), "..") {
		return nil, fmt.Errorf("subdir %q leaves the share", cfg.Subdir)
	}

	info, err := os.Stat(cfg.MountPath)
	if err != nil {
		return nil, fmt.Errorf("share %s not mounted at %s: %w", cfg.Share, cfg.MountPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("mount path %s is not a directory", cfg.MountPath)
	}

	root := filepath.Join(cfg.MountPath, filepath.FromSlash(cfg.Subdir))
	lb, err := local.New(local.Config{
		RootPath:   root,
		CreateDirs: cfg.Subdir != "",
		BaseURL:    cfg.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("open share %s: %w", cfg.Share, err)
	}

	if err := checkWritable(root); err != nil {
		if !cfg.ReadOnlyOK {
			return nil, fmt.Errorf("share %s is not writable: %w", cfg.Share, err)
		}
		logging.Warn("smb share mounted read-only",
			zap.String("share", cfg.Share),
			zap.String("root", root))
	}

	logging.Info("smb share opened",
		zap.String("share", cfg.Share),
		zap.String("root", root))
	return &Backend{LocalBackend: lb, share: cfg.Share, root: root}, nil
}

// NewFromJSON decodes the disk settings and calls New.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse smb config: %w", err)
	}
	return New(cfg)
}

// checkWritable creates and removes a hidden file below root. A stale CIFS
// mount usually passes Stat but fails here.
func checkWritable(root string) error {
	f, err := os.CreateTemp(root, ".fm-writecheck-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Share returns the configured share name.
func (b *Backend) Share() string { return b.share }

// Root returns the directory the disk is rooted at.
func (b *Backend) Root() string { return b.root }

func (b *Backend) Type() string { return "smb" }

var _ storage.Backend = (*Backend)(nil)
