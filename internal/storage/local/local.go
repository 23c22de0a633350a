// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/storage"
)

// Permission bits used to express visibility.
const (
	publicFileMode  os.FileMode = 0644
	privateFileMode os.FileMode = 0600
	publicDirMode   os.FileMode = 0755
	privateDirMode  os.FileMode = 0700
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
	BaseURL    string `json:"base_url"` // optional, enables direct public URLs
}

// LocalBackend implements storage.Backend on a directory of the local disk.
type LocalBackend struct {
	rootPath string
	baseURL  string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, publicDirMode); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &LocalBackend{
		rootPath: cfg.RootPath,
		baseURL:  cfg.BaseURL,
	}, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// resolve maps p below the root, following symlinks as if the root were
// "/". A link pointing outside the root resolves to a path inside it.
func (b *LocalBackend) resolve(p string) (string, error) {
	full, err := securejoin.SecureJoin(b.rootPath, filepath.FromSlash(p))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", p, err)
	}
	return full, nil
}

// entry is like resolve but leaves the last element alone, for calls that
// act on a link itself rather than its target.
func (b *LocalBackend) entry(p string) (string, error) {
	if p == "" {
		return b.rootPath, nil
	}
	dir, err := b.resolve(path.Dir(p))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, path.Base(p)), nil
}

// Exists reports whether path exists. A link whose target is missing does
// not exist.
func (b *LocalBackend) Exists(_ context.Context, p string) (bool, error) {
	full, err := b.resolve(p)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return true, nil
}

// ListContents lists the immediate children of dir.
func (b *LocalBackend) ListContents(_ context.Context, dir string) ([]storage.Entry, error) {
	full, err := b.resolve(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("list %s: not a directory: %w", dir, storage.ErrNotExist)
	}

	dirEntries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	entries := make([]storage.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if storage.IsTemp(de.Name()) {
			continue
		}
		child := path.Join(dir, de.Name())
		fi, err := b.childInfo(de, child)
		if err != nil {
			// Removed since ReadDir, or a link with no target in the root.
			continue
		}
		e := storage.Entry{
			Name:         de.Name(),
			Path:         child,
			IsDir:        fi.IsDir(),
			LastModified: fi.ModTime(),
		}
		if !e.IsDir {
			e.Size = fi.Size()
			e.MimeType = mime.TypeByExtension(path.Ext(e.Name))
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (b *LocalBackend) childInfo(de os.DirEntry, child string) (os.FileInfo, error) {
	if de.Type()&os.ModeSymlink == 0 {
		return de.Info()
	}
	target, err := b.resolve(child)
	if err != nil {
		return nil, err
	}
	return os.Stat(target)
}

// CreateDirectory creates dir and any missing parents.
func (b *LocalBackend) CreateDirectory(_ context.Context, dir string) error {
	full, err := b.resolve(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, publicDirMode); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// DeleteDirectory removes dir recursively. A link to a directory is removed
// without touching its target.
func (b *LocalBackend) DeleteDirectory(_ context.Context, dir string) error {
	full, err := b.entry(dir)
	if err != nil {
		return err
	}
	info, err := os.Lstat(full)
	if err != nil {
		return fmt.Errorf("delete dir %s: %w", dir, err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(full); err != nil {
			return fmt.Errorf("delete dir %s: %w", dir, err)
		}
		return nil
	}
	if !info.IsDir() {
		return fmt.Errorf("delete dir %s: not a directory: %w", dir, storage.ErrNotExist)
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("delete dir %s: %w", dir, err)
	}
	return nil
}

// Delete removes a single file.
func (b *LocalBackend) Delete(_ context.Context, p string) error {
	full, err := b.entry(p)
	if err != nil {
		return err
	}
	info, err := os.Lstat(full)
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	if info.IsDir() {
		return fmt.Errorf("delete %s: is a directory: %w", p, storage.ErrNotExist)
	}
	if err := os.Remove(full); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// Move renames src to dst, creating parents of dst.
func (b *LocalBackend) Move(_ context.Context, src, dst string) error {
	srcPath, err := b.entry(src)
	if err != nil {
		return err
	}
	dstPath, err := b.entry(dst)
	if err != nil {
		return err
	}

	if _, err := os.Lstat(srcPath); err != nil {
		return fmt.Errorf("move %s: %w", src, err)
	}
	if _, err := os.Lstat(dstPath); err == nil {
		return fmt.Errorf("move %s -> %s: %w", src, dst, storage.ErrExist)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("move %s -> %s: %w", src, dst, err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), publicDirMode); err != nil {
		return fmt.Errorf("create dirs for %s: %w", dst, err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return fmt.Errorf("move %s -> %s: %w", src, dst, err)
	}
	return nil
}

// WriteStream writes r to path atomically via a temp file in the target
// directory.
func (b *LocalBackend) WriteStream(ctx context.Context, p string, r io.Reader, opts storage.WriteOptions) error {
	full, err := b.entry(p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)

	if err := os.MkdirAll(dir, publicDirMode); err != nil {
		return fmt.Errorf("create dirs for %s: %w", p, err)
	}

	tmp, err := os.CreateTemp(dir, storage.TempPrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", p, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, storage.ContextReader(ctx, r))
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", p, err)
	}

	mode := publicFileMode
	if opts.Visibility == storage.Private {
		mode = privateFileMode
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", p, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", p, err)
	}

	logging.Debug("local write", zap.String("path", p), zap.Int64("size", n))
	return nil
}

// ReadStream opens a file for reading.
func (b *LocalBackend) ReadStream(_ context.Context, p string) (io.ReadCloser, error) {
	full, err := b.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("open %s: is a directory: %w", p, storage.ErrNotExist)
	}
	return f, nil
}

// Metadata stats path and sniffs the mime type of files.
func (b *LocalBackend) Metadata(_ context.Context, p string) (storage.Info, error) {
	full, err := b.resolve(p)
	if err != nil {
		return storage.Info{}, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return storage.Info{}, fmt.Errorf("stat %s: %w", p, err)
	}

	info := storage.Info{
		LastModified: fi.ModTime(),
		IsDir:        fi.IsDir(),
	}
	if info.IsDir {
		return info, nil
	}

	info.Size = fi.Size()
	mt, err := mimetype.DetectFile(full)
	if err != nil {
		return storage.Info{}, fmt.Errorf("detect mime %s: %w", p, err)
	}
	info.MimeType = mt.String()
	return info, nil
}

// Visibility derives visibility from the world-read bit.
func (b *LocalBackend) Visibility(_ context.Context, p string) (storage.Visibility, error) {
	full, err := b.resolve(p)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", p, err)
	}
	if fi.Mode().Perm()&0o004 != 0 {
		return storage.Public, nil
	}
	return storage.Private, nil
}

// SetVisibility changes permission bits on path.
func (b *LocalBackend) SetVisibility(_ context.Context, p string, v storage.Visibility) error {
	full, err := b.resolve(p)
	if err != nil {
		return err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("stat %s: %w", p, err)
	}

	var mode os.FileMode
	switch {
	case fi.IsDir() && v == storage.Public:
		mode = publicDirMode
	case fi.IsDir():
		mode = privateDirMode
	case v == storage.Public:
		mode = publicFileMode
	default:
		mode = privateFileMode
	}
	if err := os.Chmod(full, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", p, err)
	}
	return nil
}

// PublicURL joins path onto the configured base URL.
func (b *LocalBackend) PublicURL(p string) (string, bool) {
	if b.baseURL == "" {
		return "", false
	}
	u, err := url.JoinPath(b.baseURL, p)
	if err != nil {
		return "", false
	}
	return u, true
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

var _ storage.Backend = (*LocalBackend)(nil)
