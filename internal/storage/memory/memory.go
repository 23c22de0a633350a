// Package memory provides an in-memory storage backend on top of billy's
// memfs. It is used by tests and by ephemeral deployments.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"

	"github.com/fruitsalade/filemanager/internal/storage"
)

// rootDir holds every stored path so the disk root is an ordinary directory.
const rootDir = "/root"

// Config holds memory backend settings.
type Config struct {
	BaseURL string `json:"base_url"`
}

// MemoryBackend implements storage.Backend in memory. memfs is not safe for
// concurrent use, so mu guards every bfs call as well as visibility. File
// contents are written to a private temp file and never modified after the
// rename, so reads of an open file happen outside the lock.
type MemoryBackend struct {
	baseURL string

	mu         sync.RWMutex
	bfs        billy.Filesystem
	visibility map[string]storage.Visibility
}

// New creates an empty in-memory backend.
func New(cfg Config) (*MemoryBackend, error) {
	bfs := memfs.New()
	if err := bfs.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("create memory root: %w", err)
	}
	return &MemoryBackend{
		bfs:        bfs,
		baseURL:    cfg.BaseURL,
		visibility: make(map[string]storage.Visibility),
	}, nil
}

// NewFromJSON creates a MemoryBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*MemoryBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse memory config: %w", err)
	}
	return New(cfg)
}

func (m *MemoryBackend) fullPath(p string) string {
	if p == "" {
		return rootDir
	}
	return rootDir + "/" + p
}

// Exists reports whether path exists.
func (m *MemoryBackend) Exists(_ context.Context, p string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.exists(p)
}

func (m *MemoryBackend) exists(p string) (bool, error) {
	_, err := m.bfs.Stat(m.fullPath(p))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	return true, nil
}

// ListContents lists the immediate children of dir.
func (m *MemoryBackend) ListContents(_ context.Context, dir string) ([]storage.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	full := m.fullPath(dir)
	fi, err := m.bfs.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("list %s: not a directory: %w", dir, storage.ErrNotExist)
	}

	infos, err := m.bfs.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	entries := make([]storage.Entry, 0, len(infos))
	for _, info := range infos {
		if storage.IsTemp(info.Name()) {
			continue
		}
		e := storage.Entry{
			Name:         info.Name(),
			Path:         path.Join(dir, info.Name()),
			IsDir:        info.IsDir(),
			LastModified: info.ModTime(),
		}
		if !e.IsDir {
			e.Size = info.Size()
			e.MimeType = mime.TypeByExtension(path.Ext(e.Name))
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CreateDirectory creates dir and any missing parents.
func (m *MemoryBackend) CreateDirectory(_ context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.bfs.MkdirAll(m.fullPath(dir), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// DeleteDirectory removes dir recursively.
func (m *MemoryBackend) DeleteDirectory(_ context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	full := m.fullPath(dir)
	fi, err := m.bfs.Stat(full)
	if err != nil {
		return fmt.Errorf("delete dir %s: %w", dir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("delete dir %s: not a directory: %w", dir, storage.ErrNotExist)
	}
	if err := util.RemoveAll(m.bfs, full); err != nil {
		return fmt.Errorf("delete dir %s: %w", dir, err)
	}
	m.forget(dir)
	return nil
}

// Delete removes a single file.
func (m *MemoryBackend) Delete(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	full := m.fullPath(p)
	fi, err := m.bfs.Stat(full)
	if err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("delete %s: is a directory: %w", p, storage.ErrNotExist)
	}
	if err := m.bfs.Remove(full); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	m.forget(p)
	return nil
}

// Move renames src to dst, creating parents of dst.
func (m *MemoryBackend) Move(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	srcPath := m.fullPath(src)
	dstPath := m.fullPath(dst)

	if _, err := m.bfs.Stat(srcPath); err != nil {
		return fmt.Errorf("move %s: %w", src, err)
	}
	if _, err := m.bfs.Stat(dstPath); err == nil {
		return fmt.Errorf("move %s -> %s: %w", src, dst, storage.ErrExist)
	}

	if err := m.bfs.MkdirAll(path.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", dst, err)
	}
	if err := m.bfs.Rename(srcPath, dstPath); err != nil {
		return fmt.Errorf("move %s -> %s: %w", src, dst, err)
	}

	for k, v := range m.visibility {
		if k == src || strings.HasPrefix(k, src+"/") {
			delete(m.visibility, k)
			m.visibility[dst+strings.TrimPrefix(k, src)] = v
		}
	}
	return nil
}

// WriteStream writes r to a temp file in the target directory and renames
// it into place once complete.
func (m *MemoryBackend) WriteStream(ctx context.Context, p string, r io.Reader, opts storage.WriteOptions) error {
	full := m.fullPath(p)
	dir := path.Dir(full)
	tmpName := path.Join(dir, storage.TempPrefix+uuid.NewString()+".tmp")

	m.mu.Lock()
	tmp, err := m.createTemp(dir, tmpName)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", p, err)
	}

	// The copy may block on a slow client; the temp file is ours alone.
	_, copyErr := io.Copy(tmp, storage.ContextReader(ctx, r))

	m.mu.Lock()
	defer m.mu.Unlock()

	closeErr := tmp.Close()
	if copyErr != nil {
		m.bfs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", p, copyErr)
	}
	if closeErr != nil {
		m.bfs.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", p, closeErr)
	}

	if _, err := m.bfs.Stat(full); err == nil {
		if err := m.bfs.Remove(full); err != nil {
			m.bfs.Remove(tmpName)
			return fmt.Errorf("replace %s: %w", p, err)
		}
	}
	if err := m.bfs.Rename(tmpName, full); err != nil {
		m.bfs.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", p, err)
	}

	v := opts.Visibility
	if !v.Valid() {
		v = storage.Public
	}
	m.visibility[p] = v
	return nil
}

func (m *MemoryBackend) createTemp(dir, name string) (billy.File, error) {
	if err := m.bfs.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return m.bfs.Create(name)
}

// ReadStream opens a file for reading.
func (m *MemoryBackend) ReadStream(_ context.Context, p string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	full := m.fullPath(p)
	fi, err := m.bfs.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("open %s: is a directory: %w", p, storage.ErrNotExist)
	}
	f, err := m.bfs.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	return f, nil
}

// Metadata stats path and sniffs the mime type of files.
func (m *MemoryBackend) Metadata(_ context.Context, p string) (storage.Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	full := m.fullPath(p)
	fi, err := m.bfs.Stat(full)
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

	f, err := m.bfs.Open(full)
	if err != nil {
		return storage.Info{}, fmt.Errorf("open %s: %w", p, err)
	}
	defer f.Close()
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return storage.Info{}, fmt.Errorf("detect mime %s: %w", p, err)
	}
	info.MimeType = mt.String()
	return info, nil
}

// Visibility returns the recorded visibility; directories and untracked
// files are public.
func (m *MemoryBackend) Visibility(_ context.Context, p string) (storage.Visibility, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ok, err := m.exists(p); err != nil {
		return "", err
	} else if !ok {
		return "", fmt.Errorf("visibility %s: %w", p, storage.ErrNotExist)
	}
	if v, ok := m.visibility[p]; ok {
		return v, nil
	}
	return storage.Public, nil
}

// SetVisibility records the visibility of path.
func (m *MemoryBackend) SetVisibility(_ context.Context, p string, v storage.Visibility) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok, err := m.exists(p); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("set visibility %s: %w", p, storage.ErrNotExist)
	}
	m.visibility[p] = v
	return nil
}

// PublicURL joins path onto the configured base URL.
func (m *MemoryBackend) PublicURL(p string) (string, bool) {
	if m.baseURL == "" {
		return "", false
	}
	u, err := url.JoinPath(m.baseURL, p)
	if err != nil {
		return "", false
	}
	return u, true
}

// Type returns "memory".
func (m *MemoryBackend) Type() string { return "memory" }

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }

// forget drops visibility below p. Callers hold mu.
func (m *MemoryBackend) forget(p string) {
	for k := range m.visibility {
		if k == p || strings.HasPrefix(k, p+"/") {
			delete(m.visibility, k)
		}
	}
}

var _ storage.Backend = (*MemoryBackend)(nil)
