// Package storage defines the Backend interface implemented by every disk
// driver and a Registry used to construct drivers from configuration.
package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"
)

var (
	// ErrNotExist is returned when a file or directory does not exist.
	// Re-exported from io/fs so drivers and callers can use either.
	ErrNotExist = fs.ErrNotExist

	// ErrExist is returned when the target of a write or move is occupied.
	ErrExist = fs.ErrExist

	// ErrPermission is returned when the backend refuses access.
	ErrPermission = fs.ErrPermission

	// ErrDriverNotSupported is returned by Registry.Open for unknown driver ids.
	ErrDriverNotSupported = errors.New("storage driver not supported")
)

// Visibility controls whether a file is reachable without the service.
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == Public || v == Private
}

// Entry is one child returned by ListContents.
type Entry struct {
	Name         string
	Path         string
	IsDir        bool
	Size         int64
	LastModified time.Time
	MimeType     string
}

// Info describes a single path.
type Info struct {
	Size         int64
	MimeType     string
	LastModified time.Time
	IsDir        bool
}

// WriteOptions tunes a WriteStream call. Size is -1 when unknown.
type WriteOptions struct {
	Visibility  Visibility
	ContentType string
	Size        int64
}

// Backend is the contract every disk driver implements. Paths are always
// resolved, root-relative and slash separated; the root is "".
type Backend interface {
	// Exists reports whether a file or directory exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	// ListContents returns the immediate children of a directory.
	ListContents(ctx context.Context, dir string) ([]Entry, error)

	// CreateDirectory creates dir and any missing parents.
	CreateDirectory(ctx context.Context, dir string) error

	// DeleteDirectory removes dir and everything below it.
	DeleteDirectory(ctx context.Context, dir string) error

	// Delete removes a single file.
	Delete(ctx context.Context, path string) error

	// Move relocates a file or directory. It fails with ErrNotExist when src
	// is missing and ErrExist when dst is occupied. Parents of dst are
	// created as needed.
	Move(ctx context.Context, src, dst string) error

	// WriteStream copies r to path. The file becomes visible only once the
	// copy completed; a failed or cancelled write leaves nothing behind.
	WriteStream(ctx context.Context, path string, r io.Reader, opts WriteOptions) error

	// ReadStream opens path for reading.
	ReadStream(ctx context.Context, path string) (io.ReadCloser, error)

	// Metadata returns size, mime type and modification time for path.
	Metadata(ctx context.Context, path string) (Info, error)

	// Visibility returns the visibility of path.
	Visibility(ctx context.Context, path string) (Visibility, error)

	// SetVisibility changes the visibility of path.
	SetVisibility(ctx context.Context, path string, v Visibility) error

	// PublicURL returns a direct URL for path when the backend exposes one.
	PublicURL(path string) (string, bool)

	// Type returns the driver identifier ("local", "s3", ...).
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
