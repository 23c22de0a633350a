package filemanager

import (
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/pathutil"
	"github.com/fruitsalade/filemanager/internal/storage"
)

// Kind classifies a service failure.
type Kind int

const (
	Unknown Kind = iota
	InvalidPath
	DriverNotSupported
	FolderAlreadyExists
	Conflict
	NotFound
	ValidationFailed
	BackendUnavailable
	ListingFailed
	PermissionDenied
)

var kindNames = map[Kind]string{
	Unknown:             "unknown",
	InvalidPath:         "invalid_path",
	DriverNotSupported:  "driver_not_supported",
	FolderAlreadyExists: "folder_already_exists",
	Conflict:            "conflict",
	NotFound:            "not_found",
	ValidationFailed:    "validation_failed",
	BackendUnavailable:  "backend_unavailable",
	ListingFailed:       "listing_failed",
	PermissionDenied:    "permission_denied",
}

var kindMessages = map[Kind]string{
	Unknown:             "unexpected error",
	InvalidPath:         "invalid path",
	DriverNotSupported:  "storage driver not supported",
	FolderAlreadyExists: "folder already exists",
	Conflict:            "a file or folder with that name already exists",
	NotFound:            "file or folder not found",
	ValidationFailed:    "upload validation failed",
	BackendUnavailable:  "storage backend unavailable",
	ListingFailed:       "could not list folder",
	PermissionDenied:    "operation not permitted",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[Unknown]
}

// Error is the failure type returned by every Service operation.
//
// The message never contains the text of the wrapped backend error; the
// cause is logged when the Error is built and stays reachable through
// errors.Unwrap for in-process callers.
type Error struct {
	Kind     Kind
	Op       string
	Path     string
	Messages []string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.Path != "" {
			b.WriteString(" ")
			b.WriteString(e.Path)
		}
		b.WriteString(": ")
	}
	b.WriteString(kindMessages[e.Kind])
	if len(e.Messages) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Messages, "; "))
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind that carries no op or path, which
// makes the package sentinels usable with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Path == ""
}

// Sentinels for errors.Is.
var (
	ErrInvalidPath         = &Error{Kind: InvalidPath}
	ErrDriverNotSupported  = &Error{Kind: DriverNotSupported}
	ErrFolderAlreadyExists = &Error{Kind: FolderAlreadyExists}
	ErrConflict            = &Error{Kind: Conflict}
	ErrNotFound            = &Error{Kind: NotFound}
	ErrValidationFailed    = &Error{Kind: ValidationFailed}
	ErrBackendUnavailable  = &Error{Kind: BackendUnavailable}
	ErrListingFailed       = &Error{Kind: ListingFailed}
	ErrPermissionDenied    = &Error{Kind: PermissionDenied}
)

// KindOf returns the Kind of err, or Unknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// MessagesOf returns the per-rule messages carried by a validation failure.
func MessagesOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Messages
	}
	return nil
}

func newError(kind Kind, op, p string) *Error {
	return &Error{Kind: kind, Op: op, Path: p}
}

func invalidPath(op, raw string, err error) *Error {
	return &Error{Kind: InvalidPath, Op: op, Path: raw, Err: err}
}

// backendError classifies a storage failure and logs its cause. fallback is
// used for errors that carry no storage sentinel.
func backendError(op, p string, err error, fallback Kind) *Error {
	kind := fallback
	switch {
	case errors.Is(err, storage.ErrNotExist):
		kind = NotFound
	case errors.Is(err, storage.ErrExist):
		kind = Conflict
	case errors.Is(err, storage.ErrPermission):
		kind = PermissionDenied
	case errors.Is(err, pathutil.ErrInvalidPath):
		kind = InvalidPath
	case errors.Is(err, storage.ErrDriverNotSupported):
		kind = DriverNotSupported
	}

	logging.Warn("storage operation failed",
		zap.String("op", op),
		zap.String("path", p),
		zap.String("kind", kind.String()),
		zap.Error(err),
	)
	return &Error{Kind: kind, Op: op, Path: p, Err: err}
}
