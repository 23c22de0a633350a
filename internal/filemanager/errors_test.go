package filemanager

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fruitsalade/filemanager/internal/pathutil"
	"github.com/fruitsalade/filemanager/internal/storage"
)

func TestBackendErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"missing", fmt.Errorf("stat: %w", fs.ErrNotExist), NotFound},
		{"exists", fmt.Errorf("move: %w", storage.ErrExist), Conflict},
		{"permission", fs.ErrPermission, PermissionDenied},
		{"path", pathutil.ErrInvalidPath, InvalidPath},
		{"driver", storage.ErrDriverNotSupported, DriverNotSupported},
		{"other", errors.New("dial tcp 10.0.0.1:9000: connection refused"), BackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := backendError("op", "p", tt.err, BackendUnavailable)
			assert.Equal(t, tt.want, KindOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestErrorHidesCause(t *testing.T) {
	cause := errors.New("AccessKey AKIA123 rejected by 10.0.0.1")
	err := backendError("upload", "docs/a.txt", cause, BackendUnavailable)

	assert.Equal(t, "upload docs/a.txt: storage backend unavailable", err.Error())
	assert.NotContains(t, err.Error(), "AKIA123")
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestErrorMessages(t *testing.T) {
	err := &Error{Kind: ValidationFailed, Op: "upload", Path: "a.exe", Messages: []string{"too big", "wrong type"}}

	assert.Equal(t, "upload a.exe: upload validation failed: too big; wrong type", err.Error())
	assert.Equal(t, []string{"too big", "wrong type"}, MessagesOf(err))
	assert.Nil(t, MessagesOf(errors.New("plain")))
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError(NotFound, "download", "x"))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.Equal(t, NotFound, KindOf(err))
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, "not_found", NotFound.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
