package drivers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/filemanager/internal/storage"
)

func TestDefault_Drivers(t *testing.T) {
	r := Default()
	assert.Equal(t, []string{"local", "memory", "minio", "s3", "smb"}, r.Drivers())
}

func TestDefault_OpenLocalAndMemory(t *testing.T) {
	r := Default()
	ctx := context.Background()

	raw, _ := json.Marshal(map[string]string{"root_path": t.TempDir()})
	b, err := r.Open(ctx, "local", raw)
	require.NoError(t, err)
	assert.Equal(t, "local", b.Type())

	b, err = r.Open(ctx, "memory", nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", b.Type())
}

func TestDefault_UnknownDriver(t *testing.T) {
	_, err := Default().Open(context.Background(), "dropbox", nil)
	assert.ErrorIs(t, err, storage.ErrDriverNotSupported)
}

func TestDefault_BadSettings(t *testing.T) {
	_, err := Default().Open(context.Background(), "local", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrDriverNotSupported)
}
