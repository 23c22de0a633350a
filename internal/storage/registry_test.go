package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_UnknownDriver(t *testing.T) {
	r := NewRegistry()

	_, err := r.Open(context.Background(), "ftp", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDriverNotSupported)
	assert.False(t, r.Supports("ftp"))
}

func TestRegistry_OpenPassesSettings(t *testing.T) {
	r := NewRegistry()

	var got json.RawMessage
	r.Register("fake", func(_ context.Context, raw json.RawMessage) (Backend, error) {
		got = raw
		return nil, nil
	})

	_, err := r.Open(context.Background(), "fake", json.RawMessage(`{"root":"x"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"root":"x"}`, string(got))

	_, err = r.Open(context.Background(), "fake", nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register("bad", func(context.Context, json.RawMessage) (Backend, error) {
		return nil, boom
	})

	_, err := r.Open(context.Background(), "bad", nil)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrDriverNotSupported)
}

func TestRegistry_Drivers(t *testing.T) {
	r := NewRegistry()
	r.Register("s3", nil)
	r.Register("local", nil)

	assert.Equal(t, []string{"local", "s3"}, r.Drivers())
	assert.True(t, r.Supports("local"))
}

func TestVisibilityValid(t *testing.T) {
	assert.True(t, Public.Valid())
	assert.True(t, Private.Valid())
	assert.False(t, Visibility("shared").Valid())
}
