// Package drivers wires the built-in storage drivers into a registry.
package drivers

import (
	"context"
	"encoding/json"

	"github.com/fruitsalade/filemanager/internal/storage"
	"github.com/fruitsalade/filemanager/internal/storage/local"
	"github.com/fruitsalade/filemanager/internal/storage/memory"
	"github.com/fruitsalade/filemanager/internal/storage/minio"
	s3backend "github.com/fruitsalade/filemanager/internal/storage/s3"
	"github.com/fruitsalade/filemanager/internal/storage/smb"
)

// Default returns a registry with every built-in driver.
func Default() *storage.Registry {
	r := storage.NewRegistry()
	r.Register("local", func(_ context.Context, raw json.RawMessage) (storage.Backend, error) {
		return local.NewFromJSON(raw)
	})
	r.Register("smb", func(_ context.Context, raw json.RawMessage) (storage.Backend, error) {
		return smb.NewFromJSON(raw)
	})
	r.Register("memory", func(_ context.Context, raw json.RawMessage) (storage.Backend, error) {
		return memory.NewFromJSON(raw)
	})
	r.Register("s3", func(ctx context.Context, raw json.RawMessage) (storage.Backend, error) {
		return s3backend.NewBackendFromJSON(ctx, raw)
	})
	r.Register("minio", func(ctx context.Context, raw json.RawMessage) (storage.Backend, error) {
		return minio.NewFromJSON(ctx, raw)
	})
	return r
}
