package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/filemanager/internal/storage"
	"github.com/fruitsalade/filemanager/internal/storage/objecttest"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "missing bucket", cfg: Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}, wantErr: true},
		{name: "missing endpoint", cfg: Config{Bucket: "b", AccessKey: "a", SecretKey: "s"}, wantErr: true},
		{name: "missing access key", cfg: Config{Bucket: "b", Endpoint: "localhost:9000", SecretKey: "s"}, wantErr: true},
		{name: "missing secret key", cfg: Config{Bucket: "b", Endpoint: "localhost:9000", AccessKey: "a"}, wantErr: true},
		{name: "valid", cfg: Config{Bucket: "b", Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, defaultConcurrency, tt.cfg.MaxRenameConcurrency)
		})
	}
}

func TestNewFromJSON(t *testing.T) {
	raw := []byte(`{
		"endpoint": "localhost:9000",
		"bucket": "files",
		"access_key": "minioadmin",
		"secret_key": "minioadmin",
		"prefix": "/tenant/"
	}`)

	b, err := NewFromJSON(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "minio", b.Type())
	assert.Equal(t, "tenant/docs/a.txt", b.objectKey("docs/a.txt"))
	assert.Equal(t, "tenant/docs/", b.dirKey("docs"))
	assert.Equal(t, "tenant/", b.dirKey(""))

	u, ok := b.PublicURL("docs/a b.txt")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:9000/files/tenant/docs/a%20b.txt", u)

	_, err = NewFromJSON(context.Background(), []byte(`{"bucket":"files"}`))
	assert.Error(t, err)
}

func TestTranslate(t *testing.T) {
	assert.NoError(t, translate(nil))
	assert.ErrorIs(t, translate(minio.ErrorResponse{Code: "NoSuchKey"}), storage.ErrNotExist)
	assert.ErrorIs(t, translate(minio.ErrorResponse{Code: "NoSuchBucket"}), storage.ErrNotExist)
	assert.ErrorIs(t, translate(minio.ErrorResponse{Code: "AccessDenied"}), storage.ErrPermission)
	wrapped := fmt.Errorf("copy object a to b: %w", minio.ErrorResponse{Code: "AccessDenied"})
	assert.ErrorIs(t, translate(wrapped), storage.ErrPermission)

	other := errors.New("slow down")
	err := translate(other)
	assert.ErrorIs(t, err, other)
	assert.NotErrorIs(t, err, storage.ErrNotExist)
}

func TestVisibilityMetadata(t *testing.T) {
	assert.Equal(t, storage.Private, visibilityFrom(visibilityMetadata(storage.Private)))
	assert.Equal(t, storage.Public, visibilityFrom(visibilityMetadata(storage.Public)))
	assert.Equal(t, storage.Public, visibilityFrom(visibilityMetadata("")))
	assert.Equal(t, storage.Private, visibilityFrom(map[string]string{"visibility": "private"}))
	assert.Equal(t, storage.Public, visibilityFrom(nil))
}

func newTestBackend(t *testing.T) (*MinioBackend, *objecttest.Server) {
	t.Helper()
	srv := objecttest.NewServer(t, "files")
	b, err := New(context.Background(), Config{
		Endpoint:             srv.Host(),
		Bucket:               "files",
		AccessKey:            "minioadmin",
		SecretKey:            "minioadmin",
		Region:               "us-east-1",
		CreateBucket:         true,
		PartSize:             5 << 20,
		MaxRenameConcurrency: 4,
	})
	require.NoError(t, err)
	return b, srv
}

func entriesByName(entries []storage.Entry) map[string]storage.Entry {
	m := make(map[string]storage.Entry, len(entries))
	for _, e := range entries {
		m[e.Name] = e
	}
	return m
}

func TestListContentsMarkersAndPrefixes(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateDirectory(ctx, "docs/empty"))
	srv.Put("docs/a.txt", "alpha")
	srv.Put("docs/imported/b.txt", "beta")
	srv.Put("docs/"+storage.TempPrefix+"upload.tmp", "partial")

	_, ok := srv.Object("docs/empty/")
	require.True(t, ok, "marker object written")

	entries, err := b.ListContents(ctx, "docs")
	require.NoError(t, err)
	got := entriesByName(entries)
	require.Len(t, got, 3)
	assert.True(t, got["empty"].IsDir)
	assert.True(t, got["imported"].IsDir)
	assert.Equal(t, "docs/imported", got["imported"].Path)
	assert.Equal(t, int64(5), got["a.txt"].Size)
	assert.Equal(t, "text/plain; charset=utf-8", got["a.txt"].MimeType)

	empty, err := b.ListContents(ctx, "docs/empty")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = b.ListContents(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotExist)

	ok, err = b.Exists(ctx, "docs/imported")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Exists(ctx, "docs/imp")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteStreamRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		size       int64
		visibility storage.Visibility
		want       storage.Visibility
	}{
		{name: "single put", size: 5, visibility: storage.Private, want: storage.Private},
		{name: "multipart", size: -1, visibility: storage.Private, want: storage.Private},
		{name: "default public", size: 5, want: storage.Public},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, srv := newTestBackend(t)
			ctx := context.Background()

			err := b.WriteStream(ctx, "docs/h.txt", strings.NewReader("hello"), storage.WriteOptions{
				Size:        tt.size,
				ContentType: "text/plain",
				Visibility:  tt.visibility,
			})
			require.NoError(t, err)
			assert.Zero(t, srv.Uploads())

			obj, ok := srv.Object("docs/h.txt")
			require.True(t, ok)
			assert.Equal(t, "hello", string(obj.Data))
			assert.Equal(t, string(tt.want), obj.Meta["Visibility"])

			rc, err := b.ReadStream(ctx, "docs/h.txt")
			require.NoError(t, err)
			data, err := io.ReadAll(rc)
			rc.Close()
			require.NoError(t, err)
			assert.Equal(t, "hello", string(data))

			info, err := b.Metadata(ctx, "docs/h.txt")
			require.NoError(t, err)
			assert.Equal(t, int64(5), info.Size)
			assert.Equal(t, "text/plain", info.MimeType)

			v, err := b.Visibility(ctx, "docs/h.txt")
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestWriteStreamFailureAbortsUpload(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()
	errGone := errors.New("client went away")

	body := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errGone))
	err := b.WriteStream(ctx, "docs/bad.txt", body, storage.WriteOptions{Size: -1})
	require.ErrorIs(t, err, errGone)

	_, ok := srv.Object("docs/bad.txt")
	assert.False(t, ok)
	assert.Zero(t, srv.Uploads(), "multipart upload aborted")

	_, err = b.ReadStream(ctx, "docs/bad.txt")
	assert.ErrorIs(t, err, storage.ErrNotExist)
}

func TestSetVisibilityRewritesMetadata(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.WriteStream(ctx, "a.txt", strings.NewReader("a"), storage.WriteOptions{
		Size:       1,
		Visibility: storage.Public,
	}))
	require.NoError(t, b.SetVisibility(ctx, "a.txt", storage.Private))

	obj, ok := srv.Object("a.txt")
	require.True(t, ok)
	assert.Equal(t, "private", obj.Meta["Visibility"])
	assert.Equal(t, "a", string(obj.Data))

	v, err := b.Visibility(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, storage.Private, v)

	require.NoError(t, b.CreateDirectory(ctx, "docs"))
	require.NoError(t, b.SetVisibility(ctx, "docs", storage.Private))
	v, err = b.Visibility(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, storage.Public, v)

	_, err = b.Visibility(ctx, "missing.txt")
	assert.ErrorIs(t, err, storage.ErrNotExist)
	assert.ErrorIs(t, b.SetVisibility(ctx, "missing.txt", storage.Public), storage.ErrNotExist)
}

func TestMoveFolder(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateDirectory(ctx, "src/sub"))
	require.NoError(t, b.WriteStream(ctx, "src/a.txt", strings.NewReader("a"), storage.WriteOptions{
		Size:       1,
		Visibility: storage.Private,
	}))
	srv.Put("src/sub/b.txt", "b")

	require.NoError(t, b.Move(ctx, "src", "dest/moved"))
	assert.Equal(t, []string{
		"dest/",
		"dest/moved/",
		"dest/moved/a.txt",
		"dest/moved/sub/",
		"dest/moved/sub/b.txt",
	}, srv.Keys())

	v, err := b.Visibility(ctx, "dest/moved/a.txt")
	require.NoError(t, err)
	assert.Equal(t, storage.Private, v, "metadata travels with the copy")

	require.NoError(t, b.Move(ctx, "dest/moved/a.txt", "a.txt"))
	_, ok := srv.Object("dest/moved/a.txt")
	assert.False(t, ok)
	_, ok = srv.Object("a.txt")
	assert.True(t, ok)

	assert.ErrorIs(t, b.Move(ctx, "dest", "a.txt"), storage.ErrExist)
	assert.ErrorIs(t, b.Move(ctx, "nope", "elsewhere"), storage.ErrNotExist)
}

func TestMoveFolderCopyFailureKeepsSources(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()
	srv.Put("src/a.txt", "a")
	srv.Put("src/b.txt", "b")
	srv.Deny("src/b.txt")

	err := b.Move(ctx, "src", "dst")
	require.ErrorIs(t, err, storage.ErrPermission)

	for _, key := range []string{"src/a.txt", "src/b.txt"} {
		_, ok := srv.Object(key)
		assert.True(t, ok, key)
	}
}

func TestDeleteDirectoryAndFile(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateDirectory(ctx, "docs/sub"))
	srv.Put("docs/a.txt", "a")
	srv.Put("docs/sub/b.txt", "b")
	srv.Put("docsx/c.txt", "c")
	srv.Put("keep.txt", "k")

	require.NoError(t, b.DeleteDirectory(ctx, "docs"))
	assert.Equal(t, []string{"docsx/c.txt", "keep.txt"}, srv.Keys())
	assert.ErrorIs(t, b.DeleteDirectory(ctx, "docs"), storage.ErrNotExist)

	require.NoError(t, b.Delete(ctx, "keep.txt"))
	assert.Equal(t, []string{"docsx/c.txt"}, srv.Keys())
	assert.ErrorIs(t, b.Delete(ctx, "keep.txt"), storage.ErrNotExist)
}
