package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/filemanager/internal/storage"
	"github.com/fruitsalade/filemanager/internal/storage/objecttest"
)

func TestBackendConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BackendConfig
		wantErr bool
	}{
		{name: "missing bucket", cfg: BackendConfig{}, wantErr: true},
		{name: "half credentials", cfg: BackendConfig{Bucket: "b", AccessKey: "k"}, wantErr: true},
		{name: "ambient credentials", cfg: BackendConfig{Bucket: "b"}},
		{name: "static credentials", cfg: BackendConfig{Bucket: "b", AccessKey: "k", SecretKey: "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "us-east-1", tt.cfg.Region)
			assert.Equal(t, defaultConcurrency, tt.cfg.Concurrency)
		})
	}

	cfg := BackendConfig{Bucket: "b", Prefix: "/tenant/files/"}
	require.NoError(t, cfg.validate())
	assert.Equal(t, "tenant/files", cfg.Prefix)
}

func TestNewBackendFromJSON_BadInput(t *testing.T) {
	_, err := NewBackendFromJSON(context.Background(), []byte(`{"bucket":`))
	assert.Error(t, err)

	_, err = NewBackendFromJSON(context.Background(), []byte(`{}`))
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	b := &S3Backend{bucket: "files"}
	assert.Equal(t, "docs/a.txt", b.objectKey("docs/a.txt"))
	assert.Equal(t, "", b.dirKey(""))
	assert.Equal(t, "docs/", b.dirKey("docs"))

	b.prefix = "tenant"
	assert.Equal(t, "tenant/docs/a.txt", b.objectKey("docs/a.txt"))
	assert.Equal(t, "tenant/", b.dirKey(""))
	assert.Equal(t, "tenant/docs/", b.dirKey("docs"))
}

func TestCopySource(t *testing.T) {
	b := &S3Backend{bucket: "files"}
	assert.Equal(t, "files/docs/a%20b%23.txt", b.copySource("docs/a b#.txt"))
}

func TestPublicURL(t *testing.T) {
	b := &S3Backend{bucket: "files"}
	_, ok := b.PublicURL("a.txt")
	assert.False(t, ok)

	b.endpoint = "http://localhost:9000"
	u, ok := b.PublicURL("docs/a b.txt")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:9000/files/docs/a%20b.txt", u)

	b.publicURL = "https://cdn.example.com"
	b.prefix = "tenant"
	u, ok = b.PublicURL("a.txt")
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/tenant/a.txt", u)
}

func TestTranslate(t *testing.T) {
	err := translate("stat", "a.txt", &types.NoSuchKey{})
	assert.ErrorIs(t, err, storage.ErrNotExist)

	err = translate("stat", "a.txt", fmt.Errorf("wrapped: %w", &types.NotFound{}))
	assert.ErrorIs(t, err, storage.ErrNotExist)

	other := errors.New("timeout")
	err = translate("stat", "a.txt", other)
	assert.ErrorIs(t, err, other)
	assert.NotErrorIs(t, err, storage.ErrNotExist)
}

func TestSpool(t *testing.T) {
	f, n, err := spool(context.Background(), strings.NewReader("spooled body"))
	require.NoError(t, err)
	defer os.Remove(f.Name())
	defer f.Close()

	assert.Equal(t, int64(12), n)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "spooled body", string(data))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = spool(ctx, strings.NewReader("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnsureBucketCreatesMissing(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	created := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch {
		case r.Method == http.MethodHead && !created:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPut:
			created = true
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	b, err := NewBackend(context.Background(), BackendConfig{
		Endpoint:  srv.URL,
		Bucket:    "files",
		AccessKey: "key",
		SecretKey: "secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "s3", b.Type())

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, created)
	assert.Equal(t, []string{"HEAD /files", "PUT /files"}, calls)
}

func newTestBackend(t *testing.T) (*S3Backend, *objecttest.Server) {
	t.Helper()
	srv := objecttest.NewServer(t, "files")
	b, err := NewBackend(context.Background(), BackendConfig{
		Endpoint:    srv.URL,
		Bucket:      "files",
		AccessKey:   "key",
		SecretKey:   "secret",
		Concurrency: 4,
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
	srv.Put("other.txt", "x")

	entries, err := b.ListContents(ctx, "docs")
	require.NoError(t, err)
	got := entriesByName(entries)
	require.Len(t, got, 3)
	assert.True(t, got["empty"].IsDir)
	assert.True(t, got["imported"].IsDir, "prefix without a marker is still a folder")
	assert.Equal(t, "docs/imported", got["imported"].Path)
	assert.False(t, got["a.txt"].IsDir)
	assert.Equal(t, int64(5), got["a.txt"].Size)
	assert.Equal(t, "docs/a.txt", got["a.txt"].Path)
	assert.Equal(t, "text/plain; charset=utf-8", got["a.txt"].MimeType)

	root, err := b.ListContents(ctx, "")
	require.NoError(t, err)
	got = entriesByName(root)
	require.Len(t, got, 2)
	assert.True(t, got["docs"].IsDir)
	assert.False(t, got["other.txt"].IsDir)

	empty, err := b.ListContents(ctx, "docs/empty")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = b.ListContents(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotExist)
}

func TestExistsAndMetadata(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()
	srv.Put("docs/imported/b.txt", "beta")

	tests := []struct {
		path  string
		want  bool
		isDir bool
	}{
		{path: "", want: true, isDir: true},
		{path: "docs", want: true, isDir: true},
		{path: "docs/imported", want: true, isDir: true},
		{path: "docs/imported/b.txt", want: true},
		{path: "docs/imp", want: false},
		{path: "nope.txt", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			ok, err := b.Exists(ctx, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)

			info, err := b.Metadata(ctx, tt.path)
			if !tt.want {
				assert.ErrorIs(t, err, storage.ErrNotExist)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.isDir, info.IsDir)
		})
	}
}

func TestWriteStreamRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		body io.Reader
		size int64
	}{
		{name: "seekable with size", body: strings.NewReader("hello"), size: 5},
		{name: "spooled without size", body: io.MultiReader(strings.NewReader("hel"), strings.NewReader("lo")), size: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, srv := newTestBackend(t)
			ctx := context.Background()

			err := b.WriteStream(ctx, "docs/h.txt", tt.body, storage.WriteOptions{
				Size:        tt.size,
				ContentType: "text/plain",
				Visibility:  storage.Public,
			})
			require.NoError(t, err)

			obj, ok := srv.Object("docs/h.txt")
			require.True(t, ok)
			assert.Equal(t, "hello", string(obj.Data))
			assert.True(t, obj.Public)

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
			assert.False(t, info.IsDir)
		})
	}
}

func TestWriteStreamFailureLeavesNoObject(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()
	errGone := errors.New("client went away")

	body := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errGone))
	err := b.WriteStream(ctx, "docs/bad.txt", body, storage.WriteOptions{Size: -1})
	require.ErrorIs(t, err, errGone)

	ok, err := b.Exists(ctx, "docs/bad.txt")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotContains(t, srv.Requests(), "PUT /files/docs/bad.txt")

	_, err = b.ReadStream(ctx, "docs/bad.txt")
	assert.ErrorIs(t, err, storage.ErrNotExist)
}

func TestVisibilityUsesCannedACL(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.WriteStream(ctx, "a.txt", strings.NewReader("a"), storage.WriteOptions{
		Size:       1,
		Visibility: storage.Private,
	}))
	v, err := b.Visibility(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, storage.Private, v)

	require.NoError(t, b.SetVisibility(ctx, "a.txt", storage.Public))
	v, err = b.Visibility(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, storage.Public, v)
	obj, _ := srv.Object("a.txt")
	assert.True(t, obj.Public)

	require.NoError(t, b.SetVisibility(ctx, "a.txt", storage.Private))
	obj, _ = srv.Object("a.txt")
	assert.False(t, obj.Public)

	require.NoError(t, b.CreateDirectory(ctx, "docs"))
	require.NoError(t, b.SetVisibility(ctx, "docs", storage.Private))
	v, err = b.Visibility(ctx, "docs")
	require.NoError(t, err)
	assert.Equal(t, storage.Public, v, "folders have no ACL")

	_, err = b.Visibility(ctx, "missing.txt")
	assert.ErrorIs(t, err, storage.ErrNotExist)
	assert.ErrorIs(t, b.SetVisibility(ctx, "missing.txt", storage.Public), storage.ErrNotExist)
}

func TestMoveFolder(t *testing.T) {
	b, srv := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CreateDirectory(ctx, "src/sub"))
	srv.Put("src/a.txt", "a")
	srv.Put("src/sub/b.txt", "b")
	require.NoError(t, b.SetVisibility(ctx, "src/sub/b.txt", storage.Public))

	require.NoError(t, b.Move(ctx, "src", "dest/moved"))
	assert.Equal(t, []string{
		"dest/",
		"dest/moved/",
		"dest/moved/a.txt",
		"dest/moved/sub/",
		"dest/moved/sub/b.txt",
	}, srv.Keys())

	v, err := b.Visibility(ctx, "dest/moved/sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, storage.Public, v)
	v, err = b.Visibility(ctx, "dest/moved/a.txt")
	require.NoError(t, err)
	assert.Equal(t, storage.Private, v)

	require.NoError(t, b.Move(ctx, "dest/moved/a.txt", "a.txt"))
	_, ok := srv.Object("dest/moved/a.txt")
	assert.False(t, ok)
	obj, ok := srv.Object("a.txt")
	require.True(t, ok)
	assert.Equal(t, "a", string(obj.Data))

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
