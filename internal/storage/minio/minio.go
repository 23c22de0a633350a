// Package minio provides a MinIO storage backend built on minio-go.
//
// Uploads stream straight into multipart PutObject calls without knowing the
// size up front. Visibility is kept as object user metadata because MinIO
// does not implement object ACLs.
package minio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/metrics"
	"github.com/fruitsalade/filemanager/internal/retry"
	"github.com/fruitsalade/filemanager/internal/storage"
)

const (
	visibilityKey      = "Visibility"
	defaultConcurrency = 10
	markerContentType  = "application/x-directory"
)

// Config holds MinIO backend settings.
type Config struct {
	Endpoint  string `json:"endpoint"` // host:port, no scheme
	Bucket    string `json:"bucket"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	UseSSL    bool   `json:"use_ssl"`
	Prefix    string `json:"prefix"`
	PublicURL string `json:"public_url"`

	// CreateBucket makes the bucket at startup when it is missing.
	CreateBucket bool `json:"create_bucket"`

	// PartSize is the multipart part size for unknown-size uploads.
	// Zero uses the SDK default.
	PartSize uint64 `json:"part_size"`

	// MaxRenameConcurrency limits concurrent copies during folder moves.
	MaxRenameConcurrency int `json:"max_rename_concurrency"`
}

// validate checks required fields and fills defaults.
func (c *Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.AccessKey == "" {
		return fmt.Errorf("access key is required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("secret key is required")
	}
	if c.MaxRenameConcurrency <= 0 {
		c.MaxRenameConcurrency = defaultConcurrency
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	return nil
}

// MinioBackend implements storage.Backend on a MinIO bucket.
type MinioBackend struct {
	client      *minio.Client
	bucket      string
	prefix      string
	publicURL   string
	partSize    uint64
	concurrency int
}

// New creates a MinIO backend. No request is made unless CreateBucket is set.
func New(ctx context.Context, cfg Config) (*MinioBackend, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + cfg.Endpoint + "/" + cfg.Bucket
	}

	b := &MinioBackend{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      cfg.Prefix,
		publicURL:   publicURL,
		partSize:    cfg.PartSize,
		concurrency: cfg.MaxRenameConcurrency,
	}

	if cfg.CreateBucket {
		if err := b.ensureBucket(ctx, cfg.Region); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// NewFromJSON creates a MinioBackend from raw JSON config.
func NewFromJSON(ctx context.Context, raw json.RawMessage) (*MinioBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse minio config: %w", err)
	}
	return New(ctx, cfg)
}

func (m *MinioBackend) record(op string, start time.Time, err error) {
	metrics.RecordStorageOperation("minio", op, time.Since(start), err == nil)
}

func (m *MinioBackend) ensureBucket(ctx context.Context, region string) error {
	var ok bool
	err := retry.Do(ctx, retry.Bootstrap(), "minio bucket_exists", func(ctx context.Context) error {
		start := time.Now()
		exists, err := m.client.BucketExists(ctx, m.bucket)
		m.record("bucket_exists", start, err)
		if err != nil {
			if err := translate(err); errors.Is(err, storage.ErrPermission) {
				return err
			}
			return retry.Retryable(err)
		}
		ok = exists
		return nil
	})
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, translate(err))
	}
	if ok {
		return nil
	}
	start := time.Now()
	err = m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: region})
	m.record("make_bucket", start, err)
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", m.bucket, translate(err))
	}
	logging.Info("created MinIO bucket", zap.String("bucket", m.bucket))
	return nil
}

// translate converts MinIO error responses, wrapped or not, to storage
// errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return storage.ErrNotExist
		case "AccessDenied":
			return storage.ErrPermission
		}
	}
	return fmt.Errorf("minio: %w", err)
}

func pathError(op, p string, err error) error {
	return fmt.Errorf("%s %s: %w", op, p, translate(err))
}

func (m *MinioBackend) objectKey(p string) string {
	switch {
	case m.prefix == "":
		return p
	case p == "":
		return m.prefix
	default:
		return m.prefix + "/" + p
	}
}

func (m *MinioBackend) dirKey(p string) string {
	k := m.objectKey(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func (m *MinioBackend) stat(ctx context.Context, p string) (minio.ObjectInfo, error) {
	start := time.Now()
	info, err := m.client.StatObject(ctx, m.bucket, m.objectKey(p), minio.StatObjectOptions{})
	m.record("stat_object", start, err)
	return info, err
}

func (m *MinioBackend) fileExists(ctx context.Context, p string) (bool, error) {
	if p == "" {
		return false, nil
	}
	_, err := m.stat(ctx, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(translate(err), storage.ErrNotExist) {
		return false, nil
	}
	return false, pathError("stat", p, err)
}

func (m *MinioBackend) dirExists(ctx context.Context, p string) (bool, error) {
	if p == "" {
		return true, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:  m.dirKey(p),
		MaxKeys: 1,
	}) {
		if obj.Err != nil {
			return false, pathError("stat", p, obj.Err)
		}
		return true, nil
	}
	return false, nil
}

// Exists reports whether a file or folder exists at p.
func (m *MinioBackend) Exists(ctx context.Context, p string) (bool, error) {
	ok, err := m.fileExists(ctx, p)
	if err != nil || ok {
		return ok, err
	}
	return m.dirExists(ctx, p)
}

// ListContents lists the immediate children of dir.
func (m *MinioBackend) ListContents(ctx context.Context, dir string) ([]storage.Entry, error) {
	prefix := m.dirKey(dir)
	start := time.Now()

	var entries []storage.Entry
	sawMarker := false
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if obj.Err != nil {
			m.record("list_objects", start, obj.Err)
			return nil, pathError("list", dir, obj.Err)
		}
		if obj.Key == prefix {
			sawMarker = true
			continue
		}

		name := strings.TrimPrefix(obj.Key, prefix)
		isDir := strings.HasSuffix(name, "/")
		name = strings.TrimSuffix(name, "/")
		if name == "" || storage.IsTemp(name) {
			continue
		}

		e := storage.Entry{
			Name:  name,
			Path:  path.Join(dir, name),
			IsDir: isDir,
		}
		if !isDir {
			e.Size = obj.Size
			e.LastModified = obj.LastModified
			e.MimeType = mime.TypeByExtension(path.Ext(name))
		}
		entries = append(entries, e)
	}
	m.record("list_objects", start, nil)

	if dir != "" && !sawMarker && len(entries) == 0 {
		return nil, fmt.Errorf("list %s: %w", dir, storage.ErrNotExist)
	}
	return entries, nil
}

// CreateDirectory writes marker objects for dir and its ancestors.
func (m *MinioBackend) CreateDirectory(ctx context.Context, dir string) error {
	var cur string
	for _, seg := range strings.Split(dir, "/") {
		if seg == "" {
			continue
		}
		cur = path.Join(cur, seg)
		start := time.Now()
		_, err := m.client.PutObject(ctx, m.bucket, m.dirKey(cur), strings.NewReader(""), 0,
			minio.PutObjectOptions{ContentType: markerContentType})
		m.record("put_object", start, err)
		if err != nil {
			return pathError("mkdir", cur, err)
		}
	}
	return nil
}

func (m *MinioBackend) listKeys(ctx context.Context, dir string) ([]string, error) {
	var keys []string
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    m.dirKey(dir),
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (m *MinioBackend) removeKeys(ctx context.Context, keys []string) error {
	objectsCh := make(chan minio.ObjectInfo, len(keys))
	for _, k := range keys {
		objectsCh <- minio.ObjectInfo{Key: k}
	}
	close(objectsCh)

	start := time.Now()
	var firstErr error
	for res := range m.client.RemoveObjects(ctx, m.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if res.Err != nil && firstErr == nil {
			firstErr = res.Err
		}
	}
	m.record("remove_objects", start, firstErr)
	return firstErr
}

// DeleteDirectory removes every object under dir.
func (m *MinioBackend) DeleteDirectory(ctx context.Context, dir string) error {
	keys, err := m.listKeys(ctx, dir)
	if err != nil {
		return pathError("delete dir", dir, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("delete dir %s: %w", dir, storage.ErrNotExist)
	}
	if err := m.removeKeys(ctx, keys); err != nil {
		return pathError("delete dir", dir, err)
	}
	return nil
}

// Delete removes a single file object.
func (m *MinioBackend) Delete(ctx context.Context, p string) error {
	ok, err := m.fileExists(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("delete %s: %w", p, storage.ErrNotExist)
	}
	start := time.Now()
	err = m.client.RemoveObject(ctx, m.bucket, m.objectKey(p), minio.RemoveObjectOptions{})
	m.record("remove_object", start, err)
	if err != nil {
		return pathError("delete", p, err)
	}
	return nil
}

func (m *MinioBackend) copyObject(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	_, err := m.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: m.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: m.bucket, Object: srcKey},
	)
	m.record("copy_object", start, err)
	if err != nil {
		return fmt.Errorf("copy object %s to %s: %w", srcKey, dstKey, err)
	}
	return nil
}

// Move copies then removes. Folder moves copy with bounded concurrency and
// are not atomic across objects.
func (m *MinioBackend) Move(ctx context.Context, src, dst string) error {
	if ok, err := m.Exists(ctx, dst); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("move %s -> %s: %w", src, dst, storage.ErrExist)
	}
	if parent := path.Dir(dst); parent != "." {
		if err := m.CreateDirectory(ctx, parent); err != nil {
			return err
		}
	}

	isFile, err := m.fileExists(ctx, src)
	if err != nil {
		return err
	}
	if isFile {
		srcKey := m.objectKey(src)
		if err := m.copyObject(ctx, srcKey, m.objectKey(dst)); err != nil {
			return pathError("move", src, err)
		}
		if err := m.removeKeys(ctx, []string{srcKey}); err != nil {
			return pathError("move", src, err)
		}
		return nil
	}

	keys, err := m.listKeys(ctx, src)
	if err != nil {
		return pathError("move", src, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("move %s: %w", src, storage.ErrNotExist)
	}

	copied, err := m.parallelCopy(ctx, keys, m.dirKey(src), m.dirKey(dst))
	if err != nil {
		return pathError("move", src, err)
	}
	if err := m.removeKeys(ctx, copied); err != nil {
		return pathError("move", src, err)
	}
	return nil
}

// parallelCopy copies keys from oldPrefix to newPrefix using a bounded
// worker pool and returns the keys that were copied.
func (m *MinioBackend) parallelCopy(ctx context.Context, keys []string, oldPrefix, newPrefix string) ([]string, error) {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.concurrency)

	var copiedMu sync.Mutex
	copied := make([]string, 0, len(keys))

	for _, key := range keys {
		eg.Go(func() error {
			newKey := newPrefix + strings.TrimPrefix(key, oldPrefix)
			if err := m.copyObject(egCtx, key, newKey); err != nil {
				return err
			}
			copiedMu.Lock()
			copied = append(copied, key)
			copiedMu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return copied, fmt.Errorf("parallel copy failed: %w", err)
	}
	return copied, nil
}

func visibilityMetadata(v storage.Visibility) map[string]string {
	if !v.Valid() {
		v = storage.Public
	}
	return map[string]string{visibilityKey: string(v)}
}

func visibilityFrom(meta map[string]string) storage.Visibility {
	for k, v := range meta {
		if strings.EqualFold(k, visibilityKey) && v == string(storage.Private) {
			return storage.Private
		}
	}
	return storage.Public
}

// WriteStream streams r into a multipart upload. MinIO aborts incomplete
// multipart uploads, so a failed write leaves no object.
func (m *MinioBackend) WriteStream(ctx context.Context, p string, r io.Reader, opts storage.WriteOptions) error {
	size := opts.Size
	if size < 0 {
		size = -1
	}
	putOpts := minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: visibilityMetadata(opts.Visibility),
		PartSize:     m.partSize,
	}

	start := time.Now()
	info, err := m.client.PutObject(ctx, m.bucket, m.objectKey(p), storage.ContextReader(ctx, r), size, putOpts)
	m.record("put_object", start, err)
	if err != nil {
		return pathError("write", p, err)
	}

	logging.Debug("MinIO put object", zap.String("path", p), zap.Int64("size", info.Size))
	return nil
}

// ReadStream opens an object for reading.
func (m *MinioBackend) ReadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	if _, err := m.stat(ctx, p); err != nil {
		return nil, pathError("open", p, err)
	}
	start := time.Now()
	obj, err := m.client.GetObject(ctx, m.bucket, m.objectKey(p), minio.GetObjectOptions{})
	m.record("get_object", start, err)
	if err != nil {
		return nil, pathError("open", p, err)
	}
	return obj, nil
}

// Metadata returns object metadata, or a directory Info for prefixes.
func (m *MinioBackend) Metadata(ctx context.Context, p string) (storage.Info, error) {
	if p != "" {
		info, err := m.stat(ctx, p)
		if err == nil {
			return storage.Info{
				Size:         info.Size,
				MimeType:     info.ContentType,
				LastModified: info.LastModified,
			}, nil
		}
		if !errors.Is(translate(err), storage.ErrNotExist) {
			return storage.Info{}, pathError("stat", p, err)
		}
	}

	ok, err := m.dirExists(ctx, p)
	if err != nil {
		return storage.Info{}, err
	}
	if !ok {
		return storage.Info{}, fmt.Errorf("stat %s: %w", p, storage.ErrNotExist)
	}
	return storage.Info{IsDir: true}, nil
}

// Visibility reads the visibility user metadata. Folders are public.
func (m *MinioBackend) Visibility(ctx context.Context, p string) (storage.Visibility, error) {
	if p != "" {
		info, err := m.stat(ctx, p)
		if err == nil {
			return visibilityFrom(info.UserMetadata), nil
		}
		if !errors.Is(translate(err), storage.ErrNotExist) {
			return "", pathError("visibility", p, err)
		}
	}
	ok, err := m.dirExists(ctx, p)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("visibility %s: %w", p, storage.ErrNotExist)
	}
	return storage.Public, nil
}

// SetVisibility rewrites the object's metadata in place.
func (m *MinioBackend) SetVisibility(ctx context.Context, p string, v storage.Visibility) error {
	isFile, err := m.fileExists(ctx, p)
	if err != nil {
		return err
	}
	if !isFile {
		if ok, err := m.dirExists(ctx, p); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("set visibility %s: %w", p, storage.ErrNotExist)
		}
		return nil
	}

	key := m.objectKey(p)
	start := time.Now()
	_, err = m.client.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          m.bucket,
			Object:          key,
			ReplaceMetadata: true,
			UserMetadata:    visibilityMetadata(v),
		},
		minio.CopySrcOptions{Bucket: m.bucket, Object: key},
	)
	m.record("copy_object", start, err)
	if err != nil {
		return pathError("set visibility", p, err)
	}
	return nil
}

// PublicURL returns the object URL under the public base.
func (m *MinioBackend) PublicURL(p string) (string, bool) {
	u, err := url.JoinPath(m.publicURL, strings.Split(m.objectKey(p), "/")...)
	if err != nil {
		return "", false
	}
	return u, true
}

// Type returns "minio".
func (m *MinioBackend) Type() string { return "minio" }

// Close is a no-op.
func (m *MinioBackend) Close() error { return nil }

var _ storage.Backend = (*MinioBackend)(nil)
