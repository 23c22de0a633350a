// Package s3 provides an S3-compatible storage backend with metrics.
//
// Folders are represented by zero-byte "key/" marker objects plus common
// prefixes, so empty folders survive and folders created by other tools
// still show up. Visibility maps to canned object ACLs.
package s3

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/metrics"
	"github.com/fruitsalade/filemanager/internal/retry"
	"github.com/fruitsalade/filemanager/internal/storage"
)

const (
	allUsersURI         = "http://acs.amazonaws.com/groups/global/AllUsers"
	defaultConcurrency  = 10
	deleteBatchSize     = 1000
	directoryMarkerType = "application/x-directory"
)

// BackendConfig is the JSON settings block of an s3 disk.
type BackendConfig struct {
	Endpoint    string `json:"endpoint"`
	Bucket      string `json:"bucket"`
	AccessKey   string `json:"access_key"`
	SecretKey   string `json:"secret_key"`
	Region      string `json:"region"`
	Prefix      string `json:"prefix"`
	PublicURL   string `json:"public_url"`
	Concurrency int    `json:"concurrency"`
}

func (c *BackendConfig) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return fmt.Errorf("access_key and secret_key must be set together")
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	return nil
}

// S3Backend implements storage.Backend using S3.
type S3Backend struct {
	client      *s3.Client
	bucket      string
	prefix      string
	endpoint    string
	publicURL   string
	concurrency int
}

// NewBackend creates a new S3 backend from a BackendConfig.
func NewBackend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	backend := &S3Backend{
		client:      client,
		bucket:      cfg.Bucket,
		prefix:      cfg.Prefix,
		endpoint:    strings.TrimSuffix(cfg.Endpoint, "/"),
		publicURL:   cfg.PublicURL,
		concurrency: cfg.Concurrency,
	}

	if err := backend.ensureBucket(ctx); err != nil {
		logging.Error("bucket check failed", zap.Error(err))
	}

	return backend, nil
}

// NewBackendFromJSON creates an S3Backend from raw JSON config.
func NewBackendFromJSON(ctx context.Context, raw json.RawMessage) (*S3Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return NewBackend(ctx, cfg)
}

func (b *S3Backend) record(op string, start time.Time, err error) {
	metrics.RecordStorageOperation("s3", op, time.Since(start), err == nil)
}

func (b *S3Backend) ensureBucket(ctx context.Context) error {
	err := retry.Do(ctx, retry.Bootstrap(), "s3 head_bucket", func(ctx context.Context) error {
		start := time.Now()
		_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
			Bucket: aws.String(b.bucket),
		})
		b.record("head_bucket", start, err)
		// No HTTP response means the endpoint is not reachable yet.
		var re *awshttp.ResponseError
		if err != nil && !errors.As(err, &re) {
			return retry.Retryable(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("check bucket %s: %w", b.bucket, err)
	}

	start := time.Now()
	_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	})
	b.record("create_bucket", start, createErr)
	if createErr != nil {
		return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
	}
	logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	return nil
}

// objectKey maps a resolved path to its object key.
func (b *S3Backend) objectKey(p string) string {
	return joinKey(b.prefix, p)
}

// dirKey maps a resolved directory path to the prefix its children share.
func (b *S3Backend) dirKey(p string) string {
	k := joinKey(b.prefix, p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func joinKey(prefix, p string) string {
	switch {
	case prefix == "":
		return p
	case p == "":
		return prefix
	default:
		return prefix + "/" + p
	}
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

func translate(op, p string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s %s: %w", op, p, storage.ErrNotExist)
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusForbidden {
		return fmt.Errorf("%s %s: %w", op, p, storage.ErrPermission)
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}

func (b *S3Backend) headObject(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	start := time.Now()
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil && isNotFound(err) {
		b.record("head_object", start, nil)
		return nil, err
	}
	b.record("head_object", start, err)
	return out, err
}

// fileExists reports whether a file object (not a marker) exists at p.
func (b *S3Backend) fileExists(ctx context.Context, p string) (bool, error) {
	if p == "" {
		return false, nil
	}
	_, err := b.headObject(ctx, b.objectKey(p))
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, translate("stat", p, err)
}

// dirExists reports whether anything lives under the directory prefix of p.
func (b *S3Backend) dirExists(ctx context.Context, p string) (bool, error) {
	if p == "" {
		return true, nil
	}
	start := time.Now()
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.dirKey(p)),
		MaxKeys: aws.Int32(1),
	})
	b.record("list_objects", start, err)
	if err != nil {
		return false, translate("stat", p, err)
	}
	return aws.ToInt32(out.KeyCount) > 0, nil
}

// Exists reports whether a file or folder exists at p.
func (b *S3Backend) Exists(ctx context.Context, p string) (bool, error) {
	ok, err := b.fileExists(ctx, p)
	if err != nil || ok {
		return ok, err
	}
	return b.dirExists(ctx, p)
}

// ListContents lists the immediate children of dir using the "/" delimiter.
func (b *S3Backend) ListContents(ctx context.Context, dir string) ([]storage.Entry, error) {
	prefix := b.dirKey(dir)
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []storage.Entry
	sawMarker := false
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		b.record("list_objects", start, err)
		if err != nil {
			return nil, translate("list", dir, err)
		}

		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			entries = append(entries, storage.Entry{
				Name:  name,
				Path:  path.Join(dir, name),
				IsDir: true,
			})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == prefix {
				sawMarker = true
				continue
			}
			name := strings.TrimPrefix(key, prefix)
			if name == "" || storage.IsTemp(name) {
				continue
			}
			entries = append(entries, storage.Entry{
				Name:         name,
				Path:         path.Join(dir, name),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				MimeType:     mime.TypeByExtension(path.Ext(name)),
			})
		}
	}

	if dir != "" && !sawMarker && len(entries) == 0 {
		return nil, fmt.Errorf("list %s: %w", dir, storage.ErrNotExist)
	}
	return entries, nil
}

func (b *S3Backend) putMarker(ctx context.Context, p string) error {
	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.dirKey(p)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String(directoryMarkerType),
	})
	b.record("put_object", start, err)
	if err != nil {
		return translate("mkdir", p, err)
	}
	return nil
}

// CreateDirectory writes a marker object for dir and each missing ancestor.
func (b *S3Backend) CreateDirectory(ctx context.Context, dir string) error {
	var cur string
	for _, seg := range strings.Split(dir, "/") {
		if seg == "" {
			continue
		}
		cur = path.Join(cur, seg)
		if err := b.putMarker(ctx, cur); err != nil {
			return err
		}
	}
	return nil
}

// listKeys returns every object key under the directory prefix of dir.
func (b *S3Backend) listKeys(ctx context.Context, dir string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.dirKey(dir)),
	})
	var keys []string
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		b.record("list_objects", start, err)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (b *S3Backend) deleteKeys(ctx context.Context, keys []string) error {
	for len(keys) > 0 {
		n := min(len(keys), deleteBatchSize)
		batch := make([]types.ObjectIdentifier, n)
		for i, k := range keys[:n] {
			batch[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}
		keys = keys[n:]

		start := time.Now()
		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		b.record("delete_objects", start, err)
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Code))
		}
	}
	return nil
}

// DeleteDirectory removes every object under dir.
func (b *S3Backend) DeleteDirectory(ctx context.Context, dir string) error {
	keys, err := b.listKeys(ctx, dir)
	if err != nil {
		return translate("delete dir", dir, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("delete dir %s: %w", dir, storage.ErrNotExist)
	}
	if err := b.deleteKeys(ctx, keys); err != nil {
		return translate("delete dir", dir, err)
	}
	logging.Debug("S3 delete prefix", zap.String("dir", dir), zap.Int("objects", len(keys)))
	return nil
}

// Delete removes a single file object.
func (b *S3Backend) Delete(ctx context.Context, p string) error {
	ok, err := b.fileExists(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("delete %s: %w", p, storage.ErrNotExist)
	}

	start := time.Now()
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(p)),
	})
	b.record("delete_object", start, err)
	if err != nil {
		return translate("delete", p, err)
	}
	logging.Debug("S3 delete object", zap.String("path", p))
	return nil
}

func (b *S3Backend) copySource(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return b.bucket + "/" + strings.Join(segs, "/")
}

// copyObject copies one object and carries its ACL over.
func (b *S3Backend) copyObject(ctx context.Context, srcKey, dstKey string) error {
	acl := types.ObjectCannedACLPrivate
	if public, err := b.isPublic(ctx, srcKey); err == nil && public {
		acl = types.ObjectCannedACLPublicRead
	}

	start := time.Now()
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.copySource(srcKey)),
		ACL:        acl,
	})
	b.record("copy_object", start, err)
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return nil
}

// Move copies src to dst then deletes src. Folder moves copy their objects
// concurrently; the operation is not atomic across objects.
func (b *S3Backend) Move(ctx context.Context, src, dst string) error {
	if ok, err := b.Exists(ctx, dst); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("move %s -> %s: %w", src, dst, storage.ErrExist)
	}

	if parent := path.Dir(dst); parent != "." {
		if err := b.CreateDirectory(ctx, parent); err != nil {
			return err
		}
	}

	isFile, err := b.fileExists(ctx, src)
	if err != nil {
		return err
	}
	if isFile {
		srcKey, dstKey := b.objectKey(src), b.objectKey(dst)
		if err := b.copyObject(ctx, srcKey, dstKey); err != nil {
			return translate("move", src, err)
		}
		if err := b.deleteKeys(ctx, []string{srcKey}); err != nil {
			return translate("move", src, err)
		}
		return nil
	}

	keys, err := b.listKeys(ctx, src)
	if err != nil {
		return translate("move", src, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("move %s: %w", src, storage.ErrNotExist)
	}

	copied, err := b.parallelCopy(ctx, keys, b.dirKey(src), b.dirKey(dst))
	if err != nil {
		return translate("move", src, err)
	}
	if err := b.deleteKeys(ctx, copied); err != nil {
		return translate("move", src, err)
	}
	logging.Debug("S3 move prefix", zap.String("src", src), zap.String("dst", dst), zap.Int("objects", len(copied)))
	return nil
}

// parallelCopy copies keys from oldPrefix to newPrefix with bounded
// concurrency and returns the keys that were copied.
func (b *S3Backend) parallelCopy(ctx context.Context, keys []string, oldPrefix, newPrefix string) ([]string, error) {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.concurrency)

	var mu sync.Mutex
	copied := make([]string, 0, len(keys))

	for _, key := range keys {
		eg.Go(func() error {
			newKey := newPrefix + strings.TrimPrefix(key, oldPrefix)
			if err := b.copyObject(egCtx, key, newKey); err != nil {
				return err
			}
			mu.Lock()
			copied = append(copied, key)
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return copied, err
	}
	return copied, nil
}

// spool copies r into a temp file so the SDK gets a seekable body with a
// known length.
func spool(ctx context.Context, r io.Reader) (*os.File, int64, error) {
	f, err := os.CreateTemp("", storage.TempPrefix+"*.tmp")
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(f, storage.ContextReader(ctx, r))
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, 0, err
	}
	return f, n, nil
}

// WriteStream uploads r with a single PutObject. S3 only exposes the object
// once the upload completed, so no partial file is ever visible.
func (b *S3Backend) WriteStream(ctx context.Context, p string, r io.Reader, opts storage.WriteOptions) error {
	body, size := io.ReadSeeker(nil), opts.Size
	if rs, ok := r.(io.ReadSeeker); ok && size >= 0 {
		body = rs
	} else {
		f, n, err := spool(ctx, r)
		if err != nil {
			return fmt.Errorf("spool %s: %w", p, err)
		}
		defer func() {
			f.Close()
			os.Remove(f.Name())
		}()
		body, size = f, n
	}

	acl := types.ObjectCannedACLPublicRead
	if opts.Visibility == storage.Private {
		acl = types.ObjectCannedACLPrivate
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.objectKey(p)),
		Body:          body,
		ContentLength: aws.Int64(size),
		ACL:           acl,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}

	start := time.Now()
	_, err := b.client.PutObject(ctx, input)
	b.record("put_object", start, err)
	if err != nil {
		return translate("write", p, err)
	}

	logging.Debug("S3 put object", zap.String("path", p), zap.Int64("size", size))
	return nil
}

// ReadStream opens an object for reading.
func (b *S3Backend) ReadStream(ctx context.Context, p string) (io.ReadCloser, error) {
	start := time.Now()
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(p)),
	})
	b.record("get_object", start, err)
	if err != nil {
		return nil, translate("open", p, err)
	}
	return out.Body, nil
}

// Metadata returns object metadata, or a directory Info for prefixes.
func (b *S3Backend) Metadata(ctx context.Context, p string) (storage.Info, error) {
	if p != "" {
		out, err := b.headObject(ctx, b.objectKey(p))
		if err == nil {
			return storage.Info{
				Size:         aws.ToInt64(out.ContentLength),
				MimeType:     aws.ToString(out.ContentType),
				LastModified: aws.ToTime(out.LastModified),
			}, nil
		}
		if !isNotFound(err) {
			return storage.Info{}, translate("stat", p, err)
		}
	}

	ok, err := b.dirExists(ctx, p)
	if err != nil {
		return storage.Info{}, err
	}
	if !ok {
		return storage.Info{}, fmt.Errorf("stat %s: %w", p, storage.ErrNotExist)
	}
	return storage.Info{IsDir: true}, nil
}

func (b *S3Backend) isPublic(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	out, err := b.client.GetObjectAcl(ctx, &s3.GetObjectAclInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	b.record("get_object_acl", start, err)
	if err != nil {
		return false, err
	}
	for _, g := range out.Grants {
		if g.Grantee != nil && aws.ToString(g.Grantee.URI) == allUsersURI &&
			(g.Permission == types.PermissionRead || g.Permission == types.PermissionFullControl) {
			return true, nil
		}
	}
	return false, nil
}

// Visibility reads the object ACL. Folders are always public.
func (b *S3Backend) Visibility(ctx context.Context, p string) (storage.Visibility, error) {
	isFile, err := b.fileExists(ctx, p)
	if err != nil {
		return "", err
	}
	if !isFile {
		if ok, err := b.dirExists(ctx, p); err != nil {
			return "", err
		} else if !ok {
			return "", fmt.Errorf("visibility %s: %w", p, storage.ErrNotExist)
		}
		return storage.Public, nil
	}

	public, err := b.isPublic(ctx, b.objectKey(p))
	if err != nil {
		return "", translate("visibility", p, err)
	}
	if public {
		return storage.Public, nil
	}
	return storage.Private, nil
}

// SetVisibility replaces the object ACL with the matching canned ACL.
// Folders have no ACL of their own and are left untouched.
func (b *S3Backend) SetVisibility(ctx context.Context, p string, v storage.Visibility) error {
	isFile, err := b.fileExists(ctx, p)
	if err != nil {
		return err
	}
	if !isFile {
		if ok, err := b.dirExists(ctx, p); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("set visibility %s: %w", p, storage.ErrNotExist)
		}
		return nil
	}

	acl := types.ObjectCannedACLPrivate
	if v == storage.Public {
		acl = types.ObjectCannedACLPublicRead
	}
	start := time.Now()
	_, err = b.client.PutObjectAcl(ctx, &s3.PutObjectAclInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.objectKey(p)),
		ACL:    acl,
	})
	b.record("put_object_acl", start, err)
	if err != nil {
		return translate("set visibility", p, err)
	}
	return nil
}

// PublicURL returns the configured public URL, or the path-style endpoint
// URL, for path.
func (b *S3Backend) PublicURL(p string) (string, bool) {
	base := b.publicURL
	key := b.objectKey(p)
	if base == "" {
		if b.endpoint == "" {
			return "", false
		}
		base = b.endpoint + "/" + b.bucket
	}
	u, err := url.JoinPath(base, strings.Split(key, "/")...)
	if err != nil {
		return "", false
	}
	return u, true
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }

var _ storage.Backend = (*S3Backend)(nil)
