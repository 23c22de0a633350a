package filemanager

import (
	"context"
	"io"
	"time"

	"github.com/fruitsalade/filemanager/internal/metrics"
	"github.com/fruitsalade/filemanager/internal/pathutil"
)

// Download is an open file ready to be streamed to a client. The caller
// must close Body.
type Download struct {
	Name     string
	Size     int64
	MimeType string
	Body     io.ReadCloser
}

// countingReadCloser records the bytes served when closed.
type countingReadCloser struct {
	io.ReadCloser
	n int64
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	err := c.ReadCloser.Close()
	metrics.RecordContentDownload(c.n, err == nil)
	return err
}

// Download opens the file at raw. Missing paths and folders are NotFound.
func (s *Service) Download(ctx context.Context, raw string) (dl *Download, err error) {
	const op = "download"
	defer func(start time.Time) { observe("download", start, err) }(time.Now())

	if !s.opts.Buttons.Download {
		return nil, denied(op, raw)
	}
	p, rerr := pathutil.Resolve(raw)
	if rerr != nil {
		return nil, invalidPath(op, raw, rerr)
	}
	return s.open(ctx, op, p)
}

// open opens a resolved file path without checking buttons.
func (s *Service) open(ctx context.Context, op, p string) (*Download, error) {
	node, err := s.lookup(ctx, op, p)
	if err != nil {
		return nil, err
	}
	if node.IsFolder() {
		return nil, newError(NotFound, op, p)
	}

	rc, err := s.backend.ReadStream(ctx, p)
	if err != nil {
		return nil, backendError(op, p, err, BackendUnavailable)
	}
	return &Download{
		Name:     node.Name,
		Size:     node.Size,
		MimeType: node.Mime,
		Body:     &countingReadCloser{ReadCloser: rc},
	}, nil
}

// ShareableFile checks that raw names a file that may be handed out through
// a temporary link and returns its resolved path. Issuing a link counts as
// a download, so it needs the download button.
func (s *Service) ShareableFile(ctx context.Context, raw string) (p string, err error) {
	const op = "temporary link"
	defer func(start time.Time) { observe("temporary_link", start, err) }(time.Now())

	if !s.opts.Buttons.Download {
		return "", denied(op, raw)
	}
	p, rerr := pathutil.Resolve(raw)
	if rerr != nil {
		return "", invalidPath(op, raw, rerr)
	}
	node, err := s.lookup(ctx, op, p)
	if err != nil {
		return "", err
	}
	if node.IsFolder() {
		return "", newError(NotFound, op, p)
	}
	return p, nil
}

// DownloadShared opens a file on behalf of a verified temporary link. The
// link was issued under the download button, so it is not checked again.
func (s *Service) DownloadShared(ctx context.Context, p string) (dl *Download, err error) {
	const op = "shared download"
	defer func(start time.Time) { observe("shared_download", start, err) }(time.Now())

	resolved, rerr := pathutil.Resolve(p)
	if rerr != nil {
		return nil, invalidPath(op, p, rerr)
	}
	return s.open(ctx, op, resolved)
}

// FileExists reports whether raw names an existing file (not a folder).
func (s *Service) FileExists(ctx context.Context, raw string) (bool, error) {
	p, err := pathutil.Resolve(raw)
	if err != nil {
		return false, invalidPath("stat", raw, err)
	}
	node, err := s.lookup(ctx, "stat", p)
	if KindOf(err) == NotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !node.IsFolder(), nil
}
