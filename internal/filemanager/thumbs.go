package filemanager

import (
	"bytes"
	"context"
	"image/jpeg"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/metrics"
	"github.com/fruitsalade/filemanager/internal/pathutil"
)

// ThumbQuality is the JPEG quality of generated thumbnails.
const ThumbQuality = 80

// Thumbnail returns a JPEG preview of the image at raw, fit inside the
// configured box. Only thumbnail-eligible files qualify.
func (s *Service) Thumbnail(ctx context.Context, raw string) (data []byte, err error) {
	const op = "thumbnail"
	defer func(start time.Time) { observe("thumbnail", start, err) }(time.Now())

	p, rerr := pathutil.Resolve(raw)
	if rerr != nil {
		return nil, invalidPath(op, raw, rerr)
	}
	node, err := s.lookup(ctx, op, p)
	if err != nil {
		return nil, err
	}
	if node.IsFolder() {
		return nil, newError(NotFound, op, p)
	}
	if !node.Thumbnail {
		return nil, &Error{Kind: ValidationFailed, Op: op, Path: p,
			Messages: []string{"file has no thumbnail"}}
	}

	rc, err := s.backend.ReadStream(ctx, p)
	if err != nil {
		return nil, backendError(op, p, err, BackendUnavailable)
	}
	defer rc.Close()

	img, derr := imaging.Decode(rc, imaging.AutoOrientation(true))
	metrics.RecordThumbnail(derr == nil)
	if derr != nil {
		logging.WithContext(ctx).Warn("thumbnail decode failed", zap.String("path", p), zap.Error(derr))
		return nil, &Error{Kind: ValidationFailed, Op: op, Path: p,
			Messages: []string{"image could not be decoded"}, Err: derr}
	}

	thumb := imaging.Fit(img, s.opts.Thumbnails.Width, s.opts.Thumbnails.Height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: ThumbQuality}); err != nil {
		return nil, backendError(op, p, err, BackendUnavailable)
	}
	return buf.Bytes(), nil
}
