package filemanager

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/pathutil"
	"github.com/fruitsalade/filemanager/internal/storage"
)

// GetInfo returns the Node at path. A missing path yields (nil, nil): the
// UI polls for previews while uploads are still in flight, so "not there
// yet" is not an error.
func (s *Service) GetInfo(ctx context.Context, raw string) (node *Node, err error) {
	defer func(start time.Time) { observe("get_info", start, err) }(time.Now())

	p, rerr := pathutil.Resolve(raw)
	if rerr != nil {
		return nil, invalidPath("get info", raw, rerr)
	}

	node, err = s.lookup(ctx, "get info", p)
	if KindOf(err) == NotFound {
		return nil, nil
	}
	return node, err
}

// lookup builds the Node for a resolved path. A missing path is reported as
// NotFound.
func (s *Service) lookup(ctx context.Context, op, p string) (*Node, error) {
	info, err := s.backend.Metadata(ctx, p)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, newError(NotFound, op, p)
		}
		return nil, backendError(op, p, err, BackendUnavailable)
	}
	return s.nodeFromInfo(ctx, p, info), nil
}

func (s *Service) nodeFromInfo(ctx context.Context, p string, info storage.Info) *Node {
	vis := s.visibilityOf(ctx, p)
	if info.IsDir {
		return s.folderNode(p, info.LastModified, vis)
	}
	return s.fileNode(p, info.Size, info.MimeType, info.LastModified, vis)
}

// visibilityOf returns the visibility of p. A failed lookup degrades to
// private so no URL is exposed for a file whose state is unknown.
func (s *Service) visibilityOf(ctx context.Context, p string) storage.Visibility {
	v, err := s.backend.Visibility(ctx, p)
	if err != nil || !v.Valid() {
		logging.WithContext(ctx).Warn("visibility lookup failed, treating as private",
			zap.String("path", p),
			zap.Error(err),
		)
		return storage.Private
	}
	return v
}
