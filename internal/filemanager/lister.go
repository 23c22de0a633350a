package filemanager

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/pathutil"
	"github.com/fruitsalade/filemanager/internal/storage"
)

// Listing is the content of one folder.
type Listing struct {
	Path    string  `json:"path"`
	Parent  string  `json:"parent"`
	Folders []*Node `json:"folders"`
	Files   []*Node `json:"files"`
}

// List returns the folders and files directly inside current. Folders come
// first; both groups are sorted by name. When filter names a known preset,
// files are narrowed to its extensions; folders are never filtered.
func (s *Service) List(ctx context.Context, current, filter string) (listing *Listing, err error) {
	defer func(start time.Time) { observe("list", start, err) }(time.Now())

	p, rerr := pathutil.Resolve(current)
	if rerr != nil {
		return nil, invalidPath("list", current, rerr)
	}

	listing = &Listing{
		Path:    p,
		Parent:  pathutil.Parent(p),
		Folders: []*Node{},
		Files:   []*Node{},
	}

	entries, lerr := s.backend.ListContents(ctx, p)
	if lerr != nil {
		if errors.Is(lerr, storage.ErrNotExist) {
			if p == pathutil.Root {
				return listing, nil
			}
			return nil, newError(NotFound, "list", p)
		}
		return nil, backendError("list", p, lerr, ListingFailed)
	}

	var allowed map[string]struct{}
	if filter != "" {
		set, ok := s.presets[strings.ToLower(filter)]
		if ok {
			allowed = set
		} else {
			logging.WithContext(ctx).Debug("unknown filter preset ignored", zap.String("filter", filter))
		}
	}

	kept := entries[:0]
	for _, e := range entries {
		if s.hidden(e.Name) {
			continue
		}
		if !e.IsDir && allowed != nil {
			if _, ok := allowed[pathutil.Ext(e.Name)]; !ok {
				continue
			}
		}
		kept = append(kept, e)
	}

	nodes := make([]*Node, len(kept))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.ListConcurrency)
	for i, e := range kept {
		g.Go(func() error {
			vis := s.visibilityOf(gctx, e.Path)
			if e.IsDir {
				nodes[i] = s.folderNode(e.Path, e.LastModified, vis)
			} else {
				nodes[i] = s.fileNode(e.Path, e.Size, e.MimeType, e.LastModified, vis)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, n := range nodes {
		if n.IsFolder() {
			listing.Folders = append(listing.Folders, n)
		} else {
			listing.Files = append(listing.Files, n)
		}
	}
	sortNodes(listing.Folders)
	sortNodes(listing.Files)
	return listing, nil
}

// hidden reports whether name matches a configured hidden pattern.
func (s *Service) hidden(name string) bool {
	if storage.IsTemp(name) {
		return true
	}
	for _, pattern := range s.opts.HiddenPatterns {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// sortNodes orders case-insensitively, falling back to byte order so the
// result is deterministic.
func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		a, b := strings.ToLower(nodes[i].Name), strings.ToLower(nodes[j].Name)
		if a != b {
			return a < b
		}
		return nodes[i].Name < nodes[j].Name
	})
}
