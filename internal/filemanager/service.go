// Package filemanager implements folder and file operations over a storage
// backend: listing, metadata, create/delete/rename/move, validated uploads,
// downloads and thumbnails.
//
// Every client supplied path is resolved with pathutil before it reaches the
// backend. Failures are returned as *Error values whose messages never carry
// backend internals.
package filemanager

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fruitsalade/filemanager/internal/metrics"
	"github.com/fruitsalade/filemanager/internal/pathutil"
	"github.com/fruitsalade/filemanager/internal/storage"
)

const defaultListConcurrency = 16

// Buttons are the per-operation feature flags. A disabled button makes the
// matching operation fail with PermissionDenied.
type Buttons struct {
	CreateFolder bool `json:"create_folder"`
	Upload       bool `json:"upload"`
	DragDrop     bool `json:"drag_drop"`
	RenameFolder bool `json:"rename_folder"`
	DeleteFolder bool `json:"delete_folder"`
	RenameFile   bool `json:"rename_file"`
	DeleteFile   bool `json:"delete_file"`
	Download     bool `json:"download"`
}

// AllButtons enables every operation.
func AllButtons() Buttons {
	return Buttons{
		CreateFolder: true,
		Upload:       true,
		DragDrop:     true,
		RenameFolder: true,
		DeleteFolder: true,
		RenameFile:   true,
		DeleteFile:   true,
		Download:     true,
	}
}

// ThumbnailOptions controls thumbnail eligibility and size.
type ThumbnailOptions struct {
	Extensions []string
	MaxSize    int64 // bytes, 0 means unlimited
	Width      int
	Height     int
}

// Options is the immutable configuration of a Service.
type Options struct {
	DefaultVisibility storage.Visibility
	Buttons           Buttons
	FilterPresets     map[string][]string
	UploadRules       Rules
	HiddenPatterns    []string
	Thumbnails        ThumbnailOptions
	ListConcurrency   int
}

// DefaultOptions returns options with every button enabled, public
// visibility, dot files hidden and common image thumbnails.
func DefaultOptions() Options {
	return Options{
		DefaultVisibility: storage.Public,
		Buttons:           AllButtons(),
		HiddenPatterns:    []string{".*"},
		Thumbnails: ThumbnailOptions{
			Extensions: []string{"jpg", "jpeg", "png", "gif", "webp", "bmp"},
			MaxSize:    10 << 20,
			Width:      400,
			Height:     400,
		},
		ListConcurrency: defaultListConcurrency,
	}
}

// clone copies every map and slice so callers cannot reach into a
// Service's configuration.
func (o Options) clone() Options {
	o.FilterPresets = maps.Clone(o.FilterPresets)
	for name, exts := range o.FilterPresets {
		o.FilterPresets[name] = slices.Clone(exts)
	}
	o.UploadRules.Extensions = slices.Clone(o.UploadRules.Extensions)
	o.UploadRules.MimeTypes = slices.Clone(o.UploadRules.MimeTypes)
	o.HiddenPatterns = slices.Clone(o.HiddenPatterns)
	o.Thumbnails.Extensions = slices.Clone(o.Thumbnails.Extensions)
	return o
}

// Service performs file manager operations against one backend. It holds no
// mutable state and is safe for concurrent use.
type Service struct {
	backend   storage.Backend
	opts      Options
	presets   map[string]map[string]struct{}
	thumbExts map[string]struct{}
}

// New creates a Service. Options are validated here so a bad configuration
// fails before any request is served.
func New(backend storage.Backend, opts Options) (*Service, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	opts = opts.clone()
	if opts.DefaultVisibility == "" {
		opts.DefaultVisibility = storage.Public
	}
	if !opts.DefaultVisibility.Valid() {
		return nil, fmt.Errorf("invalid default visibility %q", opts.DefaultVisibility)
	}
	for _, p := range opts.HiddenPatterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid hidden pattern %q", p)
		}
	}
	if opts.ListConcurrency <= 0 {
		opts.ListConcurrency = defaultListConcurrency
	}
	if opts.Thumbnails.Width <= 0 {
		opts.Thumbnails.Width = 400
	}
	if opts.Thumbnails.Height <= 0 {
		opts.Thumbnails.Height = 400
	}

	presets := make(map[string]map[string]struct{}, len(opts.FilterPresets))
	for name, exts := range opts.FilterPresets {
		presets[strings.ToLower(name)] = extensionSet(exts)
	}

	return &Service{
		backend:   backend,
		opts:      opts,
		presets:   presets,
		thumbExts: extensionSet(opts.Thumbnails.Extensions),
	}, nil
}

// Backend returns the storage backend the service operates on.
func (s *Service) Backend() storage.Backend { return s.backend }

// Options returns a copy of the service configuration.
func (s *Service) Options() Options { return s.opts.clone() }

// checkShown rejects paths with a segment that listings hide, so nothing
// can be created that the client would never see.
func (s *Service) checkShown(op, p string) error {
	for _, seg := range pathutil.Split(p) {
		if s.hidden(seg) {
			return &Error{Kind: InvalidPath, Op: op, Path: p,
				Messages: []string{fmt.Sprintf("%q is a hidden name", seg)}}
		}
	}
	return nil
}

func extensionSet(exts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			set[e] = struct{}{}
		}
	}
	return set
}

// observe records the outcome of an operation.
func observe(op string, start time.Time, err error) {
	result := metrics.OK
	if err != nil {
		result = KindOf(err).String()
	}
	metrics.RecordOperation(op, result, time.Since(start))
}

func denied(op, p string) error {
	return newError(PermissionDenied, op, p)
}
