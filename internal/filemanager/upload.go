package filemanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/metrics"
	"github.com/fruitsalade/filemanager/internal/pathutil"
	"github.com/fruitsalade/filemanager/internal/storage"
)

const (
	// sniffLen is how much of an upload is read up front for mime detection.
	sniffLen = 3072

	maxNameAttempts = 1000
)

// UploadSpec describes one uploaded file.
type UploadSpec struct {
	// Folder is the destination folder.
	Folder string
	// Filename may carry a relative path ("photos/2024/a.jpg") for folder
	// uploads; it is honoured only when CreateFolders is set.
	Filename string
	Content  io.Reader
	// Size is the declared size, -1 when unknown.
	Size       int64
	Visibility storage.Visibility
	// CreateFolders creates missing folders on the way to the destination.
	CreateFolders bool
	// Rules are merged over the configured default rules.
	Rules Rules
}

var (
	errTooLarge     = errors.New("upload exceeds maximum size")
	errTooSmall     = errors.New("upload below minimum size")
	errSizeMismatch = errors.New("upload does not match declared size")
)

const sizeMismatchMessage = "The file size does not match the declared size."

// limitReader enforces size rules while the content streams. When a size
// was declared (declared >= 0) the content must be exactly that long; once
// the declared length is reached it reads one byte ahead so drivers that
// stop at the declared length still see an overrun.
type limitReader struct {
	r        io.Reader
	max, min int64
	declared int64
	n        int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.max > 0 && l.n > l.max {
		return n, errTooLarge
	}
	if l.declared >= 0 {
		if l.n > l.declared {
			return n, errSizeMismatch
		}
		if l.n == l.declared && err == nil {
			var extra [1]byte
			m, perr := io.ReadFull(l.r, extra[:])
			switch {
			case m > 0:
				return n, errSizeMismatch
			case perr != io.EOF:
				return n, perr
			}
			err = io.EOF
		}
		if err == io.EOF && l.n < l.declared {
			return n, errSizeMismatch
		}
	}
	if err == io.EOF && l.min > 0 && l.n < l.min {
		return n, errTooSmall
	}
	return n, err
}

// Upload validates and stores one file and returns its Node.
//
// Rules are checked before anything is written. Size rules are enforced
// again while streaming, so content that exceeds the declared size aborts
// the write. Drivers finalize atomically, so a rejected or cancelled upload
// leaves no file behind. If the name is taken, name_1.ext, name_2.ext, ...
// is used instead.
func (s *Service) Upload(ctx context.Context, spec UploadSpec) (node *Node, err error) {
	const op = "upload"
	var written int64
	defer func(start time.Time) {
		observe("upload", start, err)
		metrics.RecordContentUpload(written, err == nil)
	}(time.Now())

	if !s.opts.Buttons.Upload {
		return nil, denied(op, spec.Folder)
	}
	if spec.Content == nil {
		return nil, &Error{Kind: ValidationFailed, Op: op, Messages: []string{"no file content"}}
	}

	folder, rerr := pathutil.Resolve(spec.Folder)
	if rerr != nil {
		return nil, invalidPath(op, spec.Folder, rerr)
	}
	relDir, name, perr := s.splitFilename(spec)
	if perr != nil {
		return nil, perr
	}
	dir, rerr := pathutil.Join(folder, relDir)
	if rerr != nil {
		return nil, invalidPath(op, spec.Filename, rerr)
	}
	if err := s.checkShown(op, relDir); err != nil {
		return nil, err
	}
	if err := s.checkShown(op, name); err != nil {
		return nil, err
	}

	vis := spec.Visibility
	if vis == "" {
		vis = s.opts.DefaultVisibility
	}
	if !vis.Valid() {
		return nil, &Error{Kind: ValidationFailed, Op: op, Path: name,
			Messages: []string{fmt.Sprintf("visibility must be %q or %q", storage.Public, storage.Private)}}
	}

	rules := s.opts.UploadRules.Merge(spec.Rules)

	head := make([]byte, sniffLen)
	n, rdErr := io.ReadFull(spec.Content, head)
	if rdErr != nil && rdErr != io.EOF && rdErr != io.ErrUnexpectedEOF {
		return nil, backendError(op, name, rdErr, BackendUnavailable)
	}
	head = head[:n]
	complete := rdErr != nil // the whole content fits in head

	mt := mimetype.Detect(head)
	violations := rules.checkName(name)
	switch {
	case complete && spec.Size >= 0 && spec.Size != int64(n):
		violations = append(violations, violation{rule: ruleSize, message: sizeMismatchMessage})
	case spec.Size >= 0:
		violations = append(violations, rules.checkSize(spec.Size)...)
	case complete:
		violations = append(violations, rules.checkSize(int64(n))...)
	}
	violations = append(violations, rules.checkMime(mt)...)
	if len(violations) > 0 {
		return nil, rejected(op, name, violations)
	}

	if err := s.ensureFolder(ctx, op, dir, spec.CreateFolders); err != nil {
		return nil, err
	}

	target, err := s.freeName(ctx, op, dir, name)
	if err != nil {
		return nil, err
	}

	body := &limitReader{
		r:        io.MultiReader(bytes.NewReader(head), spec.Content),
		max:      rules.MaxSize,
		min:      rules.MinSize,
		declared: spec.Size,
	}
	werr := s.backend.WriteStream(ctx, target, body, storage.WriteOptions{
		Visibility:  vis,
		ContentType: mt.String(),
		Size:        spec.Size,
	})
	written = body.n
	if werr != nil {
		switch {
		case errors.Is(werr, errTooLarge):
			return nil, rejected(op, target, []violation{{rule: ruleMax, message: rules.maxMessage()}})
		case errors.Is(werr, errTooSmall):
			return nil, rejected(op, target, []violation{{rule: ruleMin, message: rules.minMessage()}})
		case errors.Is(werr, errSizeMismatch):
			return nil, rejected(op, target, []violation{{rule: ruleSize, message: sizeMismatchMessage}})
		}
		return nil, backendError(op, target, werr, BackendUnavailable)
	}

	logging.WithContext(ctx).Info("file uploaded",
		zap.String("path", target),
		zap.Int64("size", written),
		zap.String("mime", mt.String()),
	)
	return s.lookup(ctx, op, target)
}

// splitFilename returns the relative folder and base name to upload to.
func (s *Service) splitFilename(spec UploadSpec) (string, string, error) {
	const op = "upload"
	raw := strings.ReplaceAll(spec.Filename, "\\", "/")

	if !spec.CreateFolders {
		name := raw[strings.LastIndexByte(raw, '/')+1:]
		if !pathutil.ValidName(name) {
			return "", "", invalidPath(op, spec.Filename, nil)
		}
		return pathutil.Root, name, nil
	}

	rel, err := pathutil.Resolve(raw)
	if err != nil {
		return "", "", invalidPath(op, spec.Filename, err)
	}
	if rel == pathutil.Root {
		return "", "", invalidPath(op, spec.Filename, nil)
	}
	if pathutil.Parent(rel) != pathutil.Root && !s.opts.Buttons.DragDrop {
		return "", "", denied(op, spec.Filename)
	}
	return pathutil.Parent(rel), pathutil.Base(rel), nil
}

// ensureFolder checks that dir is an existing folder, creating it when
// create is set.
func (s *Service) ensureFolder(ctx context.Context, op, dir string, create bool) error {
	if dir == pathutil.Root {
		return nil
	}
	info, err := s.backend.Metadata(ctx, dir)
	switch {
	case err == nil && info.IsDir:
		return nil
	case err == nil:
		return newError(Conflict, op, dir)
	case !errors.Is(err, storage.ErrNotExist):
		return backendError(op, dir, err, BackendUnavailable)
	case !create:
		return newError(NotFound, op, dir)
	}
	if err := s.backend.CreateDirectory(ctx, dir); err != nil {
		return backendError(op, dir, err, BackendUnavailable)
	}
	return nil
}

// freeName returns dir/name, or the first dir/name_N.ext that is not taken.
func (s *Service) freeName(ctx context.Context, op, dir, name string) (string, error) {
	stem, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		stem, ext = name[:i], name[i:]
	}

	candidate := name
	for i := 1; i <= maxNameAttempts; i++ {
		target, err := pathutil.Join(dir, candidate)
		if err != nil {
			return "", invalidPath(op, candidate, err)
		}
		exists, err := s.backend.Exists(ctx, target)
		if err != nil {
			return "", backendError(op, target, err, BackendUnavailable)
		}
		if !exists {
			return target, nil
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
	return "", newError(Conflict, op, name)
}

func rejected(op, p string, violations []violation) *Error {
	msgs := make([]string, len(violations))
	for i, v := range violations {
		msgs[i] = v.message
		metrics.RecordValidationFailure(v.rule)
	}
	return &Error{Kind: ValidationFailed, Op: op, Path: p, Messages: msgs}
}

// FolderUploaded finalizes a folder upload batch by making sure the folder
// exists. Calling it again for the same path changes nothing.
func (s *Service) FolderUploaded(ctx context.Context, raw string) (err error) {
	const op = "folder uploaded"
	defer func(start time.Time) { observe("folder_uploaded", start, err) }(time.Now())

	if !s.opts.Buttons.Upload {
		return denied(op, raw)
	}
	p, rerr := pathutil.Resolve(raw)
	if rerr != nil {
		return invalidPath(op, raw, rerr)
	}
	if err := s.checkShown(op, p); err != nil {
		return err
	}
	return s.ensureFolder(ctx, op, p, true)
}
