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

// CreateFolder creates the folder name inside current and returns its Node.
func (s *Service) CreateFolder(ctx context.Context, name, current string) (node *Node, err error) {
	const op = "create folder"
	defer func(start time.Time) { observe("create_folder", start, err) }(time.Now())

	if !s.opts.Buttons.CreateFolder {
		return nil, denied(op, current)
	}
	if !pathutil.ValidName(name) {
		return nil, invalidPath(op, name, nil)
	}
	parent, rerr := pathutil.Resolve(current)
	if rerr != nil {
		return nil, invalidPath(op, current, rerr)
	}
	target, rerr := pathutil.Join(parent, name)
	if rerr != nil {
		return nil, invalidPath(op, name, rerr)
	}
	if err := s.checkShown(op, name); err != nil {
		return nil, err
	}

	if parent != pathutil.Root {
		info, err := s.backend.Metadata(ctx, parent)
		if err != nil {
			if errors.Is(err, storage.ErrNotExist) {
				return nil, newError(NotFound, op, parent)
			}
			return nil, backendError(op, parent, err, BackendUnavailable)
		}
		if !info.IsDir {
			return nil, newError(Conflict, op, parent)
		}
	}

	exists, eerr := s.backend.Exists(ctx, target)
	if eerr != nil {
		return nil, backendError(op, target, eerr, BackendUnavailable)
	}
	if exists {
		return nil, newError(FolderAlreadyExists, op, target)
	}

	if err := s.backend.CreateDirectory(ctx, target); err != nil {
		return nil, backendError(op, target, err, BackendUnavailable)
	}
	if s.opts.DefaultVisibility == storage.Private {
		if err := s.backend.SetVisibility(ctx, target, storage.Private); err != nil {
			// A folder that should be private must not stay public.
			if derr := s.backend.DeleteDirectory(ctx, target); derr != nil {
				logging.WithContext(ctx).Error("could not remove folder after visibility failure",
					zap.String("path", target), zap.Error(derr))
			}
			return nil, backendError(op, target, err, BackendUnavailable)
		}
	}

	logging.WithContext(ctx).Info("folder created", zap.String("path", target))
	return s.lookup(ctx, op, target)
}

// DeleteFolder removes a folder and everything below it. The root cannot be
// deleted.
func (s *Service) DeleteFolder(ctx context.Context, raw string) (err error) {
	const op = "delete folder"
	defer func(start time.Time) { observe("delete_folder", start, err) }(time.Now())

	if !s.opts.Buttons.DeleteFolder {
		return denied(op, raw)
	}
	p, rerr := pathutil.Resolve(raw)
	if rerr != nil {
		return invalidPath(op, raw, rerr)
	}
	if p == pathutil.Root {
		return newError(InvalidPath, op, p)
	}

	if err := s.requireKind(ctx, op, p, true); err != nil {
		return err
	}
	if err := s.backend.DeleteDirectory(ctx, p); err != nil {
		return backendError(op, p, err, BackendUnavailable)
	}

	logging.WithContext(ctx).Info("folder deleted", zap.String("path", p))
	return nil
}

// RemoveFile deletes a single file. A type of "folder" or "dir" is handed
// to DeleteFolder.
func (s *Service) RemoveFile(ctx context.Context, raw, typ string) (err error) {
	if typ == string(Folder) || typ == "dir" {
		return s.DeleteFolder(ctx, raw)
	}

	const op = "remove file"
	defer func(start time.Time) { observe("remove_file", start, err) }(time.Now())

	if !s.opts.Buttons.DeleteFile {
		return denied(op, raw)
	}
	p, rerr := pathutil.Resolve(raw)
	if rerr != nil {
		return invalidPath(op, raw, rerr)
	}
	if p == pathutil.Root {
		return newError(NotFound, op, p)
	}

	if err := s.requireKind(ctx, op, p, false); err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, p); err != nil {
		return backendError(op, p, err, BackendUnavailable)
	}

	logging.WithContext(ctx).Info("file removed", zap.String("path", p))
	return nil
}

// Rename gives the node at raw the name newName inside the same parent.
// Renaming to the current name is a no-op.
func (s *Service) Rename(ctx context.Context, raw, newName string) (err error) {
	const op = "rename"
	defer func(start time.Time) { observe("rename", start, err) }(time.Now())

	if !s.opts.Buttons.RenameFile && !s.opts.Buttons.RenameFolder {
		return denied(op, raw)
	}
	src, rerr := pathutil.Resolve(raw)
	if rerr != nil {
		return invalidPath(op, raw, rerr)
	}
	if src == pathutil.Root {
		return newError(InvalidPath, op, src)
	}
	if !pathutil.ValidName(newName) {
		return invalidPath(op, newName, nil)
	}
	dst, rerr := pathutil.Join(pathutil.Parent(src), newName)
	if rerr != nil {
		return invalidPath(op, newName, rerr)
	}
	if err := s.checkShown(op, newName); err != nil {
		return err
	}

	return s.relocate(ctx, op, src, dst)
}

// Move relocates the node at oldRaw to newRaw. A folder cannot be moved into
// itself or one of its descendants.
func (s *Service) Move(ctx context.Context, oldRaw, newRaw string) (err error) {
	const op = "move"
	defer func(start time.Time) { observe("move", start, err) }(time.Now())

	if !s.opts.Buttons.RenameFile && !s.opts.Buttons.RenameFolder {
		return denied(op, oldRaw)
	}
	src, rerr := pathutil.Resolve(oldRaw)
	if rerr != nil {
		return invalidPath(op, oldRaw, rerr)
	}
	dst, rerr := pathutil.Resolve(newRaw)
	if rerr != nil {
		return invalidPath(op, newRaw, rerr)
	}
	if src == pathutil.Root || dst == pathutil.Root {
		return newError(InvalidPath, op, src)
	}
	if err := s.checkShown(op, dst); err != nil {
		return err
	}

	return s.relocate(ctx, op, src, dst)
}

// relocate implements Rename and Move on resolved paths. The source is left
// untouched on any failure.
func (s *Service) relocate(ctx context.Context, op, src, dst string) error {
	info, err := s.backend.Metadata(ctx, src)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return newError(NotFound, op, src)
		}
		return backendError(op, src, err, BackendUnavailable)
	}

	if info.IsDir && !s.opts.Buttons.RenameFolder || !info.IsDir && !s.opts.Buttons.RenameFile {
		return denied(op, src)
	}
	if src == dst {
		return nil
	}
	if info.IsDir && pathutil.IsWithin(src, dst) {
		return newError(InvalidPath, op, dst)
	}

	exists, err := s.backend.Exists(ctx, dst)
	if err != nil {
		return backendError(op, dst, err, BackendUnavailable)
	}
	if exists {
		return newError(Conflict, op, dst)
	}

	if err := s.backend.Move(ctx, src, dst); err != nil {
		return backendError(op, src, err, BackendUnavailable)
	}

	logging.WithContext(ctx).Info("node moved", zap.String("from", src), zap.String("to", dst))
	return nil
}

// requireKind checks that p exists and is a folder (wantDir) or a file.
// Anything else is NotFound.
func (s *Service) requireKind(ctx context.Context, op, p string, wantDir bool) error {
	info, err := s.backend.Metadata(ctx, p)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return newError(NotFound, op, p)
		}
		return backendError(op, p, err, BackendUnavailable)
	}
	if info.IsDir != wantDir {
		return newError(NotFound, op, p)
	}
	return nil
}
