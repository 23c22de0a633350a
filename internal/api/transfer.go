package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/filemanager"
	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/metrics"
	"github.com/fruitsalade/filemanager/internal/storage"
)

// handleUpload streams one multipart file into the service. Form fields
// (current, visibility, folder, rules, size) must precede the file part.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxRequestSize > 0 {
		if r.ContentLength > s.maxRequestSize {
			s.sendStatus(w, http.StatusRequestEntityTooLarge, filemanager.ValidationFailed, "request too large")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestSize)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		s.sendStatus(w, http.StatusBadRequest, filemanager.ValidationFailed, "multipart form expected")
		return
	}

	spec := filemanager.UploadSpec{Size: -1}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			s.sendStatus(w, http.StatusBadRequest, filemanager.ValidationFailed, "no file part")
			return
		}
		if err != nil {
			s.sendStatus(w, http.StatusBadRequest, filemanager.ValidationFailed, "malformed multipart body")
			return
		}

		if part.FormName() != "file" {
			value, err := io.ReadAll(io.LimitReader(part, maxJSONBody))
			part.Close()
			if err != nil {
				s.sendStatus(w, http.StatusBadRequest, filemanager.ValidationFailed, "malformed multipart body")
				return
			}
			if err := applyUploadField(&spec, part.FormName(), string(value)); err != nil {
				s.sendError(w, r, err)
				return
			}
			continue
		}

		spec.Filename = rawFilename(part.Header.Get("Content-Disposition"))
		spec.Content = part
		node, err := s.service.Upload(r.Context(), spec)
		part.Close()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.sendStatus(w, http.StatusRequestEntityTooLarge, filemanager.ValidationFailed, "request too large")
				return
			}
			s.sendError(w, r, err)
			return
		}
		sendJSON(w, http.StatusCreated, node)
		return
	}
}

func applyUploadField(spec *filemanager.UploadSpec, name, value string) error {
	invalid := func(msg string) error {
		return &filemanager.Error{Kind: filemanager.ValidationFailed, Op: "upload", Messages: []string{msg}}
	}

	switch name {
	case "current":
		spec.Folder = value
	case "visibility":
		spec.Visibility = storage.Visibility(value)
	case "folder":
		if value == "" {
			return nil
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return invalid("folder must be a boolean")
		}
		spec.CreateFolders = b
	case "size":
		if value == "" {
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return invalid("size must be a non-negative integer")
		}
		spec.Size = n
	case "rules":
		if value == "" {
			return nil
		}
		var list []string
		if err := json.Unmarshal([]byte(value), &list); err != nil {
			return invalid("rules must be a JSON array of strings")
		}
		rules, err := filemanager.ParseRules(list)
		if err != nil {
			return invalid(err.Error())
		}
		spec.Rules = rules
	}
	return nil
}

// rawFilename returns the filename parameter unmodified. multipart.Part's
// FileName strips directories, which folder uploads rely on.
func rawFilename(disposition string) string {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// GET /api/filemanager/actions/download-file?file=
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	dl, err := s.service.Download(r.Context(), r.URL.Query().Get("file"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.stream(w, r, dl)
}

// GET /api/filemanager/shared/{token}
func (s *Server) handleSharedDownload(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil {
		s.sendStatus(w, http.StatusNotFound, filemanager.NotFound, "temporary links are disabled")
		return
	}
	p, err := s.signer.Verify(r.PathValue("token"))
	if err != nil {
		metrics.RecordLink("rejected")
		s.sendError(w, r, err)
		return
	}
	metrics.RecordLink("redeemed")
	dl, err := s.service.DownloadShared(r.Context(), p)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.stream(w, r, dl)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, dl *filemanager.Download) {
	defer dl.Body.Close()

	contentType := dl.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Name}))
	w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, dl.Body); err != nil {
		logging.WithContext(r.Context()).Warn("download transfer error", zap.String("file", dl.Name), zap.Error(err))
	}
}

// GET /api/filemanager/actions/thumbnail?file=
func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	data, err := s.service.Thumbnail(r.Context(), r.URL.Query().Get("file"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// LinkResponse is returned for a new temporary link.
type LinkResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleTemporaryLink(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil {
		s.sendStatus(w, http.StatusNotFound, filemanager.NotFound, "temporary links are disabled")
		return
	}
	var req struct {
		File string `json:"file"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	p, err := s.service.ShareableFile(r.Context(), req.File)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	token, expires, err := s.signer.Sign(p, s.linkTTL)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	metrics.RecordLink("issued")
	sendJSON(w, http.StatusOK, LinkResponse{
		URL:       prefix + "/shared/" + token,
		ExpiresAt: expires,
	})
}
