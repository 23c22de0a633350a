// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/filemanager/internal/filemanager"
	"github.com/fruitsalade/filemanager/internal/links"
	"github.com/fruitsalade/filemanager/internal/logging"
	"github.com/fruitsalade/filemanager/internal/metrics"
)

const prefix = "/api/filemanager"

// maxJSONBody caps the body of the JSON action endpoints.
const maxJSONBody = 1 << 20

// Server is the HTTP server.
type Server struct {
	service        *filemanager.Service
	signer         *links.Signer
	linkTTL        time.Duration
	maxRequestSize int64
	disk           string
}

// Options configure a Server.
type Options struct {
	// Disk is the id of the disk being served, reported by the config endpoint.
	Disk string
	// LinkTTL is the lifetime of temporary links.
	LinkTTL time.Duration
	// MaxRequestSize caps upload request bodies; 0 means unlimited.
	MaxRequestSize int64
}

// NewServer creates a new server. signer may be nil, which disables
// temporary links.
func NewServer(service *filemanager.Service, signer *links.Signer, opts Options) *Server {
	return &Server{
		service:        service,
		signer:         signer,
		linkTTL:        opts.LinkTTL,
		maxRequestSize: opts.MaxRequestSize,
		disk:           opts.Disk,
	}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET "+prefix+"/data", s.handleList)
	mux.HandleFunc("GET "+prefix+"/config", s.handleConfig)

	mux.HandleFunc("POST "+prefix+"/actions/create-folder", s.handleCreateFolder)
	mux.HandleFunc("POST "+prefix+"/actions/delete-folder", s.handleDeleteFolder)
	mux.HandleFunc("POST "+prefix+"/actions/upload", s.handleUpload)
	mux.HandleFunc("POST "+prefix+"/actions/move", s.handleMove)
	mux.HandleFunc("POST "+prefix+"/actions/get-info", s.handleGetInfo)
	mux.HandleFunc("POST "+prefix+"/actions/remove-file", s.handleRemoveFile)
	mux.HandleFunc("POST "+prefix+"/actions/rename-file", s.handleRenameFile)
	mux.HandleFunc("POST "+prefix+"/actions/rename", s.handleRename)
	mux.HandleFunc("GET "+prefix+"/actions/download-file", s.handleDownload)
	mux.HandleFunc("POST "+prefix+"/actions/folder-uploaded-event", s.handleFolderUploaded)
	mux.HandleFunc("GET "+prefix+"/actions/thumbnail", s.handleThumbnail)
	mux.HandleFunc("POST "+prefix+"/actions/temporary-link", s.handleTemporaryLink)
	mux.HandleFunc("GET "+prefix+"/shared/{token}", s.handleSharedDownload)

	// metrics.Middleware reads r.Pattern, which the mux sets on the request
	// it is handed, so it has to sit inside logging.Middleware.
	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok", "disk": s.disk})
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error    string   `json:"error"`
	Code     int      `json:"code"`
	Kind     string   `json:"kind"`
	Messages []string `json:"messages,omitempty"`
}

var kindStatus = map[filemanager.Kind]int{
	filemanager.InvalidPath:         http.StatusBadRequest,
	filemanager.DriverNotSupported:  http.StatusInternalServerError,
	filemanager.FolderAlreadyExists: http.StatusConflict,
	filemanager.Conflict:            http.StatusConflict,
	filemanager.NotFound:            http.StatusNotFound,
	filemanager.ValidationFailed:    http.StatusUnprocessableEntity,
	filemanager.BackendUnavailable:  http.StatusServiceUnavailable,
	filemanager.ListingFailed:       http.StatusBadGateway,
	filemanager.PermissionDenied:    http.StatusForbidden,
}

// sendError writes err as an ErrorResponse. Errors that are not
// *filemanager.Error are logged and reported as internal errors without
// their text.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	var fe *filemanager.Error
	if !errors.As(err, &fe) {
		logging.WithContext(r.Context()).Error("unexpected handler error", zap.Error(err))
		s.sendStatus(w, http.StatusInternalServerError, filemanager.Unknown, "internal error")
		return
	}
	code, ok := kindStatus[fe.Kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	sendJSON(w, code, ErrorResponse{
		Error:    fe.Error(),
		Code:     code,
		Kind:     fe.Kind.String(),
		Messages: fe.Messages,
	})
}

// sendStatus writes an error that did not come from the service, such as a
// malformed request.
func (s *Server) sendStatus(w http.ResponseWriter, code int, kind filemanager.Kind, message string) {
	sendJSON(w, code, ErrorResponse{
		Error: message,
		Code:  code,
		Kind:  kind.String(),
	})
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func sendOK(w http.ResponseWriter) {
	sendJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// decode reads a JSON request body into v, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v); err != nil {
		s.sendStatus(w, http.StatusBadRequest, filemanager.ValidationFailed, "invalid request body")
		return false
	}
	return true
}
