package api

import (
	"net/http"
	"sort"

	"github.com/fruitsalade/filemanager/internal/filemanager"
	"github.com/fruitsalade/filemanager/internal/storage"
)

// ConfigResponse tells the UI what it may show.
type ConfigResponse struct {
	Disk              string              `json:"disk"`
	Buttons           filemanager.Buttons `json:"buttons"`
	Filters           []string            `json:"filters"`
	UploadRules       filemanager.Rules   `json:"upload_rules"`
	DefaultVisibility storage.Visibility  `json:"visibility"`
	TemporaryLinks    bool                `json:"temporary_links"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	opts := s.service.Options()
	filters := make([]string, 0, len(opts.FilterPresets))
	for name := range opts.FilterPresets {
		filters = append(filters, name)
	}
	sort.Strings(filters)

	sendJSON(w, http.StatusOK, ConfigResponse{
		Disk:              s.disk,
		Buttons:           opts.Buttons,
		Filters:           filters,
		UploadRules:       opts.UploadRules,
		DefaultVisibility: opts.DefaultVisibility,
		TemporaryLinks:    s.signer != nil,
	})
}

// GET /api/filemanager/data?path=&filter=
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	listing, err := s.service.List(r.Context(), q.Get("path"), q.Get("filter"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, listing)
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Folder  string `json:"folder"`
		Current string `json:"current"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	node, err := s.service.CreateFolder(r.Context(), req.Folder, req.Current)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	sendJSON(w, http.StatusCreated, node)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Current string `json:"current"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.service.DeleteFolder(r.Context(), req.Current); err != nil {
		s.sendError(w, r, err)
		return
	}
	sendOK(w)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Old  string `json:"old"`
		Path string `json:"path"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.service.Move(r.Context(), req.Old, req.Path); err != nil {
		s.sendError(w, r, err)
		return
	}
	sendOK(w)
}

// handleGetInfo answers {} for a missing file; the UI polls this endpoint
// while an upload is still being stored.
func (s *Server) handleGetInfo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		File string `json:"file"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	node, err := s.service.GetInfo(r.Context(), req.File)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	if node == nil {
		sendJSON(w, http.StatusOK, struct{}{})
		return
	}
	sendJSON(w, http.StatusOK, node)
}

func (s *Server) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		File string `json:"file"`
		Type string `json:"type"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.service.RemoveFile(r.Context(), req.File, req.Type); err != nil {
		s.sendError(w, r, err)
		return
	}
	sendOK(w)
}

func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		File string `json:"file"`
		Name string `json:"name"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.rename(w, r, req.File, req.Name)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.rename(w, r, req.Path, req.Name)
}

func (s *Server) rename(w http.ResponseWriter, r *http.Request, p, name string) {
	if err := s.service.Rename(r.Context(), p, name); err != nil {
		s.sendError(w, r, err)
		return
	}
	sendOK(w)
}

func (s *Server) handleFolderUploaded(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.service.FolderUploaded(r.Context(), req.Path); err != nil {
		s.sendError(w, r, err)
		return
	}
	sendOK(w)
}
