package filemanager

import (
	"mime"
	"strings"
	"time"

	"github.com/fruitsalade/filemanager/internal/pathutil"
	"github.com/fruitsalade/filemanager/internal/storage"
)

// NodeType tells folders and files apart.
type NodeType string

const (
	Folder NodeType = "folder"
	File   NodeType = "file"
)

// Class is the coarse media classification of a file.
type Class string

const (
	ClassImage    Class = "image"
	ClassVideo    Class = "video"
	ClassDocument Class = "document"
	ClassOther    Class = "other"
)

// Node is a projection of one backend entry. Nodes are computed on demand
// and never stored.
type Node struct {
	Name         string             `json:"name"`
	Path         string             `json:"path"`
	Type         NodeType           `json:"type"`
	Size         int64              `json:"size,omitempty"`
	Extension    string             `json:"extension,omitempty"`
	Mime         string             `json:"mime,omitempty"`
	Class        Class              `json:"class,omitempty"`
	Visibility   storage.Visibility `json:"visibility"`
	LastModified time.Time          `json:"last_modified"`
	URL          string             `json:"url,omitempty"`
	Thumbnail    bool               `json:"thumbnail"`
}

// IsFolder reports whether n is a folder.
func (n *Node) IsFolder() bool { return n.Type == Folder }

var documentTypes = map[string]bool{
	"application/pdf":               true,
	"application/msword":            true,
	"application/rtf":               true,
	"application/vnd.ms-excel":      true,
	"application/vnd.ms-powerpoint": true,
	"application/json":              true,
	"application/xml":               true,
}

var documentPrefixes = []string{
	"text/",
	"application/vnd.openxmlformats-officedocument.",
	"application/vnd.oasis.opendocument.",
}

// classify maps a mime type to a Class.
func classify(mimeType string) Class {
	mt, _, _ := strings.Cut(strings.ToLower(mimeType), ";")
	mt = strings.TrimSpace(mt)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return ClassImage
	case strings.HasPrefix(mt, "video/"):
		return ClassVideo
	case documentTypes[mt]:
		return ClassDocument
	}
	for _, p := range documentPrefixes {
		if strings.HasPrefix(mt, p) {
			return ClassDocument
		}
	}
	return ClassOther
}

// mimeFor returns detected when it is informative, otherwise a guess from
// the extension.
func mimeFor(detected, name string) string {
	if detected != "" && detected != "application/octet-stream" {
		return detected
	}
	if ext := pathutil.Ext(name); ext != "" {
		if guessed := mime.TypeByExtension("." + ext); guessed != "" {
			return guessed
		}
	}
	if detected != "" {
		return detected
	}
	return "application/octet-stream"
}

// folderNode builds the Node of a folder.
func (s *Service) folderNode(p string, modified time.Time, vis storage.Visibility) *Node {
	return &Node{
		Name:         pathutil.Base(p),
		Path:         p,
		Type:         Folder,
		Visibility:   vis,
		LastModified: modified,
	}
}

// fileNode builds the Node of a file, filling in classification, thumbnail
// eligibility and the public URL.
func (s *Service) fileNode(p string, size int64, detected string, modified time.Time, vis storage.Visibility) *Node {
	name := pathutil.Base(p)
	mt := mimeFor(detected, name)
	n := &Node{
		Name:         name,
		Path:         p,
		Type:         File,
		Size:         size,
		Extension:    pathutil.Ext(name),
		Mime:         mt,
		Class:        classify(mt),
		Visibility:   vis,
		LastModified: modified,
	}
	n.Thumbnail = s.thumbnailEligible(n)
	if vis == storage.Public {
		if u, ok := s.backend.PublicURL(p); ok {
			n.URL = u
		}
	}
	return n
}

func (s *Service) thumbnailEligible(n *Node) bool {
	if n.Class != ClassImage {
		return false
	}
	if _, ok := s.thumbExts[n.Extension]; !ok {
		return false
	}
	return s.opts.Thumbnails.MaxSize <= 0 || n.Size <= s.opts.Thumbnails.MaxSize
}
