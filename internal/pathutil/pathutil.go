// Package pathutil normalizes and validates client supplied paths.
//
// Every path handed to a storage backend goes through Resolve first. A
// resolved path is relative to the disk root, uses forward slashes, has no
// empty, "." or ".." segments and never starts or ends with a slash. The
// root itself is the empty string.
package pathutil

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrInvalidPath is returned for any path that could escape the root or is
// otherwise malformed.
var ErrInvalidPath = errors.New("invalid path")

// Root is the resolved form of the disk root.
const Root = ""

// Resolve normalizes raw into a root-relative path.
func Resolve(raw string) (string, error) {
	if strings.IndexByte(raw, 0) >= 0 {
		return "", fmt.Errorf("%w: contains NUL byte", ErrInvalidPath)
	}

	p := strings.ReplaceAll(raw, "\\", "/")

	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidPath, raw)
	}
	if hasDriveLetter(p) {
		return "", fmt.Errorf("%w: absolute path %q", ErrInvalidPath, raw)
	}

	segments := strings.Split(p, "/")
	clean := segments[:0]
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("%w: parent reference in %q", ErrInvalidPath, raw)
		}
		clean = append(clean, seg)
	}

	return strings.Join(clean, "/"), nil
}

// Join appends name to base and resolves the result.
func Join(base, name string) (string, error) {
	if base == Root {
		return Resolve(name)
	}
	return Resolve(base + "/" + name)
}

// Parent returns the parent of a resolved path. The parent of a top level
// entry, and of the root, is the root.
func Parent(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return Root
}

// Base returns the last segment of a resolved path.
func Base(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Ext returns the lower-cased extension of p without the leading dot.
func Ext(p string) string {
	ext := path.Ext(Base(p))
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// ValidName reports whether name can be used as a single path segment.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

// IsWithin reports whether p equals parent or lies below it.
func IsWithin(parent, p string) bool {
	if parent == Root {
		return true
	}
	return p == parent || strings.HasPrefix(p, parent+"/")
}

// Split returns the segments of a resolved path.
func Split(p string) []string {
	if p == Root {
		return nil
	}
	return strings.Split(p, "/")
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
