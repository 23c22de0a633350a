package filemanager

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/fruitsalade/filemanager/internal/pathutil"
)

// Rules constrain uploads. Zero values mean "no constraint".
type Rules struct {
	MaxSize    int64    `json:"max_size,omitempty"` // bytes
	MinSize    int64    `json:"min_size,omitempty"` // bytes
	Extensions []string `json:"extensions,omitempty"`
	MimeTypes  []string `json:"mime_types,omitempty"` // "image/*" wildcards allowed
}

// Rule names used in metrics and messages.
const (
	ruleMax       = "max"
	ruleMin       = "min"
	ruleExtension = "mimes"
	ruleMimeType  = "mimetypes"
	ruleSize      = "size"
)

type violation struct {
	rule    string
	message string
}

// ParseRules parses rule strings of the form
//
//	max:<KiB>  min:<KiB>  mimes:jpg,png  mimetypes:image/*,application/pdf  image  file
func ParseRules(specs []string) (Rules, error) {
	var r Rules
	for _, spec := range specs {
		name, arg, _ := strings.Cut(strings.TrimSpace(spec), ":")
		name = strings.ToLower(name)
		switch name {
		case "":
			continue
		case "file":
			// Every upload is a file.
		case "image":
			r.MimeTypes = append(r.MimeTypes, "image/*")
		case ruleMax, ruleMin:
			kib, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
			if err != nil || kib < 0 {
				return Rules{}, fmt.Errorf("rule %q: size must be a non-negative number of kilobytes", spec)
			}
			if name == ruleMax {
				r.MaxSize = kib << 10
			} else {
				r.MinSize = kib << 10
			}
		case ruleExtension:
			exts := splitList(arg)
			if len(exts) == 0 {
				return Rules{}, fmt.Errorf("rule %q: no extensions", spec)
			}
			for _, e := range exts {
				r.Extensions = append(r.Extensions, strings.ToLower(strings.TrimPrefix(e, ".")))
			}
		case ruleMimeType:
			types := splitList(arg)
			if len(types) == 0 {
				return Rules{}, fmt.Errorf("rule %q: no mime types", spec)
			}
			for _, t := range types {
				r.MimeTypes = append(r.MimeTypes, strings.ToLower(t))
			}
		default:
			return Rules{}, fmt.Errorf("unknown upload rule %q", spec)
		}
	}
	if r.MaxSize > 0 && r.MinSize > r.MaxSize {
		return Rules{}, fmt.Errorf("min size %d exceeds max size %d", r.MinSize, r.MaxSize)
	}
	return r, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Merge returns r with every non-zero field of o laid over it.
func (r Rules) Merge(o Rules) Rules {
	if o.MaxSize > 0 {
		r.MaxSize = o.MaxSize
	}
	if o.MinSize > 0 {
		r.MinSize = o.MinSize
	}
	if len(o.Extensions) > 0 {
		r.Extensions = o.Extensions
	}
	if len(o.MimeTypes) > 0 {
		r.MimeTypes = o.MimeTypes
	}
	return r
}

// checkName validates the file extension.
func (r Rules) checkName(name string) []violation {
	if len(r.Extensions) == 0 {
		return nil
	}
	ext := pathutil.Ext(name)
	for _, allowed := range r.Extensions {
		if ext == allowed {
			return nil
		}
	}
	return []violation{{
		rule:    ruleExtension,
		message: fmt.Sprintf("file type must be one of: %s", strings.Join(r.Extensions, ", ")),
	}}
}

// checkSize validates a known size.
func (r Rules) checkSize(size int64) []violation {
	var v []violation
	if r.MaxSize > 0 && size > r.MaxSize {
		v = append(v, violation{rule: ruleMax, message: r.maxMessage()})
	}
	if r.MinSize > 0 && size < r.MinSize {
		v = append(v, violation{rule: ruleMin, message: r.minMessage()})
	}
	return v
}

// checkMime validates the sniffed content type.
func (r Rules) checkMime(mt *mimetype.MIME) []violation {
	if len(r.MimeTypes) == 0 {
		return nil
	}
	for _, allowed := range r.MimeTypes {
		if prefix, ok := strings.CutSuffix(allowed, "/*"); ok {
			for m := mt; m != nil; m = m.Parent() {
				if strings.HasPrefix(m.String(), prefix+"/") {
					return nil
				}
			}
			continue
		}
		if mt.Is(allowed) {
			return nil
		}
	}
	return []violation{{
		rule:    ruleMimeType,
		message: fmt.Sprintf("content type %s is not allowed, expected one of: %s", mt.String(), strings.Join(r.MimeTypes, ", ")),
	}}
}

func (r Rules) maxMessage() string {
	return fmt.Sprintf("file may not be greater than %s", humanize.IBytes(uint64(r.MaxSize)))
}

func (r Rules) minMessage() string {
	return fmt.Sprintf("file must be at least %s", humanize.IBytes(uint64(r.MinSize)))
}
