// Package objecttest runs an in-memory S3-compatible server for driver
// tests. It speaks the path-style subset the AWS SDK and minio-go use:
// ListObjectsV2, object CRUD, server-side copy, canned ACLs, batch deletes
// and multipart uploads. Requests are not authenticated.
package objecttest

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	xmlns      = "http://s3.amazonaws.com/doc/2006-03-01/"
	metaPrefix = "X-Amz-Meta-"
	publicRead = "public-read"
)

// Object is a stored object.
type Object struct {
	Data        []byte
	ContentType string
	Meta        map[string]string
	Public      bool
	Modified    time.Time
}

func (o *Object) etag() string {
	sum := md5.Sum(o.Data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

type upload struct {
	key         string
	contentType string
	meta        map[string]string
	public      bool
	parts       map[int][]byte
}

// Server is a fake object store serving a single bucket.
type Server struct {
	*httptest.Server
	Bucket string

	mu       sync.Mutex
	objects  map[string]*Object
	uploads  map[string]*upload
	denied   map[string]bool
	requests []string
	nextID   int
}

// NewServer starts a server for bucket. It is closed when the test ends.
func NewServer(t testing.TB, bucket string) *Server {
	s := &Server{
		Bucket:  bucket,
		objects: make(map[string]*Object),
		uploads: make(map[string]*upload),
		denied:  make(map[string]bool),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Host returns the host:port the server listens on.
func (s *Server) Host() string {
	return strings.TrimPrefix(s.URL, "http://")
}

// Put stores an object directly.
func (s *Server) Put(key, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = &Object{
		Data:        []byte(data),
		ContentType: "binary/octet-stream",
		Modified:    time.Now().UTC(),
	}
}

// Object returns a copy of the object stored at key.
func (s *Server) Object(key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	if !ok {
		return Object{}, false
	}
	c := *o
	c.Data = slices.Clone(o.Data)
	c.Meta = maps.Clone(o.Meta)
	return c, true
}

// Keys returns every stored key in order.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.objects))
}

// Uploads returns the number of multipart uploads still open.
func (s *Server) Uploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// Deny makes every request touching key, including copies from it, fail
// with AccessDenied.
func (s *Server) Deny(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[key] = true
}

// Requests returns "METHOD /path" for every request served so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)

	rest, ok := strings.CutPrefix(r.URL.Path, "/"+s.Bucket)
	if !ok || (rest != "" && rest[0] != '/') {
		writeError(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	key := strings.TrimPrefix(rest, "/")
	if key == "" {
		s.serveBucket(w, r)
		return
	}
	if s.denied[key] {
		writeError(w, http.StatusForbidden, "AccessDenied")
		return
	}
	s.serveObject(w, r, key)
}

func (s *Server) serveBucket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case r.Method == http.MethodHead, r.Method == http.MethodPut:
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && q.Has("location"):
		writeXML(w, struct {
			XMLName xml.Name `xml:"LocationConstraint"`
			Xmlns   string   `xml:"xmlns,attr"`
		}{Xmlns: xmlns})
	case r.Method == http.MethodGet && q.Get("list-type") == "2":
		s.list(w, q)
	case r.Method == http.MethodPost && q.Has("delete"):
		s.deleteBatch(w, r)
	default:
		writeError(w, http.StatusNotImplemented, "NotImplemented")
	}
}

func (s *Server) serveObject(w http.ResponseWriter, r *http.Request, key string) {
	q := r.URL.Query()
	switch r.Method {
	case http.MethodHead, http.MethodGet:
		o, ok := s.objects[key]
		if !ok {
			writeError(w, http.StatusNotFound, "NoSuchKey")
			return
		}
		if q.Has("acl") {
			writeACL(w, o.Public)
			return
		}
		h := w.Header()
		h.Set("Content-Length", strconv.Itoa(len(o.Data)))
		h.Set("Content-Type", o.ContentType)
		h.Set("Last-Modified", o.Modified.Format(http.TimeFormat))
		h.Set("ETag", o.etag())
		for k, v := range o.Meta {
			h.Set(metaPrefix+k, v)
		}
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(o.Data)
		}

	case http.MethodPut:
		switch {
		case q.Has("acl"):
			o, ok := s.objects[key]
			if !ok {
				writeError(w, http.StatusNotFound, "NoSuchKey")
				return
			}
			o.Public = r.Header.Get("X-Amz-Acl") == publicRead
			w.WriteHeader(http.StatusOK)
		case q.Has("uploadId"):
			s.putPart(w, r, q)
		case r.Header.Get("X-Amz-Copy-Source") != "":
			s.copy(w, r, key)
		default:
			data, err := readBody(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "IncompleteBody")
				return
			}
			o := &Object{
				Data:        data,
				ContentType: contentType(r),
				Meta:        userMeta(r.Header),
				Public:      r.Header.Get("X-Amz-Acl") == publicRead,
				Modified:    time.Now().UTC(),
			}
			s.objects[key] = o
			w.Header().Set("ETag", o.etag())
			w.WriteHeader(http.StatusOK)
		}

	case http.MethodPost:
		switch {
		case q.Has("uploads"):
			s.nextID++
			id := fmt.Sprintf("upload-%d", s.nextID)
			s.uploads[id] = &upload{
				key:         key,
				contentType: contentType(r),
				meta:        userMeta(r.Header),
				public:      r.Header.Get("X-Amz-Acl") == publicRead,
				parts:       make(map[int][]byte),
			}
			writeXML(w, struct {
				XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
				Xmlns    string   `xml:"xmlns,attr"`
				Bucket   string
				Key      string
				UploadId string
			}{Xmlns: xmlns, Bucket: s.Bucket, Key: key, UploadId: id})
		case q.Has("uploadId"):
			s.complete(w, q.Get("uploadId"), key)
		default:
			writeError(w, http.StatusNotImplemented, "NotImplemented")
		}

	case http.MethodDelete:
		if id := q.Get("uploadId"); id != "" {
			if _, ok := s.uploads[id]; !ok {
				writeError(w, http.StatusNotFound, "NoSuchUpload")
				return
			}
			delete(s.uploads, id)
		} else {
			delete(s.objects, key)
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func (s *Server) copy(w http.ResponseWriter, r *http.Request, key string) {
	src, err := url.PathUnescape(strings.TrimPrefix(r.Header.Get("X-Amz-Copy-Source"), "/"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidArgument")
		return
	}
	srcKey, ok := strings.CutPrefix(src, s.Bucket+"/")
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchBucket")
		return
	}
	if s.denied[srcKey] {
		writeError(w, http.StatusForbidden, "AccessDenied")
		return
	}
	o, ok := s.objects[srcKey]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchKey")
		return
	}

	meta := maps.Clone(o.Meta)
	if strings.EqualFold(r.Header.Get("X-Amz-Metadata-Directive"), "REPLACE") {
		meta = userMeta(r.Header)
	}
	c := &Object{
		Data:        slices.Clone(o.Data),
		ContentType: o.ContentType,
		Meta:        meta,
		Public:      r.Header.Get("X-Amz-Acl") == publicRead,
		Modified:    time.Now().UTC(),
	}
	s.objects[key] = c
	writeXML(w, struct {
		XMLName      xml.Name `xml:"CopyObjectResult"`
		ETag         string
		LastModified string
	}{ETag: c.etag(), LastModified: c.Modified.Format(time.RFC3339)})
}

func (s *Server) putPart(w http.ResponseWriter, r *http.Request, q url.Values) {
	u, ok := s.uploads[q.Get("uploadId")]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchUpload")
		return
	}
	n, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "InvalidArgument")
		return
	}
	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "IncompleteBody")
		return
	}
	u.parts[n] = data
	sum := md5.Sum(data)
	w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) complete(w http.ResponseWriter, id, key string) {
	u, ok := s.uploads[id]
	if !ok || u.key != key {
		writeError(w, http.StatusNotFound, "NoSuchUpload")
		return
	}
	delete(s.uploads, id)

	var data []byte
	for _, n := range slices.Sorted(maps.Keys(u.parts)) {
		data = append(data, u.parts[n]...)
	}
	o := &Object{
		Data:        data,
		ContentType: u.contentType,
		Meta:        u.meta,
		Public:      u.public,
		Modified:    time.Now().UTC(),
	}
	s.objects[key] = o
	writeXML(w, struct {
		XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
		Xmlns    string   `xml:"xmlns,attr"`
		Location string
		Bucket   string
		Key      string
		ETag     string
	}{Xmlns: xmlns, Location: s.URL + "/" + s.Bucket + "/" + key, Bucket: s.Bucket, Key: key, ETag: o.etag()})
}

type listEntry struct {
	Key          string
	LastModified string
	ETag         string
	Size         int
	StorageClass string
}

type commonPrefix struct {
	Prefix string
}

type listResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	Xmlns                 string   `xml:"xmlns,attr"`
	Name                  string
	Prefix                string
	Delimiter             string `xml:",omitempty"`
	MaxKeys               int
	KeyCount              int
	IsTruncated           bool
	ContinuationToken     string         `xml:",omitempty"`
	NextContinuationToken string         `xml:",omitempty"`
	StartAfter            string         `xml:",omitempty"`
	Contents              []listEntry    `xml:"Contents"`
	CommonPrefixes        []commonPrefix `xml:"CommonPrefixes"`
}

func (s *Server) list(w http.ResponseWriter, q url.Values) {
	prefix, delim := q.Get("prefix"), q.Get("delimiter")
	maxKeys := 1000
	if v, err := strconv.Atoi(q.Get("max-keys")); err == nil && v > 0 {
		maxKeys = v
	}
	after := q.Get("continuation-token")
	if after == "" {
		after = q.Get("start-after")
	}

	type item struct {
		key      string
		isPrefix bool
	}
	var items []item
	seen := make(map[string]bool)
	for _, k := range slices.Sorted(maps.Keys(s.objects)) {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+len(delim)]
				if !seen[cp] {
					seen[cp] = true
					items = append(items, item{key: cp, isPrefix: true})
				}
				continue
			}
		}
		items = append(items, item{key: k})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].key < items[j].key })

	res := listResult{
		Xmlns:             xmlns,
		Name:              s.Bucket,
		Prefix:            prefix,
		Delimiter:         delim,
		MaxKeys:           maxKeys,
		ContinuationToken: q.Get("continuation-token"),
		StartAfter:        q.Get("start-after"),
	}
	for _, it := range items {
		if after != "" && it.key <= after {
			continue
		}
		if res.KeyCount == maxKeys {
			res.IsTruncated = true
			break
		}
		res.KeyCount++
		res.NextContinuationToken = it.key
		if it.isPrefix {
			res.CommonPrefixes = append(res.CommonPrefixes, commonPrefix{Prefix: it.key})
			continue
		}
		o := s.objects[it.key]
		res.Contents = append(res.Contents, listEntry{
			Key:          it.key,
			LastModified: o.Modified.Format("2006-01-02T15:04:05.000Z"),
			ETag:         o.etag(),
			Size:         len(o.Data),
			StorageClass: "STANDARD",
		})
	}
	if !res.IsTruncated {
		res.NextContinuationToken = ""
	}
	writeXML(w, res)
}

func (s *Server) deleteBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Objects []struct {
			Key string
		} `xml:"Object"`
	}
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "MalformedXML")
		return
	}

	type deleteError struct {
		Key     string
		Code    string
		Message string
	}
	var errs []deleteError
	for _, o := range req.Objects {
		if s.denied[o.Key] {
			errs = append(errs, deleteError{Key: o.Key, Code: "AccessDenied", Message: "Access Denied"})
			continue
		}
		delete(s.objects, o.Key)
	}
	writeXML(w, struct {
		XMLName xml.Name      `xml:"DeleteResult"`
		Xmlns   string        `xml:"xmlns,attr"`
		Errors  []deleteError `xml:"Error"`
	}{Xmlns: xmlns, Errors: errs})
}

// readBody returns the request payload, decoding aws-chunked streaming
// uploads.
func readBody(r *http.Request) ([]byte, error) {
	if !strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return io.ReadAll(r.Body)
	}
	br := bufio.NewReader(r.Body)
	var out bytes.Buffer
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeHex, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		n, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, br, n); err != nil {
			return nil, err
		}
		if _, err := br.Discard(2); err != nil {
			return nil, err
		}
	}
}

func contentType(r *http.Request) string {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "binary/octet-stream"
}

func userMeta(h http.Header) map[string]string {
	meta := make(map[string]string)
	for k, v := range h {
		if name, ok := strings.CutPrefix(textproto.CanonicalMIMEHeaderKey(k), metaPrefix); ok && len(v) > 0 {
			meta[name] = v[0]
		}
	}
	return meta
}

func writeACL(w http.ResponseWriter, public bool) {
	var grants strings.Builder
	grants.WriteString(`<Grant><Grantee xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xsi:type="CanonicalUser"><ID>owner</ID></Grantee><Permission>FULL_CONTROL</Permission></Grant>`)
	if public {
		grants.WriteString(`<Grant><Grantee xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xsi:type="Group"><URI>http://acs.amazonaws.com/groups/global/AllUsers</URI></Grantee><Permission>READ</Permission></Grant>`)
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>`+
		`<AccessControlPolicy xmlns="%s"><Owner><ID>owner</ID></Owner><AccessControlList>%s</AccessControlList></AccessControlPolicy>`,
		xmlns, grants.String())
}

func writeXML(w http.ResponseWriter, v any) {
	body, err := xml.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError")
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, xml.Header)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}
