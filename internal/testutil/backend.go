// Package testutil provides an in-memory storage backend with a real HTTP endpoint
// for the pre-signed part uploads.
package testutil

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gostones/s3queue/internal/types"
)

type multipart struct {
	key     string
	parts   map[int][]byte
	etags   map[int]string
	aborted bool
}

// Backend implements storage.Backend in memory. Parts are PUT over HTTP to Server.
type Backend struct {
	Server *httptest.Server

	// FailCreate, FailURL and FailComplete make the matching call fail.
	FailCreate   error
	FailURL      error
	FailComplete error
	// FailPart answers 500 to the PUT of a part when it returns true.
	FailPart func(uploadID string, part int) bool
	// OmitETag makes the PUT endpoint answer without an ETag header.
	OmitETag bool

	mu        sync.Mutex
	seq       int
	uploads   map[string]*multipart
	objects   map[string][]byte
	completes []string
	aborts    []string
	puts      int
	md5s      map[string]string
}

func NewBackend() *Backend {
	b := &Backend{
		uploads: make(map[string]*multipart),
		objects: make(map[string][]byte),
		md5s:    make(map[string]string),
	}
	b.Server = httptest.NewServer(http.HandlerFunc(b.put))
	return b
}

func (b *Backend) Close() {
	b.Server.Close()
}

func (b *Backend) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	if b.FailCreate != nil {
		return "", b.FailCreate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("upload-%d", b.seq)
	b.uploads[id] = &multipart{
		key:   key,
		parts: make(map[int][]byte),
		etags: make(map[int]string),
	}
	return id, nil
}

func (b *Backend) GetUploadPartURL(ctx context.Context, key, uploadID string, partNumber int, contentMD5 string) (string, error) {
	if b.FailURL != nil {
		return "", b.FailURL
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.uploads[uploadID]; !ok {
		return "", errors.New("no such upload")
	}
	u := fmt.Sprintf("%s/%s/%d", b.Server.URL, uploadID, partNumber)
	b.md5s[u] = contentMD5
	return u, nil
}

func (b *Backend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []types.CompletedPart) (*types.CompleteUploadData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completes = append(b.completes, uploadID)
	if b.FailComplete != nil {
		return nil, b.FailComplete
	}
	mp, ok := b.uploads[uploadID]
	if !ok || mp.aborted {
		return nil, errors.New("no such upload")
	}
	var buf bytes.Buffer
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return nil, fmt.Errorf("part %d out of order", p.PartNumber)
		}
		if mp.etags[p.PartNumber] != p.ETag {
			return nil, fmt.Errorf("part %d: etag mismatch", p.PartNumber)
		}
		buf.Write(mp.parts[p.PartNumber])
	}
	if len(parts) != len(mp.parts) {
		return nil, fmt.Errorf("got %d parts, stored %d", len(parts), len(mp.parts))
	}
	b.objects[key] = buf.Bytes()
	delete(b.uploads, uploadID)
	return &types.CompleteUploadData{
		Location: b.Server.URL + "/" + key,
		Key:      key,
	}, nil
}

func (b *Backend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborts = append(b.aborts, uploadID)
	if mp, ok := b.uploads[uploadID]; ok {
		mp.aborted = true
	}
	return nil
}

func (b *Backend) put(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	seg := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(seg) != 2 {
		http.NotFound(w, r)
		return
	}
	uploadID := seg[0]
	part, err := strconv.Atoi(seg[1])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	if want := b.md5s[b.Server.URL+r.URL.Path]; want != r.Header.Get("Content-MD5") {
		http.Error(w, "bad digest", http.StatusBadRequest)
		return
	}
	if b.FailPart != nil && b.FailPart(uploadID, part) {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	mp, ok := b.uploads[uploadID]
	if !ok || mp.aborted {
		http.Error(w, "no such upload", http.StatusNotFound)
		return
	}
	sum := md5.Sum(data)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	mp.parts[part] = data
	mp.etags[part] = etag
	if !b.OmitETag {
		w.Header().Set("ETag", etag)
	}
	w.WriteHeader(http.StatusOK)
}

// SetFailPart replaces FailPart while uploads may be in flight.
func (b *Backend) SetFailPart(f func(uploadID string, part int) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.FailPart = f
}

// Object returns a completed object.
func (b *Backend) Object(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

// Objects returns the number of completed objects.
func (b *Backend) Objects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// Completes returns the upload ids passed to CompleteMultipartUpload.
func (b *Backend) Completes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.completes...)
}

// Aborts returns the upload ids passed to AbortMultipartUpload.
func (b *Backend) Aborts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.aborts...)
}

// Puts returns the number of part PUTs received.
func (b *Backend) Puts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}
