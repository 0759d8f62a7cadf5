// Package upload is the chunked multipart upload engine. A Session uploads one file:
// it creates the remote upload, gets one pre-signed URL per part, PUTs the parts
// concurrently and completes the upload, or aborts it on the first failure.
package upload

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/gostones/s3queue/internal/storage"
)

const (
	MiB = 1024 * 1024

	// MinChunkSize is the smallest part S3 accepts, except for the last part.
	MinChunkSize = 5 * MiB
	// DefaultChunkSize is the part size used when none is configured.
	DefaultChunkSize = 100 * MiB
)

type Options struct {
	ChunkSize int64
	// Concurrency caps the parts in flight per session; 0 means no limit.
	Concurrency int
	// AbortOnCancel issues the remote abort when the user cancels an upload.
	AbortOnCancel bool
	// Checksum signs and sends a Content-MD5 for every part.
	Checksum   bool
	HTTPClient *http.Client
	Log        logrus.FieldLogger
}

// Uploader creates sessions sharing one backend and one set of options.
type Uploader struct {
	backend storage.Backend
	opts    Options
}

func NewUploader(backend storage.Backend, opts Options) *Uploader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Uploader{
		backend: backend,
		opts:    opts,
	}
}

func (u *Uploader) ChunkSize() int64 {
	return u.opts.ChunkSize
}

// NewSession returns a session uploading src to key. Nothing happens until Run.
func (u *Uploader) NewSession(src Source, key string) *Session {
	return &Session{
		backend:       u.backend,
		client:        u.opts.HTTPClient,
		src:           src,
		key:           key,
		chunkSize:     u.opts.ChunkSize,
		concurrency:   u.opts.Concurrency,
		abortOnCancel: u.opts.AbortOnCancel,
		checksum:      u.opts.Checksum,
		log:           u.opts.Log.WithFields(logrus.Fields{"key": key, "name": src.Name()}),
		state:         Created,
	}
}
