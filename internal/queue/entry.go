package queue

import (
	"path/filepath"

	"github.com/google/uuid"

	"github.com/gostones/s3queue/internal"
	"github.com/gostones/s3queue/internal/upload"
)

// Entry is a file in the queue.
type Entry struct {
	ID          string
	Name        string
	Path        string
	Ext         string
	ContentType string
	Kind        string
	Size        int64
	Parts       int
	Key         string

	State     upload.State
	Progress  int
	Completed bool
	Canceled  bool
	Failed    bool
	Err       error
}

// NewEntry inspects the file at path. chunkSize determines the number of parts.
func NewEntry(path string, chunkSize int64) (*Entry, error) {
	fc := internal.NewFileChunk(path, chunkSize)
	if err := fc.Open(); err != nil {
		return nil, err
	}
	defer fc.Close()

	return &Entry{
		ID:          uuid.NewString(),
		Name:        fc.Name(),
		Path:        path,
		Ext:         filepath.Ext(fc.Name()),
		ContentType: fc.ContentType(),
		Kind:        fc.Kind(),
		Size:        fc.Size(),
		Parts:       fc.Chunk(),
		State:       upload.Created,
	}, nil
}

// Terminal reports whether the entry has been processed.
func (e *Entry) Terminal() bool {
	return e.Completed || e.Canceled || e.Failed
}

// reset clears the outcome of an earlier run.
func (e *Entry) reset() {
	e.Completed = false
	e.Canceled = false
	e.Failed = false
	e.Err = nil
}
