package internal

import (
	"io"
	"os"
)

// FileChunk is a local file opened for a chunked upload.
type FileChunk struct {
	filename  string
	chunksize int64

	file        *os.File
	name        string
	contentType string
	kind        string
	chunk       int   // number of chunk
	size        int64 // file size
}

func NewFileChunk(filename string, chunksize int64) *FileChunk {
	return &FileChunk{
		filename:  filename,
		chunksize: chunksize,
	}
}

func (r *FileChunk) Open() error {
	file, err := os.Open(r.filename)
	if err != nil {
		return err
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	contentType, err := ContentType(file)
	if err != nil {
		file.Close()
		return err
	}

	r.file = file
	r.name = fi.Name()
	r.size = fi.Size()
	r.chunk = PartCount(r.size, r.chunksize)
	r.contentType = contentType
	r.kind = MediaKind(contentType)
	return nil
}

func (r *FileChunk) Close() error {
	if r.file == nil {
		return os.ErrInvalid
	}
	return r.file.Close()
}

// ReadAt reads from the underlying file. Concurrent calls are safe.
func (r *FileChunk) ReadAt(p []byte, off int64) (int, error) {
	if r.file == nil {
		return 0, os.ErrInvalid
	}
	return r.file.ReadAt(p, off)
}

// Parts returns the byte ranges of the file.
func (r *FileChunk) Parts() []Part {
	return Plan(r.size, r.chunksize)
}

func (r *FileChunk) Name() string {
	return r.name
}

func (r *FileChunk) ContentType() string {
	return r.contentType
}

// Kind is the media kind of the file: image, video, audio, pdf, doc or other.
func (r *FileChunk) Kind() string {
	return r.kind
}

func (r *FileChunk) Size() int64 {
	return r.size
}

func (r *FileChunk) Chunk() int {
	return r.chunk
}

// ChunkReader reads one part of a source. After every read the observer, if any, is called
// with the number of bytes read so far; a non-nil error from the observer fails the read.
type ChunkReader struct {
	src      io.ReaderAt
	part     Part
	off      int64
	count    Counter // bytes read
	observer func(int64) error
}

func NewChunkReader(src io.ReaderAt, part Part, observer func(int64) error) *ChunkReader {
	return &ChunkReader{
		src:      src,
		part:     part,
		off:      part.Start,
		observer: observer,
	}
}

// MD5 returns the checksums of the part without moving the reader.
func (r *ChunkReader) MD5() (string, string, error) {
	return MD5Sum(io.NewSectionReader(r.src, r.part.Start, r.part.Size()))
}

func (r *ChunkReader) read(p []byte) (int, error) {
	if r.off >= r.part.End {
		return 0, io.EOF
	}
	if max := r.part.End - r.off; int64(len(p)) > max {
		p = p[0:max]
	}
	n, err := r.src.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && r.off >= r.part.End {
		err = nil
	}
	return n, err
}

func (r *ChunkReader) Read(p []byte) (int, error) {
	n, err := r.read(p)
	if n > 0 {
		sent := r.count.Increment(int64(n))
		if r.observer != nil {
			if oerr := r.observer(sent); oerr != nil {
				return n, oerr
			}
		}
	}
	return n, err
}

func (r *ChunkReader) Part() Part {
	return r.part
}

// Count returns the number of bytes read so far.
func (r *ChunkReader) Count() int64 {
	return r.count.Get()
}
