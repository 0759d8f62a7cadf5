package upload

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostones/s3queue/internal/testutil"
)

const kib = 1024

type memSource struct {
	*bytes.Reader
	name string
}

func (m memSource) Name() string {
	return m.name
}

func (m memSource) ContentType() string {
	return "application/octet-stream"
}

func newSource(size int) (memSource, []byte) {
	data := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(data)
	return memSource{Reader: bytes.NewReader(data), name: "file.bin"}, data
}

type recorder struct {
	mu       sync.Mutex
	progress []int
	parts    []int
	errs     []error
	success  []string
	abort    func(int)
}

func (r *recorder) attach(s *Session) *Session {
	return s.
		OnProgress(func(parts []PartProgress, percentage int) {
			r.mu.Lock()
			r.progress = append(r.progress, percentage)
			r.parts = append(r.parts, len(parts))
			n := len(r.progress)
			r.mu.Unlock()
			if r.abort != nil {
				r.abort(n)
			}
		}).
		OnError(func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		}).
		OnSuccess(func(msg string) {
			r.mu.Lock()
			r.success = append(r.success, msg)
			r.mu.Unlock()
		})
}

func newUploader(b *testutil.Backend, opts Options) *Uploader {
	log, _ := logtest.NewNullLogger()
	opts.Log = log
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 100 * kib
	}
	return NewUploader(b, opts)
}

func TestSessionUpload(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()

	src, data := newSource(250 * kib)
	var rec recorder
	s := rec.attach(newUploader(b, Options{}).NewSession(src, "media/file.bin"))
	require.Equal(t, Created, s.State())

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, Completed, s.State())
	assert.Equal(t, "upload-1", s.UploadID())
	assert.Equal(t, 100, s.Percentage())
	assert.NoError(t, s.Err())

	parts := s.CompletedParts()
	require.Len(t, parts, 3)
	for i, p := range parts {
		assert.Equal(t, i+1, p.PartNumber)
		assert.NotEmpty(t, p.ETag)
	}
	progress := s.Progress()
	require.Len(t, progress, 3)
	assert.Equal(t, int64(100*kib), progress[0].BytesTotal)
	assert.Equal(t, int64(50*kib), progress[2].BytesTotal)

	obj, ok := b.Object("media/file.bin")
	require.True(t, ok)
	assert.Equal(t, data, obj)
	assert.Equal(t, []string{"upload-1"}, b.Completes())
	assert.Empty(t, b.Aborts())

	assert.Equal(t, []string{"file.bin successfully uploaded."}, rec.success)
	assert.Empty(t, rec.errs)
	require.NotEmpty(t, rec.progress)
	for i, p := range rec.progress {
		assert.Less(t, p, 100)
		assert.Equal(t, 3, rec.parts[i])
	}
}

func TestSessionProgressOrder(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()

	for i := 0; i < 10; i++ {
		src, _ := newSource(64*16*kib + kib + i)
		var mu sync.Mutex
		last, regressions := -1, 0
		s := newUploader(b, Options{ChunkSize: 16 * kib}).NewSession(src, "k")
		s.OnProgress(func(parts []PartProgress, percentage int) {
			mu.Lock()
			defer mu.Unlock()
			if percentage < last {
				regressions++
			}
			last = percentage
			assert.Equal(t, Aggregate(parts), percentage)
		})
		require.NoError(t, s.Run(context.Background()))
		assert.Zero(t, regressions)
		assert.Len(t, s.CompletedParts(), 65)
	}
}

func TestSessionEmptyFile(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()

	src, _ := newSource(0)
	var rec recorder
	s := rec.attach(newUploader(b, Options{}).NewSession(src, "empty"))

	require.NoError(t, s.Run(context.Background()))
	assert.Len(t, s.CompletedParts(), 1)
	assert.Equal(t, 1, b.Puts())
	obj, ok := b.Object("empty")
	require.True(t, ok)
	assert.Empty(t, obj)
	assert.Empty(t, rec.progress)
	assert.Len(t, rec.success, 1)
}

func TestSessionInitiationError(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()
	b.FailCreate = errors.New("access denied")

	src, _ := newSource(10 * kib)
	var rec recorder
	s := rec.attach(newUploader(b, Options{}).NewSession(src, "k"))

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindInitiation, KindOf(err))
	assert.Equal(t, Aborted, s.State())
	assert.Empty(t, b.Aborts())
	assert.Empty(t, b.Completes())
	require.Len(t, rec.errs, 1)
	assert.Equal(t, err, rec.errs[0])
	assert.Empty(t, rec.success)
}

func TestSessionURLIssuanceError(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()
	b.FailURL = errors.New("presign failed")

	src, _ := newSource(250 * kib)
	s := newUploader(b, Options{}).NewSession(src, "k")

	err := s.Run(context.Background())
	assert.Equal(t, KindURLIssuance, KindOf(err))
	assert.Equal(t, []string{"upload-1"}, b.Aborts())
	assert.Zero(t, b.Puts())
	assert.Empty(t, b.Completes())
}

func TestSessionPartTransferError(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()
	b.FailPart = func(uploadID string, part int) bool {
		return part == 2
	}

	src, _ := newSource(250 * kib)
	var rec recorder
	s := rec.attach(newUploader(b, Options{}).NewSession(src, "k"))

	err := s.Run(context.Background())
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KindPartTransfer, e.Kind)
	assert.Equal(t, 2, e.PartNumber)
	assert.Equal(t, "upload-1", e.UploadID)
	assert.Equal(t, Aborted, s.State())
	assert.Less(t, len(s.CompletedParts()), 3)
	assert.Equal(t, []string{"upload-1"}, b.Aborts())
	assert.Empty(t, b.Completes())
	assert.Len(t, rec.errs, 1)
	assert.Empty(t, rec.success)
}

func TestSessionMissingETag(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()
	b.OmitETag = true

	src, _ := newSource(10 * kib)
	err := newUploader(b, Options{}).NewSession(src, "k").Run(context.Background())
	assert.Equal(t, KindPartTransfer, KindOf(err))
	assert.Len(t, b.Aborts(), 1)
}

func TestSessionFinalizationError(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()
	b.FailComplete = errors.New("invalid part order")

	src, _ := newSource(250 * kib)
	var rec recorder
	s := rec.attach(newUploader(b, Options{}).NewSession(src, "k"))

	err := s.Run(context.Background())
	assert.Equal(t, KindFinalization, KindOf(err))
	assert.Len(t, s.CompletedParts(), 3)
	assert.Equal(t, []string{"upload-1"}, b.Completes())
	assert.Equal(t, []string{"upload-1"}, b.Aborts())
	assert.Len(t, rec.errs, 1)
	assert.NotEqual(t, 100, s.Percentage())
}

func TestSessionCancel(t *testing.T) {
	for _, abortOnCancel := range []bool{true, false} {
		b := testutil.NewBackend()

		src, _ := newSource(600 * kib)
		var rec recorder
		s := newUploader(b, Options{ChunkSize: 256 * kib, AbortOnCancel: abortOnCancel}).NewSession(src, "k")
		rec.abort = func(int) { s.Abort() }
		rec.attach(s)

		err := s.Run(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCanceled))
		assert.Equal(t, KindCanceled, KindOf(err))
		assert.True(t, s.Canceled())
		assert.Equal(t, Aborted, s.State())
		assert.Less(t, len(s.CompletedParts()), 3)
		assert.Empty(t, b.Completes())
		assert.Empty(t, rec.success)
		if abortOnCancel {
			assert.Equal(t, []string{"upload-1"}, b.Aborts())
		} else {
			assert.Empty(t, b.Aborts())
		}
		b.Close()
	}
}

func TestSessionCancelBeforeUpload(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()

	src, _ := newSource(250 * kib)
	s := newUploader(b, Options{AbortOnCancel: true}).NewSession(src, "k")
	s.Abort()

	err := s.Run(context.Background())
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.Zero(t, b.Puts())
	assert.Empty(t, b.Completes())
	assert.Equal(t, []string{"upload-1"}, b.Aborts())
}

func TestSessionContextCanceled(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src, _ := newSource(250 * kib)
	err := newUploader(b, Options{}).NewSession(src, "k").Run(ctx)
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.Empty(t, b.Completes())
}

func TestSessionConcurrencyLimit(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()

	src, data := newSource(450 * kib)
	s := newUploader(b, Options{Concurrency: 1}).NewSession(src, "k")
	require.NoError(t, s.Run(context.Background()))
	assert.Len(t, s.CompletedParts(), 5)
	obj, _ := b.Object("k")
	assert.Equal(t, data, obj)
}

func TestSessionChecksum(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()

	src, data := newSource(150 * kib)
	s := newUploader(b, Options{Checksum: true}).NewSession(src, "k")
	require.NoError(t, s.Run(context.Background()))
	obj, _ := b.Object("k")
	assert.Equal(t, data, obj)
}

func TestSessionRunTwice(t *testing.T) {
	b := testutil.NewBackend()
	defer b.Close()

	src, _ := newSource(kib)
	s := newUploader(b, Options{}).NewSession(src, "k")
	require.NoError(t, s.Run(context.Background()))
	assert.Error(t, s.Run(context.Background()))
	assert.Len(t, b.Completes(), 1)
}
