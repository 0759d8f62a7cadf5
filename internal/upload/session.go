package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gostones/s3queue/internal"
	"github.com/gostones/s3queue/internal/storage"
	"github.com/gostones/s3queue/internal/types"
)

const abortTimeout = 30 * time.Second

// State of a session. A session only moves forward; Completed and Aborted are terminal.
type State int

const (
	Created State = iota
	Initiated
	URLsIssued
	Uploading
	Finalizing
	Completed
	Aborted
)

var stateNames = [...]string{"Created", "Initiated", "UrlsIssued", "Uploading", "Finalizing", "Completed", "Aborted"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether the session has finished.
func (s State) Terminal() bool {
	return s == Completed || s == Aborted
}

// Source is the file being uploaded.
type Source interface {
	io.ReaderAt
	Name() string
	Size() int64
	ContentType() string
}

// SignedPart is a part together with the URL it must be PUT to.
type SignedPart struct {
	internal.Part
	URL        string
	ContentMD5 string
}

// Session is the multipart upload of one file.
type Session struct {
	backend       storage.Backend
	client        *http.Client
	src           Source
	key           string
	chunkSize     int64
	concurrency   int
	abortOnCancel bool
	checksum      bool
	log           logrus.FieldLogger

	canceled atomic.Bool

	mu        sync.Mutex
	state     State
	uploadID  string
	parts     []internal.Part
	signed    []SignedPart
	progress  []PartProgress
	completed []types.CompletedPart
	done      int
	stop      context.CancelFunc
	err       error

	emit       sync.Mutex
	onProgress func([]PartProgress, int)
	onError    func(error)
	onSuccess  func(string)
}

// OnProgress sets the callback receiving a snapshot of every part and the aggregate
// percentage. It is only called while the aggregate is below 100.
func (s *Session) OnProgress(fn func(parts []PartProgress, percentage int)) *Session {
	s.onProgress = fn
	return s
}

func (s *Session) OnError(fn func(error)) *Session {
	s.onError = fn
	return s
}

func (s *Session) OnSuccess(fn func(message string)) *Session {
	s.onSuccess = fn
	return s
}

// Abort asks the session to stop. Parts in flight notice on their next progress tick.
func (s *Session) Abort() {
	s.canceled.Store(true)
}

func (s *Session) Canceled() bool {
	return s.canceled.Load()
}

func (s *Session) Key() string {
	return s.key
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) UploadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadID
}

// Err returns the terminal error, nil unless the session was aborted.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Progress returns a snapshot of the per part progress.
func (s *Session) Progress() []PartProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PartProgress(nil), s.progress...)
}

// Percentage is the aggregate progress; 100 only once the upload is completed.
func (s *Session) Percentage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Completed {
		return 100
	}
	if p := Aggregate(s.progress); p < 100 {
		return p
	}
	return 99
}

// CompletedParts returns the stored parts ordered by part number.
func (s *Session) CompletedParts() []types.CompletedPart {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make([]types.CompletedPart, 0, s.done)
	for _, p := range s.completed {
		if p.PartNumber > 0 {
			parts = append(parts, p)
		}
	}
	return parts
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.log.WithField("state", state).Debug("session state")
}

// Run drives the session to a terminal state and returns nil once the upload is completed.
// The error is always an *Error.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Created {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	sctx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.mu.Unlock()
	defer cancel()

	if err := s.initiate(sctx); err != nil {
		if s.stopped(ctx) {
			return s.cancel(ctx, false)
		}
		return s.fail(ctx, KindInitiation, 0, err, false)
	}
	if s.stopped(ctx) {
		return s.cancel(ctx, true)
	}

	if err := s.issueURLs(sctx); err != nil {
		if s.stopped(ctx) {
			return s.cancel(ctx, true)
		}
		return s.fail(ctx, KindURLIssuance, 0, err, true)
	}
	if s.stopped(ctx) {
		return s.cancel(ctx, true)
	}

	if err := s.uploadParts(sctx); err != nil {
		if s.stopped(ctx) {
			return s.cancel(ctx, true)
		}
		var perr *partError
		number := 0
		if errors.As(err, &perr) {
			number = perr.number
		}
		return s.fail(ctx, KindPartTransfer, number, err, true)
	}
	if s.stopped(ctx) {
		return s.cancel(ctx, true)
	}

	if err := s.finalize(sctx); err != nil {
		return s.fail(ctx, KindFinalization, 0, err, true)
	}

	s.setState(Completed)
	msg := fmt.Sprintf("%s successfully uploaded.", s.src.Name())
	s.log.Info(msg)
	if s.onSuccess != nil {
		s.onSuccess(msg)
	}
	return nil
}

// stopped reports whether the user canceled or the caller's context is done.
func (s *Session) stopped(ctx context.Context) bool {
	return s.canceled.Load() || ctx.Err() != nil
}

func (s *Session) initiate(ctx context.Context) error {
	uploadID, err := s.backend.CreateMultipartUpload(ctx, s.key, s.src.ContentType())
	if err != nil {
		return err
	}
	parts := internal.Plan(s.src.Size(), s.chunkSize)

	s.mu.Lock()
	s.uploadID = uploadID
	s.parts = parts
	s.mu.Unlock()

	s.log = s.log.WithField("uploadId", uploadID)
	s.setState(Initiated)
	return nil
}

// issueURLs requests one signed URL per part, in parallel.
func (s *Session) issueURLs(ctx context.Context) error {
	signed := make([]SignedPart, len(s.parts))
	g, gctx := errgroup.WithContext(ctx)
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i, p := range s.parts {
		i, p := i, p
		g.Go(func() error {
			var md5 string
			if s.checksum {
				b64, _, err := internal.NewChunkReader(s.src, p, nil).MD5()
				if err != nil {
					return fmt.Errorf("part %d checksum: %w", p.Number, err)
				}
				md5 = b64
			}
			u, err := s.backend.GetUploadPartURL(gctx, s.key, s.uploadID, p.Number, md5)
			if err != nil {
				return err
			}
			signed[i] = SignedPart{Part: p, URL: u, ContentMD5: md5}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	progress := make([]PartProgress, len(signed))
	for i, sp := range signed {
		progress[i] = PartProgress{PartNumber: sp.Number, BytesTotal: sp.Size()}
	}
	s.mu.Lock()
	s.signed = signed
	s.progress = progress
	s.completed = make([]types.CompletedPart, len(signed))
	s.mu.Unlock()

	s.setState(URLsIssued)
	return nil
}

// uploadParts puts every part to its signed URL. All parts are in flight at once unless a
// concurrency limit is set. The first failure stops the siblings.
func (s *Session) uploadParts(ctx context.Context) error {
	s.setState(Uploading)

	g, gctx := errgroup.WithContext(ctx)
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i, sp := range s.signed {
		if s.canceled.Load() {
			break
		}
		i, sp := i, sp
		g.Go(func() error {
			if s.canceled.Load() {
				return ErrCanceled
			}
			etag, err := s.uploadPart(gctx, i, sp)
			if err != nil {
				return &partError{number: sp.Number, err: err}
			}
			s.mu.Lock()
			s.completed[i] = types.CompletedPart{PartNumber: sp.Number, ETag: etag}
			s.done++
			s.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != len(s.signed) {
		return fmt.Errorf("%d of %d parts uploaded", done, len(s.signed))
	}
	return nil
}

func (s *Session) uploadPart(ctx context.Context, i int, sp SignedPart) (string, error) {
	var body io.Reader = http.NoBody
	if sp.Size() > 0 {
		body = internal.NewChunkReader(s.src, sp.Part, func(sent int64) error {
			return s.tick(i, sent)
		})
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sp.URL, body)
	if err != nil {
		return "", err
	}
	req.ContentLength = sp.Size()
	if sp.ContentMD5 != "" {
		req.Header.Set("Content-MD5", sp.ContentMD5)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status: %s", resp.Status)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", errors.New("missing ETag")
	}
	s.log.WithFields(logrus.Fields{"part": sp.Number, "etag": etag}).Debug("part uploaded")
	return etag, nil
}

// tick records the bytes sent for part i and checks for cancellation.
// Snapshots are taken and delivered under emit so callbacks see them in order.
func (s *Session) tick(i int, sent int64) error {
	s.emit.Lock()
	s.mu.Lock()
	p := &s.progress[i]
	p.BytesSent = sent
	p.Percentage = Percent(sent, p.BytesTotal)
	percentage := Aggregate(s.progress)
	var snapshot []PartProgress
	if percentage < 100 && s.onProgress != nil {
		snapshot = append([]PartProgress(nil), s.progress...)
	}
	s.mu.Unlock()

	if snapshot != nil {
		s.onProgress(snapshot, percentage)
	}
	s.emit.Unlock()

	if s.canceled.Load() {
		s.stop()
		return ErrCanceled
	}
	return nil
}

func (s *Session) finalize(ctx context.Context) error {
	s.setState(Finalizing)
	s.mu.Lock()
	parts := append([]types.CompletedPart(nil), s.completed...)
	s.mu.Unlock()

	data, err := s.backend.CompleteMultipartUpload(ctx, s.key, s.uploadID, parts)
	if err != nil {
		return err
	}
	s.log.WithField("location", data.Location).Debug("upload finalized")
	return nil
}

func (s *Session) fail(ctx context.Context, kind Kind, partNumber int, cause error, abort bool) error {
	e := &Error{
		Kind:       kind,
		Key:        s.key,
		UploadID:   s.UploadID(),
		PartNumber: partNumber,
		Err:        cause,
	}
	s.terminate(e)
	s.log.WithError(cause).WithField("kind", kind).Error("upload failed")
	if s.onError != nil {
		s.onError(e)
	}
	if abort {
		s.abortRemote(ctx)
	}
	return e
}

func (s *Session) cancel(ctx context.Context, haveUploadID bool) error {
	e := &Error{
		Kind:     KindCanceled,
		Key:      s.key,
		UploadID: s.UploadID(),
		Err:      ErrCanceled,
	}
	s.terminate(e)
	s.log.Warn("upload canceled")
	if s.onError != nil {
		s.onError(e)
	}
	if haveUploadID && s.abortOnCancel {
		s.abortRemote(ctx)
	}
	return e
}

func (s *Session) terminate(err error) {
	s.mu.Lock()
	s.state = Aborted
	s.err = err
	s.mu.Unlock()
}

// abortRemote releases the remote upload even when ctx is already canceled.
func (s *Session) abortRemote(ctx context.Context) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	if err := s.backend.AbortMultipartUpload(actx, s.key, s.UploadID()); err != nil {
		s.log.WithError(err).Warn("abort upload")
		return
	}
	s.log.Debug("remote upload aborted")
}
