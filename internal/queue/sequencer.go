// Package queue uploads an ordered list of files one at a time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gostones/s3queue/internal"
	"github.com/gostones/s3queue/internal/upload"
)

var (
	ErrBusy     = errors.New("queue is running")
	ErrNotFound = errors.New("no such entry")
	ErrStarted  = errors.New("entry already started")
)

// Listener receives the events of a running queue. Entries are copies.
type Listener interface {
	// Progress is called after every progress event of the active upload.
	Progress(index int, entry Entry, parts []upload.PartProgress)
	// Done is called once per entry when it reaches a terminal state.
	Done(index int, entry Entry, completed, total int)
}

type Options struct {
	// KeyPrefix is prepended to the generated object keys.
	KeyPrefix string
	Listener  Listener
	Log       logrus.FieldLogger
}

// Summary counts the outcomes of a queue run.
type Summary struct {
	Total     int
	Processed int
	Succeeded int
	Failed    int
	Canceled  int
}

// Sequencer runs exactly one upload session at a time, in queue order.
type Sequencer struct {
	uploader  *upload.Uploader
	keyPrefix string
	listener  Listener
	log       logrus.FieldLogger

	mu        sync.Mutex
	entries   []*Entry
	sessions  map[int]*upload.Session
	current   int
	pending   bool // cancel requested before the session of current was registered
	running   bool
	completed int
	gen       int
}

func New(uploader *upload.Uploader, opts Options) *Sequencer {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Sequencer{
		uploader:  uploader,
		keyPrefix: opts.KeyPrefix,
		listener:  opts.Listener,
		log:       opts.Log,
		sessions:  make(map[int]*upload.Session),
		current:   -1,
	}
}

// Add appends entries to an idle queue.
func (q *Sequencer) Add(entries ...*Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return ErrBusy
	}
	q.entries = append(q.entries, entries...)
	return nil
}

// Remove drops an entry that has not been uploaded yet from an idle queue.
func (q *Sequencer) Remove(index int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return ErrBusy
	}
	if index < 0 || index >= len(q.entries) {
		return ErrNotFound
	}
	if e := q.entries[index]; e.State != upload.Created || e.Terminal() {
		return ErrStarted
	}
	q.entries = append(q.entries[:index], q.entries[index+1:]...)
	return nil
}

// Entries returns a copy of the queue.
func (q *Sequencer) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		entries[i] = *e
	}
	return entries
}

func (q *Sequencer) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Completed is the number of entries that reached a terminal state, failures included.
func (q *Sequencer) Completed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

// Current is the index of the active entry, -1 when none is active.
func (q *Sequencer) Current() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

func (q *Sequencer) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Start uploads the queue from index 0 and returns once every entry is terminal, the
// queue is reset or ctx is done. Non-empty entries replace the queue. An empty queue is a no-op.
func (q *Sequencer) Start(ctx context.Context, entries ...*Entry) (Summary, error) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return Summary{}, ErrBusy
	}
	if len(entries) > 0 {
		q.entries = entries
	}
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return Summary{}, nil
	}
	q.running = true
	q.completed = 0
	gen := q.gen
	q.mu.Unlock()

	q.log.WithField("total", q.Len()).Info("queue started")

	var err error
	for i := 0; ; i++ {
		if err = ctx.Err(); err != nil {
			break
		}
		q.mu.Lock()
		if q.gen != gen || i >= len(q.entries) {
			q.mu.Unlock()
			break
		}
		e := q.entries[i]
		q.current = i
		q.pending = false
		q.mu.Unlock()

		q.process(ctx, gen, i, e)
	}

	q.mu.Lock()
	q.running = false
	q.current = -1
	q.pending = false
	summary := Summary{Total: len(q.entries), Processed: q.completed}
	for _, e := range q.entries {
		switch {
		case e.Completed:
			summary.Succeeded++
		case e.Canceled:
			summary.Canceled++
		case e.Failed:
			summary.Failed++
		}
	}
	q.mu.Unlock()

	q.log.WithFields(logrus.Fields{
		"processed": summary.Processed,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"canceled":  summary.Canceled,
	}).Info("queue finished")
	return summary, err
}

// process runs the session of entry i to a terminal state.
func (q *Sequencer) process(ctx context.Context, gen, i int, e *Entry) {
	if e.Completed {
		q.finish(gen, i, e, nil, upload.Completed)
		return
	}

	q.mu.Lock()
	if q.gen != gen {
		q.mu.Unlock()
		return
	}
	e.reset()
	e.State = upload.Created
	e.Progress = 0
	q.mu.Unlock()

	fc := internal.NewFileChunk(e.Path, q.uploader.ChunkSize())
	if err := fc.Open(); err != nil {
		q.finish(gen, i, e, &upload.Error{Kind: upload.KindInitiation, Key: e.Path, Err: err}, upload.Aborted)
		return
	}
	defer fc.Close()

	key := q.keyPrefix + uuid.NewString() + e.Ext
	s := q.uploader.NewSession(fc, key)
	s.OnProgress(func(parts []upload.PartProgress, percentage int) {
		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return
		}
		e.State = upload.Uploading
		e.Progress = percentage
		entry := *e
		q.mu.Unlock()
		if q.listener != nil {
			q.listener.Progress(i, entry, parts)
		}
	})

	q.mu.Lock()
	if q.gen != gen {
		q.mu.Unlock()
		return
	}
	e.Key = key
	e.Parts = internal.PartCount(fc.Size(), q.uploader.ChunkSize())
	q.sessions[i] = s
	if q.pending && q.current == i {
		q.pending = false
		s.Abort()
	}
	q.mu.Unlock()

	err := s.Run(ctx)

	q.mu.Lock()
	delete(q.sessions, i)
	q.mu.Unlock()
	q.finish(gen, i, e, err, s.State())
}

func (q *Sequencer) finish(gen, i int, e *Entry, err error, state upload.State) {
	q.mu.Lock()
	if q.gen != gen {
		q.mu.Unlock()
		return
	}
	e.reset()
	e.State = state
	e.Err = err
	switch {
	case err == nil:
		e.Completed = true
		e.Progress = 100
	case upload.KindOf(err) == upload.KindCanceled:
		e.Canceled = true
	default:
		e.Failed = true
	}
	q.completed++
	completed, total := q.completed, len(q.entries)
	entry := *e
	q.mu.Unlock()

	log := q.log.WithFields(logrus.Fields{"name": e.Name, "key": e.Key})
	if err != nil {
		log.WithError(err).Warn(fmt.Sprintf("%d out of %d uploads complete", completed, total))
	} else {
		log.Info(fmt.Sprintf("%d out of %d uploads complete", completed, total))
	}
	if q.listener != nil {
		q.listener.Done(i, entry, completed, total)
	}
}

// CancelCurrent aborts the session of entry index if it is the active one. A session
// that is not registered yet is aborted as soon as it is.
func (q *Sequencer) CancelCurrent(index int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index != q.current || index >= len(q.entries) || q.entries[index].Completed {
		return false
	}
	if s, ok := q.sessions[index]; ok {
		s.Abort()
	} else {
		q.pending = true
	}
	return true
}

// Reset clears the queue and the completed count. A running queue aborts its active
// session and does not advance any further.
func (q *Sequencer) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, s := range q.sessions {
		s.Abort()
	}
	q.sessions = make(map[int]*upload.Session)
	q.entries = nil
	q.completed = 0
	q.pending = false
	q.gen++
}
