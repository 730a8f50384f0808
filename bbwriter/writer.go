// Package bbwriter consumes ring buffers into trace files.
//
// A Writer runs a single loop, which processes trace submissions one at a
// time, in the order they were submitted. Processing a submission walks the
// buffer forward from the submitted cursor, reassembles entries, and watches
// for the lifecycle markers of the submitted trace id: a start marker opens
// the trace file, and an end, abort, or timeout marker closes it.
package bbwriter

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peterbourgon/blackbox"
	"github.com/peterbourgon/blackbox/bbpacket"
	"github.com/peterbourgon/blackbox/bbring"
	"github.com/peterbourgon/blackbox/bbtrace"
	"github.com/peterbourgon/blackbox/internal/bbdebug"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("bbwriter")

// ErrStopped is returned by submissions to a stopped writer.
var ErrStopped = errors.New("writer stopped")

// Source is the buffer a writer consumes, typically a *bbring.Buffer.
type Source interface {
	SlotSize() int
	CurrentTail() bbring.Cursor
	CurrentHead() bbring.Cursor
	WaitAndTryRead(ctx context.Context, c bbring.Cursor, dst []byte) (int, error)
}

// Outcome describes the result of processing one submission.
type Outcome struct {
	TraceID int64       `json:"trace_id"`
	State   State       `json:"state"`
	Path    string      `json:"path,omitempty"`
	CRC32   uint32      `json:"crc32,omitempty"`
	Reason  AbortReason `json:"reason,omitempty"`
	Entries int         `json:"entries"`
}

type submission struct {
	cursor  bbring.Cursor
	traceID int64
	stop    bool
}

// Writer writes trace files from a buffer.
type Writer struct {
	folder    string
	prefix    string
	src       Source
	callbacks Callbacks
	headers   []bbtrace.Header
	precision int
	invert    bool
	state     TraceStateFunc
	log       *zap.Logger
	now       func() time.Time

	mtx     sync.Mutex
	queue   []submission
	started bool
	stopped bool
	wake    chan struct{}
	stopc   chan struct{}
	done    chan struct{}

	current atomic.Int32
}

// Option configures a writer.
type Option func(*Writer)

// WithCallbacks sets the lifecycle callbacks.
func WithCallbacks(c Callbacks) Option {
	return func(w *Writer) { w.callbacks = c }
}

// WithHeaders sets custom headers written to every trace file.
func WithHeaders(headers ...bbtrace.Header) Option {
	return func(w *Writer) { w.headers = append(w.headers, headers...) }
}

// WithPrecision sets the timestamp precision of trace files, in digits after
// the second. The default is bbtrace.DefaultPrecision.
func WithPrecision(p int) Option {
	return func(w *Writer) { w.precision = p }
}

// WithInvertFrames controls whether stack samples are written root first,
// which is the default.
func WithInvertFrames(invert bool) Option {
	return func(w *Writer) { w.invert = invert }
}

// WithTraceState sets a function told about the active trace id.
func WithTraceState(f TraceStateFunc) Option {
	return func(w *Writer) { w.state = f }
}

// WithLogger sets the diagnostic logger. The default discards.
func WithLogger(log *zap.Logger) Option {
	return func(w *Writer) { w.log = log }
}

// WithClock sets the wall clock used to name trace files.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// New returns a writer which reads src and writes traces under folder, with
// file names starting with prefix.
func New(folder, prefix string, src Source, opts ...Option) *Writer {
	w := &Writer{
		folder:    folder,
		prefix:    prefix,
		src:       src,
		callbacks: MultiCallbacks(nil),
		precision: bbtrace.DefaultPrecision,
		invert:    true,
		state:     func(int64) {},
		log:       zap.NewNop(),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		stopc:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the state of the current or most recent trace.
func (w *Writer) State() State {
	return State(w.current.Load())
}

// Pending returns the number of submissions waiting to be processed.
func (w *Writer) Pending() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return len(w.queue)
}

// Submit queues a request to record the trace with the given id, starting
// from the cursor. The trace id must be positive.
func (w *Writer) Submit(cursor bbring.Cursor, traceID int64) error {
	if traceID <= 0 {
		return Error.New("invalid trace id %d", traceID)
	}
	return w.enqueue(submission{cursor: cursor, traceID: traceID})
}

// SubmitLatest is like Submit, starting from the oldest data still in the
// buffer.
func (w *Writer) SubmitLatest(traceID int64) error {
	return w.Submit(w.src.CurrentTail(), traceID)
}

// SubmitStop queues a request to stop the loop. Submissions made before it
// are processed first.
func (w *Writer) SubmitStop() error {
	return w.enqueue(submission{stop: true})
}

func (w *Writer) enqueue(s submission) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.stopped {
		return ErrStopped
	}

	w.queue = append(w.queue, s)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop interrupts the loop, and returns once it has exited. A trace being
// recorded is aborted with AbortStopped, and pending submissions are
// discarded. Stop may be called more than once, and before Loop.
func (w *Writer) Stop() {
	w.mtx.Lock()
	started := w.started
	if !w.stopped {
		w.stopped = true
		close(w.stopc)
	}
	w.mtx.Unlock()

	if started {
		<-w.done
	}
}

// Loop processes submissions until a stop submission is reached, Stop is
// called, or the context is canceled. It returns nil when stopped, and the
// context error otherwise. Loop may only be called once.
func (w *Writer) Loop(ctx context.Context) error {
	w.mtx.Lock()
	if w.started {
		w.mtx.Unlock()
		return Error.New("loop already started")
	}
	w.started = true
	w.mtx.Unlock()

	defer close(w.done)
	defer w.markStopped()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopc:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		s, ok := w.next(ctx)
		if !ok {
			break
		}

		if s.stop {
			w.log.Debug("stop submission")
			return nil
		}

		if _, err := w.process(ctx, s.cursor, s.traceID); err != nil {
			w.log.Error("trace processing failed", zap.Int64("trace_id", s.traceID), zap.Error(err))
		}
	}

	select {
	case <-w.stopc:
		if n := w.Pending(); n > 0 {
			w.log.Info("discarding pending submissions", zap.Int("count", n))
		}
		return nil
	default:
		return ctx.Err()
	}
}

func (w *Writer) markStopped() {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.stopc)
	}
}

func (w *Writer) next(ctx context.Context) (submission, bool) {
	for {
		if ctx.Err() != nil {
			return submission{}, false
		}

		w.mtx.Lock()
		if w.stopped {
			w.mtx.Unlock()
			return submission{}, false
		}
		if len(w.queue) > 0 {
			s := w.queue[0]
			w.queue = w.queue[1:]
			w.mtx.Unlock()
			return s, true
		}
		w.mtx.Unlock()

		select {
		case <-w.wake:
		case <-w.stopc:
			return submission{}, false
		case <-ctx.Done():
			return submission{}, false
		}
	}
}

// ProcessTrace synchronously processes a single trace, starting from the
// cursor, independent of the loop. It returns when the trace is finished,
// when it's proven that the trace can't be found, or when the context is
// canceled, which aborts a trace being recorded with AbortStopped.
func (w *Writer) ProcessTrace(ctx context.Context, cursor bbring.Cursor, traceID int64) (Outcome, error) {
	if traceID <= 0 {
		return Outcome{TraceID: traceID}, Error.New("invalid trace id %d", traceID)
	}
	return w.process(ctx, cursor, traceID)
}

func (w *Writer) process(ctx context.Context, cursor bbring.Cursor, traceID int64) (Outcome, error) {
	bbdebug.WriterCounters.Submitted.Add(1)

	var (
		lc  = newLifecycle(w, traceID)
		pkt = make([]byte, w.src.SlotSize())
		log = w.log.With(zap.Int64("trace_id", traceID))
	)

	r := bbpacket.NewReassembler(func(_ uint32, payload []byte) {
		if lc.done {
			return
		}
		e, err := blackbox.Unmarshal(payload)
		if err != nil {
			log.Warn("skipping undecodable entry", zap.Error(err))
			return
		}
		lc.visit(e)
	}, 0)

	w.current.Store(int32(StateIdle))

	for !lc.done {
		_, err := w.src.WaitAndTryRead(ctx, cursor, pkt)
		switch {
		case err == nil:
			// ok

		case errors.Is(err, bbring.ErrMissed):
			bbdebug.WriterCounters.Missed.Add(1)
			if lc.recording() {
				log.Info("missed event while recording", zap.Stringer("cursor", cursor))
				lc.abort(AbortMissedEvent)
			} else {
				log.Info("missed event before trace start", zap.Stringer("cursor", cursor))
				lc.missed()
			}
			continue

		case ctx.Err() != nil:
			if lc.recording() {
				lc.abort(AbortStopped)
			}
			return lc.outcome(), lc.err

		default:
			return lc.outcome(), Error.Wrap(err)
		}

		if err := r.Process(pkt); err != nil {
			log.Warn("skipping malformed packet", zap.Stringer("cursor", cursor), zap.Error(err))
			r.Reset()
		}

		cursor = cursor.Next()
	}

	return lc.outcome(), lc.err
}

var pid = os.Getpid()
