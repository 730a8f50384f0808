package bbwriter

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/peterbourgon/blackbox"
	"github.com/peterbourgon/blackbox/bbtrace"
	"github.com/peterbourgon/blackbox/internal/bbdebug"
	"go.uber.org/zap"
)

// lifecycle follows the markers of a single trace id through a stream of
// entries, and owns the trace file while the trace is recording.
type lifecycle struct {
	w       *Writer
	traceID int64
	log     *zap.Logger

	file    *bbtrace.File
	enc     *bbtrace.Encoder
	path    string
	entries int

	done   bool
	state  State
	crc    uint32
	reason AbortReason
	err    error
}

func newLifecycle(w *Writer, traceID int64) *lifecycle {
	return &lifecycle{
		w:       w,
		traceID: traceID,
		log:     w.log.With(zap.Int64("trace_id", traceID)),
		state:   StateIdle,
	}
}

func (lc *lifecycle) recording() bool {
	return lc.enc != nil
}

func (lc *lifecycle) outcome() Outcome {
	return Outcome{
		TraceID: lc.traceID,
		State:   lc.state,
		Path:    lc.path,
		CRC32:   lc.crc,
		Reason:  lc.reason,
		Entries: lc.entries,
	}
}

func (lc *lifecycle) visit(e blackbox.Entry) {
	switch x := e.(type) {
	case blackbox.StandardEntry:
		if x.Extra != lc.traceID {
			break
		}
		switch x.Type {
		case blackbox.TypeTraceStart, blackbox.TypeTraceBackwards:
			if lc.recording() {
				lc.abort(AbortNewStart)
				return
			}
			if !lc.start(int32(x.MatchID)) {
				return
			}

		case blackbox.TypeTraceEnd:
			lc.encode(e)
			lc.end()
			return

		case blackbox.TypeTraceAbort:
			lc.encode(e)
			lc.abort(AbortControllerInitiated)
			return

		case blackbox.TypeTraceTimeout:
			lc.encode(e)
			lc.abort(AbortTimeout)
			return
		}

	case blackbox.BytesEntry, blackbox.FramesEntry:
		// no lifecycle meaning

	default:
		panic(fmt.Errorf("unknown entry type %T", e))
	}

	lc.encode(e)
}

func (lc *lifecycle) start(flags int32) bool {
	path, err := lc.create()
	if err != nil {
		lc.err = Error.Wrap(err)
		lc.log.Error("create trace file failed", zap.Error(err))
		lc.finish(StateAborted, AbortWriteError)
		bbdebug.WriterCounters.Aborted.Add(1)
		lc.w.callbacks.OnTraceAbort(lc.traceID, AbortWriteError)
		return false
	}

	lc.path = path
	lc.state = StateRecording
	lc.w.current.Store(int32(StateRecording))
	lc.w.state(lc.traceID)
	bbdebug.WriterCounters.Started.Add(1)
	lc.log.Info("trace started", zap.String("path", path), zap.Int32("flags", flags))
	lc.w.callbacks.OnTraceStart(lc.traceID, flags, path)
	return true
}

func (lc *lifecycle) create() (string, error) {
	id, err := bbtrace.FormatID(lc.traceID)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(lc.w.folder, bbtrace.Sanitize(id))
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", fmt.Errorf("create trace folder: %w", err)
	}

	path := filepath.Join(dir, bbtrace.Sanitize(traceFilename(lc.w.prefix, lc.w.now(), id)))
	f, err := bbtrace.Create(path)
	if err != nil {
		return "", err
	}

	enc := bbtrace.NewEncoder(f,
		bbtrace.WithPrecision(lc.w.precision),
		bbtrace.WithInvertFrames(lc.w.invert),
	)
	if err := enc.WriteHeader(id, lc.w.headers); err != nil {
		f.Close()
		return "", err
	}

	lc.file, lc.enc = f, enc
	return path, nil
}

// traceFilename is prefix-pid-Y-M-DTh-m-s-id.tmp, in local time, without
// zero padding.
func traceFilename(prefix string, now time.Time, id string) string {
	return fmt.Sprintf("%s-%d-%d-%d-%dT%d-%d-%d-%s.tmp",
		prefix, pid,
		now.Year(), int(now.Month()), now.Day(),
		now.Hour(), now.Minute(), now.Second(),
		id,
	)
}

func (lc *lifecycle) encode(e blackbox.Entry) {
	if !lc.recording() {
		return
	}
	if err := lc.enc.Encode(e); err != nil {
		lc.err = Error.Wrap(err)
		lc.abort(AbortWriteError)
		return
	}
	lc.entries++
	bbdebug.WriterCounters.Entries.Add(1)
}

// end completes a recording trace. An end marker seen before the trace
// started means the trace can't be found from this cursor.
func (lc *lifecycle) end() {
	if !lc.recording() {
		lc.log.Debug("end marker before start marker")
		lc.done = true
		return
	}

	crc, err := lc.close()
	if err != nil {
		lc.err = err
		lc.finish(StateAborted, AbortWriteError)
		bbdebug.WriterCounters.Aborted.Add(1)
		lc.w.callbacks.OnTraceAbort(lc.traceID, AbortWriteError)
		return
	}

	lc.crc = crc
	lc.finish(StateCompleted, AbortUnknown)
	bbdebug.WriterCounters.Completed.Add(1)
	lc.log.Info("trace completed", zap.String("path", lc.path), zap.Int("entries", lc.entries), zap.Uint32("crc32", crc))
	lc.w.callbacks.OnTraceEnd(lc.traceID, crc)
}

// abort finalizes a recording trace with an abort marker. Aborts seen before
// the trace started end processing without callbacks.
func (lc *lifecycle) abort(reason AbortReason) {
	if !lc.recording() {
		lc.log.Debug("abort before start marker", zap.Stringer("reason", reason))
		lc.done = true
		return
	}

	if reason != AbortWriteError {
		if err := lc.enc.Abort(reason.String()); err != nil && lc.err == nil {
			lc.err = Error.Wrap(err)
		}
	}
	if _, err := lc.close(); err != nil && lc.err == nil {
		lc.err = err
	}

	lc.finish(StateAborted, reason)
	bbdebug.WriterCounters.Aborted.Add(1)
	lc.log.Info("trace aborted", zap.String("path", lc.path), zap.Stringer("reason", reason))
	lc.w.callbacks.OnTraceAbort(lc.traceID, reason)
}

func (lc *lifecycle) close() (uint32, error) {
	var (
		flushErr      = lc.enc.Flush()
		crc, closeErr = lc.file.Close()
	)
	lc.enc, lc.file = nil, nil
	if flushErr != nil {
		return 0, Error.Wrap(flushErr)
	}
	if closeErr != nil {
		return 0, closeErr
	}
	return crc, nil
}

// missed reports a trace whose start was overwritten before it was read. No
// file is created, so OnTraceAbort is called without OnTraceStart.
func (lc *lifecycle) missed() {
	lc.finish(StateAborted, AbortMissedEvent)
	bbdebug.WriterCounters.Aborted.Add(1)
	lc.w.callbacks.OnTraceAbort(lc.traceID, AbortMissedEvent)
}

func (lc *lifecycle) finish(state State, reason AbortReason) {
	lc.done = true
	lc.state = state
	lc.reason = reason
	lc.w.current.Store(int32(state))
	lc.w.state(0)
}
