// Package bbrecover writes traces from persisted buffers left behind by
// processes that died while a trace was recording.
//
// The entries which survive in the buffer file are copied into a fresh
// in-memory buffer, bracketed by a TRACE_BACKWARDS marker and a TRACE_END
// marker for the trace id recorded in the file's header, along with
// annotations describing the dead process. The fresh buffer is then processed
// by an ordinary trace writer.
package bbrecover

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/peterbourgon/blackbox"
	"github.com/peterbourgon/blackbox/bbmmap"
	"github.com/peterbourgon/blackbox/bbpacket"
	"github.com/peterbourgon/blackbox/bbring"
	"github.com/peterbourgon/blackbox/bbwriter"
	"github.com/peterbourgon/blackbox/internal/bbdebug"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("bbrecover")

var (
	// ErrNoTrace is returned for buffer files whose process wasn't recording
	// a trace when it died.
	ErrNoTrace = errors.New("no trace was recording")

	// ErrNoEntries is returned when no entry could be read from the buffer
	// file.
	ErrNoEntries = errors.New("no readable entries")
)

// ExtraSlots is the room left in the recovery buffer for the markers and
// annotations written around the copied entries.
const ExtraSlots = 4096

// CollectionMethod is the value of the collection_method annotation.
const CollectionMethod = "persistent"

// MappingKey is the key of the STRING_KEY entry attached to each MAPPING
// entry. The value is one line of the memory maps file.
const MappingKey = "mapping"

// Call ids of the TRACE_ANNOTATION entries written for each recovered trace.
const (
	AnnotationVersionCode int64 = 1 + iota
	AnnotationConfigID
	AnnotationPID
	AnnotationLongContext
	AnnotationSessionID
	AnnotationTrigger
)

// Recoverer writes traces from persisted buffer files.
type Recoverer struct {
	folder     string
	prefix     string
	flags      int32
	callbacks  bbwriter.Callbacks
	writerOpts []bbwriter.Option
	clock      blackbox.Clock
	log        *zap.Logger
}

// Option configures a recoverer.
type Option func(*Recoverer)

// WithCallbacks sets the lifecycle callbacks of recovered traces.
func WithCallbacks(c bbwriter.Callbacks) Option {
	return func(r *Recoverer) { r.callbacks = c }
}

// WithTraceFlags sets the flags carried by the TRACE_BACKWARDS marker, and
// reported to OnTraceStart.
func WithTraceFlags(flags int32) Option {
	return func(r *Recoverer) { r.flags = flags }
}

// WithWriterOptions passes options, like headers or precision, to the trace
// writer.
func WithWriterOptions(opts ...bbwriter.Option) Option {
	return func(r *Recoverer) { r.writerOpts = append(r.writerOpts, opts...) }
}

// WithClock sets the clock used to stamp the entries written by recovery.
func WithClock(c blackbox.Clock) Option {
	return func(r *Recoverer) { r.clock = c }
}

// WithLogger sets the diagnostic logger. The default discards.
func WithLogger(log *zap.Logger) Option {
	return func(r *Recoverer) { r.log = log }
}

// New returns a recoverer writing traces under folder, with file names
// starting with prefix.
func New(folder, prefix string, opts ...Option) *Recoverer {
	r := &Recoverer{
		folder:    folder,
		prefix:    prefix,
		callbacks: bbwriter.MultiCallbacks(nil),
		clock:     blackbox.MonotonicClock,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WriteTrace recovers the trace from the buffer file at dumpPath. The typ
// describes what triggered recovery, e.g. "crash", and is written as an
// annotation.
func (r *Recoverer) WriteTrace(ctx context.Context, dumpPath, typ string) (bbwriter.Outcome, error) {
	bbdebug.RecoverCounters.Attempted.Add(1)

	snap, err := bbmmap.Open(dumpPath)
	if err != nil {
		if errors.Is(err, bbmmap.ErrUnreadable) {
			bbdebug.RecoverCounters.Unreadable.Add(1)
		}
		return bbwriter.Outcome{}, err
	}

	hdr := snap.Header()
	if hdr.TraceID == 0 {
		return bbwriter.Outcome{}, Error.Wrap(ErrNoTrace)
	}

	log := r.log.With(zap.String("path", dumpPath), zap.Int64("trace_id", hdr.TraceID))

	var mappings []string
	if hdr.MapsFilename != "" {
		// The maps file lives next to the buffer file.
		mapsPath := filepath.Join(filepath.Dir(dumpPath), filepath.Base(hdr.MapsFilename))
		mappings, err = readLines(mapsPath)
		if err != nil {
			log.Warn("skipping memory mappings", zap.Error(err))
		}
	}

	slotSize := int(hdr.SlotSize)
	capacity := int(hdr.Capacity) + ExtraSlots
	for _, m := range mappings {
		capacity += 1 + packets(slotSize, len(MappingKey)) + packets(slotSize, len(m))
	}

	dst, err := bbring.New(capacity, slotSize)
	if err != nil {
		return bbwriter.Outcome{}, Error.Wrap(err)
	}

	ts := r.clock()
	logger := blackbox.NewLogger(
		blackbox.WithDestinations(dst),
		blackbox.WithClock(func() int64 { return ts }),
		blackbox.WithLogger(log),
	)

	start := dst.CurrentHead()
	logger.Log(blackbox.TypeTraceBackwards, 0, int64(r.flags), hdr.TraceID)

	if n := copyEntries(snap.Ring(), logger, hdr.TraceID, log); n == 0 {
		return bbwriter.Outcome{TraceID: hdr.TraceID}, Error.Wrap(ErrNoEntries)
	}

	logger.Log(blackbox.TypeTraceAnnotation, AnnotationVersionCode, 0, hdr.VersionCode)
	logger.Log(blackbox.TypeTraceAnnotation, AnnotationConfigID, 0, hdr.ConfigID)
	logger.Log(blackbox.TypeTraceAnnotation, AnnotationPID, 0, int64(hdr.PID))
	logger.Log(blackbox.TypeTraceAnnotation, AnnotationLongContext, 0, hdr.LongContext)
	logger.WriteAnnotation(blackbox.TypeTraceAnnotation, AnnotationSessionID, "session_id", hdr.SessionID.String())
	logger.WriteAnnotation(blackbox.TypeTraceAnnotation, AnnotationTrigger, "type", typ)
	logger.WriteAnnotation(blackbox.TypeTraceAnnotation, AnnotationTrigger, "collection_method", CollectionMethod)

	for _, m := range mappings {
		id := logger.Log(blackbox.TypeMapping, 0, 0, 0)
		keyID := logger.WriteBytes(blackbox.TypeStringKey, id, []byte(MappingKey))
		logger.WriteBytes(blackbox.TypeStringValue, keyID, []byte(m))
	}

	logger.Log(blackbox.TypeTraceEnd, 0, 0, hdr.TraceID)

	w := bbwriter.New(r.folder, r.prefix, dst, append([]bbwriter.Option{
		bbwriter.WithCallbacks(r.callbacks),
		bbwriter.WithLogger(log),
	}, r.writerOpts...)...)

	out, err := w.ProcessTrace(ctx, start, hdr.TraceID)
	if err != nil {
		return out, Error.Wrap(err)
	}

	log.Info("trace recovered", zap.Stringer("state", out.State), zap.Int("entries", out.Entries))
	return out, nil
}

// copyEntries reassembles every readable entry of src, from tail to head, and
// writes it to dst with its original id. Lifecycle markers of the recovered
// trace are dropped, as recovery writes its own. Slots which can't be read
// are skipped.
func copyEntries(src *bbring.Buffer, dst *blackbox.Logger, traceID int64, log *zap.Logger) int {
	var (
		copied int
		pkt    = make([]byte, src.SlotSize())
		head   = src.CurrentHead()
	)

	r := bbpacket.NewReassembler(func(_ uint32, payload []byte) {
		e, err := blackbox.Unmarshal(payload)
		if err != nil {
			log.Debug("skipping undecodable entry", zap.Error(err))
			return
		}
		if isMarker(e, traceID) {
			return
		}
		dst.Write(e)
		copied++
	}, 0)

	for c := src.CurrentTail(); c.Index < head.Index; c = c.Next() {
		if _, err := src.TryRead(c, pkt); err != nil {
			bbdebug.RecoverCounters.Missed.Add(1)
			continue
		}
		bbdebug.RecoverCounters.Packets.Add(1)
		if err := r.Process(pkt); err != nil {
			log.Debug("skipping malformed packet", zap.Stringer("cursor", c), zap.Error(err))
		}
	}

	return copied
}

func isMarker(e blackbox.Entry, traceID int64) bool {
	se, ok := e.(blackbox.StandardEntry)
	if !ok || se.Extra != traceID {
		return false
	}
	switch se.Type {
	case blackbox.TypeTraceStart,
		blackbox.TypeTraceBackwards,
		blackbox.TypeTraceEnd,
		blackbox.TypeTraceAbort,
		blackbox.TypeTraceTimeout:
		return true
	default:
		return false
	}
}

// packets is an upper bound of the packets needed for a bytes entry with n
// bytes of payload.
func packets(slotSize, n int) int {
	var (
		size    = 10 + n + bbpacket.TotalSize
		payload = slotSize - bbpacket.HeaderSize
	)
	return (size + payload - 1) / payload
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		lines []string
		s     = bufio.NewScanner(f)
	)
	for s.Scan() {
		if line := s.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, s.Err()
}
