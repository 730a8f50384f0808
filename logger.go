package blackbox

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/peterbourgon/blackbox/bbpacket"
	"go.uber.org/zap"
)

// Destination is anything a logger can replicate packets into, typically a
// ring buffer, either in-memory or persisted.
type Destination interface {
	Write(p []byte) uint64
	SlotSize() int
}

// Provider is a bit in the provider mask. Instrumentation belonging to a
// disabled provider costs a single branch.
type Provider uint32

// ProvidersAll enables every provider.
const ProvidersAll = ^Provider(0)

// Logger is the write API for instrumentation. Each write mints exactly one
// entry id, serializes the entry once, and replicates it into every attached
// destination under the same id. Writes are lock-free and safe for concurrent
// use. Attach and Detach take a short lock.
type Logger struct {
	ids       atomic.Uint32
	providers atomic.Uint32
	dsts      atomic.Pointer[[]Destination]
	mtx       sync.Mutex
	pz        bbpacket.Packetizer
	pool      sync.Pool
	clock     Clock
	tid       ThreadIDFunc
	log       *zap.Logger
	initial   []Destination
}

// LoggerOption configures a logger.
type LoggerOption func(*Logger)

// WithClock sets the clock used to stamp entries. The default is
// MonotonicClock.
func WithClock(c Clock) LoggerOption {
	return func(l *Logger) { l.clock = c }
}

// WithThreadID sets the thread id source used to stamp entries. The default
// is CurrentThreadID.
func WithThreadID(f ThreadIDFunc) LoggerOption {
	return func(l *Logger) { l.tid = f }
}

// WithProviders sets the initial provider mask. The default enables every
// provider.
func WithProviders(p Provider) LoggerOption {
	return func(l *Logger) { l.providers.Store(uint32(p)) }
}

// WithLogger sets the diagnostic logger. The default discards.
func WithLogger(log *zap.Logger) LoggerOption {
	return func(l *Logger) { l.log = log }
}

// WithDestinations attaches the given destinations at construction.
// Destinations that Attach would reject are skipped with a warning.
func WithDestinations(dsts ...Destination) LoggerOption {
	return func(l *Logger) { l.initial = append(l.initial, dsts...) }
}

// NewLogger returns a logger with no destinations, unless configured
// otherwise.
func NewLogger(options ...LoggerOption) *Logger {
	l := &Logger{
		clock: MonotonicClock,
		tid:   CurrentThreadID,
		log:   zap.NewNop(),
	}
	l.providers.Store(uint32(ProvidersAll))
	l.dsts.Store(&[]Destination{})
	for _, opt := range options {
		opt(l)
	}
	for _, dst := range l.initial {
		if err := l.Attach(dst); err != nil {
			l.log.Warn("skipping destination", zap.Error(err))
		}
	}
	l.initial = nil
	return l
}

// Attach adds a destination. Subsequent writes are replicated into it.
// Destinations with slots too small to carry packets are rejected.
func (l *Logger) Attach(dst Destination) error {
	if size := dst.SlotSize(); size < bbpacket.MinSlotSize {
		return Error.New("destination slot size %d smaller than minimum %d", size, bbpacket.MinSlotSize)
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	next := append(slices.Clone(*l.dsts.Load()), dst)
	l.dsts.Store(&next)
	l.log.Debug("attached destination", zap.Int("slot_size", dst.SlotSize()), zap.Int("destinations", len(next)))
	return nil
}

// Detach removes a destination, and reports whether it was attached. Writes
// already in flight may still complete into it.
func (l *Logger) Detach(dst Destination) bool {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	prev := *l.dsts.Load()
	idx := slices.Index(prev, dst)
	if idx < 0 {
		return false
	}

	next := slices.Delete(slices.Clone(prev), idx, idx+1)
	l.dsts.Store(&next)
	l.log.Debug("detached destination", zap.Int("destinations", len(next)))
	return true
}

// Destinations returns the number of attached destinations.
func (l *Logger) Destinations() int {
	return len(*l.dsts.Load())
}

// SetProviders replaces the provider mask.
func (l *Logger) SetProviders(p Provider) {
	l.providers.Store(uint32(p))
}

// Providers returns the provider mask.
func (l *Logger) Providers() Provider {
	return Provider(l.providers.Load())
}

// Enabled reports whether any of the given providers is enabled.
func (l *Logger) Enabled(p Provider) bool {
	return Provider(l.providers.Load())&p != 0
}

// Now returns the logger's clock reading.
func (l *Logger) Now() int64 {
	return l.clock()
}

// Write writes the entry to every destination, and returns its id. If the
// entry has a zero id, a new id is minted. Otherwise, the entry's id is kept.
func (l *Logger) Write(e Entry) int32 {
	id := e.EntryID()
	if id == 0 {
		id = l.nextID()
		e = withID(e, id)
	}

	dsts := *l.dsts.Load()
	if len(dsts) == 0 {
		return id
	}

	buf := l.buffer()
	*buf = AppendEntry((*buf)[:0], e)

	stream := l.pz.NextStream()
	for _, dst := range dsts {
		l.pz.WriteStream(dst, stream, *buf)
	}

	l.pool.Put(buf)
	return id
}

// WriteIf is like Write, but only if the provider is enabled. It returns zero
// when nothing was written.
func (l *Logger) WriteIf(p Provider, e Entry) int32 {
	if !l.Enabled(p) {
		return 0
	}
	return l.Write(e)
}

// Log writes a standard entry stamped with the current time and thread id.
func (l *Logger) Log(typ Type, callID, matchID, extra int64) int32 {
	return l.Write(StandardEntry{
		Type:      typ,
		Timestamp: l.clock(),
		TID:       l.tid(),
		CallID:    callID,
		MatchID:   matchID,
		Extra:     extra,
	})
}

// WriteBytes writes a bytes entry attached to the parent entry.
func (l *Logger) WriteBytes(typ Type, parent int32, b []byte) int32 {
	return l.Write(BytesEntry{Type: typ, MatchID: parent, Bytes: b})
}

// WriteFrames writes a stack sample stamped with the current time and thread
// id.
func (l *Logger) WriteFrames(typ Type, matchID int32, frames []int64) int32 {
	return l.Write(FramesEntry{
		Type:      typ,
		Timestamp: l.clock(),
		TID:       l.tid(),
		MatchID:   matchID,
		Frames:    frames,
	})
}

// WriteAnnotation writes a key/value annotation, as a standard entry of the
// given type followed by a STRING_KEY child and a STRING_VALUE grandchild.
// It returns the id of the standard entry.
func (l *Logger) WriteAnnotation(typ Type, callID int64, key, value string) int32 {
	id := l.Log(typ, callID, 0, 0)
	keyID := l.WriteBytes(TypeStringKey, id, []byte(key))
	l.WriteBytes(TypeStringValue, keyID, []byte(value))
	return id
}

func (l *Logger) nextID() int32 {
	for {
		if id := int32(l.ids.Add(1)); id != 0 {
			return id
		}
	}
}

func (l *Logger) buffer() *[]byte {
	if v, ok := l.pool.Get().(*[]byte); ok {
		return v
	}
	b := make([]byte, 0, standardSize)
	return &b
}
