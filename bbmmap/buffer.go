// Package bbmmap provides a ring buffer persisted in a memory-mapped file,
// which outlives the process that writes it.
//
// The file holds a static header, a dynamic header, and the slots of a
// [bbring.Buffer]. The write cursor lives in the dynamic header, so after a
// crash the file alone is enough to find the most recent data. See package
// [github.com/peterbourgon/blackbox/bbrecover] for turning such a file into a
// trace.
package bbmmap

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/peterbourgon/blackbox/bbring"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("bbmmap")

// ErrUnreadable is returned when a file isn't a persisted buffer this package
// can read.
var ErrUnreadable = errors.New("unreadable buffer file")

// Buffer is a ring buffer backed by a shared, writable file mapping. It
// satisfies blackbox.Destination.
type Buffer struct {
	path string
	log  *zap.Logger

	mtx  sync.Mutex
	file *os.File
	data []byte
	hdr  header
	ring *bbring.Buffer
}

// Option configures a persisted buffer.
type Option func(*options)

type options struct {
	sessionID   ulid.ULID
	versionCode int64
	configID    int64
	maps        string
	providers   uint32
	log         *zap.Logger
}

// WithSessionID sets the session id recorded in the header. By default a new
// ULID is generated.
func WithSessionID(id ulid.ULID) Option {
	return func(o *options) { o.sessionID = id }
}

// WithVersionCode sets the application version code recorded in the header.
func WithVersionCode(v int64) Option {
	return func(o *options) { o.versionCode = v }
}

// WithConfigID sets the configuration id recorded in the header.
func WithConfigID(id int64) Option {
	return func(o *options) { o.configID = id }
}

// WithMapsFilename sets the name of the memory-maps file recorded in the
// header. See Buffer.SetMapsFilename.
func WithMapsFilename(name string) Option {
	return func(o *options) { o.maps = name }
}

// WithProviders sets the initial provider mask recorded in the header.
func WithProviders(p uint32) Option {
	return func(o *options) { o.providers = p }
}

// WithLogger sets the diagnostic logger. The default discards.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// FileSize returns the size of a buffer file with the given dimensions.
func FileSize(capacity, slotSize int) int {
	return HeaderSize + bbring.Size(capacity, slotSize)
}

// Create creates or truncates the file at path, maps it, and initializes a
// buffer with the given capacity and slot size.
func Create(path string, capacity, slotSize int, opts ...Option) (_ *Buffer, err error) {
	o := options{
		sessionID: ulid.Make(),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if len(o.maps) >= MapsFilenameSize {
		return nil, Error.New("maps filename longer than %d bytes", MapsFilenameSize-1)
	}

	if capacity <= 0 || uint64(capacity) > math.MaxUint32 {
		return nil, Error.New("invalid capacity %d", capacity)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	size := FileSize(capacity, slotSize)
	if err := f.Truncate(int64(size)); err != nil {
		return nil, Error.Wrap(err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("mmap %s: %w", path, err))
	}
	defer func() {
		if err != nil {
			unix.Munmap(data)
		}
	}()

	var epoch uint32
	for epoch == 0 {
		epoch = rand.Uint32()
	}

	hdr := header(data[:HeaderSize])
	hdr.i64(offTraceID).Store(0)
	hdr.u32(offProviders).Store(o.providers)
	hdr.u32(offPID).Store(uint32(os.Getpid()))
	copy(hdr[offSessionID:], o.sessionID[:])
	hdr.u32(offBufferVersion).Store(BufferVersion)
	hdr.u32(offCapacity).Store(uint32(capacity))
	hdr.u32(offSlotSize).Store(uint32(slotSize))
	hdr.u32(offEpoch).Store(epoch)
	hdr.u64(offWriteCursor).Store(0)
	hdr.i64(offLongContext).Store(0)
	hdr.i64(offVersionCode).Store(o.versionCode)
	hdr.i64(offConfigID).Store(o.configID)
	copy(hdr[offMapsFilename:offMapsFilename+MapsFilenameSize], make([]byte, MapsFilenameSize))
	copy(hdr[offMapsFilename:], o.maps)

	ring, err := bbring.NewAt(data[HeaderSize:], capacity, slotSize,
		bbring.WithHead(hdr.cursor()),
		bbring.WithEpoch(epoch),
	)
	if err != nil {
		return nil, err
	}

	// The static header goes last, so a partially initialized file is
	// rejected by Open.
	hdr.u32(offVersion).Store(Version)
	hdr.u64(offMagic).Store(Magic)

	o.log.Debug("created persisted buffer",
		zap.String("path", path),
		zap.Int("capacity", capacity),
		zap.Int("slot_size", slotSize),
		zap.Stringer("session", o.sessionID),
	)

	return &Buffer{
		path: path,
		log:  o.log,
		file: f,
		data: data,
		hdr:  hdr,
		ring: ring,
	}, nil
}

// Path returns the path of the backing file.
func (b *Buffer) Path() string { return b.path }

// Ring returns the ring buffer laid over the file's slots.
func (b *Buffer) Ring() *bbring.Buffer { return b.ring }

// Write implements blackbox.Destination.
func (b *Buffer) Write(p []byte) uint64 { return b.ring.Write(p) }

// SlotSize implements blackbox.Destination.
func (b *Buffer) SlotSize() int { return b.ring.SlotSize() }

// Static returns the static header.
func (b *Buffer) Static() StaticHeader { return b.hdr.static() }

// Header returns a snapshot of the dynamic header.
func (b *Buffer) Header() DynamicHeader { return b.hdr.dynamic() }

// SetTraceID records the id of the trace currently being recorded, or zero
// when no trace is active. Recovery requires a nonzero trace id.
func (b *Buffer) SetTraceID(id int64) { b.hdr.i64(offTraceID).Store(id) }

// SetProviders records the enabled provider mask.
func (b *Buffer) SetProviders(p uint32) { b.hdr.u32(offProviders).Store(p) }

// SetLongContext records an application-defined context value.
func (b *Buffer) SetLongContext(v int64) { b.hdr.i64(offLongContext).Store(v) }

// SetVersionCode records the application version code.
func (b *Buffer) SetVersionCode(v int64) { b.hdr.i64(offVersionCode).Store(v) }

// SetConfigID records the configuration id.
func (b *Buffer) SetConfigID(v int64) { b.hdr.i64(offConfigID).Store(v) }

// SetMapsFilename records the name of a file, relative to the buffer file's
// directory, which holds the process memory maps. The field is written with
// ordinary stores, so it should be set before tracing begins.
func (b *Buffer) SetMapsFilename(name string) error {
	if len(name) >= MapsFilenameSize {
		return Error.New("maps filename longer than %d bytes", MapsFilenameSize-1)
	}
	field := b.hdr[offMapsFilename : offMapsFilename+MapsFilenameSize]
	clear(field)
	copy(field, name)
	return nil
}

// Sync flushes the mapping to the file.
func (b *Buffer) Sync() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.data == nil {
		return Error.New("buffer closed")
	}
	if err := unix.Msync(b.data, unix.MS_SYNC); err != nil {
		return Error.Wrap(fmt.Errorf("msync %s: %w", b.path, err))
	}
	return nil
}

// Close unmaps the file and closes it. The buffer must be detached from every
// logger, and no writer or reader may be using it, before Close is called.
// Close is idempotent.
func (b *Buffer) Close() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if b.data == nil {
		return nil
	}

	var group errs.Group
	group.Add(unix.Munmap(b.data))
	group.Add(b.file.Close())
	b.data, b.hdr, b.file = nil, nil, nil

	if err := group.Err(); err != nil {
		return Error.Wrap(fmt.Errorf("close %s: %w", b.path, err))
	}

	b.log.Debug("closed persisted buffer", zap.String("path", b.path))
	return nil
}

func (b *Buffer) String() string {
	return fmt.Sprintf("bbmmap.Buffer(%s)", b.path)
}
