// Package bbring provides a fixed-capacity, lock-free, multi-writer ring
// buffer of fixed-size slots.
//
// Writers claim a global write index with a single atomic increment, and
// never wait for readers. Once the buffer is full, new writes overwrite the
// oldest slots. Readers hold value-type cursors, and detect that a slot was
// overwritten before they could read it, which is reported as ErrMissed rather
// than returning the newer bytes.
//
// Each slot carries a 32-bit turn word. For write index i, with generation
// g = i / capacity, the writer waits for turn 2g, advances it to 2g+1 while it
// copies, and publishes 2g+2 when the slot holds valid data for generation g.
// A reader of index i therefore expects exactly 2g+2: anything less is not yet
// written, anything more has been overwritten.
package bbring

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"unsafe"

	"github.com/peterbourgon/blackbox/internal/bbturn"
	"github.com/zeebo/errs"
)

// Error is the class of configuration errors returned by this package.
var Error = errs.Class("bbring")

var (
	// ErrMissed is returned when the slot at a cursor was overwritten before
	// it could be read. It's an expected outcome, not a failure.
	ErrMissed = errors.New("missed event")

	// ErrNotReady is returned by TryRead when the slot at a cursor hasn't been
	// written yet.
	ErrNotReady = errors.New("not ready")

	// ErrForeignCursor is returned when a cursor was produced by a different
	// buffer, or a different incarnation of the same persisted buffer.
	ErrForeignCursor = errors.New("cursor belongs to a different buffer")
)

const (
	// SlotHeaderSize is the number of bytes of each slot reserved for the turn
	// word and its padding.
	SlotHeaderSize = 8

	// DefaultSlotSize is the default number of payload bytes per slot.
	DefaultSlotSize = 64
)

// Buffer is a lock-free ring buffer. The zero value isn't usable; construct
// buffers with New or NewAt.
type Buffer struct {
	arena    []byte
	capacity uint64
	slotSize int
	stride   int
	head     *atomic.Uint64
	epoch    uint32
	turns    *bbturn.Group
}

// Option configures a buffer.
type Option func(*config)

type config struct {
	head   *atomic.Uint64
	epoch  uint32
	waiter bbturn.Waiter
}

// WithHead places the shared write cursor at the given address, rather than
// in the buffer value. Persisted buffers use this to keep the cursor in the
// mapped file.
func WithHead(head *atomic.Uint64) Option {
	return func(c *config) { c.head = head }
}

// WithEpoch sets the epoch tag carried by every cursor from this buffer. By
// default a random non-zero epoch is chosen.
func WithEpoch(epoch uint32) Option {
	return func(c *config) { c.epoch = epoch }
}

// WithWaiter sets the waiter used to park writers contending for a slot.
func WithWaiter(w bbturn.Waiter) Option {
	return func(c *config) { c.waiter = w }
}

// Size returns the number of arena bytes required for a buffer with the given
// capacity and slot size.
func Size(capacity, slotSize int) int {
	return capacity * stride(slotSize)
}

func stride(slotSize int) int {
	return SlotHeaderSize + roundUp8(slotSize)
}

func roundUp8(n int) int {
	return (n + 7) &^ 7
}

// New allocates a buffer with the given capacity in slots, and the given
// number of payload bytes per slot.
func New(capacity, slotSize int, options ...Option) (*Buffer, error) {
	if err := validate(capacity, slotSize); err != nil {
		return nil, err
	}
	words := make([]uint64, Size(capacity, slotSize)/8)
	arena := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*8)
	return NewAt(arena, capacity, slotSize, options...)
}

// NewAt lays out a buffer over caller-owned memory, which must be 8-byte
// aligned and at least Size(capacity, slotSize) bytes. Existing slot contents
// are preserved, which allows a buffer to be reconstructed from a mapped file.
func NewAt(arena []byte, capacity, slotSize int, options ...Option) (*Buffer, error) {
	if err := validate(capacity, slotSize); err != nil {
		return nil, err
	}

	if len(arena) < Size(capacity, slotSize) {
		return nil, Error.New("arena size %d too small for %d slots of %d bytes", len(arena), capacity, slotSize)
	}

	if uintptr(unsafe.Pointer(unsafe.SliceData(arena)))%8 != 0 {
		return nil, Error.New("arena must be 8-byte aligned")
	}

	var cfg config
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.head == nil {
		cfg.head = &atomic.Uint64{}
	}
	for cfg.epoch == 0 {
		cfg.epoch = rand.Uint32()
	}
	if cfg.waiter == nil {
		cfg.waiter = bbturn.NewWaiter()
	}

	return &Buffer{
		arena:    arena[:Size(capacity, slotSize)],
		capacity: uint64(capacity),
		slotSize: slotSize,
		stride:   stride(slotSize),
		head:     cfg.head,
		epoch:    cfg.epoch,
		turns:    bbturn.NewGroupWaiter(cfg.waiter),
	}, nil
}

func validate(capacity, slotSize int) error {
	switch {
	case capacity <= 0:
		return Error.New("capacity must be positive, have %d", capacity)
	case slotSize <= 0:
		return Error.New("slot size must be positive, have %d", slotSize)
	case slotSize > 1<<16-1:
		return Error.New("slot size must be less than 64KB, have %d", slotSize)
	}
	return nil
}

// Capacity returns the number of slots in the buffer.
func (b *Buffer) Capacity() int { return int(b.capacity) }

// SlotSize returns the number of payload bytes in each slot.
func (b *Buffer) SlotSize() int { return b.slotSize }

// Epoch returns the epoch tag of the buffer.
func (b *Buffer) Epoch() uint32 { return b.epoch }

// Written returns the total number of writes claimed so far.
func (b *Buffer) Written() uint64 { return b.head.Load() }

// Write copies p into the next slot, and returns the global write index it was
// assigned. Payloads longer than SlotSize are truncated, shorter payloads are
// zero-padded. Write never waits for readers; it only waits for a slower
// writer that still owns the same physical slot from the previous lap.
func (b *Buffer) Write(p []byte) uint64 {
	idx := b.head.Add(1) - 1

	var (
		off  = b.offset(idx)
		seq  = b.turns.At(b.word(off))
		turn = 2 * b.generation(idx)
	)

	seq.WaitForTurn(turn)
	seq.CompleteTurn(turn) // busy
	storeWords(b.data(off), p)
	seq.CompleteTurn(turn + 1) // valid

	return idx
}

// TryRead copies the slot at the cursor into dst, which must be at least
// SlotSize bytes. It never blocks. It returns ErrNotReady if the slot hasn't
// been written yet, and ErrMissed if it was overwritten, including while it
// was being copied.
func (b *Buffer) TryRead(c Cursor, dst []byte) (int, error) {
	if c.Epoch != b.epoch {
		return 0, ErrForeignCursor
	}

	var (
		off   = b.offset(c.Index)
		seq   = b.turns.At(b.word(off))
		valid = 2*b.generation(c.Index) + 2
	)

	switch d := bbturn.Diff(seq.Load(), valid); {
	case d < 0:
		return 0, ErrNotReady
	case d > 0:
		return 0, ErrMissed
	}

	n := loadWords(dst, b.data(off), b.slotSize)

	if !seq.IsTurn(valid) {
		return 0, ErrMissed
	}

	return n, nil
}

// WaitAndTryRead is like TryRead, but waits until the slot at the cursor has
// been written, or is proven to have been overwritten. It returns the context
// error if the context is canceled first.
func (b *Buffer) WaitAndTryRead(ctx context.Context, c Cursor, dst []byte) (int, error) {
	if c.Epoch != b.epoch {
		return 0, ErrForeignCursor
	}

	var (
		off   = b.offset(c.Index)
		seq   = b.turns.At(b.word(off))
		valid = 2*b.generation(c.Index) + 2
	)

	if _, ok := seq.TryWaitForTurn(valid, ctx.Done()); !ok {
		return 0, ctx.Err()
	}

	return b.TryRead(c, dst)
}

// CurrentHead returns a cursor at the next index to be written.
func (b *Buffer) CurrentHead() Cursor {
	return Cursor{Index: b.head.Load(), Epoch: b.epoch}
}

// CurrentTail returns a cursor at the oldest index which may still hold valid
// data, i.e. capacity slots behind the head, or the first index.
func (b *Buffer) CurrentTail() Cursor {
	head := b.head.Load()
	if head < b.capacity {
		return Cursor{Index: 0, Epoch: b.epoch}
	}
	return Cursor{Index: head - b.capacity, Epoch: b.epoch}
}

// Dump writes every readable slot from tail to head to w, as raw SlotSize
// packets. Slots which are overwritten during the dump are skipped. It
// returns the number of packets written.
func (b *Buffer) Dump(w io.Writer) (int, error) {
	var (
		head  = b.CurrentHead()
		buf   = make([]byte, b.slotSize)
		count int
	)
	for c := b.CurrentTail(); c.Index < head.Index; c = c.Next() {
		if _, err := b.TryRead(c, buf); err != nil {
			continue
		}
		if _, err := w.Write(buf); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (b *Buffer) generation(idx uint64) uint32 {
	return uint32(idx / b.capacity)
}

func (b *Buffer) offset(idx uint64) int {
	return int(idx%b.capacity) * b.stride
}

func (b *Buffer) word(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&b.arena[off]))
}

func (b *Buffer) data(off int) []byte {
	return b.arena[off+SlotHeaderSize : off+b.stride]
}

// storeWords copies src into dst with 8-byte atomic stores, zero-padding the
// remainder. Concurrent readers may observe a mix of old and new words, which
// the turn re-check detects.
func storeWords(dst, src []byte) {
	var tmp [8]byte
	for i := 0; i < len(dst); i += 8 {
		tmp = [8]byte{}
		if i < len(src) {
			copy(tmp[:], src[i:])
		}
		atomic.StoreUint64((*uint64)(unsafe.Pointer(&dst[i])), binary.LittleEndian.Uint64(tmp[:]))
	}
}

// loadWords copies up to n bytes of src into dst with 8-byte atomic loads.
func loadWords(dst, src []byte, n int) int {
	if n > len(dst) {
		n = len(dst)
	}
	var tmp [8]byte
	copied := 0
	for i := 0; i < len(src) && copied < n; i += 8 {
		binary.LittleEndian.PutUint64(tmp[:], atomic.LoadUint64((*uint64)(unsafe.Pointer(&src[i]))))
		copied += copy(dst[copied:n], tmp[:])
	}
	return copied
}
