package bbmmap

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/peterbourgon/blackbox/bbring"
)

// Snapshot is a private, read-only copy of a persisted buffer file, typically
// one left behind by a process that died.
type Snapshot struct {
	path string
	hdr  header
	ring *bbring.Buffer
}

// Open reads and validates the buffer file at path. Files with the wrong
// magic, version, or buffer version, or whose size doesn't match their
// header, are rejected with ErrUnreadable.
func Open(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	if len(raw) < HeaderSize {
		return nil, unreadable("%d bytes is smaller than the header", len(raw))
	}

	// Copy into 8-byte aligned memory, which the header accessors and the
	// ring buffer require.
	words := make([]uint64, (len(raw)+7)/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*8)[:len(raw)]
	copy(data, raw)

	hdr := header(data[:HeaderSize])

	if s := hdr.static(); s.Magic != Magic {
		return nil, unreadable("bad magic %#x", s.Magic)
	} else if s.Version != Version {
		return nil, unreadable("unsupported version %d", s.Version)
	}

	d := hdr.dynamic()
	if d.BufferVersion != BufferVersion {
		return nil, unreadable("unsupported buffer version %d", d.BufferVersion)
	}

	if d.Capacity == 0 || d.SlotSize == 0 {
		return nil, unreadable("invalid dimensions %dx%d", d.Capacity, d.SlotSize)
	}

	if want := FileSize(int(d.Capacity), int(d.SlotSize)); len(data) != want {
		return nil, unreadable("file size %d, header implies %d", len(data), want)
	}

	ring, err := bbring.NewAt(data[HeaderSize:], int(d.Capacity), int(d.SlotSize),
		bbring.WithHead(hdr.cursor()),
		bbring.WithEpoch(d.Epoch),
	)
	if err != nil {
		return nil, unreadable("%v", err)
	}

	return &Snapshot{
		path: path,
		hdr:  hdr,
		ring: ring,
	}, nil
}

func unreadable(format string, args ...any) error {
	return Error.Wrap(fmt.Errorf("%w: %s", ErrUnreadable, fmt.Sprintf(format, args...)))
}

// Path returns the path the snapshot was read from.
func (s *Snapshot) Path() string { return s.path }

// Static returns the static header.
func (s *Snapshot) Static() StaticHeader { return s.hdr.static() }

// Header returns the dynamic header.
func (s *Snapshot) Header() DynamicHeader { return s.hdr.dynamic() }

// Ring returns the ring buffer laid over the snapshot's slots.
func (s *Snapshot) Ring() *bbring.Buffer { return s.ring }
