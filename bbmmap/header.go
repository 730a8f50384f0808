package bbmmap

import (
	"bytes"
	"sync/atomic"
	"unsafe"

	"github.com/oklog/ulid/v2"
)

// File format constants.
const (
	Magic         uint64 = 0x786f626b63616c62 // "blackbox", little-endian
	Version       uint32 = 1
	BufferVersion uint32 = 1

	// HeaderSize is the offset of the first slot in the file.
	HeaderSize = 4096

	// MapsFilenameSize is the capacity of the maps filename field.
	MapsFilenameSize = 64
)

// Field offsets. Every multi-byte field is naturally aligned, and stored in
// native byte order.
const (
	offMagic         = 0
	offVersion       = 8
	offTraceID       = 16
	offProviders     = 24
	offPID           = 28
	offSessionID     = 32
	offBufferVersion = 48
	offCapacity      = 52
	offSlotSize      = 56
	offEpoch         = 60
	offWriteCursor   = 64
	offLongContext   = 72
	offVersionCode   = 80
	offConfigID      = 88
	offMapsFilename  = 96
	headerEnd        = offMapsFilename + MapsFilenameSize
)

// StaticHeader identifies the file format. It's written once, when the file
// is created.
type StaticHeader struct {
	Magic   uint64 `json:"magic"`
	Version uint32 `json:"version"`
}

// DynamicHeader describes the buffer and the process that owns it. Some
// fields are updated while the process runs.
type DynamicHeader struct {
	TraceID       int64     `json:"trace_id"`
	Providers     uint32    `json:"providers"`
	PID           uint32    `json:"pid"`
	SessionID     ulid.ULID `json:"session_id"`
	BufferVersion uint32    `json:"buffer_version"`
	Capacity      uint32    `json:"capacity"`
	SlotSize      uint32    `json:"slot_size"`
	Epoch         uint32    `json:"epoch"`
	WriteCursor   uint64    `json:"write_cursor"`
	LongContext   int64     `json:"long_context"`
	VersionCode   int64     `json:"version_code"`
	ConfigID      int64     `json:"config_id"`
	MapsFilename  string    `json:"maps_filename,omitempty"`
}

// header provides typed access to the header region of a file image. Each
// field is read and written with a single atomic operation of its size.
type header []byte

func (h header) u32(off int) *atomic.Uint32 { return (*atomic.Uint32)(unsafe.Pointer(&h[off])) }
func (h header) u64(off int) *atomic.Uint64 { return (*atomic.Uint64)(unsafe.Pointer(&h[off])) }
func (h header) i64(off int) *atomic.Int64  { return (*atomic.Int64)(unsafe.Pointer(&h[off])) }

func (h header) static() StaticHeader {
	return StaticHeader{
		Magic:   h.u64(offMagic).Load(),
		Version: h.u32(offVersion).Load(),
	}
}

func (h header) dynamic() DynamicHeader {
	var sid ulid.ULID
	copy(sid[:], h[offSessionID:offSessionID+len(sid)])

	maps := h[offMapsFilename : offMapsFilename+MapsFilenameSize]
	if i := bytes.IndexByte(maps, 0); i >= 0 {
		maps = maps[:i]
	}

	return DynamicHeader{
		TraceID:       h.i64(offTraceID).Load(),
		Providers:     h.u32(offProviders).Load(),
		PID:           h.u32(offPID).Load(),
		SessionID:     sid,
		BufferVersion: h.u32(offBufferVersion).Load(),
		Capacity:      h.u32(offCapacity).Load(),
		SlotSize:      h.u32(offSlotSize).Load(),
		Epoch:         h.u32(offEpoch).Load(),
		WriteCursor:   h.u64(offWriteCursor).Load(),
		LongContext:   h.i64(offLongContext).Load(),
		VersionCode:   h.i64(offVersionCode).Load(),
		ConfigID:      h.i64(offConfigID).Load(),
		MapsFilename:  string(maps),
	}
}

func (h header) cursor() *atomic.Uint64 {
	return h.u64(offWriteCursor)
}
