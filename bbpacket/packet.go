// Package bbpacket splits variable-length payloads into fixed-size packets
// that fit ring buffer slots, and reassembles them, in either direction.
//
// Packet layout, little-endian:
//
//	[stream u32][flags u8][seq u8][size u16][total u32, first packet only][data]
//
// Packets of one payload share a stream id, which lets payloads from
// concurrent writers interleave in the buffer.
package bbpacket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// HeaderSize is the size of the header carried by every packet.
	HeaderSize = 8

	// TotalSize is the size of the payload length carried by the first packet
	// of every stream.
	TotalSize = 4

	// MinSlotSize is the smallest slot that can carry a packet with at least
	// one byte of data.
	MinSlotSize = HeaderSize + TotalSize + 1
)

const (
	// FlagStart marks the first packet of a stream.
	FlagStart uint8 = 1 << iota

	// FlagNext marks a packet that is followed by more packets in the same
	// stream.
	FlagNext
)

// ErrMalformed is returned for packets whose header is inconsistent with
// their length.
var ErrMalformed = errors.New("malformed packet")

// Header describes a single packet.
type Header struct {
	Stream uint32
	Flags  uint8
	Seq    uint8
	Size   uint16
	Total  uint32 // only meaningful when Flags has FlagStart
}

// Start reports whether the packet begins its stream.
func (h Header) Start() bool { return h.Flags&FlagStart != 0 }

// Next reports whether more packets follow in the stream.
func (h Header) Next() bool { return h.Flags&FlagNext != 0 }

// String implements fmt.Stringer.
func (h Header) String() string {
	return fmt.Sprintf("stream=%d flags=%02b seq=%d size=%d total=%d", h.Stream, h.Flags, h.Seq, h.Size, h.Total)
}

// Parse decodes the packet header and returns the data bytes it describes.
// Trailing slot padding is ignored.
func Parse(pkt []byte) (Header, []byte, error) {
	if len(pkt) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(pkt))
	}

	h := Header{
		Stream: binary.LittleEndian.Uint32(pkt[0:]),
		Flags:  pkt[4],
		Seq:    pkt[5],
		Size:   binary.LittleEndian.Uint16(pkt[6:]),
	}

	data := pkt[HeaderSize:]
	if h.Start() {
		if len(data) < TotalSize {
			return Header{}, nil, fmt.Errorf("%w: start packet without total", ErrMalformed)
		}
		h.Total = binary.LittleEndian.Uint32(data)
		data = data[TotalSize:]
	}

	if int(h.Size) > len(data) {
		return Header{}, nil, fmt.Errorf("%w: size %d exceeds %d data bytes", ErrMalformed, h.Size, len(data))
	}

	return h, data[:h.Size], nil
}

// Writer is a packet destination, typically a ring buffer.
type Writer interface {
	Write(p []byte) uint64
	SlotSize() int
}

// Packetizer splits payloads into packets. The zero value is usable, and safe
// for concurrent use.
type Packetizer struct {
	pool sync.Pool
}

// Stream ids are unique across every packetizer in the process, so payloads
// from different packetizers sharing a destination can't collide.
var streams atomic.Uint32

// NextStream mints a new stream id. Ids start at 1 and wrap.
func (p *Packetizer) NextStream() uint32 {
	for {
		if id := streams.Add(1); id != 0 {
			return id
		}
	}
}

// Write writes payload to dst under a new stream id, and returns the index of
// the first packet.
func (p *Packetizer) Write(dst Writer, payload []byte) uint64 {
	return p.WriteStream(dst, p.NextStream(), payload)
}

// WriteStream writes payload to dst under the given stream id, and returns the
// index of the first packet. The same stream id may be used for several
// destinations. It panics if the destination slot size is smaller than
// MinSlotSize.
func (p *Packetizer) WriteStream(dst Writer, stream uint32, payload []byte) uint64 {
	slotSize := dst.SlotSize()
	if slotSize < MinSlotSize {
		panic(fmt.Errorf("bbpacket: slot size %d smaller than minimum %d", slotSize, MinSlotSize))
	}
	if slotSize > 1<<16-1 {
		slotSize = 1<<16 - 1
	}

	pkt := p.scratch(slotSize)
	defer p.pool.Put(pkt)

	var (
		buf   = (*pkt)[:slotSize]
		first uint64
		seq   uint8
		rest  = payload
	)
	for start := true; start || len(rest) > 0; start = false {
		var (
			flags uint8
			room  = slotSize - HeaderSize
			data  = buf[HeaderSize:]
		)
		if start {
			flags |= FlagStart
			binary.LittleEndian.PutUint32(data, uint32(len(payload)))
			room -= TotalSize
			data = data[TotalSize:]
		}

		n := copy(data[:room], rest)
		rest = rest[n:]
		if len(rest) > 0 {
			flags |= FlagNext
		}

		binary.LittleEndian.PutUint32(buf[0:], stream)
		buf[4] = flags
		buf[5] = seq
		binary.LittleEndian.PutUint16(buf[6:], uint16(n))

		idx := dst.Write(buf[:slotSize-room+n])
		if start {
			first = idx
		}
		seq++
	}

	return first
}

func (p *Packetizer) scratch(size int) *[]byte {
	if v, ok := p.pool.Get().(*[]byte); ok && cap(*v) >= size {
		*v = (*v)[:size]
		return v
	}
	b := make([]byte, size)
	return &b
}
