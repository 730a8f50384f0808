package blackbox

import (
	"encoding/binary"
	"fmt"

	"github.com/zeebo/errs"
)

// Error is the class of errors returned by this package.
var Error = errs.Class("blackbox")

// Serialized entry kinds, the first byte of every encoded entry.
const (
	kindStandard uint8 = 1
	kindBytes    uint8 = 2
	kindFrames   uint8 = 3
)

const (
	standardSize = 1 + 4 + 1 + 8 + 4 + 8 + 8 + 8
	bytesHeader  = 1 + 4 + 1 + 4
	framesHeader = 1 + 4 + 1 + 8 + 4 + 4
)

// EncodedSize returns the number of bytes Marshal produces for e.
func EncodedSize(e Entry) int {
	switch x := e.(type) {
	case StandardEntry:
		return standardSize
	case BytesEntry:
		return bytesHeader + len(x.Bytes)
	case FramesEntry:
		return framesHeader + 8*len(x.Frames)
	default:
		panic(fmt.Errorf("unknown entry type %T", e))
	}
}

// Marshal encodes e in the binary format stored in ring buffers.
func Marshal(e Entry) []byte {
	return AppendEntry(make([]byte, 0, EncodedSize(e)), e)
}

// AppendEntry appends the binary encoding of e to dst.
func AppendEntry(dst []byte, e Entry) []byte {
	le := binary.LittleEndian
	switch x := e.(type) {
	case StandardEntry:
		dst = append(dst, kindStandard)
		dst = le.AppendUint32(dst, uint32(x.ID))
		dst = append(dst, uint8(x.Type))
		dst = le.AppendUint64(dst, uint64(x.Timestamp))
		dst = le.AppendUint32(dst, uint32(x.TID))
		dst = le.AppendUint64(dst, uint64(x.CallID))
		dst = le.AppendUint64(dst, uint64(x.MatchID))
		dst = le.AppendUint64(dst, uint64(x.Extra))
	case BytesEntry:
		dst = append(dst, kindBytes)
		dst = le.AppendUint32(dst, uint32(x.ID))
		dst = append(dst, uint8(x.Type))
		dst = le.AppendUint32(dst, uint32(x.MatchID))
		dst = append(dst, x.Bytes...)
	case FramesEntry:
		dst = append(dst, kindFrames)
		dst = le.AppendUint32(dst, uint32(x.ID))
		dst = append(dst, uint8(x.Type))
		dst = le.AppendUint64(dst, uint64(x.Timestamp))
		dst = le.AppendUint32(dst, uint32(x.TID))
		dst = le.AppendUint32(dst, uint32(x.MatchID))
		for _, f := range x.Frames {
			dst = le.AppendUint64(dst, uint64(f))
		}
	default:
		panic(fmt.Errorf("unknown entry type %T", e))
	}
	return dst
}

// Unmarshal decodes a single entry produced by Marshal. Byte payloads are
// copied, so b may be reused.
func Unmarshal(b []byte) (Entry, error) {
	if len(b) == 0 {
		return nil, Error.New("empty entry")
	}

	le := binary.LittleEndian
	switch kind := b[0]; kind {
	case kindStandard:
		if len(b) != standardSize {
			return nil, Error.New("standard entry: want %d bytes, have %d", standardSize, len(b))
		}
		return StandardEntry{
			ID:        int32(le.Uint32(b[1:])),
			Type:      Type(b[5]),
			Timestamp: int64(le.Uint64(b[6:])),
			TID:       int32(le.Uint32(b[14:])),
			CallID:    int64(le.Uint64(b[18:])),
			MatchID:   int64(le.Uint64(b[26:])),
			Extra:     int64(le.Uint64(b[34:])),
		}, nil

	case kindBytes:
		if len(b) < bytesHeader {
			return nil, Error.New("bytes entry: want at least %d bytes, have %d", bytesHeader, len(b))
		}
		return BytesEntry{
			ID:      int32(le.Uint32(b[1:])),
			Type:    Type(b[5]),
			MatchID: int32(le.Uint32(b[6:])),
			Bytes:   append([]byte{}, b[bytesHeader:]...),
		}, nil

	case kindFrames:
		if len(b) < framesHeader || (len(b)-framesHeader)%8 != 0 {
			return nil, Error.New("frames entry: invalid size %d", len(b))
		}
		frames := make([]int64, (len(b)-framesHeader)/8)
		for i := range frames {
			frames[i] = int64(le.Uint64(b[framesHeader+8*i:]))
		}
		return FramesEntry{
			ID:        int32(le.Uint32(b[1:])),
			Type:      Type(b[5]),
			Timestamp: int64(le.Uint64(b[6:])),
			TID:       int32(le.Uint32(b[14:])),
			MatchID:   int32(le.Uint32(b[18:])),
			Frames:    frames,
		}, nil

	default:
		return nil, Error.New("unknown entry kind %d", kind)
	}
}
