// Package bbtrace implements the trace file format.
//
// A trace file is a gzip stream of text lines. It starts with a header block,
// terminated by an empty line:
//
//	dt
//	ver|1
//	id|AAAAAAAAAAB
//	prec|6
//	key|value
//
// followed by one record per line:
//
//	S|id|TYPE|timestamp|tid|callid|matchid|extra
//	F|id|TYPE|timestamp|tid|matchid|frame,frame,...
//	B|id|TYPE|matchid|"quoted bytes"
//	X|REASON
//
// Numeric fields of S records are deltas from the previous S record, and
// fields of F records are deltas from the previous F record, with each frame
// compared to the frame at the same index. Deltas use wrapping arithmetic. B
// records are written verbatim. An X record marks an aborted trace, and is
// always the last record.
//
// Timestamps are truncated to the header's precision, in digits after the
// second, before delta encoding.
package bbtrace

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/peterbourgon/blackbox"
)

const (
	// FormatVersion is written to the ver header.
	FormatVersion = 1

	// DefaultPrecision keeps microseconds.
	DefaultPrecision = 6
)

// Header is a custom key/value pair written to the header block.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Encoder writes trace records. It isn't safe for concurrent use.
type Encoder struct {
	w         *bufio.Writer
	precision int
	divisor   int64
	invert    bool

	prevStandard blackbox.StandardEntry
	prevFrames   blackbox.FramesEntry
	scratch      []byte
}

// EncoderOption configures an encoder.
type EncoderOption func(*Encoder)

// WithPrecision sets the timestamp precision, in digits after the second,
// between 0 and 9. The default is DefaultPrecision.
func WithPrecision(p int) EncoderOption {
	return func(e *Encoder) { e.precision = min(max(p, 0), 9) }
}

// WithInvertFrames controls whether the frames of each FramesEntry are
// reversed before they're written. Samples are collected leaf first, and by
// default written root first.
func WithInvertFrames(invert bool) EncoderOption {
	return func(e *Encoder) { e.invert = invert }
}

// NewEncoder returns an encoder writing to w. Callers must Flush.
func NewEncoder(w io.Writer, opts ...EncoderOption) *Encoder {
	e := &Encoder{
		w:         bufio.NewWriter(w),
		precision: DefaultPrecision,
		invert:    true,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.divisor = 1
	for i := e.precision; i < 9; i++ {
		e.divisor *= 10
	}
	return e
}

// Precision returns the timestamp precision of the encoder.
func (e *Encoder) Precision() int {
	return e.precision
}

// WriteHeader writes the header block. It must be called once, before any
// records are encoded.
func (e *Encoder) WriteHeader(traceID string, headers []Header) error {
	fmt.Fprintf(e.w, "dt\nver|%d\nid|%s\nprec|%d\n", FormatVersion, traceID, e.precision)
	for _, h := range headers {
		fmt.Fprintf(e.w, "%s|%s\n", h.Key, h.Value)
	}
	_, err := e.w.WriteString("\n")
	return err
}

// Encode writes a single entry.
func (e *Encoder) Encode(entry blackbox.Entry) error {
	b := e.scratch[:0]

	switch x := entry.(type) {
	case blackbox.StandardEntry:
		x.Timestamp /= e.divisor
		prev := e.prevStandard
		e.prevStandard = x

		b = append(b, "S|"...)
		b = strconv.AppendInt(b, int64(x.ID-prev.ID), 10)
		b = append(b, '|')
		b = append(b, x.Type.String()...)
		b = appendDeltas(b, x.Timestamp-prev.Timestamp, int64(x.TID-prev.TID), x.CallID-prev.CallID, x.MatchID-prev.MatchID, x.Extra-prev.Extra)

	case blackbox.FramesEntry:
		x.Timestamp /= e.divisor
		frames := make([]int64, len(x.Frames))
		copy(frames, x.Frames)
		if e.invert {
			for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
				frames[i], frames[j] = frames[j], frames[i]
			}
		}
		x.Frames = frames
		prev := e.prevFrames
		e.prevFrames = x

		b = append(b, "F|"...)
		b = strconv.AppendInt(b, int64(x.ID-prev.ID), 10)
		b = append(b, '|')
		b = append(b, x.Type.String()...)
		b = appendDeltas(b, x.Timestamp-prev.Timestamp, int64(x.TID-prev.TID), int64(x.MatchID-prev.MatchID))
		b = append(b, '|')
		for i, f := range frames {
			var base int64
			if i < len(prev.Frames) {
				base = prev.Frames[i]
			}
			if i > 0 {
				b = append(b, ',')
			}
			b = strconv.AppendInt(b, f-base, 10)
		}

	case blackbox.BytesEntry:
		b = append(b, "B|"...)
		b = strconv.AppendInt(b, int64(x.ID), 10)
		b = append(b, '|')
		b = append(b, x.Type.String()...)
		b = appendDeltas(b, int64(x.MatchID))
		b = append(b, '|')
		b = strconv.AppendQuote(b, string(x.Bytes))

	default:
		panic(fmt.Errorf("unknown entry type %T", entry))
	}

	b = append(b, '\n')
	e.scratch = b
	_, err := e.w.Write(b)
	return err
}

// Abort writes an abort marker with the given reason. No further records
// should be encoded.
func (e *Encoder) Abort(reason string) error {
	_, err := fmt.Fprintf(e.w, "X|%s\n", reason)
	return err
}

// Flush writes any buffered data to the underlying writer.
func (e *Encoder) Flush() error {
	return e.w.Flush()
}

func appendDeltas(b []byte, vals ...int64) []byte {
	for _, v := range vals {
		b = append(b, '|')
		b = strconv.AppendInt(b, v, 10)
	}
	return b
}
