package bbtrace

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/peterbourgon/blackbox"
)

// TraceHeader is the decoded header block of a trace file.
type TraceHeader struct {
	Version   int      `json:"version"`
	ID        string   `json:"id"`
	Precision int      `json:"precision"`
	Headers   []Header `json:"headers,omitempty"`
}

// Record is a single decoded record. Exactly one of Entry or Abort is set.
type Record struct {
	Entry blackbox.Entry `json:"entry,omitempty"`
	Abort string         `json:"abort,omitempty"`
}

// Decoder reads the records written by an Encoder, and reverses the delta
// encoding. Timestamps are returned in units of the header's precision.
type Decoder struct {
	s    *bufio.Scanner
	line int

	prevStandard blackbox.StandardEntry
	prevFrames   blackbox.FramesEntry
}

const maxLineSize = 16 << 20

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{s: s}
}

// Header reads the header block. It must be called once, before Next.
func (d *Decoder) Header() (TraceHeader, error) {
	var h TraceHeader

	first, ok := d.scan()
	if !ok {
		return h, d.errorf("missing header: %v", d.scanErr())
	}
	if first != "dt" {
		return h, d.errorf("want dt, have %q", first)
	}

	for {
		line, ok := d.scan()
		if !ok {
			return h, d.errorf("unterminated header: %v", d.scanErr())
		}
		if line == "" {
			return h, nil
		}

		key, val, ok := strings.Cut(line, "|")
		if !ok {
			return h, d.errorf("invalid header line %q", line)
		}

		var err error
		switch key {
		case "ver":
			h.Version, err = strconv.Atoi(val)
		case "id":
			h.ID = val
		case "prec":
			h.Precision, err = strconv.Atoi(val)
		default:
			h.Headers = append(h.Headers, Header{Key: key, Value: val})
		}
		if err != nil {
			return h, d.errorf("header %s: %v", key, err)
		}
	}
}

// Next returns the next record, or io.EOF.
func (d *Decoder) Next() (Record, error) {
	line, ok := d.scan()
	if !ok {
		if err := d.s.Err(); err != nil {
			return Record{}, d.errorf("%v", err)
		}
		return Record{}, io.EOF
	}

	kind, rest, ok := strings.Cut(line, "|")
	if !ok {
		return Record{}, d.errorf("invalid record %q", line)
	}

	switch kind {
	case "S":
		return d.standard(rest)
	case "F":
		return d.frames(rest)
	case "B":
		return d.bytes(rest)
	case "X":
		return Record{Abort: rest}, nil
	default:
		return Record{}, d.errorf("unknown record kind %q", kind)
	}
}

func (d *Decoder) standard(s string) (Record, error) {
	f := strings.Split(s, "|")
	if len(f) != 7 {
		return Record{}, d.errorf("standard record: want 7 fields, have %d", len(f))
	}

	typ, err := blackbox.ParseType(f[1])
	if err != nil {
		return Record{}, d.errorf("%v", err)
	}

	v, err := parseInts(f[0], f[2], f[3], f[4], f[5], f[6])
	if err != nil {
		return Record{}, d.errorf("standard record: %v", err)
	}

	prev := d.prevStandard
	e := blackbox.StandardEntry{
		ID:        prev.ID + int32(v[0]),
		Type:      typ,
		Timestamp: prev.Timestamp + v[1],
		TID:       prev.TID + int32(v[2]),
		CallID:    prev.CallID + v[3],
		MatchID:   prev.MatchID + v[4],
		Extra:     prev.Extra + v[5],
	}
	d.prevStandard = e
	return Record{Entry: e}, nil
}

func (d *Decoder) frames(s string) (Record, error) {
	f := strings.Split(s, "|")
	if len(f) != 6 {
		return Record{}, d.errorf("frames record: want 6 fields, have %d", len(f))
	}

	typ, err := blackbox.ParseType(f[1])
	if err != nil {
		return Record{}, d.errorf("%v", err)
	}

	v, err := parseInts(f[0], f[2], f[3], f[4])
	if err != nil {
		return Record{}, d.errorf("frames record: %v", err)
	}

	var deltas []string
	if f[5] != "" {
		deltas = strings.Split(f[5], ",")
	}
	frameDeltas, err := parseInts(deltas...)
	if err != nil {
		return Record{}, d.errorf("frames record: %v", err)
	}

	prev := d.prevFrames
	frames := make([]int64, len(frameDeltas))
	for i, delta := range frameDeltas {
		var base int64
		if i < len(prev.Frames) {
			base = prev.Frames[i]
		}
		frames[i] = base + delta
	}

	e := blackbox.FramesEntry{
		ID:        prev.ID + int32(v[0]),
		Type:      typ,
		Timestamp: prev.Timestamp + v[1],
		TID:       prev.TID + int32(v[2]),
		MatchID:   prev.MatchID + int32(v[3]),
		Frames:    frames,
	}
	d.prevFrames = e
	return Record{Entry: e}, nil
}

func (d *Decoder) bytes(s string) (Record, error) {
	f := strings.SplitN(s, "|", 4)
	if len(f) != 4 {
		return Record{}, d.errorf("bytes record: want 4 fields, have %d", len(f))
	}

	typ, err := blackbox.ParseType(f[1])
	if err != nil {
		return Record{}, d.errorf("%v", err)
	}

	v, err := parseInts(f[0], f[2])
	if err != nil {
		return Record{}, d.errorf("bytes record: %v", err)
	}

	payload, err := strconv.Unquote(f[3])
	if err != nil {
		return Record{}, d.errorf("bytes record: payload: %v", err)
	}

	return Record{Entry: blackbox.BytesEntry{
		ID:      int32(v[0]),
		Type:    typ,
		MatchID: int32(v[1]),
		Bytes:   []byte(payload),
	}}, nil
}

func (d *Decoder) scan() (string, bool) {
	if !d.s.Scan() {
		return "", false
	}
	d.line++
	return d.s.Text(), true
}

func (d *Decoder) scanErr() error {
	if err := d.s.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func (d *Decoder) errorf(format string, args ...any) error {
	return Error.New("line %d: %s", d.line, fmt.Sprintf(format, args...))
}

func parseInts(ss ...string) ([]int64, error) {
	out := make([]int64, len(ss))
	for i, s := range ss {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
