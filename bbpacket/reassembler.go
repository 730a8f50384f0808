package bbpacket

// DefaultMaxPending is the default bound on the number of partially
// reassembled streams a Reassembler keeps.
const DefaultMaxPending = 1024

// CompleteFunc receives each fully reassembled payload. The payload slice is
// owned by the callee.
type CompleteFunc func(stream uint32, payload []byte)

// Reassembler turns packets back into payloads. A Reassembler handles one
// direction of travel: either every packet is passed to Process, in write
// order, or every packet is passed to ProcessBackwards, in reverse write order.
//
// A payload is delivered exactly once, and only if every one of its packets
// was seen. Streams missing a packet are silently dropped. A Reassembler is
// not safe for concurrent use.
type Reassembler struct {
	complete CompleteFunc
	max      int
	pending  map[uint32]*partial
	tick     uint64
}

type partial struct {
	total  uint32
	size   int
	seq    uint8 // next expected
	chunks [][]byte
	added  uint64
}

// NewReassembler returns a reassembler delivering payloads to fn, which keeps
// at most maxPending partial streams. When the bound is reached, the oldest
// partial stream is dropped. A non-positive maxPending uses DefaultMaxPending.
func NewReassembler(fn CompleteFunc, maxPending int) *Reassembler {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Reassembler{
		complete: fn,
		max:      maxPending,
		pending:  map[uint32]*partial{},
	}
}

// Pending returns the number of partially reassembled streams.
func (r *Reassembler) Pending() int {
	return len(r.pending)
}

// Reset drops every partial stream. Callers should Reset after a gap in the
// packet sequence, such as a missed slot.
func (r *Reassembler) Reset() {
	clear(r.pending)
}

// Process consumes the next packet in write order.
func (r *Reassembler) Process(pkt []byte) error {
	h, data, err := Parse(pkt)
	if err != nil {
		return err
	}

	p, ok := r.pending[h.Stream]
	switch {
	case h.Start():
		p = r.begin(h.Stream, h.Total)
	case !ok:
		return nil // missed the start
	case h.Seq != p.seq:
		delete(r.pending, h.Stream)
		return nil
	}

	p.chunks = append(p.chunks, clone(data))
	p.size += len(data)
	p.seq = h.Seq + 1

	if p.size > int(p.total) {
		delete(r.pending, h.Stream)
		return nil
	}

	if !h.Next() {
		delete(r.pending, h.Stream)
		if p.size == int(p.total) {
			r.complete(h.Stream, join(p.chunks, p.size, false))
		}
	}

	return nil
}

// ProcessBackwards consumes the next packet in reverse write order.
func (r *Reassembler) ProcessBackwards(pkt []byte) error {
	h, data, err := Parse(pkt)
	if err != nil {
		return err
	}

	p, ok := r.pending[h.Stream]
	switch {
	case !h.Next():
		p = r.begin(h.Stream, 0)
	case !ok:
		return nil // missed the end
	case h.Seq != p.seq:
		delete(r.pending, h.Stream)
		return nil
	}

	p.chunks = append(p.chunks, clone(data))
	p.size += len(data)
	p.seq = h.Seq - 1

	if h.Start() {
		delete(r.pending, h.Stream)
		if p.size == int(h.Total) && h.Seq == 0 {
			r.complete(h.Stream, join(p.chunks, p.size, true))
		}
	}

	return nil
}

func (r *Reassembler) begin(stream uint32, total uint32) *partial {
	if _, ok := r.pending[stream]; !ok && len(r.pending) >= r.max {
		r.evict()
	}
	r.tick++
	p := &partial{total: total, added: r.tick}
	r.pending[stream] = p
	return p
}

func (r *Reassembler) evict() {
	var (
		oldest uint32
		tick   uint64
		found  bool
	)
	for stream, p := range r.pending {
		if !found || p.added < tick {
			oldest, tick, found = stream, p.added, true
		}
	}
	if found {
		delete(r.pending, oldest)
	}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

func join(chunks [][]byte, size int, reverse bool) []byte {
	out := make([]byte, 0, size)
	if reverse {
		for i := len(chunks) - 1; i >= 0; i-- {
			out = append(out, chunks[i]...)
		}
		return out
	}
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
