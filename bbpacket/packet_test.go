package bbpacket_test

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/peterbourgon/blackbox/bbpacket"
	"github.com/peterbourgon/blackbox/bbring"
)

func payload(rng *rand.Rand, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(rng.Uint32())
	}
	return p
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	for _, slotSize := range []int{bbpacket.MinSlotSize, 16, 64, 100, 1024} {
		slotSize := slotSize
		t.Run(fmt.Sprintf("slot=%d", slotSize), func(t *testing.T) {
			t.Parallel()

			rng := rand.New(rand.NewPCG(3, uint64(slotSize)))
			for _, n := range []int{0, 1, 2, 7, 63, 64, 65, 500, 1000, 4097, 10000} {
				want := payload(rng, n)

				var (
					dst = &slots{size: slotSize}
					pz  bbpacket.Packetizer
				)
				first := pz.Write(dst, want)
				assertEqual(t, uint64(0), first)

				var forward [][]byte
				fr := bbpacket.NewReassembler(func(_ uint32, p []byte) { forward = append(forward, p) }, 0)
				for _, pkt := range dst.packets {
					assertNoError(t, fr.Process(pkt))
				}
				assertEqual(t, 1, len(forward))
				if !bytes.Equal(want, forward[0]) {
					t.Fatalf("n=%d: forward payload mismatch", n)
				}

				var backward [][]byte
				br := bbpacket.NewReassembler(func(_ uint32, p []byte) { backward = append(backward, p) }, 0)
				for i := len(dst.packets) - 1; i >= 0; i-- {
					assertNoError(t, br.ProcessBackwards(dst.packets[i]))
				}
				assertEqual(t, 1, len(backward))
				if !bytes.Equal(want, backward[0]) {
					t.Fatalf("n=%d: backward payload mismatch", n)
				}

				assertEqual(t, 0, fr.Pending())
				assertEqual(t, 0, br.Pending())
			}
		})
	}
}

func TestRoundTripEveryLength(t *testing.T) {
	t.Parallel()

	var (
		rng = rand.New(rand.NewPCG(5, 6))
		dst = &slots{size: 24}
		pz  bbpacket.Packetizer
	)

	var want [][]byte
	for n := 1; n <= 10000; n += 37 {
		p := payload(rng, n)
		want = append(want, p)
		pz.Write(dst, p)
	}

	var forward [][]byte
	fr := bbpacket.NewReassembler(func(_ uint32, p []byte) { forward = append(forward, p) }, 0)
	for _, pkt := range dst.packets {
		assertNoError(t, fr.Process(pkt))
	}
	assertEqual(t, want, forward)

	var backward [][]byte
	br := bbpacket.NewReassembler(func(_ uint32, p []byte) { backward = append([][]byte{p}, backward...) }, 0)
	for i := len(dst.packets) - 1; i >= 0; i-- {
		assertNoError(t, br.ProcessBackwards(dst.packets[i]))
	}
	assertEqual(t, want, backward)
}

func TestInterleavedStreams(t *testing.T) {
	t.Parallel()

	var (
		a  = &slots{size: 16}
		b  = &slots{size: 16}
		pz bbpacket.Packetizer
	)
	pz.Write(a, []byte("the first payload is long"))
	pz.Write(b, []byte("the second payload is longer still"))

	// Interleave the two streams packet by packet.
	var mixed [][]byte
	for i := 0; i < len(a.packets) || i < len(b.packets); i++ {
		if i < len(a.packets) {
			mixed = append(mixed, a.packets[i])
		}
		if i < len(b.packets) {
			mixed = append(mixed, b.packets[i])
		}
	}

	have := map[string]bool{}
	r := bbpacket.NewReassembler(func(_ uint32, p []byte) { have[string(p)] = true }, 0)
	for _, pkt := range mixed {
		assertNoError(t, r.Process(pkt))
	}
	assertEqual(t, map[string]bool{
		"the first payload is long":          true,
		"the second payload is longer still": true,
	}, have)
}

func TestPacketizersShareStreamIDs(t *testing.T) {
	t.Parallel()

	var (
		a, b        = &slots{size: 16}, &slots{size: 16}
		pza, pzb    bbpacket.Packetizer
		first, last = []byte("from the first packetizer"), []byte("from the second packetizer")
	)
	if x, y := pza.NextStream(), pzb.NextStream(); x == y {
		t.Fatalf("stream id %d minted twice", x)
	}

	pza.Write(a, first)
	pzb.Write(b, last)

	// Two loggers sharing one destination interleave packet by packet.
	var mixed [][]byte
	for i := 0; i < len(a.packets) || i < len(b.packets); i++ {
		if i < len(a.packets) {
			mixed = append(mixed, a.packets[i])
		}
		if i < len(b.packets) {
			mixed = append(mixed, b.packets[i])
		}
	}

	var have []string
	r := bbpacket.NewReassembler(func(_ uint32, p []byte) { have = append(have, string(p)) }, 0)
	for _, pkt := range mixed {
		assertNoError(t, r.Process(pkt))
	}
	assertEqual(t, []string{string(first), string(last)}, have)
}

func TestMissingPacket(t *testing.T) {
	t.Parallel()

	var (
		dst = &slots{size: 16}
		pz  bbpacket.Packetizer
	)
	pz.Write(dst, bytes.Repeat([]byte("x"), 40))
	pz.Write(dst, []byte("ok"))

	n := len(dst.packets)
	for drop := 0; drop < n-1; drop++ {
		var forward, backward []string

		fr := bbpacket.NewReassembler(func(_ uint32, p []byte) { forward = append(forward, string(p)) }, 0)
		for i, pkt := range dst.packets {
			if i != drop {
				assertNoError(t, fr.Process(pkt))
			}
		}
		assertEqual(t, []string{"ok"}, forward)

		br := bbpacket.NewReassembler(func(_ uint32, p []byte) { backward = append(backward, string(p)) }, 0)
		for i := n - 1; i >= 0; i-- {
			if i != drop {
				assertNoError(t, br.ProcessBackwards(dst.packets[i]))
			}
		}
		assertEqual(t, []string{"ok"}, backward)
	}
}

func TestSameStreamManyDestinations(t *testing.T) {
	t.Parallel()

	var (
		a, b = &slots{size: 16}, &slots{size: 32}
		pz   bbpacket.Packetizer
		id   = pz.NextStream()
		want = []byte("replicated to both destinations")
	)
	pz.WriteStream(a, id, want)
	pz.WriteStream(b, id, want)

	for _, dst := range []*slots{a, b} {
		var streams []uint32
		r := bbpacket.NewReassembler(func(s uint32, p []byte) {
			streams = append(streams, s)
			assertEqual(t, want, p)
		}, 0)
		for _, pkt := range dst.packets {
			assertNoError(t, r.Process(pkt))
		}
		assertEqual(t, []uint32{id}, streams)
	}
}

func TestPendingBound(t *testing.T) {
	t.Parallel()

	var (
		dst = &slots{size: 16}
		pz  bbpacket.Packetizer
	)
	for i := 0; i < 10; i++ {
		pz.Write(dst, bytes.Repeat([]byte{byte(i)}, 20))
	}

	r := bbpacket.NewReassembler(func(uint32, []byte) {}, 3)
	for _, pkt := range dst.packets {
		h, _, err := bbpacket.Parse(pkt)
		assertNoError(t, err)
		if h.Start() {
			assertNoError(t, r.Process(pkt))
		}
	}
	assertEqual(t, 3, r.Pending())

	r.Reset()
	assertEqual(t, 0, r.Pending())
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	for name, pkt := range map[string][]byte{
		"short":      {1, 2, 3},
		"no total":   {1, 0, 0, 0, bbpacket.FlagStart, 0, 0, 0},
		"size large": {1, 0, 0, 0, 0, 0, 200, 0, 1, 2, 3},
	} {
		if _, _, err := bbpacket.Parse(pkt); !errors.Is(err, bbpacket.ErrMalformed) {
			t.Errorf("%s: want ErrMalformed, have %v", name, err)
		}
	}
}

func TestRingBufferDestination(t *testing.T) {
	t.Parallel()

	rb, err := bbring.New(64, 32)
	assertNoError(t, err)

	var pz bbpacket.Packetizer
	want := bytes.Repeat([]byte("0123456789"), 10)
	pz.Write(rb, want)

	var have []byte
	r := bbpacket.NewReassembler(func(_ uint32, p []byte) { have = p }, 0)
	buf := make([]byte, rb.SlotSize())
	for c := rb.CurrentTail(); c.Index < rb.CurrentHead().Index; c = c.Next() {
		_, err := rb.TryRead(c, buf)
		assertNoError(t, err)
		assertNoError(t, r.Process(buf))
	}
	assertEqual(t, want, have)
}

func BenchmarkPacketizer(b *testing.B) {
	for _, n := range []int{8, 64, 1024} {
		b.Run(fmt.Sprintf("payload=%d", n), func(b *testing.B) {
			rb, err := bbring.New(4096, 64)
			if err != nil {
				b.Fatal(err)
			}
			var (
				pz bbpacket.Packetizer
				p  = make([]byte, n)
			)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				pz.Write(rb, p)
			}
		})
	}
}
