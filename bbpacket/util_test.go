package bbpacket_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func assertEqual[T any](t *testing.T, want, have T) {
	t.Helper()
	if !cmp.Equal(want, have) {
		t.Fatal(cmp.Diff(want, have))
	}
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

// slots is a Writer that records every packet it's given, padded to the slot
// size.
type slots struct {
	size    int
	packets [][]byte
}

func (s *slots) Write(p []byte) uint64 {
	pkt := make([]byte, s.size)
	copy(pkt, p)
	s.packets = append(s.packets, pkt)
	return uint64(len(s.packets) - 1)
}

func (s *slots) SlotSize() int {
	return s.size
}
