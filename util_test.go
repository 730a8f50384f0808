package blackbox_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/blackbox"
	"github.com/peterbourgon/blackbox/bbpacket"
	"github.com/peterbourgon/blackbox/bbring"
)

func AssertEqual[T any](t *testing.T, want, have T) {
	t.Helper()
	if !cmp.Equal(want, have) {
		t.Fatal(cmp.Diff(want, have))
	}
}

func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func newBuffer(t *testing.T, capacity, slotSize int) *bbring.Buffer {
	t.Helper()
	rb, err := bbring.New(capacity, slotSize)
	AssertNoError(t, err)
	return rb
}

// readEntries decodes every entry in the buffer, oldest first.
func readEntries(t *testing.T, rb *bbring.Buffer) []blackbox.Entry {
	t.Helper()

	var entries []blackbox.Entry
	r := bbpacket.NewReassembler(func(_ uint32, p []byte) {
		e, err := blackbox.Unmarshal(p)
		AssertNoError(t, err)
		entries = append(entries, e)
	}, 0)

	buf := make([]byte, rb.SlotSize())
	for c := rb.CurrentTail(); c.Index < rb.CurrentHead().Index; c = c.Next() {
		if _, err := rb.TryRead(c, buf); err != nil {
			r.Reset()
			continue
		}
		AssertNoError(t, r.Process(buf))
	}
	return entries
}
