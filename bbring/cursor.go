package bbring

import "fmt"

// Cursor is a reader's position in a buffer's total write order. Cursors are
// values: moving one returns a new cursor, and never touches the buffer.
//
// The epoch identifies the buffer the cursor was taken from. A cursor is only
// meaningful for that buffer.
type Cursor struct {
	Index uint64 `json:"index"`
	Epoch uint32 `json:"epoch"`
}

// Next returns the cursor one slot forward.
func (c Cursor) Next() Cursor {
	return Cursor{Index: c.Index + 1, Epoch: c.Epoch}
}

// Prev returns the cursor one slot back, and false if c is already at the
// first index.
func (c Cursor) Prev() (Cursor, bool) {
	if c.Index == 0 {
		return c, false
	}
	return Cursor{Index: c.Index - 1, Epoch: c.Epoch}, true
}

// String implements fmt.Stringer.
func (c Cursor) String() string {
	return fmt.Sprintf("%d@%08x", c.Index, c.Epoch)
}
