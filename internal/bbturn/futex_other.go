//go:build !linux

package bbturn

// NewWaiter returns the portable waiter.
func NewWaiter() Waiter {
	return NewCondWaiter()
}
