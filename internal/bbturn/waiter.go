package bbturn

import (
	"sync"
	"sync/atomic"
	"time"
)

// Waiter parks and wakes goroutines waiting for a turn word to change.
//
// Wait returns when the word may no longer hold old, when woken, or after
// timeout; spurious returns are allowed, and callers always re-check. Wake
// wakes every goroutine waiting on the word.
type Waiter interface {
	Wait(word *atomic.Uint32, old uint32, timeout time.Duration)
	Wake(word *atomic.Uint32)
}

// CondWaiter is the portable waiter: a mutex protecting a broadcast channel,
// which is closed and replaced on every wake. One CondWaiter serves every word
// in a buffer, so a wake is a broadcast to all parked goroutines.
type CondWaiter struct {
	mtx sync.Mutex
	ch  chan struct{}
}

var _ Waiter = (*CondWaiter)(nil)

// NewCondWaiter returns a ready-to-use portable waiter.
func NewCondWaiter() *CondWaiter {
	return &CondWaiter{ch: make(chan struct{})}
}

// Wait implements Waiter.
func (w *CondWaiter) Wait(word *atomic.Uint32, old uint32, timeout time.Duration) {
	w.mtx.Lock()
	ch := w.ch
	w.mtx.Unlock()

	if word.Load() != old {
		return
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-ch:
	case <-t.C:
	}
}

// Wake implements Waiter.
func (w *CondWaiter) Wake(*atomic.Uint32) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	close(w.ch)
	w.ch = make(chan struct{})
}
