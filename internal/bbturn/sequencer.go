// Package bbturn provides the per-slot turn sequencer used by the ring buffer.
//
// A turn is a 32-bit counter stored in the slot itself. Operations on a slot
// are totally ordered by waiting for a specific turn value and then completing
// it, which advances the counter by exactly one. Turn values wrap, so all
// comparisons are made on the signed difference.
package bbturn

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

const (
	spinLimit    = 64
	yieldLimit   = 16
	parkInterval = 5 * time.Millisecond
)

// Group is the state shared by all of the sequencers of a single buffer: the
// waiter used to park, and a count of parked goroutines, so that completions
// can skip the wake-up syscall in the common case.
type Group struct {
	waiter Waiter
	parked atomic.Int32
}

// NewGroup returns a group using the platform default waiter.
func NewGroup() *Group {
	return NewGroupWaiter(NewWaiter())
}

// NewGroupWaiter returns a group using the given waiter.
func NewGroupWaiter(w Waiter) *Group {
	return &Group{waiter: w}
}

// At returns the sequencer for the turn word at the given address. The word
// must remain valid for as long as the sequencer is used.
func (g *Group) At(word *atomic.Uint32) Sequencer {
	return Sequencer{word: word, group: g}
}

// WakeAll wakes every parked goroutine parked on the given word, so that
// waiters with a done channel can observe it promptly.
func (g *Group) WakeAll(word *atomic.Uint32) {
	g.waiter.Wake(word)
}

// Parked returns the number of goroutines currently parked.
func (g *Group) Parked() int {
	return int(g.parked.Load())
}

// Sequencer orders operations on one slot. It's a small value type, and
// copying it is cheap and safe.
type Sequencer struct {
	word  *atomic.Uint32
	group *Group
}

// Load returns the current turn.
func (s Sequencer) Load() uint32 {
	return s.word.Load()
}

// IsTurn returns true if the current turn is exactly turn.
func (s Sequencer) IsTurn(turn uint32) bool {
	return s.word.Load() == turn
}

// WaitForTurn blocks until the current turn is exactly turn. Callers must own
// turn, i.e. no other goroutine may complete it. A sequencer that has already
// moved past turn indicates corrupted shared state, and panics.
func (s Sequencer) WaitForTurn(turn uint32) {
	for i := 0; ; i++ {
		cur := s.word.Load()
		if cur == turn {
			return
		}
		if diff(cur, turn) > 0 {
			panic(fmt.Sprintf("bbturn: wait for turn %d, but sequencer is already at turn %d", turn, cur))
		}
		switch {
		case i < spinLimit:
			// spin
		case i < spinLimit+yieldLimit:
			runtime.Gosched()
		default:
			s.park(cur, parkInterval)
		}
	}
}

// TryWaitForTurn blocks until the current turn is at or past turn, or until
// done is closed. It returns the turn that was observed, and false if done was
// closed first.
func (s Sequencer) TryWaitForTurn(turn uint32, done <-chan struct{}) (uint32, bool) {
	for i := 0; ; i++ {
		cur := s.word.Load()
		if diff(cur, turn) >= 0 {
			return cur, true
		}
		select {
		case <-done:
			return cur, false
		default:
		}
		switch {
		case i < spinLimit:
			// spin
		case i < spinLimit+yieldLimit:
			runtime.Gosched()
		default:
			s.park(cur, parkInterval)
		}
	}
}

// CompleteTurn marks turn as done, advancing the sequencer to turn+1 and
// waking any parked waiters. The sequencer must be at exactly turn: anything
// else means two operations believed they owned the same turn, and panics.
func (s Sequencer) CompleteTurn(turn uint32) {
	if !s.word.CompareAndSwap(turn, turn+1) {
		panic(fmt.Sprintf("bbturn: complete turn %d, but sequencer is at turn %d", turn, s.word.Load()))
	}
	if s.group.parked.Load() > 0 {
		s.group.waiter.Wake(s.word)
	}
}

func (s Sequencer) park(old uint32, timeout time.Duration) {
	s.group.parked.Add(1)
	defer s.group.parked.Add(-1)

	// Re-check after announcing ourselves: a completion that ran before the
	// increment won't have issued a wake.
	if s.word.Load() != old {
		return
	}

	s.group.waiter.Wait(s.word, old, timeout)
}

// diff returns a-b as a signed distance, tolerating wraparound.
func diff(a, b uint32) int32 {
	return int32(a - b)
}

// Diff is the exported form of the wrapping turn comparison.
func Diff(a, b uint32) int32 {
	return diff(a, b)
}
