package bbdebug

import "sync/atomic"

// TraceCounters track the outcomes of trace processing.
type TraceCounters struct {
	Submitted atomic.Uint64
	Started   atomic.Uint64
	Completed atomic.Uint64
	Aborted   atomic.Uint64
	Missed    atomic.Uint64
	Entries   atomic.Uint64
}

// CompletePercent returns the percent (0..100) of started traces that
// completed.
func (tc *TraceCounters) CompletePercent() float64 {
	var (
		started   = tc.Started.Load()
		completed = tc.Completed.Load()
	)
	if started <= 0 {
		return 0.0
	}
	return 100 * float64(completed) / float64(started)
}

// Values returns the current values of the counters.
func (tc *TraceCounters) Values() (submitted, started, completed, aborted, missed, entries uint64) {
	var (
		s = tc.Submitted.Load()
		t = tc.Started.Load()
		c = tc.Completed.Load()
		a = tc.Aborted.Load()
		m = tc.Missed.Load()
		e = tc.Entries.Load()
	)
	return s, t, c, a, m, e
}

// RecoveryCounters track crash recovery of persisted buffers.
type RecoveryCounters struct {
	Attempted  atomic.Uint64
	Unreadable atomic.Uint64
	Packets    atomic.Uint64
	Missed     atomic.Uint64
}

var (
	// WriterCounters tracks every trace writer in the process.
	WriterCounters TraceCounters

	// RecoverCounters tracks every recovery in the process.
	RecoverCounters RecoveryCounters
)
