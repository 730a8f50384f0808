package bbwriter

import "fmt"

// AbortReason explains why a trace was aborted.
type AbortReason int

// Abort reasons.
const (
	AbortUnknown AbortReason = iota
	AbortControllerInitiated
	AbortTimeout
	AbortNewStart
	AbortMissedEvent
	AbortStopped
	AbortWriteError
)

var abortReasonNames = [...]string{
	AbortUnknown:             "UNKNOWN",
	AbortControllerInitiated: "CONTROLLER_INITIATED",
	AbortTimeout:             "TIMEOUT",
	AbortNewStart:            "NEW_START",
	AbortMissedEvent:         "MISSED_EVENT",
	AbortStopped:             "STOPPED",
	AbortWriteError:          "WRITE_ERROR",
}

// String returns the name written in the abort marker of a trace file.
func (r AbortReason) String() string {
	if r >= 0 && int(r) < len(abortReasonNames) {
		return abortReasonNames[r]
	}
	return fmt.Sprintf("ABORT_%d", int(r))
}

// MarshalText implements encoding.TextMarshaler.
func (r AbortReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// State of trace processing.
type State int32

// States.
const (
	StateIdle State = iota
	StateRecording
	StateCompleted
	StateAborted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Callbacks receive trace lifecycle events. For a given trace, OnTraceStart
// is called once, followed by exactly one of OnTraceEnd or OnTraceAbort. A
// trace whose file can't be created is reported by OnTraceAbort alone, with
// AbortWriteError, and so is a trace whose start marker was overwritten before
// the writer reached it, with AbortMissedEvent.
//
// Callbacks are invoked from the writer's goroutine, and should return
// quickly.
type Callbacks interface {
	OnTraceStart(traceID int64, flags int32, path string)
	OnTraceEnd(traceID int64, crc uint32)
	OnTraceAbort(traceID int64, reason AbortReason)
}

// MultiCallbacks fans events out to every callback, in order.
type MultiCallbacks []Callbacks

var _ Callbacks = (MultiCallbacks)(nil)

// OnTraceStart implements Callbacks.
func (mc MultiCallbacks) OnTraceStart(traceID int64, flags int32, path string) {
	for _, c := range mc {
		c.OnTraceStart(traceID, flags, path)
	}
}

// OnTraceEnd implements Callbacks.
func (mc MultiCallbacks) OnTraceEnd(traceID int64, crc uint32) {
	for _, c := range mc {
		c.OnTraceEnd(traceID, crc)
	}
}

// OnTraceAbort implements Callbacks.
func (mc MultiCallbacks) OnTraceAbort(traceID int64, reason AbortReason) {
	for _, c := range mc {
		c.OnTraceAbort(traceID, reason)
	}
}

// CallbackFuncs adapts functions to Callbacks. Nil functions are skipped.
type CallbackFuncs struct {
	Start func(traceID int64, flags int32, path string)
	End   func(traceID int64, crc uint32)
	Abort func(traceID int64, reason AbortReason)
}

var _ Callbacks = CallbackFuncs{}

// OnTraceStart implements Callbacks.
func (cf CallbackFuncs) OnTraceStart(traceID int64, flags int32, path string) {
	if cf.Start != nil {
		cf.Start(traceID, flags, path)
	}
}

// OnTraceEnd implements Callbacks.
func (cf CallbackFuncs) OnTraceEnd(traceID int64, crc uint32) {
	if cf.End != nil {
		cf.End(traceID, crc)
	}
}

// OnTraceAbort implements Callbacks.
func (cf CallbackFuncs) OnTraceAbort(traceID int64, reason AbortReason) {
	if cf.Abort != nil {
		cf.Abort(traceID, reason)
	}
}

// TraceStateFunc is told the id of the trace being recorded when it starts,
// and zero when it finishes. Persisted buffers use it to record the active
// trace id in their header.
type TraceStateFunc func(traceID int64)
