package bbctl

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Event kinds.
const (
	KindStart = "start"
	KindEnd   = "end"
	KindAbort = "abort"
)

// Event is a trace lifecycle event, as reported by a trace writer.
type Event struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	TraceID int64     `json:"trace_id"`
	ID      string    `json:"id"`
	Flags   int32     `json:"flags,omitempty"`
	Path    string    `json:"path,omitempty"`
	CRC32   uint32    `json:"crc32,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

// StartRequest asks the server to start a trace.
type StartRequest struct {
	// TraceID of the new trace. Optional, a random id is used by default.
	TraceID int64

	// Flags carried by the start marker.
	Flags int32

	// Timeout after which a trace which hasn't finished is aborted. Zero
	// means no timeout.
	Timeout time.Duration
}

// StartResponse describes a started trace.
type StartResponse struct {
	RequestID ulid.ULID `json:"request_id"`
	TraceID   int64     `json:"trace_id"`
	ID        string    `json:"id"`
}

// StopResponse describes a stopped trace.
type StopResponse struct {
	RequestID ulid.ULID `json:"request_id"`
	TraceID   int64     `json:"trace_id"`
	Marker    string    `json:"marker"`
}
