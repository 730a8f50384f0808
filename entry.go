package blackbox

import (
	"fmt"
	"strconv"
	"strings"
)

// Type identifies what an entry represents. Only the types interpreted by the
// tracing machinery itself are defined here. Applications allocate their own
// types starting at TypeUserBase.
type Type uint8

// Entry types interpreted by the tracing machinery.
const (
	TypeUnknown Type = iota
	TypeMarkPush
	TypeMarkPop
	TypeCounter
	TypeStackFrame
	TypeTraceAbort
	TypeTraceEnd
	TypeTraceStart
	TypeTraceBackwards
	TypeTraceTimeout
	TypeTraceAnnotation
	TypeStringKey
	TypeStringValue
	TypeMapping
	TypeMissedEvent

	// TypeUserBase is the first type available to applications.
	TypeUserBase Type = 128
)

var typeNames = [...]string{
	TypeUnknown:         "UNKNOWN",
	TypeMarkPush:        "MARK_PUSH",
	TypeMarkPop:         "MARK_POP",
	TypeCounter:         "COUNTER",
	TypeStackFrame:      "STACK_FRAME",
	TypeTraceAbort:      "TRACE_ABORT",
	TypeTraceEnd:        "TRACE_END",
	TypeTraceStart:      "TRACE_START",
	TypeTraceBackwards:  "TRACE_BACKWARDS",
	TypeTraceTimeout:    "TRACE_TIMEOUT",
	TypeTraceAnnotation: "TRACE_ANNOTATION",
	TypeStringKey:       "STRING_KEY",
	TypeStringValue:     "STRING_VALUE",
	TypeMapping:         "MAPPING",
	TypeMissedEvent:     "MISSED_EVENT",
}

const userTypePrefix = "USER_"

// String returns the stable upper-snake name of the type, which is used in
// trace files.
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	if t >= TypeUserBase {
		return userTypePrefix + strconv.Itoa(int(t-TypeUserBase))
	}
	return "TYPE_" + strconv.Itoa(int(t))
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if s == name {
			return Type(t), nil
		}
	}

	var (
		prefix string
		base   int
	)
	switch {
	case strings.HasPrefix(s, userTypePrefix):
		prefix, base = userTypePrefix, int(TypeUserBase)
	case strings.HasPrefix(s, "TYPE_"):
		prefix, base = "TYPE_", 0
	default:
		return TypeUnknown, fmt.Errorf("unknown type %q", s)
	}

	n, err := strconv.Atoi(strings.TrimPrefix(s, prefix))
	if err != nil || base+n > 255 || n < 0 {
		return TypeUnknown, fmt.Errorf("invalid type %q", s)
	}
	return Type(base + n), nil
}

// Entry is a single immutable trace record. It's a closed set: the concrete
// types are StandardEntry, BytesEntry, and FramesEntry, and consumers are
// expected to switch over all three.
type Entry interface {
	EntryID() int32
	EntryType() Type
	isEntry()
}

// StandardEntry is a fixed-size record, which carries up to three correlating
// values.
type StandardEntry struct {
	ID        int32
	Type      Type
	Timestamp int64
	TID       int32
	CallID    int64
	MatchID   int64
	Extra     int64
}

// BytesEntry attaches a variable-length payload, like a string, to another
// entry, identified by MatchID.
type BytesEntry struct {
	ID      int32
	Type    Type
	MatchID int32
	Bytes   []byte
}

// FramesEntry is a stack sample.
type FramesEntry struct {
	ID        int32
	Type      Type
	Timestamp int64
	TID       int32
	MatchID   int32
	Frames    []int64
}

func (e StandardEntry) EntryID() int32 { return e.ID }
func (e BytesEntry) EntryID() int32    { return e.ID }
func (e FramesEntry) EntryID() int32   { return e.ID }

func (e StandardEntry) EntryType() Type { return e.Type }
func (e BytesEntry) EntryType() Type    { return e.Type }
func (e FramesEntry) EntryType() Type   { return e.Type }

func (StandardEntry) isEntry() {}
func (BytesEntry) isEntry()    {}
func (FramesEntry) isEntry()   {}

// withID returns a copy of e with the given id.
func withID(e Entry, id int32) Entry {
	switch x := e.(type) {
	case StandardEntry:
		x.ID = id
		return x
	case BytesEntry:
		x.ID = id
		return x
	case FramesEntry:
		x.ID = id
		return x
	default:
		panic(fmt.Errorf("unknown entry type %T", e))
	}
}
