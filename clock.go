package blackbox

// Clock returns a monotonic timestamp in nanoseconds.
type Clock func() int64

// ThreadIDFunc returns the id of the calling thread.
type ThreadIDFunc func() int32
