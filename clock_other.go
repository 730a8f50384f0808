//go:build !linux

package blackbox

import (
	"time"
)

var clockBase = time.Now()

// MonotonicClock returns nanoseconds since process start, from the runtime's
// monotonic clock.
func MonotonicClock() int64 {
	return int64(time.Since(clockBase))
}

// CurrentThreadID returns zero, as thread ids aren't available on this
// platform.
func CurrentThreadID() int32 {
	return 0
}
