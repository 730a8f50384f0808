package blackbox

import (
	"golang.org/x/sys/unix"
)

// MonotonicClock reads CLOCK_MONOTONIC.
func MonotonicClock() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

// CurrentThreadID returns the OS thread id of the caller. Goroutines migrate
// between threads, so it's only stable for goroutines that have called
// runtime.LockOSThread.
func CurrentThreadID() int32 {
	return int32(unix.Gettid())
}
