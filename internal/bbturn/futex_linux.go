//go:build linux

package bbturn

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	futexWait        = 0
	futexWake        = 1
	futexPrivateFlag = 128
)

// FutexWaiter parks directly on the turn word with the futex syscall. Words
// must live in memory that is private to the process, or in a shared mapping
// that only this process uses.
type FutexWaiter struct{}

var _ Waiter = FutexWaiter{}

// NewWaiter returns the futex waiter.
func NewWaiter() Waiter {
	return FutexWaiter{}
}

// Wait implements Waiter.
func (FutexWaiter) Wait(word *atomic.Uint32, old uint32, timeout time.Duration) {
	ts := unix.NsecToTimespec(int64(timeout))
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		uintptr(futexWait|futexPrivateFlag),
		uintptr(old),
		uintptr(unsafe.Pointer(&ts)),
		0, 0,
	)
}

// Wake implements Waiter.
func (FutexWaiter) Wake(word *atomic.Uint32) {
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(word)),
		uintptr(futexWake|futexPrivateFlag),
		uintptr(1<<31-1),
		0, 0, 0,
	)
}
