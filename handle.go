package blackbox

import (
	"sync/atomic"
)

var (
	nopLogger = NewLogger()
	installed atomic.Pointer[Logger]
)

// Default returns the process-wide logger. Before Install is called, it's a
// logger with no destinations, whose writes do nothing but mint ids.
func Default() *Logger {
	if l := installed.Load(); l != nil {
		return l
	}
	return nopLogger
}

// Install sets the process-wide logger. It panics if called more than once.
func Install(l *Logger) {
	if l == nil {
		panic("blackbox: Install with nil logger")
	}
	if !installed.CompareAndSwap(nil, l) {
		panic("blackbox: Install called twice")
	}
}
