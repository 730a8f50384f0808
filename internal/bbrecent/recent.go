// Package bbrecent keeps a bounded history of recent values.
package bbrecent

import "sync"

// List is a fixed-size, concurrency-safe collection of the most recent
// values added to it.
type List[T any] struct {
	mtx   sync.Mutex
	buf   []T // allocated at construction
	next  int // index of the next add
	count int
}

// New returns an empty list holding at most size values.
func New[T any](size int) *List[T] {
	if size < 1 {
		size = 1
	}
	return &List[T]{buf: make([]T, size)}
}

// Add the value to the list. If the list was full, the oldest value is
// evicted and returned, with true.
func (l *List[T]) Add(val T) (evicted T, ok bool) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if l.count == len(l.buf) {
		evicted, ok = l.buf[l.next], true
	} else {
		l.count++
	}

	l.buf[l.next] = val
	l.next = (l.next + 1) % len(l.buf)

	return evicted, ok
}

// Recent returns up to n values, newest first. A negative n returns every
// value.
func (l *List[T]) Recent(n int) []T {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if n < 0 || n > l.count {
		n = l.count
	}

	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		idx := l.next - 1 - i
		if idx < 0 {
			idx += len(l.buf)
		}
		out = append(out, l.buf[idx])
	}
	return out
}

// Len returns the number of values in the list.
func (l *List[T]) Len() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.count
}

// Cap returns the maximum number of values in the list.
func (l *List[T]) Cap() int {
	return len(l.buf)
}
