package blackbox_test

import (
	"sort"
	"strings"
	"testing"

	"github.com/peterbourgon/blackbox"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func fixedClock(ts int64) blackbox.Clock {
	return func() int64 { return ts }
}

func fixedThread(tid int32) blackbox.ThreadIDFunc {
	return func() int32 { return tid }
}

func TestLoggerReplicatesWithSharedIDs(t *testing.T) {
	t.Parallel()

	var (
		small = newBuffer(t, 64, 16)
		large = newBuffer(t, 64, 128)
		l     = blackbox.NewLogger(
			blackbox.WithClock(fixedClock(100)),
			blackbox.WithThreadID(fixedThread(7)),
			blackbox.WithLogger(zaptest.NewLogger(t)),
		)
	)
	AssertNoError(t, l.Attach(small))
	AssertNoError(t, l.Attach(large))
	AssertEqual(t, 2, l.Destinations())

	id := l.WriteAnnotation(blackbox.TypeTraceAnnotation, 42, "user", strings.Repeat("x", 50))

	want := []blackbox.Entry{
		blackbox.StandardEntry{ID: id, Type: blackbox.TypeTraceAnnotation, Timestamp: 100, TID: 7, CallID: 42},
		blackbox.BytesEntry{ID: id + 1, Type: blackbox.TypeStringKey, MatchID: id, Bytes: []byte("user")},
		blackbox.BytesEntry{ID: id + 2, Type: blackbox.TypeStringValue, MatchID: id + 1, Bytes: []byte(strings.Repeat("x", 50))},
	}
	AssertEqual(t, want, readEntries(t, small))
	AssertEqual(t, want, readEntries(t, large))
}

func TestLoggerRejectsTinySlots(t *testing.T) {
	t.Parallel()

	l := blackbox.NewLogger()
	if err := l.Attach(newBuffer(t, 4, 8)); !blackbox.Error.Has(err) {
		t.Fatalf("want blackbox error, have %v", err)
	}
}

func TestLoggerSkipsTinyDestinations(t *testing.T) {
	t.Parallel()

	var (
		tiny = newBuffer(t, 4, 8)
		ok   = newBuffer(t, 16, 64)
		l    = blackbox.NewLogger(blackbox.WithDestinations(tiny, ok))
	)

	before := tiny.CurrentHead()
	l.Log(blackbox.TypeMarkPush, 1, 0, 0)
	AssertEqual(t, before, tiny.CurrentHead())
	AssertEqual(t, 1, len(readEntries(t, ok)))
	AssertEqual(t, false, l.Detach(tiny))
	AssertEqual(t, true, l.Detach(ok))
}

func TestLoggerDetach(t *testing.T) {
	t.Parallel()

	var (
		a = newBuffer(t, 16, 64)
		b = newBuffer(t, 16, 64)
		l = blackbox.NewLogger(blackbox.WithDestinations(a, b))
	)

	l.Log(blackbox.TypeMarkPush, 1, 0, 0)
	AssertEqual(t, true, l.Detach(b))
	AssertEqual(t, false, l.Detach(b))
	l.Log(blackbox.TypeMarkPop, 1, 0, 0)

	AssertEqual(t, 2, len(readEntries(t, a)))
	AssertEqual(t, 1, len(readEntries(t, b)))
}

func TestLoggerProviders(t *testing.T) {
	t.Parallel()

	const (
		providerA blackbox.Provider = 1 << iota
		providerB
	)

	var (
		rb = newBuffer(t, 16, 64)
		l  = blackbox.NewLogger(blackbox.WithProviders(providerA), blackbox.WithDestinations(rb))
	)

	AssertEqual(t, true, l.Enabled(providerA))
	AssertEqual(t, false, l.Enabled(providerB))

	AssertEqual(t, int32(0), l.WriteIf(providerB, blackbox.StandardEntry{Type: blackbox.TypeUserBase}))
	if id := l.WriteIf(providerA, blackbox.StandardEntry{Type: blackbox.TypeUserBase}); id == 0 {
		t.Fatalf("want nonzero id")
	}
	AssertEqual(t, 1, len(readEntries(t, rb)))

	l.SetProviders(providerA | providerB)
	AssertEqual(t, providerA|providerB, l.Providers())
}

func TestLoggerConcurrentWriters(t *testing.T) {
	t.Parallel()

	const (
		writers   = 8
		perWriter = 250
	)

	var (
		rb = newBuffer(t, writers*perWriter*2, 32)
		l  = blackbox.NewLogger(blackbox.WithDestinations(rb))
		g  errgroup.Group
	)
	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				l.Log(blackbox.TypeUserBase, int64(w), int64(i), 0)
			}
			return nil
		})
	}
	AssertNoError(t, g.Wait())

	var ids []int
	for _, e := range readEntries(t, rb) {
		ids = append(ids, int(e.EntryID()))
	}
	sort.Ints(ids)

	want := make([]int, writers*perWriter)
	for i := range want {
		want[i] = i + 1
	}
	AssertEqual(t, want, ids)
}

func TestLoggerKeepsExplicitID(t *testing.T) {
	t.Parallel()

	rb := newBuffer(t, 8, 64)
	l := blackbox.NewLogger(blackbox.WithDestinations(rb))
	AssertEqual(t, int32(99), l.Write(blackbox.StandardEntry{ID: 99, Type: blackbox.TypeTraceEnd}))
	AssertEqual(t, int32(99), readEntries(t, rb)[0].EntryID())
}

func TestDefaultAndInstall(t *testing.T) {
	if id := blackbox.Default().Log(blackbox.TypeUserBase, 0, 0, 0); id == 0 {
		t.Fatalf("default logger should still mint ids")
	}

	l := blackbox.NewLogger()
	blackbox.Install(l)
	if blackbox.Default() != l {
		t.Fatalf("Default didn't return installed logger")
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("second Install didn't panic")
		}
	}()
	blackbox.Install(blackbox.NewLogger())
}
