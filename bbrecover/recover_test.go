package bbrecover_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/blackbox"
	"github.com/peterbourgon/blackbox/bbmmap"
	"github.com/peterbourgon/blackbox/bbrecover"
	"github.com/peterbourgon/blackbox/bbtrace"
	"github.com/peterbourgon/blackbox/bbwriter"
	"go.uber.org/zap/zaptest"
)

func AssertEqual[T any](t *testing.T, want, have T) {
	t.Helper()
	if !cmp.Equal(want, have) {
		t.Fatal(cmp.Diff(want, have))
	}
}

func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

const (
	deadTraceID int64 = 222
	recoveredAt int64 = 1234567
)

var mappings = []string{
	"7f0000000000:7f0000001000:r-xp:00000000:/system/lib/libc.so",
	"7f0000002000:7f0000003000:r--p:00001000:/system/lib/libm.so",
	"7f0000004000:7f0000005000:rw-p:00000000:[anon]",
}

type events struct {
	mtx sync.Mutex
	log []string
}

func (e *events) callbacks() bbwriter.Callbacks {
	add := func(s string) {
		e.mtx.Lock()
		defer e.mtx.Unlock()
		e.log = append(e.log, s)
	}
	return bbwriter.CallbackFuncs{
		Start: func(int64, int32, string) { add("start") },
		End:   func(int64, uint32) { add("end") },
		Abort: func(_ int64, r bbwriter.AbortReason) { add("abort " + r.String()) },
	}
}

func (e *events) get() []string {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return append([]string{}, e.log...)
}

// dead creates a buffer file, lets write fill it, and closes it as if the
// process had died.
func dead(t *testing.T, capacity int, traceID int64, write func(*blackbox.Logger), opts ...bbmmap.Option) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "buffer.bin")
	buf, err := bbmmap.Create(path, capacity, 64, opts...)
	AssertNoError(t, err)

	logger := blackbox.NewLogger(blackbox.WithDestinations(buf))
	write(logger)
	buf.SetTraceID(traceID)

	AssertNoError(t, buf.Sync())
	AssertNoError(t, buf.Close())
	return path
}

func recoverer(t *testing.T, ev *events, opts ...bbrecover.Option) (*bbrecover.Recoverer, string) {
	t.Helper()
	folder := t.TempDir()
	return bbrecover.New(folder, "recovered", append([]bbrecover.Option{
		bbrecover.WithCallbacks(ev.callbacks()),
		bbrecover.WithClock(func() int64 { return recoveredAt }),
		bbrecover.WithLogger(zaptest.NewLogger(t)),
	}, opts...)...), folder
}

func TestWriteTraceEndToEnd(t *testing.T) {
	t.Parallel()

	path := dead(t, 128, deadTraceID, func(l *blackbox.Logger) {
		l.Log(blackbox.TypeTraceStart, 0, 0, deadTraceID)
		for i := 0; i < 10; i++ {
			l.Log(blackbox.TypeMarkPush, int64(i), 0, 0)
		}
		l.WriteBytes(blackbox.TypeStringValue, 1, []byte(strings.Repeat("x", 200)))
	}, bbmmap.WithVersionCode(42), bbmmap.WithConfigID(7))

	var ev events
	r, _ := recoverer(t, &ev, bbrecover.WithTraceFlags(3))

	out, err := r.WriteTrace(context.Background(), path, "crash")
	AssertNoError(t, err)
	AssertEqual(t, bbwriter.StateCompleted, out.State)
	AssertEqual(t, deadTraceID, out.TraceID)
	AssertEqual(t, []string{"start", "end"}, ev.get())

	tr, err := bbtrace.ReadFile(out.Path)
	AssertNoError(t, err)
	AssertEqual(t, out.CRC32, tr.CRC32)

	var (
		first    = tr.Records[0].Entry.(blackbox.StandardEntry)
		last     = tr.Records[len(tr.Records)-1].Entry.(blackbox.StandardEntry)
		pushes   []int64
		starts   int
		long     []byte
		versions []int64
		values   []string
	)
	AssertEqual(t, blackbox.TypeTraceBackwards, first.Type)
	AssertEqual(t, int64(3), first.MatchID)
	AssertEqual(t, deadTraceID, first.Extra)
	AssertEqual(t, blackbox.TypeTraceEnd, last.Type)
	AssertEqual(t, deadTraceID, last.Extra)

	for _, rec := range tr.Records {
		switch e := rec.Entry.(type) {
		case blackbox.StandardEntry:
			switch {
			case e.Type == blackbox.TypeMarkPush:
				pushes = append(pushes, e.CallID)
			case e.Type == blackbox.TypeTraceStart:
				starts++
			case e.Type == blackbox.TypeTraceAnnotation && e.CallID == bbrecover.AnnotationVersionCode:
				versions = append(versions, e.Extra)
			}
		case blackbox.BytesEntry:
			if e.Type == blackbox.TypeStringValue {
				if len(e.Bytes) == 200 {
					long = e.Bytes
				} else {
					values = append(values, string(e.Bytes))
				}
			}
		}
	}

	AssertEqual(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, pushes)
	AssertEqual(t, 0, starts) // the dead process's start marker is dropped
	AssertEqual(t, strings.Repeat("x", 200), string(long))
	AssertEqual(t, []int64{42}, versions)
	AssertEqual(t, true, slices.Contains(values, "crash"))
	AssertEqual(t, true, slices.Contains(values, bbrecover.CollectionMethod))
}

func TestWriteTraceMappings(t *testing.T) {
	t.Parallel()

	path := dead(t, 64, deadTraceID, func(l *blackbox.Logger) {
		l.Log(blackbox.TypeMarkPush, 1, 0, 0)
	}, bbmmap.WithMapsFilename("maps.txt"))

	maps := filepath.Join(filepath.Dir(path), "maps.txt")
	AssertNoError(t, os.WriteFile(maps, []byte(strings.Join(mappings, "\n")+"\n"), 0o644))

	var ev events
	r, _ := recoverer(t, &ev)

	out, err := r.WriteTrace(context.Background(), path, "crash")
	AssertNoError(t, err)
	AssertEqual(t, bbwriter.StateCompleted, out.State)

	tr, err := bbtrace.ReadFile(out.Path)
	AssertNoError(t, err)

	var (
		ids    = map[int32]bool{}
		keys   = map[int32]bool{}
		values []string
	)
	for _, rec := range tr.Records {
		switch e := rec.Entry.(type) {
		case blackbox.StandardEntry:
			if e.Type == blackbox.TypeMapping {
				ids[e.ID] = true
			}
		case blackbox.BytesEntry:
			switch {
			case e.Type == blackbox.TypeStringKey && ids[e.MatchID]:
				AssertEqual(t, bbrecover.MappingKey, string(e.Bytes))
				keys[e.ID] = true
			case e.Type == blackbox.TypeStringValue && keys[e.MatchID]:
				values = append(values, string(e.Bytes))
			}
		}
	}
	AssertEqual(t, len(mappings), len(ids))
	AssertEqual(t, mappings, values)
}

func TestWriteTraceMissingMappings(t *testing.T) {
	t.Parallel()

	path := dead(t, 64, deadTraceID, func(l *blackbox.Logger) {
		l.Log(blackbox.TypeMarkPush, 1, 0, 0)
	}, bbmmap.WithMapsFilename("absent.txt"))

	var ev events
	r, _ := recoverer(t, &ev)

	out, err := r.WriteTrace(context.Background(), path, "crash")
	AssertNoError(t, err)
	AssertEqual(t, bbwriter.StateCompleted, out.State)
}

func TestWriteTraceWrapped(t *testing.T) {
	t.Parallel()

	const capacity, writes = 32, 1000
	path := dead(t, capacity, deadTraceID, func(l *blackbox.Logger) {
		for i := 0; i < writes; i++ {
			l.Log(blackbox.TypeMarkPush, int64(i), 0, 0)
		}
	})

	var ev events
	r, _ := recoverer(t, &ev)

	out, err := r.WriteTrace(context.Background(), path, "crash")
	AssertNoError(t, err)
	AssertEqual(t, bbwriter.StateCompleted, out.State)

	tr, err := bbtrace.ReadFile(out.Path)
	AssertNoError(t, err)

	var pushes []int64
	for _, rec := range tr.Records {
		if e, ok := rec.Entry.(blackbox.StandardEntry); ok && e.Type == blackbox.TypeMarkPush {
			pushes = append(pushes, e.CallID)
		}
	}
	AssertEqual(t, capacity, len(pushes))
	for i, id := range pushes {
		AssertEqual(t, int64(writes-capacity+i), id)
	}
}

func TestWriteTraceNoTrace(t *testing.T) {
	t.Parallel()

	path := dead(t, 64, 0, func(l *blackbox.Logger) {
		l.Log(blackbox.TypeMarkPush, 1, 0, 0)
	})

	var ev events
	r, folder := recoverer(t, &ev)

	_, err := r.WriteTrace(context.Background(), path, "crash")
	if !errors.Is(err, bbrecover.ErrNoTrace) {
		t.Fatalf("want ErrNoTrace, have %v", err)
	}
	AssertEqual(t, 0, len(ev.get()))

	entries, err := os.ReadDir(folder)
	AssertNoError(t, err)
	AssertEqual(t, 0, len(entries))
}

func TestWriteTraceNoEntries(t *testing.T) {
	t.Parallel()

	path := dead(t, 64, deadTraceID, func(*blackbox.Logger) {})

	var ev events
	r, _ := recoverer(t, &ev)

	_, err := r.WriteTrace(context.Background(), path, "crash")
	if !errors.Is(err, bbrecover.ErrNoEntries) {
		t.Fatalf("want ErrNoEntries, have %v", err)
	}
	AssertEqual(t, 0, len(ev.get()))
}

func TestWriteTraceUnreadable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.bin")
	AssertNoError(t, os.WriteFile(garbage, []byte(strings.Repeat("garbage!", 1024)), 0o644))

	var ev events
	r, _ := recoverer(t, &ev)

	_, err := r.WriteTrace(context.Background(), garbage, "crash")
	if !errors.Is(err, bbmmap.ErrUnreadable) {
		t.Fatalf("want ErrUnreadable, have %v", err)
	}

	_, err = r.WriteTrace(context.Background(), filepath.Join(dir, "missing.bin"), "crash")
	if err == nil || errors.Is(err, bbmmap.ErrUnreadable) {
		t.Fatalf("want a non-ErrUnreadable error, have %v", err)
	}
	AssertEqual(t, 0, len(ev.get()))
}
