package bbwriter_test

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/blackbox"
	"github.com/peterbourgon/blackbox/bbring"
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
	traceID       int64 = 1
	secondTraceID int64 = 2
	traceIDString       = "AAAAAAAAAAB"
	tracePrefix         = "test-prefix"
	bufferSize          = 5
)

// recorder captures lifecycle callbacks.
type recorder struct {
	mtx    sync.Mutex
	events []string
	crcs   map[int64]uint32
	paths  map[int64]string
}

func (r *recorder) OnTraceStart(id int64, flags int32, path string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.events = append(r.events, fmt.Sprintf("start %d %d", id, flags))
	if r.paths == nil {
		r.paths = map[int64]string{}
	}
	r.paths[id] = path
}

func (r *recorder) OnTraceEnd(id int64, crc uint32) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.events = append(r.events, fmt.Sprintf("end %d", id))
	if r.crcs == nil {
		r.crcs = map[int64]uint32{}
	}
	r.crcs[id] = crc
}

func (r *recorder) OnTraceAbort(id int64, reason bbwriter.AbortReason) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.events = append(r.events, fmt.Sprintf("abort %d %s", id, reason))
}

func (r *recorder) Events() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]string{}, r.events...)
}

// fixture is a small buffer, a logger writing into it, and a writer reading
// from it.
type fixture struct {
	t        *testing.T
	dir      string
	buffer   *bbring.Buffer
	logger   *blackbox.Logger
	callback *recorder
	writer   *bbwriter.Writer
}

func newFixture(t *testing.T, capacity int, opts ...bbwriter.Option) *fixture {
	t.Helper()

	rb, err := bbring.New(capacity, 64)
	AssertNoError(t, err)

	var (
		dir = t.TempDir()
		rec = &recorder{}
	)
	opts = append([]bbwriter.Option{
		bbwriter.WithCallbacks(rec),
		bbwriter.WithHeaders(bbtrace.Header{Key: "key1", Value: "value1"}, bbtrace.Header{Key: "key2", Value: "value2"}),
		bbwriter.WithLogger(zaptest.NewLogger(t)),
	}, opts...)

	return &fixture{
		t:        t,
		dir:      dir,
		buffer:   rb,
		logger:   blackbox.NewLogger(blackbox.WithDestinations(rb)),
		callback: rec,
		writer:   bbwriter.New(dir, tracePrefix, rb, opts...),
	}
}

func (f *fixture) write(typ blackbox.Type, id int32, ts, extra int64) {
	f.logger.Write(blackbox.StandardEntry{ID: id, Type: typ, Timestamp: ts, Extra: extra})
}

func (f *fixture) writeTraceStart(id int64) { f.write(blackbox.TypeTraceStart, 1, 123, id) }
func (f *fixture) writeTraceEnd(id int64)   { f.write(blackbox.TypeTraceEnd, 2, 124, id) }
func (f *fixture) writeTraceAbort(id int64) { f.write(blackbox.TypeTraceAbort, 2, 125, id) }
func (f *fixture) writeFiller()             { f.write(blackbox.TypeMarkPush, 2, 125, 0) }

// loop runs the writer loop, and returns a function that waits for it to
// exit.
func (f *fixture) loop() func() error {
	errc := make(chan error, 1)
	go func() { errc <- f.writer.Loop(context.Background()) }()
	return func() error {
		f.t.Helper()
		select {
		case err := <-errc:
			return err
		case <-time.After(10 * time.Second):
			f.t.Fatal("timeout waiting for loop to exit")
			return nil
		}
	}
}

func (f *fixture) files() []string {
	f.t.Helper()
	var files []string
	err := filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	AssertNoError(f.t, err)
	return files
}

func (f *fixture) onlyTrace() (string, *bbtrace.Trace) {
	f.t.Helper()
	files := f.files()
	if len(files) != 1 {
		f.t.Fatalf("want 1 trace file, have %d", len(files))
	}
	tr, err := bbtrace.ReadFile(files[0])
	AssertNoError(f.t, err)
	return files[0], tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
