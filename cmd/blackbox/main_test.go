package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/peterbourgon/blackbox"
	"github.com/peterbourgon/blackbox/bbctl"
	"github.com/peterbourgon/blackbox/bbmmap"
	"github.com/peterbourgon/blackbox/bbring"
	"github.com/peterbourgon/blackbox/bbwriter"
	"go.uber.org/zap/zaptest"
)

func execTest(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var outbuf, errbuf bytes.Buffer
	err = exec(context.Background(), strings.NewReader(""), &outbuf, &errbuf, append([]string{"--log=none"}, args...))
	return outbuf.String(), errbuf.String(), err
}

// deadBuffer writes a persisted buffer with an active trace, and closes it.
func deadBuffer(t *testing.T, traceID int64) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "buffer.bin")
	buf, err := bbmmap.Create(path, 256, 64, bbmmap.WithVersionCode(42))
	AssertNoError(t, err)

	logger := blackbox.NewLogger(blackbox.WithDestinations(buf))
	logger.Log(blackbox.TypeTraceStart, 0, 0, traceID)
	for i := range 5 {
		push := logger.Log(blackbox.TypeMarkPush, int64(i), 0, 0)
		logger.Log(blackbox.TypeMarkPop, int64(i), int64(push), 0)
	}
	buf.SetTraceID(traceID)

	AssertNoError(t, buf.Close())
	return path
}

func TestHelp(t *testing.T) {
	t.Parallel()

	_, stderr, err := execTest(t, "--help")
	AssertNoError(t, err)
	for _, name := range []string{"run", "recover", "dump", "header", "trigger"} {
		AssertContains(t, stderr, name)
	}
}

func TestInvalidLogLevel(t *testing.T) {
	t.Parallel()

	var outbuf, errbuf bytes.Buffer
	err := exec(context.Background(), strings.NewReader(""), &outbuf, &errbuf, []string{"--log=loud", "header"})
	AssertError(t, err)
}

func TestHeader(t *testing.T) {
	t.Parallel()

	path := deadBuffer(t, 77)

	stdout, _, err := execTest(t, "header", path)
	AssertNoError(t, err)
	AssertContains(t, stdout, path)
	AssertContains(t, stdout, "256 slots of 64B")

	stdout, _, err = execTest(t, "-o", "ndjson", "header", path)
	AssertNoError(t, err)

	var out headerOutput
	AssertNoError(t, json.Unmarshal([]byte(stdout), &out))
	AssertEqual(t, bbmmap.Magic, out.Static.Magic)
	AssertEqual(t, int64(77), out.Dynamic.TraceID)
	AssertEqual(t, int64(42), out.Dynamic.VersionCode)
	AssertEqual(t, uint32(256), out.Dynamic.Capacity)
}

func TestHeaderUnreadable(t *testing.T) {
	t.Parallel()

	_, _, err := execTest(t, "header", filepath.Join(t.TempDir(), "missing.bin"))
	AssertError(t, err)
}

func TestRecoverAndDump(t *testing.T) {
	t.Parallel()

	var (
		path   = deadBuffer(t, 123)
		folder = t.TempDir()
	)

	stdout, _, err := execTest(t, "-o", "ndjson", "recover", "--folder", folder, "--type", "test", path)
	AssertNoError(t, err)

	var outcome struct {
		Buffer string `json:"buffer"`
		bbwriter.Outcome
	}
	AssertNoError(t, json.Unmarshal([]byte(stdout), &outcome))
	AssertEqual(t, path, outcome.Buffer)
	AssertEqual(t, int64(123), outcome.TraceID)
	AssertEqual(t, bbwriter.StateCompleted, outcome.State)
	if !strings.HasPrefix(outcome.Path, folder+string(filepath.Separator)) {
		t.Fatalf("trace %s not under %s", outcome.Path, folder)
	}

	stdout, _, err = execTest(t, "dump", outcome.Path)
	AssertNoError(t, err)
	AssertContains(t, stdout, "TRACE_BACKWARDS")
	AssertContains(t, stdout, "MARK_PUSH")
	AssertContains(t, stdout, `"collection_method"`)
	AssertContains(t, stdout, `"test"`)

	stdout, _, err = execTest(t, "dump", "--type", "MARK_POP", outcome.Path)
	AssertNoError(t, err)
	AssertEqual(t, 5, strings.Count(stdout, "MARK_POP"))
	AssertEqual(t, false, strings.Contains(stdout, "MARK_PUSH"))
}

func TestRecoverNoTrace(t *testing.T) {
	t.Parallel()

	path := deadBuffer(t, 0)

	stdout, _, err := execTest(t, "recover", "--folder", t.TempDir(), path)
	AssertNoError(t, err)
	AssertEqual(t, "", stdout)
}

func TestDumpBadType(t *testing.T) {
	t.Parallel()

	_, _, err := execTest(t, "dump", "--type", "NOT_A_TYPE", "whatever.gz")
	AssertError(t, err)
}

func TestTrigger(t *testing.T) {
	t.Parallel()

	rb, err := bbring.New(1024, 64)
	AssertNoError(t, err)

	var (
		logger = blackbox.NewLogger(blackbox.WithDestinations(rb))
		server = bbctl.NewServer(logger, rb)
		writer = bbwriter.New(t.TempDir(), "trigger", rb, bbwriter.WithCallbacks(server))
		errc   = make(chan error, 1)
	)
	server.SetWriter(writer)
	go func() { errc <- writer.Loop(context.Background()) }()
	t.Cleanup(func() {
		writer.Stop()
		AssertNoError(t, <-errc)
	})

	hs := httptest.NewServer(server)
	t.Cleanup(hs.Close)

	stdout, _, err := execTest(t, "trigger", "--addr", hs.URL, "--id", "555", "start")
	AssertNoError(t, err)
	AssertContains(t, stdout, "started trace 555")

	logger.Log(blackbox.TypeMarkPush, 1, 0, 0)

	stdout, _, err = execTest(t, "trigger", "--addr", hs.URL, "stop", "555")
	AssertNoError(t, err)
	AssertContains(t, stdout, "stopped trace 555 with TRACE_END")

	waitFor(t, "end event", func() bool {
		stdout, _, err := execTest(t, "trigger", "--addr", hs.URL, "-o", "ndjson", "recent")
		return err == nil && strings.Contains(stdout, `"kind":"end"`)
	})

	_, _, err = execTest(t, "trigger", "--addr", hs.URL, "stop", "555")
	AssertError(t, err)

	_, _, err = execTest(t, "trigger", "--addr", hs.URL, "launch")
	AssertError(t, err)
}

func TestListenUnix(t *testing.T) {
	t.Parallel()

	sock := filepath.Join(t.TempDir(), "ctl.sock")
	ln, err := listen("unix://" + sock)
	AssertNoError(t, err)
	defer ln.Close()
	AssertEqual(t, "unix", ln.Addr().Network())
	AssertEqual(t, sock, ln.Addr().String())
}

func TestConfigFile(t *testing.T) {
	t.Parallel()

	var (
		path   = deadBuffer(t, 9)
		config = filepath.Join(t.TempDir(), "blackbox.conf")
	)
	AssertNoError(t, os.WriteFile(config, []byte("output prettyjson\n"), 0o644))

	stdout, _, err := execTest(t, "--config", config, "header", path)
	AssertNoError(t, err)
	if !strings.HasPrefix(stdout, "{\n    \"path\"") {
		t.Fatalf("want indented JSON, have %s", stdout)
	}
}

func TestDumpBuffer(t *testing.T) {
	t.Parallel()

	rb, err := bbring.New(8, 64)
	AssertNoError(t, err)

	logger := blackbox.NewLogger(blackbox.WithDestinations(rb))
	for i := range 20 {
		logger.Log(blackbox.TypeMarkPush, int64(i), 0, 0)
	}

	path := filepath.Join(t.TempDir(), "ring.bin")
	AssertNoError(t, dumpBuffer(path, rb))

	fi, err := os.Stat(path)
	AssertNoError(t, err)
	AssertEqual(t, int64(8*64), fi.Size())
}

func TestBuffersReplicate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "buffer.bin")
	bufs, err := openBuffers(64, 64, path, zaptest.NewLogger(t))
	AssertNoError(t, err)
	AssertEqual(t, 2, len(bufs.destinations()))

	logger := blackbox.NewLogger(blackbox.WithDestinations(bufs.destinations()...))
	logger.Log(blackbox.TypeTraceStart, 0, 0, 9)
	for i := range 10 {
		logger.Log(blackbox.TypeMarkPush, int64(i), 0, 0)
	}
	bufs.setTraceID(9)

	var (
		volatile  = bufs.ring
		persisted = bufs.persisted.Ring()
		vc        = volatile.CurrentTail()
		pc        = persisted.CurrentTail()
		n         = volatile.CurrentHead().Index - vc.Index
	)
	AssertEqual(t, n, persisted.CurrentHead().Index-pc.Index)

	a, b := make([]byte, volatile.SlotSize()), make([]byte, persisted.SlotSize())
	for i := uint64(0); i < n; i, vc, pc = i+1, vc.Next(), pc.Next() {
		na, err := volatile.TryRead(vc, a)
		AssertNoError(t, err)
		nb, err := persisted.TryRead(pc, b)
		AssertNoError(t, err)
		AssertEqual(t, a[:na], b[:nb])
	}

	AssertEqual(t, int64(9), bufs.persisted.Header().TraceID)
	AssertNoError(t, bufs.close())
}

func TestBuffersVolatileOnly(t *testing.T) {
	t.Parallel()

	bufs, err := openBuffers(64, 64, "", zaptest.NewLogger(t))
	AssertNoError(t, err)
	AssertEqual(t, 1, len(bufs.destinations()))
	bufs.setTraceID(1)
	AssertNoError(t, bufs.close())
}
