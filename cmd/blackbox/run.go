package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/peterbourgon/blackbox"
	"github.com/peterbourgon/blackbox/bbctl"
	"github.com/peterbourgon/blackbox/bbmmap"
	"github.com/peterbourgon/blackbox/bbring"
	"github.com/peterbourgon/blackbox/bbwriter"
	"github.com/peterbourgon/blackbox/internal/bbutil"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type runConfig struct {
	*rootConfig

	listen   string
	folder   string
	prefix   string
	buffer   string
	dump     string
	capacity int
	slotSize int
	workers  int
	interval time.Duration
	rate     float64
	burst    int
}

func (cfg *runConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		LongName:    "listen",
		Value:       ffval.NewValueDefault(&cfg.listen, "localhost:8093"),
		Usage:       "control listen address, host:port or unix:///path",
		Placeholder: "ADDR",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "folder",
		Value:       ffval.NewValueDefault(&cfg.folder, os.TempDir()),
		Usage:       "folder for trace files",
		Placeholder: "DIR",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "prefix",
		Value:       ffval.NewValueDefault(&cfg.prefix, "blackbox"),
		Usage:       "trace file name prefix",
		Placeholder: "STR",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "buffer",
		Value:       ffval.NewValue(&cfg.buffer),
		Usage:       "persist the buffer in this file, so it can be recovered after a crash",
		Placeholder: "FILE",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "dump",
		Value:       ffval.NewValue(&cfg.dump),
		Usage:       "on shutdown, write the raw packets of the buffer to this file",
		Placeholder: "FILE",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "capacity",
		Value:       ffval.NewValueDefault(&cfg.capacity, 1<<16),
		Usage:       "buffer capacity in slots",
		Placeholder: "INT",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "slot-size",
		Value:       ffval.NewValueDefault(&cfg.slotSize, 64),
		Usage:       "buffer slot size in bytes",
		Placeholder: "INT",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "workers",
		Value:       ffval.NewValueDefault(&cfg.workers, 2),
		Usage:       "number of synthetic workload goroutines",
		Placeholder: "INT",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "interval",
		Value:       ffval.NewValueDefault(&cfg.interval, 10*time.Millisecond),
		Usage:       "synthetic workload interval",
		Placeholder: "DURATION",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "rate",
		Value:       ffval.NewValueDefault(&cfg.rate, 1.0),
		Usage:       "trace starts allowed per second",
		Placeholder: "FLOAT",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "burst",
		Value:       ffval.NewValueDefault(&cfg.burst, 10),
		Usage:       "trace starts allowed in a burst",
		Placeholder: "INT",
	})
}

// Call id of the marks around control requests.
const requestCallID int64 = 99

// The process-wide logger can only be installed once.
var installOnce sync.Once

func (cfg *runConfig) Exec(ctx context.Context, args []string) error {
	log := cfg.log

	bufs, err := openBuffers(cfg.capacity, cfg.slotSize, cfg.buffer, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := bufs.close(); err != nil {
			log.Error("close persisted buffer", zap.Error(err))
		}
	}()
	src := bufs.ring

	logger := blackbox.NewLogger(blackbox.WithLogger(log), blackbox.WithDestinations(bufs.destinations()...))
	installOnce.Do(func() { blackbox.Install(logger) })

	server := bbctl.NewServer(logger, src,
		bbctl.WithRateLimit(rate.Limit(cfg.rate), cfg.burst),
		bbctl.WithLogger(log.Named("bbctl")),
	)
	writer := bbwriter.New(cfg.folder, cfg.prefix, src,
		bbwriter.WithCallbacks(bbwriter.MultiCallbacks{server, logCallbacks(log)}),
		bbwriter.WithTraceState(bufs.setTraceID),
		bbwriter.WithLogger(log.Named("bbwriter")),
	)
	server.SetWriter(writer)

	ln, err := listen(cfg.listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("folder", cfg.folder))

	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return writer.Loop(ctx)
		}, func(error) {
			cancel()
		})
	}

	{
		handler := bbctl.Middleware(logger, requestCallID, log.Named("http"))(server)
		httpServer := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
		g.Add(func() error {
			if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			httpServer.Close()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		w := &workload{logger: logger, workers: cfg.workers, interval: cfg.interval}
		g.Add(func() error {
			return w.run(ctx)
		}, func(error) {
			cancel()
		})
	}

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err = g.Run()

	if cfg.dump != "" {
		if derr := dumpBuffer(cfg.dump, src); derr != nil {
			log.Error("dump buffer", zap.Error(derr))
		} else {
			log.Info("dumped buffer", zap.String("path", cfg.dump))
		}
	}

	return err
}

// buffers are the destinations of the daemon's logger. The volatile ring is
// always present, and is what the writer and the controller read. The
// persisted buffer receives the same packets, so it can be recovered after a
// crash.
type buffers struct {
	ring      *bbring.Buffer
	persisted *bbmmap.Buffer
}

func openBuffers(capacity, slotSize int, path string, log *zap.Logger) (*buffers, error) {
	ring, err := bbring.New(capacity, slotSize)
	if err != nil {
		return nil, fmt.Errorf("create buffer: %w", err)
	}
	log.Info("in-memory buffer", zap.String("size", bbutil.HumanizeBytes(bbring.Size(capacity, slotSize))))

	bufs := &buffers{ring: ring}
	if path == "" {
		return bufs, nil
	}

	buf, err := bbmmap.Create(path, capacity, slotSize, bbmmap.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("create persisted buffer: %w", err)
	}
	log.Info("persisted buffer",
		zap.String("path", buf.Path()),
		zap.String("size", bbutil.HumanizeBytes(bbmmap.FileSize(capacity, slotSize))),
	)
	bufs.persisted = buf
	return bufs, nil
}

func (b *buffers) destinations() []blackbox.Destination {
	if b.persisted == nil {
		return []blackbox.Destination{b.ring}
	}
	return []blackbox.Destination{b.ring, b.persisted}
}

// setTraceID records the trace being written in the persisted header.
func (b *buffers) setTraceID(id int64) {
	if b.persisted != nil {
		b.persisted.SetTraceID(id)
	}
}

func (b *buffers) close() error {
	if b.persisted == nil {
		return nil
	}
	return b.persisted.Close()
}

func dumpBuffer(path string, src *bbring.Buffer) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	_, err = src.Dump(f)
	return err
}

// listen on a TCP host:port, or a unix:///path socket.
func listen(addr string) (net.Listener, error) {
	if u, err := url.Parse(addr); err == nil && u.Scheme == "unix" {
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		os.Remove(path)
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", addr)
}

func logCallbacks(log *zap.Logger) bbwriter.Callbacks {
	return bbwriter.CallbackFuncs{
		Start: func(traceID int64, flags int32, path string) {
			log.Info("trace started", zap.Int64("trace_id", traceID), zap.Int32("flags", flags), zap.String("path", path))
		},
		End: func(traceID int64, crc uint32) {
			log.Info("trace ended", zap.Int64("trace_id", traceID), zap.Uint32("crc32", crc))
		},
		Abort: func(traceID int64, reason bbwriter.AbortReason) {
			log.Info("trace aborted", zap.Int64("trace_id", traceID), zap.Stringer("reason", reason))
		},
	}
}
