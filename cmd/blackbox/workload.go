package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/peterbourgon/blackbox"
	"golang.org/x/sync/errgroup"
)

// Counter ids written by the workload.
const (
	counterGoroutines int64 = 1 + iota
	counterHeapBytes
)

// workload generates a steady stream of nested marks and counter samples,
// so there's something to trace.
type workload struct {
	logger   *blackbox.Logger
	workers  int
	interval time.Duration
}

func (w *workload) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range w.workers {
		callID := int64(100 + i)
		g.Go(func() error {
			return w.marks(ctx, callID)
		})
	}

	g.Go(func() error {
		return w.counters(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *workload) marks(ctx context.Context, callID int64) error {
	for {
		push := w.logger.Log(blackbox.TypeMarkPush, callID, 0, 0)
		jitter := time.Duration(rand.Int64N(int64(w.interval) + 1))
		if err := contextSleep(ctx, w.interval/2+jitter); err != nil {
			w.logger.Log(blackbox.TypeMarkPop, callID, int64(push), 0)
			return err
		}
		w.logger.Log(blackbox.TypeMarkPop, callID, int64(push), 0)
	}
}

func (w *workload) counters(ctx context.Context) error {
	var (
		tid        = blackbox.CurrentThreadID()
		goroutines = blackbox.NewCounter(w.logger, counterGoroutines, tid)
		heap       = blackbox.NewCounter(w.logger, counterHeapBytes, tid)
		stats      runtime.MemStats
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runtime.ReadMemStats(&stats)
			now := w.logger.Now()
			if err := goroutines.Record(int64(runtime.NumGoroutine()), now); err != nil {
				return err
			}
			if err := heap.Record(int64(stats.HeapAlloc), now); err != nil {
				return err
			}
		}
	}
}

func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
