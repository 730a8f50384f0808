package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/peterbourgon/blackbox/bbctl"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
)

type triggerConfig struct {
	*rootConfig

	addr    string
	traceID int64
	flags   int
	timeout time.Duration
	n       int
}

func (cfg *triggerConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'a',
		LongName:    "addr",
		Value:       ffval.NewValueDefault(&cfg.addr, "localhost:8093"),
		Usage:       "recorder address, host:port or http+unix:///path.sock:",
		Placeholder: "ADDR",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "id",
		Value:       ffval.NewValue(&cfg.traceID),
		Usage:       "trace id for start, random by default",
		Placeholder: "INT",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "flags",
		Value:       ffval.NewValue(&cfg.flags),
		Usage:       "trace flags for start",
		Placeholder: "INT",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "timeout",
		Value:       ffval.NewValue(&cfg.timeout),
		Usage:       "abort a started trace that isn't stopped within this time",
		Placeholder: "DURATION",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'n',
		LongName:    "count",
		Value:       ffval.NewValueDefault(&cfg.n, 10),
		Usage:       "number of events for recent",
		Placeholder: "INT",
	})
}

func (cfg *triggerConfig) Exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("an action is required")
	}

	client := bbctl.NewClient(bbctl.NewHTTPClient(), cfg.addr)

	switch action, rest := args[0], args[1:]; action {
	case "start":
		res, err := client.Start(ctx, bbctl.StartRequest{
			TraceID: cfg.traceID,
			Flags:   int32(cfg.flags),
			Timeout: cfg.timeout,
		})
		if err != nil {
			return err
		}
		if cfg.output != "text" {
			return cfg.writeJSON(res)
		}
		fmt.Fprintf(cfg.stdout, "started trace %d (%s)\n", res.TraceID, res.ID)
		return nil

	case "stop", "abort":
		if len(rest) != 1 {
			return fmt.Errorf("%s requires a trace id", action)
		}
		traceID, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid trace id: %w", err)
		}
		res, err := client.Stop(ctx, traceID, action == "abort")
		if err != nil {
			return err
		}
		if cfg.output != "text" {
			return cfg.writeJSON(res)
		}
		fmt.Fprintf(cfg.stdout, "stopped trace %d with %s\n", res.TraceID, res.Marker)
		return nil

	case "recent":
		events, err := client.Recent(ctx, cfg.n)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := cfg.writeEvent(ev); err != nil {
				return err
			}
		}
		return nil

	case "events":
		return cfg.events(ctx, client)

	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

func (cfg *triggerConfig) events(ctx context.Context, client *bbctl.Client) error {
	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		ch := make(chan bbctl.Event)
		g.Add(func() error {
			errc := make(chan error, 1)
			go func() { errc <- client.Events(ctx, ch) }()
			for {
				select {
				case ev := <-ch:
					if err := cfg.writeEvent(ev); err != nil {
						return err
					}
				case err := <-errc:
					return err
				}
			}
		}, func(error) {
			cancel()
		})
	}

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	return g.Run()
}

func (cfg *triggerConfig) writeEvent(ev bbctl.Event) error {
	if cfg.output != "text" {
		return cfg.writeJSON(ev)
	}

	detail := ev.Path
	switch ev.Kind {
	case bbctl.KindEnd:
		detail = fmt.Sprintf("%s crc32 %08x", ev.Path, ev.CRC32)
	case bbctl.KindAbort:
		detail = ev.Reason
	}
	fmt.Fprintf(cfg.stdout, "%s %-5s %d %s %s\n", ev.Time.Format(time.RFC3339), ev.Kind, ev.TraceID, ev.ID, detail)
	return nil
}
