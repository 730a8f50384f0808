package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/peterbourgon/blackbox/bbrecover"
	"github.com/peterbourgon/blackbox/bbwriter"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"go.uber.org/zap"
)

type recoverConfig struct {
	*rootConfig

	folder string
	prefix string
	typ    string
	flags  int
}

func (cfg *recoverConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		LongName:    "folder",
		Value:       ffval.NewValueDefault(&cfg.folder, os.TempDir()),
		Usage:       "folder for recovered trace files",
		Placeholder: "DIR",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "prefix",
		Value:       ffval.NewValueDefault(&cfg.prefix, "blackbox-recovered"),
		Usage:       "trace file name prefix",
		Placeholder: "STR",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "type",
		Value:       ffval.NewValueDefault(&cfg.typ, "crash"),
		Usage:       "recovery trigger recorded in the trace",
		Placeholder: "STR",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "flags",
		Value:       ffval.NewValue(&cfg.flags),
		Usage:       "trace flags recorded in the trace",
		Placeholder: "INT",
	})
}

func (cfg *recoverConfig) Exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("at least one buffer file is required")
	}

	r := bbrecover.New(cfg.folder, cfg.prefix,
		bbrecover.WithTraceFlags(int32(cfg.flags)),
		bbrecover.WithLogger(cfg.log.Named("bbrecover")),
	)

	var failed int
	for _, path := range args {
		outcome, err := r.WriteTrace(ctx, path, cfg.typ)
		switch {
		case errors.Is(err, bbrecover.ErrNoTrace):
			cfg.log.Info("no trace was active", zap.String("path", path))
			continue
		case err != nil:
			cfg.log.Error("recovery failed", zap.String("path", path), zap.Error(err))
			failed++
			continue
		}
		if err := cfg.writeOutcome(path, outcome); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d recoveries failed", failed, len(args))
	}
	return nil
}

func (cfg *recoverConfig) writeOutcome(path string, outcome bbwriter.Outcome) error {
	if cfg.output != "text" {
		return cfg.writeJSON(struct {
			Buffer string `json:"buffer"`
			bbwriter.Outcome
		}{path, outcome})
	}
	if outcome.State == bbwriter.StateAborted {
		fmt.Fprintf(cfg.stdout, "%s: trace %d %s (%s)\n", path, outcome.TraceID, outcome.State, outcome.Reason)
		return nil
	}
	fmt.Fprintf(cfg.stdout, "%s: trace %d %s, %d entries, %s crc32 %08x\n", path, outcome.TraceID, outcome.State, outcome.Entries, outcome.Path, outcome.CRC32)
	return nil
}
