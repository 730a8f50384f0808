package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/peterbourgon/blackbox"
	"github.com/peterbourgon/blackbox/bbtrace"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
)

type dumpConfig struct {
	*rootConfig

	types []string
}

func (cfg *dumpConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		LongName:    "type",
		Value:       ffval.NewUniqueList(&cfg.types),
		Usage:       "only print entries of this type (repeatable)",
		Placeholder: "TYPE",
	})
}

func (cfg *dumpConfig) Exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("at least one trace file is required")
	}

	allow := map[blackbox.Type]bool{}
	for _, s := range cfg.types {
		typ, err := blackbox.ParseType(s)
		if err != nil {
			return fmt.Errorf("--type: %w", err)
		}
		allow[typ] = true
	}

	for _, path := range args {
		trace, err := bbtrace.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		if len(allow) > 0 {
			records := trace.Records[:0]
			for _, r := range trace.Records {
				if r.Entry == nil || allow[r.Entry.EntryType()] {
					records = append(records, r)
				}
			}
			trace.Records = records
		}

		if cfg.output != "text" {
			if err := cfg.writeJSON(trace); err != nil {
				return err
			}
			continue
		}

		writeTraceText(cfg.stdout, path, trace)
	}

	return nil
}

func writeTraceText(w io.Writer, path string, trace *bbtrace.Trace) {
	fmt.Fprintf(w, "%s: trace %s, version %d, precision %d, crc32 %08x\n", path, trace.Header.ID, trace.Header.Version, trace.Header.Precision, trace.CRC32)
	for _, h := range trace.Header.Headers {
		fmt.Fprintf(w, "  %s: %s\n", h.Key, h.Value)
	}
	for _, r := range trace.Records {
		fmt.Fprintf(w, "%s\n", formatRecord(r))
	}
}

func formatRecord(r bbtrace.Record) string {
	switch e := r.Entry.(type) {
	case blackbox.StandardEntry:
		return fmt.Sprintf("%6d %-18s ts=%d tid=%d call=%d match=%d extra=%d", e.ID, e.Type, e.Timestamp, e.TID, e.CallID, e.MatchID, e.Extra)
	case blackbox.FramesEntry:
		return fmt.Sprintf("%6d %-18s ts=%d tid=%d match=%d frames=%v", e.ID, e.Type, e.Timestamp, e.TID, e.MatchID, e.Frames)
	case blackbox.BytesEntry:
		return fmt.Sprintf("%6d %-18s match=%d %s", e.ID, e.Type, e.MatchID, strconv.Quote(string(e.Bytes)))
	default:
		return fmt.Sprintf("aborted: %s", r.Abort)
	}
}
