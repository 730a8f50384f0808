package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/peterbourgon/blackbox/bbmmap"
	"github.com/peterbourgon/blackbox/internal/bbutil"
)

type headerConfig struct {
	*rootConfig
}

type headerOutput struct {
	Path    string               `json:"path"`
	Static  bbmmap.StaticHeader  `json:"static"`
	Dynamic bbmmap.DynamicHeader `json:"dynamic"`
}

func (cfg *headerConfig) Exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("at least one buffer file is required")
	}

	for _, path := range args {
		snap, err := bbmmap.Open(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		out := headerOutput{Path: path, Static: snap.Static(), Dynamic: snap.Header()}
		if cfg.output != "text" {
			if err := cfg.writeJSON(out); err != nil {
				return err
			}
			continue
		}

		var (
			d    = out.Dynamic
			size = bbmmap.FileSize(int(d.Capacity), int(d.SlotSize))
			tw   = tabwriter.NewWriter(cfg.stdout, 0, 2, 2, ' ', 0)
		)
		fmt.Fprintf(tw, "PATH\t%s\n", path)
		fmt.Fprintf(tw, "VERSION\t%d\n", out.Static.Version)
		fmt.Fprintf(tw, "SESSION\t%s\n", d.SessionID)
		fmt.Fprintf(tw, "PID\t%d\n", d.PID)
		fmt.Fprintf(tw, "TRACE\t%d\n", d.TraceID)
		fmt.Fprintf(tw, "PROVIDERS\t%#x\n", d.Providers)
		fmt.Fprintf(tw, "BUFFER\t%s slots of %s, %s\n", bbutil.HumanizeCount(uint64(d.Capacity)), bbutil.HumanizeBytes(d.SlotSize), bbutil.HumanizeBytes(size))
		fmt.Fprintf(tw, "WRITTEN\t%s\n", bbutil.HumanizeCount(d.WriteCursor))
		fmt.Fprintf(tw, "VERSION CODE\t%d\n", d.VersionCode)
		fmt.Fprintf(tw, "CONFIG ID\t%d\n", d.ConfigID)
		fmt.Fprintf(tw, "MAPS\t%s\n", d.MapsFilename)
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	return nil
}
