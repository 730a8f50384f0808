// blackbox runs, controls, and inspects an always-on trace recorder.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/peterbourgon/unixtransport"
)

func main() {
	var (
		ctx    = context.Background()
		stdin  = os.Stdin
		stdout = os.Stdout
		stderr = os.Stderr
		args   = os.Args[1:]
	)
	err := exec(ctx, stdin, stdout, stderr, args)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.As(err, &(run.SignalError{})):
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Event streams are read with the default client.
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		unixtransport.Register(t)
	}
}

func exec(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) (err error) {
	rootConfig := &rootConfig{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	rootFlags := ff.NewFlagSet("blackbox")
	rootConfig.register(rootFlags)

	rootCommand := &ff.Command{
		Name:      "blackbox",
		ShortHelp: "always-on, low-overhead event tracing",
		Flags:     rootFlags,
	}

	// Config for `blackbox run`.
	runConfig := &runConfig{rootConfig: rootConfig}
	runFlags := ff.NewFlagSet("run").SetParent(rootFlags)
	runConfig.register(runFlags)
	rootCommand.Subcommands = append(rootCommand.Subcommands, &ff.Command{
		Name:      "run",
		ShortHelp: "record events into a buffer, and serve the control surface",
		LongHelp:  "Run a recorder with a synthetic workload. Traces are started and stopped over HTTP, see the trigger command.",
		Flags:     runFlags,
		Exec:      runConfig.Exec,
	})

	// Config for `blackbox recover`.
	recoverConfig := &recoverConfig{rootConfig: rootConfig}
	recoverFlags := ff.NewFlagSet("recover").SetParent(rootFlags)
	recoverConfig.register(recoverFlags)
	rootCommand.Subcommands = append(rootCommand.Subcommands, &ff.Command{
		Name:      "recover",
		Usage:     "blackbox recover [FLAGS] BUFFER [BUFFER...]",
		ShortHelp: "write traces from buffer files left by dead processes",
		Flags:     recoverFlags,
		Exec:      recoverConfig.Exec,
	})

	// Config for `blackbox dump`.
	dumpConfig := &dumpConfig{rootConfig: rootConfig}
	dumpFlags := ff.NewFlagSet("dump").SetParent(rootFlags)
	dumpConfig.register(dumpFlags)
	rootCommand.Subcommands = append(rootCommand.Subcommands, &ff.Command{
		Name:      "dump",
		Usage:     "blackbox dump [FLAGS] TRACE [TRACE...]",
		ShortHelp: "print the records of trace files",
		Flags:     dumpFlags,
		Exec:      dumpConfig.Exec,
	})

	// Config for `blackbox header`.
	headerConfig := &headerConfig{rootConfig: rootConfig}
	headerFlags := ff.NewFlagSet("header").SetParent(rootFlags)
	rootCommand.Subcommands = append(rootCommand.Subcommands, &ff.Command{
		Name:      "header",
		Usage:     "blackbox header [FLAGS] BUFFER [BUFFER...]",
		ShortHelp: "print the header of buffer files",
		Flags:     headerFlags,
		Exec:      headerConfig.Exec,
	})

	// Config for `blackbox trigger`.
	triggerConfig := &triggerConfig{rootConfig: rootConfig}
	triggerFlags := ff.NewFlagSet("trigger").SetParent(rootFlags)
	triggerConfig.register(triggerFlags)
	rootCommand.Subcommands = append(rootCommand.Subcommands, &ff.Command{
		Name:      "trigger",
		Usage:     "blackbox trigger [FLAGS] start|stop|abort|recent|events",
		ShortHelp: "start and stop traces in a running recorder",
		Flags:     triggerFlags,
		Exec:      triggerConfig.Exec,
	})

	// Print help when appropriate.
	showHelp := true
	defer func() {
		errHelp := errors.Is(err, ff.ErrHelp) || errors.Is(err, ff.ErrNoExec)
		if showHelp || errHelp {
			fmt.Fprintf(stderr, "\n%s\n", ffhelp.Command(rootCommand))
		}
		if errHelp {
			err = nil
		}
	}()

	// Initial parsing.
	if err := rootCommand.Parse(args,
		ff.WithEnvVarPrefix("BLACKBOX"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		return err
	}

	// Validation and set-up.
	log, err := newLogger(rootConfig.logLevel, stderr)
	if err != nil {
		return err
	}
	rootConfig.log = log
	defer log.Sync()

	// Run errors shouldn't show help by default.
	showHelp = false

	// Run the selected command.
	return rootCommand.Run(ctx)
}
