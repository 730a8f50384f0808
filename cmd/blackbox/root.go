package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type rootConfig struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	logLevel   string
	configFile string
	output     string

	log *zap.Logger
}

func (cfg *rootConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'l',
		LongName:    "log",
		Value:       ffval.NewEnum(&cfg.logLevel, "info", "i", "debug", "d", "none", "n"),
		Usage:       "log level: i/info, d/debug, n/none",
		Placeholder: "LEVEL",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "config",
		Value:       ffval.NewValue(&cfg.configFile),
		Usage:       "config file with one 'flag value' per line",
		Placeholder: "FILE",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'o',
		LongName:    "output",
		Value:       ffval.NewEnum(&cfg.output, "text", "ndjson", "prettyjson"),
		Usage:       "output format: text, ndjson, prettyjson",
		Placeholder: "FORMAT",
	})
}

// newLogger builds a console logger writing to w at the given level.
func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch level {
	case "n", "none":
		return zap.NewNop(), nil
	case "i", "info":
		lvl = zapcore.InfoLevel
	case "d", "debug":
		lvl = zapcore.DebugLevel
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

// writeJSON writes v in the ndjson or prettyjson output format.
func (cfg *rootConfig) writeJSON(v any) error {
	enc := json.NewEncoder(cfg.stdout)
	if cfg.output == "prettyjson" {
		enc.SetIndent("", "    ")
	}
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	return nil
}
