// Package log wraps github.com/rs/zerolog into the small surface the
// scheduler core and cmd/musepq need, mirroring the shape of
// cuemby-warren's pkg/log package (Config/Init/WithComponent) rather
// than reinventing a logging convention for this module.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the package-global logger instance. cmd/musepq scopes its
// output with WithComponent and WithRunID; the queue, skiplist and
// mtqueue packages do not log, and return their fatal conditions as
// errors instead.
var Logger zerolog.Logger

// Level names the handful of levels cmd/musepq exposes as a flag.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	Init(Config{Level: InfoLevel})
}

// Init (re)configures the global Logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent scopes a child logger to one subsystem ("queue",
// "skiplist", "mtqueue", ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRunID scopes a child logger to one cmd/musepq bench
// invocation, tagged with the google/uuid the driver generates per run.
func WithRunID(runID string) zerolog.Logger {
	return Logger.With().Str("run_id", runID).Logger()
}
