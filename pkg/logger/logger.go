// Package logger provides a structured zerolog logger for ensemble.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Init creates and returns a zerolog.Logger configured with the given log level
// and format. Supported levels: trace, debug, info, warn, error. Defaults to info.
// Format "json" writes one JSON object per line; anything else uses the
// human-readable console writer.
func Init(level, format string) zerolog.Logger {
	return New(os.Stderr, level, format)
}

// New is Init writing to w.
func New(w io.Writer, level, format string) zerolog.Logger {
	var lvl zerolog.Level
	switch level {
	case "trace":
		lvl = zerolog.TraceLevel
	case "debug":
		lvl = zerolog.DebugLevel
	case "info":
		lvl = zerolog.InfoLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}

	out := w
	if format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
