// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup builds a slog handler from level/format/file settings, installs it
// as the default logger, and returns the lumberjack logger (nil if file
// logging is not configured) so the caller can close it on shutdown.
func Setup(level, format, file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) *lumberjack.Logger {
	handler, lj := SetupHandler(level, format, file, maxSizeMB, maxBackups, maxAgeDays, compress)
	slog.SetDefault(slog.New(handler))
	return lj
}

// SetupHandler builds a slog.Handler without installing it globally, so
// callers that need to wrap it (testing, multiplexed output) can do so
// before calling slog.SetDefault themselves.
func SetupHandler(level, format, file string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) (slog.Handler, *lumberjack.Logger) {
	var w io.Writer = os.Stdout
	var lj *lumberjack.Logger

	if file != "" {
		lj = &lumberjack.Logger{
			Filename: file,
			MaxSize: maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge: maxAgeDays,
			Compress: compress,
		}
		w = lj
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return handler, lj
}

// ParseLevel maps the config/CLI level name to a slog.Level, defaulting to
// Info for anything unrecognized.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
