// Package logging builds the launcher's slog logger and the sink that routes
// child process output into it.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ParseLevel accepts debug|info|warn|error. Unknown values fall back to info
// and are reported in the error.
func ParseLevel(s string) (slog.Level, error) {
	switch l := strings.ToLower(strings.TrimSpace(s)); l {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (expected debug|info|warn|error)", s)
	}
}

// Options configure New.
type Options struct {
	Level   slog.Level
	Verbose bool
	JSON    bool
}

// New returns a text (or JSON) logger writing to w. Verbose forces debug.
func New(w io.Writer, opts Options) *slog.Logger {
	level := opts.Level
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(w, hopts)
	if opts.JSON {
		handler = slog.NewJSONHandler(w, hopts)
	}
	return slog.New(handler)
}

// Discard drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ChildSink logs child process output at debug level.
type ChildSink struct {
	logger *slog.Logger
}

// Sink returns a ChildSink tagging every line with src.
func Sink(logger *slog.Logger, src string) *ChildSink {
	if logger == nil {
		logger = Discard()
	}
	return &ChildSink{logger: logger.With("src", src)}
}

func (s *ChildSink) WriteLine(line string) {
	s.logger.Debug(line)
}
