// Package logging provides structured logging configuration and utilities.
//
// Records are emitted as newline-delimited JSON. Informational and debug
// records go to stdout; warnings and errors go to stderr, so log shippers can
// treat the two streams as severity channels.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// TimestampKey replaces slog's default "time" key in emitted records.
const TimestampKey = "timestamp"

// Config holds logging configuration.
type Config struct {
	Level  string
	Pretty bool

	// Stdout and Stderr default to the process streams.
	Stdout io.Writer
	Stderr io.Writer
}

// NewLogger builds a slog logger that splits records across stdout and stderr
// by level. Unknown levels fall back to info.
func NewLogger(cfg Config) *slog.Logger {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	}

	var out, errOut slog.Handler
	if cfg.Pretty {
		out = slog.NewTextHandler(stdout, opts)
		errOut = slog.NewTextHandler(stderr, opts)
	} else {
		out = slog.NewJSONHandler(stdout, opts)
		errOut = slog.NewJSONHandler(stderr, opts)
	}

	return slog.New(&splitHandler{out: out, err: errOut, threshold: slog.LevelWarn})
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		a.Key = TimestampKey
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
		}
	}
	return a
}

// splitHandler routes records at or above threshold to err and everything
// else to out.
type splitHandler struct {
	out       slog.Handler
	err       slog.Handler
	threshold slog.Level
}

func (h *splitHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= h.threshold {
		return h.err.Enabled(ctx, level)
	}
	return h.out.Enabled(ctx, level)
}

func (h *splitHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.threshold {
		return h.err.Handle(ctx, r)
	}
	return h.out.Handle(ctx, r)
}

func (h *splitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &splitHandler{
		out:       h.out.WithAttrs(attrs),
		err:       h.err.WithAttrs(attrs),
		threshold: h.threshold,
	}
}

func (h *splitHandler) WithGroup(name string) slog.Handler {
	return &splitHandler{
		out:       h.out.WithGroup(name),
		err:       h.err.WithGroup(name),
		threshold: h.threshold,
	}
}
