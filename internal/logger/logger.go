// Package logger is the structured logging layer shared by the engine, the
// session layer, the C-style surface and the keel CLI.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the logging interface used across keel. Components take one as an
// option; the zero option means Discard.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

// Format selects the record encoding.
type Format string

const (
	FormatPretty Format = "pretty"
	FormatText   Format = "text"
	FormatJSON   Format = "json"
)

// ParseFormat maps a flag value onto a Format. Empty means pretty.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatPretty, nil
	case FormatPretty, FormatText, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown log format %q (want pretty, text or json)", s)
	}
}

// Handler builds the slog handler for f. Source locations are attached to
// json and pretty records.
func (f Format) Handler(w io.Writer, level slog.Level) slog.Handler {
	switch f {
	case FormatJSON:
		return slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true, Level: level})
	case FormatText:
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return NewPrettyHandler(w, &slog.HandlerOptions{AddSource: true, Level: level})
	}
}

// New wraps handler.
func New(handler slog.Handler) Logger {
	return &handlerLogger{sl: slog.New(handler)}
}

// Default writes info and above to stderr as text.
func Default() Logger {
	return Text(os.Stderr, slog.LevelInfo)
}

// JSON is the encoding used by embedders and log shippers.
func JSON(w io.Writer, level slog.Level) Logger {
	return New(FormatJSON.Handler(w, level))
}

// Text writes key=value records.
func Text(w io.Writer, level slog.Level) Logger {
	return New(FormatText.Handler(w, level))
}

// Pretty writes aligned, optionally colored records for terminals.
func Pretty(w io.Writer, level slog.Level) Logger {
	return New(FormatPretty.Handler(w, level))
}

// Discard returns a Logger that drops every record.
func Discard() Logger {
	return New(slog.DiscardHandler)
}

// FromContext returns the Logger stored by WithContext, or Default.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return Default()
}

// WithContext stores l in ctx.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

type ctxKey struct{}

type handlerLogger struct {
	sl *slog.Logger
}

func (l *handlerLogger) Debug(msg string, args ...any) { l.sl.Debug(msg, args...) }
func (l *handlerLogger) Info(msg string, args ...any)  { l.sl.Info(msg, args...) }
func (l *handlerLogger) Warn(msg string, args ...any)  { l.sl.Warn(msg, args...) }
func (l *handlerLogger) Error(msg string, args ...any) { l.sl.Error(msg, args...) }

func (l *handlerLogger) With(args ...any) Logger {
	return &handlerLogger{sl: l.sl.With(args...)}
}

func (l *handlerLogger) WithGroup(name string) Logger {
	return &handlerLogger{sl: l.sl.WithGroup(name)}
}

// ParseLevel converts a level name to slog.Level. Unknown names give info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
