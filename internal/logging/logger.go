// Package logging builds the CLI's slog.Logger.
// Library packages never construct loggers; they accept one through
// WithLogger options and default to discarding output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LevelTrace is a custom slog level below Debug for per-call tool logging.
const LevelTrace = slog.LevelDebug - 4

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// ParseLevel maps a string level name to a slog.Level.
// Supported values: "info", "debug", "trace" (case-insensitive).
// Unknown values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "trace":
		return LevelTrace
	default:
		return slog.LevelInfo
	}
}

// Options configures New.
type Options struct {
	Level  string
	Format string

	// NoColor disables ANSI colors. Colors are also off when the output is
	// not a terminal.
	NoColor bool
}

// New creates a leveled logger writing to w. Text output uses tint; JSON
// output uses the slog JSON handler.
func New(w io.Writer, opts Options) (*slog.Logger, error) {
	lvl := ParseLevel(opts.Level)
	switch opts.Format {
	case "", FormatText:
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:       lvl,
			TimeFormat:  "2006-01-02 15:04:05.000Z07:00",
			NoColor:     opts.NoColor || !isTerminal(w),
			ReplaceAttr: replaceTextAttr,
		})), nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       lvl,
			ReplaceAttr: replaceLevel,
		})), nil
	}
	return nil, fmt.Errorf("unknown log format %q (valid: text, json)", opts.Format)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func replaceTextAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindAny {
		if _, ok := a.Value.Any().(error); ok {
			return tint.Attr(9, a)
		}
	}
	return replaceLevel(groups, a)
}

// replaceLevel labels the custom trace level.
func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
