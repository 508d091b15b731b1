package log

import (
	"context"
	"io"
	"log/slog"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorPurple = "\033[35m"
)

type discardHandler struct{}

// DiscardHandler returns a handler that drops every record.
func DiscardHandler() slog.Handler {
	return discardHandler{}
}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

// NewTerminalHandlerWithLevel returns a text handler for w that emits records
// at or above lvl, with aligned (and optionally colored) level names.
func NewTerminalHandlerWithLevel(w io.Writer, lvl slog.Level, useColor bool) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) != 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				return slog.String(slog.TimeKey, a.Value.Time().Format("01-02|15:04:05.000"))
			case slog.LevelKey:
				level, _ := a.Value.Any().(slog.Level)
				name := LevelAlignedString(level)
				if useColor {
					name = levelColor(level) + name + colorReset
				}
				return slog.String(slog.LevelKey, name)
			}
			return a
		},
	})
}

func levelColor(l slog.Level) string {
	switch {
	case l >= LevelCrit:
		return colorPurple
	case l >= slog.LevelError:
		return colorRed
	case l >= slog.LevelWarn:
		return colorYellow
	case l >= slog.LevelInfo:
		return colorGreen
	default:
		return colorCyan
	}
}
