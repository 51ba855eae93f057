// Package logging configures the process-wide structured logger. Startup
// and shutdown keep a plain banner style; every structured lifecycle event
// (cell/cascade/session) routes through log/slog instead, so it can be
// consumed as JSON by an external collector.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New builds a slog.Logger. format is "json" or "text" (default).
func New(format string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Default is process-wide logger, replaced by cmd/cascaderunner at startup.
var Default = New("text", os.Stderr)
