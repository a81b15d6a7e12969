package logger

import (
	"context"
	"io"
	"log/slog"
)

// ColorTextHandler wraps slog.TextHandler and prefixes each message with
// an ANSI-colored level tag for interactive console output.
type ColorTextHandler struct {
	*slog.TextHandler
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	var code string
	switch {
	case r.Level >= slog.LevelError:
		code = "\033[31m" // red
	case r.Level >= slog.LevelWarn:
		code = "\033[33m" // yellow
	case r.Level >= slog.LevelInfo:
		code = "\033[32m" // green
	default:
		code = "\033[36m" // cyan
	}
	r.Message = code + r.Level.String() + "\033[0m  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
