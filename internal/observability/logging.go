package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type runIDKey struct{}

type taskIDKey struct{}

// WithRunID returns a context whose log records carry run_id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run id stored by WithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)

	return id
}

// WithTaskID returns a context whose log records carry task_id.
func WithTaskID(ctx context.Context, taskID int64) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// RunContextHandler wraps a slog.Handler and injects run_id and task_id
// from the context into each log record when present.
type RunContextHandler struct {
	inner slog.Handler
}

// NewRunContextHandler returns a handler that adds run context to records.
func NewRunContextHandler(inner slog.Handler) *RunContextHandler {
	return &RunContextHandler{inner: inner}
}

// Enabled reports whether the inner handler is enabled for the given level.
func (h *RunContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle adds run_id and task_id from context to the record, then forwards to the inner handler.
func (h *RunContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := RunIDFromContext(ctx); id != "" {
		r.AddAttrs(slog.String("run_id", id))
	}

	if id, ok := ctx.Value(taskIDKey{}).(int64); ok {
		r.AddAttrs(slog.Int64("task_id", id))
	}

	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("inner handler: %w", err)
	}

	return nil
}

// WithAttrs returns a handler whose attributes are the concatenation of the inner's and attrs.
func (h *RunContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RunContextHandler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup returns a handler for the given group.
func (h *RunContextHandler) WithGroup(name string) slog.Handler {
	return &RunContextHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug|info|warn|error to a slog level. Unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a text logger writing to w at the given level, wrapped with RunContextHandler.
func NewLogger(w io.Writer, level string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})

	return slog.New(NewRunContextHandler(handler))
}
