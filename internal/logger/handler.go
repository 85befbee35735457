package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type key int

const (
	runIDKey key = iota
	workerIDKey
	batchSeqKey
)

// ContextHandler lifts the run, worker and batch identifiers stored in the
// context onto every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("run_id", id))
	}
	if id, ok := ctx.Value(workerIDKey).(int); ok {
		r.AddAttrs(slog.Int("worker_id", id))
	}
	if seq, ok := ctx.Value(batchSeqKey).(int64); ok {
		r.AddAttrs(slog.Int64("batch_seq", seq))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewContextHandler(h.Handler.WithAttrs(attrs))
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return NewContextHandler(h.Handler.WithGroup(name))
}

func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

func RunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return "unknown"
}

func WithWorkerID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, workerIDKey, id)
}

func WithBatchSeq(ctx context.Context, seq int64) context.Context {
	return context.WithValue(ctx, batchSeqKey, seq)
}

// ParseLevel maps debug, info, warn and error (any case) to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", s)
}

// New builds the JSON logger used by the binary.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewContextHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}
