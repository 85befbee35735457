package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"docuralis/apps/migrator/internal/source"
)

// Checkpoint is the resume position after the longest run of finished
// batches starting at sequence 1.
type Checkpoint struct {
	Cursor    *string   `json:"cursor"`
	Seq       int64     `json:"seq"`
	Complete  bool      `json:"complete"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, key string, cp Checkpoint) error
}

// Watermark turns out-of-order batch completions into a low-water mark and
// persists the cursor that follows it. Batches finished past a gap wait in
// pending until the gap closes.
type Watermark struct {
	mu       sync.Mutex
	store    CheckpointStore
	key      string
	low      int64
	cursor   *string
	complete bool
	pending  map[int64]*string
}

func NewWatermark(store CheckpointStore, key string, start *string) *Watermark {
	return &Watermark{
		store:   store,
		key:     key,
		cursor:  start,
		pending: make(map[int64]*string),
	}
}

func (w *Watermark) BatchDone(ctx context.Context, b *Batch) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[b.Seq] = b.Next
	advanced := false
	for {
		next, ok := w.pending[w.low+1]
		if !ok {
			break
		}
		delete(w.pending, w.low+1)
		w.low++
		w.cursor = next
		w.complete = next == nil
		advanced = true
	}
	if advanced {
		w.save(ctx)
	}
}

// Finish marks the stream complete once every batch was processed.
func (w *Watermark) Finish(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.complete = true
	w.save(ctx)
}

func (w *Watermark) Current() Checkpoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpoint()
}

func (w *Watermark) checkpoint() Checkpoint {
	return Checkpoint{Cursor: w.cursor, Seq: w.low, Complete: w.complete, UpdatedAt: time.Now().UTC()}
}

func (w *Watermark) save(ctx context.Context) {
	cp := w.checkpoint()
	if err := w.store.SaveCheckpoint(ctx, w.key, cp); err != nil {
		slog.WarnContext(ctx, "failed to save checkpoint", "seq", cp.Seq, "cursor", source.FormatCursor(cp.Cursor), "error", err)
	}
}
