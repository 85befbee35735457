package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"docuralis/apps/migrator/internal/destination"
	"docuralis/apps/migrator/internal/logger"
	"docuralis/apps/migrator/internal/source"
)

type WorkerConfig struct {
	CollectionID string
	DryRun       bool
	// GroupRetries re-runs a failed insert for one filename group.
	GroupRetries int
	RetryDelay   time.Duration
	NewID        func() string
}

// Worker drains the queue over one dedicated destination connection.
type Worker struct {
	id          int
	queue       *Queue
	connect     ConnectFunc
	stats       *Stats
	cfg         WorkerConfig
	failures    FailureReporter
	checkpoints Checkpointer
}

type WorkerOption func(*Worker)

func WithFailureReporter(r FailureReporter) WorkerOption {
	return func(w *Worker) {
		if r != nil {
			w.failures = r
		}
	}
}

func WithCheckpointer(c Checkpointer) WorkerOption {
	return func(w *Worker) {
		if c != nil {
			w.checkpoints = c
		}
	}
}

func NewWorker(id int, queue *Queue, connect ConnectFunc, stats *Stats, cfg WorkerConfig, opts ...WorkerOption) *Worker {
	if cfg.NewID == nil {
		cfg.NewID = NewChunkID
	}
	w := &Worker{
		id:          id,
		queue:       queue,
		connect:     connect,
		stats:       stats,
		cfg:         cfg,
		failures:    nopReporter{},
		checkpoints: nopCheckpointer{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) ID() int { return w.id }

// Run returns nil once the worker consumed its sentinel. A connection
// failure or a cancelled ctx ends it early with an error.
func (w *Worker) Run(ctx context.Context) error {
	ctx = logger.WithWorkerID(ctx, w.id)

	gw, err := w.connect(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "worker could not connect to destination", "error", err)
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			slog.WarnContext(ctx, "failed to release destination connection", "error", err)
		}
	}()

	for {
		item, err := w.queue.Take(ctx)
		if err != nil {
			slog.InfoContext(ctx, "worker stopped before its sentinel", "error", err)
			return err
		}
		if item.IsSentinel() {
			slog.DebugContext(ctx, "worker finished")
			return nil
		}

		w.process(ctx, gw, item.Batch)
		w.queue.MarkDone()
	}
}

// process handles one batch. Destination calls run on a context that
// ignores cancellation so a batch already taken is written in full.
func (w *Worker) process(ctx context.Context, gw Gateway, b *Batch) {
	writeCtx := logger.WithBatchSeq(context.WithoutCancel(ctx), b.Seq)

	defer func() {
		if r := recover(); r != nil {
			w.stats.AddError()
			slog.ErrorContext(writeCtx, "batch processing panicked", "panic", r)
			w.report(writeCtx, b, FailurePanic, "", b.Records, fmt.Errorf("%w: %v", ErrWorkerPanic, r))
		}
		w.stats.AddBatchProcessed()
		w.checkpoints.BatchDone(writeCtx, b)
	}()

	groups, missing := groupByFilename(b.Records)
	if missing > 0 {
		w.stats.AddVectors(missing)
		w.stats.AddSkipped(missing)
		w.stats.AddMissingFilename(missing)
		slog.WarnContext(writeCtx, "records without filename skipped", "count", missing)
	}
	if len(groups) == 0 {
		return
	}

	filenames := make([]string, len(groups))
	for i, g := range groups {
		filenames[i] = g.filename
	}

	parents, err := gw.LookupParents(writeCtx, filenames, w.cfg.CollectionID)
	if err != nil {
		w.stats.AddError()
		unresolved := 0
		for _, g := range groups {
			unresolved += len(g.records)
		}
		w.stats.AddVectors(unresolved)
		slog.ErrorContext(writeCtx, "parent lookup failed, batch skipped", "groups", len(groups), "records", unresolved, "error", err)
		w.report(writeCtx, b, FailureLookup, "", b.Records, err)
		return
	}

	for _, g := range groups {
		w.processGroup(writeCtx, ctx, gw, b, g, parents)
	}
}

func (w *Worker) processGroup(ctx, runCtx context.Context, gw Gateway, b *Batch, g group, parents map[string]destination.ParentRef) {
	defer func() {
		if r := recover(); r != nil {
			w.stats.AddError()
			slog.ErrorContext(ctx, "group processing panicked", "filename", g.filename, "panic", r)
			w.report(ctx, b, FailurePanic, g.filename, g.records, fmt.Errorf("%w: %v", ErrWorkerPanic, r))
		}
	}()

	w.stats.AddVectors(len(g.records))

	parent, ok := parents[g.filename]
	if !ok {
		w.stats.AddSkipped(len(g.records))
		slog.DebugContext(ctx, "no parent document", "filename", g.filename, "records", len(g.records))
		return
	}

	rows := buildRows(parent, g.records, w.cfg.NewID)

	if w.cfg.DryRun {
		w.stats.AddDocuments(1)
		w.stats.AddChunks(len(rows))
		return
	}

	inserted, err := w.insert(ctx, runCtx, gw, rows)
	if err != nil {
		w.stats.AddError()
		slog.ErrorContext(ctx, "chunk insert failed", "filename", g.filename, "rows", len(rows), "error", err)
		w.report(ctx, b, FailureInsert, g.filename, g.records, err)
		return
	}

	w.stats.AddDocuments(1)
	w.stats.AddChunks(len(rows))
	w.stats.AddRowsInserted(inserted)
	if skipped := int64(len(rows)) - inserted; skipped > 0 {
		slog.DebugContext(ctx, "existing chunks left untouched", "filename", g.filename, "count", skipped)
	}
}

// insert writes one group, retrying up to GroupRetries extra times. Retries
// stop once runCtx is cancelled.
func (w *Worker) insert(ctx, runCtx context.Context, gw Gateway, rows []destination.ChildRow) (int64, error) {
	var inserted int64
	op := func() error {
		var err error
		inserted, err = gw.InsertChunks(ctx, rows)
		return err
	}
	if w.cfg.GroupRetries == 0 {
		return inserted, op()
	}

	attempt := 0
	err := source.Retry(ctx, w.cfg.GroupRetries+1, w.cfg.RetryDelay, func() error {
		attempt++
		if attempt > 1 && runCtx.Err() != nil {
			return source.Permanent(runCtx.Err())
		}
		return op()
	})
	return inserted, err
}

func (w *Worker) report(ctx context.Context, b *Batch, kind, filename string, records []source.Record, err error) {
	f := Failure{
		RunID:    logger.RunID(ctx),
		Kind:     kind,
		BatchSeq: b.Seq,
		Cursor:   b.Cursor,
		Filename: filename,
		Records:  len(b.Records),
		Error:    err.Error(),
		At:       time.Now().UTC(),
	}
	if records != nil {
		f.Records = len(records)
		f.VectorIDs = make([]string, len(records))
		for i, r := range records {
			f.VectorIDs[i] = r.ID
		}
	}
	w.failures.ReportFailure(ctx, f)
}
