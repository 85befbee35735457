package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"docuralis/apps/migrator/internal/logger"
	"docuralis/apps/migrator/internal/source"
)

// Producer is the only owner of the pagination cursor.
type Producer struct {
	client   source.Client
	queue    *Queue
	stats    *Stats
	pageSize int
	workers  int
	start    *string
	failures FailureReporter
}

type ProducerOption func(*Producer)

// StartAt resumes pagination from a saved cursor instead of the beginning.
func StartAt(cursor *string) ProducerOption {
	return func(p *Producer) { p.start = cursor }
}

func WithProducerFailures(r FailureReporter) ProducerOption {
	return func(p *Producer) {
		if r != nil {
			p.failures = r
		}
	}
}

func NewProducer(client source.Client, queue *Queue, stats *Stats, pageSize, workers int, opts ...ProducerOption) *Producer {
	p := &Producer{
		client:   client,
		queue:    queue,
		stats:    stats,
		pageSize: pageSize,
		workers:  workers,
		failures: nopReporter{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run pages through the source until it is exhausted, ctx is cancelled or a
// fetch fails for good. Whatever the outcome it enqueues one sentinel per
// worker before returning.
func (p *Producer) Run(ctx context.Context) error {
	var seq int64
	defer func() {
		sent := p.queue.Shutdown(p.workers)
		slog.InfoContext(ctx, "producer stopped", "batches", seq, "sentinels", sent)
	}()

	cursor := p.start
	for {
		if err := ctx.Err(); err != nil {
			slog.InfoContext(ctx, "producer cancelled", "cursor", source.FormatCursor(cursor))
			return err
		}

		page, err := p.client.FetchPage(ctx, cursor, p.pageSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.stats.AddError()
			slog.ErrorContext(ctx, "fetch failed, stopping producer", "cursor", source.FormatCursor(cursor), "error", err)
			p.failures.ReportFailure(ctx, Failure{
				RunID:    logger.RunID(ctx),
				Kind:     FailureFetch,
				BatchSeq: seq + 1,
				Cursor:   cursor,
				Error:    err.Error(),
				At:       time.Now().UTC(),
			})
			return fmt.Errorf("%w at cursor %s: %w", ErrFetchFailed, source.FormatCursor(cursor), err)
		}

		if page.Size() == 0 {
			slog.InfoContext(ctx, "source returned an empty page", "cursor", source.FormatCursor(cursor))
			return nil
		}
		if len(page.Rejected) > 0 {
			p.reject(ctx, seq+1, cursor, page.Rejected)
		}

		// A page whose records were all rejected is still enqueued so its
		// cursor reaches the checkpoint.
		b := &Batch{Seq: seq + 1, Cursor: cursor, Next: page.Next, Records: page.Records}
		if err := p.queue.Put(ctx, b); err != nil {
			slog.InfoContext(ctx, "producer stopped while queue was full", "seq", b.Seq, "error", err)
			return err
		}
		seq = b.Seq
		p.stats.AddBatchFetched()
		slog.DebugContext(ctx, "batch enqueued", "seq", seq, "records", len(page.Records), "queued", p.queue.Len())

		if page.Next == nil {
			slog.InfoContext(ctx, "source exhausted", "batches", seq)
			return nil
		}
		cursor = page.Next
	}
}

// reject counts entries the source could not decode. They are seen but
// never written, and each page's worth goes to the ledger as one failure.
func (p *Producer) reject(ctx context.Context, seq int64, cursor *string, rejected []source.Rejected) {
	ids := make([]string, 0, len(rejected))
	for _, r := range rejected {
		if r.ID != "" {
			ids = append(ids, r.ID)
		}
	}
	p.stats.AddVectors(len(rejected))
	p.stats.AddMalformed(len(rejected))
	slog.WarnContext(ctx, "malformed records skipped", "seq", seq, "count", len(rejected), "first_error", rejected[0].Err)

	p.failures.ReportFailure(ctx, Failure{
		RunID:     logger.RunID(ctx),
		Kind:      FailureDecode,
		BatchSeq:  seq,
		Cursor:    cursor,
		Records:   len(rejected),
		VectorIDs: ids,
		Error:     rejected[0].Err.Error(),
		At:        time.Now().UTC(),
	})
}
