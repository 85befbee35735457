package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"docuralis/apps/migrator/internal/config"
	"docuralis/apps/migrator/internal/destination"
	"docuralis/apps/migrator/internal/events"
	"docuralis/apps/migrator/internal/logger"
	"docuralis/apps/migrator/internal/pipeline"
	"docuralis/apps/migrator/internal/source"
)

var (
	ErrAborted     = errors.New("migration aborted")
	ErrInterrupted = errors.New("migration interrupted")
	ErrNoWorkers   = errors.New("every worker exited before the source was drained")
)

// Gateway is a destination connection that also answers the pre-flight counts.
type Gateway interface {
	pipeline.Gateway
	CountDocuments(ctx context.Context, collectionID string) (int, error)
	CountChunks(ctx context.Context) (int, error)
	CountChunksWithVector(ctx context.Context) (int, error)
}

type Destination interface {
	Connect(ctx context.Context) (Gateway, error)
}

// Ledger keeps checkpoints and failures between runs.
type Ledger interface {
	pipeline.CheckpointStore
	pipeline.FailureReporter
	LoadCheckpoint(ctx context.Context, key string) (*pipeline.Checkpoint, error)
	ListFailures(ctx context.Context, runID string) ([]pipeline.Failure, error)
}

// DialerDestination hands out gateways from a *destination.Dialer.
type DialerDestination struct {
	Dialer *destination.Dialer
}

func (d DialerDestination) Connect(ctx context.Context) (Gateway, error) {
	gw, err := d.Dialer.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return gw, nil
}

type Preflight struct {
	Documents        int `json:"documents"`
	Chunks           int `json:"chunks"`
	ChunksWithVector int `json:"chunks_with_vector"`
	SourceRecords    int `json:"source_records"`
}

func (p Preflight) Print(w io.Writer) {
	fmt.Fprintf(w, "\nPostgreSQL Documents: %s\n", humanize.Comma(int64(p.Documents)))
	fmt.Fprintf(w, "PostgreSQL Chunks: %s\n", humanize.Comma(int64(p.Chunks)))
	fmt.Fprintf(w, "PostgreSQL Chunks with vectorId: %s\n", humanize.Comma(int64(p.ChunksWithVector)))
	fmt.Fprintf(w, "Source Records: %s\n", humanize.Comma(int64(p.SourceRecords)))
}

type Report struct {
	RunID          string
	Outcome        string
	Preflight      Preflight
	Stats          pipeline.Snapshot
	WorkerFailures int
}

// Migrator runs one migration: pre-flight, confirmation, the producer and
// worker pool, progress reporting and the final report.
type Migrator struct {
	cfg        *config.Config
	dest       Destination
	source     source.Client
	ledger     Ledger
	openLedger func() (Ledger, error)
	notifier   *events.Notifier
	out        io.Writer
	in         io.Reader
	assumeYes  bool
	resume     bool
	runID      string
}

type Option func(*Migrator)

func WithLedger(l Ledger) Option {
	return func(m *Migrator) { m.ledger = l }
}

// WithLedgerOpener defers opening the ledger until the run is confirmed, so
// an aborted run leaves nothing on disk.
func WithLedgerOpener(open func() (Ledger, error)) Option {
	return func(m *Migrator) { m.openLedger = open }
}

func WithNotifier(n *events.Notifier) Option {
	return func(m *Migrator) { m.notifier = n }
}

// WithConsole sets where the banner and progress go and where the
// confirmation is read from.
func WithConsole(out io.Writer, in io.Reader) Option {
	return func(m *Migrator) {
		m.out = out
		m.in = in
	}
}

func WithAssumeYes(yes bool) Option {
	return func(m *Migrator) { m.assumeYes = yes }
}

func WithResume(resume bool) Option {
	return func(m *Migrator) { m.resume = resume }
}

func WithRunID(id string) Option {
	return func(m *Migrator) { m.runID = id }
}

func NewMigrator(cfg *config.Config, dest Destination, src source.Client, opts ...Option) *Migrator {
	m := &Migrator{
		cfg:    cfg,
		dest:   dest,
		source: src,
		out:    os.Stdout,
		in:     os.Stdin,
		runID:  uuid.NewString(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Migrator) RunID() string { return m.runID }

// Analyze counts what is already in the destination and what the source holds.
func (m *Migrator) Analyze(ctx context.Context) (Preflight, error) {
	var p Preflight

	gw, err := m.dest.Connect(ctx)
	if err != nil {
		return p, fmt.Errorf("connect destination: %w", err)
	}
	defer gw.Close()

	if p.Documents, err = gw.CountDocuments(ctx, m.cfg.CollectionID); err != nil {
		return p, fmt.Errorf("count documents: %w", err)
	}
	if p.Chunks, err = gw.CountChunks(ctx); err != nil {
		return p, fmt.Errorf("count chunks: %w", err)
	}
	if p.ChunksWithVector, err = gw.CountChunksWithVector(ctx); err != nil {
		return p, fmt.Errorf("count chunks with vector: %w", err)
	}
	if p.SourceRecords, err = m.source.FetchTotalCount(ctx); err != nil {
		return p, fmt.Errorf("count source records: %w", err)
	}
	return p, nil
}

func (m *Migrator) Run(ctx context.Context) (Report, error) {
	ctx = logger.WithRunID(ctx, m.runID)
	report := Report{RunID: m.runID}

	m.printBanner()

	fmt.Fprintln(m.out, "\n=== Analyzing Current State ===")
	pre, err := m.Analyze(ctx)
	if err != nil {
		report.Outcome = events.OutcomeFailed
		return report, fmt.Errorf("pre-flight failed: %w", err)
	}
	report.Preflight = pre
	pre.Print(m.out)

	if !m.cfg.DryRun && !m.assumeYes {
		ok, err := m.confirm(ctx)
		if err != nil {
			report.Outcome = outcome(err, 0)
			return report, err
		}
		if !ok {
			fmt.Fprintln(m.out, "Aborted.")
			report.Outcome = events.OutcomeAborted
			return report, ErrAborted
		}
	}

	if m.ledger == nil && m.openLedger != nil {
		ledger, err := m.openLedger()
		if err != nil {
			report.Outcome = events.OutcomeFailed
			return report, fmt.Errorf("open ledger: %w", err)
		}
		m.ledger = ledger
	}

	start, err := m.resumeCursor(ctx)
	if err != nil {
		report.Outcome = events.OutcomeFailed
		return report, err
	}

	slog.InfoContext(ctx, "migration started", "dry_run", m.cfg.DryRun, "workers", m.cfg.WorkerCount, "source_records", pre.SourceRecords)

	stats := pipeline.NewStats()
	stats.SetTotal(pre.SourceRecords)
	failed, err := m.migrate(ctx, stats, start)

	report.Stats = stats.Snapshot()
	report.WorkerFailures = failed
	report.Outcome = outcome(err, failed)
	m.printFinal(report, err)

	slog.InfoContext(ctx, "migration finished", "outcome", report.Outcome, "chunks_created", report.Stats.ChunksCreated, "rows_inserted", report.Stats.RowsInserted, "errors", report.Stats.Errors)

	completion := events.Completion{
		RunID:        m.runID,
		CollectionID: m.cfg.CollectionID,
		DryRun:       m.cfg.DryRun,
		Outcome:      report.Outcome,
		Stats:        report.Stats,
		FinishedAt:   time.Now().UTC(),
	}
	if err != nil {
		completion.Error = err.Error()
	}
	m.notifier.Completed(context.WithoutCancel(ctx), completion)

	return report, err
}

// migrate runs the producer and the workers until both are done. It returns
// the number of workers that exited before consuming their sentinel.
func (m *Migrator) migrate(ctx context.Context, stats *pipeline.Stats, start *string) (int, error) {
	workers := m.cfg.WorkerCount

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := pipeline.NewQueue(m.cfg.QueueSize)
	pool, err := pipeline.NewPool(workers)
	if err != nil {
		return 0, err
	}
	defer pool.Release()

	var reporters pipeline.Reporters
	if m.ledger != nil {
		reporters = append(reporters, m.ledger)
	}
	if m.notifier != nil {
		reporters = append(reporters, m.notifier)
	}

	workerOpts := []pipeline.WorkerOption{pipeline.WithFailureReporter(reporters)}
	var watermark *pipeline.Watermark
	if m.ledger != nil && !m.cfg.DryRun {
		watermark = pipeline.NewWatermark(m.ledger, m.checkpointKey(), start)
		workerOpts = append(workerOpts, pipeline.WithCheckpointer(watermark))
	}

	wcfg := pipeline.WorkerConfig{
		CollectionID: m.cfg.CollectionID,
		DryRun:       m.cfg.DryRun,
		GroupRetries: m.cfg.GroupRetries,
		RetryDelay:   m.cfg.RetryDelay,
	}
	connect := func(ctx context.Context) (pipeline.Gateway, error) {
		gw, err := m.dest.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return gw, nil
	}

	fmt.Fprintln(m.out, "\n=== Starting Migration ===")
	fmt.Fprintf(m.out, "Processing %s records with %d workers\n", humanize.Comma(stats.Snapshot().TotalExpected), workers)
	stats.Restart()

	for i := 1; i <= workers; i++ {
		w := pipeline.NewWorker(i, queue, connect, stats, wcfg, workerOpts...)
		if err := pool.Go(runCtx, w); err != nil {
			cancel()
			queue.Abandon()
			return 0, err
		}
	}
	pool.Seal()

	producer := pipeline.NewProducer(m.source, queue, stats, m.cfg.PageSize, workers,
		pipeline.StartAt(start),
		pipeline.WithProducerFailures(reporters),
	)
	producerDone := make(chan error, 1)
	go func() { producerDone <- producer.Run(runCtx) }()

	interval := m.cfg.ProgressInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		producerErr     error
		producerRunning = true
		running         = workers
		clean, failed   int
		interrupted     bool
		noWorkers       bool
		lastPrinted     int64
		interrupt       = ctx.Done()
	)
	for producerRunning || running > 0 {
		select {
		case producerErr = <-producerDone:
			producerRunning = false

		case exit := <-pool.Exits():
			running--
			switch {
			case exit.Err == nil:
				clean++
			case errors.Is(exit.Err, context.Canceled):
			default:
				failed++
				stats.AddWorkerFailure()
				slog.WarnContext(ctx, "worker exited early, continuing with fewer workers",
					"worker_id", exit.WorkerID, "remaining", running, "error", exit.Err)
			}
			if running == 0 {
				// Nobody is left to take sentinels or batches.
				queue.Abandon()
				if clean == 0 && ctx.Err() == nil {
					noWorkers = true
					cancel()
				}
			}

		case <-interrupt:
			interrupt = nil
			interrupted = true
			fmt.Fprintln(m.out, "\nMigration interrupted, finishing in-flight batches...")
			cancel()

		case <-ticker.C:
			snap := stats.Snapshot()
			if snap.BatchesProcessed-lastPrinted >= int64(m.cfg.ProgressEveryBatches) {
				m.printProgress(snap, queue, pool)
				lastPrinted = snap.BatchesProcessed
			}
		}
	}

	switch {
	case interrupted || ctx.Err() != nil:
		return failed, ErrInterrupted
	case noWorkers:
		return failed, ErrNoWorkers
	case producerErr != nil && !errors.Is(producerErr, context.Canceled):
		return failed, producerErr
	}

	if !queue.Drained() {
		slog.WarnContext(ctx, "queue not drained at shutdown", "in_flight", queue.InFlight())
	}
	if watermark != nil {
		watermark.Finish(ctx)
	}
	return failed, nil
}

func (m *Migrator) checkpointKey() string {
	return m.cfg.SourceKind + "/" + m.cfg.CollectionID
}

func (m *Migrator) resumeCursor(ctx context.Context) (*string, error) {
	if !m.resume {
		return nil, nil
	}
	if m.ledger == nil {
		return nil, fmt.Errorf("%w: resuming needs CHECKPOINT_DIR", config.ErrMissingRequired)
	}

	cp, err := m.ledger.LoadCheckpoint(ctx, m.checkpointKey())
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	switch {
	case cp == nil:
		fmt.Fprintln(m.out, "\nNo checkpoint found, starting from the beginning.")
		return nil, nil
	case cp.Complete:
		fmt.Fprintln(m.out, "\nPrevious run completed, starting from the beginning.")
		return nil, nil
	}
	fmt.Fprintf(m.out, "\nResuming after %d batches at cursor %s\n", cp.Seq, source.FormatCursor(cp.Cursor))
	return cp.Cursor, nil
}

type answer struct {
	line string
	err  error
}

// confirm waits for the operator's answer. An interrupt while waiting
// returns ErrInterrupted; the pending read is left to the process exit.
func (m *Migrator) confirm(ctx context.Context) (bool, error) {
	fmt.Fprint(m.out, "\nThis will modify data. Are you sure? (yes/no): ")

	answers := make(chan answer, 1)
	go func() {
		line, err := bufio.NewReader(m.in).ReadString('\n')
		answers <- answer{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(m.out, "\nMigration interrupted by user")
		return false, ErrInterrupted
	case a := <-answers:
		if a.err != nil && !errors.Is(a.err, io.EOF) {
			return false, fmt.Errorf("read confirmation: %w", a.err)
		}
		return strings.EqualFold(strings.TrimSpace(a.line), "yes"), nil
	}
}

var rule = strings.Repeat("=", 80)

func (m *Migrator) printBanner() {
	fmt.Fprintln(m.out, rule)
	fmt.Fprintln(m.out, "Vector Store to PostgreSQL Chunk Migration")
	fmt.Fprintln(m.out, rule)
	fmt.Fprintf(m.out, "\nMode: %s\n", m.cfg.Mode())
	fmt.Fprintf(m.out, "Source: %s %s\n", m.cfg.SourceKind, m.cfg.SourceURL)
	fmt.Fprintf(m.out, "Collection: %s\n", m.cfg.CollectionID)
	fmt.Fprintf(m.out, "Page size: %s\n", humanize.Comma(int64(m.cfg.PageSize)))
	fmt.Fprintf(m.out, "Workers: %d\n", m.cfg.WorkerCount)
	fmt.Fprintf(m.out, "Max batches in memory: %d\n", m.cfg.QueueSize)
	fmt.Fprintf(m.out, "Max retries: %d\n", m.cfg.MaxRetries)
	fmt.Fprintf(m.out, "Run ID: %s\n", m.runID)
}

// printProgress writes the counters together with the queue depth and the
// number of busy workers.
func (m *Migrator) printProgress(snap pipeline.Snapshot, queue *pipeline.Queue, pool *pipeline.Pool) {
	snap.QueueDepth = queue.Len()
	snap.QueueCapacity = queue.Cap()
	snap.ActiveWorkers = pool.Running()
	snap.Print(m.out)
}

func (m *Migrator) printFinal(r Report, err error) {
	switch {
	case errors.Is(err, ErrInterrupted):
		fmt.Fprintln(m.out, "\n\nMigration interrupted by user")
	case err != nil:
		fmt.Fprintf(m.out, "\n\nMigration failed: %v\n", err)
	default:
		fmt.Fprintf(m.out, "\n%s\nMigration Complete!\n%s\n", rule, rule)
	}
	r.Stats.Print(m.out)

	if r.WorkerFailures > 0 {
		fmt.Fprintf(m.out, "\nWarning: %d of %d workers exited early.\n", r.WorkerFailures, m.cfg.WorkerCount)
	}
	if m.cfg.DryRun {
		fmt.Fprintln(m.out, "\nThis was a DRY RUN. No changes were made.")
		fmt.Fprintln(m.out, "Set DRY_RUN=false or pass --dry-run=false to apply changes.")
	}
}

func outcome(err error, workerFailures int) string {
	switch {
	case errors.Is(err, ErrInterrupted):
		return events.OutcomeInterrupted
	case err != nil:
		return events.OutcomeFailed
	case workerFailures > 0:
		return events.OutcomeDegraded
	}
	return events.OutcomeSucceeded
}

// PrintFailures writes one line per ledger entry.
func PrintFailures(w io.Writer, failures []pipeline.Failure) {
	if len(failures) == 0 {
		fmt.Fprintln(w, "No failures recorded.")
		return
	}
	for _, f := range failures {
		fmt.Fprintf(w, "%s  run=%s  kind=%s  batch=%d  cursor=%s  filename=%q  records=%d  error=%s\n",
			f.At.Format(time.RFC3339), f.RunID, f.Kind, f.BatchSeq, source.FormatCursor(f.Cursor), f.Filename, f.Records, f.Error)
	}
	fmt.Fprintf(w, "%d failures\n", len(failures))
}
