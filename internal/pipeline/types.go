package pipeline

import (
	"context"
	"errors"
	"time"

	"docuralis/apps/migrator/internal/destination"
)

var (
	ErrFetchFailed = errors.New("source fetch failed")
	ErrConnect     = errors.New("destination connection failed")
	ErrWorkerPanic = errors.New("worker panicked")
)

// Gateway is the per-worker view of the destination.
type Gateway interface {
	LookupParents(ctx context.Context, filenames []string, collectionID string) (map[string]destination.ParentRef, error)
	InsertChunks(ctx context.Context, rows []destination.ChildRow) (int64, error)
	Close() error
}

// ConnectFunc opens a dedicated destination connection for one worker.
type ConnectFunc func(ctx context.Context) (Gateway, error)

const (
	FailureFetch  = "fetch"
	FailureDecode = "decode"
	FailureLookup = "lookup"
	FailureInsert = "insert"
	FailurePanic  = "panic"
)

// Failure describes work that was counted as an error and not written.
type Failure struct {
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	BatchSeq  int64     `json:"batch_seq"`
	Cursor    *string   `json:"cursor,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Records   int       `json:"records"`
	VectorIDs []string  `json:"vector_ids,omitempty"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}

type FailureReporter interface {
	ReportFailure(ctx context.Context, f Failure)
}

// Checkpointer is told about every batch a worker finished.
type Checkpointer interface {
	BatchDone(ctx context.Context, b *Batch)
}

type nopReporter struct{}

func (nopReporter) ReportFailure(context.Context, Failure) {}

type nopCheckpointer struct{}

func (nopCheckpointer) BatchDone(context.Context, *Batch) {}

// Reporters fans a failure out to every reporter in the list.
type Reporters []FailureReporter

func (rs Reporters) ReportFailure(ctx context.Context, f Failure) {
	for _, r := range rs {
		if r != nil {
			r.ReportFailure(ctx, f)
		}
	}
}
