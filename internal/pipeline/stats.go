package pipeline

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	BatchesFetched   int64 `json:"batches_fetched"`
	BatchesProcessed int64 `json:"batches_processed"`
	VectorsSeen      int64 `json:"vectors_seen"`
	DocumentsMatched int64 `json:"documents_matched"`
	ChunksCreated    int64 `json:"chunks_created"`
	RowsInserted     int64 `json:"rows_inserted"`
	SkippedNoParent  int64 `json:"skipped_no_parent"`
	MissingFilename  int64 `json:"missing_filename"`
	Malformed        int64 `json:"malformed"`
	Errors           int64 `json:"errors"`
	WorkerFailures   int64 `json:"worker_failures"`

	TotalExpected int64         `json:"total_expected"`
	StartTime     time.Time     `json:"start_time"`
	Elapsed       time.Duration `json:"elapsed_ns"`

	// Live view of the pipeline, filled in only for progress output.
	QueueDepth    int `json:"-"`
	QueueCapacity int `json:"-"`
	ActiveWorkers int `json:"-"`
}

// Stats holds the migration counters. Every method takes the same lock so
// a snapshot never observes a half-applied update.
type Stats struct {
	mu  sync.Mutex
	s   Snapshot
	now func() time.Time
}

func NewStats() *Stats {
	return &Stats{s: Snapshot{StartTime: time.Now()}, now: time.Now}
}

func (st *Stats) add(field *int64, n int64) {
	st.mu.Lock()
	*field += n
	st.mu.Unlock()
}

func (st *Stats) AddBatchFetched() { st.add(&st.s.BatchesFetched, 1) }
func (st *Stats) AddBatchProcessed() { st.add(&st.s.BatchesProcessed, 1) }
func (st *Stats) AddVectors(n int) { st.add(&st.s.VectorsSeen, int64(n)) }
func (st *Stats) AddDocuments(n int) { st.add(&st.s.DocumentsMatched, int64(n)) }
func (st *Stats) AddChunks(n int) { st.add(&st.s.ChunksCreated, int64(n)) }
func (st *Stats) AddRowsInserted(n int64) { st.add(&st.s.RowsInserted, n) }
func (st *Stats) AddSkipped(n int) { st.add(&st.s.SkippedNoParent, int64(n)) }
func (st *Stats) AddMissingFilename(n int) { st.add(&st.s.MissingFilename, int64(n)) }
func (st *Stats) AddMalformed(n int) { st.add(&st.s.Malformed, int64(n)) }
func (st *Stats) AddError() { st.add(&st.s.Errors, 1) }
func (st *Stats) AddWorkerFailure() { st.add(&st.s.WorkerFailures, 1) }

// SetTotal records the expected number of source records.
func (st *Stats) SetTotal(total int) {
	st.mu.Lock()
	st.s.TotalExpected = int64(total)
	st.mu.Unlock()
}

// Restart resets the clock used for rate and ETA.
func (st *Stats) Restart() {
	st.mu.Lock()
	st.s.StartTime = st.now()
	st.mu.Unlock()
}

func (st *Stats) Snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := st.s
	snap.Elapsed = st.now().Sub(snap.StartTime)
	return snap
}

// PrintProgress writes the progress block for the current snapshot.
func (st *Stats) PrintProgress(w io.Writer) {
	st.Snapshot().Print(w)
}

// Percent is the share of expected records seen so far, 0 when the total is unknown.
func (s Snapshot) Percent() float64 {
	if s.TotalExpected <= 0 {
		return 0
	}
	return float64(s.VectorsSeen) / float64(s.TotalExpected) * 100
}

// Rate is records seen per second, 0 before any time has elapsed.
func (s Snapshot) Rate() float64 {
	secs := s.Elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.VectorsSeen) / secs
}

// ETA estimates the remaining time. ok is false when rate or total is zero.
func (s Snapshot) ETA() (eta time.Duration, ok bool) {
	rate := s.Rate()
	if rate <= 0 || s.TotalExpected <= 0 {
		return 0, false
	}
	remaining := s.TotalExpected - s.VectorsSeen
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(float64(remaining) / rate * float64(time.Second)), true
}

var rule = strings.Repeat("=", 80)

func (s Snapshot) Print(w io.Writer) {
	fmt.Fprintf(w, "\n%s\n", rule)
	fmt.Fprintf(w, "Progress: %s / %s vectors (%.1f%%)\n",
		humanize.Comma(s.VectorsSeen), humanize.Comma(s.TotalExpected), s.Percent())
	fmt.Fprintf(w, "Batches: %d processed | %d fetched\n", s.BatchesProcessed, s.BatchesFetched)
	fmt.Fprintf(w, "Documents: %s | Chunks: %s (new rows: %s)\n",
		humanize.Comma(s.DocumentsMatched), humanize.Comma(s.ChunksCreated), humanize.Comma(s.RowsInserted))
	fmt.Fprintf(w, "Skipped: %s (no filename: %s, malformed: %s) | Errors: %d\n",
		humanize.Comma(s.SkippedNoParent), humanize.Comma(s.MissingFilename), humanize.Comma(s.Malformed), s.Errors)
	if s.WorkerFailures > 0 {
		fmt.Fprintf(w, "Worker failures: %d\n", s.WorkerFailures)
	}
	if s.QueueCapacity > 0 {
		fmt.Fprintf(w, "Queue: %d / %d batches | Active workers: %d\n", s.QueueDepth, s.QueueCapacity, s.ActiveWorkers)
	}
	fmt.Fprintf(w, "Elapsed: %.1fs | Rate: %.0f vectors/sec\n", s.Elapsed.Seconds(), s.Rate())
	if eta, ok := s.ETA(); ok {
		fmt.Fprintf(w, "ETA: %.1f minutes\n", eta.Minutes())
	} else {
		fmt.Fprintln(w, "ETA: unknown")
	}
	fmt.Fprintln(w, rule)
}
