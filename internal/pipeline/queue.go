package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"docuralis/apps/migrator/internal/source"
)

var ErrQueueAbandoned = errors.New("queue abandoned")

// Batch is one fetched page on its way to a worker.
type Batch struct {
	Seq     int64
	Cursor  *string // cursor the page was fetched with
	Next    *string // cursor of the following page, nil on the last page
	Records []source.Record
}

// Item is either a batch or, when Batch is nil, the shutdown sentinel.
type Item struct {
	Batch *Batch
}

func (i Item) IsSentinel() bool { return i.Batch == nil }

// Queue is the bounded FIFO between the producer and the workers. A full
// queue blocks the producer, which caps the records held in memory.
type Queue struct {
	items       chan Item
	abandon     chan struct{}
	abandonOnce sync.Once

	enqueued       atomic.Int64
	done           atomic.Int64
	sentinelsSent  atomic.Int64
	sentinelsTaken atomic.Int64
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items:   make(chan Item, capacity),
		abandon: make(chan struct{}),
	}
}

// Put blocks while the queue is full. It gives up when ctx is cancelled or
// the queue was abandoned. A cancelled ctx wins over free capacity.
func (q *Queue) Put(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.enqueued.Add(1)
	select {
	case q.items <- Item{Batch: b}:
		return nil
	case <-ctx.Done():
		q.enqueued.Add(-1)
		return ctx.Err()
	case <-q.abandon:
		q.enqueued.Add(-1)
		return ErrQueueAbandoned
	}
}

// Take blocks while the queue is empty. A cancelled ctx releases a worker
// parked here without waiting for its sentinel, and wins over queued items.
func (q *Queue) Take(ctx context.Context) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	select {
	case item := <-q.items:
		if item.IsSentinel() {
			q.sentinelsTaken.Add(1)
		}
		return item, nil
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// MarkDone records that a taken batch was fully processed.
func (q *Queue) MarkDone() {
	q.done.Add(1)
}

// Shutdown enqueues one sentinel per worker. It ignores cancellation and
// only stops early once the queue is abandoned. It returns the number of
// sentinels enqueued.
func (q *Queue) Shutdown(workers int) int {
	sent := 0
	for i := 0; i < workers; i++ {
		select {
		case q.items <- Item{}:
			q.sentinelsSent.Add(1)
			sent++
		case <-q.abandon:
			return sent
		}
	}
	return sent
}

// Abandon unblocks Put and Shutdown once nobody is left to drain the queue.
func (q *Queue) Abandon() {
	q.abandonOnce.Do(func() { close(q.abandon) })
}

func (q *Queue) Enqueued() int64 { return q.enqueued.Load() }
func (q *Queue) Done() int64 { return q.done.Load() }
func (q *Queue) SentinelsSent() int64 { return q.sentinelsSent.Load() }
func (q *Queue) SentinelsTaken() int64 { return q.sentinelsTaken.Load() }
func (q *Queue) Len() int { return len(q.items) }
func (q *Queue) Cap() int { return cap(q.items) }

// InFlight is the number of batches enqueued but not yet marked done.
func (q *Queue) InFlight() int64 {
	return q.enqueued.Load() - q.done.Load()
}

// Drained reports whether every enqueued batch was marked done.
func (q *Queue) Drained() bool {
	return q.InFlight() == 0
}
