package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// WorkerExit is how a worker left the pool. A nil Err means it consumed
// its sentinel.
type WorkerExit struct {
	WorkerID int
	Err      error
}

// Pool runs the long-lived workers on an ants pool sized to the worker count.
type Pool struct {
	pool  *ants.Pool
	wg    sync.WaitGroup
	exits chan WorkerExit
	done  chan struct{}
	once  sync.Once
}

func NewPool(size int) (*Pool, error) {
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(v interface{}) {
		slog.Error("worker goroutine panicked", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	return &Pool{
		pool:  pool,
		exits: make(chan WorkerExit, size),
		done:  make(chan struct{}),
	}, nil
}

// Go starts w. Its exit is reported on Exits.
func (p *Pool) Go(ctx context.Context, w *Worker) error {
	p.wg.Add(1)
	err := p.pool.Submit(func() {
		exit := WorkerExit{WorkerID: w.ID()}
		defer func() {
			if r := recover(); r != nil {
				exit.Err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
			}
			p.exits <- exit
			p.wg.Done()
		}()
		exit.Err = w.Run(ctx)
	})
	if err != nil {
		p.wg.Done()
		return fmt.Errorf("failed to start worker %d: %w", w.ID(), err)
	}
	return nil
}

// Seal must be called after the last Go. Done closes once every started
// worker has returned.
func (p *Pool) Seal() {
	p.once.Do(func() {
		go func() {
			p.wg.Wait()
			close(p.done)
		}()
	})
}

func (p *Pool) Exits() <-chan WorkerExit { return p.exits }
func (p *Pool) Done() <-chan struct{} { return p.done }
func (p *Pool) Running() int { return p.pool.Running() }

func (p *Pool) Release() {
	p.pool.Release()
}
