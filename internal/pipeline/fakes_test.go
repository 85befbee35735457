package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docuralis/apps/migrator/internal/destination"
	"docuralis/apps/migrator/internal/source"
)

// fakeSource serves pages chained by string cursors "p1", "p2", ...
type fakeSource struct {
	mu      sync.Mutex
	pages   []source.Page
	err     error
	errAt   int
	cursors []*string
	onFetch func()
}

func newFakeSource(pages ...[]source.Record) *fakeSource {
	s := &fakeSource{errAt: -1}
	for i, records := range pages {
		p := source.Page{Records: records}
		if i < len(pages)-1 {
			next := fmt.Sprintf("p%d", i+1)
			p.Next = &next
		}
		s.pages = append(s.pages, p)
	}
	return s
}

func (s *fakeSource) FetchPage(ctx context.Context, cursor *string, limit int) (source.Page, error) {
	s.mu.Lock()
	s.cursors = append(s.cursors, cursor)
	call := len(s.cursors) - 1
	onFetch := s.onFetch
	s.mu.Unlock()

	if onFetch != nil {
		onFetch()
	}
	if call == s.errAt {
		return source.Page{}, s.err
	}

	idx := 0
	if cursor != nil {
		if _, err := fmt.Sscanf(*cursor, "p%d", &idx); err != nil {
			return source.Page{}, err
		}
	}
	if idx >= len(s.pages) {
		return source.Page{}, nil
	}
	return s.pages[idx], nil
}

func (s *fakeSource) FetchTotalCount(ctx context.Context) (int, error) {
	total := 0
	for _, p := range s.pages {
		total += len(p.Records)
	}
	return total, nil
}

func (s *fakeSource) fetchedCursors() []*string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*string(nil), s.cursors...)
}

// fakeDB is an in-memory destination honouring the (documentId, chunkIndex)
// uniqueness rule. Every connection shares it.
type fakeDB struct {
	mu           sync.Mutex
	parents      map[string]destination.ParentRef
	rows         map[string]destination.ChildRow
	insertErr    map[string]error
	lookupErr    error
	failConnects int
	connects     int
	closes       int
	insertDelay  time.Duration
	onInsert     func()
}

func newFakeDB(filenames ...string) *fakeDB {
	db := &fakeDB{
		parents:   make(map[string]destination.ParentRef),
		rows:      make(map[string]destination.ChildRow),
		insertErr: make(map[string]error),
	}
	for _, name := range filenames {
		db.parents[name] = destination.ParentRef{ID: "doc-" + name, OriginalName: name, CollectionID: "col-1"}
	}
	return db
}

func (db *fakeDB) connect(ctx context.Context) (Gateway, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.connects++
	if db.connects <= db.failConnects {
		return nil, errors.New("too many connections")
	}
	return &fakeGateway{db: db}, nil
}

func (db *fakeDB) rowCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.rows)
}

type fakeGateway struct {
	db *fakeDB
}

func (g *fakeGateway) LookupParents(ctx context.Context, filenames []string, collectionID string) (map[string]destination.ParentRef, error) {
	g.db.mu.Lock()
	defer g.db.mu.Unlock()
	if g.db.lookupErr != nil {
		return nil, g.db.lookupErr
	}
	out := make(map[string]destination.ParentRef)
	for _, name := range filenames {
		if p, ok := g.db.parents[name]; ok && p.CollectionID == collectionID {
			out[name] = p
		}
	}
	return out, nil
}

func (g *fakeGateway) InsertChunks(ctx context.Context, rows []destination.ChildRow) (int64, error) {
	if g.db.onInsert != nil {
		g.db.onInsert()
	}
	if g.db.insertDelay > 0 {
		time.Sleep(g.db.insertDelay)
	}
	g.db.mu.Lock()
	defer g.db.mu.Unlock()
	if len(rows) > 0 {
		if err := g.db.insertErr[rows[0].DocumentID]; err != nil {
			return 0, err
		}
	}
	var inserted int64
	for _, r := range rows {
		key := fmt.Sprintf("%s/%d", r.DocumentID, r.ChunkIndex)
		if _, exists := g.db.rows[key]; exists {
			continue
		}
		g.db.rows[key] = r
		inserted++
	}
	return inserted, nil
}

func (g *fakeGateway) Close() error {
	g.db.mu.Lock()
	g.db.closes++
	g.db.mu.Unlock()
	return nil
}

type recordingReporter struct {
	mu       sync.Mutex
	failures []Failure
}

func (r *recordingReporter) ReportFailure(ctx context.Context, f Failure) {
	r.mu.Lock()
	r.failures = append(r.failures, f)
	r.mu.Unlock()
}

func (r *recordingReporter) all() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Failure(nil), r.failures...)
}

type run struct {
	stats    Snapshot
	queue    *Queue
	exits    []WorkerExit
	producer error
}

func runPipeline(t *testing.T, src source.Client, db *fakeDB, workers, capacity int, cfg WorkerConfig, opts ...WorkerOption) run {
	t.Helper()
	ctx := context.Background()

	q := NewQueue(capacity)
	stats := NewStats()
	pool, err := NewPool(workers)
	require.NoError(t, err)
	defer pool.Release()

	for i := 1; i <= workers; i++ {
		require.NoError(t, pool.Go(ctx, NewWorker(i, q, db.connect, stats, cfg, opts...)))
	}
	pool.Seal()

	prodErr := NewProducer(src, q, stats, 10, workers).Run(ctx)

	select {
	case <-pool.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not finish")
	}

	var exits []WorkerExit
	for i := 0; i < workers; i++ {
		exits = append(exits, <-pool.Exits())
	}
	return run{stats: stats.Snapshot(), queue: q, exits: exits, producer: prodErr}
}

func rec(id, filename string, chunkIndex int, content string) source.Record {
	return source.Record{ID: id, Filename: filename, ChunkIndex: chunkIndex, Content: content}
}
