package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"docuralis/apps/migrator/internal/pipeline"
)

const (
	checkpointPrefix = "checkpoint/"
	failurePrefix    = "failure/"
	failureSeqKey    = "seq/failure"

	sequenceBandwidth = 100
)

// Store keeps resume checkpoints and the failure ledger in a local badger
// database.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

var (
	_ pipeline.CheckpointStore = (*Store)(nil)
	_ pipeline.FailureReporter = (*Store)(nil)
)

type loggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*loggerAdapter)(nil)

func (l *loggerAdapter) Errorf(msg string, items ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (l *loggerAdapter) Warningf(msg string, items ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (l *loggerAdapter) Infof(msg string, items ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (l *loggerAdapter) Debugf(msg string, items ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

// Open opens the store in dir, creating the directory when missing. An
// empty dir with inMemory set gives a throwaway store for tests.
func Open(dir string, inMemory bool) (*Store, error) {
	var opts badger.Options
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &loggerAdapter{logger: slog.Default().With("component", "badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	seq, err := db.GetSequence([]byte(failureSeqKey), sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open failure sequence: %w", err)
	}
	return &Store{db: db, seq: seq}, nil
}

func (s *Store) Close() error {
	return errors.Join(s.seq.Release(), s.db.Close())
}

func checkpointKey(key string) []byte {
	return []byte(checkpointPrefix + key)
}

func (s *Store) SaveCheckpoint(ctx context.Context, key string, cp pipeline.Checkpoint) error {
	value, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *badger.Txn) error {
		return tx.Set(checkpointKey(key), value)
	})
}

// LoadCheckpoint returns nil, nil when no checkpoint was saved under key.
func (s *Store) LoadCheckpoint(ctx context.Context, key string) (*pipeline.Checkpoint, error) {
	var cp *pipeline.Checkpoint
	err := s.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(checkpointKey(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			cp = &pipeline.Checkpoint{}
			return json.Unmarshal(val, cp)
		})
	})
	return cp, err
}

// RecordFailure appends f to the ledger. Keys sort by run, then by arrival.
func (s *Store) RecordFailure(ctx context.Context, f pipeline.Failure) error {
	n, err := s.seq.Next()
	if err != nil {
		return err
	}
	value, err := json.Marshal(f)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%s/%020d", failurePrefix, f.RunID, n)
	return s.db.Update(func(tx *badger.Txn) error {
		return tx.Set([]byte(key), value)
	})
}

// ReportFailure records f and only logs when the ledger cannot be written.
func (s *Store) ReportFailure(ctx context.Context, f pipeline.Failure) {
	if err := s.RecordFailure(ctx, f); err != nil {
		slog.WarnContext(ctx, "failed to record failure", "kind", f.Kind, "filename", f.Filename, "error", err)
	}
}

// ListFailures returns the ledger entries of one run, or of every run when
// runID is empty.
func (s *Store) ListFailures(ctx context.Context, runID string) ([]pipeline.Failure, error) {
	prefix := failurePrefix
	if runID != "" {
		prefix += runID + "/"
	}

	var out []pipeline.Failure
	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := tx.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var f pipeline.Failure
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &f)
			}); err != nil {
				return err
			}
			out = append(out, f)
		}
		return nil
	})
	return out, err
}
