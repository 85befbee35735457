package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	badgerstore "docuralis/apps/migrator/internal/adapter/badger"
	"docuralis/apps/migrator/internal/adapter/qdrant"
	wsource "docuralis/apps/migrator/internal/adapter/weaviate"
	"docuralis/apps/migrator/internal/config"
	"docuralis/apps/migrator/internal/destination"
	"docuralis/apps/migrator/internal/middleware"
	"docuralis/apps/migrator/internal/source"
)

type Dependencies struct {
	DB          *sql.DB
	Source      source.Client
	Ledger      *badgerstore.Store // nil until OpenLedger
	NSQProducer *nsq.Producer      // nil without NSQD_HOST

	checkpointDir string
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	// Every worker pins one connection; the pre-flight needs one more.
	db.SetMaxOpenConns(cfg.WorkerCount + 1)
	db.SetMaxIdleConns(cfg.WorkerCount + 1)

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	if err := destination.Ping(ctx, db, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	src, err := NewSource(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	deps := &Dependencies{DB: db, Source: src, checkpointDir: cfg.CheckpointDir}

	if cfg.NSQDHost != "" {
		producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("nsq producer error: %w", err)
		}
		producer.SetLogger(nsqLogger{}, nsq.LogLevelWarning)
		if err := producer.Ping(); err != nil {
			// Events are best effort; the migration does not depend on them.
			slog.Warn("nsqd unreachable, events will be dropped", "host", cfg.NSQDHost, "error", err)
		}
		deps.NSQProducer = producer
	}

	return deps, nil
}

// NewSource builds the source client for cfg.SourceKind.
func NewSource(cfg *config.Config) (source.Client, error) {
	switch cfg.SourceKind {
	case config.SourceKindQdrant:
		return qdrant.NewClient(cfg.SourceURL, cfg.CollectionID,
			qdrant.WithAPIKey(cfg.SourceAPIKey),
			qdrant.WithHTTPClient(middleware.HTTPClient(cfg.HTTPTimeout)),
			qdrant.WithRetry(cfg.MaxRetries, cfg.RetryDelay),
		), nil
	case config.SourceKindWeaviate:
		u, err := url.Parse(cfg.SourceURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: SOURCE_URL=%q", config.ErrInvalidValue, cfg.SourceURL)
		}
		wCfg := weaviate.Config{
			Host:             u.Host,
			Scheme:           u.Scheme,
			ConnectionClient: middleware.HTTPClient(cfg.HTTPTimeout),
		}
		if cfg.SourceAPIKey != "" {
			wCfg.Headers = map[string]string{"Authorization": "Bearer " + cfg.SourceAPIKey}
		}
		wClient, err := weaviate.NewClient(wCfg)
		if err != nil {
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		return wsource.NewSource(wClient, cfg.WeaviateClass).WithRetry(cfg.MaxRetries, cfg.RetryDelay), nil
	}
	return nil, fmt.Errorf("%w: SOURCE_KIND=%q", config.ErrInvalidValue, cfg.SourceKind)
}

// HasLedger reports whether CHECKPOINT_DIR is configured.
func (d *Dependencies) HasLedger() bool {
	return d.checkpointDir != ""
}

// OpenLedger opens the checkpoint store on first use. It creates
// CHECKPOINT_DIR, so callers wait until the run is confirmed.
func (d *Dependencies) OpenLedger() (*badgerstore.Store, error) {
	if d.Ledger != nil {
		return d.Ledger, nil
	}
	if d.checkpointDir == "" {
		return nil, fmt.Errorf("%w: CHECKPOINT_DIR", config.ErrMissingRequired)
	}
	ledger, err := badgerstore.Open(d.checkpointDir, false)
	if err != nil {
		return nil, err
	}
	d.Ledger = ledger
	return ledger, nil
}

// nsqLogger routes go-nsq's own log lines through slog.
type nsqLogger struct{}

func (nsqLogger) Output(_ int, s string) error {
	slog.Warn(s, "component", "nsq")
	return nil
}

func (d *Dependencies) Close() error {
	var errs []error
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	if d.Ledger != nil {
		errs = append(errs, d.Ledger.Close())
	}
	if d.DB != nil {
		errs = append(errs, d.DB.Close())
	}
	return errors.Join(errs...)
}
