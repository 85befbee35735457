package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

const (
	SourceKindQdrant   = "qdrant"
	SourceKindWeaviate = "weaviate"
)

type Config struct {
	DBHost    string `envconfig:"DB_HOST" default:"localhost"`
	DBPort    int    `envconfig:"DB_PORT" default:"5432"`
	DBUser    string `envconfig:"DB_USER" default:"rag_admin"`
	DBPass    string `envconfig:"DB_PASS"`
	DBName    string `envconfig:"DB_NAME" default:"rag_database"`
	DBSSLMode string `envconfig:"DB_SSLMODE" default:"disable"`

	SourceKind    string `envconfig:"SOURCE_KIND" default:"qdrant"`
	SourceURL     string `envconfig:"SOURCE_URL" default:"http://localhost:6333"`
	SourceAPIKey  string `envconfig:"SOURCE_API_KEY"`
	CollectionID  string `envconfig:"COLLECTION_ID"`
	WeaviateClass string `envconfig:"WEAVIATE_CLASS" default:"DocumentChunk"`

	// Pipeline
	PageSize     int           `envconfig:"PAGE_SIZE" default:"5000"`
	WorkerCount  int           `envconfig:"WORKER_COUNT" default:"20"`
	QueueSize    int           `envconfig:"QUEUE_SIZE" default:"30"`
	MaxRetries   int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryDelay   time.Duration `envconfig:"RETRY_DELAY" default:"1s"`
	GroupRetries int           `envconfig:"GROUP_RETRIES" default:"0"`
	HTTPTimeout  time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	DryRun       bool          `envconfig:"DRY_RUN" default:"true"`

	// Reporting
	ProgressInterval     time.Duration `envconfig:"PROGRESS_INTERVAL" default:"2s"`
	ProgressEveryBatches int           `envconfig:"PROGRESS_EVERY_BATCHES" default:"5"`

	// Optional collaborators. Empty disables them.
	CheckpointDir string `envconfig:"CHECKPOINT_DIR"`
	NSQDHost      string `envconfig:"NSQD_HOST"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"5"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Read loads the environment without validating it, so callers can apply
// command line overrides first.
func Read() (*Config, error) {
	// Env vars set in the shell take precedence; a missing .env is fine.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.SourceURL == "" {
		return fmt.Errorf("%w: SOURCE_URL", ErrMissingRequired)
	}
	if c.CollectionID == "" {
		return fmt.Errorf("%w: COLLECTION_ID", ErrMissingRequired)
	}
	switch c.SourceKind {
	case SourceKindQdrant:
	case SourceKindWeaviate:
		if c.WeaviateClass == "" {
			return fmt.Errorf("%w: WEAVIATE_CLASS", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: SOURCE_KIND=%q", ErrInvalidValue, c.SourceKind)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("%w: PAGE_SIZE must be positive", ErrInvalidValue)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("%w: WORKER_COUNT must be positive", ErrInvalidValue)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("%w: QUEUE_SIZE must be positive", ErrInvalidValue)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("%w: MAX_RETRIES must be at least 1", ErrInvalidValue)
	}
	if c.GroupRetries < 0 {
		return fmt.Errorf("%w: GROUP_RETRIES must not be negative", ErrInvalidValue)
	}
	return nil
}

// DSN builds the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName, c.DBSSLMode)
}

// Mode is the human readable run mode shown in the banner.
func (c *Config) Mode() string {
	if c.DryRun {
		return "DRY RUN (no changes will be made)"
	}
	return "LIVE (will modify data)"
}
