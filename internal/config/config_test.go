package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docuralis/apps/migrator/internal/config"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("DB_HOST", "test-host")
	t.Setenv("COLLECTION_ID", "col-1")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "test-host", cfg.DBHost)
	assert.Equal(t, "col-1", cfg.CollectionID)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("COLLECTION_ID", "col-1")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, 5000, cfg.PageSize)
	assert.Equal(t, 20, cfg.WorkerCount)
	assert.Equal(t, 30, cfg.QueueSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, 5, cfg.ProgressEveryBatches)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, config.SourceKindQdrant, cfg.SourceKind)
}

func TestLoadConfig_FromEnvFile(t *testing.T) {
	content := []byte("DB_HOST=loaded-from-file\nCOLLECTION_ID=from-file")
	err := os.WriteFile(".env", content, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(".env")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "loaded-from-file", cfg.DBHost)
	assert.Equal(t, "from-file", cfg.CollectionID)
}

func TestLoadConfig_PipelineOverrides(t *testing.T) {
	t.Setenv("COLLECTION_ID", "col-1")
	t.Setenv("DRY_RUN", "false")
	t.Setenv("WORKER_COUNT", "4")
	t.Setenv("QUEUE_SIZE", "8")
	t.Setenv("RETRY_DELAY", "250ms")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.False(t, cfg.DryRun)
	assert.Equal(t, 4, cfg.WorkerCount)
	assert.Equal(t, 8, cfg.QueueSize)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
}

func TestLoadConfig_MissingCollection(t *testing.T) {
	t.Setenv("COLLECTION_ID", "")

	cfg, err := config.Load()
	assert.ErrorIs(t, err, config.ErrMissingRequired)
	assert.Nil(t, cfg)
}

func TestReadConfig_SkipsValidation(t *testing.T) {
	t.Setenv("COLLECTION_ID", "")

	cfg, err := config.Read()
	require.NoError(t, err)
	assert.Empty(t, cfg.CollectionID)
	assert.ErrorIs(t, cfg.Validate(), config.ErrMissingRequired)
}

func TestConfig_DSN(t *testing.T) {
	cfg := config.Config{DBHost: "h", DBPort: 5433, DBUser: "u", DBPass: "p", DBName: "d", DBSSLMode: "require"}
	assert.Equal(t, "host=h port=5433 user=u password=p dbname=d sslmode=require", cfg.DSN())
}
