package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var logMap map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logMap))
	return logMap
}

func TestContextHandler_Handle(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithWorkerID(ctx, 3)
	ctx = WithBatchSeq(ctx, 42)

	logger.InfoContext(ctx, "test message")

	logMap := decode(t, &buf)
	assert.Equal(t, "run-1", logMap["run_id"])
	assert.Equal(t, float64(3), logMap["worker_id"])
	assert.Equal(t, float64(42), logMap["batch_seq"])
}

func TestContextHandler_WithAttrsKeepsContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil))).With("component", "producer")

	logger.InfoContext(WithRunID(context.Background(), "run-2"), "hello")

	logMap := decode(t, &buf)
	assert.Equal(t, "run-2", logMap["run_id"])
	assert.Equal(t, "producer", logMap["component"])
}

func TestContextHandler_NoValues(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain")

	logMap := decode(t, &buf)
	assert.NotContains(t, logMap, "run_id")
	assert.NotContains(t, logMap, "worker_id")
	assert.Equal(t, "unknown", RunID(context.Background()))
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	assert.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("")
	assert.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
