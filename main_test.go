package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"docuralis/apps/migrator/internal/app"
	"docuralis/apps/migrator/internal/config"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: 0},
		{name: "aborted", err: app.ErrAborted, want: 0},
		{name: "interrupted", err: fmt.Errorf("run: %w", app.ErrInterrupted), want: 130},
		{name: "fatal", err: errors.New("boom"), want: 1},
		{name: "no workers", err: app.ErrNoWorkers, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

// captureFlags runs the app with an action that applies the parsed flags to cfg.
func captureFlags(t *testing.T, cfg *config.Config, args ...string) {
	t.Helper()
	a := newApp()
	a.Action = func(c *cli.Context) error {
		applyFlags(c, cfg)
		return nil
	}
	require.NoError(t, a.Run(append([]string{"migrator"}, args...)))
}

func TestApplyFlags(t *testing.T) {
	t.Run("unset flags keep the environment values", func(t *testing.T) {
		cfg := &config.Config{DryRun: false, WorkerCount: 20, PageSize: 5000, QueueSize: 30, CollectionID: "env-col"}
		captureFlags(t, cfg)

		assert.False(t, cfg.DryRun)
		assert.Equal(t, 20, cfg.WorkerCount)
		assert.Equal(t, 5000, cfg.PageSize)
		assert.Equal(t, 30, cfg.QueueSize)
		assert.Equal(t, "env-col", cfg.CollectionID)
	})

	t.Run("set flags override", func(t *testing.T) {
		cfg := &config.Config{DryRun: true, WorkerCount: 20, PageSize: 5000, QueueSize: 30}
		captureFlags(t, cfg,
			"--dry-run=false",
			"--workers", "4",
			"--page-size", "100",
			"--queue-size", "8",
			"--collection", "col-9",
			"--source", "weaviate",
		)

		assert.False(t, cfg.DryRun)
		assert.Equal(t, 4, cfg.WorkerCount)
		assert.Equal(t, 100, cfg.PageSize)
		assert.Equal(t, 8, cfg.QueueSize)
		assert.Equal(t, "col-9", cfg.CollectionID)
		assert.Equal(t, config.SourceKindWeaviate, cfg.SourceKind)
	})
}

func TestCommands(t *testing.T) {
	a := newApp()

	names := make([]string, 0, len(a.Commands))
	for _, cmd := range a.Commands {
		names = append(names, cmd.Name)
	}
	assert.ElementsMatch(t, []string{"migrate", "analyze", "failures"}, names)

	t.Run("dry-run defaults to on", func(t *testing.T) {
		var dryRun *cli.BoolFlag
		for _, flag := range a.Flags {
			if f, ok := flag.(*cli.BoolFlag); ok && f.Name == "dry-run" {
				dryRun = f
				break
			}
		}
		require.NotNil(t, dryRun)
		assert.True(t, dryRun.Value)
	})

	t.Run("failures needs a run id", func(t *testing.T) {
		err := newApp().Run([]string{"migrator", "failures"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run")
	})

	t.Run("failures needs a checkpoint dir", func(t *testing.T) {
		t.Setenv("CHECKPOINT_DIR", "")
		err := newApp().Run([]string{"migrator", "failures", "--run", "r1"})
		assert.ErrorIs(t, err, config.ErrMissingRequired)
	})

	t.Run("failures lists an empty ledger", func(t *testing.T) {
		err := newApp().Run([]string{"migrator", "failures", "--run", "r1", "--checkpoint-dir", t.TempDir()})
		assert.NoError(t, err)
	})

	t.Run("invalid log level", func(t *testing.T) {
		a := newApp()
		a.Action = func(*cli.Context) error { return nil }
		err := a.Run([]string{"migrator", "--log-level", "loud"})
		assert.Error(t, err)
	})
}
