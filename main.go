package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	badgerstore "docuralis/apps/migrator/internal/adapter/badger"
	"docuralis/apps/migrator/internal/app"
	"docuralis/apps/migrator/internal/config"
	"docuralis/apps/migrator/internal/destination"
	"docuralis/apps/migrator/internal/events"
	"docuralis/apps/migrator/internal/logger"
)

func main() {
	err := newApp().Run(os.Args)
	code := exitCode(err)
	if code == 1 {
		slog.Error("migration failed", "error", err)
	}
	os.Exit(code)
}

// exitCode maps a command error to the process status. An operator abort is
// not a failure.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, app.ErrAborted):
		return 0
	case errors.Is(err, app.ErrInterrupted):
		return 130
	default:
		return 1
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "migrator",
		Usage: "Copy vector store chunks into PostgreSQL DocumentChunk rows",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		}, migrationFlags()...),
		Before: setupLogger,
		Action: migrateCommand,
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Run the migration (the default command)",
				Action: migrateCommand,
				Flags:  migrationFlags(),
			},
			{
				Name:   "analyze",
				Usage:  "Print the pre-flight counts and exit",
				Action: analyzeCommand,
				Flags:  sourceFlags(),
			},
			{
				Name:   "failures",
				Usage:  "List the failures recorded for a run",
				Action: failuresCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "run",
						Aliases:  []string{"r"},
						Usage:    "Run ID printed by the migrate command",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "checkpoint-dir",
						Usage:   "Path to the BadgerDB ledger directory (overrides CHECKPOINT_DIR)",
						EnvVars: []string{"CHECKPOINT_DIR"},
					},
				},
			},
		},
	}
}

func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "source",
			Usage: "Vector store to read from (qdrant, weaviate)",
		},
		&cli.StringFlag{
			Name:    "collection",
			Aliases: []string{"c"},
			Usage:   "Collection ID to migrate",
		},
	}
}

func migrationFlags() []cli.Flag {
	return append(sourceFlags(),
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Report what would be inserted without writing (use --dry-run=false for a live run)",
			Value: true,
		},
		&cli.BoolFlag{
			Name:    "yes",
			Aliases: []string{"y"},
			Usage:   "Skip the confirmation prompt of a live run",
		},
		&cli.IntFlag{
			Name:  "workers",
			Usage: "Number of concurrent workers",
		},
		&cli.IntFlag{
			Name:  "page-size",
			Usage: "Records fetched per page",
		},
		&cli.IntFlag{
			Name:  "queue-size",
			Usage: "Maximum batches waiting in memory",
		},
		&cli.BoolFlag{
			Name:  "resume",
			Usage: "Continue after the last checkpointed batch",
		},
	)
}

func setupLogger(c *cli.Context) error {
	level, err := logger.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	slog.SetDefault(logger.New(os.Stderr, level))
	return nil
}

// loadConfig reads the environment and applies the flags the user set.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("source") {
		cfg.SourceKind = c.String("source")
	}
	if c.IsSet("collection") {
		cfg.CollectionID = c.String("collection")
	}
	if c.IsSet("dry-run") {
		cfg.DryRun = c.Bool("dry-run")
	}
	if c.IsSet("workers") {
		cfg.WorkerCount = c.Int("workers")
	}
	if c.IsSet("page-size") {
		cfg.PageSize = c.Int("page-size")
	}
	if c.IsSet("queue-size") {
		cfg.QueueSize = c.Int("queue-size")
	}
	if c.IsSet("checkpoint-dir") {
		cfg.CheckpointDir = c.String("checkpoint-dir")
	}
}

// signalContext is cancelled on the first SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func migrateCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	opts := runOptions{
		assumeYes: c.Bool("yes"),
		resume:    c.Bool("resume"),
	}
	_, err = run(ctx, cfg, opts, os.Stdout, os.Stdin)
	return err
}

type runOptions struct {
	assumeYes bool
	resume    bool
}

// run bootstraps the dependencies and drives one migration to completion.
func run(ctx context.Context, cfg *config.Config, opts runOptions, out io.Writer, in io.Reader) (app.Report, error) {
	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return app.Report{}, err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			slog.Warn("failed to close dependencies", "error", err)
		}
	}()

	migrator := app.NewMigrator(cfg, app.DialerDestination{Dialer: destination.NewDialer(deps.DB)}, deps.Source,
		migratorOptions(deps, opts, out, in)...)
	return migrator.Run(ctx)
}

func migratorOptions(deps *app.Dependencies, opts runOptions, out io.Writer, in io.Reader) []app.Option {
	options := []app.Option{
		app.WithConsole(out, in),
		app.WithAssumeYes(opts.assumeYes),
		app.WithResume(opts.resume),
	}
	if deps.HasLedger() {
		options = append(options, app.WithLedgerOpener(func() (app.Ledger, error) {
			ledger, err := deps.OpenLedger()
			if err != nil {
				return nil, err
			}
			return ledger, nil
		}))
	}
	if deps.NSQProducer != nil {
		options = append(options, app.WithNotifier(events.NewNotifier(deps.NSQProducer)))
	}
	return options
}

func analyzeCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	migrator := app.NewMigrator(cfg, app.DialerDestination{Dialer: destination.NewDialer(deps.DB)}, deps.Source)
	pre, err := migrator.Analyze(ctx)
	if err != nil {
		return fmt.Errorf("pre-flight failed: %w", err)
	}
	pre.Print(os.Stdout)
	return nil
}

func failuresCommand(c *cli.Context) error {
	// Listing only touches the ledger, so the rest of the config is not validated.
	cfg, err := config.Read()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(c, cfg)
	if cfg.CheckpointDir == "" {
		return fmt.Errorf("%w: CHECKPOINT_DIR or --checkpoint-dir", config.ErrMissingRequired)
	}

	return listFailures(c.Context, cfg.CheckpointDir, c.String("run"), os.Stdout)
}

func listFailures(ctx context.Context, dir, runID string, out io.Writer) error {
	ledger, err := badgerstore.Open(dir, false)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer ledger.Close()

	failures, err := ledger.ListFailures(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to list failures: %w", err)
	}
	app.PrintFailures(out, failures)
	return nil
}
