// Command embed-sender claims text chunks of one embedding task from PostgreSQL, sends them
// to the inference endpoint in bounded concurrent batches, and forwards the vectors.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"

	"github.com/formbricks/embed-sender/internal/config"
	"github.com/formbricks/embed-sender/internal/observability"
	"github.com/formbricks/embed-sender/internal/repository"
	"github.com/formbricks/embed-sender/pkg/database"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed-sender",
		Short: "Dispatch the chunks of one embedding task to the inference endpoint",
		Long: `embed-sender keeps a fixed number of chunks of one task awaiting inference,
marks them done as vectors arrive, and forwards the vectors to the receiver.

Configuration comes from the environment (and .env); the flags below override it.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			return runSender(cmd.Context(), cfg)
		},
	}

	cmd.Flags().Int64("taskid", 0, "task to process (TASK_ID)")
	cmd.Flags().Int("gpubatch", 0, "chunks kept awaiting inference (TARGET_IN_FLIGHT)")
	cmd.Flags().Int("reqbatch", 0, "maximum chunks per inference request (WORK_BATCH_SIZE)")

	cmd.AddCommand(newInitSchemaCmd())

	return cmd
}

// loadConfig reads the environment, applies flag overrides and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	if err := applyFlagOverrides(cmd, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyFlagOverrides copies explicitly set flags over the environment values.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if flags.Changed("taskid") {
		v, err := flags.GetInt64("taskid")
		if err != nil {
			return err
		}

		cfg.TaskID = v
	}

	if flags.Changed("gpubatch") {
		v, err := flags.GetInt("gpubatch")
		if err != nil {
			return err
		}

		cfg.TargetInFlight = v
	}

	if flags.Changed("reqbatch") {
		v, err := flags.GetInt("reqbatch")
		if err != nil {
			return err
		}

		cfg.WorkBatchSize = v
	}

	return nil
}

func runSender(parent context.Context, cfg *config.Config) error {
	slog.SetDefault(observability.NewLogger(os.Stdout, cfg.LogLevel))

	runID := uuid.NewString()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = observability.WithTaskID(observability.WithRunID(ctx, runID), cfg.TaskID)

	slog.InfoContext(ctx, "starting embed-sender",
		"target_in_flight", cfg.TargetInFlight,
		"work_batch_size", cfg.WorkBatchSize,
		"concurrent_requests", cfg.ConcurrentRequests(),
		"max_concurrent_requests", cfg.MaxConcurrentRequests,
	)

	poolOpts := []database.PoolOption{database.WithSearchPath(cfg.DatabaseSchema)}
	if cfg.DatabaseMaxConns > 0 {
		poolOpts = append(poolOpts, database.WithMaxConns(int32(cfg.DatabaseMaxConns))) //nolint:gosec // validated small positive value
	}

	db, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, poolOpts...)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to connect to database", "error", err)

		return err
	}
	defer db.Close()

	app, err := NewApp(ctx, cfg, db, runID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to initialize", "error", err)

		return err
	}

	runErr := app.Run(ctx)
	if runErr != nil {
		slog.ErrorContext(ctx, "embed-sender stopped with error", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "shutdown", "error", err)

		return errors.Join(runErr, err)
	}

	slog.InfoContext(ctx, "embed-sender exited")

	return runErr
}

func newInitSchemaCmd() *cobra.Command {
	var withRiver bool

	cmd := &cobra.Command{
		Use:   "init-schema",
		Short: "Create the queue tables (and the River job tables) if they do not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			if cfg.DatabaseURL == "" {
				return fmt.Errorf("invalid configuration: %w", errMissingDatabaseURL)
			}

			slog.SetDefault(observability.NewLogger(os.Stdout, cfg.LogLevel))

			return initSchema(cmd.Context(), cfg, withRiver)
		},
	}

	cmd.Flags().BoolVar(&withRiver, "river", true, "also migrate the River job tables used by the forward retry queue")

	return cmd
}

var errMissingDatabaseURL = errors.New("DATABASE_URL (or DB_HOST/DB_NAME) is required")

func initSchema(ctx context.Context, cfg *config.Config, withRiver bool) error {
	db, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, database.WithSearchPath(cfg.DatabaseSchema))
	if err != nil {
		return err
	}
	defer db.Close()

	if err := repository.ApplySchema(ctx, db); err != nil {
		return err
	}

	slog.InfoContext(ctx, "queue schema applied")

	if !withRiver {
		return nil
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(db), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}

	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("migrate river tables: %w", err)
	}

	slog.InfoContext(ctx, "river tables migrated", "versions_applied", len(res.Versions))

	return nil
}
