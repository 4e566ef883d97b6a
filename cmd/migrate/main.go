package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/splax/shipyard/internal/app/migrate"
	"github.com/splax/shipyard/pkg/config"
	"github.com/splax/shipyard/pkg/logger"
)

var (
	timeout       time.Duration
	targetVersion int64
	log           *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the shipyard database schema",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		cfg := config.LoadAPIConfig()
		log = logger.New("migrate", logger.ParseLevel(cfg.LogLevel), strings.EqualFold(cfg.LogFormat, "pretty"))
	},
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd.Context(), func(ctx context.Context, r *migrate.Runner) error {
			return r.Ensure(ctx)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print applied and pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd.Context(), func(ctx context.Context, r *migrate.Runner) error {
			return r.Status(ctx)
		})
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration, or down to --target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRunner(cmd.Context(), func(ctx context.Context, r *migrate.Runner) error {
			return r.Down(ctx, targetVersion)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "command timeout")
	downCmd.Flags().Int64Var(&targetVersion, "target", 0, "target version (optional)")

	rootCmd.AddCommand(upCmd, statusCmd, downCmd)
}

func withRunner(parent context.Context, fn func(context.Context, *migrate.Runner) error) error {
	cfg := config.LoadAPIConfig()

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		return fmt.Errorf("configure migration runner: %w", err)
	}
	if err := runner.Ping(ctx); err != nil {
		return err
	}
	if err := fn(ctx, runner); err != nil {
		return err
	}
	log.Info("migration command completed")
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if log != nil {
			log.Error("migration command failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
