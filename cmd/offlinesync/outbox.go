package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davicafu/offlinesync/internal/sync/application"
	"github.com/davicafu/offlinesync/pkg/logger"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and maintain the local change outbox",
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show outbox counts by status",
	RunE: withOutbox(func(ctx context.Context, cmd *cobra.Command, outbox *application.ChangeOutbox) error {
		stats, err := outbox.GetStats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "total=%d pending=%d processing=%d completed=%d failed=%d\n",
			stats.Total, stats.Pending, stats.Processing, stats.Completed, stats.Failed)
		return nil
	}),
}

var outboxFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List changes that exhausted their retries",
	RunE: withOutbox(func(ctx context.Context, cmd *cobra.Command, outbox *application.ChangeOutbox) error {
		items, err := outbox.GetFailed(ctx)
		if err != nil {
			return err
		}
		for _, it := range items {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\tretries=%d\t%s\n",
				it.ID, it.Table, it.RecordID, it.Operation, it.RetryCount, it.Error)
		}
		return nil
	}),
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Move failed changes back to pending with a fresh retry budget",
	RunE: withOutbox(func(ctx context.Context, cmd *cobra.Command, outbox *application.ChangeOutbox) error {
		n, err := outbox.RetryFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reset %d failed changes\n", n)
		return nil
	}),
}

var outboxClearCmd = &cobra.Command{
	Use:   "clear-completed",
	Short: "Delete completed outbox entries",
	RunE: withOutbox(func(ctx context.Context, cmd *cobra.Command, outbox *application.ChangeOutbox) error {
		n, err := outbox.ClearCompleted(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d completed changes\n", n)
		return nil
	}),
}

func init() {
	outboxCmd.AddCommand(outboxStatsCmd, outboxFailedCmd, outboxRetryCmd, outboxClearCmd)
}

// withOutbox abre solo la outbox configurada, sin arrancar el motor.
func withOutbox(fn func(ctx context.Context, cmd *cobra.Command, outbox *application.ChangeOutbox) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger.Init(cfg.LogLevel)
		log := logger.Logger()
		defer log.Sync()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		db, err := openLocalDB(ctx, cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()

		repo, closeRepo, err := openOutboxRepo(ctx, cfg, db, log)
		if err != nil {
			return err
		}
		if closeRepo != nil {
			defer func() {
				if err := closeRepo(); err != nil {
					log.Warn("⚠️ Error cerrando outbox", zap.Error(err))
				}
			}()
		}

		return fn(ctx, cmd, application.NewChangeOutbox(repo, cfg.OutboxMaxRetries, clockwork.NewRealClock(), log))
	}
}
