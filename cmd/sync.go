package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/techfest/festdb/internal/output"
)

func newSyncCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sync",
		Short:   "Replay and repair backup replication",
		GroupID: "replication",
	}
	cmd.AddCommand(newSyncRunCmd(a), newSyncResyncCmd(a), newSyncBackfillCmd(a))
	return cmd
}

func newSyncRunCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay every task that is due, once",
		Long: `Claims and replays every task that is due now against the backup store, then
exits. Tasks that fail wait out their backoff; run again later to retry them.
Runs against the local stores only; a server replays continuously on its own.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			b, _, err := a.openBackend(ctx)
			if err != nil {
				return fail(err)
			}
			defer func() {
				closeCtx, done := context.WithTimeout(context.Background(), b.Config.Server.ShutdownTimeout.Std())
				defer done()
				b.Close(closeCtx)
			}()

			res, err := b.Coordinator.DrainOnce(ctx)
			if err != nil {
				return fail(fmt.Errorf("drain: %w", err))
			}
			return a.emit(cmd.OutOrStdout(), res, func() {
				if res.Replayed == 0 && res.Failed == 0 {
					output.Info("Nothing to replay")
					return
				}
				output.Success("Replayed %d task(s)", res.Replayed)
				if res.Failed > 0 {
					output.Warning("%d task(s) failed; see `festdb tasks list --status failed_retry`", res.Failed)
				}
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")
	return cmd
}

func newSyncResyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resync <table> <id>",
		Short: "Queue the record's current primary state for the backup",
		Long:  `Queues an upsert of the record, or a delete when it is gone from the primary.`,
		Args:  exactArgs(2, "<table> <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				t, err := s.Resync(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				s.settle(ctx)
				return a.emit(cmd.OutOrStdout(), t, func() {
					output.Success("Queued %s %s/%s as %s", t.Op, t.Table, t.RecordID, t.ID)
				})
			})
		},
	}
}

func newSyncBackfillCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill <table>",
		Short: "Queue every primary record of a table for the backup",
		Args:  exactArgs(1, "<table>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				n, err := s.Backfill(ctx, args[0])
				if err != nil {
					return err
				}
				s.settle(ctx)
				return a.emit(cmd.OutOrStdout(), map[string]any{"table": args[0], "queued": n}, func() {
					output.Success("Queued %d record(s) of %s", n, args[0])
				})
			})
		},
	}
}
