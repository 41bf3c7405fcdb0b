package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/techfest/festdb/internal/output"
)

var errPurgeCancelled = errors.New("purge cancelled")

func newTasksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"queue"},
		Short:   "Inspect the replication queue",
		GroupID: "replication",
	}
	cmd.AddCommand(
		newTasksListCmd(a),
		newTasksShowCmd(a),
		newTasksRequeueCmd(a),
		newTasksPurgeCmd(a),
	)
	return cmd
}

func newTasksListCmd(a *app) *cobra.Command {
	var (
		status string
		table  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List replication tasks, newest first",
		Example: `  festdb tasks list --status failed_final
  festdb tasks list --table events --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				tasks, err := s.Tasks(ctx, status, table, limit)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				return a.emit(w, tasks, func() {
					if len(tasks) == 0 {
						fmt.Fprintln(w, "No tasks")
						return
					}
					output.TasksTable(w, tasks, time.Now())
				})
			})
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "pending, in_flight, failed_retry, failed_final or succeeded")
	cmd.Flags().StringVarP(&table, "table", "t", "", "only tasks for this table")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum tasks")
	return cmd
}

func newTasksShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task and its status history",
		Args:  exactArgs(1, "<task-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				d, err := s.Task(ctx, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				return a.emit(w, d, func() {
					output.TaskDetail(w, *d, time.Now())
				})
			})
		},
	}
}

func newTasksRequeueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <task-id>",
		Short: "Retry a failed_final task by resyncing its record",
		Long: `Queues a fresh task built from the record's current primary state. The
parked task stays as it was for the audit trail.`,
		Args: exactArgs(1, "<task-id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				t, err := s.Requeue(ctx, args[0])
				if err != nil {
					return err
				}
				s.settle(ctx)
				return a.emit(cmd.OutOrStdout(), t, func() {
					output.Success("Requeued %s as %s (%s %s/%s)", args[0], t.ID, t.Op, t.Table, t.RecordID)
				})
			})
		},
	}
}

// confirmPurge asks on a terminal; elsewhere --yes is required.
func confirmPurge(olderThan string) error {
	if !output.IsTerminal() {
		return errors.New("refusing to purge without --yes when not on a terminal")
	}
	if olderThan == "" {
		olderThan = "7d"
	}
	ok := false
	err := huh.NewConfirm().
		Title("Purge succeeded tasks older than " + olderThan + "?").
		Description("Their history is deleted. Pending and failed tasks are kept.").
		Affirmative("Purge").
		Negative("Cancel").
		Value(&ok).
		Run()
	if err != nil {
		return err
	}
	if !ok {
		return errPurgeCancelled
	}
	return nil
}

func newTasksPurgeCmd(a *app) *cobra.Command {
	var (
		olderThan string
		yes       bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete succeeded tasks past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				if err := confirmPurge(olderThan); err != nil {
					if errors.Is(err, errPurgeCancelled) {
						output.Info("Nothing purged")
						return nil
					}
					return fail(err)
				}
			}
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				n, err := s.Purge(ctx, olderThan)
				if err != nil {
					return err
				}
				return a.emit(cmd.OutOrStdout(), map[string]int{"purged": n}, func() {
					output.Success("Purged %d task(s)", n)
				})
			})
		},
	}
	cmd.Flags().StringVar(&olderThan, "older-than", "", "age cutoff such as 7d or 12h (default 7d)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
