package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/techfest/festdb/internal/output"
	"github.com/techfest/festdb/pkg/monitor"
)

func newMonitorCmd(a *app) *cobra.Command {
	var (
		interval  time.Duration
		noUpdates bool
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Live dashboard of store health and the replication queue",
		Long: `Launch a live-updating TUI dashboard showing:
- Store reachability and revisions
- Replication backlog, retries and parked tasks
- The task queue, filterable by status

Without --server the local replication workers run while the monitor is open.

Key bindings:
  ↑/↓  Select task
  f    Cycle status filter
  R    Requeue selected failed_final task
  r    Force refresh
  ?    Toggle help
  q    Quit`,
		GroupID: "system",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !output.IsTerminal() {
				err := errors.New("monitor needs a terminal")
				return fail(err)
			}
			if interval < 500*time.Millisecond {
				interval = 2 * time.Second
			}
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				if s.Local() {
					if err := s.backend.Start(ctx); err != nil {
						return err
					}
				}
				model := monitor.NewModel(s.Client, interval, a.version)
				model.CheckUpdates = !noUpdates
				p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
				if _, err := p.Run(); err != nil {
					return fmt.Errorf("error running monitor: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	cmd.Flags().BoolVar(&noUpdates, "no-update-check", false, "do not check GitHub for a newer release")
	return cmd
}
