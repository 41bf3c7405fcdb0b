package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/techfest/festdb/internal/client"
	"github.com/techfest/festdb/internal/output"
)

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "health",
		Short:   "Show store reachability and the replication backlog",
		Long:    `Exits non-zero only when neither store can serve reads.`,
		GroupID: "system",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				h, err := s.Health(ctx)
				if h == nil {
					return err
				}
				w := cmd.OutOrStdout()
				if emitErr := a.emit(w, h, func() {
					fmt.Fprintln(w, output.HealthSummary(*h))
				}); emitErr != nil {
					return emitErr
				}
				if errors.Is(err, client.ErrUnavailable) {
					return errors.New("no store is reachable")
				}
				return err
			})
		},
	}
}
