package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/techfest/festdb/internal/output"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [table]",
		Short: "Stream committed writes as they happen",
		Long: `Follows the server's change feed, for one table or all of them. Needs
--server; changes made by other processes are not visible locally.`,
		GroupID: "data",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.server == "" {
				err := errors.New("watch needs --server")
				return fail(err)
			}
			table := ""
			if len(args) == 1 {
				table = args[0]
			}
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				stream, err := s.Changes(ctx, table)
				if err != nil {
					return err
				}
				go func() {
					<-ctx.Done()
					stream.Close()
				}()

				w := cmd.OutOrStdout()
				for {
					c, err := stream.Next()
					if err != nil {
						if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
							return nil
						}
						return err
					}
					if a.jsonOut {
						if err := output.WriteJSON(w, c); err != nil {
							return err
						}
						continue
					}
					fmt.Fprintf(w, "%s  %-6s %s/%s\n",
						output.Subtle(c.At.Local().Format("15:04:05")), c.Op, c.Table, c.ID)
				}
			})
		},
	}
}
