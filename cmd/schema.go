package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/techfest/festdb/internal/output"
)

func newSchemaCmd(a *app) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:     "schema [table]",
		Short:   "Describe the registered tables",
		Long:    `Renders field tables as markdown. Aliases such as "news" resolve to their table.`,
		GroupID: "data",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := ""
			if len(args) == 1 {
				table = args[0]
			}
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				w := cmd.OutOrStdout()
				if a.jsonOut {
					if table != "" {
						ts, err := s.TableSchema(ctx, table)
						if err != nil {
							return err
						}
						return output.WriteJSON(w, ts)
					}
					tables, err := s.Schema(ctx)
					if err != nil {
						return err
					}
					return output.WriteJSON(w, tables)
				}

				md, err := s.SchemaMarkdown(ctx, table)
				if err != nil {
					return err
				}
				if raw || !output.IsTerminal() {
					fmt.Fprint(w, md)
					return nil
				}
				rendered, err := output.RenderSchema(md)
				if err != nil {
					return err
				}
				fmt.Fprint(w, rendered)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print markdown source instead of rendering it")
	return cmd
}
