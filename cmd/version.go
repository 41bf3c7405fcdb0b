package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/techfest/festdb/internal/output"
	"github.com/techfest/festdb/internal/version"
)

func newVersionCmd(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:     "version",
		Short:   "Show version info",
		GroupID: "system",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if !check {
				if a.jsonOut {
					return output.WriteJSON(w, map[string]string{"version": a.version})
				}
				fmt.Fprintf(w, "festdb %s\n", a.version)
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			res := version.CheckCached(ctx, a.version)
			if res.Error != nil {
				return fail(fmt.Errorf("version check: %w", res.Error))
			}
			return a.emit(w, map[string]any{
				"version":    a.version,
				"latest":     res.LatestVersion,
				"has_update": res.HasUpdate,
			}, func() {
				fmt.Fprintf(w, "festdb %s\n", a.version)
				switch {
				case version.IsDevelopmentVersion(a.version):
					output.Info("Development build; update check skipped")
				case res.HasUpdate:
					output.Warning("%s is available", res.LatestVersion)
					if c := version.UpdateCommand(res.LatestVersion); c != "" {
						output.Info("  %s", c)
					}
				default:
					output.Success("Up to date")
				}
			})
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "check GitHub for a newer release")
	return cmd
}
