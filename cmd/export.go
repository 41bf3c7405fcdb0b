package cmd

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/techfest/festdb/internal/client"
	"github.com/techfest/festdb/internal/export"
	"github.com/techfest/festdb/internal/output"
	"github.com/techfest/festdb/internal/store"
)

// remoteDump builds an export through the HTTP API.
func remoteDump(ctx context.Context, c *client.Client, tables []string) (export.Dump, error) {
	if len(tables) == 0 {
		schemas, err := c.Schema(ctx)
		if err != nil {
			return export.Dump{}, err
		}
		for _, ts := range schemas {
			tables = append(tables, ts.Name)
		}
	}
	d := export.Dump{ExportedAt: time.Now().UTC()}
	for _, name := range tables {
		t := export.Table{Name: name, Records: []store.Record{}}
		res, err := c.List(ctx, name, client.Query{})
		if err != nil {
			t.Error = err.Error()
		} else {
			for _, r := range res.Records {
				t.Records = append(t.Records, store.Record(r))
			}
			t.Count = len(t.Records)
			t.Degraded = res.Degraded
			t.Source = res.Source
		}
		d.Tables = append(d.Tables, t)
	}
	return d, nil
}

func newExportCmd(a *app) *cobra.Command {
	var (
		out    string
		tables []string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump tables to a JSON file",
		Long: `Reads every table (or --tables) through the usual fallback path and writes one
JSON document. Tables served by the backup are flagged degraded; a table that
cannot be read is recorded with its error and the rest are still exported.`,
		Example: `  festdb export --out backups/
  festdb export --tables events,news --out -`,
		GroupID: "data",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				var d export.Dump
				if s.Local() {
					names := make([]string, 0, len(tables))
					for _, t := range tables {
						name, err := s.backend.Registry.Resolve(t)
						if err != nil {
							return err
						}
						names = append(names, name)
					}
					d = export.Run(ctx, s.backend.Facade, names)
				} else {
					var err error
					if d, err = remoteDump(ctx, s.Client, tables); err != nil {
						return err
					}
				}

				if out == "-" {
					return export.Write(cmd.OutOrStdout(), d)
				}
				path := out
				if path == "" || strings.HasSuffix(path, "/") {
					path = export.DefaultPath(path, d.ExportedAt)
				}
				if err := export.WriteFile(path, d); err != nil {
					return err
				}
				for _, t := range d.Tables {
					if t.Degraded {
						output.Warning("%s exported from %s", t.Name, t.Source)
					}
				}
				if failed := d.Failed(); len(failed) > 0 {
					output.Warning("could not read %s", strings.Join(failed, ", "))
				}
				return a.emit(cmd.OutOrStdout(), map[string]any{"path": path, "tables": len(d.Tables)}, func() {
					output.Success("Exported %d table(s) to %s", len(d.Tables), path)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", `output file, directory ending in "/", or "-" for stdout (default ./festdb-<time>.json)`)
	cmd.Flags().StringSliceVarP(&tables, "tables", "t", nil, "tables to export (default all)")
	return cmd
}
