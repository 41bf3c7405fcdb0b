package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/techfest/festdb/internal/client"
	"github.com/techfest/festdb/internal/output"
)

// queryFlags are the list filters shared by `records list` and `export`.
type queryFlags struct {
	where  []string
	order  []string
	limit  int
	fields []string
}

func (q *queryFlags) flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("query", pflag.ContinueOnError)
	fs.StringArrayVarP(&q.where, "where", "w", nil, "filter as field:op:value (op: eq, neq, lt, lte, gt, gte); repeatable")
	fs.StringArrayVarP(&q.order, "order", "o", nil, "sort as field or field:desc; repeatable")
	fs.IntVarP(&q.limit, "limit", "n", 0, "maximum records (0 for all)")
	fs.StringSliceVarP(&q.fields, "fields", "f", nil, "columns to show in table output")
	return fs
}

func (q *queryFlags) query() client.Query {
	return client.Query{Where: q.where, Order: q.order, Limit: q.limit}
}

func newRecordsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "records",
		Aliases: []string{"r"},
		Short:   "Read and write table records",
		GroupID: "data",
	}
	cmd.AddCommand(
		newRecordsListCmd(a),
		newRecordsGetCmd(a),
		newRecordsInsertCmd(a),
		newRecordsUpdateCmd(a),
		newRecordsDeleteCmd(a),
	)
	return cmd
}

func warnDegraded(degraded bool, source string) {
	if degraded {
		output.Warning("primary unavailable; served from %s", source)
	}
}

func warnReplication(msg string) {
	if msg != "" {
		output.Warning("write committed but not queued for replication (%s); run `festdb sync resync` for this record", msg)
	}
}

func newRecordsListCmd(a *app) *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:     "list <table>",
		Aliases: []string{"ls"},
		Short:   "List records of a table",
		Example: `  festdb records list events --where status:eq:published --order start_date
  festdb records list news --limit 5 --fields title,publish_date`,
		Args: exactArgs(1, "<table>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				res, err := s.List(ctx, args[0], qf.query())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				return a.emit(w, res, func() {
					warnDegraded(res.Degraded, res.Source)
					if len(res.Records) == 0 {
						fmt.Fprintln(w, "No records")
						return
					}
					output.RecordsTable(w, res.Records, output.RecordColumns(res.Records, qf.fields))
					fmt.Fprintln(w, output.Subtle(fmt.Sprintf("%d record(s) from %s", len(res.Records), res.Source)))
				})
			})
		},
	}
	cmd.Flags().AddFlagSet(qf.flagSet())
	return cmd
}

func newRecordsGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <table> <id>",
		Short: "Show one record",
		Args:  exactArgs(2, "<table> <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				res, err := s.Get(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				return a.emit(w, res, func() {
					warnDegraded(res.Degraded, res.Source)
					output.RecordDetail(w, res.Record)
				})
			})
		},
	}
}

// readFields parses the --data flag, or stdin when it is empty or "-".
func readFields(data string, stdin io.Reader) (client.Record, error) {
	var r io.Reader = strings.NewReader(data)
	if data == "" || data == "-" {
		r = stdin
	}
	var fields client.Record
	if err := json.NewDecoder(r).Decode(&fields); err != nil {
		return nil, fmt.Errorf("record fields must be a JSON object: %w", err)
	}
	return fields, nil
}

func newRecordsInsertCmd(a *app) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:     "insert <table>",
		Aliases: []string{"add"},
		Short:   "Insert a record",
		Example: `  festdb records insert news --data '{"title":"Hackathon","content":"Opens Friday"}'
  cat event.json | festdb records insert events`,
		Args: exactArgs(1, "<table>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				fields, err := readFields(data, cmd.InOrStdin())
				if err != nil {
					return err
				}
				res, err := s.Insert(ctx, args[0], fields)
				if err != nil {
					return err
				}
				s.settle(ctx)
				w := cmd.OutOrStdout()
				return a.emit(w, res, func() {
					output.Success("Inserted %s", res.Record.ID())
					warnReplication(res.ReplicationError)
					output.RecordDetail(w, res.Record)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "record fields as a JSON object (default: read stdin)")
	return cmd
}

func newRecordsUpdateCmd(a *app) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "update <table> <id>",
		Short: "Update fields of a record",
		Args:  exactArgs(2, "<table> <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				fields, err := readFields(data, cmd.InOrStdin())
				if err != nil {
					return err
				}
				res, err := s.Update(ctx, args[0], args[1], fields)
				if err != nil {
					return err
				}
				s.settle(ctx)
				w := cmd.OutOrStdout()
				return a.emit(w, res, func() {
					output.Success("Updated %s", res.Record.ID())
					warnReplication(res.ReplicationError)
					output.RecordDetail(w, res.Record)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "", "fields to change as a JSON object (default: read stdin)")
	return cmd
}

func newRecordsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <table> <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a record",
		Args:    exactArgs(2, "<table> <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(cmd, func(ctx context.Context, s *session) error {
				res, err := s.Delete(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				s.settle(ctx)
				return a.emit(cmd.OutOrStdout(), res, func() {
					if res.Noop {
						output.Info("%s was already absent", args[1])
					} else {
						output.Success("Deleted %s", args[1])
					}
					warnReplication(res.ReplicationError)
				})
			})
		},
	}
}
