// Package cmd implements the festdb command line.
package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/techfest/festdb/internal/output"
)

var buildVersion = "dev"

// SetVersion sets the version string
func SetVersion(v string) {
	buildVersion = v
}

// Execute runs the root command. Errors the commands did not already
// print (bad flags, unknown commands) are printed here.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(buildVersion).ExecuteContext(ctx)
	stop()
	if err != nil {
		var r reported
		if !errors.As(err, &r) {
			output.Error("%v", err)
		}
		os.Exit(1)
	}
}

// nameWithAliases returns "name, alias1, alias2" if aliases exist, else just "name"
func nameWithAliases(cmd *cobra.Command) string {
	if len(cmd.Aliases) > 0 {
		return cmd.Name() + ", " + strings.Join(cmd.Aliases, ", ")
	}
	return cmd.Name()
}

// Custom usage template that shows aliases inline and commands by group.
const usageTemplate = `Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}}{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}{{$cmds := .Commands}}{{if eq (len .Groups) 0}}

Available Commands:{{range $cmds}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{else}}{{range $group := .Groups}}

{{.Title}}{{range $cmds}}{{if (and (eq .GroupID $group.ID) (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{end}}{{if not .AllChildCommandsHaveGroup}}

Additional Commands:{{range $cmds}}{{if (and (eq .GroupID "") (or .IsAvailableCommand (eq .Name "help")))}}
  {{rpad (nameWithAliases .) (add .NamePadding 8)}} {{.Short}}{{end}}{{end}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`

func init() {
	cobra.AddTemplateFunc("nameWithAliases", nameWithAliases)
	// Need to add the 'add' function for padding calculation
	cobra.AddTemplateFunc("add", func(a, b int) int { return a + b })
}

// newRootCmd builds the full command tree. Each call returns fresh flag
// state, so tests can run commands repeatedly.
func newRootCmd(v string) *cobra.Command {
	a := &app{version: v}

	root := &cobra.Command{
		Use:   "festdb",
		Short: "Tech-fest data layer: records, replication and health",
		Long: `festdb - the tech-fest data layer.

Reads and writes go to the primary store and fall back to the backup when the
primary is down. Every committed write is queued for replay on the backup.

Without --server, commands open the stores from the local config directly.`,
		Version:       v,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetUsageTemplate(usageTemplate)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default $FESTDB_CONFIG or ./festdb.yaml)")
	pf.StringVar(&a.server, "server", os.Getenv("FESTDB_SERVER"), "festdb server URL; local stores are used when empty")
	pf.StringVar(&a.token, "token", os.Getenv("FESTDB_ADMIN_TOKEN"), "admin bearer token for --server")
	pf.BoolVar(&a.jsonOut, "json", false, "output JSON")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log store and replication activity to stderr")

	root.AddGroup(
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "replication", Title: "Replication Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)
	root.SetHelpCommandGroupID("system")
	root.SetCompletionCommandGroupID("system")

	root.AddCommand(
		newRecordsCmd(a),
		newSchemaCmd(a),
		newExportCmd(a),
		newWatchCmd(a),
		newHealthCmd(a),
		newTasksCmd(a),
		newSyncCmd(a),
		newMonitorCmd(a),
		newConfigCmd(a),
		newVersionCmd(a),
	)
	return root
}
