package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/techfest/festdb/internal/config"
	"github.com/techfest/festdb/internal/output"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Short:   "Create or inspect the config file",
		GroupID: "system",
	}
	cmd.AddCommand(newConfigInitCmd(a), newConfigShowCmd(a))
	return cmd
}

func newConfigInitCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with the defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultFile
			switch {
			case len(args) == 1:
				path = args[0]
			case a.configPath != "":
				path = a.configPath
			}
			if _, err := os.Stat(path); err == nil && !force {
				err := fmt.Errorf("%s already exists (use --force to overwrite)", path)
				return fail(err)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fail(err)
			}
			if err := config.Save(path, config.Default()); err != nil {
				return fail(fmt.Errorf("write config: %w", err))
			}
			output.Success("Wrote %s", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config as YAML, after defaults and FESTDB_* overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return fail(err)
			}
			if cfg.Server.AdminToken != "" {
				cfg.Server.AdminToken = "<redacted>"
			}
			if cfg.Webhook.Secret != "" {
				cfg.Webhook.Secret = "<redacted>"
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if cfg.Source != "" {
				fmt.Fprintln(w, output.Subtle("# from "+cfg.Source))
			} else {
				fmt.Fprintln(w, output.Subtle("# built-in defaults"))
			}
			_, err = w.Write(data)
			return err
		},
	}
}
