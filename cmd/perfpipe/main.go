// Command perfpipe turns a user story into validated load-test scripts.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/perf-pipeline/config"
	"github.com/songzhibin97/perf-pipeline/logging"
)

// cli carries what every subcommand needs after the root pre-run.
type cli struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "perfpipe",
		Short:         "Automated performance-test pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			c.cfg, c.logger = cfg, logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to config file (default perfpipe.yaml in . or ./config)")

	root.AddCommand(
		newServeCommand(c),
		newRunCommand(c),
		newCheckCommand(c),
	)
	return root
}

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		root.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
