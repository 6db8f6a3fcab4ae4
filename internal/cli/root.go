// Package cli implements shimctl, the operator tool for running triggers
// by hand, managing secrets and minting tokens.
package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/eventshim/internal/config"
	"github.com/suPer8Hu/eventshim/internal/logging"
)

type rootOptions struct {
	cfgFile  string
	logLevel string

	log *logging.Logger
	cfg config.Config
}

func newRootCmd(out io.Writer) *cobra.Command {
	o := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "shimctl",
		Short: "Operate the event shim",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if o.cfgFile != "" {
				if err := os.Setenv("CONFIG_FILE", o.cfgFile); err != nil {
					return err
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if o.logLevel != "" {
				cfg.LogLevel = o.logLevel
			}
			o.cfg = cfg
			o.log = logging.NewConsole(cfg.LogLevel)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)

	cmd.PersistentFlags().StringVar(&o.cfgFile, "config", "", "config file (overrides CONFIG_FILE)")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newMigrateCmd(o))
	cmd.AddCommand(newRunCmd(o))
	cmd.AddCommand(newEnqueueCmd(o))
	cmd.AddCommand(newSecretCmd(o))
	cmd.AddCommand(newTokenCmd(o))
	return cmd
}

// Execute runs the root command.
func Execute() error {
	cmd := newRootCmd(os.Stdout)
	err := cmd.Execute()
	if err != nil {
		cmd.PrintErrln("Error:", err)
	}
	return err
}
