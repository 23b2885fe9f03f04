package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	envFile string
	memory  bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "gatesim",
		Short:        "eSIM order payment reconciliation and provisioning",
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	cmd.PersistentFlags().BoolVar(&opts.memory, "memory", false, "keep orders in memory instead of PostgreSQL (development only)")

	cmd.AddCommand(
		newServeCommand(opts),
		newSweepCommand(opts),
		newMigrateCommand(opts),
	)
	return cmd
}
