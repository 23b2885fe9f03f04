package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oidovnamnan/gatesim/internal/database"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if root.memory {
				return errors.New("migrate needs PostgreSQL, drop --memory")
			}
			cfg, logger, err := loadConfig(root)
			if err != nil {
				return err
			}

			status, err := database.Migrate(cfg.Database.URL, cfg.Database.MigrationsPath)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "version", status.Version, "dirty", status.Dirty, "changed", status.Changed)
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (changed: %t)\n", status.Version, status.Changed)
			return nil
		},
	}
}
