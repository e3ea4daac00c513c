package main

import (
	"github.com/fatih/color"
	"github.com/nulzo/streamrelay/internal/store/sqlite"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		db, err := sqlite.Open(cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		version, err := sqlite.Migrate(db)
		if err != nil {
			return err
		}

		color.Green("Database is at schema version %d", version)
		return nil
	},
}
