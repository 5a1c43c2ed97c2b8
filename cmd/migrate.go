package cmd

import (
	"fmt"
	"log/slog"

	"github.com/speakcapture/speakcapture/internal/store"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the recordings table",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := store.NewDB(cmd.Context(), cfg.Database, verboseLevel >= 1)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		if err := store.NewGormRecordingRepository(db).Migrate(cmd.Context()); err != nil {
			return err
		}
		slog.Info("Database migrated", "host", cfg.Database.Host, "database", cfg.Database.Name)
		fmt.Println("Migration completed")
		return nil
	},
}
