package cli

import (
	"fmt"

	"liveconsult/internal/config"
	"liveconsult/internal/database"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := config.InitLogger(cfg); err != nil {
			return err
		}
		db, err := database.Open(cfg.Database, database.Options{LogLevel: logger.Info})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}()

		logrus.Info("Starting database migration...")
		if err := database.Migrate(db); err != nil {
			return err
		}
		logrus.Info("Database migration completed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
