package main

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/iliyamo/course-file-server/internal/config"
	"github.com/iliyamo/course-file-server/internal/database"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all up migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, database.MigrateUp)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(m *migrate.Migrate) error {
			return database.MigrateDown(m, migrateSteps)
		})
	},
}

func withMigrator(cmd *cobra.Command, run func(*migrate.Migrate) error) error {
	cfg := config.Load()
	db, err := database.Open(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	m, err := database.NewMigrator(db)
	if err != nil {
		_ = db.Close()
		return err
	}
	defer func() {
		_, _ = m.Close()
	}()
	return run(m)
}

func init() {
	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 1, "number of migrations to roll back")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}
