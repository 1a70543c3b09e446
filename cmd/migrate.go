package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ms-checkin/internal/config"
	"ms-checkin/internal/database/migrations"
	"ms-checkin/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(true)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(false)
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(up bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Database.Driver != "postgres" {
		return errors.New("migrate: only DB_DRIVER=postgres uses migrations; sqlite builds its schema on open")
	}

	log := logger.NewLogger("migrate")
	defer log.Close()

	if up {
		return migrateUp(cfg, log)
	}

	runner := migrations.NewRunner(cfg.PostgresURL(), log)
	defer runner.Close()
	if err := runner.MigrateDown(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("MIGRATE", "migrate down: ok")
	return nil
}

func migrateUp(cfg *config.Config, log *logger.Logger) error {
	runner := migrations.NewRunner(cfg.PostgresURL(), log)
	defer runner.Close()
	if err := runner.MigrateUp(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("MIGRATE", "migrate up: ok")
	return nil
}
