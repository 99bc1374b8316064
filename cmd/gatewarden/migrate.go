// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/gatewarden/internal/config"
	"github.com/holomush/gatewarden/internal/storage/postgres"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Run all pending schema migrations against the PostgreSQL database.`,
		RunE:  runMigrate,
	}
	cmd.Flags().String("storage.database_url", "", "PostgreSQL URL")
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.Storage.DatabaseURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("storage.database_url is required")
	}

	cmd.Println("Running migrations...")
	migrator, err := postgres.NewMigrator(cfg.Storage.DatabaseURL)
	if err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "create migrator").Wrap(err)
	}
	defer func() {
		if closeErr := migrator.Close(); closeErr != nil {
			cmd.PrintErrln("warning: migrator close failed:", closeErr)
		}
	}()

	if err := migrator.Up(); err != nil {
		return oops.Code("MIGRATION_FAILED").With("operation", "run migrations").Wrap(err)
	}

	cmd.Println("Migrations completed successfully")
	return nil
}
