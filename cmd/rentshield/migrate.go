package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"rentshield/api/internal/store"
)

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd.Context(), func(ctx context.Context, db *sql.DB) error {
					applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
					if err != nil {
						return err
					}
					if len(applied) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
					}
					for _, version := range applied {
						fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", version)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Revert the most recent migration",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd.Context(), func(ctx context.Context, db *sql.DB) error {
					version, err := store.RollbackMigration(ctx, db, cfg.MigrationsDir)
					if err != nil {
						return err
					}
					if version == "" {
						fmt.Fprintln(cmd.OutOrStdout(), "nothing to revert")
						return nil
					}
					fmt.Fprintf(cmd.OutOrStdout(), "reverted %s\n", version)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDB(cmd.Context(), func(ctx context.Context, db *sql.DB) error {
					states, err := store.MigrationStatus(ctx, db, cfg.MigrationsDir)
					if err != nil {
						return err
					}
					for _, state := range states {
						mark := "pending"
						if state.Applied {
							mark = "applied"
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", mark, state.Version)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	commonRun()
	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	return fn(ctx, db)
}
