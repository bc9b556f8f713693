package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"LeverVault/internal/config"
	"LeverVault/internal/observability"
	"LeverVault/internal/persistence"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or roll back LeverVault schema migrations",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("postgres-dsn", "", "Postgres connection string (default from config)")
	root.PersistentFlags().String("migrations-dir", "migrations", "path to migrations directory")

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				return m.Up(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				return m.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List pending migrations",
			RunE: withMigrator(func(ctx context.Context, m *persistence.Migrator) error {
				pending, err := m.Pending(ctx)
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					fmt.Println("schema is up to date")
					return nil
				}
				for _, name := range pending {
					fmt.Println("pending:", name)
				}
				return nil
			}),
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func withMigrator(fn func(ctx context.Context, m *persistence.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfgFile, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		logger := observability.NewLoggerTo(os.Stderr, "migrate", observability.ParseLogLevel(cfg.LogLevel))

		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()

		return fn(cmd.Context(), persistence.NewMigrator(db, cfg.MigrationsDir, logger))
	}
}
