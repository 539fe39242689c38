package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"github.com/uptrace/bun/migrate"

	"github.com/okian/pbengine/internal/adapters/repository/postgres"
	"github.com/okian/pbengine/internal/config"
	"github.com/okian/pbengine/pkg/logger"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "postgres schema migrations",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "create migration tables",
				Action: withMigrator(func(c *cli.Context, _ *postgres.Store, m *migrate.Migrator) error {
					return m.Init(c.Context)
				}),
			},
			{
				Name:  "up",
				Usage: "apply pending migrations",
				Action: withMigrator(func(c *cli.Context, store *postgres.Store, _ *migrate.Migrator) error {
					group, err := store.Migrate(c.Context)
					if err != nil {
						return err
					}
					if group.IsZero() {
						fmt.Fprintln(c.App.Writer, "no new migrations to run")
					} else {
						fmt.Fprintf(c.App.Writer, "migrated to %s\n", group)
					}
					return nil
				}),
			},
			{
				Name:  "rollback",
				Usage: "roll back the last migration group",
				Action: withMigrator(func(c *cli.Context, _ *postgres.Store, m *migrate.Migrator) error {
					group, err := m.Rollback(c.Context)
					if err != nil {
						return err
					}
					if group.IsZero() {
						fmt.Fprintln(c.App.Writer, "no groups to roll back")
					} else {
						fmt.Fprintf(c.App.Writer, "rolled back %s\n", group)
					}
					return nil
				}),
			},
			{
				Name:  "status",
				Usage: "print migration status",
				Action: withMigrator(func(c *cli.Context, _ *postgres.Store, m *migrate.Migrator) error {
					ms, err := m.MigrationsWithStatus(c.Context)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "migrations: %s\n", ms)
					fmt.Fprintf(c.App.Writer, "applied: %s\n", ms.Applied())
					fmt.Fprintf(c.App.Writer, "unapplied: %s\n", ms.Unapplied())
					return nil
				}),
			},
		},
	}
}

type migratorAction func(c *cli.Context, store *postgres.Store, m *migrate.Migrator) error

// withMigrator opens the configured postgres store around action.
func withMigrator(action migratorAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if cfg.StoreDriver != config.DriverPostgres {
			return fmt.Errorf("%w: migrations need store_driver %q, got %q",
				config.ErrInvalidConfig, config.DriverPostgres, cfg.StoreDriver)
		}

		store, err := postgres.Open(c.Context, cfg.PostgresDSN, postgres.WithLogger(logger.Get().Named("postgres")))
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		return action(c, store, store.Migrator())
	}
}
