// Package migrations holds the Postgres schema migrations.
package migrations

import "github.com/uptrace/bun/migrate"

// Migrations is the registered migration set.
var Migrations = migrate.NewMigrations()

func init() {
	// Derive each migration's ID from the registering file name.
	if err := Migrations.DiscoverCaller(); err != nil {
		panic(err)
	}
}
