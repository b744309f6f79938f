// Package dbmigrate applies the core's Postgres schema (snapshot blobs,
// incidents) through golang-migrate. Grounded on the teacher's
// system/platform/migrations (embed.FS of lexically-ordered *.sql files),
// generalized from a single Apply-in-order loop to golang-migrate's
// versioned up/down migrations so a failed partial apply can be rolled back.
package dbmigrate

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

// Apply runs every pending migration under sql/ against db. A no-op
// returns nil when the schema is already current.
func Apply(db *sql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("dbmigrate: postgres driver: %w", err)
	}

	source, err := iofs.New(migrationFiles, "sql")
	if err != nil {
		return fmt.Errorf("dbmigrate: source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("dbmigrate: instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("dbmigrate: up: %w", err)
	}
	return nil
}
