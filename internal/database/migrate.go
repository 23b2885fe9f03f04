package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// MigrationStatus reports the schema version after a migration run.
type MigrationStatus struct {
	Version uint
	Dirty   bool
	Changed bool
}

// RunMigrations applies every pending up migration found in migrationsPath.
func RunMigrations(databaseURL, migrationsPath string) error {
	_, err := Migrate(databaseURL, migrationsPath)
	return err
}

// Migrate applies pending migrations and returns the resulting schema version.
func Migrate(databaseURL, migrationsPath string) (MigrationStatus, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"postgres",
		driver,
	)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("create migration instance: %w", err)
	}

	status := MigrationStatus{Changed: true}
	if err := migrator.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return MigrationStatus{}, fmt.Errorf("run migrations: %w", err)
		}
		status.Changed = false
	}

	version, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, fmt.Errorf("read migration version: %w", err)
	}
	status.Version = version
	status.Dirty = dirty

	return status, nil
}
