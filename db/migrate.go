package db

import (
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/iancoleman/strcase"
	"github.com/pkg/errors"

	// file:// migration sources
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

type migrationStatus struct {
	Dirty   bool
	Version uint
}

// MigrationStatus returns the migrations version number and dirtyness
func (d *DB) MigrationStatus() (migrationStatus, error) {
	m, err := d.migrator()
	if err != nil {
		return migrationStatus{}, err
	}

	version, dirty, err := m.Version()
	if err != nil {
		return migrationStatus{}, err
	}
	return migrationStatus{
		Dirty:   dirty,
		Version: version,
	}, nil
}

// MigrateUp migrates everything up
func (d *DB) MigrateUp() error {
	log.WithField("migrationsPath", d.MigrationsPath).Info("Migrating up")
	m, err := d.migrator()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			log.Info("No migrations applied")
			return nil
		}
		return fmt.Errorf("could not migrate up: %w", err)
	}

	log.Info("Succesfully migrated up")
	return nil
}

// MigrateDown migrates down the given number of steps
func (d *DB) MigrateDown(steps int) error {
	m, err := d.migrator()
	if err != nil {
		return err
	}

	return m.Steps(-steps)
}

func (d *DB) migrator() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(d.DB.DB, &postgres.Config{})
	if err != nil {
		log.WithError(err).Error("Could not get Postgres instance")
		return nil, err
	}
	m, err := migrate.NewWithDatabaseInstance(
		d.MigrationsPath,
		"postgres",
		driver,
	)
	if err != nil {
		log.WithError(err).Error("Could not get migration instance")
		return nil, err
	}
	return m, nil
}

// CreateMigration creates a new pair of empty migration files with a
// correctly timestamped name
func (d *DB) CreateMigration(migrationText string) error {
	migrationTime := time.Now().UTC().Format("20060102150405")

	parts := strings.SplitN(d.MigrationsPath, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("couldn't extract directory from migrations path: %s", d.MigrationsPath)
	}
	migrationsDir := strings.TrimPrefix(parts[1], "//")

	name := strcase.ToSnake(migrationText)
	for _, suffix := range []string{".up.pgsql", ".down.pgsql"} {
		fileName := path.Join(migrationsDir, migrationTime+"_"+name+suffix)
		if _, err := os.Create(fileName); err != nil {
			return errors.Wrap(err, "could not create new migration file")
		}
	}
	return nil
}
