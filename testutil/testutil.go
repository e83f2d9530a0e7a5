// Package testutil has helpers for setting up throwaway test databases
// and other shared test plumbing
package testutil

import (
	"fmt"
	"os"
	"path"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/voltmill/lnvault/async"
	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/db"
)

var log = build.AddSubLogger("TEST")

// SkipIfCI skips the given test if we're running on CI
func SkipIfCI(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("Skipping test on CI")
	}
}

func getEnvOrElse(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDatabasePort() int {
	port, err := strconv.Atoi(getEnvOrElse("DATABASE_PORT", "5432"))
	if err != nil {
		log.Fatalf("Could not parse DATABASE_PORT: %v", err)
	}
	return port
}

// migrationsPath resolves the absolute path of the migration files, so
// tests work regardless of which package directory they run from
func migrationsPath() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		log.Fatal("Could not locate testutil source file")
	}
	return path.Join("file://", path.Dir(path.Dir(file)), "db", "migrations")
}

// GetDatabaseConfig returns a DB config suitable for testing purposes. The
// given argument is added to the name of the database.
func GetDatabaseConfig(name string) db.DatabaseConfig {
	return db.DatabaseConfig{
		User:           getEnvOrElse("DATABASE_TEST_USER", "lnvault_test"),
		Password:       getEnvOrElse("DATABASE_TEST_PASSWORD", "password"),
		Host:           getEnvOrElse("DATABASE_HOST", "localhost"),
		Port:           getDatabasePort(),
		Name:           "lnvault_" + name,
		MigrationsPath: migrationsPath(),
	}
}

// CreateIfNotExists creates a new database from the given config if it
// does not exist
func CreateIfNotExists(conf db.DatabaseConfig) error {
	rootConfig := db.DatabaseConfig{
		User:     getEnvOrElse("DATABASE_ROOT_USER", "postgres"),
		Password: getEnvOrElse("DATABASE_ROOT_PASSWORD", "postgres"),
		Host:     conf.Host,
		Port:     conf.Port,
		Name:     "postgres",
	}

	database, err := db.Open(rootConfig)
	if err != nil {
		return errors.Wrap(err, "couldn't connect to root Postgres DB")
	}
	defer func() { _ = database.Close() }()

	rows, err := database.Query("SELECT datname FROM pg_database WHERE datname=$1",
		conf.Name)
	if err != nil {
		return errors.Wrap(err, "couldn't query pg_database")
	}
	defer func() { _ = rows.Close() }()

	if err = rows.Err(); err != nil {
		return errors.Wrap(err, "rows.Err()")
	}

	// database exists
	if rows.Next() {
		return nil
	}

	if _, err = database.Exec(fmt.Sprintf("CREATE DATABASE %s", conf.Name)); err != nil {
		return errors.Wrap(err, "cannot create database")
	}

	_, err = database.Exec(fmt.Sprintf(
		"GRANT ALL PRIVILEGES ON DATABASE %s TO %s", conf.Name, conf.User))
	return errors.Wrap(err, "cannot grant privileges to test user")
}

// InitDatabase initializes a clean DB for the given config such that tests
// can be run against it
func InitDatabase(config db.DatabaseConfig) *db.DB {
	// the postgres container may still be booting when the first test
	// package reaches for it
	err := async.Retry(5, time.Second, func() error {
		return CreateIfNotExists(config)
	})
	if err != nil {
		log.Fatalf("Could not create test DB: %v", err)
	}

	testDB, err := db.Open(config)
	if err != nil {
		log.Fatalf("Could not open test database: %+v", err)
	}

	if err = testDB.Teardown(); err != nil {
		log.Fatalf("Could not tear down test DB: %v", err)
	}
	if err = testDB.MigrateOrReset(); err != nil {
		log.Fatalf("Could not migrate test database: %v", err)
	}

	return testDB
}
