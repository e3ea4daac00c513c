package sqlite

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nulzo/streamrelay/internal/store"
)

//go:embed migrations/*.sql
var fs embed.FS

// NewSQLiteStorage opens dsn and brings the schema up to date.
func NewSQLiteStorage(dsn string) (store.Repository, error) {
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}

	if _, err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return NewSqliteRepository(db), nil
}

// Open connects without migrating.
func Open(dsn string) (*sqlx.DB, error) {
	// e.g. "file:streamrelay.db?cache=shared&_journal_mode=WAL&_busy_timeout=5000"
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	// sqlite serialises writers; one connection also keeps :memory: alive
	db.SetMaxOpenConns(1)
	return db, nil
}

// Migrate applies pending migrations and returns the resulting version.
func Migrate(db *sqlx.DB) (uint, error) {
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return 0, err
	}

	d, err := iofs.New(fs, "migrations")
	if err != nil {
		return 0, err
	}

	m, err := migrate.NewWithInstance("iofs", d, "sqlite3", driver)
	if err != nil {
		return 0, err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, err
	}

	version, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, err
	}
	return version, nil
}
