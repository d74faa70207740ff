package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // Required by the library implementation.
)

// dsnOptions apply to paths that carry no query string of their own.
const dsnOptions = "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

// Database is the local cache of topic feeds.
type Database struct {
	db  *sql.DB
	log *slog.Logger
}

//go:embed migrations/*.sql
var migrationsFS embed.FS

// New opens the snapshot cache at dbPath and brings its schema up to date.
func New(ctx context.Context, dbPath string, log *slog.Logger) (*Database, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open cache (path = %s): %w", dbPath, err)
	}

	if err = db.PingContext(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("ping cache (path = %s): %w", dbPath, err), db.Close())
	}

	d := &Database{db: db, log: log.With("cachePath", dbPath)}

	if err = d.migrateSnapshots(ctx); err != nil {
		return nil, errors.Join(err, db.Close())
	}

	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) migrateSnapshots(ctx context.Context) error {
	driver, err := sqlite3.WithInstance(d.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migrate driver: %w", err)
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load snapshot migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := m.Up()
	applied := upErr == nil
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("migrate snapshot schema: %w", upErr)
	}

	version, dirty, err := m.Version()
	if err != nil {
		d.log.WarnContext(ctx, "Failed to read snapshot schema version",
			"error", err)

		return nil
	}
	if dirty {
		return fmt.Errorf("snapshot schema version %d is dirty", version)
	}

	d.log.InfoContext(ctx, "Snapshot schema is ready",
		"schemaVersion", version,
		"migrated", applied)

	return nil
}

func dsn(dbPath string) string {
	if strings.Contains(dbPath, "?") {
		return dbPath
	}

	return dbPath + "?" + dsnOptions
}
