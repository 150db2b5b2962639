// Package database provides database setup, models, and data access layer (Store).
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/yupoline/yupoline/migrations"

	_ "github.com/jackc/pgx/v5/stdlib" //revive:disable:blank-imports
	_ "modernc.org/sqlite"             //revive:disable:blank-imports
)

// Supported values for the database driver setting.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options configures the connection pool opened by NewDB.
type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewDB initializes, applies migrations, and returns a new database connection pool.
func NewDB(opts Options) (*sqlx.DB, error) {
	var (
		db  *sqlx.DB
		err error
	)

	switch opts.Driver {
	case DriverSQLite, "":
		db, err = sqlx.Connect("sqlite", sqliteDSN(opts.DSN))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		// SQLite doesn't support concurrent writes, so max open conns = 1
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	case DriverPostgres:
		db, err = sqlx.Connect("pgx", opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxIdleConns)
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}

	if err := ApplyMigrations(db.DB, opts.Driver); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("Error closing database after migration failure", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	slog.Info("Database connected and migrations applied successfully", "driver", db.DriverName())
	return db, nil
}

// CloseDB closes the database connection pool.
func CloseDB(db *sqlx.DB) {
	if db == nil {
		return
	}
	if err := db.Close(); err != nil {
		slog.Error("Error closing database connection", "error", err)
	} else {
		slog.Info("Database connection closed successfully.")
	}
}

// ApplyMigrations runs the embedded migrations for the given driver.
func ApplyMigrations(db *sql.DB, driver string) error {
	if db == nil {
		return errors.New("database connection is nil, cannot apply migrations")
	}

	var (
		dir      string
		dbDriver database.Driver
		err      error
	)
	switch driver {
	case DriverSQLite, "":
		dir = "sqlite"
		dbDriver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case DriverPostgres:
		dir = "postgres"
		dbDriver, err = migratepgx.WithInstance(db, &migratepgx.Config{})
	default:
		return fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s migration driver: %w", dir, err)
	}

	slog.Info("Applying database migrations...", "dialect", dir)

	sourceDriver, err := iofs.New(migrations.FS, dir)
	if err != nil {
		return fmt.Errorf("failed to create embed source driver instance: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, dir, dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := migrator.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("No database migrations to apply.")
			return nil
		}
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	slog.Info("Database migrations applied successfully.")
	return nil
}

// sqliteDSN makes modernc store timestamps in a lexically sortable layout,
// which the due-broadcast and history queries compare against.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "storage.db"
	}
	if strings.Contains(dsn, "_time_format=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return dsn + sep + "_time_format=sqlite"
}
