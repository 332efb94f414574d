// Package dbmigrate applies embedded SQL migrations with golang-migrate.
package dbmigrate

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
)

// Up migrates the database at dsn to the latest version using the SQL files
// under path inside fsys. A database already at the latest version is not an
// error.
func Up(dsn string, fsys fs.FS, path string) error {
	src, err := iofs.New(fsys, path)
	if err != nil {
		return fmt.Errorf("dbmigrate: load source: %w", err)
	}

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("dbmigrate: open database: %w", err)
	}

	driver, err := migratepgx.WithInstance(sqlDB, &migratepgx.Config{})
	if err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("dbmigrate: init driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("dbmigrate: init migrate: %w", err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		srcErr, dbErr := m.Close()
		return errors.Join(fmt.Errorf("dbmigrate: up: %w", err), srcErr, dbErr)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("database schema already up to date")
	} else {
		slog.Info("database schema migrated")
	}

	srcErr, dbErr := m.Close()
	return errors.Join(srcErr, dbErr)
}
