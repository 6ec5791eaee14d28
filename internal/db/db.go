// Package db opens the sqlite databases backing the local service, applies
// embedded golang-migrate migrations and exposes admin debug routes.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/crowdloop/internal/monitoring"
)

var logDB = monitoring.Tagged("db")

// DB wraps a sqlite handle with the label shown on the debug pages.
type DB struct {
	*sql.DB
	Path  string
	Label string
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
}

// Open opens (creating if needed) the database at path, applies pragmas and
// migrates it to the latest version found in migrations.
func Open(path, label string, migrations fs.FS) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// sqlite serialises writers; one connection avoids SQLITE_BUSY storms
	// between our own goroutines.
	sqlDB.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	db := &DB{DB: sqlDB, Path: path, Label: label}
	if migrations != nil {
		if err := db.MigrateUp(migrations); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}
	return db, nil
}

const (
	busyRetries = 5
	busyBackoff = 50 * time.Millisecond
)

// RetryOnBusy runs fn, retrying with linear backoff while sqlite reports the
// database as locked.
func RetryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		if err = fn(); err == nil || !IsBusy(err) {
			return err
		}
		if attempt < busyRetries {
			logDB("database busy, retrying (%d/%d)", attempt+1, busyRetries)
			time.Sleep(busyBackoff * time.Duration(attempt+1))
		}
	}
	return fmt.Errorf("database still busy after %d retries: %w", busyRetries, err)
}

// IsBusy reports whether err is a sqlite lock error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// IsConstraint reports whether err is a uniqueness or foreign key violation.
func IsConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// NotFound converts sql.ErrNoRows into ErrNotFound.
func NotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
