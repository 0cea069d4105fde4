// Package store provides durable conversation, message and event storage backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/martechdevs/livechat/pkg/logger"
)

var (
	// ErrNotFound is returned when a conversation or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an inbound external event was already stored.
	ErrDuplicate = errors.New("duplicate external event")
	// ErrModeConflict is returned when a conditional mode update finds an unexpected mode.
	ErrModeConflict = errors.New("conversation mode conflict")
	// ErrReplyConflict is returned when the high-water mark moved before a reply was committed.
	ErrReplyConflict = errors.New("high-water mark moved")
)

// timeLayout is used for every timestamp column.
const timeLayout = time.RFC3339Nano

// DB wraps a SQLite database connection with migration support.
type DB struct {
	sql *sql.DB
	log *logger.Logger
	now func() time.Time
}

// Open opens (or creates) a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database.
func Open(path string, log *logger.Logger) (*DB, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)"}
	if !memory {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	dsn := path + "?" + strings.Join(pragmas, "&")

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	if memory {
		// Every pooled connection would otherwise get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{
		sql: sqlDB,
		log: log.Named("store"),
		now: func() time.Time { return time.Now().UTC() },
	}

	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	db.log.Info("database opened", zap.String("path", path))
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.sql.Close()
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// migrate runs all pending migrations.
func (db *DB) migrate() error {
	if _, err := db.sql.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		db.log.Info("applying migration", zap.Int("version", m.Version), zap.String("name", m.Name))

		tx, err := db.sql.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
