package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"probooking/internal/domain"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

const defaultBusyTimeout = 5 * time.Second

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the statements shared by DB and Tx.
type queries struct {
	q querier
}

type DB struct {
	*sql.DB
	queries
	path   string
	logger *zerolog.Logger
}

// Tx is a write transaction handed to InTx callbacks.
type Tx struct {
	queries
}

var _ domain.Store = (*DB)(nil)
var _ domain.Queries = (*Tx)(nil)

// NewDB opens (creating if needed) the SQLite database at path.
// Every transaction starts with BEGIN IMMEDIATE so check-then-write sequences hold the write lock.
func NewDB(path string, busyTimeout time.Duration, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}

	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", dsn(path, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if inMemory {
		// each connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")

	return &DB{
		DB:      sqlDB,
		queries: queries{q: sqlDB},
		path:    path,
		logger:  logger,
	}, nil
}

func dsn(path string, busyTimeout time.Duration) string {
	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", fmt.Sprint(busyTimeout.Milliseconds()))
	params.Set("_foreign_keys", "on")
	if path != ":memory:" {
		params.Set("_journal_mode", "WAL")
	}
	return "file:" + path + "?" + params.Encode()
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// InTx runs fn inside one write transaction.
func (db *DB) InTx(ctx context.Context, fn func(q domain.Queries) error) error {
	return db.withTx(ctx, func(tx *Tx) error { return fn(tx) })
}

func (db *DB) withTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(&Tx{queries: queries{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS booking_settings (
            pro_id INTEGER PRIMARY KEY,
            weekly TEXT NOT NULL DEFAULT '{}',
            lesson_minutes INTEGER NOT NULL,
            buffer_minutes INTEGER NOT NULL DEFAULT 0,
            min_notice_minutes INTEGER NOT NULL DEFAULT 0,
            max_advance_days INTEGER NOT NULL DEFAULT 0,
            max_duration_minutes INTEGER NOT NULL DEFAULT 0,
            blackouts TEXT NOT NULL DEFAULT '[]',
            timezone TEXT NOT NULL DEFAULT 'UTC',
            active BOOLEAN NOT NULL DEFAULT 1,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS bookings (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            pro_id INTEGER NOT NULL,
            student_id INTEGER NOT NULL,
            start_time INTEGER NOT NULL,
            end_time INTEGER NOT NULL,
            amount INTEGER NOT NULL,
            paid_amount INTEGER NOT NULL DEFAULT 0,
            refunded_amount INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL,
            payment_status TEXT NOT NULL DEFAULT 'unpaid',
            hold_until INTEGER,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            completed_at DATETIME,
            version INTEGER NOT NULL DEFAULT 1
        )`,
		`CREATE TABLE IF NOT EXISTS disputes (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            booking_id INTEGER NOT NULL UNIQUE REFERENCES bookings(id),
            status TEXT NOT NULL,
            opened_by TEXT NOT NULL,
            opened_by_id INTEGER NOT NULL,
            opened_at DATETIME NOT NULL,
            respond_by DATETIME NOT NULL,
            escalated_at DATETIME,
            mediate_by DATETIME,
            resolution_notes TEXT NOT NULL DEFAULT '',
            resolved_at DATETIME,
            resolved_by TEXT NOT NULL DEFAULT '',
            prior_booking_status TEXT NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS dispute_logs (
            dispute_id INTEGER NOT NULL REFERENCES disputes(id),
            sequence INTEGER NOT NULL,
            actor_role TEXT NOT NULL,
            actor_id INTEGER NOT NULL,
            action TEXT NOT NULL,
            message TEXT NOT NULL,
            created_at DATETIME NOT NULL,
            PRIMARY KEY (dispute_id, sequence)
        )`,
		`CREATE TABLE IF NOT EXISTS refunds (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            booking_id INTEGER NOT NULL REFERENCES bookings(id),
            requested_amount INTEGER NOT NULL,
            reason TEXT NOT NULL DEFAULT '',
            requested_at DATETIME NOT NULL,
            requested_by TEXT NOT NULL,
            processed_amount INTEGER NOT NULL DEFAULT 0,
            processed_at DATETIME,
            processed_by INTEGER NOT NULL DEFAULT 0
        )`,
		`CREATE TABLE IF NOT EXISTS notification_outbox (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            event_id TEXT NOT NULL UNIQUE,
            event_type TEXT NOT NULL,
            booking_id INTEGER NOT NULL,
            payload TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at DATETIME NOT NULL,
            processed_at DATETIME,
            next_retry_at DATETIME
        )`,

		`CREATE INDEX IF NOT EXISTS idx_bookings_pro_window ON bookings(pro_id, start_time, end_time)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_student_id ON bookings(student_id)`,
		`CREATE INDEX IF NOT EXISTS idx_disputes_status ON disputes(status)`,
		`CREATE INDEX IF NOT EXISTS idx_refunds_booking_id ON refunds(booking_id)`,
		// at most one unprocessed refund per booking
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_refunds_active ON refunds(booking_id) WHERE processed_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON notification_outbox(status, next_retry_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func toUnix(t time.Time) int64 {
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
