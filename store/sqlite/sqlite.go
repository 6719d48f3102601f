/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements commission.Store, commission.PlanStore, commission.CreatorDirectory
  and wallet.TransactionStore using SQLite. In production the same statements
  run on PostgreSQL with minor dialect differences.

INTERFACES IMPLEMENTED:
  commission.Store:            Records, payout entries, kill switch
  commission.PlanStore:        Commission plans
  commission.CreatorDirectory: Creator snapshots (workflow counts)
  wallet.TransactionStore:     Embedded wallet ledger (append-only)

KEY TABLES:
  commission_records:     One row per grant, never updated except cancelled_at
  payout_entries:         One row per installment, status machine
  commission_plans:       Plan definitions
  creators:               Creator snapshots for eligibility
  commission_user_status: Per-user disbursement kill switch
  wallet_transactions:    Immutable wallet credits, unique idempotency key

CONCURRENCY:
  Every status change is a single conditional UPDATE (WHERE status = ...).
  ClaimEntry relies on that and nothing else: two workers racing on the
  same entry see exactly one affected row between them. The connection
  pool is pinned to one connection, which SQLite needs for :memory:
  databases and which matches its single-writer model.

INDEXES:
  - idx_entries_due:        DueEntries scan (hot path)
  - idx_entries_claimed:    Stale claim sweep
  - idx_entries_user_date:  Earnings history
  - uq_entries_record_day:  day_number unique per record

USAGE:
  store, err := sqlite.New("./data/commissions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - commission/store.go: Interface definitions
  - store/memory:        In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/commission-engine/generic"
)

// Timestamps are stored in a fixed-width UTC layout so that string
// comparison in SQL orders them correctly.
const timeLayout = "2006-01-02 15:04:05.000000"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Commission plans
	CREATE TABLE IF NOT EXISTS commission_plans (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		amount_type TEXT NOT NULL,
		amount_value TEXT NOT NULL,
		workflow_threshold INTEGER,
		auto_trigger BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Commission records (one per grant)
	CREATE TABLE IF NOT EXISTS commission_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		total_units INTEGER NOT NULL CHECK (total_units > 0),
		unit TEXT NOT NULL,
		days INTEGER NOT NULL CHECK (days >= 1),
		reason TEXT NOT NULL DEFAULT '',
		source_plan_id TEXT REFERENCES commission_plans(id),
		created_at TEXT NOT NULL,
		cancelled_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_records_user
		ON commission_records(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_records_plan
		ON commission_records(source_plan_id) WHERE source_plan_id IS NOT NULL;

	-- Payout entries (one per scheduled day)
	CREATE TABLE IF NOT EXISTS payout_entries (
		id TEXT PRIMARY KEY,
		commission_record_id TEXT NOT NULL REFERENCES commission_records(id),
		user_id TEXT NOT NULL,
		day_number INTEGER NOT NULL CHECK (day_number >= 1),
		amount_units INTEGER NOT NULL CHECK (amount_units > 0),
		unit TEXT NOT NULL,
		scheduled_date TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
		transaction_id TEXT,
		actual_date TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		stale_count INTEGER NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		claimed_at TEXT,
		next_attempt_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_entries_record_day
		ON payout_entries(commission_record_id, day_number);
	CREATE INDEX IF NOT EXISTS idx_entries_due
		ON payout_entries(status, scheduled_date, next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_entries_claimed
		ON payout_entries(status, claimed_at);
	CREATE INDEX IF NOT EXISTS idx_entries_user_date
		ON payout_entries(user_id, scheduled_date DESC);

	-- Creators (snapshot of user-management data)
	CREATE TABLE IF NOT EXISTS creators (
		id TEXT PRIMARY KEY,
		workflow_count INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Per-user kill switch; a missing row means active
	CREATE TABLE IF NOT EXISTS commission_user_status (
		user_id TEXT PRIMARY KEY,
		is_active BOOLEAN NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Embedded wallet ledger (append-only)
	CREATE TABLE IF NOT EXISTS wallet_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount_units INTEGER NOT NULL,
		unit TEXT NOT NULL,
		reason TEXT,
		reference_id TEXT,
		idempotency_key TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_wallet_user
		ON wallet_transactions(user_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.ParseInLocation(timeLayout, s, time.UTC)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func parseNullDate(ns sql.NullString) *generic.Date {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	d, err := generic.ParseDate(ns.String)
	if err != nil {
		return nil
	}
	return &d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}
