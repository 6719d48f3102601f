/*
store.go - Persistence contract for commission records and payout entries

PURPOSE:
  Defines the interface between the scheduler and the database. Records are
  written once with all their entries; afterwards only entry status moves.

CONCURRENCY:
  ClaimEntry is the single point of mutual exclusion. Implementations must
  make it an atomic conditional update (UPDATE ... WHERE status='pending')
  so that two workers can never both own an entry. No in-process lock in
  the caller is assumed.

IMPLEMENTATIONS:
  - store/sqlite: Durable SQLite store
  - store/memory: In-memory store for tests and demos

SEE ALSO:
  - processor.go: The only writer of entry status
  - service.go:   Record creation
*/
package commission

import (
	"context"
	"time"

	"github.com/warp/commission-engine/generic"
)

// Store persists records and drives entry state transitions.
type Store interface {
	// InsertRecord persists a record and all of its entries atomically.
	InsertRecord(ctx context.Context, rec Record, entries []PayoutEntry) error

	// GetRecord returns ErrRecordNotFound when missing.
	GetRecord(ctx context.Context, id generic.RecordID) (Record, error)

	// EntriesForRecord returns a record's entries ordered by day number.
	EntriesForRecord(ctx context.Context, id generic.RecordID) ([]PayoutEntry, error)

	// ListRecords returns records newest first. Empty userID lists all.
	ListRecords(ctx context.Context, userID generic.UserID, limit int) ([]Record, error)

	// DueEntries returns pending entries with scheduled_date <= asOf whose
	// retry gate has passed (next_attempt_at <= now), skipping deactivated
	// users and cancelled records. Ordered by scheduled_date ascending.
	DueEntries(ctx context.Context, asOf generic.Date, now time.Time, limit int) ([]PayoutEntry, error)

	// ClaimEntry atomically moves pending -> processing. ok is false when
	// the entry was not pending (another worker already claimed it).
	ClaimEntry(ctx context.Context, id generic.EntryID, now time.Time) (PayoutEntry, bool, error)

	// CompleteEntry moves processing -> completed.
	CompleteEntry(ctx context.Context, id generic.EntryID, txID generic.TransactionID, actual generic.Date, now time.Time) (PayoutEntry, error)

	// FailEntry moves processing -> failed, or back to pending for retry.
	FailEntry(ctx context.Context, id generic.EntryID, opts FailOptions) (PayoutEntry, error)

	// ReclaimStale returns entries claimed at or before cutoff to pending
	// and increments their stale count.
	ReclaimStale(ctx context.Context, cutoff, now time.Time) ([]PayoutEntry, error)

	// CancelRecord marks the record cancelled and fails its pending entries
	// with reason "cancelled". Returns how many entries were cancelled.
	CancelRecord(ctx context.Context, id generic.RecordID, now time.Time) (int, error)

	// RequeueEntry moves a failed, non-cancelled entry back to pending with
	// a fresh attempt budget.
	RequeueEntry(ctx context.Context, id generic.EntryID, now time.Time) (PayoutEntry, error)

	// HistoryForUser pages through a user's entries, newest first.
	HistoryForUser(ctx context.Context, userID generic.UserID, page, pageSize int) (HistoryPage, error)

	// StatusCounts aggregates entries by status. Empty userID counts all.
	StatusCounts(ctx context.Context, userID generic.UserID) (StatusCounts, error)

	// SetUserActive toggles the per-user disbursement kill switch.
	SetUserActive(ctx context.Context, userID generic.UserID, active bool, now time.Time) error

	// IsUserActive reports the kill switch state; unknown users are active.
	IsUserActive(ctx context.Context, userID generic.UserID) (bool, error)
}

// PlanStore persists commission plans.
type PlanStore interface {
	SavePlan(ctx context.Context, p Plan) error
	GetPlan(ctx context.Context, id generic.PlanID) (Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)

	// PlanInUse reports whether any record references the plan.
	PlanInUse(ctx context.Context, id generic.PlanID) (bool, error)
}

// CreatorDirectory supplies read-only creator snapshots. It is owned by the
// user-management side of the platform.
type CreatorDirectory interface {
	GetCreator(ctx context.Context, id generic.UserID) (Creator, error)
}
