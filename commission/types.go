/*
Package commission implements the commission distribution scheduler.

PURPOSE:
  A lump-sum grant to a creator (a Record) is paid out in randomized daily
  installments (PayoutEntries) over N days. Each entry is credited to the
  creator's wallet exactly once by the Disbursement Processor.

KEY CONCEPTS IN THIS FILE (types.go):
  - Plan:        Admin-configured rule describing who qualifies for what
  - Record:      One concrete grant of a total amount over N days
  - PayoutEntry: One day's installment with its delivery status
  - Creator:     Read-only snapshot used for eligibility

ENTRY LIFECYCLE:
  pending ──claim──▶ processing ──credit ok──▶ completed
     ▲                   │
     │                   ├──transient error (under cap)──▶ pending
     │                   ├──stale claim sweep────────────▶ pending
     │                   └──rejected / cap reached───────▶ failed
     └──────────admin requeue────────────────────────────── failed

  Cancelling a record moves its remaining pending entries to failed with
  failure reason "cancelled". Processing and completed entries are left
  alone.

SEE ALSO:
  - schedule.go:    Schedule generation
  - eligibility.go: Plan eligibility
  - store.go:       Persistence contract
  - processor.go:   Disbursement worker
*/
package commission

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// PLAN - Admin-configured payout rule
// =============================================================================

type TriggerType string

const (
	TriggerManual            TriggerType = "manual"
	TriggerWorkflowThreshold TriggerType = "workflow_threshold"
)

type AmountType string

const (
	AmountFixed      AmountType = "fixed"
	AmountPercentage AmountType = "percentage"
)

type PlanStatus string

const (
	PlanActive   PlanStatus = "active"
	PlanInactive PlanStatus = "inactive"
)

// Plan describes eligibility and payout shape. AmountValue is configuration
// only: the issuer always supplies the concrete total at grant time.
type Plan struct {
	ID                generic.PlanID
	Name              string
	TriggerType       TriggerType
	AmountType        AmountType
	AmountValue       decimal.Decimal
	WorkflowThreshold *int // nil for plans without a tier
	AutoTrigger       bool
	Status            PlanStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SamePayoutTerms reports whether two versions of a plan pay out the same
// way. Only name and status may change once records reference a plan.
func (p Plan) SamePayoutTerms(other Plan) bool {
	if p.TriggerType != other.TriggerType ||
		p.AmountType != other.AmountType ||
		!p.AmountValue.Equal(other.AmountValue) ||
		p.AutoTrigger != other.AutoTrigger {
		return false
	}
	if (p.WorkflowThreshold == nil) != (other.WorkflowThreshold == nil) {
		return false
	}
	return p.WorkflowThreshold == nil || *p.WorkflowThreshold == *other.WorkflowThreshold
}

// =============================================================================
// RECORD - One grant event
// =============================================================================

type Record struct {
	ID           generic.RecordID
	UserID       generic.UserID
	TotalAmount  generic.Amount
	Days         int
	Reason       string
	SourcePlanID *generic.PlanID // nil for ad-hoc manual grants
	CreatedAt    time.Time
	CancelledAt  *time.Time
}

func (r Record) IsCancelled() bool { return r.CancelledAt != nil }

// =============================================================================
// PAYOUT ENTRY - One scheduled installment
// =============================================================================

type EntryStatus string

const (
	StatusPending    EntryStatus = "pending"
	StatusProcessing EntryStatus = "processing"
	StatusCompleted  EntryStatus = "completed"
	StatusFailed     EntryStatus = "failed"
)

// Failure reasons recorded on failed (or retried) entries.
const (
	FailureRejected  = "rejected"
	FailureExhausted = "attempts_exhausted"
	FailureTransient = "transient"
	FailureCancelled = "cancelled"
)

type PayoutEntry struct {
	ID            generic.EntryID
	RecordID      generic.RecordID
	UserID        generic.UserID
	DayNumber     int
	Amount        generic.Amount
	ScheduledDate generic.Date
	Status        EntryStatus
	TransactionID *generic.TransactionID // set on success
	ActualDate    *generic.Date          // set on success
	AttemptCount  int
	StaleCount    int
	FailureReason string
	LastError     string
	ClaimedAt     *time.Time
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// EntrySpec is one line of a generated schedule, before persistence.
type EntrySpec struct {
	DayNumber     int
	Amount        generic.Amount
	ScheduledDate generic.Date
}

// FailOptions controls how FailEntry treats a processing entry.
//
// IncrementAttempt=false is a terminal failure. IncrementAttempt=true bumps
// attempt_count and returns the entry to pending (not due before RetryAt)
// while the new count is below MaxAttempts; otherwise it fails terminally.
type FailOptions struct {
	IncrementAttempt bool
	MaxAttempts      int
	RetryAt          time.Time
	Reason           string
	Error            string
	Now              time.Time
}

// =============================================================================
// READ MODELS
// =============================================================================

// HistoryItem is a payout entry joined with its parent record.
type HistoryItem struct {
	Entry       PayoutEntry
	TotalAmount generic.Amount
	Reason      string
}

// HistoryPage is one page of a creator's earnings history.
type HistoryPage struct {
	Items    []HistoryItem
	Page     int
	PageSize int
	Total    int
}

// StatusCounts aggregates entries by status for admin dashboards.
type StatusCounts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int // subset of Failed
}

// =============================================================================
// CREATOR - External user snapshot
// =============================================================================

type Creator struct {
	ID            generic.UserID
	WorkflowCount int
}
