/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Amounts are integers in the currency's minor unit (cents). Every amount
  also carries a *_display string rendered with the unit's exponent, so
  clients never do float arithmetic on money.

VALIDATION:
  Request shape (required fields, lengths) is checked with validator tags.
  Business limits on total_amount and days belong to the schedule
  generator, which reports them with InvalidScheduleInput and
  InsufficientAmountForDays.

SEE ALSO:
  - handlers.go:     Uses these types
  - factory/plan.go: PlanJSON type
*/
package api

import (
	"time"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// COMMISSION ISSUANCE
// =============================================================================

// IssueCommissionRequest is the body of POST /api/commissions.
type IssueCommissionRequest struct {
	UserID      string  `json:"user_id" validate:"required,max=128"`
	TotalAmount int64   `json:"total_amount"`
	Days        int     `json:"days"`
	Reason      string  `json:"reason,omitempty" validate:"max=500"`
	PlanID      *string `json:"plan_id,omitempty" validate:"omitempty,min=1,max=128"`
}

// ScheduleItemDTO is one day of a generated schedule.
type ScheduleItemDTO struct {
	Day           int    `json:"day"`
	Amount        int64  `json:"amount"`
	AmountDisplay string `json:"amount_display"`
	ScheduledDate string `json:"scheduled_date"`
}

// IssueCommissionResponse is returned for confirmation display.
type IssueCommissionResponse struct {
	CommissionRecordID string            `json:"commission_record_id"`
	UserID             string            `json:"user_id"`
	TotalAmount        int64             `json:"total_amount"`
	Days               int               `json:"days"`
	DailySchedule      []ScheduleItemDTO `json:"daily_schedule"`
}

// =============================================================================
// EARNINGS HISTORY
// =============================================================================

// EarningsItemDTO is one payout entry as a creator sees it.
type EarningsItemDTO struct {
	EntryID            string  `json:"entry_id"`
	CommissionRecordID string  `json:"commission_record_id"`
	DayNumber          int     `json:"day_number"`
	Amount             int64   `json:"amount"`
	AmountDisplay      string  `json:"amount_display"`
	TotalAmount        int64   `json:"total_amount"`
	Reason             string  `json:"reason"`
	ScheduledDate      string  `json:"scheduled_date"`
	ActualDate         *string `json:"actual_date"`
	Status             string  `json:"status"`
	TransactionID      *string `json:"transaction_id,omitempty"`
}

// EarningsHistoryResponse is a page of earnings.
type EarningsHistoryResponse struct {
	UserID   string            `json:"user_id"`
	Items    []EarningsItemDTO `json:"items"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
	Total    int               `json:"total"`
}

// =============================================================================
// PLANS AND ELIGIBILITY
// =============================================================================

// PlanDTO wraps the factory schema with timestamps.
type PlanDTO struct {
	factory.PlanJSON
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EligiblePlansResponse lists the plans a creator qualifies for.
type EligiblePlansResponse struct {
	Plans                []PlanDTO `json:"plans"`
	CreatorWorkflowCount int       `json:"creatorWorkflowCount"`
}

// UpsertCreatorRequest is the body of PUT /api/creators/{id}.
type UpsertCreatorRequest struct {
	WorkflowCount *int `json:"workflow_count" validate:"required,gte=0"`
}

// CreatorDTO represents a creator snapshot.
type CreatorDTO struct {
	ID            string `json:"id"`
	WorkflowCount int    `json:"workflow_count"`
}

// =============================================================================
// ADMIN
// =============================================================================

// UpdateCommissionStatusRequest is the kill-switch body.
type UpdateCommissionStatusRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

// CommissionStatusDTO is the kill-switch state of a user.
type CommissionStatusDTO struct {
	UserID   string `json:"user_id"`
	IsActive bool   `json:"is_active"`
}

// RecordDTO represents a commission record.
type RecordDTO struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"user_id"`
	TotalAmount        int64      `json:"total_amount"`
	TotalAmountDisplay string     `json:"total_amount_display"`
	Unit               string     `json:"unit"`
	Days               int        `json:"days"`
	Reason             string     `json:"reason"`
	PlanID             *string    `json:"plan_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
}

// EntryDTO is the full admin view of a payout entry.
type EntryDTO struct {
	ID            string     `json:"id"`
	RecordID      string     `json:"commission_record_id"`
	UserID        string     `json:"user_id"`
	DayNumber     int        `json:"day_number"`
	Amount        int64      `json:"amount"`
	ScheduledDate string     `json:"scheduled_date"`
	Status        string     `json:"status"`
	TransactionID *string    `json:"transaction_id,omitempty"`
	ActualDate    *string    `json:"actual_date,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	StaleCount    int        `json:"stale_count"`
	FailureReason string     `json:"failure_reason,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// RecordDetailsResponse is a record with its entries.
type RecordDetailsResponse struct {
	Record  RecordDTO  `json:"record"`
	Entries []EntryDTO `json:"entries"`
}

// CancelRecordResponse reports how many entries were cancelled.
type CancelRecordResponse struct {
	CommissionRecordID string `json:"commission_record_id"`
	CancelledEntries   int    `json:"cancelled_entries"`
}

// StatusSummaryDTO is the admin dashboard aggregate.
type StatusSummaryDTO struct {
	UserID     string `json:"user_id,omitempty"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Cancelled  int    `json:"cancelled"`

	LastRun *RunResponse `json:"last_run,omitempty"`
}

// RunResponse summarizes a manual disbursement run.
type RunResponse struct {
	Due        int       `json:"due"`
	Completed  int       `json:"completed"`
	Retried    int       `json:"retried"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Reclaimed  int       `json:"reclaimed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Field   string `json:"field,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toRunResponse(result RunResult) RunResponse {
	return RunResponse{
		Due:        result.Tick.Due,
		Completed:  result.Tick.Completed,
		Retried:    result.Tick.Retried,
		Failed:     result.Tick.Failed,
		Skipped:    result.Tick.Skipped,
		Reclaimed:  result.Reclaimed,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
	}
}

func toScheduleDTOs(entries []commission.PayoutEntry) []ScheduleItemDTO {
	dtos := make([]ScheduleItemDTO, len(entries))
	for i, e := range entries {
		dtos[i] = ScheduleItemDTO{
			Day:           e.DayNumber,
			Amount:        e.Amount.Units,
			AmountDisplay: e.Amount.String(),
			ScheduledDate: e.ScheduledDate.String(),
		}
	}
	return dtos
}

func toEarningsDTO(item commission.HistoryItem) EarningsItemDTO {
	e := item.Entry
	return EarningsItemDTO{
		EntryID:            string(e.ID),
		CommissionRecordID: string(e.RecordID),
		DayNumber:          e.DayNumber,
		Amount:             e.Amount.Units,
		AmountDisplay:      e.Amount.String(),
		TotalAmount:        item.TotalAmount.Units,
		Reason:             item.Reason,
		ScheduledDate:      e.ScheduledDate.String(),
		ActualDate:         dateString(e.ActualDate),
		Status:             string(e.Status),
		TransactionID:      txString(e.TransactionID),
	}
}

func toPlanDTO(f *factory.PlanFactory, p commission.Plan) PlanDTO {
	return PlanDTO{PlanJSON: f.ToJSON(p), CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt}
}

func toRecordDTO(r commission.Record) RecordDTO {
	dto := RecordDTO{
		ID:                 string(r.ID),
		UserID:             string(r.UserID),
		TotalAmount:        r.TotalAmount.Units,
		TotalAmountDisplay: r.TotalAmount.String(),
		Unit:               string(r.TotalAmount.Unit),
		Days:               r.Days,
		Reason:             r.Reason,
		CreatedAt:          r.CreatedAt,
		CancelledAt:        r.CancelledAt,
	}
	if r.SourcePlanID != nil {
		id := string(*r.SourcePlanID)
		dto.PlanID = &id
	}
	return dto
}

func toEntryDTO(e commission.PayoutEntry) EntryDTO {
	return EntryDTO{
		ID:            string(e.ID),
		RecordID:      string(e.RecordID),
		UserID:        string(e.UserID),
		DayNumber:     e.DayNumber,
		Amount:        e.Amount.Units,
		ScheduledDate: e.ScheduledDate.String(),
		Status:        string(e.Status),
		TransactionID: txString(e.TransactionID),
		ActualDate:    dateString(e.ActualDate),
		AttemptCount:  e.AttemptCount,
		StaleCount:    e.StaleCount,
		FailureReason: e.FailureReason,
		LastError:     e.LastError,
		NextAttemptAt: e.NextAttemptAt,
		ClaimedAt:     e.ClaimedAt,
		CompletedAt:   e.CompletedAt,
	}
}

func dateString(d *generic.Date) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func txString(id *generic.TransactionID) *string {
	if id == nil {
		return nil
	}
	s := string(*id)
	return &s
}
