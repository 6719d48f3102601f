/*
errors.go - Centralized error types for the commission engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Packages wrap these errors with additional context using %w.

ERROR CATEGORIES:
  1. Validation errors - Bad schedule input, never persisted
  2. Lookup errors     - Missing records, entries, plans
  3. State errors      - Illegal status transitions, plans in use

USAGE:
  if errors.Is(err, generic.ErrInsufficientAmountForDays) {
      // 422 with reason InsufficientAmountForDays
  }

SEE ALSO:
  - commission/schedule.go: Produces schedule validation errors
  - api/handlers.go: Maps errors to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidScheduleInput is returned when total is not positive or days
	// is outside the supported range.
	ErrInvalidScheduleInput = errors.New("invalid schedule input")

	// ErrInsufficientAmountForDays is returned when total is smaller than the
	// number of days, so some day would receive zero units.
	ErrInsufficientAmountForDays = errors.New("insufficient amount for days")

	// ErrRecordNotFound is returned when a commission record doesn't exist.
	ErrRecordNotFound = errors.New("commission record not found")

	// ErrEntryNotFound is returned when a payout entry doesn't exist.
	ErrEntryNotFound = errors.New("payout entry not found")

	// ErrPlanNotFound is returned when a referenced plan doesn't exist.
	ErrPlanNotFound = errors.New("commission plan not found")

	// ErrCreatorNotFound is returned when the creator directory has no entry.
	ErrCreatorNotFound = errors.New("creator not found")

	// ErrPlanInUse is returned when editing the payout terms of a plan that
	// records already reference.
	ErrPlanInUse = errors.New("commission plan referenced by records")

	// ErrInvalidTransition is returned when an entry is not in the status an
	// update requires (e.g. completing an entry that was never claimed).
	ErrInvalidTransition = errors.New("invalid payout entry transition")

	// ErrRecordCancelled is returned when acting on a cancelled record.
	ErrRecordCancelled = errors.New("commission record cancelled")

	// ErrInvalidPlan is returned when a plan definition is malformed.
	ErrInvalidPlan = errors.New("invalid commission plan")

	// ErrPlanExists is returned when creating a plan whose ID is taken.
	ErrPlanExists = errors.New("commission plan already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// Machine-readable reasons surfaced to API clients.
const (
	ReasonInvalidScheduleInput      = "InvalidScheduleInput"
	ReasonInsufficientAmountForDays = "InsufficientAmountForDays"
	ReasonInvalidPlan               = "InvalidPlan"
)

// ValidationError describes a rejected input. It wraps one of the sentinel
// errors above so callers can still use errors.Is.
type ValidationError struct {
	Reason  string
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Reason, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewScheduleError builds a ValidationError for schedule generation.
func NewScheduleError(sentinel error, field, format string, args ...any) *ValidationError {
	reason := ReasonInvalidScheduleInput
	if errors.Is(sentinel, ErrInsufficientAmountForDays) {
		reason = ReasonInsufficientAmountForDays
	}
	return &ValidationError{
		Reason:  reason,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
		Err:     sentinel,
	}
}

// TransitionError reports an entry that was not in the expected status.
type TransitionError struct {
	EntryID EntryID
	From    string // status the update required
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("entry %s: cannot move %s -> %s", e.EntryID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidScheduleInput) ||
		errors.Is(err, ErrInsufficientAmountForDays) ||
		errors.Is(err, ErrInvalidPlan)
}

// IsConflict returns true if the request is valid but clashes with state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrPlanInUse) ||
		errors.Is(err, ErrPlanExists) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrRecordCancelled)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrCreatorNotFound)
}
