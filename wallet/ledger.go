/*
Package wallet is the boundary to the wallet/ledger system of record.

PURPOSE:
  The Disbursement Processor never touches balances directly. It asks the
  wallet ledger to credit a creator, passing an idempotency key. The ledger
  guarantees that the same key never credits twice, so a retried call after
  a timeout or crash is always safe.

ERROR CONTRACT:
  *RejectedError: The ledger refused the credit (account frozen, unknown
                  user). Terminal: the processor does not retry.
  anything else:  Transient (timeout, 5xx, connection reset). Retried with
                  backoff up to the attempt cap.

IMPLEMENTATIONS:
  - HTTPLedger:  JSON-over-HTTP client for the platform wallet service
  - LocalLedger: Embedded append-only ledger (dev mode and tests)

SEE ALSO:
  - commission/processor.go: The caller
*/
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/commission-engine/generic"
)

// Ledger credits creator wallets idempotently.
type Ledger interface {
	// Credit adds amount to the user's wallet. Calling Credit again with the
	// same IdempotencyKey returns the original receipt without crediting.
	Credit(ctx context.Context, req CreditRequest) (Receipt, error)
}

type CreditRequest struct {
	IdempotencyKey string
	UserID         generic.UserID
	Amount         generic.Amount
	Reason         string
	ReferenceID    string // commission record ID
}

type Receipt struct {
	TransactionID generic.TransactionID
	CreditedAt    time.Time
	Replayed      bool // true when the key had already been applied
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrRejected is the sentinel behind every RejectedError.
var ErrRejected = errors.New("credit rejected")

// RejectedError is an explicit, non-retryable refusal from the ledger.
type RejectedError struct {
	Code    string // e.g. "account_frozen"
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("credit rejected (%s): %s", e.Code, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// IsRejected reports whether err is a terminal ledger refusal.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
