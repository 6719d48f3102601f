package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// LOCAL LEDGER - Embedded append-only wallet
// =============================================================================
//
// INVARIANTS:
//   - Append-only: No Update, No Delete. Balance is the sum of credits.
//   - Idempotent: One transaction per idempotency key, enforced by the store.
//
// Used when no external wallet service is configured, and by tests.

// ErrDuplicateIdempotencyKey is returned by a TransactionStore when the key
// has already been written.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// Transaction is one immutable wallet credit.
type Transaction struct {
	ID             generic.TransactionID
	UserID         generic.UserID
	Amount         generic.Amount
	Reason         string
	ReferenceID    string
	IdempotencyKey string
	CreatedAt      time.Time
}

// TransactionStore persists wallet transactions. Append must reject a
// second write with the same idempotency key atomically.
type TransactionStore interface {
	AppendWalletTx(ctx context.Context, tx Transaction) error
	WalletTxByKey(ctx context.Context, key string) (*Transaction, error)
	WalletTxsForUser(ctx context.Context, userID generic.UserID) ([]Transaction, error)
}

type LocalLedger struct {
	Store TransactionStore
	Clock generic.Clock

	mu     sync.RWMutex
	frozen map[generic.UserID]string
}

func NewLocalLedger(store TransactionStore) *LocalLedger {
	return &LocalLedger{
		Store:  store,
		Clock:  generic.SystemClock{},
		frozen: make(map[generic.UserID]string),
	}
}

// Freeze makes every future credit for the user fail with RejectedError.
func (l *LocalLedger) Freeze(userID generic.UserID, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen[userID] = reason
}

func (l *LocalLedger) Unfreeze(userID generic.UserID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.frozen, userID)
}

func (l *LocalLedger) Credit(ctx context.Context, req CreditRequest) (Receipt, error) {
	if req.IdempotencyKey == "" {
		return Receipt{}, &RejectedError{Code: "missing_idempotency_key", Message: "idempotency key is required"}
	}
	if !req.Amount.IsPositive() {
		return Receipt{}, &RejectedError{Code: "invalid_amount", Message: fmt.Sprintf("amount must be positive, got %d", req.Amount.Units)}
	}

	if existing, err := l.Store.WalletTxByKey(ctx, req.IdempotencyKey); err != nil {
		return Receipt{}, err
	} else if existing != nil {
		return Receipt{TransactionID: existing.ID, CreditedAt: existing.CreatedAt, Replayed: true}, nil
	}

	l.mu.RLock()
	reason, frozen := l.frozen[req.UserID]
	l.mu.RUnlock()
	if frozen {
		return Receipt{}, &RejectedError{Code: "account_frozen", Message: reason}
	}

	tx := Transaction{
		ID:             generic.TransactionID("wtx-" + uuid.NewString()),
		UserID:         req.UserID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      l.Clock.Now(),
	}
	err := l.Store.AppendWalletTx(ctx, tx)
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Lost a race with a concurrent credit for the same key.
		existing, lookupErr := l.Store.WalletTxByKey(ctx, req.IdempotencyKey)
		if lookupErr != nil || existing == nil {
			return Receipt{}, fmt.Errorf("resolve duplicate credit %s: %w", req.IdempotencyKey, err)
		}
		return Receipt{TransactionID: existing.ID, CreditedAt: existing.CreatedAt, Replayed: true}, nil
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("append wallet transaction: %w", err)
	}
	return Receipt{TransactionID: tx.ID, CreditedAt: tx.CreatedAt}, nil
}

// Balance sums every credit for the user.
func (l *LocalLedger) Balance(ctx context.Context, userID generic.UserID, unit generic.Unit) (generic.Amount, error) {
	txs, err := l.Store.WalletTxsForUser(ctx, userID)
	if err != nil {
		return generic.Amount{}, err
	}
	balance := generic.NewAmount(0, unit)
	for _, tx := range txs {
		balance = balance.Add(tx.Amount)
	}
	return balance, nil
}

// Transactions returns the user's credits in creation order.
func (l *LocalLedger) Transactions(ctx context.Context, userID generic.UserID) ([]Transaction, error) {
	return l.Store.WalletTxsForUser(ctx, userID)
}
