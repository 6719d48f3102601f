package wallet

import (
	"context"
	"sync"

	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory TransactionStore (for testing/dev)
// =============================================================================

type MemoryStore struct {
	mu          sync.RWMutex
	byUser      map[generic.UserID][]Transaction
	idempotency map[string]Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byUser:      make(map[generic.UserID][]Transaction),
		idempotency: make(map[string]Transaction),
	}
}

func (m *MemoryStore) AppendWalletTx(_ context.Context, tx Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.idempotency[tx.IdempotencyKey]; ok {
		return ErrDuplicateIdempotencyKey
	}
	m.idempotency[tx.IdempotencyKey] = tx
	m.byUser[tx.UserID] = append(m.byUser[tx.UserID], tx)
	return nil
}

func (m *MemoryStore) WalletTxByKey(_ context.Context, key string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.idempotency[key]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

func (m *MemoryStore) WalletTxsForUser(_ context.Context, userID generic.UserID) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Transaction, len(m.byUser[userID]))
	copy(result, m.byUser[userID])
	return result, nil
}
