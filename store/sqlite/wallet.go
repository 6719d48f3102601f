package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/wallet"
)

// =============================================================================
// WALLET TRANSACTIONS (wallet.TransactionStore interface)
// =============================================================================
//
// Append-only: no UPDATE or DELETE statements touch wallet_transactions.

// AppendWalletTx writes one credit. A repeated idempotency key is rejected.
func (s *Store) AppendWalletTx(ctx context.Context, tx wallet.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_transactions
		(id, user_id, amount_units, unit, reason, reference_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.Amount.Units, tx.Amount.Unit,
		nullString(tx.Reason), nullString(tx.ReferenceID), tx.IdempotencyKey,
		formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return wallet.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append wallet transaction: %w", err)
	}
	return nil
}

// WalletTxByKey returns the transaction for an idempotency key, or nil.
func (s *Store) WalletTxByKey(ctx context.Context, key string) (*wallet.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, amount_units, unit, reason, reference_id, idempotency_key, created_at
		FROM wallet_transactions WHERE idempotency_key = ?`, key)
	tx, err := scanWalletTx(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// WalletTxsForUser returns a user's credits in creation order.
func (s *Store) WalletTxsForUser(ctx context.Context, userID generic.UserID) ([]wallet.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount_units, unit, reason, reference_id, idempotency_key, created_at
		FROM wallet_transactions WHERE user_id = ?
		ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet transactions: %w", err)
	}
	defer rows.Close()

	var txs []wallet.Transaction
	for rows.Next() {
		tx, err := scanWalletTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanWalletTx(row scanner) (wallet.Transaction, error) {
	var (
		tx          wallet.Transaction
		units       int64
		unit        string
		reason      sql.NullString
		referenceID sql.NullString
		createdAt   string
	)
	err := row.Scan(&tx.ID, &tx.UserID, &units, &unit, &reason, &referenceID, &tx.IdempotencyKey, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return tx, err
		}
		return tx, fmt.Errorf("failed to scan wallet transaction: %w", err)
	}
	tx.Amount = generic.NewAmount(units, generic.Unit(unit))
	tx.Reason = reason.String
	tx.ReferenceID = referenceID.String
	tx.CreatedAt = parseTime(createdAt)
	return tx, nil
}
