package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// COMMISSION RECORDS (commission.Store interface)
// =============================================================================

const entryColumns = `
	e.id, e.commission_record_id, e.user_id, e.day_number, e.amount_units, e.unit,
	e.scheduled_date, e.status, e.transaction_id, e.actual_date, e.attempt_count,
	e.stale_count, e.failure_reason, e.last_error, e.claimed_at, e.next_attempt_at,
	e.created_at, e.updated_at, e.completed_at`

const recordColumns = `
	r.id, r.user_id, r.total_units, r.unit, r.days, r.reason, r.source_plan_id,
	r.created_at, r.cancelled_at`

// InsertRecord persists a record and all of its entries in one transaction.
func (s *Store) InsertRecord(ctx context.Context, rec commission.Record, entries []commission.PayoutEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var planID sql.NullString
		if rec.SourcePlanID != nil {
			planID = nullString(string(*rec.SourcePlanID))
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO commission_records
			(id, user_id, total_units, unit, days, reason, source_plan_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.UserID, rec.TotalAmount.Units, rec.TotalAmount.Unit, rec.Days,
			rec.Reason, planID, formatTime(rec.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO payout_entries
			(id, commission_record_id, user_id, day_number, amount_units, unit, scheduled_date,
			 status, attempt_count, next_attempt_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare entry insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range entries {
			_, err := stmt.ExecContext(ctx,
				e.ID, rec.ID, rec.UserID, e.DayNumber, e.Amount.Units, e.Amount.Unit,
				e.ScheduledDate.String(), commission.StatusPending,
				formatTime(e.NextAttemptAt), formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
			)
			if err != nil {
				return fmt.Errorf("failed to insert entry day %d: %w", e.DayNumber, err)
			}
		}
		return nil
	})
}

// GetRecord retrieves a record by ID.
func (s *Store) GetRecord(ctx context.Context, id generic.RecordID) (commission.Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM commission_records r WHERE r.id = ?", id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return commission.Record{}, fmt.Errorf("record %s: %w", id, generic.ErrRecordNotFound)
	}
	return rec, err
}

// ListRecords returns records newest first.
func (s *Store) ListRecords(ctx context.Context, userID generic.UserID, limit int) ([]commission.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT " + recordColumns + " FROM commission_records r"
	args := []any{}
	if userID != "" {
		query += " WHERE r.user_id = ?"
		args = append(args, userID)
	}
	query += " ORDER BY r.created_at DESC, r.id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []commission.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// EntriesForRecord returns a record's entries ordered by day number.
func (s *Store) EntriesForRecord(ctx context.Context, id generic.RecordID) ([]commission.PayoutEntry, error) {
	return s.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM payout_entries e WHERE e.commission_record_id = ? ORDER BY e.day_number",
		id)
}

// GetEntry retrieves a single entry.
func (s *Store) GetEntry(ctx context.Context, id generic.EntryID) (commission.PayoutEntry, error) {
	return s.getEntry(ctx, s.db, id)
}

// =============================================================================
// DISBURSEMENT STATE MACHINE
// =============================================================================

// DueEntries returns pending entries ready for processing.
func (s *Store) DueEntries(ctx context.Context, asOf generic.Date, now time.Time, limit int) ([]commission.PayoutEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM payout_entries e
		JOIN commission_records r ON r.id = e.commission_record_id
		LEFT JOIN commission_user_status u ON u.user_id = e.user_id
		WHERE e.status = 'pending'
		  AND e.scheduled_date <= ?
		  AND e.next_attempt_at <= ?
		  AND r.cancelled_at IS NULL
		  AND COALESCE(u.is_active, 1) = 1
		ORDER BY e.scheduled_date ASC, e.day_number ASC, e.id ASC
		LIMIT ?
	`
	return s.queryEntries(ctx, query, asOf.String(), formatTime(now), limit)
}

// ClaimEntry atomically moves an entry from pending to processing.
func (s *Store) ClaimEntry(ctx context.Context, id generic.EntryID, now time.Time) (commission.PayoutEntry, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payout_entries
		SET status = 'processing', claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		formatTime(now), formatTime(now), id,
	)
	if err != nil {
		return commission.PayoutEntry{}, false, fmt.Errorf("failed to claim entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return commission.PayoutEntry{}, false, err
	}

	entry, err := s.getEntry(ctx, s.db, id)
	if err != nil {
		return commission.PayoutEntry{}, false, err
	}
	return entry, n == 1, nil
}

// CompleteEntry records a successful credit.
func (s *Store) CompleteEntry(ctx context.Context, id generic.EntryID, txID generic.TransactionID, actual generic.Date, now time.Time) (commission.PayoutEntry, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payout_entries
		SET status = 'completed', transaction_id = ?, actual_date = ?, completed_at = ?,
		    claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'processing'`,
		txID, actual.String(), formatTime(now), formatTime(now), id,
	)
	if err != nil {
		return commission.PayoutEntry{}, fmt.Errorf("failed to complete entry: %w", err)
	}
	return s.afterTransition(ctx, res, id, commission.StatusProcessing, commission.StatusCompleted)
}

// FailEntry records a failed credit, either terminally or for retry.
func (s *Store) FailEntry(ctx context.Context, id generic.EntryID, opts commission.FailOptions) (commission.PayoutEntry, error) {
	retry := 0
	if opts.IncrementAttempt {
		retry = 1
	}
	terminalReason := opts.Reason
	if opts.IncrementAttempt {
		terminalReason = commission.FailureExhausted
	}

	// All SET expressions see the pre-update row, so attempt_count below is
	// the value before this failure.
	res, err := s.db.ExecContext(ctx, `
		UPDATE payout_entries
		SET status = CASE WHEN :retry = 1 AND attempt_count + 1 < :max_attempts THEN 'pending' ELSE 'failed' END,
		    failure_reason = CASE WHEN :retry = 1 AND attempt_count + 1 < :max_attempts THEN :reason ELSE :terminal END,
		    next_attempt_at = CASE WHEN :retry = 1 AND attempt_count + 1 < :max_attempts THEN :retry_at ELSE next_attempt_at END,
		    attempt_count = attempt_count + :retry,
		    last_error = :error,
		    claimed_at = NULL,
		    updated_at = :now
		WHERE id = :id AND status = 'processing'`,
		sql.Named("retry", retry),
		sql.Named("max_attempts", opts.MaxAttempts),
		sql.Named("reason", opts.Reason),
		sql.Named("terminal", terminalReason),
		sql.Named("retry_at", formatTime(opts.RetryAt)),
		sql.Named("error", opts.Error),
		sql.Named("now", formatTime(opts.Now)),
		sql.Named("id", string(id)),
	)
	if err != nil {
		return commission.PayoutEntry{}, fmt.Errorf("failed to fail entry: %w", err)
	}
	return s.afterTransition(ctx, res, id, commission.StatusProcessing, commission.StatusFailed)
}

// ReclaimStale returns abandoned processing entries to pending.
func (s *Store) ReclaimStale(ctx context.Context, cutoff, now time.Time) ([]commission.PayoutEntry, error) {
	var ids []any
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			UPDATE payout_entries
			SET status = 'pending', claimed_at = NULL, stale_count = stale_count + 1,
			    next_attempt_at = ?, updated_at = ?
			WHERE status = 'processing' AND claimed_at <= ?
			RETURNING id`,
			formatTime(now), formatTime(now), formatTime(cutoff),
		)
		if err != nil {
			return fmt.Errorf("failed to reclaim stale entries: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	return s.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM payout_entries e WHERE e.id IN ("+placeholders+") ORDER BY e.scheduled_date, e.day_number",
		ids...)
}

// CancelRecord marks a record cancelled and fails its pending entries.
func (s *Store) CancelRecord(ctx context.Context, id generic.RecordID, now time.Time) (int, error) {
	var cancelled int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE commission_records SET cancelled_at = ? WHERE id = ? AND cancelled_at IS NULL",
			formatTime(now), id)
		if err != nil {
			return fmt.Errorf("failed to cancel record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM commission_records WHERE id = ?", id).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return fmt.Errorf("record %s: %w", id, generic.ErrRecordNotFound)
			}
			return fmt.Errorf("record %s: %w", id, generic.ErrRecordCancelled)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE payout_entries
			SET status = 'failed', failure_reason = ?, updated_at = ?
			WHERE commission_record_id = ? AND status = 'pending'`,
			commission.FailureCancelled, formatTime(now), id)
		if err != nil {
			return fmt.Errorf("failed to cancel entries: %w", err)
		}
		cancelled, err = res.RowsAffected()
		return err
	})
	return int(cancelled), err
}

// RequeueEntry gives a failed entry a fresh attempt budget.
func (s *Store) RequeueEntry(ctx context.Context, id generic.EntryID, now time.Time) (commission.PayoutEntry, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payout_entries
		SET status = 'pending', attempt_count = 0, failure_reason = '',
		    next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = 'failed' AND failure_reason <> ?`,
		formatTime(now), formatTime(now), id, commission.FailureCancelled,
	)
	if err != nil {
		return commission.PayoutEntry{}, fmt.Errorf("failed to requeue entry: %w", err)
	}
	return s.afterTransition(ctx, res, id, commission.StatusFailed, commission.StatusPending)
}

// afterTransition turns a zero-row conditional update into the right error
// and otherwise returns the updated entry.
func (s *Store) afterTransition(ctx context.Context, res sql.Result, id generic.EntryID, from, to commission.EntryStatus) (commission.PayoutEntry, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return commission.PayoutEntry{}, err
	}
	entry, err := s.getEntry(ctx, s.db, id)
	if err != nil {
		return commission.PayoutEntry{}, err
	}
	if n == 0 {
		return entry, &generic.TransitionError{EntryID: id, From: string(from), To: string(to)}
	}
	return entry, nil
}

// =============================================================================
// READ MODELS
// =============================================================================

// HistoryForUser pages through a user's entries, newest first.
func (s *Store) HistoryForUser(ctx context.Context, userID generic.UserID, page, pageSize int) (commission.HistoryPage, error) {
	page, pageSize = normalizePage(page, pageSize)
	result := commission.HistoryPage{Page: page, PageSize: pageSize, Items: []commission.HistoryItem{}}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payout_entries WHERE user_id = ?", userID,
	).Scan(&result.Total); err != nil {
		return result, fmt.Errorf("failed to count history: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`, r.total_units, r.unit, r.reason
		FROM payout_entries e
		JOIN commission_records r ON r.id = e.commission_record_id
		WHERE e.user_id = ?
		ORDER BY e.scheduled_date DESC, r.created_at DESC, e.day_number DESC
		LIMIT ? OFFSET ?`,
		userID, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return result, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item       commission.HistoryItem
			totalUnits int64
			unit       string
		)
		entry, err := scanEntry(rows, &totalUnits, &unit, &item.Reason)
		if err != nil {
			return result, err
		}
		item.Entry = entry
		item.TotalAmount = generic.NewAmount(totalUnits, generic.Unit(unit))
		result.Items = append(result.Items, item)
	}
	return result, rows.Err()
}

// StatusCounts aggregates entries by status.
func (s *Store) StatusCounts(ctx context.Context, userID generic.UserID) (commission.StatusCounts, error) {
	query := `
		SELECT status, failure_reason = ?, COUNT(*)
		FROM payout_entries`
	args := []any{commission.FailureCancelled}
	if userID != "" {
		query += " WHERE user_id = ?"
		args = append(args, userID)
	}
	query += " GROUP BY 1, 2"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return commission.StatusCounts{}, fmt.Errorf("failed to count entries: %w", err)
	}
	defer rows.Close()

	var counts commission.StatusCounts
	for rows.Next() {
		var (
			status    string
			cancelled bool
			n         int
		)
		if err := rows.Scan(&status, &cancelled, &n); err != nil {
			return counts, err
		}
		switch commission.EntryStatus(status) {
		case commission.StatusPending:
			counts.Pending += n
		case commission.StatusProcessing:
			counts.Processing += n
		case commission.StatusCompleted:
			counts.Completed += n
		case commission.StatusFailed:
			counts.Failed += n
			if cancelled {
				counts.Cancelled += n
			}
		}
	}
	return counts, rows.Err()
}

// =============================================================================
// KILL SWITCH
// =============================================================================

// SetUserActive toggles disbursement for a user.
func (s *Store) SetUserActive(ctx context.Context, userID generic.UserID, active bool, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commission_user_status (user_id, is_active, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		userID, active, formatTime(now),
	)
	return err
}

// IsUserActive reports the kill switch state.
func (s *Store) IsUserActive(ctx context.Context, userID generic.UserID) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx,
		"SELECT is_active FROM commission_user_status WHERE user_id = ?", userID,
	).Scan(&active)
	if err == sql.ErrNoRows {
		return true, nil
	}
	return active, err
}

// =============================================================================
// SCANNING
// =============================================================================

func (s *Store) getEntry(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id generic.EntryID) (commission.PayoutEntry, error) {
	row := q.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM payout_entries e WHERE e.id = ?", id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return commission.PayoutEntry{}, fmt.Errorf("entry %s: %w", id, generic.ErrEntryNotFound)
	}
	return entry, err
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]commission.PayoutEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []commission.PayoutEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// scanEntry reads entryColumns followed by any extra destinations.
func scanEntry(row scanner, extra ...any) (commission.PayoutEntry, error) {
	var (
		e             commission.PayoutEntry
		amountUnits   int64
		unit          string
		scheduled     string
		status        string
		transactionID sql.NullString
		actualDate    sql.NullString
		claimedAt     sql.NullString
		nextAttemptAt string
		createdAt     string
		updatedAt     string
		completedAt   sql.NullString
	)

	dest := []any{
		&e.ID, &e.RecordID, &e.UserID, &e.DayNumber, &amountUnits, &unit,
		&scheduled, &status, &transactionID, &actualDate, &e.AttemptCount,
		&e.StaleCount, &e.FailureReason, &e.LastError, &claimedAt, &nextAttemptAt,
		&createdAt, &updatedAt, &completedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if err == sql.ErrNoRows {
			return e, err
		}
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	e.Amount = generic.NewAmount(amountUnits, generic.Unit(unit))
	e.ScheduledDate, _ = generic.ParseDate(scheduled)
	e.Status = commission.EntryStatus(status)
	if transactionID.Valid {
		txID := generic.TransactionID(transactionID.String)
		e.TransactionID = &txID
	}
	e.ActualDate = parseNullDate(actualDate)
	e.ClaimedAt = parseNullTime(claimedAt)
	e.NextAttemptAt = parseTime(nextAttemptAt)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	e.CompletedAt = parseNullTime(completedAt)
	return e, nil
}

func scanRecord(row scanner) (commission.Record, error) {
	var (
		rec         commission.Record
		totalUnits  int64
		unit        string
		planID      sql.NullString
		createdAt   string
		cancelledAt sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.UserID, &totalUnits, &unit, &rec.Days, &rec.Reason,
		&planID, &createdAt, &cancelledAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return rec, err
		}
		return rec, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.TotalAmount = generic.NewAmount(totalUnits, generic.Unit(unit))
	if planID.Valid {
		id := generic.PlanID(planID.String)
		rec.SourcePlanID = &id
	}
	rec.CreatedAt = parseTime(createdAt)
	rec.CancelledAt = parseNullTime(cancelledAt)
	return rec, nil
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize < 1:
		pageSize = 20
	case pageSize > 100:
		pageSize = 100
	}
	return page, pageSize
}
