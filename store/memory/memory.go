// Package memory provides in-memory implementations of the commission
// storage interfaces, for tests and local demos.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store mirrors the SQLite store's semantics under a single mutex. Every
// status change is checked and applied while holding the lock, which is
// the in-memory equivalent of a conditional UPDATE.
type Store struct {
	mu       sync.RWMutex
	records  map[generic.RecordID]commission.Record
	entries  map[generic.EntryID]commission.PayoutEntry
	byRecord map[generic.RecordID][]generic.EntryID
	inactive map[generic.UserID]bool
	plans    map[generic.PlanID]commission.Plan
	creators map[generic.UserID]commission.Creator
}

func New() *Store {
	return &Store{
		records:  make(map[generic.RecordID]commission.Record),
		entries:  make(map[generic.EntryID]commission.PayoutEntry),
		byRecord: make(map[generic.RecordID][]generic.EntryID),
		inactive: make(map[generic.UserID]bool),
		plans:    make(map[generic.PlanID]commission.Plan),
		creators: make(map[generic.UserID]commission.Creator),
	}
}

// InsertRecord adds a record and its entries atomically.
func (m *Store) InsertRecord(_ context.Context, rec commission.Record, entries []commission.PayoutEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	if rec.SourcePlanID != nil {
		if _, ok := m.plans[*rec.SourcePlanID]; !ok {
			return fmt.Errorf("plan %s: %w", *rec.SourcePlanID, generic.ErrPlanNotFound)
		}
	}

	// Check everything first (atomic check), then write.
	days := make(map[int]bool, len(entries))
	for _, e := range entries {
		if _, exists := m.entries[e.ID]; exists {
			return fmt.Errorf("entry %s already exists", e.ID)
		}
		if days[e.DayNumber] {
			return fmt.Errorf("duplicate day %d in record %s", e.DayNumber, rec.ID)
		}
		days[e.DayNumber] = true
	}

	m.records[rec.ID] = rec
	ids := make([]generic.EntryID, 0, len(entries))
	for _, e := range entries {
		e.RecordID = rec.ID
		e.UserID = rec.UserID
		e.Status = commission.StatusPending
		m.entries[e.ID] = e
		ids = append(ids, e.ID)
	}
	m.byRecord[rec.ID] = ids
	return nil
}

func (m *Store) GetRecord(_ context.Context, id generic.RecordID) (commission.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return commission.Record{}, fmt.Errorf("record %s: %w", id, generic.ErrRecordNotFound)
	}
	return rec, nil
}

func (m *Store) EntriesForRecord(_ context.Context, id generic.RecordID) ([]commission.PayoutEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []commission.PayoutEntry
	for _, eid := range m.byRecord[id] {
		result = append(result, m.entries[eid])
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DayNumber < result[j].DayNumber })
	return result, nil
}

func (m *Store) ListRecords(_ context.Context, userID generic.UserID, limit int) ([]commission.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var result []commission.Record
	for _, rec := range m.records {
		if userID == "" || rec.UserID == userID {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// GetEntry retrieves a single entry.
func (m *Store) GetEntry(_ context.Context, id generic.EntryID) (commission.PayoutEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return commission.PayoutEntry{}, fmt.Errorf("entry %s: %w", id, generic.ErrEntryNotFound)
	}
	return e, nil
}

// =============================================================================
// DISBURSEMENT STATE MACHINE
// =============================================================================

func (m *Store) DueEntries(_ context.Context, asOf generic.Date, now time.Time, limit int) ([]commission.PayoutEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []commission.PayoutEntry
	for _, e := range m.entries {
		if e.Status != commission.StatusPending ||
			e.ScheduledDate.After(asOf) ||
			e.NextAttemptAt.After(now) ||
			m.inactive[e.UserID] ||
			m.records[e.RecordID].IsCancelled() {
			continue
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.ScheduledDate.Equal(b.ScheduledDate) {
			return a.ScheduledDate.Before(b.ScheduledDate)
		}
		if a.DayNumber != b.DayNumber {
			return a.DayNumber < b.DayNumber
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Store) ClaimEntry(_ context.Context, id generic.EntryID, now time.Time) (commission.PayoutEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return commission.PayoutEntry{}, false, fmt.Errorf("entry %s: %w", id, generic.ErrEntryNotFound)
	}
	if e.Status != commission.StatusPending {
		return e, false, nil
	}
	e.Status = commission.StatusProcessing
	e.ClaimedAt = &now
	e.UpdatedAt = now
	m.entries[id] = e
	return e, true, nil
}

func (m *Store) CompleteEntry(_ context.Context, id generic.EntryID, txID generic.TransactionID, actual generic.Date, now time.Time) (commission.PayoutEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transitionLocked(id, commission.StatusProcessing, commission.StatusCompleted, func(e *commission.PayoutEntry) {
		e.Status = commission.StatusCompleted
		e.TransactionID = &txID
		e.ActualDate = &actual
		e.CompletedAt = &now
		e.ClaimedAt = nil
		e.UpdatedAt = now
	})
}

func (m *Store) FailEntry(_ context.Context, id generic.EntryID, opts commission.FailOptions) (commission.PayoutEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transitionLocked(id, commission.StatusProcessing, commission.StatusFailed, func(e *commission.PayoutEntry) {
		retry := opts.IncrementAttempt && e.AttemptCount+1 < opts.MaxAttempts
		switch {
		case retry:
			e.Status = commission.StatusPending
			e.FailureReason = opts.Reason
			e.NextAttemptAt = opts.RetryAt
		case opts.IncrementAttempt:
			e.Status = commission.StatusFailed
			e.FailureReason = commission.FailureExhausted
		default:
			e.Status = commission.StatusFailed
			e.FailureReason = opts.Reason
		}
		if opts.IncrementAttempt {
			e.AttemptCount++
		}
		e.LastError = opts.Error
		e.ClaimedAt = nil
		e.UpdatedAt = opts.Now
	})
}

func (m *Store) ReclaimStale(_ context.Context, cutoff, now time.Time) ([]commission.PayoutEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reclaimed []commission.PayoutEntry
	for id, e := range m.entries {
		if e.Status != commission.StatusProcessing || e.ClaimedAt == nil || e.ClaimedAt.After(cutoff) {
			continue
		}
		e.Status = commission.StatusPending
		e.ClaimedAt = nil
		e.StaleCount++
		e.NextAttemptAt = now
		e.UpdatedAt = now
		m.entries[id] = e
		reclaimed = append(reclaimed, e)
	}
	sort.Slice(reclaimed, func(i, j int) bool {
		a, b := reclaimed[i], reclaimed[j]
		if !a.ScheduledDate.Equal(b.ScheduledDate) {
			return a.ScheduledDate.Before(b.ScheduledDate)
		}
		return a.DayNumber < b.DayNumber
	})
	return reclaimed, nil
}

func (m *Store) CancelRecord(_ context.Context, id generic.RecordID, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return 0, fmt.Errorf("record %s: %w", id, generic.ErrRecordNotFound)
	}
	if rec.IsCancelled() {
		return 0, fmt.Errorf("record %s: %w", id, generic.ErrRecordCancelled)
	}
	rec.CancelledAt = &now
	m.records[id] = rec

	cancelled := 0
	for _, eid := range m.byRecord[id] {
		e := m.entries[eid]
		if e.Status != commission.StatusPending {
			continue
		}
		e.Status = commission.StatusFailed
		e.FailureReason = commission.FailureCancelled
		e.UpdatedAt = now
		m.entries[eid] = e
		cancelled++
	}
	return cancelled, nil
}

func (m *Store) RequeueEntry(_ context.Context, id generic.EntryID, now time.Time) (commission.PayoutEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[id]; ok && e.FailureReason == commission.FailureCancelled {
		return e, &generic.TransitionError{EntryID: id, From: string(e.Status), To: string(commission.StatusPending)}
	}
	return m.transitionLocked(id, commission.StatusFailed, commission.StatusPending, func(e *commission.PayoutEntry) {
		e.Status = commission.StatusPending
		e.AttemptCount = 0
		e.FailureReason = ""
		e.NextAttemptAt = now
		e.UpdatedAt = now
	})
}

// transitionLocked applies fn when the entry is in status from.
func (m *Store) transitionLocked(id generic.EntryID, from, to commission.EntryStatus, fn func(*commission.PayoutEntry)) (commission.PayoutEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return commission.PayoutEntry{}, fmt.Errorf("entry %s: %w", id, generic.ErrEntryNotFound)
	}
	if e.Status != from {
		return e, &generic.TransitionError{EntryID: id, From: string(from), To: string(to)}
	}
	fn(&e)
	m.entries[id] = e
	return e, nil
}

// =============================================================================
// READ MODELS
// =============================================================================

func (m *Store) HistoryForUser(_ context.Context, userID generic.UserID, page, pageSize int) (commission.HistoryPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if page < 1 {
		page = 1
	}
	switch {
	case pageSize < 1:
		pageSize = 20
	case pageSize > 100:
		pageSize = 100
	}

	var all []commission.HistoryItem
	for _, e := range m.entries {
		if e.UserID != userID {
			continue
		}
		rec := m.records[e.RecordID]
		all = append(all, commission.HistoryItem{Entry: e, TotalAmount: rec.TotalAmount, Reason: rec.Reason})
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.Entry.ScheduledDate.Equal(b.Entry.ScheduledDate) {
			return a.Entry.ScheduledDate.After(b.Entry.ScheduledDate)
		}
		ra, rb := m.records[a.Entry.RecordID], m.records[b.Entry.RecordID]
		if !ra.CreatedAt.Equal(rb.CreatedAt) {
			return ra.CreatedAt.After(rb.CreatedAt)
		}
		return a.Entry.DayNumber > b.Entry.DayNumber
	})

	result := commission.HistoryPage{Page: page, PageSize: pageSize, Total: len(all), Items: []commission.HistoryItem{}}
	start := (page - 1) * pageSize
	if start >= len(all) {
		return result, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	result.Items = append(result.Items, all[start:end]...)
	return result, nil
}

func (m *Store) StatusCounts(_ context.Context, userID generic.UserID) (commission.StatusCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var counts commission.StatusCounts
	for _, e := range m.entries {
		if userID != "" && e.UserID != userID {
			continue
		}
		switch e.Status {
		case commission.StatusPending:
			counts.Pending++
		case commission.StatusProcessing:
			counts.Processing++
		case commission.StatusCompleted:
			counts.Completed++
		case commission.StatusFailed:
			counts.Failed++
			if e.FailureReason == commission.FailureCancelled {
				counts.Cancelled++
			}
		}
	}
	return counts, nil
}

// =============================================================================
// KILL SWITCH
// =============================================================================

func (m *Store) SetUserActive(_ context.Context, userID generic.UserID, active bool, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if active {
		delete(m.inactive, userID)
	} else {
		m.inactive[userID] = true
	}
	return nil
}

func (m *Store) IsUserActive(_ context.Context, userID generic.UserID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.inactive[userID], nil
}

// =============================================================================
// PLANS AND CREATORS
// =============================================================================

func (m *Store) SavePlan(_ context.Context, p commission.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.plans[p.ID]; ok && p.CreatedAt.IsZero() {
		p.CreatedAt = existing.CreatedAt
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	m.plans[p.ID] = p
	return nil
}

func (m *Store) GetPlan(_ context.Context, id generic.PlanID) (commission.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[id]
	if !ok {
		return commission.Plan{}, fmt.Errorf("plan %s: %w", id, generic.ErrPlanNotFound)
	}
	return p, nil
}

func (m *Store) ListPlans(_ context.Context) ([]commission.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]commission.Plan, 0, len(m.plans))
	for _, p := range m.plans {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *Store) PlanInUse(_ context.Context, id generic.PlanID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		if rec.SourcePlanID != nil && *rec.SourcePlanID == id {
			return true, nil
		}
	}
	return false, nil
}

// SaveCreator upserts a creator snapshot.
func (m *Store) SaveCreator(_ context.Context, c commission.Creator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creators[c.ID] = c
	return nil
}

func (m *Store) GetCreator(_ context.Context, id generic.UserID) (commission.Creator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.creators[id]
	if !ok {
		return commission.Creator{}, fmt.Errorf("creator %s: %w", id, generic.ErrCreatorNotFound)
	}
	return c, nil
}
