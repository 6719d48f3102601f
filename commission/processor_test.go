package commission_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/store/memory"
	"github.com/warp/commission-engine/wallet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// fakeLedger records every credit call. respond decides the outcome.
type fakeLedger struct {
	mu      sync.Mutex
	calls   []wallet.CreditRequest
	respond func(call int, req wallet.CreditRequest) error
}

func (f *fakeLedger) Credit(ctx context.Context, req wallet.CreditRequest) (wallet.Receipt, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		if err := respond(n, req); err != nil {
			return wallet.Receipt{}, err
		}
	}
	return wallet.Receipt{TransactionID: generic.TransactionID(fmt.Sprintf("tx-%d", n)), CreditedAt: time.Now()}, nil
}

func (f *fakeLedger) callsFor(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.IdempotencyKey == key {
			n++
		}
	}
	return n
}

func (f *fakeLedger) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type harness struct {
	store  *memory.Store
	clock  *generic.FixedClock
	ledger *fakeLedger
	svc    *commission.Service
	proc   *commission.Processor
	logs   *bytes.Buffer
}

var issuedAt = time.Date(2025, time.March, 1, 10, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, mutate func(*commission.ProcessorConfig)) *harness {
	t.Helper()

	store := memory.New()
	clock := generic.NewFixedClock(issuedAt)
	ledger := &fakeLedger{}

	svc := commission.NewService(store, store, store)
	svc.Clock = clock
	svc.Rand = commission.NewSeededSource(42)

	cfg := commission.DefaultProcessorConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))

	proc, err := commission.NewProcessor(store, ledger, clock, cfg, logger)
	require.NoError(t, err)

	return &harness{store: store, clock: clock, ledger: ledger, svc: svc, proc: proc, logs: logs}
}

func (h *harness) issue(t *testing.T, user string, total int64, days int) (commission.Record, []commission.PayoutEntry) {
	t.Helper()
	rec, entries, err := h.svc.CreateRecord(context.Background(), commission.IssueRequest{
		UserID:     generic.UserID(user),
		TotalUnits: total,
		Days:       days,
	})
	require.NoError(t, err)
	return rec, entries
}

func (h *harness) entry(t *testing.T, id generic.EntryID) commission.PayoutEntry {
	t.Helper()
	e, err := h.store.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e
}

// =============================================================================
// CONFIG TESTS
// =============================================================================

func TestNewProcessor_RejectsCreditTimeoutAtOrAboveStaleTimeout(t *testing.T) {
	cfg := commission.DefaultProcessorConfig()
	cfg.CreditTimeout = cfg.StaleClaimTimeout

	_, err := commission.NewProcessor(memory.New(), &fakeLedger{}, nil, cfg, nil)
	require.Error(t, err)
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestProcessor_ExampleScenario(t *testing.T) {
	// GIVEN: IssueCommissionByDays(user 42, 1000, 10)
	h := newHarness(t, nil)
	ctx := context.Background()
	_, entries := h.issue(t, "42", 1000, 10)

	require.Len(t, entries, 10)
	var sum int64
	for i, e := range entries {
		sum += e.Amount.Units
		assert.Equal(t, generic.DateOf(issuedAt).AddDays(1+i).String(), e.ScheduledDate.String())
		assert.Equal(t, commission.StatusPending, e.Status)
	}
	assert.Equal(t, int64(1000), sum)

	// WHEN: The processor ticks on day 1
	h.clock.Set(time.Date(2025, time.March, 2, 9, 0, 0, 0, time.UTC))
	result, err := h.proc.Tick(ctx)
	require.NoError(t, err)

	// THEN: Only day 1 was due and it completed with a transaction ID
	assert.Equal(t, commission.TickResult{Due: 1, Completed: 1}, result)
	day1 := h.entry(t, entries[0].ID)
	assert.Equal(t, commission.StatusCompleted, day1.Status)
	require.NotNil(t, day1.TransactionID)
	require.NotNil(t, day1.ActualDate)
	assert.Equal(t, "2025-03-02", day1.ActualDate.String())
	assert.Equal(t, 1, h.ledger.callsFor(string(day1.ID)))

	// WHEN: Ticking again, and processing day 1 directly
	result, err = h.proc.Tick(ctx)
	require.NoError(t, err)
	outcome, err := h.proc.ProcessEntry(ctx, day1.ID)
	require.NoError(t, err)

	// THEN: No further ledger call
	assert.Equal(t, 0, result.Due)
	assert.Equal(t, commission.OutcomeSkipped, outcome)
	assert.Equal(t, 1, h.ledger.total())
}

func TestProcessor_CreditRequestCarriesEntryIdentity(t *testing.T) {
	h := newHarness(t, nil)
	rec, entries := h.issue(t, "u1", 500, 5)

	h.clock.Set(issuedAt.Add(24 * time.Hour))
	_, err := h.proc.Tick(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, h.ledger.total())
	req := h.ledger.calls[0]
	assert.Equal(t, string(entries[0].ID), req.IdempotencyKey)
	assert.Equal(t, string(rec.ID), req.ReferenceID)
	assert.Equal(t, generic.UserID("u1"), req.UserID)
	assert.Equal(t, entries[0].Amount, req.Amount)
}

func TestProcessor_CatchesUpOnMissedDays(t *testing.T) {
	// GIVEN: The processor was down for the whole schedule
	h := newHarness(t, nil)
	_, entries := h.issue(t, "u1", 1000, 10)

	// WHEN: It ticks once, well after the last day
	h.clock.Set(issuedAt.AddDate(0, 0, 30))
	result, err := h.proc.Tick(context.Background())
	require.NoError(t, err)

	// THEN: Every entry is paid once
	assert.Equal(t, 10, result.Completed)
	for _, e := range entries {
		assert.Equal(t, 1, h.ledger.callsFor(string(e.ID)))
	}
}

func TestProcessor_BatchSizeBoundsTick(t *testing.T) {
	h := newHarness(t, func(c *commission.ProcessorConfig) { c.BatchSize = 3 })
	h.issue(t, "u1", 1000, 10)

	h.clock.Set(issuedAt.AddDate(0, 0, 30))
	result, err := h.proc.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, result.Due)
	assert.Equal(t, 3, result.Completed)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestProcessor_RacingTicks_NoDoubleCredit(t *testing.T) {
	// GIVEN: Two processors sharing one store and ledger
	h := newHarness(t, nil)
	_, entries := h.issue(t, "u1", 100000, 50)

	other, err := commission.NewProcessor(h.store, h.ledger, h.clock, commission.DefaultProcessorConfig(), nil)
	require.NoError(t, err)

	// WHEN: Both tick concurrently, several times, after every day is due
	h.clock.Set(issuedAt.AddDate(0, 0, 60))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		p := h.proc
		if i%2 == 1 {
			p = other
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Tick(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// THEN: Each entry was credited exactly once
	for _, e := range entries {
		assert.Equal(t, 1, h.ledger.callsFor(string(e.ID)), "entry day %d", e.DayNumber)
		assert.Equal(t, commission.StatusCompleted, h.entry(t, e.ID).Status)
	}
	assert.Equal(t, 50, h.ledger.total())
}

// =============================================================================
// FAILURES AND RETRIES
// =============================================================================

func TestProcessor_RejectionIsTerminal(t *testing.T) {
	// GIVEN: A ledger that rejects the account
	h := newHarness(t, nil)
	h.ledger.respond = func(int, wallet.CreditRequest) error {
		return &wallet.RejectedError{Code: "account_frozen", Message: "frozen"}
	}
	_, entries := h.issue(t, "u1", 100, 2)

	// WHEN: Day 1 is processed
	h.clock.Set(issuedAt.Add(24 * time.Hour))
	result, err := h.proc.Tick(context.Background())
	require.NoError(t, err)

	// THEN: The entry is failed without consuming retry budget
	assert.Equal(t, 1, result.Failed)
	e := h.entry(t, entries[0].ID)
	assert.Equal(t, commission.StatusFailed, e.Status)
	assert.Equal(t, commission.FailureRejected, e.FailureReason)
	assert.Equal(t, 0, e.AttemptCount)
	assert.Contains(t, e.LastError, "account_frozen")
	assert.Nil(t, e.ClaimedAt)

	// AND: Later ticks never retry it
	h.clock.Advance(48 * time.Hour)
	_, err = h.proc.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.ledger.callsFor(string(entries[0].ID)))
}

func TestProcessor_TransientErrorsRetryWithBackoffThenExhaust(t *testing.T) {
	// GIVEN: A ledger that always times out, 3 attempts, 1m base delay
	h := newHarness(t, func(c *commission.ProcessorConfig) {
		c.MaxAttempts = 3
		c.RetryBaseDelay = time.Minute
		c.RetryMaxDelay = time.Hour
	})
	h.ledger.respond = func(int, wallet.CreditRequest) error { return errors.New("upstream 503") }
	_, entries := h.issue(t, "u1", 100, 1)
	id := entries[0].ID
	ctx := context.Background()

	// WHEN: First attempt
	h.clock.Set(issuedAt.Add(24 * time.Hour))
	result, err := h.proc.Tick(ctx)
	require.NoError(t, err)

	// THEN: Back to pending, gated for 1 minute
	assert.Equal(t, 1, result.Retried)
	e := h.entry(t, id)
	assert.Equal(t, commission.StatusPending, e.Status)
	assert.Equal(t, 1, e.AttemptCount)
	assert.Equal(t, commission.FailureTransient, e.FailureReason)
	assert.Equal(t, h.clock.Now().Add(time.Minute), e.NextAttemptAt)

	// WHEN: Ticking before the gate opens
	h.clock.Advance(30 * time.Second)
	result, err = h.proc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Due, "retry gate must hold the entry back")

	// WHEN: Second attempt after the gate
	h.clock.Advance(30 * time.Second)
	result, err = h.proc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	e = h.entry(t, id)
	assert.Equal(t, 2, e.AttemptCount)
	assert.Equal(t, h.clock.Now().Add(2*time.Minute), e.NextAttemptAt, "delay doubles")

	// WHEN: Third attempt reaches the cap
	h.clock.Advance(2 * time.Minute)
	result, err = h.proc.Tick(ctx)
	require.NoError(t, err)

	// THEN: Terminal failure
	assert.Equal(t, 1, result.Failed)
	e = h.entry(t, id)
	assert.Equal(t, commission.StatusFailed, e.Status)
	assert.Equal(t, commission.FailureExhausted, e.FailureReason)
	assert.Equal(t, 3, e.AttemptCount)
	assert.Equal(t, 3, h.ledger.callsFor(string(id)))
}

func TestProcessor_TransientThenSuccess_SameIdempotencyKey(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.respond = func(call int, _ wallet.CreditRequest) error {
		if call == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	_, entries := h.issue(t, "u1", 100, 1)

	h.clock.Set(issuedAt.Add(24 * time.Hour))
	_, err := h.proc.Tick(context.Background())
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	_, err = h.proc.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, commission.StatusCompleted, h.entry(t, entries[0].ID).Status)
	require.Len(t, h.ledger.calls, 2)
	assert.Equal(t, h.ledger.calls[0].IdempotencyKey, h.ledger.calls[1].IdempotencyKey)
}

func TestProcessor_CreditTimeoutIsTransient(t *testing.T) {
	// GIVEN: A ledger that hangs until its context expires
	h := newHarness(t, nil)
	cfg := commission.DefaultProcessorConfig()
	cfg.CreditTimeout = 20 * time.Millisecond
	proc, err := commission.NewProcessor(h.store, hangingLedger{}, h.clock, cfg, nil)
	require.NoError(t, err)
	_, entries := h.issue(t, "u1", 100, 1)

	// WHEN: The entry is processed
	h.clock.Set(issuedAt.Add(24 * time.Hour))
	outcome, err := proc.ProcessEntry(context.Background(), entries[0].ID)
	require.NoError(t, err)

	// THEN: It is scheduled for retry, not left processing
	assert.Equal(t, commission.OutcomeRetry, outcome)
	e := h.entry(t, entries[0].ID)
	assert.Equal(t, commission.StatusPending, e.Status)
	assert.Contains(t, e.LastError, context.DeadlineExceeded.Error())
}

type hangingLedger struct{}

func (hangingLedger) Credit(ctx context.Context, _ wallet.CreditRequest) (wallet.Receipt, error) {
	<-ctx.Done()
	return wallet.Receipt{}, ctx.Err()
}

func TestProcessor_Backoff_CappedAtMax(t *testing.T) {
	h := newHarness(t, func(c *commission.ProcessorConfig) {
		c.MaxAttempts = 10
		c.RetryBaseDelay = 10 * time.Minute
		c.RetryMaxDelay = 30 * time.Minute
	})
	h.ledger.respond = func(int, wallet.CreditRequest) error { return errors.New("503") }
	_, entries := h.issue(t, "u1", 100, 1)
	ctx := context.Background()

	h.clock.Set(issuedAt.Add(24 * time.Hour))
	wantDelays := []time.Duration{10 * time.Minute, 20 * time.Minute, 30 * time.Minute, 30 * time.Minute}
	for i, want := range wantDelays {
		_, err := h.proc.Tick(ctx)
		require.NoError(t, err)
		e := h.entry(t, entries[0].ID)
		assert.Equal(t, h.clock.Now().Add(want), e.NextAttemptAt, "attempt %d", i+1)
		h.clock.Set(e.NextAttemptAt)
	}
}

// =============================================================================
// KILL SWITCH AND CANCELLATION
// =============================================================================

func TestProcessor_KillSwitchSkipsWithoutFailing(t *testing.T) {
	// GIVEN: A deactivated user with due entries
	h := newHarness(t, nil)
	ctx := context.Background()
	_, entries := h.issue(t, "u1", 300, 3)
	require.NoError(t, h.svc.SetUserActive(ctx, "u1", false))

	// WHEN: Everything is due
	h.clock.Set(issuedAt.AddDate(0, 0, 5))
	result, err := h.proc.Tick(ctx)
	require.NoError(t, err)

	// THEN: Nothing is touched
	assert.Equal(t, 0, result.Due)
	assert.Equal(t, 0, h.ledger.total())
	for _, e := range entries {
		got := h.entry(t, e.ID)
		assert.Equal(t, commission.StatusPending, got.Status)
		assert.Equal(t, 0, got.AttemptCount)
	}

	// WHEN: Reactivated
	require.NoError(t, h.svc.SetUserActive(ctx, "u1", true))
	result, err = h.proc.Tick(ctx)
	require.NoError(t, err)

	// THEN: Paid
	assert.Equal(t, 3, result.Completed)
}

func TestProcessor_KillSwitchIsPerUser(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.issue(t, "off", 100, 1)
	h.issue(t, "on", 100, 1)
	require.NoError(t, h.svc.SetUserActive(ctx, "off", false))

	h.clock.Set(issuedAt.AddDate(0, 0, 2))
	result, err := h.proc.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Completed)
	require.Equal(t, 1, h.ledger.total())
	assert.Equal(t, generic.UserID("on"), h.ledger.calls[0].UserID)
}

func TestProcessor_CancelledRecordIsNotPaid(t *testing.T) {
	// GIVEN: A record with day 1 already paid
	h := newHarness(t, nil)
	ctx := context.Background()
	rec, entries := h.issue(t, "u1", 500, 5)
	h.clock.Set(issuedAt.Add(24 * time.Hour))
	_, err := h.proc.Tick(ctx)
	require.NoError(t, err)

	// WHEN: The admin cancels it
	n, err := h.svc.CancelRecord(ctx, rec.ID)
	require.NoError(t, err)

	// THEN: The 4 remaining entries are failed as cancelled, day 1 untouched
	assert.Equal(t, 4, n)
	assert.Equal(t, commission.StatusCompleted, h.entry(t, entries[0].ID).Status)
	for _, e := range entries[1:] {
		got := h.entry(t, e.ID)
		assert.Equal(t, commission.StatusFailed, got.Status)
		assert.Equal(t, commission.FailureCancelled, got.FailureReason)
	}

	// AND: Nothing more is credited
	h.clock.Advance(10 * 24 * time.Hour)
	result, err := h.proc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Due)
	assert.Equal(t, 1, h.ledger.total())

	// AND: Cancelling twice is a conflict
	_, err = h.svc.CancelRecord(ctx, rec.ID)
	assert.ErrorIs(t, err, generic.ErrRecordCancelled)
}

func TestProcessor_RequeueAfterRejection(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	frozen := true
	h.ledger.respond = func(int, wallet.CreditRequest) error {
		if frozen {
			return &wallet.RejectedError{Code: "account_frozen"}
		}
		return nil
	}
	_, entries := h.issue(t, "u1", 100, 1)

	h.clock.Set(issuedAt.Add(24 * time.Hour))
	_, err := h.proc.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, commission.StatusFailed, h.entry(t, entries[0].ID).Status)

	// WHEN: Fixed upstream, then requeued by an admin
	frozen = false
	requeued, err := h.svc.RequeueEntry(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, commission.StatusPending, requeued.Status)
	assert.Equal(t, 0, requeued.AttemptCount)

	result, err := h.proc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)
}

func TestProcessor_CancelledEntriesCannotBeRequeued(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	rec, entries := h.issue(t, "u1", 100, 1)
	_, err := h.svc.CancelRecord(ctx, rec.ID)
	require.NoError(t, err)

	_, err = h.svc.RequeueEntry(ctx, entries[0].ID)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition)
}

// =============================================================================
// STALE CLAIM SWEEP
// =============================================================================

func TestProcessor_SweepReclaimsStaleClaims(t *testing.T) {
	// GIVEN: A worker claimed day 1 and crashed
	h := newHarness(t, nil)
	ctx := context.Background()
	_, entries := h.issue(t, "u1", 100, 1)
	h.clock.Set(issuedAt.Add(24 * time.Hour))
	_, ok, err := h.store.ClaimEntry(ctx, entries[0].ID, h.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	// WHEN: Sweeping before the stale timeout
	h.clock.Advance(10 * time.Minute)
	reclaimed, err := h.proc.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "a live claim must not be swept")

	// WHEN: Sweeping after it
	h.clock.Advance(6 * time.Minute)
	reclaimed, err = h.proc.Sweep(ctx)
	require.NoError(t, err)

	// THEN: Back to pending without consuming an attempt, then paid
	require.Len(t, reclaimed, 1)
	assert.Equal(t, commission.StatusPending, reclaimed[0].Status)
	assert.Equal(t, 1, reclaimed[0].StaleCount)
	assert.Equal(t, 0, reclaimed[0].AttemptCount)

	result, err := h.proc.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)
}

func TestProcessor_RepeatedlyStaleEntryRaisesAlert(t *testing.T) {
	h := newHarness(t, func(c *commission.ProcessorConfig) { c.StaleAlertThreshold = 2 })
	ctx := context.Background()
	_, entries := h.issue(t, "u1", 100, 1)
	h.clock.Set(issuedAt.Add(24 * time.Hour))

	for i := 0; i < 2; i++ {
		_, ok, err := h.store.ClaimEntry(ctx, entries[0].ID, h.clock.Now())
		require.NoError(t, err)
		require.True(t, ok)
		h.clock.Advance(20 * time.Minute)
		_, err = h.proc.Sweep(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, h.entry(t, entries[0].ID).StaleCount)
	assert.Contains(t, h.logs.String(), `"alert":true`)
	assert.Contains(t, h.logs.String(), `"level":"ERROR"`)
}

// =============================================================================
// END TO END WITH THE EMBEDDED LEDGER
// =============================================================================

func TestProcessor_WithLocalLedger_BalanceMatchesGrant(t *testing.T) {
	// GIVEN: The embedded wallet ledger
	store := memory.New()
	clock := generic.NewFixedClock(issuedAt)
	ledger := wallet.NewLocalLedger(wallet.NewMemoryStore())
	ledger.Clock = clock

	svc := commission.NewService(store, store, store)
	svc.Clock = clock
	svc.Rand = commission.NewSeededSource(1)
	proc, err := commission.NewProcessor(store, ledger, clock, commission.DefaultProcessorConfig(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, _, err = svc.CreateRecord(ctx, commission.IssueRequest{UserID: "u1", TotalUnits: 1000, Days: 10})
	require.NoError(t, err)

	// WHEN: One tick per day for the whole schedule
	for day := 1; day <= 10; day++ {
		clock.Set(issuedAt.AddDate(0, 0, day))
		result, err := proc.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Completed, "day %d", day)
	}

	// THEN: The wallet holds exactly the grant
	balance, err := ledger.Balance(ctx, "u1", generic.UnitCents)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Units)

	txs, err := ledger.Transactions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, txs, 10)
}
