/*
processor.go - Disbursement Processor

PURPOSE:
  Drives due payout entries to completion, crediting each exactly once
  through the wallet ledger.

ALGORITHM (per Tick):
  1. Fetch a bounded batch of due entries (DueEntries)
  2. ClaimEntry each one; a lost claim means another worker owns it,
     which is not an error, so we skip it
  3. Credit the wallet with idempotency key = entry ID
  4. Success               → CompleteEntry
  5. Explicit rejection    → FailEntry (terminal)
  6. Timeout / transient   → FailEntry (retry with exponential backoff,
                             terminal after MaxAttempts)

STALE CLAIMS (Sweep):
  A crash between claiming and recording the outcome leaves an entry in
  processing. Sweep returns entries claimed longer than StaleClaimTimeout
  ago to pending. CreditTimeout must be shorter than StaleClaimTimeout so
  that a live worker always finishes before its claim can be swept.

CONCURRENCY:
  Any number of processors may tick at once, in one process or many.
  They share nothing but the store.

SEE ALSO:
  - store.go:             ClaimEntry contract
  - api/scheduler.go:     Runs Tick and Sweep on intervals
  - wallet/ledger.go:     Credit contract and error taxonomy
*/
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/wallet"
)

// settleTimeout bounds the store write that records a credit outcome.
const settleTimeout = 10 * time.Second

// ProcessorConfig holds the tuning knobs of the processor.
type ProcessorConfig struct {
	BatchSize           int
	MaxAttempts         int
	CreditTimeout       time.Duration
	StaleClaimTimeout   time.Duration
	StaleAlertThreshold int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
}

// DefaultProcessorConfig returns production defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:           100,
		MaxAttempts:         5,
		CreditTimeout:       30 * time.Second,
		StaleClaimTimeout:   15 * time.Minute,
		StaleAlertThreshold: 3,
		RetryBaseDelay:      time.Minute,
		RetryMaxDelay:       time.Hour,
	}
}

// Validate checks the invariants between settings.
func (c ProcessorConfig) Validate() error {
	switch {
	case c.BatchSize < 1:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	case c.CreditTimeout <= 0:
		return errors.New("credit timeout must be positive")
	case c.CreditTimeout >= c.StaleClaimTimeout:
		return fmt.Errorf("credit timeout %v must be shorter than stale claim timeout %v",
			c.CreditTimeout, c.StaleClaimTimeout)
	case c.RetryBaseDelay < 0 || c.RetryMaxDelay < c.RetryBaseDelay:
		return fmt.Errorf("invalid retry delays: base %v, max %v", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	return nil
}

type Processor struct {
	store  Store
	ledger wallet.Ledger
	clock  generic.Clock
	cfg    ProcessorConfig
	log    *slog.Logger
}

func NewProcessor(store Store, ledger wallet.Ledger, clock generic.Clock, cfg ProcessorConfig, logger *slog.Logger) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:  store,
		ledger: ledger,
		clock:  clock,
		cfg:    cfg,
		log:    logger.With("component", "disbursement"),
	}, nil
}

// TickResult summarizes one Tick.
type TickResult struct {
	Due       int
	Completed int
	Retried   int
	Failed    int
	Skipped   int // claim lost to another worker
}

// Outcome of processing a single claimed entry.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Tick processes one batch of due entries.
func (p *Processor) Tick(ctx context.Context) (TickResult, error) {
	now := p.clock.Now()
	due, err := p.store.DueEntries(ctx, generic.DateOf(now), now, p.cfg.BatchSize)
	if err != nil {
		return TickResult{}, fmt.Errorf("load due entries: %w", err)
	}

	result := TickResult{Due: len(due)}
	for _, entry := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome, err := p.ProcessEntry(ctx, entry.ID)
		if err != nil {
			// The entry stays processing and will be swept.
			p.log.ErrorContext(ctx, "processing entry", "entry_id", entry.ID, "error", err)
			continue
		}
		switch outcome {
		case OutcomeCompleted:
			result.Completed++
		case OutcomeRetry:
			result.Retried++
		case OutcomeFailed:
			result.Failed++
		case OutcomeSkipped:
			result.Skipped++
		}
	}

	if result.Due > 0 {
		p.log.InfoContext(ctx, "tick complete",
			"due", result.Due, "completed", result.Completed, "retried", result.Retried,
			"failed", result.Failed, "skipped", result.Skipped)
	}
	return result, nil
}

// ProcessEntry claims one entry and drives it to its next resting status.
func (p *Processor) ProcessEntry(ctx context.Context, id generic.EntryID) (Outcome, error) {
	entry, ok, err := p.store.ClaimEntry(ctx, id, p.clock.Now())
	if err != nil {
		return "", fmt.Errorf("claim entry %s: %w", id, err)
	}
	if !ok {
		return OutcomeSkipped, nil
	}

	receipt, creditErr := p.credit(ctx, entry)
	now := p.clock.Now()

	// The outcome is recorded even when ctx was cancelled during the
	// credit, otherwise the entry would sit in processing until swept.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if creditErr == nil {
		if _, err := p.store.CompleteEntry(settleCtx, entry.ID, receipt.TransactionID, generic.DateOf(now), now); err != nil {
			return "", fmt.Errorf("complete entry %s: %w", entry.ID, err)
		}
		return OutcomeCompleted, nil
	}

	if wallet.IsRejected(creditErr) {
		p.log.ErrorContext(ctx, "credit rejected",
			"entry_id", entry.ID, "user_id", entry.UserID, "error", creditErr)
		_, err := p.store.FailEntry(settleCtx, entry.ID, FailOptions{
			IncrementAttempt: false,
			Reason:           FailureRejected,
			Error:            creditErr.Error(),
			Now:              now,
		})
		if err != nil {
			return "", fmt.Errorf("fail entry %s: %w", entry.ID, err)
		}
		return OutcomeFailed, nil
	}

	updated, err := p.store.FailEntry(settleCtx, entry.ID, FailOptions{
		IncrementAttempt: true,
		MaxAttempts:      p.cfg.MaxAttempts,
		RetryAt:          now.Add(p.backoff(entry.AttemptCount + 1)),
		Reason:           FailureTransient,
		Error:            creditErr.Error(),
		Now:              now,
	})
	if err != nil {
		return "", fmt.Errorf("retry entry %s: %w", entry.ID, err)
	}
	if updated.Status == StatusFailed {
		p.log.ErrorContext(ctx, "credit attempts exhausted",
			"entry_id", entry.ID, "user_id", entry.UserID, "attempts", updated.AttemptCount, "error", creditErr)
		return OutcomeFailed, nil
	}
	p.log.WarnContext(ctx, "credit failed, will retry",
		"entry_id", entry.ID, "attempt", updated.AttemptCount, "next_attempt_at", updated.NextAttemptAt, "error", creditErr)
	return OutcomeRetry, nil
}

func (p *Processor) credit(ctx context.Context, entry PayoutEntry) (wallet.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CreditTimeout)
	defer cancel()

	return p.ledger.Credit(ctx, wallet.CreditRequest{
		IdempotencyKey: string(entry.ID),
		UserID:         entry.UserID,
		Amount:         entry.Amount,
		Reason:         fmt.Sprintf("Commission payout day %d", entry.DayNumber),
		ReferenceID:    string(entry.RecordID),
	})
}

// backoff returns RetryBaseDelay * 2^(attempt-1), capped at RetryMaxDelay.
func (p *Processor) backoff(attempt int) time.Duration {
	delay := p.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.cfg.RetryMaxDelay {
			return p.cfg.RetryMaxDelay
		}
	}
	return delay
}

// Sweep returns stale processing entries to pending. Entries that keep
// going stale are logged as operational alerts.
func (p *Processor) Sweep(ctx context.Context) ([]PayoutEntry, error) {
	now := p.clock.Now()
	reclaimed, err := p.store.ReclaimStale(ctx, now.Add(-p.cfg.StaleClaimTimeout), now)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale entries: %w", err)
	}
	for _, e := range reclaimed {
		if p.cfg.StaleAlertThreshold > 0 && e.StaleCount >= p.cfg.StaleAlertThreshold {
			p.log.ErrorContext(ctx, "entry repeatedly stale",
				"alert", true, "entry_id", e.ID, "user_id", e.UserID, "stale_count", e.StaleCount)
			continue
		}
		p.log.WarnContext(ctx, "reclaimed stale entry", "entry_id", e.ID, "stale_count", e.StaleCount)
	}
	return reclaimed, nil
}
