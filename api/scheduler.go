/*
scheduler.go - Automated disbursement scheduler

PURPOSE:
  Periodically runs the Disbursement Processor: Tick on one interval,
  the stale-claim Sweep on another. All state lives in the store, so a
  restart simply resumes on the next tick.

DESIGN:
  - One background goroutine with two tickers
  - Runs a sweep and a tick immediately on start
  - RunNow triggers the same work synchronously (admin endpoint)
  - Runs inside one process are serialized; several processes may run in
    parallel because ClaimEntry is the only coordination point

CONFIGURATION:
  - TickInterval:  How often to pay due entries (default: 1 minute)
  - SweepInterval: How often to reclaim stale claims (default: 5 minutes)
  - Enabled:       Whether the background loop runs (default: true)

USAGE:
  scheduler := NewDisbursementScheduler(processor, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go:             RunDisbursements endpoint
  - commission/processor.go: Tick and Sweep
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/commission-engine/commission"
)

// RunResult summarizes one scheduler run.
type RunResult struct {
	Tick       commission.TickResult
	Reclaimed  int
	StartedAt  time.Time
	FinishedAt time.Time
}

// DisbursementScheduler drives the processor on intervals.
type DisbursementScheduler struct {
	Processor     *commission.Processor
	TickInterval  time.Duration
	SweepInterval time.Duration
	Enabled       bool

	log    *slog.Logger
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex // guards start/stop
	runMu  sync.Mutex // serializes runs

	lastMu  sync.RWMutex
	lastRun RunResult
}

// NewDisbursementScheduler creates a new scheduler.
func NewDisbursementScheduler(processor *commission.Processor, logger *slog.Logger) *DisbursementScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DisbursementScheduler{
		Processor:     processor,
		TickInterval:  time.Minute,
		SweepInterval: 5 * time.Minute,
		Enabled:       true,
		log:           logger.With("component", "scheduler"),
	}
}

// Start begins the background loop. Calling Start twice is a no-op.
func (ds *DisbursementScheduler) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.Enabled {
		ds.log.Info("disabled, not starting")
		return
	}
	if ds.stop != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	ds.cancel = cancel
	ds.stop = make(chan struct{})
	ds.wg.Add(1)
	go ds.run(ctx, ds.stop)

	ds.log.Info("started", "tick_interval", ds.TickInterval, "sweep_interval", ds.SweepInterval)
}

// Stop stops the loop and waits for an in-flight run to return. In-flight
// credits see their context cancelled; their outcome is still recorded and
// the rest of the batch is left for the next start.
func (ds *DisbursementScheduler) Stop() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.stop == nil {
		return
	}
	close(ds.stop)
	ds.cancel()
	ds.wg.Wait()
	ds.stop = nil
	ds.log.Info("stopped")
}

func (ds *DisbursementScheduler) run(ctx context.Context, stop <-chan struct{}) {
	defer ds.wg.Done()

	tick := time.NewTicker(ds.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(ds.SweepInterval)
	defer sweep.Stop()

	// Run immediately on start
	ds.RunNow(ctx)

	for {
		select {
		case <-tick.C:
			ds.tick(ctx)
		case <-sweep.C:
			ds.sweep(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs a sweep followed by a tick, so entries reclaimed from a
// crashed worker are paid in the same run.
func (ds *DisbursementScheduler) RunNow(ctx context.Context) (RunResult, error) {
	ds.runMu.Lock()
	defer ds.runMu.Unlock()

	result := RunResult{StartedAt: time.Now()}

	reclaimed, err := ds.Processor.Sweep(ctx)
	if err != nil {
		ds.log.ErrorContext(ctx, "sweep failed", "error", err)
		return result, err
	}
	result.Reclaimed = len(reclaimed)

	result.Tick, err = ds.Processor.Tick(ctx)
	result.FinishedAt = time.Now()
	if err != nil {
		ds.log.ErrorContext(ctx, "tick failed", "error", err)
		return result, err
	}

	ds.recordRun(result)
	return result, nil
}

func (ds *DisbursementScheduler) recordRun(result RunResult) {
	ds.lastMu.Lock()
	ds.lastRun = result
	ds.lastMu.Unlock()
}

// LastRun returns the most recent successful run, manual or periodic.
// The zero value means nothing has run yet.
func (ds *DisbursementScheduler) LastRun() RunResult {
	ds.lastMu.RLock()
	defer ds.lastMu.RUnlock()
	return ds.lastRun
}

func (ds *DisbursementScheduler) tick(ctx context.Context) {
	ds.runMu.Lock()
	defer ds.runMu.Unlock()

	startedAt := time.Now()
	result, err := ds.Processor.Tick(ctx)
	if err != nil {
		if ctx.Err() == nil {
			ds.log.ErrorContext(ctx, "tick failed", "error", err)
		}
		return
	}
	ds.recordRun(RunResult{Tick: result, StartedAt: startedAt, FinishedAt: time.Now()})
}

func (ds *DisbursementScheduler) sweep(ctx context.Context) {
	ds.runMu.Lock()
	defer ds.runMu.Unlock()

	if _, err := ds.Processor.Sweep(ctx); err != nil && ctx.Err() == nil {
		ds.log.ErrorContext(ctx, "sweep failed", "error", err)
	}
}
