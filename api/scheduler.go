/*
scheduler.go - Periodic ledger poll

PURPOSE:
  Notifications can be lost. The scheduler periodically runs the document
  arrival pipeline with an empty notification (every pending document is
  considered), which also retries documents whose ingestion failed earlier:
  a failed document is never deleted from the ledger, so the next poll lists
  it again.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Runs once immediately on start
  - Records each poll as a run for audit and UI display

CONFIGURATION:
  - Interval: How often to poll (default: 1 minute)
  - Enabled:  Whether scheduler is active

USAGE:
  scheduler := NewPollScheduler(engine, store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerPoll endpoint (manual poll)
  - reconcile/ingest.go: HandleDocuments
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/contract-ledger/logging"
	"github.com/warp/contract-ledger/reconcile"
	"github.com/warp/contract-ledger/store/sqlite"
)

const (
	TriggerScheduler = "scheduler"
	TriggerManual    = "manual"
)

// RunStore persists poll runs.
type RunStore interface {
	SaveRun(ctx context.Context, r sqlite.RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]sqlite.RunRecord, error)
}

// PollScheduler polls the ledger on an interval.
type PollScheduler struct {
	Engine   *reconcile.Engine
	Runs     RunStore // optional
	Interval time.Duration
	Enabled  bool

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewPollScheduler creates a new scheduler.
func NewPollScheduler(engine *reconcile.Engine, runs RunStore, logger *zap.Logger) *PollScheduler {
	return &PollScheduler{
		Engine:   engine,
		Runs:     runs,
		Interval: time.Minute,
		Enabled:  true,
		log:      logging.OrNop(logger).Named("scheduler"),
	}
}

// Start begins the scheduler.
func (ps *PollScheduler) Start() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.Enabled {
		ps.log.Info("disabled, not starting")
		return
	}
	if ps.ticker != nil {
		return
	}

	ps.ticker = time.NewTicker(ps.Interval)
	ps.stop = make(chan struct{})
	ps.wg.Add(1)

	go ps.run(ps.ticker, ps.stop)

	ps.log.Info("started", zap.Duration("interval", ps.Interval))
}

// Stop stops the scheduler and waits for an in-flight poll.
func (ps *PollScheduler) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.ticker != nil {
		ps.ticker.Stop()
		close(ps.stop)
		ps.wg.Wait()
		ps.ticker = nil
		ps.log.Info("stopped")
	}
}

func (ps *PollScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ps.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run immediately on start
	ps.tick(ctx)

	for {
		select {
		case <-ticker.C:
			ps.tick(ctx)
		case <-stop:
			return
		}
	}
}

func (ps *PollScheduler) tick(ctx context.Context) {
	if _, _, err := ps.Poll(ctx, TriggerScheduler); err != nil {
		ps.log.Warn("poll failed", zap.Error(err))
	}
}

// Poll runs the document-arrival pipeline over every pending document and
// records the run.
func (ps *PollScheduler) Poll(ctx context.Context, trigger string) (sqlite.RunRecord, *reconcile.Report, error) {
	run := sqlite.RunRecord{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	ps.save(ctx, run)

	report, err := ps.Engine.HandleDocuments(ctx, reconcile.DocumentArrival{})

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	if report != nil {
		run.Listed = report.Listed
		run.Stored = len(report.Stored)
		run.Failed = len(report.Failures)
		run.CleanupFailed = len(report.CleanupFailures)
	}
	if err != nil {
		run.Status = "failed"
		run.Error = err.Error()
		ps.save(ctx, run)
		return run, report, err
	}

	run.Status = "completed"
	ps.save(ctx, run)

	if run.Listed > 0 {
		ps.log.Info("poll completed",
			zap.String("trigger", trigger),
			zap.Int("listed", run.Listed),
			zap.Int("stored", run.Stored),
			zap.Int("failed", run.Failed))
	}
	return run, report, nil
}

// save is best effort: a run log failure never fails the poll.
func (ps *PollScheduler) save(ctx context.Context, run sqlite.RunRecord) {
	if ps.Runs == nil {
		return
	}
	if err := ps.Runs.SaveRun(ctx, run); err != nil {
		ps.log.Warn("failed to save run record", zap.String("run_id", run.ID), zap.Error(err))
	}
}
