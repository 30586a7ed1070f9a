/*
scheduler.go - Periodic reconciliation

PURPOSE:
  Runs a collect-all verification of each configured tenancy on a ticker
  and records the outcome when the backend keeps run history.

DESIGN:
  - One background goroutine, first pass immediately on Start
  - Tenancies are verified one after another; each run is itself
    concurrent across customers
  - A failing tenancy is logged and does not stop the others
  - Stop cancels an in-flight pass and waits for the goroutine

USAGE:
  scheduler := NewReconcileScheduler(handler, tenancies, time.Hour)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerReconcile (manual run)
  - reconcile/verifier.go: The verifier
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/billing-ledger/generic"
	"github.com/warp/billing-ledger/reconcile"
)

// ReconcileScheduler verifies tenancies periodically.
type ReconcileScheduler struct {
	Handler   *Handler
	Tenancies []generic.TenancyID
	Interval  time.Duration

	// OnRun, when set, receives every finished run. Used by tests.
	OnRun func(tenancy generic.TenancyID, report *reconcile.Report, err error)

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconcileScheduler creates a scheduler. It does nothing until Start.
func NewReconcileScheduler(h *Handler, tenancies []generic.TenancyID, interval time.Duration) *ReconcileScheduler {
	return &ReconcileScheduler{Handler: h, Tenancies: tenancies, Interval: interval}
}

// Start begins the ticker goroutine. A second Start is a no-op, as is a
// Start with no tenancies or a non-positive interval.
func (s *ReconcileScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := s.Handler.Logger
	if s.cancel != nil {
		return
	}
	if s.Interval <= 0 || len(s.Tenancies) == 0 {
		logger.Info().Msg("reconcile scheduler disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)

	logger.Info().Dur("interval", s.Interval).Int("tenancies", len(s.Tenancies)).Msg("reconcile scheduler started")
}

// Stop cancels the scheduler and waits for it to exit.
func (s *ReconcileScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.Handler.Logger.Info().Msg("reconcile scheduler stopped")
}

func (s *ReconcileScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce verifies every configured tenancy at the current instant.
func (s *ReconcileScheduler) RunOnce(ctx context.Context) {
	h := s.Handler
	for _, tenancy := range s.Tenancies {
		if ctx.Err() != nil {
			return
		}
		run := h.Verifier(h.tolerance).NewRun(tenancy, h.Service.Now())
		report, err := run.Execute(ctx)

		logger := h.Logger.With().Str("tenancy", string(tenancy)).Str("run_id", run.ID).Logger()
		switch {
		case err != nil:
			logger.Error().Err(err).Msg("scheduled reconciliation failed")
		case report.Mismatches() > 0:
			logger.Warn().Int("mismatches", report.Mismatches()).Msg("scheduled reconciliation found mismatches")
		}

		if h.Runs != nil {
			if serr := h.Runs.SaveReconcileRun(ctx, run.Record(report, err)); serr != nil {
				logger.Error().Err(serr).Msg("failed to save reconcile run")
			}
		}
		if s.OnRun != nil {
			s.OnRun(tenancy, report, err)
		}
	}
}
