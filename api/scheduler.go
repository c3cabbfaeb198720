/*
scheduler.go - Missing reconciliation scheduler

PURPOSE:
  Periodically checks whether every branch that sold flour yesterday has
  submitted its end-of-day cash reconciliation, and logs a warning for
  each branch that has not. Finance sees the same list on
  GET /api/reconciliations/missing.

DESIGN:
  - Runs in the caller's goroutine until the context is cancelled, so
    main can supervise it next to the HTTP server
  - Checks once immediately, then on every tick
  - Warns once per branch-day; the next day starts fresh

CONFIGURATION:
  - CheckInterval: How often to check (RECONCILIATION_CHECK_INTERVAL, default 1h)
  - Branches:      Which branches to check (BRANCHES)

USAGE:
  scheduler := api.NewReconciliationScheduler(recon, branches, logger)
  g.Go(func() error { return scheduler.Run(ctx) })

SEE ALSO:
  - reconciliation/engine.go: Missing
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/kushukushu/approval-engine/reconciliation"
	"go.uber.org/zap"
)

// ReconciliationScheduler reports branches that did not reconcile.
type ReconciliationScheduler struct {
	Recon         *reconciliation.Engine
	Branches      []string
	CheckInterval time.Duration
	Logger        *zap.Logger

	mu     sync.Mutex
	warned map[string]generic.Day
}

// NewReconciliationScheduler creates a new scheduler.
func NewReconciliationScheduler(recon *reconciliation.Engine, branches []string, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Recon:         recon,
		Branches:      branches,
		CheckInterval: time.Hour,
		Logger:        logger,
		warned:        make(map[string]generic.Day),
	}
}

// Run checks until ctx is cancelled. It always returns nil on cancellation
// so it does not tear down sibling goroutines on shutdown.
func (rs *ReconciliationScheduler) Run(ctx context.Context) error {
	if rs.CheckInterval <= 0 {
		rs.Logger.Info("reconciliation scheduler disabled")
		return nil
	}

	ticker := time.NewTicker(rs.CheckInterval)
	defer ticker.Stop()

	rs.Logger.Info("reconciliation scheduler started", zap.Duration("interval", rs.CheckInterval))

	// Run immediately on start
	rs.Check(ctx)

	for {
		select {
		case <-ticker.C:
			rs.Check(ctx)
		case <-ctx.Done():
			rs.Logger.Info("reconciliation scheduler stopped")
			return nil
		}
	}
}

// Check looks at yesterday and returns the branches that were newly
// reported.
func (rs *ReconciliationScheduler) Check(ctx context.Context) []string {
	day := rs.Recon.Today().AddDays(-1)

	missing, err := rs.Recon.Missing(ctx, day, rs.Branches)
	if err != nil {
		rs.Logger.Error("failed to check reconciliations", zap.String("date", day.String()), zap.Error(err))
		return nil
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	var reported []string
	for _, branch := range missing {
		if rs.warned[branch] == day {
			continue
		}
		rs.warned[branch] = day
		reported = append(reported, branch)
		rs.Logger.Warn("branch has not reconciled",
			zap.String("branch", branch),
			zap.String("date", day.String()),
		)
	}
	return reported
}
