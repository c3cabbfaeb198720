package api

import (
	"context"
	"testing"
	"time"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/kushukushu/approval-engine/generic/store"
	"github.com/kushukushu/approval-engine/reconciliation"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestReconciliationScheduler_Check(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 13, 17, 0, 0, 0, time.UTC)
	recon := reconciliation.NewEngine(store.NewMemory(), reconciliation.WithClock(func() time.Time { return now }))

	// GIVEN: both branches sold on the 13th and only girmay reconciled
	for _, actor := range []generic.Actor{salesBerhane, managerGirmay} {
		_, err := recon.RecordSale(ctx, reconciliation.SaleInput{
			PaymentType: reconciliation.PaymentCash, Amount: decimal.NewFromInt(100), Actor: actor,
		})
		require.NoError(t, err)
	}
	_, err := recon.Submit(ctx, reconciliation.SubmitInput{
		Date: recon.Today(), ActualCash: decimal.NewFromInt(100), Actor: managerGirmay,
	})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	rs := NewReconciliationScheduler(recon, []string{"berhane", "girmay"}, zap.New(core))

	// WHEN: the check runs the next morning
	now = time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

	// THEN: berhane is reported once
	assert.Equal(t, []string{"berhane"}, rs.Check(ctx))
	assert.Empty(t, rs.Check(ctx), "already reported for this day")

	entries := logs.FilterMessage("branch has not reconciled").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "berhane", entries[0].ContextMap()["branch"])
	assert.Equal(t, "2025-03-13", entries[0].ContextMap()["date"])

	// A day later the 14th had no sales, so nothing is missing.
	now = now.AddDate(0, 0, 1)
	assert.Empty(t, rs.Check(ctx))
}

func TestReconciliationScheduler_Run(t *testing.T) {
	recon := reconciliation.NewEngine(store.NewMemory())

	rs := NewReconciliationScheduler(recon, []string{"berhane"}, nil)
	rs.CheckInterval = 0
	assert.NoError(t, rs.Run(context.Background()), "disabled scheduler returns at once")

	rs.CheckInterval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rs.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
