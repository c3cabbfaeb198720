package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/kushukushu/approval-engine/reconciliation"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDoc(id string) generic.Document {
	amount := decimal.NewFromInt(1000)
	return generic.Document{
		ID:          generic.DocumentID(id),
		Type:        "purchase_requisition",
		Number:      "PR-00001",
		Sequence:    1,
		Status:      "pending",
		Amount:      &amount,
		BranchID:    "berhane",
		RequestedBy: "sales-1",
		RequestedAt: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC),
		Attributes:  map[string]string{"k": "v"},
	}
}

func TestMemory_DocumentsAreCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertDocument(ctx, sampleDoc("d1")))

	got, err := m.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	got.Attributes["k"] = "changed"

	again, err := m.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Attr("k"))

	assert.ErrorIs(t, m.InsertDocument(ctx, sampleDoc("d1")), generic.ErrValidation)

	_, err = m.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestMemory_AppendHistoryChecksVersion(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertDocument(ctx, sampleDoc("d1")))

	entry := generic.HistoryEntry{Stage: "manager_approved", ApprovedBy: "mgr-1", ApprovedAt: time.Now()}
	doc, err := m.AppendHistory(ctx, "d1", 1, entry, nil)
	require.NoError(t, err)
	assert.Equal(t, generic.Status("manager_approved"), doc.Status)
	assert.Equal(t, 2, doc.Version)

	_, err = m.AppendHistory(ctx, "d1", 1, entry, nil)
	assert.ErrorIs(t, err, generic.ErrConcurrentModification)

	rej := &generic.Rejection{RejectedBy: "admin-1", Reason: "duplicate"}
	doc, err = m.AppendHistory(ctx, "d1", 2, generic.HistoryEntry{Stage: "rejected", ApprovedBy: "admin-1"}, rej)
	require.NoError(t, err)
	require.NotNil(t, doc.Rejection)
	assert.Equal(t, "duplicate", doc.Rejection.Reason)
	assert.Len(t, doc.History, 2)
}

func TestMemory_WithTxRollsBack(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_, err := m.AdjustStock(ctx, "berhane", "flour", decimal.NewFromInt(100))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = m.WithTx(ctx, func(tx generic.Store) error {
		if _, err := tx.AdjustStock(ctx, "berhane", "flour", decimal.NewFromInt(-60)); err != nil {
			return err
		}
		if err := tx.InsertDocument(ctx, sampleDoc("d1")); err != nil {
			return err
		}
		if _, err := tx.NextSequence(ctx, "purchase_requisition"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	level, err := m.StockLevel(ctx, "berhane", "flour")
	require.NoError(t, err)
	assert.Equal(t, "100", level.String())
	_, err = m.GetDocument(ctx, "d1")
	assert.ErrorIs(t, err, generic.ErrNotFound)

	seq, err := m.NextSequence(ctx, "purchase_requisition")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestMemory_StockNeverNegative(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.AdjustStock(ctx, "berhane", "flour", decimal.NewFromInt(-1))
	var short *generic.InsufficientStockError
	require.ErrorAs(t, err, &short)
	assert.True(t, short.Available.IsZero())
	assert.Empty(t, must(m.ListStock(ctx, "")))
}

func TestMemory_SpendingWindows(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	add := func(day generic.Day, amount int64) {
		require.NoError(t, m.AppendSpend(ctx, generic.SpendEntry{Officer: "finance-1", Amount: decimal.NewFromInt(amount), Day: day}, nil))
	}
	add(generic.NewDay(2025, time.March, 1), 100)
	add(generic.NewDay(2025, time.March, 14), 200)
	add(generic.NewDay(2025, time.March, 14), 300)
	add(generic.NewDay(2025, time.February, 28), 999)

	s, err := m.SpendingFor(ctx, "finance-1", generic.NewDay(2025, time.March, 14))
	require.NoError(t, err)
	assert.Equal(t, "500", s.Daily.String())
	assert.Equal(t, "600", s.Monthly.String())

	refused := errors.New("refused")
	err = m.AppendSpend(ctx, generic.SpendEntry{Officer: "finance-1", Amount: decimal.NewFromInt(1), Day: generic.NewDay(2025, time.March, 14)},
		func(generic.Spending) error { return refused })
	assert.ErrorIs(t, err, refused)
}

func TestMemory_Reconciliations(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	day := generic.NewDay(2025, time.March, 14)

	rec := reconciliation.Record{ID: "r1", BranchID: "berhane", Date: day, Status: reconciliation.StatusPending, Version: 1}
	require.NoError(t, m.InsertReconciliation(ctx, rec))
	assert.ErrorIs(t, m.InsertReconciliation(ctx, reconciliation.Record{ID: "r2", BranchID: "berhane", Date: day}), generic.ErrAlreadySubmitted)
	require.NoError(t, m.InsertReconciliation(ctx, reconciliation.Record{ID: "r3", BranchID: "girmay", Date: day.AddDays(-1)}))

	list, err := m.ListReconciliations(ctx, reconciliation.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r1", list[0].ID, "newest first")

	rec.Status = reconciliation.StatusApproved
	rec.Version = 2
	require.NoError(t, m.UpdateReconciliation(ctx, rec, 1))
	assert.ErrorIs(t, m.UpdateReconciliation(ctx, rec, 1), generic.ErrConcurrentModification)

	_, err = m.GetReconciliation(ctx, "nope")
	assert.ErrorIs(t, err, generic.ErrNotFound)
}

func TestMemory_SalesTxRollsBack(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithSalesTx(ctx, func(tx reconciliation.SalesTx) error {
		if _, err := tx.NextSequence(ctx, "sale"); err != nil {
			return err
		}
		if err := tx.InsertLoan(ctx, reconciliation.Loan{ID: "loan-1", BranchID: "berhane", CustomerName: "Abebe Bakery", Status: reconciliation.LoanActive}); err != nil {
			return err
		}
		if err := tx.InsertSale(ctx, reconciliation.Sale{ID: "s1", BranchID: "berhane"}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = m.GetLoan(ctx, "loan-1")
	assert.ErrorIs(t, err, generic.ErrNotFound)
	sales, err := m.SalesFor(ctx, "berhane", generic.Day{})
	require.NoError(t, err)
	assert.Empty(t, sales)
	assert.Equal(t, int64(1), must(m.NextSequence(ctx, "sale")), "the failed sale gave its number back")
}

func TestMemory_Loans(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	at := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	require.NoError(t, m.WithSalesTx(ctx, func(tx reconciliation.SalesTx) error {
		for i, customer := range []string{"Abebe Bakery", "Tigist Shop"} {
			loan := reconciliation.Loan{
				ID: customer, BranchID: "berhane", CustomerName: customer,
				Status: reconciliation.LoanActive, CreatedAt: at.Add(time.Duration(i) * time.Hour), Version: 1,
			}
			if err := tx.InsertLoan(ctx, loan); err != nil {
				return err
			}
		}
		for _, id := range []string{"p1", "p2"} {
			if err := tx.InsertLoanPayment(ctx, reconciliation.LoanPayment{ID: id, LoanID: "Abebe Bakery"}); err != nil {
				return err
			}
		}
		return nil
	}))

	list, err := m.ListLoans(ctx, reconciliation.LoanFilter{BranchID: "berhane"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Tigist Shop", list[0].ID, "newest first")

	payments, err := m.LoanPayments(ctx, "Abebe Bakery")
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "p2", payments[0].ID, "newest first")

	err = m.WithSalesTx(ctx, func(tx reconciliation.SalesTx) error {
		active, err := tx.ActiveLoan(ctx, "berhane", "Abebe Bakery")
		if err != nil {
			return err
		}
		active.Status = reconciliation.LoanPaid
		active.Version = 2
		return tx.UpdateLoan(ctx, active, 1)
	})
	require.NoError(t, err)

	err = m.WithSalesTx(ctx, func(tx reconciliation.SalesTx) error {
		_, err := tx.ActiveLoan(ctx, "berhane", "Abebe Bakery")
		return err
	})
	assert.ErrorIs(t, err, generic.ErrNotFound, "paid loans are not active")
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
