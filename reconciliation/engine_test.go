package reconciliation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/kushukushu/approval-engine/generic/store"
	"github.com/kushukushu/approval-engine/reconciliation"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	salesBerhane   = generic.Actor{ID: "sales-berhane", Role: generic.RoleSales, BranchID: "berhane"}
	managerGirmay  = generic.Actor{ID: "manager-girmay", Role: generic.RoleManager, BranchID: "girmay"}
	financeOfficer = generic.Actor{ID: "finance-1", Role: generic.RoleFinance}
	ownerActor     = generic.Actor{ID: "owner-1", Role: generic.RoleOwner}
)

var (
	now   = time.Date(2025, 3, 14, 18, 30, 0, 0, time.UTC)
	today = generic.NewDay(2025, time.March, 14)
)

func newEngine(t *testing.T) *reconciliation.Engine {
	t.Helper()
	return reconciliation.NewEngine(store.NewMemory(), reconciliation.WithClock(func() time.Time { return now }))
}

func sell(t *testing.T, e *reconciliation.Engine, pt reconciliation.PaymentType, amount int64, customer string) reconciliation.Sale {
	t.Helper()
	s, err := e.RecordSale(context.Background(), reconciliation.SaleInput{
		PaymentType:  pt,
		Amount:       decimal.NewFromInt(amount),
		CustomerName: customer,
		Actor:        salesBerhane,
	})
	require.NoError(t, err)
	return s
}

func submit(e *reconciliation.Engine, actual int64) (reconciliation.Record, error) {
	return e.Submit(context.Background(), reconciliation.SubmitInput{
		Date:       today,
		ActualCash: decimal.NewFromInt(actual),
		Actor:      salesBerhane,
	})
}

func TestRecordSale(t *testing.T) {
	e := newEngine(t)

	first := sell(t, e, reconciliation.PaymentCash, 1200, "")
	second := sell(t, e, reconciliation.PaymentLoan, 800, "Abebe Bakery")

	assert.Equal(t, "TXN-000001", first.Number)
	assert.Equal(t, "TXN-000002", second.Number)
	assert.Equal(t, today, first.Date)
	assert.Equal(t, "berhane", first.BranchID)
	assert.True(t, first.Paid)
	assert.False(t, second.Paid)
}

func TestRecordSale_Validation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    reconciliation.SaleInput
		field string
	}{
		{"loan without customer", reconciliation.SaleInput{PaymentType: reconciliation.PaymentLoan, Amount: decimal.NewFromInt(5), Actor: salesBerhane}, "customer_name"},
		{"unknown payment", reconciliation.SaleInput{PaymentType: "cheque", Amount: decimal.NewFromInt(5), Actor: salesBerhane}, "payment_type"},
		{"zero amount", reconciliation.SaleInput{PaymentType: reconciliation.PaymentCash, Amount: decimal.Zero, Actor: salesBerhane}, "amount"},
		{"no branch", reconciliation.SaleInput{PaymentType: reconciliation.PaymentCash, Amount: decimal.NewFromInt(5), Actor: financeOfficer}, "branch_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.RecordSale(ctx, tt.in)
			var ve *generic.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	_, err := e.RecordSale(ctx, reconciliation.SaleInput{
		BranchID: "berhane", PaymentType: reconciliation.PaymentCash, Amount: decimal.NewFromInt(5), Actor: managerGirmay,
	})
	assert.ErrorIs(t, err, generic.ErrUnauthorized, "managers stay in their own branch")

	_, err = e.RecordSale(ctx, reconciliation.SaleInput{
		BranchID: "berhane", PaymentType: reconciliation.PaymentCash, Amount: decimal.NewFromInt(5),
		Actor: generic.Actor{ID: "sales-x", Role: generic.RoleSales},
	})
	assert.ErrorIs(t, err, generic.ErrUnauthorized, "sales staff without a branch")
}

// failingSales breaks InsertSale inside an otherwise working transaction.
type failingSales struct {
	*store.Memory
}

func (f failingSales) WithSalesTx(ctx context.Context, fn func(reconciliation.SalesTx) error) error {
	return f.Memory.WithSalesTx(ctx, func(tx reconciliation.SalesTx) error {
		return fn(failingInsert{tx})
	})
}

type failingInsert struct {
	reconciliation.SalesTx
}

func (failingInsert) InsertSale(context.Context, reconciliation.Sale) error {
	return errors.New("disk full")
}

func TestRecordSale_FailedInsertLeavesNoTrace(t *testing.T) {
	mem := store.NewMemory()
	clock := reconciliation.WithClock(func() time.Time { return now })
	broken := reconciliation.NewEngine(failingSales{mem}, clock)

	_, err := broken.RecordSale(context.Background(), reconciliation.SaleInput{
		PaymentType: reconciliation.PaymentLoan, Amount: decimal.NewFromInt(800),
		CustomerName: "Abebe Bakery", Actor: salesBerhane,
	})
	require.Error(t, err)

	e := reconciliation.NewEngine(mem, clock)
	loans, err := e.Loans(context.Background(), reconciliation.LoanFilter{})
	require.NoError(t, err)
	assert.Empty(t, loans, "the loan was rolled back with the sale")

	sale := sell(t, e, reconciliation.PaymentCash, 100, "")
	assert.Equal(t, "TXN-000001", sale.Number, "the failed sale gave its number back")
}

// =============================================================================
// LOANS
// =============================================================================

func TestLoanSales_OpenAndExtendLoan(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	first := sell(t, e, reconciliation.PaymentLoan, 3000, "Abebe Bakery")
	second := sell(t, e, reconciliation.PaymentLoan, 1200, "Abebe Bakery")
	other := sell(t, e, reconciliation.PaymentLoan, 500, "Tigist Shop")

	require.NotEmpty(t, first.LoanID)
	assert.Equal(t, first.LoanID, second.LoanID, "one active loan per customer")
	assert.NotEqual(t, first.LoanID, other.LoanID)

	loan, err := e.Loan(ctx, first.LoanID)
	require.NoError(t, err)
	assert.Equal(t, "4200", loan.InitialAmount.String())
	assert.Equal(t, "4200", loan.Balance.String())
	assert.True(t, loan.PaidAmount.IsZero())
	assert.Equal(t, reconciliation.LoanActive, loan.Status)
	assert.Equal(t, "berhane", loan.BranchID)
	assert.Equal(t, today.AddDays(reconciliation.LoanTerm), loan.DueDate)

	loans, err := e.Loans(ctx, reconciliation.LoanFilter{BranchID: "berhane"})
	require.NoError(t, err)
	assert.Len(t, loans, 2)
}

func TestRecordLoanPayment(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	loanID := sell(t, e, reconciliation.PaymentLoan, 3000, "Abebe Bakery").LoanID

	pay := func(amount int64, actor generic.Actor) (reconciliation.Loan, reconciliation.LoanPayment, error) {
		return e.RecordLoanPayment(ctx, reconciliation.LoanPaymentInput{
			LoanID: loanID, Amount: decimal.NewFromInt(amount), Actor: actor,
		})
	}

	// GIVEN: a 3,000 loan
	// WHEN: the customer pays 1,000 in cash
	loan, payment, err := pay(1000, salesBerhane)
	require.NoError(t, err)

	// THEN: the balance drops and the payment keeps both balances
	assert.Equal(t, "2000", loan.Balance.String())
	assert.Equal(t, "1000", loan.PaidAmount.String())
	assert.Equal(t, reconciliation.LoanActive, loan.Status)
	require.NotNil(t, loan.LastPaymentAt)
	assert.Equal(t, reconciliation.PaymentCash, payment.Method)
	assert.Equal(t, "3000", payment.PreviousBalance.String())
	assert.Equal(t, "2000", payment.NewBalance.String())
	assert.Equal(t, "Abebe Bakery", payment.CustomerName)

	_, _, err = pay(2001, financeOfficer)
	var ve *generic.ValidationError
	require.ErrorAs(t, err, &ve, "more than the balance")
	assert.Equal(t, "amount", ve.Field)

	_, _, err = pay(0, salesBerhane)
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, _, err = pay(100, managerGirmay)
	assert.ErrorIs(t, err, generic.ErrUnauthorized, "other branch")

	_, _, err = pay(100, ownerActor)
	assert.ErrorIs(t, err, generic.ErrUnauthorized)

	loan, _, err = pay(2000, financeOfficer)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.LoanPaid, loan.Status)
	assert.True(t, loan.Balance.IsZero())

	_, _, err = pay(1, financeOfficer)
	assert.ErrorIs(t, err, generic.ErrInvalidTransition, "paid loans accept nothing more")

	payments, err := e.LoanPayments(ctx, loanID)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "2000", payments[0].Amount.String(), "newest first")

	_, err = e.LoanPayments(ctx, "missing")
	assert.ErrorIs(t, err, generic.ErrNotFound)
	_, _, err = e.RecordLoanPayment(ctx, reconciliation.LoanPaymentInput{LoanID: "missing", Amount: decimal.NewFromInt(1), Actor: financeOfficer})
	assert.ErrorIs(t, err, generic.ErrNotFound)

	// A new loan sale after settlement opens a fresh loan.
	next := sell(t, e, reconciliation.PaymentLoan, 400, "Abebe Bakery")
	assert.NotEqual(t, loanID, next.LoanID)
}

func TestLoanPayments_StayOutOfExpectedCash(t *testing.T) {
	e := newEngine(t)
	loanID := sell(t, e, reconciliation.PaymentLoan, 3000, "Abebe Bakery").LoanID
	sell(t, e, reconciliation.PaymentCash, 1000, "")
	_, _, err := e.RecordLoanPayment(context.Background(), reconciliation.LoanPaymentInput{
		LoanID: loanID, Amount: decimal.NewFromInt(500), Method: reconciliation.PaymentMobileMoney, Actor: salesBerhane,
	})
	require.NoError(t, err)

	rec, err := submit(e, 1000)
	require.NoError(t, err)
	assert.Equal(t, "1000", rec.ExpectedCash.String())
	assert.Equal(t, reconciliation.Perfect, rec.Classification)
}

func TestSubmit_AggregatesSales(t *testing.T) {
	// GIVEN: cash, mobile money and loan sales at berhane
	e := newEngine(t)
	sell(t, e, reconciliation.PaymentCash, 1500, "")
	sell(t, e, reconciliation.PaymentCash, 500, "")
	sell(t, e, reconciliation.PaymentMobileMoney, 700, "")
	sell(t, e, reconciliation.PaymentLoan, 3000, "Abebe Bakery")

	// WHEN: the drawer holds 2,690
	rec, err := submit(e, 2690)
	require.NoError(t, err)

	// THEN: loans stay out of expected cash
	assert.Equal(t, "2000", rec.CashSales.String())
	assert.Equal(t, "700", rec.MobileMoneySales.String())
	assert.Equal(t, "3000", rec.LoanSales.String())
	assert.Equal(t, 4, rec.SalesCount)
	assert.Equal(t, "2700", rec.ExpectedCash.String())
	assert.Equal(t, "-10", rec.Variance.String())
	assert.Equal(t, reconciliation.Significant, rec.Classification)
	assert.Equal(t, reconciliation.StatusPending, rec.Status)
	assert.Equal(t, salesBerhane.ID, rec.SubmittedBy)
}

func TestSubmit_OncePerBranchDay(t *testing.T) {
	e := newEngine(t)
	sell(t, e, reconciliation.PaymentCash, 1000, "")

	_, err := submit(e, 1000)
	require.NoError(t, err)

	_, err = submit(e, 1000)
	assert.ErrorIs(t, err, generic.ErrAlreadySubmitted)

	recs, err := e.List(context.Background(), reconciliation.Filter{BranchID: "berhane"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSubmit_Rules(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.Submit(ctx, reconciliation.SubmitInput{
		Date: today.AddDays(1), ActualCash: decimal.NewFromInt(1), Actor: salesBerhane,
	})
	assert.ErrorIs(t, err, generic.ErrValidation, "future day")

	_, err = e.Submit(ctx, reconciliation.SubmitInput{
		Actor: salesBerhane, ActualCash: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, generic.ErrValidation, "missing date")

	_, err = e.Submit(ctx, reconciliation.SubmitInput{
		Date: today, ActualCash: decimal.NewFromInt(-1), Actor: salesBerhane,
	})
	assert.ErrorIs(t, err, generic.ErrValidation, "negative cash")

	_, err = e.Submit(ctx, reconciliation.SubmitInput{
		BranchID: "berhane", Date: today, ActualCash: decimal.NewFromInt(1), Actor: managerGirmay,
	})
	assert.ErrorIs(t, err, generic.ErrUnauthorized, "other branch")

	branchless := generic.Actor{ID: "sales-x", Role: generic.RoleSales}
	_, err = e.Submit(ctx, reconciliation.SubmitInput{
		BranchID: "berhane", Date: today, ActualCash: decimal.NewFromInt(1), Actor: branchless,
	})
	assert.ErrorIs(t, err, generic.ErrUnauthorized, "sales staff without a branch")

	_, err = e.Submit(ctx, reconciliation.SubmitInput{
		BranchID: "berhane", Date: today, ActualCash: decimal.NewFromInt(1), Actor: ownerActor,
	})
	assert.ErrorIs(t, err, generic.ErrUnauthorized, "owner does not submit")

	rec, err := e.Submit(ctx, reconciliation.SubmitInput{
		BranchID: "girmay", Date: today.AddDays(-1), ActualCash: decimal.Zero, Actor: financeOfficer,
	})
	require.NoError(t, err)
	assert.Equal(t, reconciliation.Perfect, rec.Classification)
}

func TestVerify(t *testing.T) {
	t.Run("finance approves", func(t *testing.T) {
		e := newEngine(t)
		sell(t, e, reconciliation.PaymentCash, 1000, "")
		rec, err := submit(e, 995)
		require.NoError(t, err)
		assert.Equal(t, reconciliation.Minor, rec.Classification)

		done, err := e.Verify(context.Background(), reconciliation.VerifyInput{
			ID: rec.ID, Decision: reconciliation.StatusApproved, Actor: financeOfficer, Notes: "coins short",
		})
		require.NoError(t, err)
		assert.Equal(t, reconciliation.StatusApproved, done.Status)
		assert.Equal(t, financeOfficer.ID, done.VerifiedBy)
		require.NotNil(t, done.VerifiedAt)
		assert.Equal(t, now, *done.VerifiedAt)
		assert.Equal(t, 2, done.Version)

		_, err = e.Verify(context.Background(), reconciliation.VerifyInput{
			ID: rec.ID, Decision: reconciliation.StatusApproved, Actor: financeOfficer,
		})
		assert.ErrorIs(t, err, generic.ErrAlreadyInState)

		_, err = e.Verify(context.Background(), reconciliation.VerifyInput{
			ID: rec.ID, Decision: reconciliation.StatusDisputed, Actor: financeOfficer, VarianceExplanation: "late",
		})
		assert.ErrorIs(t, err, generic.ErrInvalidTransition)
	})

	t.Run("only finance verifies", func(t *testing.T) {
		e := newEngine(t)
		rec, err := submit(e, 0)
		require.NoError(t, err)

		_, err = e.Verify(context.Background(), reconciliation.VerifyInput{
			ID: rec.ID, Decision: reconciliation.StatusApproved, Actor: ownerActor,
		})
		assert.ErrorIs(t, err, generic.ErrUnauthorized)
	})

	t.Run("large dispute needs an explanation", func(t *testing.T) {
		e := newEngine(t)
		sell(t, e, reconciliation.PaymentCash, 1000, "")
		rec, err := submit(e, 800)
		require.NoError(t, err)

		_, err = e.Verify(context.Background(), reconciliation.VerifyInput{
			ID: rec.ID, Decision: reconciliation.StatusDisputed, Actor: financeOfficer,
		})
		var ve *generic.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "variance_explanation", ve.Field)

		done, err := e.Verify(context.Background(), reconciliation.VerifyInput{
			ID: rec.ID, Decision: reconciliation.StatusDisputed, Actor: financeOfficer,
			VarianceExplanation: "200 ETB paid to the flour porter from the drawer",
		})
		require.NoError(t, err)
		assert.Equal(t, reconciliation.StatusDisputed, done.Status)
	})

	t.Run("small dispute needs no explanation", func(t *testing.T) {
		e := newEngine(t)
		sell(t, e, reconciliation.PaymentCash, 1000, "")
		rec, err := submit(e, 950)
		require.NoError(t, err)

		_, err = e.Verify(context.Background(), reconciliation.VerifyInput{
			ID: rec.ID, Decision: reconciliation.StatusDisputed, Actor: financeOfficer,
		})
		require.NoError(t, err)
	})

	t.Run("unknown id", func(t *testing.T) {
		e := newEngine(t)
		_, err := e.Verify(context.Background(), reconciliation.VerifyInput{
			ID: "nope", Decision: reconciliation.StatusApproved, Actor: financeOfficer,
		})
		assert.ErrorIs(t, err, generic.ErrNotFound)
	})
}

func TestSetBands(t *testing.T) {
	e := newEngine(t)
	require.Error(t, e.SetBands(reconciliation.Bands{}))
	assert.Equal(t, reconciliation.DefaultBands(), e.Bands())

	wide := reconciliation.Bands{MinorBelow: decimal.NewFromInt(50), ExplanationAbove: decimal.NewFromInt(500)}
	require.NoError(t, e.SetBands(wide))

	sell(t, e, reconciliation.PaymentCash, 1000, "")
	rec, err := submit(e, 970)
	require.NoError(t, err)
	assert.Equal(t, reconciliation.Minor, rec.Classification)
}

func TestMissing(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	sell(t, e, reconciliation.PaymentCash, 1000, "")

	missing, err := e.Missing(ctx, today, []string{"berhane", "girmay"})
	require.NoError(t, err)
	assert.Equal(t, []string{"berhane"}, missing, "girmay had no sales")

	_, err = submit(e, 1000)
	require.NoError(t, err)

	missing, err = e.Missing(ctx, today, []string{"berhane", "girmay"})
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Equal(t, today, e.Today())
}
