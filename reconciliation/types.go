/*
Package reconciliation implements daily cash reconciliation per branch.

PURPOSE:
  At the end of each day a branch's sales officer counts the drawer and
  submits the actual cash. The engine totals the day's recorded sales,
  derives the expected cash, classifies the variance and queues the
  record for finance verification.

EXPECTED CASH:
  Cash and mobile money sales are collected on the day and count towards
  expected cash. Loan sales are recorded for visibility but are not in
  the drawer. Loan repayments are tracked on the loan and do not enter
  the branch-day expected cash either.

    expected_cash = cash_sales + mobile_money_sales
    variance      = actual_cash - expected_cash

VARIANCE BANDS (ETB, configurable):
    |v| == 0               perfect
    0 < |v| < 10           minor
    |v| >= 10              significant
    |v| > 100              a dispute must carry an explanation

LIFECYCLE:
  pending ──finance──▶ approved
     │
     └────finance──▶ disputed

  One reconciliation per (branch, date). Submitting twice fails with
  generic.ErrAlreadySubmitted.

LOANS (accounts receivable):
  A loan sale opens a loan for the customer at the branch, or adds to
  the customer's active one. Payments reduce the balance; a loan whose
  balance reaches zero is paid and accepts nothing more.

    active ──payment (balance > 0)──▶ active
       │
       └──payment (balance = 0)──▶ paid

SEE ALSO:
  - engine.go: RecordSale, Submit, Verify
  - loans.go: RecordLoanPayment and the loan queries
  - generic/chain.go: the verification table is an ordinary Chain
*/
package reconciliation

import (
	"context"
	"time"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SALES
// =============================================================================

type PaymentType string

const (
	PaymentCash        PaymentType = "cash"
	PaymentMobileMoney PaymentType = "mobile_money"
	PaymentLoan        PaymentType = "loan"
)

func (p PaymentType) Valid() bool {
	switch p {
	case PaymentCash, PaymentMobileMoney, PaymentLoan:
		return true
	}
	return false
}

// Sale is one point-of-sale transaction. A loan sale is never marked paid;
// its amount is carried by the loan in LoanID.
type Sale struct {
	ID           string
	Number       string
	Sequence     int64
	BranchID     string
	PaymentType  PaymentType
	Amount       decimal.Decimal
	Paid         bool
	CustomerName string
	LoanID       string
	Date         generic.Day
	RecordedBy   generic.ActorID
	RecordedAt   time.Time
}

// =============================================================================
// LOANS
// =============================================================================

type LoanStatus string

const (
	LoanActive LoanStatus = "active"
	LoanPaid   LoanStatus = "paid"
)

// LoanTerm is how long a customer has to settle a new loan.
const LoanTerm = 30

// Loan is a customer's open credit at one branch. Balance is always
// InitialAmount minus PaidAmount.
type Loan struct {
	ID            string
	BranchID      string
	CustomerName  string
	InitialAmount decimal.Decimal
	Balance       decimal.Decimal
	PaidAmount    decimal.Decimal
	Status        LoanStatus
	CreatedAt     time.Time
	DueDate       generic.Day
	LastPaymentAt *time.Time
	Version       int
}

// LoanPayment is one repayment, kept with the balance before and after.
type LoanPayment struct {
	ID              string
	LoanID          string
	BranchID        string
	CustomerName    string
	Amount          decimal.Decimal
	Method          PaymentType
	ReceivedBy      generic.ActorID
	Notes           string
	PaidAt          time.Time
	PreviousBalance decimal.Decimal
	NewBalance      decimal.Decimal
}

// LoanFilter selects loans in ListLoans. Zero fields match everything.
type LoanFilter struct {
	BranchID     string
	Status       LoanStatus
	CustomerName string
}

func (f LoanFilter) Matches(l Loan) bool {
	if f.BranchID != "" && l.BranchID != f.BranchID {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.CustomerName != "" && l.CustomerName != f.CustomerName {
		return false
	}
	return true
}

// =============================================================================
// RECONCILIATION RECORD
// =============================================================================

type Classification string

const (
	Perfect     Classification = "perfect"
	Minor       Classification = "minor"
	Significant Classification = "significant"
)

const (
	StatusPending  generic.Status = "pending"
	StatusApproved generic.Status = "approved"
	StatusDisputed generic.Status = "disputed"
)

// DocumentType identifies reconciliations in the chain registry.
const DocumentType generic.DocumentType = "reconciliation"

type Record struct {
	ID       string
	BranchID string
	Date     generic.Day

	CashSales        decimal.Decimal
	MobileMoneySales decimal.Decimal
	LoanSales        decimal.Decimal
	SalesCount       int

	ExpectedCash   decimal.Decimal
	ActualCash     decimal.Decimal
	Variance       decimal.Decimal
	Classification Classification

	Status generic.Status
	Notes  string

	SubmittedBy generic.ActorID
	SubmittedAt time.Time

	VerifiedBy          generic.ActorID
	VerifiedAt          *time.Time
	VerificationNotes   string
	VarianceExplanation string

	Version int
}

// Filter selects records in List. Zero fields match everything.
type Filter struct {
	BranchID string
	Status   generic.Status
	Date     generic.Day
}

func (f Filter) Matches(r Record) bool {
	if f.BranchID != "" && r.BranchID != f.BranchID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.Date.IsZero() && r.Date != f.Date {
		return false
	}
	return true
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	// WithSalesTx runs fn in one transaction. Nothing fn wrote survives
	// an error.
	WithSalesTx(ctx context.Context, fn func(tx SalesTx) error) error

	// SalesFor returns a branch's sales for one day in recording order.
	SalesFor(ctx context.Context, branchID string, day generic.Day) ([]Sale, error)

	// InsertReconciliation fails with generic.ErrAlreadySubmitted when a
	// record for the same branch and date exists.
	InsertReconciliation(ctx context.Context, rec Record) error

	// GetReconciliation returns generic.ErrNotFound for unknown IDs.
	GetReconciliation(ctx context.Context, id string) (Record, error)

	ListReconciliations(ctx context.Context, filter Filter) ([]Record, error)

	// UpdateReconciliation replaces rec if the stored version equals
	// expectedVersion, otherwise generic.ErrConcurrentModification.
	UpdateReconciliation(ctx context.Context, rec Record, expectedVersion int) error

	// GetLoan returns generic.ErrNotFound for unknown IDs.
	GetLoan(ctx context.Context, id string) (Loan, error)

	// ListLoans orders by creation time, newest first.
	ListLoans(ctx context.Context, filter LoanFilter) ([]Loan, error)

	// LoanPayments returns a loan's payments, newest first.
	LoanPayments(ctx context.Context, loanID string) ([]LoanPayment, error)
}

// SalesTx is the view passed to WithSalesTx callbacks.
type SalesTx interface {
	NextSequence(ctx context.Context, key string) (int64, error)
	InsertSale(ctx context.Context, sale Sale) error

	// ActiveLoan returns the customer's active loan at a branch, or
	// generic.ErrNotFound.
	ActiveLoan(ctx context.Context, branchID, customer string) (Loan, error)
	GetLoan(ctx context.Context, id string) (Loan, error)
	InsertLoan(ctx context.Context, loan Loan) error

	// UpdateLoan replaces loan if the stored version equals
	// expectedVersion, otherwise generic.ErrConcurrentModification.
	UpdateLoan(ctx context.Context, loan Loan, expectedVersion int) error

	InsertLoanPayment(ctx context.Context, p LoanPayment) error
}
