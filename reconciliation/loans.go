package reconciliation

import (
	"context"
	"errors"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// LoanRoles may take loan repayments. Finance collects across branches.
var LoanRoles = []generic.Role{generic.RoleSales, generic.RoleManager, generic.RoleFinance}

// chargeLoan books a loan sale on the customer's active loan at the
// branch, opening one if there is none.
func (e *Engine) chargeLoan(ctx context.Context, tx SalesTx, sale Sale) (Loan, error) {
	loan, err := tx.ActiveLoan(ctx, sale.BranchID, sale.CustomerName)
	if errors.Is(err, generic.ErrNotFound) {
		loan = Loan{
			ID:            e.newID(),
			BranchID:      sale.BranchID,
			CustomerName:  sale.CustomerName,
			InitialAmount: sale.Amount,
			Balance:       sale.Amount,
			PaidAmount:    decimal.Zero,
			Status:        LoanActive,
			CreatedAt:     sale.RecordedAt,
			DueDate:       sale.Date.AddDays(LoanTerm),
			Version:       1,
		}
		return loan, tx.InsertLoan(ctx, loan)
	}
	if err != nil {
		return Loan{}, err
	}

	updated := loan
	updated.InitialAmount = loan.InitialAmount.Add(sale.Amount)
	updated.Balance = loan.Balance.Add(sale.Amount)
	updated.Version = loan.Version + 1
	if err := tx.UpdateLoan(ctx, updated, loan.Version); err != nil {
		return Loan{}, err
	}
	return updated, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

type LoanPaymentInput struct {
	LoanID string
	Amount decimal.Decimal
	Method PaymentType // cash when empty
	Notes  string
	Actor  generic.Actor
}

// RecordLoanPayment reduces a loan's balance. The payment and the loan
// update commit together; a loan whose balance reaches zero becomes paid.
func (e *Engine) RecordLoanPayment(ctx context.Context, in LoanPaymentInput) (Loan, LoanPayment, error) {
	if in.LoanID == "" {
		return Loan{}, LoanPayment{}, &generic.ValidationError{Field: "loan_id", Message: "loan id is required"}
	}
	if err := in.Actor.Validate(); err != nil {
		return Loan{}, LoanPayment{}, err
	}
	method := in.Method
	if method == "" {
		method = PaymentCash
	}
	if method != PaymentCash && method != PaymentMobileMoney {
		return Loan{}, LoanPayment{}, &generic.ValidationError{Field: "payment_method", Message: "must be cash or mobile_money"}
	}
	if !in.Amount.IsPositive() {
		return Loan{}, LoanPayment{}, &generic.ValidationError{Field: "amount", Message: "must be > 0"}
	}
	if !in.Actor.HasRole(LoanRoles...) {
		return Loan{}, LoanPayment{}, &generic.UnauthorizedError{
			Actor: in.Actor.ID, Role: in.Actor.Role, Required: LoanRoles, Reason: "role cannot take loan payments",
		}
	}

	unlock, err := e.locker.Lock(ctx, "loan:"+in.LoanID)
	if err != nil {
		return Loan{}, LoanPayment{}, err
	}
	defer unlock()

	var (
		updated Loan
		payment LoanPayment
	)
	err = e.store.WithSalesTx(ctx, func(tx SalesTx) error {
		loan, err := tx.GetLoan(ctx, in.LoanID)
		if err != nil {
			return err
		}
		if err := checkBranchScope(in.Actor, loan.BranchID); err != nil {
			return err
		}
		if loan.Status != LoanActive {
			return &generic.TransitionError{
				Type: "loan", From: generic.Status(loan.Status), To: generic.Status(LoanPaid),
				Reason: "only active loans accept payments",
			}
		}
		if in.Amount.GreaterThan(loan.Balance) {
			return &generic.ValidationError{
				Field:   "amount",
				Message: "payment exceeds the outstanding balance of " + loan.Balance.String(),
			}
		}

		now := e.now()
		updated = loan
		updated.Balance = loan.Balance.Sub(in.Amount)
		updated.PaidAmount = loan.PaidAmount.Add(in.Amount)
		updated.LastPaymentAt = &now
		updated.Version = loan.Version + 1
		if !updated.Balance.IsPositive() {
			updated.Status = LoanPaid
		}
		if err := tx.UpdateLoan(ctx, updated, loan.Version); err != nil {
			if errors.Is(err, generic.ErrConcurrentModification) {
				return &generic.TransitionError{Type: "loan", From: generic.Status(loan.Status), To: generic.Status(updated.Status), Stale: true}
			}
			return err
		}

		payment = LoanPayment{
			ID:              e.newID(),
			LoanID:          loan.ID,
			BranchID:        loan.BranchID,
			CustomerName:    loan.CustomerName,
			Amount:          in.Amount,
			Method:          method,
			ReceivedBy:      in.Actor.ID,
			Notes:           in.Notes,
			PaidAt:          now,
			PreviousBalance: loan.Balance,
			NewBalance:      updated.Balance,
		}
		return tx.InsertLoanPayment(ctx, payment)
	})
	if err != nil {
		return Loan{}, LoanPayment{}, err
	}

	e.logger.Info("loan payment recorded",
		zap.String("loan", updated.ID),
		zap.String("customer", updated.CustomerName),
		zap.String("amount", in.Amount.String()),
		zap.String("balance", updated.Balance.String()),
		zap.String("status", string(updated.Status)),
	)
	return updated, payment, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) Loan(ctx context.Context, id string) (Loan, error) {
	return e.store.GetLoan(ctx, id)
}

func (e *Engine) Loans(ctx context.Context, filter LoanFilter) ([]Loan, error) {
	return e.store.ListLoans(ctx, filter)
}

// LoanPayments returns the payments on a loan, newest first. Unknown
// loans are generic.ErrNotFound.
func (e *Engine) LoanPayments(ctx context.Context, loanID string) ([]LoanPayment, error) {
	if _, err := e.store.GetLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return e.store.LoanPayments(ctx, loanID)
}
