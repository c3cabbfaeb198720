package reconciliation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kushukushu/approval-engine/generic"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const saleNumberWidth = 6

// =============================================================================
// ENGINE
// =============================================================================

// SubmitRoles may submit a branch-day reconciliation.
var SubmitRoles = []generic.Role{generic.RoleSales, generic.RoleManager, generic.RoleFinance}

// SaleRoles may record point-of-sale transactions.
var SaleRoles = []generic.Role{generic.RoleSales, generic.RoleManager}

type Engine struct {
	store  Store
	chain  *generic.Chain
	locker generic.Locker
	logger *zap.Logger
	loc    *time.Location
	now    func() time.Time
	newID  func() string

	mu    sync.RWMutex
	bands Bands
}

type Option func(*Engine)

func WithLocker(l generic.Locker) Option { return func(e *Engine) { e.locker = l } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLocation sets the zone in which sale dates are computed.
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.loc = loc } }

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		locker: generic.NewKeyedMutex(),
		logger: zap.NewNop(),
		loc:    time.UTC,
		now:    time.Now,
		newID:  uuid.NewString,
		bands:  DefaultBands(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.chain = e.verificationChain()
	return e
}

// verificationChain is the finance sign-off table. A dispute of a large
// variance must say why.
func (e *Engine) verificationChain() *generic.Chain {
	requireExplanation := func(_ context.Context, tc generic.TransitionContext) error {
		v := generic.MustParseDecimal(tc.Doc.Attr("variance"))
		if e.Bands().NeedsExplanation(v) && tc.Doc.Attr("variance_explanation") == "" {
			return &generic.ValidationError{
				Field:   "variance_explanation",
				Message: "an explanation is required to dispute a variance above " + e.Bands().ExplanationAbove.String(),
			}
		}
		return nil
	}
	return &generic.Chain{
		Type:    DocumentType,
		Prefix:  "REC",
		Initial: StatusPending,
		Transitions: []generic.Transition{
			{From: StatusPending, To: StatusApproved, Roles: []generic.Role{generic.RoleFinance}},
			{From: StatusPending, To: StatusDisputed, Roles: []generic.Role{generic.RoleFinance}, Guard: requireExplanation},
		},
	}
}

// Chain exposes the verification table, mostly for registry listings.
func (e *Engine) Chain() *generic.Chain { return e.chain }

func (e *Engine) Bands() Bands {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bands
}

// SetBands replaces the variance bands if they are valid.
func (e *Engine) SetBands(b Bands) error {
	if err := b.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bands = b
	return nil
}

// =============================================================================
// SALES
// =============================================================================

type SaleInput struct {
	BranchID     string // defaults to the actor's branch
	PaymentType  PaymentType
	Amount       decimal.Decimal
	CustomerName string
	Actor        generic.Actor
}

func (e *Engine) RecordSale(ctx context.Context, in SaleInput) (Sale, error) {
	if err := in.Actor.Validate(); err != nil {
		return Sale{}, err
	}
	branch := in.BranchID
	if branch == "" {
		branch = in.Actor.BranchID
	}
	if branch == "" {
		return Sale{}, &generic.ValidationError{Field: "branch_id", Message: "branch is required"}
	}
	if !in.PaymentType.Valid() {
		return Sale{}, &generic.ValidationError{Field: "payment_type", Message: "must be cash, mobile_money or loan"}
	}
	if !in.Amount.IsPositive() {
		return Sale{}, &generic.ValidationError{Field: "amount", Message: "must be > 0"}
	}
	if in.PaymentType == PaymentLoan && in.CustomerName == "" {
		return Sale{}, &generic.ValidationError{Field: "customer_name", Message: "loan sales need a customer"}
	}
	if !in.Actor.HasRole(SaleRoles...) {
		return Sale{}, &generic.UnauthorizedError{
			Actor: in.Actor.ID, Role: in.Actor.Role, Required: SaleRoles, Reason: "role cannot record sales",
		}
	}
	if err := checkBranchScope(in.Actor, branch); err != nil {
		return Sale{}, err
	}

	now := e.now()
	sale := Sale{
		ID:           e.newID(),
		BranchID:     branch,
		PaymentType:  in.PaymentType,
		Amount:       in.Amount,
		Paid:         in.PaymentType != PaymentLoan,
		CustomerName: in.CustomerName,
		Date:         generic.DayOf(now, e.loc),
		RecordedBy:   in.Actor.ID,
		RecordedAt:   now,
	}
	err := e.store.WithSalesTx(ctx, func(tx SalesTx) error {
		seq, err := tx.NextSequence(ctx, "sale")
		if err != nil {
			return err
		}
		sale.Sequence = seq
		sale.Number = generic.FormatNumber("TXN", seq, saleNumberWidth)
		if sale.PaymentType == PaymentLoan {
			loan, err := e.chargeLoan(ctx, tx, sale)
			if err != nil {
				return err
			}
			sale.LoanID = loan.ID
		}
		return tx.InsertSale(ctx, sale)
	})
	if err != nil {
		return Sale{}, err
	}

	e.logger.Info("sale recorded",
		zap.String("number", sale.Number),
		zap.String("branch", branch),
		zap.String("payment_type", string(sale.PaymentType)),
		zap.String("amount", sale.Amount.String()),
	)
	return sale, nil
}

// =============================================================================
// SUBMIT
// =============================================================================

type SubmitInput struct {
	BranchID   string
	Date       generic.Day
	ActualCash decimal.Decimal
	Notes      string
	Actor      generic.Actor
}

func (e *Engine) Submit(ctx context.Context, in SubmitInput) (Record, error) {
	if err := in.Actor.Validate(); err != nil {
		return Record{}, err
	}
	branch := in.BranchID
	if branch == "" {
		branch = in.Actor.BranchID
	}
	if branch == "" {
		return Record{}, &generic.ValidationError{Field: "branch_id", Message: "branch is required"}
	}
	if in.Date.IsZero() {
		return Record{}, &generic.ValidationError{Field: "date", Message: "date is required"}
	}
	now := e.now()
	if today := generic.DayOf(now, e.loc); today.Before(in.Date) {
		return Record{}, &generic.ValidationError{Field: "date", Message: "cannot reconcile a future day"}
	}
	if in.ActualCash.IsNegative() {
		return Record{}, &generic.ValidationError{Field: "actual_cash", Message: "must be >= 0"}
	}
	if !in.Actor.HasRole(SubmitRoles...) {
		return Record{}, &generic.UnauthorizedError{
			Actor: in.Actor.ID, Role: in.Actor.Role, Stage: StatusPending, Required: SubmitRoles,
		}
	}
	if err := checkBranchScope(in.Actor, branch); err != nil {
		return Record{}, err
	}

	sales, err := e.store.SalesFor(ctx, branch, in.Date)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:               e.newID(),
		BranchID:         branch,
		Date:             in.Date,
		CashSales:        decimal.Zero,
		MobileMoneySales: decimal.Zero,
		LoanSales:        decimal.Zero,
		SalesCount:       len(sales),
		ActualCash:       in.ActualCash,
		Status:           StatusPending,
		Notes:            in.Notes,
		SubmittedBy:      in.Actor.ID,
		SubmittedAt:      now,
		Version:          1,
	}
	for _, s := range sales {
		switch s.PaymentType {
		case PaymentCash:
			rec.CashSales = rec.CashSales.Add(s.Amount)
		case PaymentMobileMoney:
			rec.MobileMoneySales = rec.MobileMoneySales.Add(s.Amount)
		case PaymentLoan:
			rec.LoanSales = rec.LoanSales.Add(s.Amount)
		}
	}
	rec.ExpectedCash = rec.CashSales.Add(rec.MobileMoneySales)
	v := e.Bands().ComputeVariance(rec.ExpectedCash, rec.ActualCash)
	rec.Variance = v.Amount
	rec.Classification = v.Classification

	if err := e.store.InsertReconciliation(ctx, rec); err != nil {
		return Record{}, err
	}

	e.logger.Info("reconciliation submitted",
		zap.String("id", rec.ID),
		zap.String("branch", branch),
		zap.String("date", rec.Date.String()),
		zap.String("variance", rec.Variance.String()),
		zap.String("classification", string(rec.Classification)),
	)
	return rec, nil
}

// =============================================================================
// VERIFY
// =============================================================================

type VerifyInput struct {
	ID                  string
	Decision            generic.Status
	Actor               generic.Actor
	Notes               string
	VarianceExplanation string
}

func (e *Engine) Verify(ctx context.Context, in VerifyInput) (Record, error) {
	if in.ID == "" {
		return Record{}, &generic.ValidationError{Field: "id", Message: "reconciliation id is required"}
	}
	if in.Decision == "" {
		return Record{}, &generic.ValidationError{Field: "decision", Message: "decision is required"}
	}
	if err := in.Actor.Validate(); err != nil {
		return Record{}, err
	}

	unlock, err := e.locker.Lock(ctx, "reconciliation:"+in.ID)
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	rec, err := e.store.GetReconciliation(ctx, in.ID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == in.Decision {
		return Record{}, &generic.AlreadyInStateError{ID: generic.DocumentID(rec.ID), Status: rec.Status}
	}
	edge, ok := e.chain.Find(rec.Status, in.Decision)
	if !ok {
		return Record{}, &generic.TransitionError{Type: DocumentType, From: rec.Status, To: in.Decision}
	}
	if !edge.Allows(in.Actor.Role) {
		return Record{}, &generic.UnauthorizedError{
			Actor: in.Actor.ID, Role: in.Actor.Role, Stage: in.Decision, Required: edge.Roles,
		}
	}

	now := e.now()
	if edge.Guard != nil {
		tc := generic.TransitionContext{
			Doc: generic.Document{
				ID:     generic.DocumentID(rec.ID),
				Type:   DocumentType,
				Status: rec.Status,
				Attributes: map[string]string{
					"variance":             rec.Variance.String(),
					"variance_explanation": in.VarianceExplanation,
				},
			},
			Actor:  in.Actor,
			Target: in.Decision,
			Notes:  in.Notes,
			At:     now,
		}
		if err := edge.Guard(ctx, tc); err != nil {
			return Record{}, err
		}
	}

	updated := rec
	updated.Status = in.Decision
	updated.VerifiedBy = in.Actor.ID
	updated.VerifiedAt = &now
	updated.VerificationNotes = in.Notes
	updated.VarianceExplanation = in.VarianceExplanation
	updated.Version = rec.Version + 1

	err = e.store.UpdateReconciliation(ctx, updated, rec.Version)
	if errors.Is(err, generic.ErrConcurrentModification) {
		return Record{}, &generic.TransitionError{Type: DocumentType, From: rec.Status, To: in.Decision, Stale: true}
	}
	if err != nil {
		return Record{}, err
	}

	e.logger.Info("reconciliation verified",
		zap.String("id", rec.ID),
		zap.String("decision", string(in.Decision)),
		zap.String("actor", string(in.Actor.ID)),
	)
	return updated, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) Get(ctx context.Context, id string) (Record, error) {
	return e.store.GetReconciliation(ctx, id)
}

func (e *Engine) List(ctx context.Context, filter Filter) ([]Record, error) {
	return e.store.ListReconciliations(ctx, filter)
}

// Sales returns a branch's sales for a day.
func (e *Engine) Sales(ctx context.Context, branchID string, day generic.Day) ([]Sale, error) {
	return e.store.SalesFor(ctx, branchID, day)
}

// Missing returns the branches among candidates that recorded sales on
// day but have no reconciliation for it.
func (e *Engine) Missing(ctx context.Context, day generic.Day, candidates []string) ([]string, error) {
	var out []string
	for _, branch := range candidates {
		sales, err := e.store.SalesFor(ctx, branch, day)
		if err != nil {
			return nil, err
		}
		if len(sales) == 0 {
			continue
		}
		recs, err := e.store.ListReconciliations(ctx, Filter{BranchID: branch, Date: day})
		if err != nil {
			return nil, err
		}
		if len(recs) == 0 {
			out = append(out, branch)
		}
	}
	return out, nil
}

// Today is the current local day.
func (e *Engine) Today() generic.Day {
	return generic.DayOf(e.now(), e.loc)
}

// checkBranchScope keeps branch staff inside their own branch. Finance,
// admin and owner act across branches.
func checkBranchScope(a generic.Actor, branch string) error {
	if !a.HasRole(generic.RoleSales, generic.RoleManager) {
		return nil
	}
	if a.BranchID == "" {
		return &generic.UnauthorizedError{
			Actor: a.ID, Role: a.Role,
			Reason: "branch staff must act from a branch",
		}
	}
	if a.BranchID != branch {
		return &generic.UnauthorizedError{
			Actor: a.ID, Role: a.Role,
			Reason: "actor belongs to branch " + a.BranchID + ", not " + branch,
		}
	}
	return nil
}
