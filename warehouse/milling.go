package warehouse

import (
	"context"
	"strings"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/shopspring/decimal"
)

const (
	MillingOrder generic.DocumentType = "milling_order"

	MOPending   generic.Status = "pending"
	MOCompleted generic.Status = "completed"
	MOCancelled generic.Status = "cancelled"
)

// RawWheat is the stock line that wheat deliveries fill and milling drains.
const RawWheat = "raw-wheat"

// DefaultFlourProduct is credited when an order names no output product.
const DefaultFlourProduct = "bread-flour"

// ConversionRate is the share of raw wheat that comes out as flour; the
// rest is bran.
var ConversionRate = decimal.RequireFromString("0.85")

const (
	AttrRawWheatKg       = "raw_wheat_kg"
	AttrOutputProduct    = "output_product"
	AttrConversionRate   = "conversion_rate"
	AttrExpectedOutputKg = "expected_flour_output_kg"
	AttrMillOperator     = "mill_operator"

	// DetailFlourOutputKg is the measured output sent when completing an
	// order. It is recorded on the completion history entry.
	DetailFlourOutputKg = "flour_output_kg"
)

// MillingRoles run the mill.
var MillingRoles = []generic.Role{generic.RoleManager, generic.RoleAdmin}

// NewMillingOrderChain builds the milling chain. Raw wheat is checked when
// the order is placed and moved into flour when it completes.
func NewMillingOrderChain(stock generic.InventoryStore) *generic.Chain {
	m := &milling{stock: stock}
	return &generic.Chain{
		Type:         MillingOrder,
		Prefix:       "MO",
		Initial:      MOPending,
		Rejected:     MOCancelled,
		CreatorRoles: MillingRoles,
		Transitions: []generic.Transition{
			{From: MOPending, To: MOCompleted, Roles: MillingRoles, Guard: m.checkOutput, Effect: m.complete},
		},
		Prepare:     m.prepare,
		RejectGuard: managerOfBranch,
	}
}

type milling struct {
	stock generic.InventoryStore
}

func (m *milling) prepare(ctx context.Context, doc *generic.Document) error {
	if doc.BranchID == "" {
		return &generic.ValidationError{Field: "branch_id", Message: "branch is required"}
	}
	raw, err := decimal.NewFromString(doc.Attr(AttrRawWheatKg))
	if err != nil || !raw.IsPositive() {
		return &generic.ValidationError{Field: AttrRawWheatKg, Message: "must be > 0"}
	}
	product := strings.TrimSpace(doc.Attr(AttrOutputProduct))
	if product == "" {
		product = DefaultFlourProduct
	}
	if product == RawWheat {
		return &generic.ValidationError{Field: AttrOutputProduct, Message: "must be a flour product"}
	}

	available, err := m.stock.StockLevel(ctx, doc.BranchID, RawWheat)
	if err != nil {
		return err
	}
	if available.LessThan(raw) {
		return &generic.InsufficientStockError{
			BranchID: doc.BranchID, ProductID: RawWheat, Available: available, Requested: raw,
		}
	}

	doc.Attributes[AttrRawWheatKg] = raw.String()
	doc.Attributes[AttrOutputProduct] = product
	doc.Attributes[AttrConversionRate] = ConversionRate.String()
	doc.Attributes[AttrExpectedOutputKg] = raw.Mul(ConversionRate).String()
	return nil
}

// outputOf returns the measured output if one was sent, otherwise the
// expected output.
func outputOf(tc generic.TransitionContext) (decimal.Decimal, error) {
	v := strings.TrimSpace(tc.Detail(DetailFlourOutputKg))
	if v == "" {
		return generic.MustParseDecimal(tc.Doc.Attr(AttrExpectedOutputKg)), nil
	}
	out, err := decimal.NewFromString(v)
	if err != nil || !out.IsPositive() {
		return decimal.Zero, &generic.ValidationError{Field: DetailFlourOutputKg, Message: "must be > 0"}
	}
	return out, nil
}

func (m *milling) checkOutput(ctx context.Context, tc generic.TransitionContext) error {
	if err := managerOfBranch(ctx, tc); err != nil {
		return err
	}
	out, err := outputOf(tc)
	if err != nil {
		return err
	}
	if raw := generic.MustParseDecimal(tc.Doc.Attr(AttrRawWheatKg)); out.GreaterThan(raw) {
		return &generic.ValidationError{
			Field:   DetailFlourOutputKg,
			Message: "cannot exceed the " + raw.String() + " kg of raw wheat milled",
		}
	}
	return nil
}

// complete drains the raw wheat and credits the flour in the transition's
// transaction.
func (m *milling) complete(ctx context.Context, tx generic.Store, tc generic.TransitionContext) error {
	out, err := outputOf(tc)
	if err != nil {
		return err
	}
	raw := generic.MustParseDecimal(tc.Doc.Attr(AttrRawWheatKg))
	if _, err := tx.AdjustStock(ctx, tc.Doc.BranchID, RawWheat, raw.Neg()); err != nil {
		return err
	}
	if _, err := tx.AdjustStock(ctx, tc.Doc.BranchID, tc.Doc.Attr(AttrOutputProduct), out); err != nil {
		return err
	}
	tc.Details[DetailFlourOutputKg] = out.String()
	return nil
}

// managerOfBranch keeps managers to their own branch; admins act anywhere.
func managerOfBranch(_ context.Context, tc generic.TransitionContext) error {
	if tc.Actor.Role == generic.RoleManager && tc.Actor.BranchID != tc.Doc.BranchID {
		return &generic.UnauthorizedError{
			Actor: tc.Actor.ID, Role: tc.Actor.Role, Stage: tc.Target,
			Reason: "only a manager of branch " + tc.Doc.BranchID + " may act on this order",
		}
	}
	return nil
}

// FlourOutput returns the output recorded when the order completed.
func FlourOutput(doc generic.Document) (decimal.Decimal, bool) {
	entry, ok := doc.LastEntry(MOCompleted)
	if !ok {
		return decimal.Zero, false
	}
	return generic.MustParseDecimal(entry.Detail(DetailFlourOutputKg)), true
}
