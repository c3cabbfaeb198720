package warehouse

import (
	"context"
	"strings"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/shopspring/decimal"
)

// WheatDelivery records raw wheat arriving from a supplier. It is booked
// on receipt and has no approval steps.
const (
	WheatDelivery generic.DocumentType = "wheat_delivery"

	WDReceived generic.Status = "received"
)

const (
	AttrSupplier     = "supplier"
	AttrQuantityKg   = "quantity_kg"
	AttrUnitCost     = "unit_cost"
	AttrTotalCost    = "total_cost"
	AttrDeliveryDate = "delivery_date"
)

func NewWheatDeliveryChain() *generic.Chain {
	return &generic.Chain{
		Type:         WheatDelivery,
		Prefix:       "WD",
		Initial:      WDReceived,
		CreatorRoles: ReceiptRoles,
		Prepare:      prepareDelivery,
		OnCreate:     receiveWheat,
	}
}

func prepareDelivery(_ context.Context, doc *generic.Document) error {
	if doc.BranchID == "" {
		return &generic.ValidationError{Field: "branch_id", Message: "branch is required"}
	}
	if strings.TrimSpace(doc.Attr(AttrSupplier)) == "" {
		return &generic.ValidationError{Field: AttrSupplier, Message: "supplier is required"}
	}
	qty, err := decimal.NewFromString(doc.Attr(AttrQuantityKg))
	if err != nil || !qty.IsPositive() {
		return &generic.ValidationError{Field: AttrQuantityKg, Message: "must be > 0"}
	}
	cost, err := decimal.NewFromString(doc.Attr(AttrUnitCost))
	if err != nil || cost.IsNegative() {
		return &generic.ValidationError{Field: AttrUnitCost, Message: "must be >= 0"}
	}
	if d := doc.Attr(AttrDeliveryDate); d != "" {
		if _, err := generic.ParseDay(d); err != nil {
			return &generic.ValidationError{Field: AttrDeliveryDate, Message: "must be YYYY-MM-DD"}
		}
	}

	total := qty.Mul(cost)
	doc.Amount = &total
	doc.Attributes[AttrQuantityKg] = qty.String()
	doc.Attributes[AttrUnitCost] = cost.String()
	doc.Attributes[AttrTotalCost] = total.String()
	return nil
}

// receiveWheat credits the branch's raw wheat with the delivered quantity.
func receiveWheat(ctx context.Context, tx generic.Store, doc generic.Document) error {
	_, err := tx.AdjustStock(ctx, doc.BranchID, RawWheat, generic.MustParseDecimal(doc.Attr(AttrQuantityKg)))
	return err
}
