/*
Package warehouse defines the stock-moving approval chains: internal
flour orders, gate passes, milling orders and wheat deliveries, plus
stock receipts.

INTERNAL ORDER (IOR-00001):
  pending_approval -manager|admin-> approved -store_keeper-> fulfilled
  pending_approval | approved -> rejected

  The payload carries product_id, quantity (packages) and package_size_kg.
  total_weight_kg = quantity * package_size_kg is computed at creation and
  deducted from the branch's stock when the store keeper fulfils the
  order, in the same transaction as the history entry.

GATE PASS (GP-00001):
  pending_gate_approval -manager of the source branch-> approved

MILLING ORDER (MO-00001):
  pending -manager|admin-> completed
  pending -> cancelled

  raw_wheat_kg must be on hand when the order is placed. Completing it
  drains that raw wheat and credits the output product with the measured
  flour_output_kg, or raw_wheat_kg * 0.85 when none is sent.

WHEAT DELIVERY (WD-00001):
  received, no further steps. total_cost = quantity_kg * unit_cost and
  the quantity is added to raw wheat in the creation transaction.
*/
package warehouse

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	InternalOrder generic.DocumentType = "internal_order"
	GatePass      generic.DocumentType = "gate_pass"
)

const (
	IORPendingApproval generic.Status = "pending_approval"
	IORApproved        generic.Status = "approved"
	IORFulfilled       generic.Status = "fulfilled"
	IORRejected        generic.Status = "rejected"

	GPPending  generic.Status = "pending_gate_approval"
	GPApproved generic.Status = "approved"
	GPRejected generic.Status = "rejected"
)

// Payload attribute keys.
const (
	AttrProductID     = "product_id"
	AttrQuantity      = "quantity"
	AttrPackageSizeKg = "package_size_kg"
	AttrTotalWeightKg = "total_weight_kg"
	AttrVehiclePlate  = "vehicle_plate"
	AttrDriverName    = "driver_name"
	AttrDestination   = "destination"
)

// Chains returns every warehouse chain. stock is read when a milling
// order is placed.
func Chains(stock generic.InventoryStore) []*generic.Chain {
	return []*generic.Chain{
		NewInternalOrderChain(),
		NewGatePassChain(),
		NewMillingOrderChain(stock),
		NewWheatDeliveryChain(),
	}
}

// =============================================================================
// INTERNAL ORDER
// =============================================================================

func NewInternalOrderChain() *generic.Chain {
	return &generic.Chain{
		Type:     InternalOrder,
		Prefix:   "IOR",
		Initial:  IORPendingApproval,
		Rejected: IORRejected,
		Transitions: []generic.Transition{
			{From: IORPendingApproval, To: IORApproved, Roles: []generic.Role{generic.RoleManager, generic.RoleAdmin}},
			{From: IORApproved, To: IORFulfilled, Roles: []generic.Role{generic.RoleStoreKeeper}, Effect: deductStock},
		},
		Prepare: prepareOrder,
	}
}

func prepareOrder(_ context.Context, doc *generic.Document) error {
	if doc.BranchID == "" {
		return &generic.ValidationError{Field: "branch_id", Message: "branch is required"}
	}
	if strings.TrimSpace(doc.Attr(AttrProductID)) == "" {
		return &generic.ValidationError{Field: AttrProductID, Message: "product is required"}
	}
	qty, err := strconv.Atoi(doc.Attr(AttrQuantity))
	if err != nil || qty <= 0 {
		return &generic.ValidationError{Field: AttrQuantity, Message: "must be a whole number > 0"}
	}
	size, err := decimal.NewFromString(doc.Attr(AttrPackageSizeKg))
	if err != nil || !size.IsPositive() {
		return &generic.ValidationError{Field: AttrPackageSizeKg, Message: "must be > 0"}
	}
	total := size.Mul(decimal.NewFromInt(int64(qty)))
	doc.Attributes[AttrQuantity] = strconv.Itoa(qty)
	doc.Attributes[AttrPackageSizeKg] = size.String()
	doc.Attributes[AttrTotalWeightKg] = total.String()
	return nil
}

// TotalWeight returns the order's weight in kg.
func TotalWeight(doc generic.Document) decimal.Decimal {
	return generic.MustParseDecimal(doc.Attr(AttrTotalWeightKg))
}

func deductStock(ctx context.Context, tx generic.Store, tc generic.TransitionContext) error {
	_, err := tx.AdjustStock(ctx, tc.Doc.BranchID, tc.Doc.Attr(AttrProductID), TotalWeight(tc.Doc).Neg())
	return err
}

// =============================================================================
// GATE PASS
// =============================================================================

func NewGatePassChain() *generic.Chain {
	return &generic.Chain{
		Type:     GatePass,
		Prefix:   "GP",
		Initial:  GPPending,
		Rejected: GPRejected,
		Transitions: []generic.Transition{
			{From: GPPending, To: GPApproved, Roles: []generic.Role{generic.RoleManager}, Guard: sameBranch},
		},
		Prepare:     prepareGatePass,
		RejectGuard: sameBranch,
	}
}

func prepareGatePass(_ context.Context, doc *generic.Document) error {
	if doc.BranchID == "" {
		return &generic.ValidationError{Field: "branch_id", Message: "source branch is required"}
	}
	for _, k := range []string{AttrVehiclePlate, AttrDriverName} {
		if strings.TrimSpace(doc.Attr(k)) == "" {
			return &generic.ValidationError{Field: k, Message: "is required"}
		}
	}
	return nil
}

// sameBranch limits gate-pass decisions to managers of the source branch.
func sameBranch(_ context.Context, tc generic.TransitionContext) error {
	if tc.Actor.BranchID != tc.Doc.BranchID {
		return &generic.UnauthorizedError{
			Actor: tc.Actor.ID, Role: tc.Actor.Role, Stage: tc.Target,
			Reason: "only a manager of branch " + tc.Doc.BranchID + " may decide this gate pass",
		}
	}
	return nil
}

// =============================================================================
// STOCK RECEIPTS
// =============================================================================

// ReceiptRoles may book incoming stock.
var ReceiptRoles = []generic.Role{generic.RoleStoreKeeper, generic.RoleManager, generic.RoleAdmin}

type Receipt struct {
	BranchID   string
	ProductID  string
	QuantityKg decimal.Decimal
	Actor      generic.Actor
}

// Inventory books stock receipts and reads levels.
type Inventory struct {
	store  generic.InventoryStore
	logger *zap.Logger
	now    func() time.Time
}

func NewInventory(store generic.InventoryStore, logger *zap.Logger) *Inventory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inventory{store: store, logger: logger, now: time.Now}
}

func (i *Inventory) Receive(ctx context.Context, r Receipt) (generic.StockLevel, error) {
	if err := r.Actor.Validate(); err != nil {
		return generic.StockLevel{}, err
	}
	branch := r.BranchID
	if branch == "" {
		branch = r.Actor.BranchID
	}
	if branch == "" {
		return generic.StockLevel{}, &generic.ValidationError{Field: "branch_id", Message: "branch is required"}
	}
	if strings.TrimSpace(r.ProductID) == "" {
		return generic.StockLevel{}, &generic.ValidationError{Field: AttrProductID, Message: "product is required"}
	}
	if !r.QuantityKg.IsPositive() {
		return generic.StockLevel{}, &generic.ValidationError{Field: "quantity_kg", Message: "must be > 0"}
	}
	if !r.Actor.HasRole(ReceiptRoles...) {
		return generic.StockLevel{}, &generic.UnauthorizedError{
			Actor: r.Actor.ID, Role: r.Actor.Role, Required: ReceiptRoles, Reason: "role cannot receive stock",
		}
	}

	level, err := i.store.AdjustStock(ctx, branch, r.ProductID, r.QuantityKg)
	if err != nil {
		return generic.StockLevel{}, err
	}
	i.logger.Info("stock received",
		zap.String("branch", branch),
		zap.String("product", r.ProductID),
		zap.String("quantity_kg", r.QuantityKg.String()),
		zap.String("level_kg", level.String()),
	)
	return generic.StockLevel{BranchID: branch, ProductID: r.ProductID, QuantityKg: level, UpdatedAt: i.now()}, nil
}

func (i *Inventory) Levels(ctx context.Context, branchID string) ([]generic.StockLevel, error) {
	return i.store.ListStock(ctx, branchID)
}
