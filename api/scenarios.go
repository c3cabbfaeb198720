/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	factory activity. Every scenario goes through the same engine calls the
	HTTP handlers use, so the data is exactly what real traffic produces
	(numbers, history entries, ledger charges, stock movements).

AVAILABLE SCENARIOS:

	procurement:  a purchase requisition walked to "purchased", a small fund
	              request approved by the owner and a large one waiting for
	              its second signature
	warehouse:    flour received at Berhane, an internal order fulfilled
	              from it and a gate pass waiting for the branch manager
	branch-close: a day of mixed sales at Berhane and its end-of-day
	              reconciliation with a small shortfall

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "procurement"}

NOTE:

	Scenarios add data; they never clear the store. Loading one twice
	produces a second set of documents with new numbers, except
	branch-close, whose reconciliation is once per branch-day.

SEE ALSO:
  - handlers.go: the same engine operations behind the HTTP endpoints
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/kushukushu/approval-engine/procurement"
	"github.com/kushukushu/approval-engine/reconciliation"
	"github.com/kushukushu/approval-engine/warehouse"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "procurement",
		Name:        "Procurement",
		Description: "Requisition through purchase, single and multi-signature fund requests",
	},
	{
		ID:          "warehouse",
		Name:        "Warehouse",
		Description: "Stock receipt, internal order fulfilment and a pending gate pass",
	},
	{
		ID:          "branch-close",
		Name:        "Branch Close",
		Description: "A day of sales at Berhane and its cash reconciliation",
	},
}

// Demo staff.
var (
	demoOwner   = generic.Actor{ID: "owner-1", Role: generic.RoleOwner}
	demoAdmin   = generic.Actor{ID: "admin-1", Role: generic.RoleAdmin}
	demoFinance = generic.Actor{ID: "finance-1", Role: generic.RoleFinance}
	demoManager = generic.Actor{ID: "manager-berhane", Role: generic.RoleManager, BranchID: "berhane"}
	demoKeeper  = generic.Actor{ID: "keeper-berhane", Role: generic.RoleStoreKeeper, BranchID: "berhane"}
	demoSales   = generic.Actor{ID: "sales-berhane", Role: generic.RoleSales, BranchID: "berhane"}
)

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	var err error
	switch req.ScenarioID {
	case "procurement":
		err = h.loadProcurementScenario(r.Context())
	case "warehouse":
		err = h.loadWarehouseScenario(r.Context())
	case "branch-close":
		err = h.loadBranchCloseScenario(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q does not exist", req.ScenarioID))
		return
	}
	if err != nil {
		h.writeDomainError(w, r, fmt.Errorf("failed to load scenario %s: %w", req.ScenarioID, err))
		return
	}

	h.Logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"scenario": req.ScenarioID,
	})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadProcurementScenario(ctx context.Context) error {
	// A 25M requisition walks the full chain.
	pr, err := h.Engine.Create(ctx, generic.CreateInput{
		Type:        procurement.PurchaseRequisition,
		Actor:       demoSales,
		Amount:      generic.Money(25_000_000),
		Description: "Second milling line",
	})
	if err != nil {
		return err
	}
	steps := []struct {
		target generic.Status
		actor  generic.Actor
	}{
		{procurement.PRManagerApproved, demoManager},
		{procurement.PRAdminApproved, demoAdmin},
		{procurement.PROwnerApproved, demoOwner},
		{procurement.PRPurchased, demoAdmin},
	}
	for _, s := range steps {
		if _, err := h.Engine.Transition(ctx, generic.TransitionRequest{
			DocumentID: pr.ID, Target: s.target, Actor: s.actor,
		}); err != nil {
			return err
		}
	}

	// Small fund request: one signature, charged to finance-1.
	small, err := h.Engine.Create(ctx, generic.CreateInput{
		Type:        procurement.FundRequest,
		Actor:       demoFinance,
		Amount:      generic.Money(400_000),
		Description: "Packaging sacks",
	})
	if err != nil {
		return err
	}
	if _, err := h.Engine.Transition(ctx, generic.TransitionRequest{
		DocumentID: small.ID, Target: procurement.FRApproved, Actor: demoOwner,
	}); err != nil {
		return err
	}

	// Large fund request: first signature only.
	large, err := h.Engine.Create(ctx, generic.CreateInput{
		Type:        procurement.FundRequest,
		Actor:       demoFinance,
		Amount:      generic.Money(6_000_000),
		Description: "Wheat purchase, Arsi cooperative",
	})
	if err != nil {
		return err
	}
	_, err = h.Engine.Transition(ctx, generic.TransitionRequest{
		DocumentID: large.ID, Target: procurement.FRPartiallySigned, Actor: demoOwner,
	})
	return err
}

func (h *Handler) loadWarehouseScenario(ctx context.Context) error {
	if _, err := h.Inventory.Receive(ctx, warehouse.Receipt{
		ProductID:  "flour-1st-grade",
		QuantityKg: decimal.NewFromInt(10_000),
		Actor:      demoKeeper,
	}); err != nil {
		return err
	}

	order, err := h.Engine.Create(ctx, generic.CreateInput{
		Type:  warehouse.InternalOrder,
		Actor: demoSales,
		Attributes: map[string]string{
			warehouse.AttrProductID:     "flour-1st-grade",
			warehouse.AttrQuantity:      strconv.Itoa(20),
			warehouse.AttrPackageSizeKg: "50",
		},
	})
	if err != nil {
		return err
	}
	for _, s := range []struct {
		target generic.Status
		actor  generic.Actor
	}{
		{warehouse.IORApproved, demoManager},
		{warehouse.IORFulfilled, demoKeeper},
	} {
		if _, err := h.Engine.Transition(ctx, generic.TransitionRequest{
			DocumentID: order.ID, Target: s.target, Actor: s.actor,
		}); err != nil {
			return err
		}
	}

	_, err = h.Engine.Create(ctx, generic.CreateInput{
		Type:  warehouse.GatePass,
		Actor: demoKeeper,
		Attributes: map[string]string{
			warehouse.AttrVehiclePlate: "3-A12345",
			warehouse.AttrDriverName:   "Tesfaye",
			warehouse.AttrDestination:  "Girmay branch",
		},
	})
	return err
}

func (h *Handler) loadBranchCloseScenario(ctx context.Context) error {
	sales := []reconciliation.SaleInput{
		{PaymentType: reconciliation.PaymentCash, Amount: decimal.NewFromInt(1_200)},
		{PaymentType: reconciliation.PaymentCash, Amount: decimal.NewFromInt(850)},
		{PaymentType: reconciliation.PaymentMobileMoney, Amount: decimal.NewFromInt(2_400)},
		{PaymentType: reconciliation.PaymentLoan, Amount: decimal.NewFromInt(3_000), CustomerName: "Abebe Bakery"},
	}
	for _, s := range sales {
		s.Actor = demoSales
		if _, err := h.Recon.RecordSale(ctx, s); err != nil {
			return err
		}
	}

	// Expected 4450, counted 4445.
	_, err := h.Recon.Submit(ctx, reconciliation.SubmitInput{
		Date:       h.Recon.Today(),
		ActualCash: decimal.NewFromInt(4_445),
		Notes:      "Five birr short on change",
		Actor:      demoSales,
	})
	return err
}
