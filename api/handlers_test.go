package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/kushukushu/approval-engine/generic/store"
	"github.com/kushukushu/approval-engine/procurement"
	"github.com/kushukushu/approval-engine/reconciliation"
	"github.com/kushukushu/approval-engine/report"
	"github.com/kushukushu/approval-engine/warehouse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	salesBerhane   = generic.Actor{ID: "sales-berhane", Role: generic.RoleSales, BranchID: "berhane"}
	managerBerhane = generic.Actor{ID: "manager-berhane", Role: generic.RoleManager, BranchID: "berhane"}
	managerGirmay  = generic.Actor{ID: "manager-girmay", Role: generic.RoleManager, BranchID: "girmay"}
	keeperBerhane  = generic.Actor{ID: "keeper-berhane", Role: generic.RoleStoreKeeper, BranchID: "berhane"}
	adminActor     = generic.Actor{ID: "admin-1", Role: generic.RoleAdmin}
	financeActor   = generic.Actor{ID: "finance-1", Role: generic.RoleFinance}
	ownerActor     = generic.Actor{ID: "owner-1", Role: generic.RoleOwner}
)

type testServer struct {
	handler *Handler
	router  http.Handler
	store   *store.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := store.NewMemory()
	policy, err := generic.NewThresholdPolicy(generic.DefaultThresholdConfig())
	require.NoError(t, err)
	ledger := generic.NewSpendingLedger(mem, policy, time.UTC)
	registry, err := generic.NewRegistry(append(procurement.Chains(ledger), warehouse.Chains(mem)...)...)
	require.NoError(t, err)

	h := NewHandler(Deps{
		Engine:    generic.NewEngine(mem, registry),
		Recon:     reconciliation.NewEngine(mem),
		Ledger:    ledger,
		Settings:  mem,
		Inventory: warehouse.NewInventory(mem, nil),
		Branches:  []string{"berhane", "girmay"},
	})
	require.NoError(t, h.LoadControls(context.Background()))

	router := NewRouter(h, RouterOptions{EnableScenarios: true, StaticDir: t.TempDir()})
	return &testServer{handler: h, router: router, store: mem}
}

// do sends a JSON request as actor (nil sends no actor headers).
func (s *testServer) do(t *testing.T, method, path string, actor *generic.Actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(HeaderActorID, string(actor.ID))
		req.Header.Set(HeaderActorRole, string(actor.Role))
		req.Header.Set(HeaderActorBranch, actor.BranchID)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) ErrorResponse {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, code, resp.Code)
	return resp
}

func todayUTC() string { return time.Now().UTC().Format("2006-01-02") }

// =============================================================================
// DOCUMENTS
// =============================================================================

func TestDocumentLifecycle(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: a 25M requisition from sales
	rec := s.do(t, http.MethodPost, "/api/documents", &salesBerhane, map[string]any{
		"type": "purchase_requisition", "amount": 25000000, "description": "Second milling line",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	pr := decodeBody[DocumentDTO](t, rec)
	assert.Equal(t, "PR-00001", pr.Number)
	assert.Equal(t, "pending", pr.Status)
	assert.Equal(t, "multi_signature_required", pr.ApprovalClass)
	assert.True(t, pr.NotifyOwner)
	require.NotNil(t, pr.Amount)
	assert.Equal(t, "25000000", pr.Amount.String())

	path := "/api/documents/" + pr.ID + "/transitions"

	// Skipping a stage is a conflict.
	rec = s.do(t, http.MethodPost, path, &adminActor, map[string]any{"target": "admin_approved"})
	requireError(t, rec, http.StatusConflict, "invalid_transition")

	// Wrong role is forbidden.
	rec = s.do(t, http.MethodPost, path, &salesBerhane, map[string]any{"target": "manager_approved"})
	requireError(t, rec, http.StatusForbidden, "unauthorized")

	// WHEN: the manager approves
	rec = s.do(t, http.MethodPost, path, &managerBerhane, map[string]any{
		"target": "manager_approved", "notes": "needed", "details": map[string]string{"quote": "Q-17"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := decodeBody[DocumentDTO](t, rec)
	assert.Equal(t, "manager_approved", doc.Status)
	require.Len(t, doc.History, 1)
	assert.Equal(t, "manager-berhane", doc.History[0].ApprovedBy)
	assert.Equal(t, "Q-17", doc.History[0].Details["quote"])

	// THEN: repeating it is rejected, not silently accepted
	rec = s.do(t, http.MethodPost, path, &managerBerhane, map[string]any{"target": "manager_approved"})
	requireError(t, rec, http.StatusConflict, "already_in_state")

	rec = s.do(t, http.MethodGet, "/api/documents/"+pr.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[DocumentDTO](t, rec).History, 1)
}

func TestDocumentValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/documents", nil, map[string]any{"type": "purchase_requisition", "amount": 10})
	resp := requireError(t, rec, http.StatusBadRequest, "validation_failed")
	assert.Equal(t, "actor.id", resp.Details)

	rec = s.do(t, http.MethodPost, "/api/documents", &salesBerhane, map[string]any{"amount": 10})
	resp = requireError(t, rec, http.StatusBadRequest, "validation_failed")
	assert.Equal(t, "type", resp.Details)

	rec = s.do(t, http.MethodPost, "/api/documents", &salesBerhane, map[string]any{"type": "purchase_requisition"})
	resp = requireError(t, rec, http.StatusBadRequest, "validation_failed")
	assert.Equal(t, "amount", resp.Details)

	rec = s.do(t, http.MethodPost, "/api/documents", &salesBerhane, `{"type": `)
	requireError(t, rec, http.StatusBadRequest, "validation_failed")

	rec = s.do(t, http.MethodGet, "/api/documents/does-not-exist", nil, nil)
	requireError(t, rec, http.StatusNotFound, "not_found")
}

func TestRejectDocument(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/documents", &salesBerhane, map[string]any{"type": "purchase_requisition", "amount": 50000})
	require.Equal(t, http.StatusCreated, rec.Code)
	pr := decodeBody[DocumentDTO](t, rec)
	path := "/api/documents/" + pr.ID + "/reject"

	rec = s.do(t, http.MethodPost, path, &managerBerhane, map[string]any{})
	resp := requireError(t, rec, http.StatusBadRequest, "validation_failed")
	assert.Equal(t, "reason", resp.Details)

	rec = s.do(t, http.MethodPost, path, &managerBerhane, map[string]any{"reason": "duplicate of PR-00000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	doc := decodeBody[DocumentDTO](t, rec)
	assert.Equal(t, "rejected", doc.Status)
	require.NotNil(t, doc.Rejection)
	assert.Equal(t, "duplicate of PR-00000", doc.Rejection.Reason)

	rec = s.do(t, http.MethodPost, "/api/documents/"+pr.ID+"/transitions", &managerBerhane, map[string]any{"target": "manager_approved"})
	requireError(t, rec, http.StatusConflict, "invalid_transition")
}

func TestListAndExportDocuments(t *testing.T) {
	s := newTestServer(t)
	for _, amount := range []int{1000, 2000} {
		rec := s.do(t, http.MethodPost, "/api/documents", &salesBerhane, map[string]any{"type": "purchase_requisition", "amount": amount})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/api/documents", &financeActor, map[string]any{"type": "fund_request", "amount": 3000})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/documents?type=purchase_requisition", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	docs := decodeBody[[]DocumentDTO](t, rec)
	require.Len(t, docs, 2)
	assert.Equal(t, "PR-00001", docs[0].Number)

	rec = s.do(t, http.MethodGet, "/api/documents/export", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, report.ContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".xlsx")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")), "xlsx is a zip archive")
}

// =============================================================================
// FUND REQUESTS AND SPENDING
// =============================================================================

func createFundRequest(t *testing.T, s *testServer, amount int) DocumentDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/documents", &financeActor, map[string]any{"type": "fund_request", "amount": amount})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[DocumentDTO](t, rec)
}

func TestFundRequestLimitExceeded(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: 4.8M already approved today
	first := createFundRequest(t, s, 4_800_000)
	rec := s.do(t, http.MethodPost, "/api/documents/"+first.ID+"/transitions", &ownerActor, map[string]any{"target": "approved"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: another 300k is approved
	second := createFundRequest(t, s, 300_000)
	assert.Equal(t, "owner_approval_required", second.ApprovalClass)
	rec = s.do(t, http.MethodPost, "/api/documents/"+second.ID+"/transitions", &ownerActor, map[string]any{"target": "approved"})

	// THEN: the daily cap refuses it and the request stays pending
	resp := requireError(t, rec, http.StatusUnprocessableEntity, "limit_exceeded")
	assert.Equal(t, "daily", resp.Details)

	rec = s.do(t, http.MethodGet, "/api/documents/"+second.ID, nil, nil)
	assert.Equal(t, "pending", decodeBody[DocumentDTO](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/api/spending-limits/finance-1", &financeActor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	limits := decodeBody[SpendingLimitsDTO](t, rec)
	assert.Equal(t, "4800000", limits.DailySpent.String())
	require.NotNil(t, limits.DailyRemaining)
	assert.Equal(t, "200000", limits.DailyRemaining.String())
}

func TestFundRequestMultiSignature(t *testing.T) {
	s := newTestServer(t)

	// Exactly at the threshold one owner signature is enough.
	atThreshold := createFundRequest(t, s, 5_000_000)
	assert.False(t, atThreshold.RequiresMultiSignature)
	rec := s.do(t, http.MethodPost, "/api/documents/"+atThreshold.ID+"/transitions", &ownerActor, map[string]any{"target": "approved"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Lower the threshold and lift the daily limit for the two-signature path.
	rec = s.do(t, http.MethodPut, "/api/settings/financial-controls", &ownerActor, `{
		"auto_approval_threshold": 100000,
		"owner_approval_threshold": 1000000,
		"multi_signature_threshold": 2000000,
		"notify_owner_threshold": 500000,
		"daily_limit": null,
		"monthly_limit": null
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	fr := createFundRequest(t, s, 2_000_001)
	assert.True(t, fr.RequiresMultiSignature)
	path := "/api/documents/" + fr.ID + "/transitions"

	rec = s.do(t, http.MethodPost, path, &ownerActor, map[string]any{"target": "approved"})
	requireError(t, rec, http.StatusConflict, "invalid_transition")

	rec = s.do(t, http.MethodPost, path, &ownerActor, map[string]any{"target": "partially_signed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, path, &ownerActor, map[string]any{"target": "approved"})
	requireError(t, rec, http.StatusForbidden, "unauthorized")

	rec = s.do(t, http.MethodPost, path, &adminActor, map[string]any{"target": "approved"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "approved", decodeBody[DocumentDTO](t, rec).Status)
}

func TestSpendingLimitsVisibility(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/spending-limits/finance-1", &salesBerhane, nil)
	requireError(t, rec, http.StatusForbidden, "unauthorized")

	rec = s.do(t, http.MethodGet, "/api/spending-limits/finance-1", &ownerActor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	limits := decodeBody[SpendingLimitsDTO](t, rec)
	assert.Equal(t, "finance-1", limits.Officer)
	assert.Equal(t, "0", limits.DailySpent.String())
	assert.Equal(t, "5000000", limits.MultiSignatureThreshold.String())
}

// =============================================================================
// FINANCIAL CONTROLS
// =============================================================================

func TestFinancialControls(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/settings/financial-controls", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"multi_signature_threshold":5000000`)

	update := `{
		"auto_approval_threshold": 50000,
		"owner_approval_threshold": 500000,
		"multi_signature_threshold": 2000000,
		"notify_owner_threshold": 250000,
		"daily_limit": null,
		"monthly_limit": 80000000
	}`

	rec = s.do(t, http.MethodPut, "/api/settings/financial-controls", &financeActor, update)
	requireError(t, rec, http.StatusForbidden, "unauthorized")

	rec = s.do(t, http.MethodPut, "/api/settings/financial-controls", &ownerActor, `{"auto_approval_threshold": 5}`)
	requireError(t, rec, http.StatusBadRequest, "validation_failed")

	rec = s.do(t, http.MethodPut, "/api/settings/financial-controls", &ownerActor, update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"daily_limit":null`)

	// New requests are classified under the new controls.
	fr := createFundRequest(t, s, 2_000_000)
	assert.True(t, fr.RequiresMultiSignature)

	// And the controls survive a reload from the settings store.
	require.NoError(t, s.handler.LoadControls(context.Background()))
	assert.Equal(t, "2000000", s.handler.Ledger.Policy().Config().MultiSignature.String())
	assert.Nil(t, s.handler.Ledger.Policy().Config().DailyLimit)
}

// =============================================================================
// SALES AND RECONCILIATION
// =============================================================================

func TestReconciliationFlow(t *testing.T) {
	s := newTestServer(t)
	today := todayUTC()

	// GIVEN: a cash sale and a loan sale at berhane
	rec := s.do(t, http.MethodPost, "/api/sales", &salesBerhane, map[string]any{"payment_type": "cash", "amount": 1000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sale := decodeBody[SaleDTO](t, rec)
	assert.Equal(t, "TXN-000001", sale.Number)
	assert.Equal(t, today, sale.Date)

	rec = s.do(t, http.MethodPost, "/api/sales", &salesBerhane, map[string]any{"payment_type": "loan", "amount": 500})
	resp := requireError(t, rec, http.StatusBadRequest, "validation_failed")
	assert.Equal(t, "customer_name", resp.Details)

	rec = s.do(t, http.MethodPost, "/api/sales", &salesBerhane, map[string]any{"payment_type": "loan", "amount": 500, "customer_name": "Abebe Bakery"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// A girmay sale that nobody reconciles.
	rec = s.do(t, http.MethodPost, "/api/sales", &managerGirmay, map[string]any{"payment_type": "mobile_money", "amount": 250})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: berhane counts 800 in the drawer
	rec = s.do(t, http.MethodPost, "/api/reconciliations", &salesBerhane, map[string]any{"date": today, "actual_cash": 800})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	recon := decodeBody[ReconciliationDTO](t, rec)

	// THEN: loans are excluded and the shortfall is significant
	assert.Equal(t, "1000", recon.ExpectedCash.String())
	assert.Equal(t, "500", recon.LoanSales.String())
	assert.Equal(t, "-200", recon.Variance.String())
	assert.Equal(t, "significant", recon.Classification)
	assert.Equal(t, "pending", recon.Status)

	rec = s.do(t, http.MethodPost, "/api/reconciliations", &salesBerhane, map[string]any{"date": today, "actual_cash": 1000})
	requireError(t, rec, http.StatusConflict, "already_submitted")

	rec = s.do(t, http.MethodPost, "/api/reconciliations", &salesBerhane, map[string]any{"date": "14/03/2025", "actual_cash": 1000})
	resp = requireError(t, rec, http.StatusBadRequest, "validation_failed")
	assert.Equal(t, "date", resp.Details)

	rec = s.do(t, http.MethodGet, "/api/reconciliations/missing?date="+today, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	missing := decodeBody[MissingReconciliationDTO](t, rec)
	assert.Equal(t, []string{"girmay"}, missing.Branches)

	verify := "/api/reconciliations/" + recon.ID + "/verify"
	rec = s.do(t, http.MethodPost, verify, &salesBerhane, map[string]any{"decision": "approved"})
	requireError(t, rec, http.StatusForbidden, "unauthorized")

	rec = s.do(t, http.MethodPost, verify, &financeActor, map[string]any{"decision": "maybe"})
	resp = requireError(t, rec, http.StatusBadRequest, "validation_failed")
	assert.Equal(t, "decision", resp.Details)

	rec = s.do(t, http.MethodPost, verify, &financeActor, map[string]any{"decision": "disputed"})
	resp = requireError(t, rec, http.StatusBadRequest, "validation_failed")
	assert.Equal(t, "variance_explanation", resp.Details)

	rec = s.do(t, http.MethodPost, verify, &financeActor, map[string]any{
		"decision": "disputed", "variance_explanation": "porter paid from the drawer",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	verified := decodeBody[ReconciliationDTO](t, rec)
	assert.Equal(t, "disputed", verified.Status)
	assert.Equal(t, "finance-1", verified.VerifiedBy)
	assert.NotNil(t, verified.VerifiedAt)

	rec = s.do(t, http.MethodGet, "/api/reconciliations?status=disputed", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ReconciliationDTO](t, rec), 1)

	rec = s.do(t, http.MethodGet, "/api/reconciliations/export?branch_id=berhane", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, report.ContentType, rec.Header().Get("Content-Type"))
}

// =============================================================================
// INVENTORY
// =============================================================================

func TestInventory(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/inventory/receipts", &keeperBerhane, map[string]any{"product_id": "flour-1st-grade", "quantity_kg": 500})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "500", decodeBody[StockLevelDTO](t, rec).QuantityKg.String())

	rec = s.do(t, http.MethodPost, "/api/inventory/receipts", &salesBerhane, map[string]any{"product_id": "flour-1st-grade", "quantity_kg": 5})
	requireError(t, rec, http.StatusForbidden, "unauthorized")

	// An order for more than is on hand cannot be fulfilled.
	rec = s.do(t, http.MethodPost, "/api/documents", &salesBerhane, map[string]any{
		"type": "internal_order",
		"attributes": map[string]string{
			"product_id": "flour-1st-grade", "quantity": "20", "package_size_kg": "50",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decodeBody[DocumentDTO](t, rec)
	path := "/api/documents/" + order.ID + "/transitions"

	rec = s.do(t, http.MethodPost, path, &managerBerhane, map[string]any{"target": "approved"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = s.do(t, http.MethodPost, path, &keeperBerhane, map[string]any{"target": "fulfilled"})
	requireError(t, rec, http.StatusUnprocessableEntity, "insufficient_stock")

	rec = s.do(t, http.MethodGet, "/api/inventory?branch_id=berhane", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	levels := decodeBody[[]StockLevelDTO](t, rec)
	require.Len(t, levels, 1)
	assert.Equal(t, "500", levels[0].QuantityKg.String())
}

// =============================================================================
// PRODUCTION
// =============================================================================

func TestMillingFlow(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: 2000 kg of wheat delivered to berhane
	rec := s.do(t, http.MethodPost, "/api/wheat-deliveries", &keeperBerhane, map[string]any{
		"supplier": "Tigray Farmers Union", "quantity_kg": 2000, "unit_cost": 28, "delivery_date": todayUTC(),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wd := decodeBody[DocumentDTO](t, rec)
	assert.Equal(t, "WD-00001", wd.Number)
	assert.Equal(t, "received", wd.Status)
	require.NotNil(t, wd.Amount)
	assert.Equal(t, "56000", wd.Amount.String())

	rec = s.do(t, http.MethodGet, "/api/wheat-deliveries?branch_id=berhane", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]DocumentDTO](t, rec), 1)

	// Orders for more wheat than is on hand are refused.
	rec = s.do(t, http.MethodPost, "/api/milling-orders", &managerBerhane, map[string]any{"raw_wheat_kg": 5000})
	requireError(t, rec, http.StatusUnprocessableEntity, "insufficient_stock")

	rec = s.do(t, http.MethodPost, "/api/milling-orders", &salesBerhane, map[string]any{"raw_wheat_kg": 100})
	requireError(t, rec, http.StatusForbidden, "unauthorized")

	// WHEN: the manager mills 1000 kg and measures 840 kg of flour
	rec = s.do(t, http.MethodPost, "/api/milling-orders", &managerBerhane, map[string]any{
		"raw_wheat_kg": 1000, "mill_operator": "Gebre",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	mo := decodeBody[DocumentDTO](t, rec)
	assert.Equal(t, "MO-00001", mo.Number)
	assert.Equal(t, "pending", mo.Status)
	assert.Equal(t, "850", mo.Attributes["expected_flour_output_kg"])
	assert.Equal(t, "bread-flour", mo.Attributes["output_product"])

	complete := "/api/milling-orders/" + mo.ID + "/complete"
	rec = s.do(t, http.MethodPost, complete, &managerGirmay, map[string]any{"flour_output_kg": 840})
	requireError(t, rec, http.StatusForbidden, "unauthorized")

	rec = s.do(t, http.MethodPost, complete, &managerBerhane, map[string]any{"flour_output_kg": 1500})
	resp := requireError(t, rec, http.StatusBadRequest, "validation_failed")
	assert.Equal(t, "flour_output_kg", resp.Details)

	rec = s.do(t, http.MethodPost, complete, &managerBerhane, map[string]any{"flour_output_kg": 840, "notes": "mill 2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decodeBody[DocumentDTO](t, rec)

	// THEN: the measured output is on the history and stock has moved
	assert.Equal(t, "completed", done.Status)
	require.Len(t, done.History, 1)
	assert.Equal(t, map[string]string{"flour_output_kg": "840"}, done.History[0].Details)

	rec = s.do(t, http.MethodPost, complete, &managerBerhane, map[string]any{})
	requireError(t, rec, http.StatusConflict, "already_in_state")

	rec = s.do(t, http.MethodGet, "/api/inventory?branch_id=berhane", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stock := map[string]string{}
	for _, l := range decodeBody[[]StockLevelDTO](t, rec) {
		stock[l.ProductID] = l.QuantityKg.String()
	}
	assert.Equal(t, map[string]string{"raw-wheat": "1000", "bread-flour": "840"}, stock)

	rec = s.do(t, http.MethodGet, "/api/milling-orders?status=completed", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]DocumentDTO](t, rec), 1)

	// Completing something that is not a milling order is not found.
	rec = s.do(t, http.MethodPost, "/api/milling-orders/"+wd.ID+"/complete", &managerBerhane, map[string]any{})
	requireError(t, rec, http.StatusNotFound, "not_found")
}

func TestWheatDeliveryValidation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/wheat-deliveries", &keeperBerhane, map[string]any{"quantity_kg": 10, "unit_cost": 28})
	resp := requireError(t, rec, http.StatusBadRequest, "validation_failed")
	assert.Equal(t, "supplier", resp.Details)

	rec = s.do(t, http.MethodPost, "/api/wheat-deliveries", &keeperBerhane, map[string]any{
		"supplier": "Axum Grain", "quantity_kg": 0, "unit_cost": 28,
	})
	resp = requireError(t, rec, http.StatusBadRequest, "validation_failed")
	assert.Equal(t, "quantity_kg", resp.Details)

	rec = s.do(t, http.MethodPost, "/api/wheat-deliveries", &salesBerhane, map[string]any{
		"supplier": "Axum Grain", "quantity_kg": 10, "unit_cost": 28,
	})
	requireError(t, rec, http.StatusForbidden, "unauthorized")
}

// =============================================================================
// LOANS
// =============================================================================

func TestLoanFlow(t *testing.T) {
	s := newTestServer(t)

	// GIVEN: two loan sales to the same bakery
	for _, amount := range []int{600, 400} {
		rec := s.do(t, http.MethodPost, "/api/sales", &salesBerhane, map[string]any{
			"payment_type": "loan", "amount": amount, "customer_name": "Abebe Bakery",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.NotEmpty(t, decodeBody[SaleDTO](t, rec).LoanID)
	}

	rec := s.do(t, http.MethodGet, "/api/loans?branch_id=berhane&status=active", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	loans := decodeBody[[]LoanDTO](t, rec)
	require.Len(t, loans, 1)
	loan := loans[0]
	assert.Equal(t, "1000", loan.Balance.String())
	assert.Equal(t, "1000", loan.InitialAmount.String())

	payments := "/api/loans/" + loan.ID + "/payments"

	rec = s.do(t, http.MethodPost, payments, &salesBerhane, map[string]any{"amount": 1500})
	resp := requireError(t, rec, http.StatusBadRequest, "validation_failed")
	assert.Equal(t, "amount", resp.Details)

	rec = s.do(t, http.MethodPost, payments, &salesBerhane, map[string]any{"amount": 100, "payment_method": "cheque"})
	requireError(t, rec, http.StatusBadRequest, "validation_failed")

	rec = s.do(t, http.MethodPost, payments, &managerGirmay, map[string]any{"amount": 100})
	requireError(t, rec, http.StatusForbidden, "unauthorized")

	// WHEN: the bakery pays in two instalments
	rec = s.do(t, http.MethodPost, payments, &salesBerhane, map[string]any{"amount": 300, "payment_method": "mobile_money"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[LoanPaymentResultDTO](t, rec)
	assert.Equal(t, "700", first.Loan.Balance.String())
	assert.Equal(t, "active", first.Loan.Status)
	assert.Equal(t, "1000", first.Payment.PreviousBalance.String())
	assert.Equal(t, "mobile_money", first.Payment.PaymentMethod)

	rec = s.do(t, http.MethodPost, payments, &financeActor, map[string]any{"amount": 700})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	second := decodeBody[LoanPaymentResultDTO](t, rec)

	// THEN: the loan is paid and takes no more payments
	assert.Equal(t, "paid", second.Loan.Status)
	assert.Equal(t, "0", second.Loan.Balance.String())
	assert.Equal(t, "cash", second.Payment.PaymentMethod)

	rec = s.do(t, http.MethodPost, payments, &salesBerhane, map[string]any{"amount": 1})
	requireError(t, rec, http.StatusConflict, "invalid_transition")

	rec = s.do(t, http.MethodGet, payments, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[[]LoanPaymentDTO](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, "700", history[0].Amount.String(), "newest first")

	rec = s.do(t, http.MethodGet, "/api/loans/"+loan.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decodeBody[LoanDTO](t, rec).LastPaymentAt)

	rec = s.do(t, http.MethodGet, "/api/loans/nope", nil, nil)
	requireError(t, rec, http.StatusNotFound, "not_found")
	rec = s.do(t, http.MethodGet, "/api/loans/nope/payments", nil, nil)
	requireError(t, rec, http.StatusNotFound, "not_found")
}

// =============================================================================
// HEALTH AND SCENARIOS
// =============================================================================

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HealthDTO{Status: "ok", Database: "unknown"}, decodeBody[HealthDTO](t, rec))

	s.handler.DB = pingerFunc(func(context.Context) error { return errors.New("disk gone") })
	rec = s.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unreachable", decodeBody[HealthDTO](t, rec).Database)
}

func TestScenarios(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/scenarios", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ScenarioDTO](t, rec), 3)

	for _, id := range []string{"procurement", "warehouse", "branch-close"} {
		rec = s.do(t, http.MethodPost, "/api/scenarios/load", nil, map[string]any{"scenario_id": id})
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", id, rec.Body.String())
	}

	rec = s.do(t, http.MethodGet, "/api/documents?type=fund_request", nil, nil)
	frs := decodeBody[[]DocumentDTO](t, rec)
	require.Len(t, frs, 2)
	assert.Equal(t, "approved", frs[0].Status)
	assert.Equal(t, "partially_signed", frs[1].Status)

	rec = s.do(t, http.MethodGet, "/api/documents?type=gate_pass&status=pending_gate_approval", nil, nil)
	assert.Len(t, decodeBody[[]DocumentDTO](t, rec), 1)

	// The branch day is already reconciled.
	rec = s.do(t, http.MethodPost, "/api/scenarios/load", nil, map[string]any{"scenario_id": "branch-close"})
	requireError(t, rec, http.StatusConflict, "already_submitted")

	rec = s.do(t, http.MethodPost, "/api/scenarios/load", nil, map[string]any{"scenario_id": "nope"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "does not exist"))
}
