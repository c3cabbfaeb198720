/*
handlers.go - HTTP request handlers for the approval engine API

PURPOSE:
  Implements the REST API endpoints. Handlers are thin: they decode the
  request, identify the actor, call one engine operation and render the
  result. All business rules live in generic/, procurement/, warehouse/
  and reconciliation/.

ENDPOINTS:
  Documents:
    POST   /api/documents                   - Create any approval document
    GET    /api/documents                   - Query (type, status, branch_id, requested_by)
    GET    /api/documents/export            - Same query as an .xlsx workbook
    GET    /api/documents/{id}              - Get one document with its history
    POST   /api/documents/{id}/transitions  - Advance to a target stage
    POST   /api/documents/{id}/reject       - Reject with a reason

  Spending:
    GET    /api/spending-limits/{officer}   - Daily/monthly spent and remaining
    GET    /api/settings/financial-controls - Active thresholds and limits
    PUT    /api/settings/financial-controls - Replace them (owner only)

  Sales and reconciliation:
    POST   /api/sales                       - Record a point-of-sale transaction
    POST   /api/reconciliations             - Submit a branch-day reconciliation
    GET    /api/reconciliations             - Query (branch_id, status, date)
    GET    /api/reconciliations/missing     - Branches that sold but did not reconcile
    GET    /api/reconciliations/export      - Same query as an .xlsx workbook
    GET    /api/reconciliations/{id}        - Get one record
    POST   /api/reconciliations/{id}/verify - Finance approves or disputes

  Loans (accounts receivable):
    GET    /api/loans                       - Query (branch_id, status, customer_name)
    GET    /api/loans/{id}                  - Get one loan
    POST   /api/loans/{id}/payments         - Record a repayment (also /payment)
    GET    /api/loans/{id}/payments         - Repayments, newest first

  Inventory:
    GET    /api/inventory                   - Stock levels (branch_id optional)
    POST   /api/inventory/receipts          - Book incoming stock

  Production:
    POST   /api/wheat-deliveries            - Book raw wheat from a supplier
    GET    /api/wheat-deliveries            - Query (branch_id)
    POST   /api/milling-orders              - Place a milling order
    GET    /api/milling-orders              - Query (branch_id, status)
    POST   /api/milling-orders/{id}/complete - Turn the wheat into flour

ACTOR:
  Every mutating call identifies its actor with three headers:
    X-Actor-ID, X-Actor-Role, X-Actor-Branch
  Authentication happens in front of this service; the engine only checks
  that the stated role may take the requested step.

ERROR HANDLING:
  writeDomainError maps engine errors to status codes:
    ValidationError                      400 validation_failed
    UnauthorizedError                    403 unauthorized
    ErrNotFound                          404 not_found
    TransitionError                      409 invalid_transition
    AlreadyInStateError                  409 already_in_state
    ErrAlreadySubmitted                  409 already_submitted
    LimitExceededError                   422 limit_exceeded
    InsufficientStockError               422 insufficient_stock
    anything else                        500 internal_error
  The body is always {"error", "code", "details"}.

SEE ALSO:
  - server.go: Route definitions
  - dto.go: Request/response types
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/kushukushu/approval-engine/factory"
	"github.com/kushukushu/approval-engine/generic"
	"github.com/kushukushu/approval-engine/reconciliation"
	"github.com/kushukushu/approval-engine/report"
	"github.com/kushukushu/approval-engine/warehouse"
	"go.uber.org/zap"
)

const (
	HeaderActorID     = "X-Actor-ID"
	HeaderActorRole   = "X-Actor-Role"
	HeaderActorBranch = "X-Actor-Branch"

	maxBodyBytes = 1 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *generic.Engine
	Recon     *reconciliation.Engine
	Ledger    *generic.SpendingLedger
	Settings  generic.SettingsStore
	Inventory *warehouse.Inventory
	Reports   *report.Writer
	Logger    *zap.Logger

	// Optional; health reports "unknown" without it.
	DB Pinger

	// Branches checked for missing reconciliations.
	Branches []string

	validate *validator.Validate
	now      func() time.Time
}

// Deps bundles what NewHandler needs.
type Deps struct {
	Engine    *generic.Engine
	Recon     *reconciliation.Engine
	Ledger    *generic.SpendingLedger
	Settings  generic.SettingsStore
	Inventory *warehouse.Inventory
	DB        Pinger
	Branches  []string
	Logger    *zap.Logger
}

// NewHandler creates a new handler over the given engines.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		Engine:    d.Engine,
		Recon:     d.Recon,
		Ledger:    d.Ledger,
		Settings:  d.Settings,
		Inventory: d.Inventory,
		Reports:   report.NewWriter(logger),
		Logger:    logger,
		DB:        d.DB,
		Branches:  d.Branches,
		validate:  v,
		now:       time.Now,
	}
}

// LoadControls loads the stored financial controls into the threshold
// policy and the reconciliation bands. On first start the defaults are
// written so that GET always returns what is in force.
func (h *Handler) LoadControls(ctx context.Context) error {
	data, err := h.Settings.GetSetting(ctx, factory.SettingsKey)
	if errors.Is(err, generic.ErrNotFound) {
		data, err = json.Marshal(factory.DefaultControlsJSON())
		if err != nil {
			return err
		}
		if err := h.Settings.SaveSetting(ctx, factory.SettingsKey, data); err != nil {
			return fmt.Errorf("failed to seed financial controls: %w", err)
		}
	} else if err != nil {
		return err
	}

	cfg, bands, err := factory.ParseControls(data)
	if err != nil {
		return fmt.Errorf("stored financial controls are invalid: %w", err)
	}
	if err := h.Ledger.Policy().Update(cfg); err != nil {
		return err
	}
	return h.Recon.SetBands(bands)
}

// =============================================================================
// DOCUMENT HANDLERS
// =============================================================================

// CreateDocument creates a document of any registered type.
// POST /api/documents
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	in := generic.CreateInput{
		Type:        generic.DocumentType(req.Type),
		Actor:       actorFrom(r),
		BranchID:    req.BranchID,
		Description: req.Description,
		Attributes:  req.Attributes,
	}
	if req.Amount != nil {
		amount, err := parseMoney("amount", *req.Amount)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		in.Amount = &amount
	}

	doc, err := h.Engine.Create(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentDTO(doc))
}

// ListDocuments returns documents matching the query string.
// GET /api/documents?type=&status=&branch_id=&requested_by=
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.Engine.List(r.Context(), documentFilter(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]DocumentDTO, len(docs))
	for i, d := range docs {
		dtos[i] = toDocumentDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDocument returns one document with its full history.
// GET /api/documents/{id}
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Engine.Get(r.Context(), generic.DocumentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// TransitionDocument advances a document to the requested stage.
// POST /api/documents/{id}/transitions
func (h *Handler) TransitionDocument(w http.ResponseWriter, r *http.Request) {
	var req TransitionDocumentRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	doc, err := h.Engine.Transition(r.Context(), generic.TransitionRequest{
		DocumentID: generic.DocumentID(chi.URLParam(r, "id")),
		Target:     generic.Status(req.Target),
		Actor:      actorFrom(r),
		Notes:      req.Notes,
		Details:    req.Details,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// RejectDocument moves a document into its rejected state.
// POST /api/documents/{id}/reject
func (h *Handler) RejectDocument(w http.ResponseWriter, r *http.Request) {
	var req RejectDocumentRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	doc, err := h.Engine.Reject(r.Context(), generic.DocumentID(chi.URLParam(r, "id")), actorFrom(r), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// ExportDocuments streams the filtered documents as a workbook.
// GET /api/documents/export
func (h *Handler) ExportDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.Engine.List(r.Context(), documentFilter(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	day := generic.DayOf(h.now(), h.Ledger.Location())
	writeWorkbook(w, report.Filename(report.DocumentsSheet, day), func(out io.Writer) error {
		return h.Reports.Documents(out, docs)
	}, h.Logger)
}

func documentFilter(r *http.Request) generic.Filter {
	q := r.URL.Query()
	return generic.Filter{
		Type:        generic.DocumentType(q.Get("type")),
		Status:      generic.Status(q.Get("status")),
		BranchID:    q.Get("branch_id"),
		RequestedBy: generic.ActorID(q.Get("requested_by")),
	}
}

// =============================================================================
// SPENDING HANDLERS
// =============================================================================

// GetSpendingLimits returns an officer's spending against the caps.
// Officers see their own figures; finance, admin and owner see anyone's.
// GET /api/spending-limits/{officer}
func (h *Handler) GetSpendingLimits(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if err := actor.Validate(); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	officer := generic.ActorID(chi.URLParam(r, "officer"))
	if officer != actor.ID && !actor.HasRole(generic.RoleFinance, generic.RoleAdmin, generic.RoleOwner) {
		h.writeDomainError(w, r, &generic.UnauthorizedError{
			Actor: actor.ID, Role: actor.Role,
			Reason: "only finance, admin or owner may view another officer's limits",
		})
		return
	}

	view, err := h.Ledger.Limits(r.Context(), officer, h.now())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSpendingLimitsDTO(view))
}

// GetFinancialControls returns the controls currently in force.
// GET /api/settings/financial-controls
func (h *Handler) GetFinancialControls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, factory.ToJSON(h.Ledger.Policy().Config(), h.Recon.Bands()))
}

// UpdateFinancialControls validates and activates new controls.
// PUT /api/settings/financial-controls
func (h *Handler) UpdateFinancialControls(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	if err := actor.Validate(); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !actor.HasRole(generic.RoleOwner) {
		h.writeDomainError(w, r, &generic.UnauthorizedError{
			Actor: actor.ID, Role: actor.Role, Required: []generic.Role{generic.RoleOwner},
			Reason: "only the owner may change financial controls",
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	cfg, bands, err := factory.ParseControls(body)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	normalized, err := json.Marshal(factory.ToJSON(cfg, bands))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := h.Settings.SaveSetting(r.Context(), factory.SettingsKey, normalized); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := h.Ledger.Policy().Update(cfg); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := h.Recon.SetBands(bands); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.Logger.Info("financial controls updated",
		zap.String("actor", string(actor.ID)),
		zap.String("multi_signature_threshold", cfg.MultiSignature.String()),
	)
	writeJSON(w, http.StatusOK, factory.ToJSON(cfg, bands))
}

// =============================================================================
// SALES AND RECONCILIATION HANDLERS
// =============================================================================

// RecordSale records a point-of-sale transaction.
// POST /api/sales
func (h *Handler) RecordSale(w http.ResponseWriter, r *http.Request) {
	var req RecordSaleRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	amount, err := parseMoney("amount", req.Amount)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	sale, err := h.Recon.RecordSale(r.Context(), reconciliation.SaleInput{
		BranchID:     req.BranchID,
		PaymentType:  reconciliation.PaymentType(req.PaymentType),
		Amount:       amount,
		CustomerName: req.CustomerName,
		Actor:        actorFrom(r),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSaleDTO(sale))
}

// SubmitReconciliation records a branch's end-of-day cash count.
// POST /api/reconciliations
func (h *Handler) SubmitReconciliation(w http.ResponseWriter, r *http.Request) {
	var req SubmitReconciliationRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	day, err := generic.ParseDay(req.Date)
	if err != nil {
		h.writeDomainError(w, r, &generic.ValidationError{Field: "date", Message: "use YYYY-MM-DD"})
		return
	}
	actual, err := parseMoney("actual_cash", req.ActualCash)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	rec, err := h.Recon.Submit(r.Context(), reconciliation.SubmitInput{
		BranchID:   req.BranchID,
		Date:       day,
		ActualCash: actual,
		Notes:      req.Notes,
		Actor:      actorFrom(r),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReconciliationDTO(rec))
}

// ListReconciliations returns records matching the query string.
// GET /api/reconciliations?branch_id=&status=&date=
func (h *Handler) ListReconciliations(w http.ResponseWriter, r *http.Request) {
	filter, err := reconciliationFilter(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	recs, err := h.Recon.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]ReconciliationDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toReconciliationDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReconciliation returns one record.
// GET /api/reconciliations/{id}
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Recon.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rec))
}

// VerifyReconciliation approves or disputes a pending record.
// POST /api/reconciliations/{id}/verify
func (h *Handler) VerifyReconciliation(w http.ResponseWriter, r *http.Request) {
	var req VerifyReconciliationRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	rec, err := h.Recon.Verify(r.Context(), reconciliation.VerifyInput{
		ID:                  chi.URLParam(r, "id"),
		Decision:            generic.Status(req.Decision),
		Actor:               actorFrom(r),
		Notes:               req.Notes,
		VarianceExplanation: req.VarianceExplanation,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rec))
}

// ListMissingReconciliations reports branches that sold on a day (default
// yesterday) without reconciling it.
// GET /api/reconciliations/missing?date=
func (h *Handler) ListMissingReconciliations(w http.ResponseWriter, r *http.Request) {
	day := h.Recon.Today().AddDays(-1)
	if s := r.URL.Query().Get("date"); s != "" {
		var err error
		if day, err = generic.ParseDay(s); err != nil {
			h.writeDomainError(w, r, &generic.ValidationError{Field: "date", Message: "use YYYY-MM-DD"})
			return
		}
	}
	branches, err := h.Recon.Missing(r.Context(), day, h.Branches)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if branches == nil {
		branches = []string{}
	}
	writeJSON(w, http.StatusOK, MissingReconciliationDTO{Date: day.String(), Branches: branches})
}

// ExportReconciliations streams the filtered records as a workbook.
// GET /api/reconciliations/export
func (h *Handler) ExportReconciliations(w http.ResponseWriter, r *http.Request) {
	filter, err := reconciliationFilter(r)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	recs, err := h.Recon.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeWorkbook(w, report.Filename(report.ReconciliationsSheet, h.Recon.Today()), func(out io.Writer) error {
		return h.Reports.Reconciliations(out, recs)
	}, h.Logger)
}

func reconciliationFilter(r *http.Request) (reconciliation.Filter, error) {
	q := r.URL.Query()
	f := reconciliation.Filter{
		BranchID: q.Get("branch_id"),
		Status:   generic.Status(q.Get("status")),
	}
	if s := q.Get("date"); s != "" {
		day, err := generic.ParseDay(s)
		if err != nil {
			return f, &generic.ValidationError{Field: "date", Message: "use YYYY-MM-DD"}
		}
		f.Date = day
	}
	return f, nil
}

// =============================================================================
// INVENTORY HANDLERS
// =============================================================================

// ListInventory returns stock levels, optionally for one branch.
// GET /api/inventory?branch_id=
func (h *Handler) ListInventory(w http.ResponseWriter, r *http.Request) {
	levels, err := h.Inventory.Levels(r.Context(), r.URL.Query().Get("branch_id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]StockLevelDTO, len(levels))
	for i, l := range levels {
		dtos[i] = toStockLevelDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReceiveStock books incoming flour into a branch.
// POST /api/inventory/receipts
func (h *Handler) ReceiveStock(w http.ResponseWriter, r *http.Request) {
	var req StockReceiptRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	qty, err := parseMoney("quantity_kg", req.QuantityKg)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	level, err := h.Inventory.Receive(r.Context(), warehouse.Receipt{
		BranchID:   req.BranchID,
		ProductID:  req.ProductID,
		QuantityKg: qty,
		Actor:      actorFrom(r),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStockLevelDTO(level))
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

// ListLoans returns loans matching the query string, newest first.
// GET /api/loans?branch_id=&status=&customer_name=
func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	loans, err := h.Recon.Loans(r.Context(), reconciliation.LoanFilter{
		BranchID:     q.Get("branch_id"),
		Status:       reconciliation.LoanStatus(q.Get("status")),
		CustomerName: q.Get("customer_name"),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]LoanDTO, len(loans))
	for i, l := range loans {
		dtos[i] = toLoanDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetLoan returns one loan.
// GET /api/loans/{id}
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.Recon.Loan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanDTO(loan))
}

// RecordLoanPayment reduces a loan's balance.
// POST /api/loans/{id}/payments
func (h *Handler) RecordLoanPayment(w http.ResponseWriter, r *http.Request) {
	var req LoanPaymentRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	amount, err := parseMoney("amount", req.Amount)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	loan, payment, err := h.Recon.RecordLoanPayment(r.Context(), reconciliation.LoanPaymentInput{
		LoanID: chi.URLParam(r, "id"),
		Amount: amount,
		Method: reconciliation.PaymentType(req.PaymentMethod),
		Notes:  req.Notes,
		Actor:  actorFrom(r),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, LoanPaymentResultDTO{Loan: toLoanDTO(loan), Payment: toLoanPaymentDTO(payment)})
}

// ListLoanPayments returns a loan's repayments, newest first.
// GET /api/loans/{id}/payments
func (h *Handler) ListLoanPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Recon.LoanPayments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]LoanPaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toLoanPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PRODUCTION HANDLERS
// =============================================================================

// CreateWheatDelivery books raw wheat received from a supplier.
// POST /api/wheat-deliveries
func (h *Handler) CreateWheatDelivery(w http.ResponseWriter, r *http.Request) {
	var req WheatDeliveryRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	attrs := map[string]string{
		warehouse.AttrSupplier:   req.Supplier,
		warehouse.AttrQuantityKg: req.QuantityKg.String(),
		warehouse.AttrUnitCost:   req.UnitCost.String(),
	}
	if req.DeliveryDate != "" {
		attrs[warehouse.AttrDeliveryDate] = req.DeliveryDate
	}
	h.createTyped(w, r, warehouse.WheatDelivery, req.BranchID, req.Notes, attrs)
}

// CreateMillingOrder places an order to mill raw wheat.
// POST /api/milling-orders
func (h *Handler) CreateMillingOrder(w http.ResponseWriter, r *http.Request) {
	var req MillingOrderRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	attrs := map[string]string{warehouse.AttrRawWheatKg: req.RawWheatKg.String()}
	if req.OutputProduct != "" {
		attrs[warehouse.AttrOutputProduct] = req.OutputProduct
	}
	if req.MillOperator != "" {
		attrs[warehouse.AttrMillOperator] = req.MillOperator
	}
	h.createTyped(w, r, warehouse.MillingOrder, req.BranchID, req.Notes, attrs)
}

// CompleteMillingOrder records the mill's output and moves the stock.
// POST /api/milling-orders/{id}/complete
func (h *Handler) CompleteMillingOrder(w http.ResponseWriter, r *http.Request) {
	var req CompleteMillingOrderRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	id := generic.DocumentID(chi.URLParam(r, "id"))
	doc, err := h.Engine.Get(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if doc.Type != warehouse.MillingOrder {
		h.writeDomainError(w, r, generic.ErrNotFound)
		return
	}

	var details map[string]string
	if req.FlourOutputKg != nil {
		details = map[string]string{warehouse.DetailFlourOutputKg: req.FlourOutputKg.String()}
	}
	doc, err = h.Engine.Transition(r.Context(), generic.TransitionRequest{
		DocumentID: id,
		Target:     warehouse.MOCompleted,
		Actor:      actorFrom(r),
		Notes:      req.Notes,
		Details:    details,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(doc))
}

// ListWheatDeliveries returns deliveries, optionally for one branch.
// GET /api/wheat-deliveries?branch_id=
func (h *Handler) ListWheatDeliveries(w http.ResponseWriter, r *http.Request) {
	h.listTyped(w, r, warehouse.WheatDelivery)
}

// ListMillingOrders returns milling orders.
// GET /api/milling-orders?branch_id=&status=
func (h *Handler) ListMillingOrders(w http.ResponseWriter, r *http.Request) {
	h.listTyped(w, r, warehouse.MillingOrder)
}

func (h *Handler) createTyped(w http.ResponseWriter, r *http.Request, t generic.DocumentType, branch, notes string, attrs map[string]string) {
	doc, err := h.Engine.Create(r.Context(), generic.CreateInput{
		Type:        t,
		Actor:       actorFrom(r),
		BranchID:    branch,
		Description: notes,
		Attributes:  attrs,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentDTO(doc))
}

func (h *Handler) listTyped(w http.ResponseWriter, r *http.Request, t generic.DocumentType) {
	f := documentFilter(r)
	f.Type = t
	docs, err := h.Engine.List(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]DocumentDTO, len(docs))
	for i, d := range docs {
		dtos[i] = toDocumentDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports liveness and database reachability.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthDTO{Status: "ok", Database: "unknown"}
	if h.DB != nil {
		if err := h.DB.Ping(r.Context()); err != nil {
			resp.Status, resp.Database = "degraded", "unreachable"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Database = "ok"
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

// actorFrom reads the acting identity from the request headers.
func actorFrom(r *http.Request) generic.Actor {
	return generic.Actor{
		ID:       generic.ActorID(strings.TrimSpace(r.Header.Get(HeaderActorID))),
		Role:     generic.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderActorRole)))),
		BranchID: strings.TrimSpace(r.Header.Get(HeaderActorBranch)),
	}
}

// decode reads a JSON body into dst and runs its validate tags. Failures
// come back as *generic.ValidationError.
func (h *Handler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return &generic.ValidationError{Message: "invalid request body: " + err.Error()}
	}
	if err := h.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &generic.ValidationError{Field: fe.Field(), Message: validationMessage(fe)}
		}
		return &generic.ValidationError{Message: err.Error()}
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "use YYYY-MM-DD"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// errorStatus classifies an engine error.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, generic.ErrValidation):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, generic.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, generic.ErrAlreadyInState):
		return http.StatusConflict, "already_in_state"
	case errors.Is(err, generic.ErrAlreadySubmitted):
		return http.StatusConflict, "already_submitted"
	case errors.Is(err, generic.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, generic.ErrLimitExceeded):
		return http.StatusUnprocessableEntity, "limit_exceeded"
	case errors.Is(err, generic.ErrInsufficientStock):
		return http.StatusUnprocessableEntity, "insufficient_stock"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeDomainError renders err with the status its category maps to.
// Server-side failures are logged; their details stay out of the body.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, status, ErrorResponse{Error: "Internal server error", Code: code})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code, Details: errorDetails(err)})
}

// errorDetails names the offending field or limit when there is one.
func errorDetails(err error) string {
	var ve *generic.ValidationError
	if errors.As(err, &ve) {
		return ve.Field
	}
	var le *generic.LimitExceededError
	if errors.As(err, &le) {
		return le.Period
	}
	var te *generic.TransitionError
	if errors.As(err, &te) && te.Stale {
		return "stale"
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeWorkbook renders into memory first so a failure can still produce
// a JSON error instead of a truncated download.
func writeWorkbook(w http.ResponseWriter, filename string, render func(io.Writer) error, logger *zap.Logger) {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		logger.Error("failed to render workbook", zap.String("file", filename), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to render workbook", nil)
		return
	}
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	buf.WriteTo(w)
}
