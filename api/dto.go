/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts travel as plain JSON numbers (json.Number) and are converted to
  decimal.Decimal at the boundary. They are never float64.

TYPES:
  Documents:
    CreateDocumentRequest, TransitionDocumentRequest, RejectDocumentRequest,
    DocumentDTO, HistoryEntryDTO, RejectionDTO

  Spending:
    SpendingLimitsDTO

  Sales and reconciliation:
    RecordSaleRequest, SaleDTO, SubmitReconciliationRequest,
    VerifyReconciliationRequest, ReconciliationDTO, MissingReconciliationDTO

  Loans:
    LoanDTO, LoanPaymentRequest, LoanPaymentDTO, LoanPaymentResultDTO

  Inventory and production:
    StockReceiptRequest, StockLevelDTO, MillingOrderRequest,
    CompleteMillingOrderRequest, WheatDeliveryRequest

VALIDATION:
  Request shape is checked with validator struct tags in decode(). Business
  rules stay in the engines.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/controls.go: ControlsJSON type
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/kushukushu/approval-engine/reconciliation"
	"github.com/shopspring/decimal"
)

// =============================================================================
// DOCUMENTS
// =============================================================================

type CreateDocumentRequest struct {
	Type        string            `json:"type" validate:"required"`
	Amount      *json.Number      `json:"amount,omitempty"`
	BranchID    string            `json:"branch_id,omitempty"`
	Description string            `json:"description,omitempty" validate:"max=2000"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

type TransitionDocumentRequest struct {
	Target  string            `json:"target" validate:"required"`
	Notes   string            `json:"notes,omitempty" validate:"max=2000"`
	Details map[string]string `json:"details,omitempty"`
}

type RejectDocumentRequest struct {
	Reason string `json:"reason" validate:"required,max=2000"`
}

type HistoryEntryDTO struct {
	Stage        string            `json:"stage"`
	ApprovedBy   string            `json:"approved_by"`
	ApproverRole string            `json:"approver_role"`
	ApprovedAt   string            `json:"approved_at"`
	Notes        string            `json:"notes,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

type RejectionDTO struct {
	RejectedBy string `json:"rejected_by"`
	RejectedAt string `json:"rejected_at"`
	Reason     string `json:"reason"`
}

type DocumentDTO struct {
	ID                     string            `json:"id"`
	Type                   string            `json:"type"`
	Number                 string            `json:"number"`
	Status                 string            `json:"status"`
	Amount                 *json.Number      `json:"amount,omitempty"`
	BranchID               string            `json:"branch_id,omitempty"`
	RequestedBy            string            `json:"requested_by"`
	RequestedAt            string            `json:"requested_at"`
	Description            string            `json:"description,omitempty"`
	Attributes             map[string]string `json:"attributes,omitempty"`
	ApprovalClass          string            `json:"approval_class,omitempty"`
	RequiresMultiSignature bool              `json:"requires_multi_signature"`
	NotifyOwner            bool              `json:"notify_owner"`
	History                []HistoryEntryDTO `json:"history"`
	Rejection              *RejectionDTO     `json:"rejection,omitempty"`
	Version                int               `json:"version"`
	UpdatedAt              string            `json:"updated_at"`
}

func toDocumentDTO(d generic.Document) DocumentDTO {
	dto := DocumentDTO{
		ID:                     string(d.ID),
		Type:                   string(d.Type),
		Number:                 d.Number,
		Status:                 string(d.Status),
		Amount:                 numberPtr(d.Amount),
		BranchID:               d.BranchID,
		RequestedBy:            string(d.RequestedBy),
		RequestedAt:            d.RequestedAt.Format(time.RFC3339),
		Description:            d.Description,
		Attributes:             d.Attributes,
		ApprovalClass:          string(d.ApprovalClass),
		RequiresMultiSignature: d.RequiresMultiSignature,
		NotifyOwner:            d.NotifyOwner,
		History:                make([]HistoryEntryDTO, len(d.History)),
		Version:                d.Version,
		UpdatedAt:              d.UpdatedAt.Format(time.RFC3339),
	}
	for i, h := range d.History {
		dto.History[i] = HistoryEntryDTO{
			Stage:        string(h.Stage),
			ApprovedBy:   string(h.ApprovedBy),
			ApproverRole: string(h.ApproverRole),
			ApprovedAt:   h.ApprovedAt.Format(time.RFC3339),
			Notes:        h.Notes,
			Details:      h.Details,
		}
	}
	if d.Rejection != nil {
		dto.Rejection = &RejectionDTO{
			RejectedBy: string(d.Rejection.RejectedBy),
			RejectedAt: d.Rejection.RejectedAt.Format(time.RFC3339),
			Reason:     d.Rejection.Reason,
		}
	}
	return dto
}

// =============================================================================
// SPENDING LIMITS
// =============================================================================

// SpendingLimitsDTO is the officer's spending-limits screen. Null limits
// and remainders mean unlimited.
type SpendingLimitsDTO struct {
	Officer                 string       `json:"officer"`
	Date                    string       `json:"date"`
	DailyLimit              *json.Number `json:"daily_limit"`
	DailySpent              json.Number  `json:"daily_spent"`
	DailyRemaining          *json.Number `json:"daily_remaining"`
	MonthlyLimit            *json.Number `json:"monthly_limit"`
	MonthlySpent            json.Number  `json:"monthly_spent"`
	MonthlyRemaining        *json.Number `json:"monthly_remaining"`
	AutoApprovalThreshold   json.Number  `json:"auto_approval_threshold"`
	OwnerApprovalThreshold  json.Number  `json:"owner_approval_threshold"`
	MultiSignatureThreshold json.Number  `json:"multi_signature_threshold"`
}

func toSpendingLimitsDTO(v generic.LimitsView) SpendingLimitsDTO {
	return SpendingLimitsDTO{
		Officer:                 string(v.Officer),
		Date:                    v.Day.String(),
		DailyLimit:              numberPtr(v.DailyLimit),
		DailySpent:              number(v.DailySpent),
		DailyRemaining:          numberPtr(v.DailyRemaining),
		MonthlyLimit:            numberPtr(v.MonthlyLimit),
		MonthlySpent:            number(v.MonthlySpent),
		MonthlyRemaining:        numberPtr(v.MonthlyRemaining),
		AutoApprovalThreshold:   number(v.Thresholds.AutoApproval),
		OwnerApprovalThreshold:  number(v.Thresholds.OwnerApproval),
		MultiSignatureThreshold: number(v.Thresholds.MultiSignature),
	}
}

// =============================================================================
// SALES AND RECONCILIATION
// =============================================================================

type RecordSaleRequest struct {
	BranchID     string      `json:"branch_id,omitempty"`
	PaymentType  string      `json:"payment_type" validate:"required,oneof=cash mobile_money loan"`
	Amount       json.Number `json:"amount" validate:"required"`
	CustomerName string      `json:"customer_name,omitempty" validate:"required_if=PaymentType loan"`
}

type SaleDTO struct {
	ID           string      `json:"id"`
	Number       string      `json:"number"`
	BranchID     string      `json:"branch_id"`
	PaymentType  string      `json:"payment_type"`
	Amount       json.Number `json:"amount"`
	Paid         bool        `json:"paid"`
	CustomerName string      `json:"customer_name,omitempty"`
	LoanID       string      `json:"loan_id,omitempty"`
	Date         string      `json:"date"`
	RecordedBy   string      `json:"recorded_by"`
	RecordedAt   string      `json:"recorded_at"`
}

func toSaleDTO(s reconciliation.Sale) SaleDTO {
	return SaleDTO{
		ID:           s.ID,
		Number:       s.Number,
		BranchID:     s.BranchID,
		PaymentType:  string(s.PaymentType),
		Amount:       number(s.Amount),
		Paid:         s.Paid,
		CustomerName: s.CustomerName,
		LoanID:       s.LoanID,
		Date:         s.Date.String(),
		RecordedBy:   string(s.RecordedBy),
		RecordedAt:   s.RecordedAt.Format(time.RFC3339),
	}
}

type SubmitReconciliationRequest struct {
	BranchID   string      `json:"branch_id,omitempty"`
	Date       string      `json:"date" validate:"required,datetime=2006-01-02"`
	ActualCash json.Number `json:"actual_cash" validate:"required"`
	Notes      string      `json:"notes,omitempty" validate:"max=2000"`
}

type VerifyReconciliationRequest struct {
	Decision            string `json:"decision" validate:"required,oneof=approved disputed"`
	Notes               string `json:"notes,omitempty" validate:"max=2000"`
	VarianceExplanation string `json:"variance_explanation,omitempty" validate:"max=2000"`
}

type ReconciliationDTO struct {
	ID                  string      `json:"id"`
	BranchID            string      `json:"branch_id"`
	Date                string      `json:"date"`
	CashSales           json.Number `json:"cash_sales"`
	MobileMoneySales    json.Number `json:"mobile_money_sales"`
	LoanSales           json.Number `json:"loan_sales"`
	SalesCount          int         `json:"sales_count"`
	ExpectedCash        json.Number `json:"expected_cash"`
	ActualCash          json.Number `json:"actual_cash"`
	Variance            json.Number `json:"variance"`
	Classification      string      `json:"classification"`
	Status              string      `json:"status"`
	Notes               string      `json:"notes,omitempty"`
	SubmittedBy         string      `json:"submitted_by"`
	SubmittedAt         string      `json:"submitted_at"`
	VerifiedBy          string      `json:"verified_by,omitempty"`
	VerifiedAt          *string     `json:"verified_at,omitempty"`
	VerificationNotes   string      `json:"verification_notes,omitempty"`
	VarianceExplanation string      `json:"variance_explanation,omitempty"`
	Version             int         `json:"version"`
}

func toReconciliationDTO(r reconciliation.Record) ReconciliationDTO {
	dto := ReconciliationDTO{
		ID:                  r.ID,
		BranchID:            r.BranchID,
		Date:                r.Date.String(),
		CashSales:           number(r.CashSales),
		MobileMoneySales:    number(r.MobileMoneySales),
		LoanSales:           number(r.LoanSales),
		SalesCount:          r.SalesCount,
		ExpectedCash:        number(r.ExpectedCash),
		ActualCash:          number(r.ActualCash),
		Variance:            number(r.Variance),
		Classification:      string(r.Classification),
		Status:              string(r.Status),
		Notes:               r.Notes,
		SubmittedBy:         string(r.SubmittedBy),
		SubmittedAt:         r.SubmittedAt.Format(time.RFC3339),
		VerifiedBy:          string(r.VerifiedBy),
		VerificationNotes:   r.VerificationNotes,
		VarianceExplanation: r.VarianceExplanation,
		Version:             r.Version,
	}
	if r.VerifiedAt != nil {
		s := r.VerifiedAt.Format(time.RFC3339)
		dto.VerifiedAt = &s
	}
	return dto
}

// MissingReconciliationDTO lists branches that sold on a day but have not
// reconciled it.
type MissingReconciliationDTO struct {
	Date     string   `json:"date"`
	Branches []string `json:"branches"`
}

// =============================================================================
// LOANS
// =============================================================================

type LoanDTO struct {
	ID            string      `json:"id"`
	BranchID      string      `json:"branch_id"`
	CustomerName  string      `json:"customer_name"`
	InitialAmount json.Number `json:"initial_amount"`
	Balance       json.Number `json:"balance"`
	PaidAmount    json.Number `json:"paid_amount"`
	Status        string      `json:"status"`
	CreatedAt     string      `json:"created_at"`
	DueDate       string      `json:"due_date"`
	LastPaymentAt *string     `json:"last_payment_date,omitempty"`
	Version       int         `json:"version"`
}

func toLoanDTO(l reconciliation.Loan) LoanDTO {
	dto := LoanDTO{
		ID:            l.ID,
		BranchID:      l.BranchID,
		CustomerName:  l.CustomerName,
		InitialAmount: number(l.InitialAmount),
		Balance:       number(l.Balance),
		PaidAmount:    number(l.PaidAmount),
		Status:        string(l.Status),
		CreatedAt:     l.CreatedAt.Format(time.RFC3339),
		DueDate:       l.DueDate.String(),
		Version:       l.Version,
	}
	if l.LastPaymentAt != nil {
		s := l.LastPaymentAt.Format(time.RFC3339)
		dto.LastPaymentAt = &s
	}
	return dto
}

type LoanPaymentRequest struct {
	Amount        json.Number `json:"amount" validate:"required"`
	PaymentMethod string      `json:"payment_method,omitempty" validate:"omitempty,oneof=cash mobile_money"`
	Notes         string      `json:"notes,omitempty" validate:"max=2000"`
}

type LoanPaymentDTO struct {
	ID              string      `json:"id"`
	LoanID          string      `json:"loan_id"`
	BranchID        string      `json:"branch_id"`
	CustomerName    string      `json:"customer_name"`
	Amount          json.Number `json:"amount"`
	PaymentMethod   string      `json:"payment_method"`
	ReceivedBy      string      `json:"received_by"`
	Notes           string      `json:"notes,omitempty"`
	PaymentDate     string      `json:"payment_date"`
	PreviousBalance json.Number `json:"previous_balance"`
	NewBalance      json.Number `json:"new_balance"`
}

func toLoanPaymentDTO(p reconciliation.LoanPayment) LoanPaymentDTO {
	return LoanPaymentDTO{
		ID:              p.ID,
		LoanID:          p.LoanID,
		BranchID:        p.BranchID,
		CustomerName:    p.CustomerName,
		Amount:          number(p.Amount),
		PaymentMethod:   string(p.Method),
		ReceivedBy:      string(p.ReceivedBy),
		Notes:           p.Notes,
		PaymentDate:     p.PaidAt.Format(time.RFC3339),
		PreviousBalance: number(p.PreviousBalance),
		NewBalance:      number(p.NewBalance),
	}
}

// LoanPaymentResultDTO is the loan after a payment plus the payment itself.
type LoanPaymentResultDTO struct {
	Loan    LoanDTO        `json:"loan"`
	Payment LoanPaymentDTO `json:"payment"`
}

// =============================================================================
// INVENTORY AND PRODUCTION
// =============================================================================

type StockReceiptRequest struct {
	BranchID   string      `json:"branch_id,omitempty"`
	ProductID  string      `json:"product_id" validate:"required"`
	QuantityKg json.Number `json:"quantity_kg" validate:"required"`
}

type StockLevelDTO struct {
	BranchID   string      `json:"branch_id"`
	ProductID  string      `json:"product_id"`
	QuantityKg json.Number `json:"quantity_kg"`
	UpdatedAt  string      `json:"updated_at,omitempty"`
}

type MillingOrderRequest struct {
	BranchID      string      `json:"branch_id,omitempty"`
	RawWheatKg    json.Number `json:"raw_wheat_kg" validate:"required"`
	OutputProduct string      `json:"output_product,omitempty"`
	MillOperator  string      `json:"mill_operator,omitempty" validate:"max=200"`
	Notes         string      `json:"notes,omitempty" validate:"max=2000"`
}

// CompleteMillingOrderRequest carries the measured output. Without it the
// expected output at the standard conversion rate is booked.
type CompleteMillingOrderRequest struct {
	FlourOutputKg *json.Number `json:"flour_output_kg,omitempty"`
	Notes         string       `json:"notes,omitempty" validate:"max=2000"`
}

type WheatDeliveryRequest struct {
	BranchID     string      `json:"branch_id,omitempty"`
	Supplier     string      `json:"supplier" validate:"required,max=200"`
	QuantityKg   json.Number `json:"quantity_kg" validate:"required"`
	UnitCost     json.Number `json:"unit_cost" validate:"required"`
	DeliveryDate string      `json:"delivery_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Notes        string      `json:"notes,omitempty" validate:"max=2000"`
}

func toStockLevelDTO(l generic.StockLevel) StockLevelDTO {
	dto := StockLevelDTO{
		BranchID:   l.BranchID,
		ProductID:  l.ProductID,
		QuantityKg: number(l.QuantityKg),
	}
	if !l.UpdatedAt.IsZero() {
		dto.UpdatedAt = l.UpdatedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// MISC
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

type HealthDTO struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func numberPtr(d *decimal.Decimal) *json.Number {
	if d == nil {
		return nil
	}
	n := number(*d)
	return &n
}

// parseMoney converts a JSON number into a decimal, reporting field on
// malformed input.
func parseMoney(field string, n json.Number) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero, &generic.ValidationError{Field: field, Message: "must be a number"}
	}
	return d, nil
}
