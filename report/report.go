// Package report renders approval documents and reconciliations as .xlsx
// workbooks for the owner and finance dashboards.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/kushukushu/approval-engine/reconciliation"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const (
	DocumentsSheet       = "Documents"
	ReconciliationsSheet = "Reconciliations"

	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var documentHeader = []string{
	"Number", "Type", "Status", "Amount (ETB)", "Branch", "Requested By",
	"Requested At", "Approval Class", "Multi-Signature", "Approvals", "Last Approver", "Rejection Reason",
}

var reconciliationHeader = []string{
	"Date", "Branch", "Cash Sales", "Mobile Money", "Loan Sales", "Expected Cash",
	"Actual Cash", "Variance", "Classification", "Status", "Submitted By", "Verified By", "Explanation",
}

// Writer renders workbooks.
type Writer struct {
	logger *zap.Logger
}

func NewWriter(logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{logger: logger}
}

// Documents writes one row per document.
func (w *Writer) Documents(out io.Writer, docs []generic.Document) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", DocumentsSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := w.writeHeader(f, DocumentsSheet, documentHeader); err != nil {
		return err
	}

	for i, d := range docs {
		amount := ""
		if d.Amount != nil {
			amount = d.Amount.StringFixed(2)
		}
		lastApprover := ""
		if n := len(d.History); n > 0 {
			lastApprover = string(d.History[n-1].ApprovedBy)
		}
		reason := ""
		if d.Rejection != nil {
			reason = d.Rejection.Reason
		}
		row := []any{
			d.Number, string(d.Type), string(d.Status), amount, d.BranchID, string(d.RequestedBy),
			d.RequestedAt.Format("2006-01-02 15:04"), string(d.ApprovalClass),
			yesNo(d.RequiresMultiSignature), len(d.History), lastApprover, reason,
		}
		if err := w.writeRow(f, DocumentsSheet, i+2, row); err != nil {
			return err
		}
	}

	w.logger.Debug("documents report rendered", zap.Int("rows", len(docs)))
	return f.Write(out)
}

// Reconciliations writes one row per record plus a totals row.
func (w *Writer) Reconciliations(out io.Writer, recs []reconciliation.Record) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ReconciliationsSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := w.writeHeader(f, ReconciliationsSheet, reconciliationHeader); err != nil {
		return err
	}

	var expected, actual, variance decimal.Decimal
	for i, r := range recs {
		row := []any{
			r.Date.String(), r.BranchID,
			money(r.CashSales), money(r.MobileMoneySales), money(r.LoanSales),
			money(r.ExpectedCash), money(r.ActualCash), money(r.Variance),
			string(r.Classification), string(r.Status), string(r.SubmittedBy), string(r.VerifiedBy),
			r.VarianceExplanation,
		}
		if err := w.writeRow(f, ReconciliationsSheet, i+2, row); err != nil {
			return err
		}
		expected = expected.Add(r.ExpectedCash)
		actual = actual.Add(r.ActualCash)
		variance = variance.Add(r.Variance)
	}

	totals := []any{"TOTAL", "", "", "", "", money(expected), money(actual), money(variance)}
	if err := w.writeRow(f, ReconciliationsSheet, len(recs)+2, totals); err != nil {
		return err
	}

	w.logger.Debug("reconciliations report rendered", zap.Int("rows", len(recs)))
	return f.Write(out)
}

func (w *Writer) writeHeader(f *excelize.File, sheet string, header []string) error {
	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = h
	}
	if err := w.writeRow(f, sheet, 1, cells); err != nil {
		return err
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, "A1", last, style)
}

func (w *Writer) writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("failed to write row %d: %w", row, err)
	}
	return nil
}

// money renders amounts as numbers so spreadsheet formulas work on them.
func money(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// Filename builds a download name such as "reconciliations-2025-03-14.xlsx".
func Filename(kind string, day generic.Day) string {
	return fmt.Sprintf("%s-%s.xlsx", strings.ToLower(kind), day)
}
