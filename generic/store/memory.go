// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/kushukushu/approval-engine/reconciliation"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements generic.TxStore and reconciliation.Store.
type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type stockKey struct {
	BranchID  string
	ProductID string
}

type memoryState struct {
	sequences map[string]int64
	documents map[generic.DocumentID]generic.Document
	spends    map[generic.ActorID][]generic.SpendEntry
	stock     map[stockKey]generic.StockLevel
	settings  map[string][]byte

	sales        []reconciliation.Sale
	recons       map[string]reconciliation.Record
	reconDays    map[string]string // branch|date -> id
	loans        map[string]reconciliation.Loan
	loanPayments []reconciliation.LoanPayment
}

func newMemoryState() memoryState {
	return memoryState{
		sequences: make(map[string]int64),
		documents: make(map[generic.DocumentID]generic.Document),
		spends:    make(map[generic.ActorID][]generic.SpendEntry),
		stock:     make(map[stockKey]generic.StockLevel),
		settings:  make(map[string][]byte),
		recons:    make(map[string]reconciliation.Record),
		reconDays: make(map[string]string),
		loans:     make(map[string]reconciliation.Loan),
	}
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

// clone deep-copies the state for rollback.
func (s *memoryState) clone() memoryState {
	out := newMemoryState()
	for k, v := range s.sequences {
		out.sequences[k] = v
	}
	for k, v := range s.documents {
		out.documents[k] = v.Clone()
	}
	for k, v := range s.spends {
		out.spends[k] = append([]generic.SpendEntry(nil), v...)
	}
	for k, v := range s.stock {
		out.stock[k] = v
	}
	for k, v := range s.settings {
		out.settings[k] = append([]byte(nil), v...)
	}
	out.sales = append([]reconciliation.Sale(nil), s.sales...)
	for k, v := range s.recons {
		out.recons[k] = v
	}
	for k, v := range s.reconDays {
		out.reconDays[k] = v
	}
	for k, v := range s.loans {
		out.loans[k] = v
	}
	out.loanPayments = append([]reconciliation.LoanPayment(nil), s.loanPayments...)
	return out
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For the memory store this is a snapshot + restore on error. The store
// lock is held for the whole callback, so fn must only use the view.
func (m *Memory) WithTx(ctx context.Context, fn func(generic.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txMemoryView{state: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// WithSalesTx is WithTx for reconciliation.SalesTx callbacks.
func (m *Memory) WithSalesTx(ctx context.Context, fn func(reconciliation.SalesTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txMemoryView{state: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// txMemoryView runs against the state while the parent lock is held.
type txMemoryView struct {
	state *memoryState
}

func (v *txMemoryView) NextSequence(_ context.Context, key string) (int64, error) {
	return v.state.nextSequence(key), nil
}

func (v *txMemoryView) InsertDocument(_ context.Context, doc generic.Document) error {
	return v.state.insertDocument(doc)
}

func (v *txMemoryView) GetDocument(_ context.Context, id generic.DocumentID) (generic.Document, error) {
	return v.state.getDocument(id)
}

func (v *txMemoryView) ListDocuments(_ context.Context, f generic.Filter) ([]generic.Document, error) {
	return v.state.listDocuments(f), nil
}

func (v *txMemoryView) AppendHistory(_ context.Context, id generic.DocumentID, expected int, entry generic.HistoryEntry, rej *generic.Rejection) (generic.Document, error) {
	return v.state.appendHistory(id, expected, entry, rej)
}

func (v *txMemoryView) AppendSpend(_ context.Context, e generic.SpendEntry, check func(generic.Spending) error) error {
	return v.state.appendSpend(e, check)
}

func (v *txMemoryView) SpendingFor(_ context.Context, officer generic.ActorID, day generic.Day) (generic.Spending, error) {
	return v.state.spendingFor(officer, day), nil
}

func (v *txMemoryView) AdjustStock(_ context.Context, branch, product string, delta decimal.Decimal) (decimal.Decimal, error) {
	return v.state.adjustStock(branch, product, delta)
}

func (v *txMemoryView) StockLevel(_ context.Context, branch, product string) (decimal.Decimal, error) {
	return v.state.stock[stockKey{branch, product}].QuantityKg, nil
}

func (v *txMemoryView) ListStock(_ context.Context, branch string) ([]generic.StockLevel, error) {
	return v.state.listStock(branch), nil
}

func (v *txMemoryView) SaveSetting(_ context.Context, key string, value []byte) error {
	v.state.settings[key] = append([]byte(nil), value...)
	return nil
}

func (v *txMemoryView) GetSetting(_ context.Context, key string) ([]byte, error) {
	return v.state.getSetting(key)
}

func (v *txMemoryView) InsertSale(_ context.Context, sale reconciliation.Sale) error {
	v.state.sales = append(v.state.sales, sale)
	return nil
}

func (v *txMemoryView) ActiveLoan(_ context.Context, branch, customer string) (reconciliation.Loan, error) {
	for _, l := range v.state.loans {
		if l.BranchID == branch && l.CustomerName == customer && l.Status == reconciliation.LoanActive {
			return l, nil
		}
	}
	return reconciliation.Loan{}, generic.ErrNotFound
}

func (v *txMemoryView) GetLoan(_ context.Context, id string) (reconciliation.Loan, error) {
	return v.state.getLoan(id)
}

func (v *txMemoryView) InsertLoan(_ context.Context, loan reconciliation.Loan) error {
	if _, exists := v.state.loans[loan.ID]; exists {
		return &generic.ValidationError{Field: "id", Message: "loan " + loan.ID + " already exists"}
	}
	v.state.loans[loan.ID] = loan
	return nil
}

func (v *txMemoryView) UpdateLoan(_ context.Context, loan reconciliation.Loan, expected int) error {
	cur, ok := v.state.loans[loan.ID]
	if !ok {
		return generic.ErrNotFound
	}
	if cur.Version != expected {
		return generic.ErrConcurrentModification
	}
	v.state.loans[loan.ID] = loan
	return nil
}

func (v *txMemoryView) InsertLoanPayment(_ context.Context, p reconciliation.LoanPayment) error {
	v.state.loanPayments = append(v.state.loanPayments, p)
	return nil
}

// =============================================================================
// DOCUMENTS
// =============================================================================

func (m *Memory) NextSequence(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.nextSequence(key), nil
}

func (m *Memory) InsertDocument(_ context.Context, doc generic.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.insertDocument(doc)
}

func (m *Memory) GetDocument(_ context.Context, id generic.DocumentID) (generic.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getDocument(id)
}

func (m *Memory) ListDocuments(_ context.Context, f generic.Filter) ([]generic.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listDocuments(f), nil
}

func (m *Memory) AppendHistory(_ context.Context, id generic.DocumentID, expected int, entry generic.HistoryEntry, rej *generic.Rejection) (generic.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appendHistory(id, expected, entry, rej)
}

func (s *memoryState) nextSequence(key string) int64 {
	s.sequences[key]++
	return s.sequences[key]
}

func (s *memoryState) insertDocument(doc generic.Document) error {
	if _, exists := s.documents[doc.ID]; exists {
		return &generic.ValidationError{Field: "id", Message: "document " + string(doc.ID) + " already exists"}
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	s.documents[doc.ID] = doc.Clone()
	return nil
}

func (s *memoryState) getDocument(id generic.DocumentID) (generic.Document, error) {
	doc, ok := s.documents[id]
	if !ok {
		return generic.Document{}, generic.ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *memoryState) listDocuments(f generic.Filter) []generic.Document {
	var out []generic.Document
	for _, d := range s.documents {
		if f.Matches(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].Number < out[j].Number
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

func (s *memoryState) appendHistory(id generic.DocumentID, expected int, entry generic.HistoryEntry, rej *generic.Rejection) (generic.Document, error) {
	doc, ok := s.documents[id]
	if !ok {
		return generic.Document{}, generic.ErrNotFound
	}
	if doc.Version != expected {
		return generic.Document{}, generic.ErrConcurrentModification
	}
	doc = doc.Clone()
	doc.History = append(doc.History, entry)
	doc.Status = entry.Stage
	if rej != nil {
		r := *rej
		doc.Rejection = &r
	}
	doc.Version++
	doc.UpdatedAt = entry.ApprovedAt
	s.documents[id] = doc.Clone()
	return doc.Clone(), nil
}

// =============================================================================
// SPENDING
// =============================================================================

func (m *Memory) AppendSpend(_ context.Context, e generic.SpendEntry, check func(generic.Spending) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.appendSpend(e, check)
}

func (m *Memory) SpendingFor(_ context.Context, officer generic.ActorID, day generic.Day) (generic.Spending, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.spendingFor(officer, day), nil
}

func (s *memoryState) appendSpend(e generic.SpendEntry, check func(generic.Spending) error) error {
	if check != nil {
		if err := check(s.spendingFor(e.Officer, e.Day)); err != nil {
			return err
		}
	}
	s.spends[e.Officer] = append(s.spends[e.Officer], e)
	return nil
}

func (s *memoryState) spendingFor(officer generic.ActorID, day generic.Day) generic.Spending {
	total := generic.Spending{Daily: decimal.Zero, Monthly: decimal.Zero}
	month := day.MonthKey()
	for _, e := range s.spends[officer] {
		if e.Day.MonthKey() != month {
			continue
		}
		total.Monthly = total.Monthly.Add(e.Amount)
		if e.Day == day {
			total.Daily = total.Daily.Add(e.Amount)
		}
	}
	return total
}

// =============================================================================
// INVENTORY
// =============================================================================

func (m *Memory) AdjustStock(_ context.Context, branch, product string, delta decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.adjustStock(branch, product, delta)
}

func (m *Memory) StockLevel(_ context.Context, branch, product string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.stock[stockKey{branch, product}].QuantityKg, nil
}

func (m *Memory) ListStock(_ context.Context, branch string) ([]generic.StockLevel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listStock(branch), nil
}

func (s *memoryState) adjustStock(branch, product string, delta decimal.Decimal) (decimal.Decimal, error) {
	k := stockKey{branch, product}
	lvl := s.stock[k]
	next := lvl.QuantityKg.Add(delta)
	if next.IsNegative() {
		return lvl.QuantityKg, &generic.InsufficientStockError{
			BranchID: branch, ProductID: product,
			Available: lvl.QuantityKg, Requested: delta.Neg(),
		}
	}
	s.stock[k] = generic.StockLevel{BranchID: branch, ProductID: product, QuantityKg: next}
	return next, nil
}

func (s *memoryState) listStock(branch string) []generic.StockLevel {
	var out []generic.StockLevel
	for k, v := range s.stock {
		if branch == "" || k.BranchID == branch {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BranchID != out[j].BranchID {
			return out[i].BranchID < out[j].BranchID
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out
}

// =============================================================================
// SETTINGS
// =============================================================================

func (m *Memory) SaveSetting(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.settings[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) GetSetting(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getSetting(key)
}

func (s *memoryState) getSetting(key string) ([]byte, error) {
	v, ok := s.settings[key]
	if !ok {
		return nil, generic.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func (m *Memory) SalesFor(_ context.Context, branch string, day generic.Day) ([]reconciliation.Sale, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []reconciliation.Sale
	for _, s := range m.state.sales {
		if s.BranchID == branch && s.Date == day {
			out = append(out, s)
		}
	}
	return out, nil
}

func reconDayKey(branch string, day generic.Day) string {
	return branch + "|" + day.String()
}

func (m *Memory) InsertReconciliation(_ context.Context, rec reconciliation.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := reconDayKey(rec.BranchID, rec.Date)
	if _, dup := m.state.reconDays[k]; dup {
		return generic.ErrAlreadySubmitted
	}
	m.state.reconDays[k] = rec.ID
	m.state.recons[rec.ID] = rec
	return nil
}

func (m *Memory) GetReconciliation(_ context.Context, id string) (reconciliation.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.state.recons[id]
	if !ok {
		return reconciliation.Record{}, generic.ErrNotFound
	}
	return rec, nil
}

func (m *Memory) ListReconciliations(_ context.Context, f reconciliation.Filter) ([]reconciliation.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []reconciliation.Record
	for _, r := range m.state.recons {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[j].Date.Before(out[i].Date)
		}
		return out[i].BranchID < out[j].BranchID
	})
	return out, nil
}

func (m *Memory) UpdateReconciliation(_ context.Context, rec reconciliation.Record, expected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.state.recons[rec.ID]
	if !ok {
		return generic.ErrNotFound
	}
	if cur.Version != expected {
		return generic.ErrConcurrentModification
	}
	m.state.recons[rec.ID] = rec
	return nil
}

// =============================================================================
// LOANS
// =============================================================================

func (m *Memory) GetLoan(_ context.Context, id string) (reconciliation.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getLoan(id)
}

func (m *Memory) ListLoans(_ context.Context, f reconciliation.LoanFilter) ([]reconciliation.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []reconciliation.Loan
	for _, l := range m.state.loans {
		if f.Matches(l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[j].CreatedAt.Before(out[i].CreatedAt)
	})
	return out, nil
}

func (m *Memory) LoanPayments(_ context.Context, loanID string) ([]reconciliation.LoanPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []reconciliation.LoanPayment
	for i := len(m.state.loanPayments) - 1; i >= 0; i-- {
		if p := m.state.loanPayments[i]; p.LoanID == loanID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memoryState) getLoan(id string) (reconciliation.Loan, error) {
	l, ok := s.loans[id]
	if !ok {
		return reconciliation.Loan{}, generic.ErrNotFound
	}
	return l, nil
}
