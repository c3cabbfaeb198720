/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements generic.TxStore (documents, spending, inventory, settings)
  and reconciliation.Store on one SQLite database.

INTERFACES IMPLEMENTED:
  generic.TxStore:      documents, history, spend entries, stock, settings
  reconciliation.Store: sales, loans and branch-day reconciliations

APPEND-ONLY ENFORCEMENT:
  - document_history and spend_entries are only ever INSERTed
  - documents rows change only through AppendHistory, guarded by version
  - loan_payments are only ever INSERTed; loans change guarded by version
  - nothing is DELETEd; rejection and dispute are states, not erasure

KEY TABLES:
  sequences:         per-type document counters (PR, FR, IOR, GP, TXN)
  documents:         current state of every approval document
  document_history:  one row per accepted transition
  spend_entries:     approved disbursements per officer, keyed by local day
  inventory:         kg on hand per branch and product
  settings:          JSON blobs (financial controls)
  sales:             point-of-sale transactions
  loans:             customer credit per branch, at most one active per customer
  loan_payments:     repayments with the balance before and after
  reconciliations:   one row per branch and day (UNIQUE)

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single pooled connection, so
  ":memory:" databases behave like files and a WithTx callback owns the
  connection until it commits.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/erp.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := generic.NewEngine(store, registry)

SEE ALSO:
  - generic/store.go: Interface definitions
  - generic/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/kushukushu/approval-engine/reconciliation"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const timeLayout = time.RFC3339Nano

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sequences (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		number TEXT NOT NULL UNIQUE,
		sequence INTEGER NOT NULL,
		status TEXT NOT NULL,
		amount TEXT,
		branch_id TEXT,
		requested_by TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		description TEXT,
		attributes_json TEXT,
		approval_class TEXT,
		requires_multi_signature INTEGER NOT NULL DEFAULT 0,
		notify_owner INTEGER NOT NULL DEFAULT 0,
		rejected_by TEXT,
		rejected_at TEXT,
		rejection_reason TEXT,
		version INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_type_status
		ON documents(type, status);
	CREATE INDEX IF NOT EXISTS idx_documents_branch
		ON documents(branch_id);
	CREATE INDEX IF NOT EXISTS idx_documents_requested_by
		ON documents(requested_by);

	CREATE TABLE IF NOT EXISTS document_history (
		document_id TEXT NOT NULL REFERENCES documents(id),
		seq INTEGER NOT NULL,
		stage TEXT NOT NULL,
		approved_by TEXT NOT NULL,
		approver_role TEXT NOT NULL,
		approved_at TEXT NOT NULL,
		notes TEXT,
		details_json TEXT,
		PRIMARY KEY (document_id, seq)
	);

	CREATE TABLE IF NOT EXISTS spend_entries (
		id TEXT PRIMARY KEY,
		officer TEXT NOT NULL,
		amount TEXT NOT NULL,
		at TEXT NOT NULL,
		day TEXT NOT NULL,
		month TEXT NOT NULL,
		reference TEXT
	);

	-- Hot path for limit checks
	CREATE INDEX IF NOT EXISTS idx_spend_officer_month
		ON spend_entries(officer, month, day);

	CREATE TABLE IF NOT EXISTS inventory (
		branch_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		quantity_kg TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (branch_id, product_id)
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		sequence INTEGER NOT NULL,
		branch_id TEXT NOT NULL,
		payment_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		paid INTEGER NOT NULL,
		customer_name TEXT,
		loan_id TEXT,
		date TEXT NOT NULL,
		recorded_by TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_branch_date
		ON sales(branch_id, date);

	CREATE TABLE IF NOT EXISTS reconciliations (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL,
		date TEXT NOT NULL,
		cash_sales TEXT NOT NULL,
		mobile_money_sales TEXT NOT NULL,
		loan_sales TEXT NOT NULL,
		sales_count INTEGER NOT NULL,
		expected_cash TEXT NOT NULL,
		actual_cash TEXT NOT NULL,
		variance TEXT NOT NULL,
		classification TEXT NOT NULL,
		status TEXT NOT NULL,
		notes TEXT,
		submitted_by TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		verified_by TEXT,
		verified_at TEXT,
		verification_notes TEXT,
		variance_explanation TEXT,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL,
		customer_name TEXT NOT NULL,
		initial_amount TEXT NOT NULL,
		balance TEXT NOT NULL,
		paid_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		due_date TEXT NOT NULL,
		last_payment_at TEXT,
		version INTEGER NOT NULL
	);

	-- One active loan per customer and branch
	CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_active_customer
		ON loans(branch_id, customer_name) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS loan_payments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL REFERENCES loans(id),
		branch_id TEXT NOT NULL,
		customer_name TEXT NOT NULL,
		amount TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		received_by TEXT NOT NULL,
		notes TEXT,
		paid_at TEXT NOT NULL,
		previous_balance TEXT NOT NULL,
		new_balance TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loan_payments_loan
		ON loan_payments(loan_id);

	-- One reconciliation per branch-day
	CREATE UNIQUE INDEX IF NOT EXISTS idx_reconciliations_branch_date
		ON reconciliations(branch_id, date);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (generic.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store generic.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&txStore{q: tx})
	})
}

// WithSalesTx runs a reconciliation.SalesTx callback in one transaction.
func (s *Store) WithSalesTx(ctx context.Context, fn func(tx reconciliation.SalesTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&txStore{q: tx})
	})
}

// inTx expects s.mu to be held.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore is the view passed to WithTx and WithSalesTx callbacks.
type txStore struct {
	q querier
}

func (ts *txStore) NextSequence(ctx context.Context, key string) (int64, error) {
	return nextSequence(ctx, ts.q, key)
}

func (ts *txStore) InsertDocument(ctx context.Context, doc generic.Document) error {
	return insertDocument(ctx, ts.q, doc)
}

func (ts *txStore) GetDocument(ctx context.Context, id generic.DocumentID) (generic.Document, error) {
	return getDocument(ctx, ts.q, id)
}

func (ts *txStore) ListDocuments(ctx context.Context, f generic.Filter) ([]generic.Document, error) {
	return listDocuments(ctx, ts.q, f)
}

func (ts *txStore) AppendHistory(ctx context.Context, id generic.DocumentID, expected int, entry generic.HistoryEntry, rej *generic.Rejection) (generic.Document, error) {
	return appendHistory(ctx, ts.q, id, expected, entry, rej)
}

func (ts *txStore) AppendSpend(ctx context.Context, e generic.SpendEntry, check func(generic.Spending) error) error {
	return appendSpend(ctx, ts.q, e, check)
}

func (ts *txStore) SpendingFor(ctx context.Context, officer generic.ActorID, day generic.Day) (generic.Spending, error) {
	return spendingFor(ctx, ts.q, officer, day)
}

func (ts *txStore) AdjustStock(ctx context.Context, branch, product string, delta decimal.Decimal) (decimal.Decimal, error) {
	return adjustStock(ctx, ts.q, branch, product, delta)
}

func (ts *txStore) StockLevel(ctx context.Context, branch, product string) (decimal.Decimal, error) {
	return stockLevel(ctx, ts.q, branch, product)
}

func (ts *txStore) ListStock(ctx context.Context, branch string) ([]generic.StockLevel, error) {
	return listStock(ctx, ts.q, branch)
}

func (ts *txStore) SaveSetting(ctx context.Context, key string, value []byte) error {
	return saveSetting(ctx, ts.q, key, value)
}

func (ts *txStore) GetSetting(ctx context.Context, key string) ([]byte, error) {
	return getSetting(ctx, ts.q, key)
}

func (ts *txStore) InsertSale(ctx context.Context, sale reconciliation.Sale) error {
	return insertSale(ctx, ts.q, sale)
}

func (ts *txStore) ActiveLoan(ctx context.Context, branch, customer string) (reconciliation.Loan, error) {
	return scanLoanRow(ts.q.QueryRowContext(ctx,
		"SELECT "+loanColumns+" FROM loans WHERE branch_id = ? AND customer_name = ? AND status = ?",
		branch, customer, reconciliation.LoanActive))
}

func (ts *txStore) GetLoan(ctx context.Context, id string) (reconciliation.Loan, error) {
	return getLoan(ctx, ts.q, id)
}

func (ts *txStore) InsertLoan(ctx context.Context, loan reconciliation.Loan) error {
	return insertLoan(ctx, ts.q, loan)
}

func (ts *txStore) UpdateLoan(ctx context.Context, loan reconciliation.Loan, expected int) error {
	return updateLoan(ctx, ts.q, loan, expected)
}

func (ts *txStore) InsertLoanPayment(ctx context.Context, p reconciliation.LoanPayment) error {
	return insertLoanPayment(ctx, ts.q, p)
}

// =============================================================================
// DOCUMENT STORE (generic.DocumentStore interface)
// =============================================================================

func (s *Store) NextSequence(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seq int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		seq, err = nextSequence(ctx, tx, key)
		return err
	})
	return seq, err
}

func (s *Store) InsertDocument(ctx context.Context, doc generic.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertDocument(ctx, tx, doc)
	})
}

func (s *Store) GetDocument(ctx context.Context, id generic.DocumentID) (generic.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDocument(ctx, s.db, id)
}

func (s *Store) ListDocuments(ctx context.Context, f generic.Filter) ([]generic.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listDocuments(ctx, s.db, f)
}

func (s *Store) AppendHistory(ctx context.Context, id generic.DocumentID, expected int, entry generic.HistoryEntry, rej *generic.Rejection) (generic.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc generic.Document
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		doc, err = appendHistory(ctx, tx, id, expected, entry, rej)
		return err
	})
	return doc, err
}

func nextSequence(ctx context.Context, q querier, key string) (int64, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sequences (key, value) VALUES (?, 1)
		ON CONFLICT(key) DO UPDATE SET value = value + 1
	`, key)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence %s: %w", key, err)
	}
	var seq int64
	if err := q.QueryRowContext(ctx, "SELECT value FROM sequences WHERE key = ?", key).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read sequence %s: %w", key, err)
	}
	return seq, nil
}

func insertDocument(ctx context.Context, q querier, doc generic.Document) error {
	attrs, err := json.Marshal(doc.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	var amount sql.NullString
	if doc.Amount != nil {
		amount = sql.NullString{String: doc.Amount.String(), Valid: true}
	}
	version := doc.Version
	if version == 0 {
		version = 1
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO documents
		(id, type, number, sequence, status, amount, branch_id, requested_by, requested_at,
		 description, attributes_json, approval_class, requires_multi_signature, notify_owner,
		 version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		doc.ID, doc.Type, doc.Number, doc.Sequence, doc.Status, amount, doc.BranchID,
		doc.RequestedBy, doc.RequestedAt.UTC().Format(timeLayout),
		doc.Description, string(attrs), doc.ApprovalClass,
		boolInt(doc.RequiresMultiSignature), boolInt(doc.NotifyOwner),
		version, doc.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &generic.ValidationError{Field: "id", Message: "document " + string(doc.ID) + " already exists"}
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}

	for i, h := range doc.History {
		if err := insertHistory(ctx, q, doc.ID, i+1, h); err != nil {
			return err
		}
	}
	return nil
}

func insertHistory(ctx context.Context, q querier, id generic.DocumentID, seq int, h generic.HistoryEntry) error {
	var details sql.NullString
	if len(h.Details) > 0 {
		raw, err := json.Marshal(h.Details)
		if err != nil {
			return fmt.Errorf("failed to encode history details: %w", err)
		}
		details = nullString(string(raw))
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO document_history (document_id, seq, stage, approved_by, approver_role, approved_at, notes, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, seq, h.Stage, h.ApprovedBy, h.ApproverRole, h.ApprovedAt.UTC().Format(timeLayout), h.Notes, details)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

const documentColumns = `
	id, type, number, sequence, status, amount, branch_id, requested_by, requested_at,
	description, attributes_json, approval_class, requires_multi_signature, notify_owner,
	rejected_by, rejected_at, rejection_reason, version, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (generic.Document, error) {
	var (
		doc         generic.Document
		amount      sql.NullString
		branch      sql.NullString
		requestedAt string
		description sql.NullString
		attrs       sql.NullString
		class       sql.NullString
		multi       int
		notify      int
		rejectedBy  sql.NullString
		rejectedAt  sql.NullString
		reason      sql.NullString
		updatedAt   string
	)
	err := row.Scan(
		&doc.ID, &doc.Type, &doc.Number, &doc.Sequence, &doc.Status, &amount, &branch,
		&doc.RequestedBy, &requestedAt, &description, &attrs, &class, &multi, &notify,
		&rejectedBy, &rejectedAt, &reason, &doc.Version, &updatedAt,
	)
	if err != nil {
		return doc, err
	}

	if amount.Valid {
		a := generic.MustParseDecimal(amount.String)
		doc.Amount = &a
	}
	doc.BranchID = branch.String
	doc.RequestedAt = parseTime(requestedAt)
	doc.Description = description.String
	doc.Attributes = map[string]string{}
	if attrs.Valid && attrs.String != "" && attrs.String != "null" {
		if err := json.Unmarshal([]byte(attrs.String), &doc.Attributes); err != nil {
			return doc, fmt.Errorf("failed to decode attributes: %w", err)
		}
	}
	doc.ApprovalClass = generic.ApprovalClass(class.String)
	doc.RequiresMultiSignature = multi != 0
	doc.NotifyOwner = notify != 0
	if rejectedBy.Valid {
		doc.Rejection = &generic.Rejection{
			RejectedBy: generic.ActorID(rejectedBy.String),
			RejectedAt: parseTime(rejectedAt.String),
			Reason:     reason.String,
		}
	}
	doc.UpdatedAt = parseTime(updatedAt)
	return doc, nil
}

func getDocument(ctx context.Context, q querier, id generic.DocumentID) (generic.Document, error) {
	row := q.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE id = ?", id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Document{}, generic.ErrNotFound
	}
	if err != nil {
		return generic.Document{}, fmt.Errorf("failed to load document: %w", err)
	}
	if doc.History, err = loadHistory(ctx, q, id); err != nil {
		return generic.Document{}, err
	}
	return doc, nil
}

func loadHistory(ctx context.Context, q querier, id generic.DocumentID) ([]generic.HistoryEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT stage, approved_by, approver_role, approved_at, notes, details_json
		FROM document_history WHERE document_id = ? ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var history []generic.HistoryEntry
	for rows.Next() {
		var (
			h       generic.HistoryEntry
			at      string
			notes   sql.NullString
			details sql.NullString
		)
		if err := rows.Scan(&h.Stage, &h.ApprovedBy, &h.ApproverRole, &at, &notes, &details); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		h.ApprovedAt = parseTime(at)
		h.Notes = notes.String
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &h.Details); err != nil {
				return nil, fmt.Errorf("failed to decode history details: %w", err)
			}
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

func listDocuments(ctx context.Context, q querier, f generic.Filter) ([]generic.Document, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.BranchID != "" {
		where = append(where, "branch_id = ?")
		args = append(args, f.BranchID)
	}
	if f.RequestedBy != "" {
		where = append(where, "requested_by = ?")
		args = append(args, f.RequestedBy)
	}
	query := "SELECT " + documentColumns + " FROM documents"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at ASC, number ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	var docs []generic.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// History is loaded after the cursor is closed: the pool has one connection.
	for i := range docs {
		if docs[i].History, err = loadHistory(ctx, q, docs[i].ID); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func appendHistory(ctx context.Context, q querier, id generic.DocumentID, expected int, entry generic.HistoryEntry, rej *generic.Rejection) (generic.Document, error) {
	var rejectedBy, rejectedAt, reason sql.NullString
	if rej != nil {
		rejectedBy = nullString(string(rej.RejectedBy))
		rejectedAt = nullString(rej.RejectedAt.UTC().Format(timeLayout))
		reason = nullString(rej.Reason)
	}

	res, err := q.ExecContext(ctx, `
		UPDATE documents
		SET status = ?, version = version + 1, updated_at = ?,
		    rejected_by = COALESCE(?, rejected_by),
		    rejected_at = COALESCE(?, rejected_at),
		    rejection_reason = COALESCE(?, rejection_reason)
		WHERE id = ? AND version = ?
	`, entry.Stage, entry.ApprovedAt.UTC().Format(timeLayout), rejectedBy, rejectedAt, reason, id, expected)
	if err != nil {
		return generic.Document{}, fmt.Errorf("failed to update document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return generic.Document{}, err
	}
	if n == 0 {
		var exists int
		err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE id = ?", id).Scan(&exists)
		if err != nil {
			return generic.Document{}, err
		}
		if exists == 0 {
			return generic.Document{}, generic.ErrNotFound
		}
		return generic.Document{}, generic.ErrConcurrentModification
	}

	var count int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM document_history WHERE document_id = ?", id).Scan(&count); err != nil {
		return generic.Document{}, err
	}
	if err := insertHistory(ctx, q, id, count+1, entry); err != nil {
		return generic.Document{}, err
	}
	return getDocument(ctx, q, id)
}

// =============================================================================
// SPENDING STORE (generic.SpendingStore interface)
// =============================================================================

func (s *Store) AppendSpend(ctx context.Context, e generic.SpendEntry, check func(generic.Spending) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return appendSpend(ctx, tx, e, check)
	})
}

func (s *Store) SpendingFor(ctx context.Context, officer generic.ActorID, day generic.Day) (generic.Spending, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return spendingFor(ctx, s.db, officer, day)
}

func appendSpend(ctx context.Context, q querier, e generic.SpendEntry, check func(generic.Spending) error) error {
	if check != nil {
		current, err := spendingFor(ctx, q, e.Officer, e.Day)
		if err != nil {
			return err
		}
		if err := check(current); err != nil {
			return err
		}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO spend_entries (id, officer, amount, at, day, month, reference)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Officer, e.Amount.String(), e.At.UTC().Format(timeLayout), e.Day.String(), e.Day.MonthKey(), e.Reference)
	if err != nil {
		return fmt.Errorf("failed to append spend entry: %w", err)
	}
	return nil
}

// spendingFor sums in Go; SQLite's SUM would go through float64.
func spendingFor(ctx context.Context, q querier, officer generic.ActorID, day generic.Day) (generic.Spending, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT amount, day FROM spend_entries WHERE officer = ? AND month = ?",
		officer, day.MonthKey())
	if err != nil {
		return generic.Spending{}, fmt.Errorf("failed to query spending: %w", err)
	}
	defer rows.Close()

	total := generic.Spending{Daily: decimal.Zero, Monthly: decimal.Zero}
	today := day.String()
	for rows.Next() {
		var amount, d string
		if err := rows.Scan(&amount, &d); err != nil {
			return generic.Spending{}, err
		}
		a := generic.MustParseDecimal(amount)
		total.Monthly = total.Monthly.Add(a)
		if d == today {
			total.Daily = total.Daily.Add(a)
		}
	}
	return total, rows.Err()
}

// =============================================================================
// INVENTORY STORE (generic.InventoryStore interface)
// =============================================================================

func (s *Store) AdjustStock(ctx context.Context, branch, product string, delta decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var level decimal.Decimal
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		level, err = adjustStock(ctx, tx, branch, product, delta)
		return err
	})
	return level, err
}

func (s *Store) StockLevel(ctx context.Context, branch, product string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stockLevel(ctx, s.db, branch, product)
}

func (s *Store) ListStock(ctx context.Context, branch string) ([]generic.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listStock(ctx, s.db, branch)
}

func stockLevel(ctx context.Context, q querier, branch, product string) (decimal.Decimal, error) {
	var qty string
	err := q.QueryRowContext(ctx,
		"SELECT quantity_kg FROM inventory WHERE branch_id = ? AND product_id = ?",
		branch, product).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read stock: %w", err)
	}
	return generic.MustParseDecimal(qty), nil
}

func adjustStock(ctx context.Context, q querier, branch, product string, delta decimal.Decimal) (decimal.Decimal, error) {
	current, err := stockLevel(ctx, q, branch, product)
	if err != nil {
		return decimal.Zero, err
	}
	next := current.Add(delta)
	if next.IsNegative() {
		return current, &generic.InsufficientStockError{
			BranchID: branch, ProductID: product,
			Available: current, Requested: delta.Neg(),
		}
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO inventory (branch_id, product_id, quantity_kg, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(branch_id, product_id) DO UPDATE SET
			quantity_kg = excluded.quantity_kg,
			updated_at = excluded.updated_at
	`, branch, product, next.String(), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to write stock: %w", err)
	}
	return next, nil
}

func listStock(ctx context.Context, q querier, branch string) ([]generic.StockLevel, error) {
	query := "SELECT branch_id, product_id, quantity_kg, updated_at FROM inventory"
	var args []any
	if branch != "" {
		query += " WHERE branch_id = ?"
		args = append(args, branch)
	}
	query += " ORDER BY branch_id, product_id"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock: %w", err)
	}
	defer rows.Close()

	var out []generic.StockLevel
	for rows.Next() {
		var (
			lvl     generic.StockLevel
			qty, at string
		)
		if err := rows.Scan(&lvl.BranchID, &lvl.ProductID, &qty, &at); err != nil {
			return nil, err
		}
		lvl.QuantityKg = generic.MustParseDecimal(qty)
		lvl.UpdatedAt = parseTime(at)
		out = append(out, lvl)
	}
	return out, rows.Err()
}

// =============================================================================
// SETTINGS STORE (generic.SettingsStore interface)
// =============================================================================

func (s *Store) SaveSetting(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveSetting(ctx, s.db, key, value)
}

func (s *Store) GetSetting(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSetting(ctx, s.db, key)
}

func saveSetting(ctx context.Context, q querier, key string, value []byte) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(value), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

func getSetting(ctx context.Context, q querier, key string) ([]byte, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return []byte(value), nil
}

// =============================================================================
// RECONCILIATION STORE (reconciliation.Store interface)
// =============================================================================

func insertSale(ctx context.Context, q querier, sale reconciliation.Sale) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sales
		(id, number, sequence, branch_id, payment_type, amount, paid, customer_name, loan_id, date, recorded_by, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sale.ID, sale.Number, sale.Sequence, sale.BranchID, sale.PaymentType, sale.Amount.String(),
		boolInt(sale.Paid), nullString(sale.CustomerName), nullString(sale.LoanID), sale.Date.String(),
		sale.RecordedBy, sale.RecordedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to insert sale: %w", err)
	}
	return nil
}

func (s *Store) SalesFor(ctx context.Context, branch string, day generic.Day) ([]reconciliation.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, number, sequence, branch_id, payment_type, amount, paid, customer_name, loan_id, date, recorded_by, recorded_at
		FROM sales WHERE branch_id = ? AND date = ? ORDER BY sequence ASC
	`, branch, day.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}
	defer rows.Close()

	var out []reconciliation.Sale
	for rows.Next() {
		var (
			sale             reconciliation.Sale
			amount, date, at string
			paid             int
			customer, loanID sql.NullString
		)
		err := rows.Scan(&sale.ID, &sale.Number, &sale.Sequence, &sale.BranchID, &sale.PaymentType,
			&amount, &paid, &customer, &loanID, &date, &sale.RecordedBy, &at)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sale: %w", err)
		}
		sale.Amount = generic.MustParseDecimal(amount)
		sale.Paid = paid != 0
		sale.CustomerName = customer.String
		sale.LoanID = loanID.String
		sale.Date, _ = generic.ParseDay(date)
		sale.RecordedAt = parseTime(at)
		out = append(out, sale)
	}
	return out, rows.Err()
}

func (s *Store) InsertReconciliation(ctx context.Context, rec reconciliation.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliations
		(id, branch_id, date, cash_sales, mobile_money_sales, loan_sales, sales_count,
		 expected_cash, actual_cash, variance, classification, status, notes,
		 submitted_by, submitted_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.BranchID, rec.Date.String(),
		rec.CashSales.String(), rec.MobileMoneySales.String(), rec.LoanSales.String(), rec.SalesCount,
		rec.ExpectedCash.String(), rec.ActualCash.String(), rec.Variance.String(),
		rec.Classification, rec.Status, nullString(rec.Notes),
		rec.SubmittedBy, rec.SubmittedAt.UTC().Format(timeLayout), rec.Version)
	if err != nil {
		if isUniqueConstraintError(err) {
			return generic.ErrAlreadySubmitted
		}
		return fmt.Errorf("failed to insert reconciliation: %w", err)
	}
	return nil
}

const reconciliationColumns = `
	id, branch_id, date, cash_sales, mobile_money_sales, loan_sales, sales_count,
	expected_cash, actual_cash, variance, classification, status, notes,
	submitted_by, submitted_at, verified_by, verified_at, verification_notes,
	variance_explanation, version`

func scanReconciliation(row rowScanner) (reconciliation.Record, error) {
	var (
		rec                            reconciliation.Record
		date, cash, mobile, loan       string
		expected, actual, variance     string
		notes, verifiedBy, verifiedAt  sql.NullString
		verificationNotes, explanation sql.NullString
		submittedAt                    string
	)
	err := row.Scan(&rec.ID, &rec.BranchID, &date, &cash, &mobile, &loan, &rec.SalesCount,
		&expected, &actual, &variance, &rec.Classification, &rec.Status, &notes,
		&rec.SubmittedBy, &submittedAt, &verifiedBy, &verifiedAt, &verificationNotes,
		&explanation, &rec.Version)
	if err != nil {
		return rec, err
	}
	rec.Date, _ = generic.ParseDay(date)
	rec.CashSales = generic.MustParseDecimal(cash)
	rec.MobileMoneySales = generic.MustParseDecimal(mobile)
	rec.LoanSales = generic.MustParseDecimal(loan)
	rec.ExpectedCash = generic.MustParseDecimal(expected)
	rec.ActualCash = generic.MustParseDecimal(actual)
	rec.Variance = generic.MustParseDecimal(variance)
	rec.Notes = notes.String
	rec.SubmittedAt = parseTime(submittedAt)
	rec.VerifiedBy = generic.ActorID(verifiedBy.String)
	if verifiedAt.Valid {
		t := parseTime(verifiedAt.String)
		rec.VerifiedAt = &t
	}
	rec.VerificationNotes = verificationNotes.String
	rec.VarianceExplanation = explanation.String
	return rec, nil
}

func (s *Store) GetReconciliation(ctx context.Context, id string) (reconciliation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+reconciliationColumns+" FROM reconciliations WHERE id = ?", id)
	rec, err := scanReconciliation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reconciliation.Record{}, generic.ErrNotFound
	}
	if err != nil {
		return reconciliation.Record{}, fmt.Errorf("failed to load reconciliation: %w", err)
	}
	return rec, nil
}

func (s *Store) ListReconciliations(ctx context.Context, f reconciliation.Filter) ([]reconciliation.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.BranchID != "" {
		where = append(where, "branch_id = ?")
		args = append(args, f.BranchID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Date.IsZero() {
		where = append(where, "date = ?")
		args = append(args, f.Date.String())
	}
	query := "SELECT " + reconciliationColumns + " FROM reconciliations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date DESC, branch_id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliations: %w", err)
	}
	defer rows.Close()

	var out []reconciliation.Record
	for rows.Next() {
		rec, err := scanReconciliation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UpdateReconciliation(ctx context.Context, rec reconciliation.Record, expected int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var verifiedAt sql.NullString
	if rec.VerifiedAt != nil {
		verifiedAt = nullString(rec.VerifiedAt.UTC().Format(timeLayout))
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reconciliations
		SET status = ?, verified_by = ?, verified_at = ?, verification_notes = ?,
		    variance_explanation = ?, version = ?
		WHERE id = ? AND version = ?
	`, rec.Status, nullString(string(rec.VerifiedBy)), verifiedAt, nullString(rec.VerificationNotes),
		nullString(rec.VarianceExplanation), rec.Version, rec.ID, expected)
	if err != nil {
		return fmt.Errorf("failed to update reconciliation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reconciliations WHERE id = ?", rec.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return generic.ErrNotFound
		}
		return generic.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// LOANS
// =============================================================================

const loanColumns = `
	id, branch_id, customer_name, initial_amount, balance, paid_amount, status,
	created_at, due_date, last_payment_at, version`

func scanLoan(row rowScanner) (reconciliation.Loan, error) {
	var (
		loan                   reconciliation.Loan
		initial, balance, paid string
		createdAt, due         string
		lastPayment            sql.NullString
	)
	err := row.Scan(&loan.ID, &loan.BranchID, &loan.CustomerName, &initial, &balance, &paid,
		&loan.Status, &createdAt, &due, &lastPayment, &loan.Version)
	if err != nil {
		return loan, err
	}
	loan.InitialAmount = generic.MustParseDecimal(initial)
	loan.Balance = generic.MustParseDecimal(balance)
	loan.PaidAmount = generic.MustParseDecimal(paid)
	loan.CreatedAt = parseTime(createdAt)
	loan.DueDate, _ = generic.ParseDay(due)
	if lastPayment.Valid {
		t := parseTime(lastPayment.String)
		loan.LastPaymentAt = &t
	}
	return loan, nil
}

// scanLoanRow maps sql.ErrNoRows to generic.ErrNotFound.
func scanLoanRow(row *sql.Row) (reconciliation.Loan, error) {
	loan, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reconciliation.Loan{}, generic.ErrNotFound
	}
	if err != nil {
		return reconciliation.Loan{}, fmt.Errorf("failed to load loan: %w", err)
	}
	return loan, nil
}

func getLoan(ctx context.Context, q querier, id string) (reconciliation.Loan, error) {
	return scanLoanRow(q.QueryRowContext(ctx, "SELECT "+loanColumns+" FROM loans WHERE id = ?", id))
}

func lastPaymentValue(loan reconciliation.Loan) sql.NullString {
	if loan.LastPaymentAt == nil {
		return sql.NullString{}
	}
	return nullString(loan.LastPaymentAt.UTC().Format(timeLayout))
}

func insertLoan(ctx context.Context, q querier, loan reconciliation.Loan) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO loans
		(id, branch_id, customer_name, initial_amount, balance, paid_amount, status,
		 created_at, due_date, last_payment_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, loan.ID, loan.BranchID, loan.CustomerName, loan.InitialAmount.String(), loan.Balance.String(),
		loan.PaidAmount.String(), loan.Status, loan.CreatedAt.UTC().Format(timeLayout),
		loan.DueDate.String(), lastPaymentValue(loan), loan.Version)
	if err != nil {
		return fmt.Errorf("failed to insert loan: %w", err)
	}
	return nil
}

func updateLoan(ctx context.Context, q querier, loan reconciliation.Loan, expected int) error {
	res, err := q.ExecContext(ctx, `
		UPDATE loans
		SET initial_amount = ?, balance = ?, paid_amount = ?, status = ?,
		    last_payment_at = ?, version = ?
		WHERE id = ? AND version = ?
	`, loan.InitialAmount.String(), loan.Balance.String(), loan.PaidAmount.String(), loan.Status,
		lastPaymentValue(loan), loan.Version, loan.ID, expected)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := getLoan(ctx, q, loan.ID); err != nil {
			return err
		}
		return generic.ErrConcurrentModification
	}
	return nil
}

func insertLoanPayment(ctx context.Context, q querier, p reconciliation.LoanPayment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO loan_payments
		(id, loan_id, branch_id, customer_name, amount, payment_method, received_by, notes,
		 paid_at, previous_balance, new_balance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.LoanID, p.BranchID, p.CustomerName, p.Amount.String(), p.Method, p.ReceivedBy,
		nullString(p.Notes), p.PaidAt.UTC().Format(timeLayout), p.PreviousBalance.String(), p.NewBalance.String())
	if err != nil {
		return fmt.Errorf("failed to insert loan payment: %w", err)
	}
	return nil
}

func (s *Store) GetLoan(ctx context.Context, id string) (reconciliation.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLoan(ctx, s.db, id)
}

func (s *Store) ListLoans(ctx context.Context, f reconciliation.LoanFilter) ([]reconciliation.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.BranchID != "" {
		where = append(where, "branch_id = ?")
		args = append(args, f.BranchID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.CustomerName != "" {
		where = append(where, "customer_name = ?")
		args = append(args, f.CustomerName)
	}
	query := "SELECT " + loanColumns + " FROM loans"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	var out []reconciliation.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan: %w", err)
		}
		out = append(out, loan)
	}
	return out, rows.Err()
}

func (s *Store) LoanPayments(ctx context.Context, loanID string) ([]reconciliation.LoanPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, loan_id, branch_id, customer_name, amount, payment_method, received_by, notes,
		       paid_at, previous_balance, new_balance
		FROM loan_payments WHERE loan_id = ? ORDER BY rowid DESC
	`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query loan payments: %w", err)
	}
	defer rows.Close()

	var out []reconciliation.LoanPayment
	for rows.Next() {
		var (
			p              reconciliation.LoanPayment
			amount, paidAt string
			previous, next string
			notes          sql.NullString
		)
		err := rows.Scan(&p.ID, &p.LoanID, &p.BranchID, &p.CustomerName, &amount, &p.Method,
			&p.ReceivedBy, &notes, &paidAt, &previous, &next)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan payment: %w", err)
		}
		p.Amount = generic.MustParseDecimal(amount)
		p.Notes = notes.String
		p.PaidAt = parseTime(paidAt)
		p.PreviousBalance = generic.MustParseDecimal(previous)
		p.NewBalance = generic.MustParseDecimal(next)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
