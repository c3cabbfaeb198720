/*
store.go - Persistence interfaces for documents, spending, stock and settings

PURPOSE:
  Defines the boundary between the approval engine and the database.
  Implementations can use SQLite or in-memory storage; the engine only
  sees these interfaces.

KEY INTERFACES:
  DocumentStore:  numbered approval documents with append-only history
  SpendingStore:  per-officer spend entries with compare-and-commit
  InventoryStore: stock per branch and product, never negative
  SettingsStore:  small JSON blobs such as financial controls
  TxStore:        all of the above plus WithTx for atomic multi-writes

HISTORY CONTRACT:
  AppendHistory is the only way a document changes after insert. It
  appends one entry, sets status to the entry's stage, bumps Version and
  fails with ErrConcurrentModification when the stored version differs
  from expectedVersion. There is no Update or Delete.

ATOMICITY:
  WithTx runs fn against a transactional view. If fn returns an error
  nothing it wrote is visible afterwards. Fund request approval (history
  + spend entry) and order fulfilment (history + stock decrement) rely on
  this.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - generic/store/memory.go: in-memory for tests and dev

SEE ALSO:
  - engine.go: the only caller of AppendHistory
  - ledger.go: SpendingLedger on top of SpendingStore
*/
package generic

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DOCUMENTS
// =============================================================================

type DocumentStore interface {
	// NextSequence returns the next value of a named counter, starting at 1.
	// A committed value is never handed out again.
	NextSequence(ctx context.Context, key string) (int64, error)

	// InsertDocument persists a new document. Fails if the ID exists.
	InsertDocument(ctx context.Context, doc Document) error

	// GetDocument returns ErrNotFound for unknown IDs.
	GetDocument(ctx context.Context, id DocumentID) (Document, error)

	// ListDocuments returns matching documents ordered by RequestedAt.
	ListDocuments(ctx context.Context, filter Filter) ([]Document, error)

	// AppendHistory appends entry, sets status to entry.Stage and records
	// rejection when non-nil. Returns the updated document.
	AppendHistory(ctx context.Context, id DocumentID, expectedVersion int, entry HistoryEntry, rejection *Rejection) (Document, error)
}

// =============================================================================
// SPENDING
// =============================================================================

// SpendEntry is one approved disbursement attributed to an officer.
type SpendEntry struct {
	ID        string
	Officer   ActorID
	Amount    decimal.Decimal
	At        time.Time
	Day       Day
	Reference string
}

type SpendingStore interface {
	// AppendSpend computes the officer's totals for entry.Day, passes them
	// to check and appends the entry only if check returns nil. The read
	// and the write are atomic with respect to other AppendSpend calls.
	AppendSpend(ctx context.Context, entry SpendEntry, check func(Spending) error) error

	// SpendingFor returns the day and calendar-month totals for day.
	SpendingFor(ctx context.Context, officer ActorID, day Day) (Spending, error)
}

// =============================================================================
// INVENTORY
// =============================================================================

// StockLevel is the quantity on hand of one product at one branch.
type StockLevel struct {
	BranchID   string
	ProductID  string
	QuantityKg decimal.Decimal
	UpdatedAt  time.Time
}

type InventoryStore interface {
	// AdjustStock adds deltaKg (negative to consume) and returns the new
	// level. Returns *InsufficientStockError instead of going below zero.
	AdjustStock(ctx context.Context, branchID, productID string, deltaKg decimal.Decimal) (decimal.Decimal, error)

	StockLevel(ctx context.Context, branchID, productID string) (decimal.Decimal, error)

	// ListStock returns levels for a branch, or all branches when "".
	ListStock(ctx context.Context, branchID string) ([]StockLevel, error)
}

// =============================================================================
// SETTINGS
// =============================================================================

type SettingsStore interface {
	SaveSetting(ctx context.Context, key string, value []byte) error

	// GetSetting returns ErrNotFound when the key was never saved.
	GetSetting(ctx context.Context, key string) ([]byte, error)
}

// =============================================================================
// COMPOSITES
// =============================================================================

// Store is the full persistence surface visible inside a transaction.
type Store interface {
	DocumentStore
	SpendingStore
	InventoryStore
	SettingsStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
