/*
Package generic provides the core approval engine.

PURPOSE:
  This package contains the document-type-agnostic pieces of the ERP
  approval workflow. Purchase requisitions, internal orders, fund requests
  and gate passes all share the same shape: a numbered document created by
  one actor, advanced through ordered stages by actors holding specific
  roles, and possibly rejected. The engine runs that shape once; domain
  packages only supply transition tables.

KEY CONCEPTS IN THIS FILE (types.go):
  - Actor: who is performing an operation (identity, role, branch)
  - Document: the approval record with its append-only history
  - HistoryEntry: one accepted transition
  - Rejection: terminal refusal with a reason

DESIGN PRINCIPLES:
  1. Append-only history: status is always the stage of the last entry
  2. Precision: money uses decimal.Decimal, never float64
  3. Explicit actors: identity is a parameter of every operation
  4. Type safety: distinct string types for IDs, roles, statuses

USAGE:
  doc, err := engine.Create(ctx, generic.CreateInput{
      Type:   procurement.PurchaseRequisition,
      Amount: generic.Money(25000000),
      Actor:  generic.Actor{ID: "sales-1", Role: generic.RoleSales},
  })

SEE ALSO:
  - chain.go: transition tables
  - engine.go: create / transition / reject
  - store.go: persistence interfaces
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type DocumentID string
type ActorID string
type DocumentType string
type Status string

// =============================================================================
// ROLES AND ACTORS
// =============================================================================

type Role string

const (
	RoleOwner       Role = "owner"
	RoleAdmin       Role = "admin"
	RoleManager     Role = "manager"
	RoleFinance     Role = "finance"
	RoleStoreKeeper Role = "store_keeper"
	RoleSales       Role = "sales"
)

var knownRoles = map[Role]bool{
	RoleOwner:       true,
	RoleAdmin:       true,
	RoleManager:     true,
	RoleFinance:     true,
	RoleStoreKeeper: true,
	RoleSales:       true,
}

// IsKnown reports whether r is one of the ERP roles.
func (r Role) IsKnown() bool { return knownRoles[r] }

// Actor is the authenticated caller of an operation. The HTTP layer
// builds it per request; nothing in the engine reads it from global state.
type Actor struct {
	ID       ActorID
	Role     Role
	BranchID string
}

// Validate checks that the actor carries an identity and a known role.
func (a Actor) Validate() error {
	if a.ID == "" {
		return &ValidationError{Field: "actor.id", Message: "actor identity is required"}
	}
	if a.Role == "" {
		return &ValidationError{Field: "actor.role", Message: "actor role is required"}
	}
	if !a.Role.IsKnown() {
		return &ValidationError{Field: "actor.role", Message: "unknown role " + string(a.Role)}
	}
	return nil
}

// HasRole reports whether the actor holds one of roles.
func (a Actor) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

// =============================================================================
// MONEY
// =============================================================================

// Money converts an integer Birr amount into a decimal pointer, mostly
// for building CreateInput literals.
func Money(birr int64) *decimal.Decimal {
	d := decimal.NewFromInt(birr)
	return &d
}

// MustParseDecimal parses s or returns zero.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// DOCUMENT - The approval record
// =============================================================================

type HistoryEntry struct {
	Stage        Status
	ApprovedBy   ActorID
	ApproverRole Role
	ApprovedAt   time.Time
	Notes        string

	// Values supplied with the transition or derived by its effect, such
	// as the flour actually produced by a milling run.
	Details map[string]string
}

// Detail returns a detail value or "".
func (h HistoryEntry) Detail(key string) string {
	if h.Details == nil {
		return ""
	}
	return h.Details[key]
}

type Rejection struct {
	RejectedBy ActorID
	RejectedAt time.Time
	Reason     string
}

// Document generalizes purchase requisitions, internal orders, fund
// requests and gate passes.
type Document struct {
	ID       DocumentID
	Type     DocumentType
	Number   string
	Sequence int64
	Status   Status

	// Nil for non-monetary documents (gate passes, internal orders).
	Amount *decimal.Decimal

	BranchID    string
	RequestedBy ActorID
	RequestedAt time.Time
	Description string

	// Type-specific payload (product, quantity, vehicle, ...).
	Attributes map[string]string

	// Threshold evaluation captured at creation.
	ApprovalClass          ApprovalClass
	RequiresMultiSignature bool
	NotifyOwner            bool

	History   []HistoryEntry
	Rejection *Rejection

	// Incremented on every accepted transition; used for optimistic checks.
	Version   int
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers can never mutate stored state.
func (d Document) Clone() Document {
	out := d
	if d.Amount != nil {
		a := *d.Amount
		out.Amount = &a
	}
	if d.Attributes != nil {
		out.Attributes = cloneStrings(d.Attributes)
	}
	out.History = append([]HistoryEntry(nil), d.History...)
	for i, h := range out.History {
		if h.Details != nil {
			out.History[i].Details = cloneStrings(h.Details)
		}
	}
	if d.Rejection != nil {
		r := *d.Rejection
		out.Rejection = &r
	}
	return out
}

// LastEntry returns the most recent history entry that reached stage.
func (d Document) LastEntry(stage Status) (HistoryEntry, bool) {
	for i := len(d.History) - 1; i >= 0; i-- {
		if d.History[i].Stage == stage {
			return d.History[i], true
		}
	}
	return HistoryEntry{}, false
}

func cloneStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Attr returns an attribute or "".
func (d Document) Attr(key string) string {
	if d.Attributes == nil {
		return ""
	}
	return d.Attributes[key]
}

// Approvers returns the distinct identities that appear in the history,
// in order of first appearance.
func (d Document) Approvers() []ActorID {
	seen := make(map[ActorID]bool)
	var out []ActorID
	for _, h := range d.History {
		if !seen[h.ApprovedBy] {
			seen[h.ApprovedBy] = true
			out = append(out, h.ApprovedBy)
		}
	}
	return out
}

// AmountOrZero returns the amount, treating nil as zero.
func (d Document) AmountOrZero() decimal.Decimal {
	if d.Amount == nil {
		return decimal.Zero
	}
	return *d.Amount
}

// =============================================================================
// QUERIES
// =============================================================================

// Filter selects documents in List. Zero fields match everything.
type Filter struct {
	Type        DocumentType
	Status      Status
	BranchID    string
	RequestedBy ActorID
}

// Matches reports whether d satisfies the filter.
func (f Filter) Matches(d Document) bool {
	if f.Type != "" && d.Type != f.Type {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.BranchID != "" && d.BranchID != f.BranchID {
		return false
	}
	if f.RequestedBy != "" && d.RequestedBy != f.RequestedBy {
		return false
	}
	return true
}
