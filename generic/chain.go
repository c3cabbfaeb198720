/*
chain.go - Approval chains as transition tables

PURPOSE:
  Every document type is described by one Chain: its initial and rejected
  states, the forward edges between stages and which roles may take each
  edge. The engine interprets chains; it has no hard-coded knowledge of
  purchase requisitions or gate passes.

EXAMPLE (purchase requisition):

  pending ──manager──▶ manager_approved ──admin──▶ admin_approved
                                                        │
                                                      owner
                                                        ▼
                       purchased ◀──admin|owner── owner_approved

  Any non-terminal state can move to "rejected" by a role that could take
  one of its forward edges.

HOOKS:
  Prepare  runs once at creation (derive attributes, classify amount)
  OnCreate runs inside the creation transaction after the insert
           (stock credited by a wheat delivery)
  Guard    read-only business rule checked before a transition
  Effect   side effect executed inside the store transaction, atomically
           with the history append (ledger entry, stock decrement)

VALIDATION:
  NewRegistry rejects chains that could ever move a document backwards:
  self loops, cycles, edges leaving the rejected state, unknown roles.

SEE ALSO:
  - engine.go: interprets chains
  - procurement/, warehouse/: concrete chains
*/
package generic

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// TRANSITIONS
// =============================================================================

// TransitionContext is what guards and effects see.
type TransitionContext struct {
	Doc    Document
	Actor  Actor
	Target Status
	Notes  string
	At     time.Time

	// Details arrive with the request and end up on the history entry.
	// Effects may add derived values; guards only read.
	Details map[string]string
}

// Detail returns a request detail or "".
func (tc TransitionContext) Detail(key string) string {
	if tc.Details == nil {
		return ""
	}
	return tc.Details[key]
}

// Guard checks a business rule. It must not write.
type Guard func(ctx context.Context, tc TransitionContext) error

// Effect runs inside the transition's store transaction. Returning an
// error rolls back the whole transition.
type Effect func(ctx context.Context, tx Store, tc TransitionContext) error

type Transition struct {
	From   Status
	To     Status
	Roles  []Role
	Guard  Guard
	Effect Effect
}

// Allows reports whether role may take this edge.
func (t Transition) Allows(role Role) bool {
	for _, r := range t.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// =============================================================================
// CHAIN
// =============================================================================

const defaultNumberWidth = 5

type Chain struct {
	Type   DocumentType
	Prefix string

	// Zero means 5 digits.
	NumberWidth int

	Initial  Status
	Rejected Status

	// Monetary chains require a non-negative amount at creation.
	Monetary bool

	// Empty means any known role may create.
	CreatorRoles []Role

	Transitions []Transition

	Prepare     func(ctx context.Context, doc *Document) error
	OnCreate    func(ctx context.Context, tx Store, doc Document) error
	RejectGuard Guard
}

// Find returns the edge from -> to.
func (c *Chain) Find(from, to Status) (Transition, bool) {
	for _, t := range c.Transitions {
		if t.From == from && t.To == to {
			return t, true
		}
	}
	return Transition{}, false
}

// Outgoing returns the forward edges leaving s.
func (c *Chain) Outgoing(s Status) []Transition {
	var out []Transition
	for _, t := range c.Transitions {
		if t.From == s {
			out = append(out, t)
		}
	}
	return out
}

// IsTerminal reports whether no forward edge leaves s.
func (c *Chain) IsTerminal(s Status) bool {
	return s == c.Rejected || len(c.Outgoing(s)) == 0
}

// RejectRoles is the union of roles on the forward edges leaving s,
// in the order they first appear.
func (c *Chain) RejectRoles(s Status) []Role {
	seen := make(map[Role]bool)
	var roles []Role
	for _, t := range c.Outgoing(s) {
		for _, r := range t.Roles {
			if !seen[r] {
				seen[r] = true
				roles = append(roles, r)
			}
		}
	}
	return roles
}

// CanCreate reports whether role may create documents of this type.
func (c *Chain) CanCreate(role Role) bool {
	if len(c.CreatorRoles) == 0 {
		return role.IsKnown()
	}
	for _, r := range c.CreatorRoles {
		if r == role {
			return true
		}
	}
	return false
}

// States returns every state mentioned by the chain, sorted.
func (c *Chain) States() []Status {
	set := map[Status]bool{c.Initial: true}
	if c.Rejected != "" {
		set[c.Rejected] = true
	}
	for _, t := range c.Transitions {
		set[t.From] = true
		set[t.To] = true
	}
	out := make([]Status, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Chain) FormatNumber(seq int64) string {
	width := c.NumberWidth
	if width <= 0 {
		width = defaultNumberWidth
	}
	return FormatNumber(c.Prefix, seq, width)
}

// FormatNumber renders "<PREFIX>-<zero padded seq>", e.g. PR-00042.
func FormatNumber(prefix string, seq int64, width int) string {
	return fmt.Sprintf("%s-%0*d", prefix, width, seq)
}

// Validate checks the chain's structure.
func (c *Chain) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("chain: type is required")
	}
	if c.Prefix == "" {
		return fmt.Errorf("chain %s: prefix is required", c.Type)
	}
	if c.Initial == "" {
		return fmt.Errorf("chain %s: initial state is required", c.Type)
	}
	for _, r := range c.CreatorRoles {
		if !r.IsKnown() {
			return fmt.Errorf("chain %s: unknown creator role %q", c.Type, r)
		}
	}

	adj := make(map[Status][]Status)
	for _, t := range c.Transitions {
		if t.From == "" || t.To == "" {
			return fmt.Errorf("chain %s: transition with empty state", c.Type)
		}
		if t.From == t.To {
			return fmt.Errorf("chain %s: self loop on %s", c.Type, t.From)
		}
		if c.Rejected != "" && (t.From == c.Rejected || t.To == c.Rejected) {
			return fmt.Errorf("chain %s: rejected state %s cannot appear in forward edges", c.Type, c.Rejected)
		}
		if len(t.Roles) == 0 {
			return fmt.Errorf("chain %s: %s -> %s has no roles", c.Type, t.From, t.To)
		}
		for _, r := range t.Roles {
			if !r.IsKnown() {
				return fmt.Errorf("chain %s: %s -> %s: unknown role %q", c.Type, t.From, t.To, r)
			}
		}
		adj[t.From] = append(adj[t.From], t.To)
	}

	// Status can never regress, so the graph must be acyclic.
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[Status]int)
	var visit func(s Status) error
	visit = func(s Status) error {
		switch state[s] {
		case visiting:
			return fmt.Errorf("chain %s: cycle through %s", c.Type, s)
		case done:
			return nil
		}
		state[s] = visiting
		for _, n := range adj[s] {
			if err := visit(n); err != nil {
				return err
			}
		}
		state[s] = done
		return nil
	}
	for s := range adj {
		if err := visit(s); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the chains an engine serves, keyed by type.
type Registry struct {
	chains map[DocumentType]*Chain
	order  []DocumentType
}

func NewRegistry(chains ...*Chain) (*Registry, error) {
	r := &Registry{chains: make(map[DocumentType]*Chain)}
	prefixes := make(map[string]DocumentType)
	for _, c := range chains {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.chains[c.Type]; dup {
			return nil, fmt.Errorf("chain %s registered twice", c.Type)
		}
		if other, dup := prefixes[c.Prefix]; dup {
			return nil, fmt.Errorf("chain %s: prefix %s already used by %s", c.Type, c.Prefix, other)
		}
		prefixes[c.Prefix] = c.Type
		r.chains[c.Type] = c
		r.order = append(r.order, c.Type)
	}
	return r, nil
}

func (r *Registry) Get(t DocumentType) (*Chain, bool) {
	c, ok := r.chains[t]
	return c, ok
}

// Types returns registered types in registration order.
func (r *Registry) Types() []DocumentType {
	return append([]DocumentType(nil), r.order...)
}
