/*
engine.go - Create, transition and reject approval documents

PURPOSE:
  The Engine is the single entry point for changing documents. It
  interprets the Chain registered for a document's type and enforces the
  same rules for every type.

TRANSITION CHECK ORDER:
  1. input validation             ValidationError
  2. load document                ErrNotFound
  3. status already equals target AlreadyInStateError
  4. no edge status -> target     TransitionError
  5. actor role not on edge       UnauthorizedError
  6. edge guard                   whatever the guard returns
  7. effect + history append      one store transaction

  A failure at any step leaves the stored document untouched.

CONCURRENCY:
  Transitions on the same document are serialized by the Locker, so two
  managers clicking "approve" at once produce one success and one
  AlreadyInStateError. The store's version check is a second line: a
  write based on a stale read fails with a stale TransitionError.
  Different documents never wait on each other.

NUMBERING:
  Create allocates the per-type sequence inside the insert transaction.
  Numbers are never reused; a rejected PR-00002 keeps its number and the
  next requisition is PR-00003.
*/
package generic

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    TxStore
	registry *Registry
	locker   Locker
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

type EngineOption func(*Engine)

func WithLocker(l Locker) EngineOption {
	return func(e *Engine) { e.locker = l }
}

func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(gen func() string) EngineOption {
	return func(e *Engine) { e.newID = gen }
}

func NewEngine(store TxStore, registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		registry: registry,
		locker:   NewKeyedMutex(),
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Registry() *Registry { return e.registry }

// =============================================================================
// CREATE
// =============================================================================

type CreateInput struct {
	Type        DocumentType
	Actor       Actor
	Amount      *decimal.Decimal
	BranchID    string // defaults to the actor's branch
	Description string
	Attributes  map[string]string
}

func (e *Engine) Create(ctx context.Context, in CreateInput) (Document, error) {
	chain, ok := e.registry.Get(in.Type)
	if !ok {
		return Document{}, &ValidationError{Field: "type", Message: "unknown document type " + string(in.Type)}
	}
	if err := in.Actor.Validate(); err != nil {
		return Document{}, err
	}
	if !chain.CanCreate(in.Actor.Role) {
		return Document{}, &UnauthorizedError{
			Actor: in.Actor.ID, Role: in.Actor.Role, Stage: chain.Initial,
			Required: chain.CreatorRoles, Reason: "role cannot create " + string(in.Type),
		}
	}
	if chain.Monetary {
		if in.Amount == nil {
			return Document{}, &ValidationError{Field: "amount", Message: "amount is required"}
		}
		if in.Amount.IsNegative() {
			return Document{}, &ValidationError{Field: "amount", Message: "must be >= 0"}
		}
	}

	now := e.now()
	doc := Document{
		ID:          DocumentID(e.newID()),
		Type:        in.Type,
		Status:      chain.Initial,
		BranchID:    in.BranchID,
		RequestedBy: in.Actor.ID,
		RequestedAt: now,
		Description: in.Description,
		Attributes:  make(map[string]string, len(in.Attributes)),
		Version:     1,
		UpdatedAt:   now,
	}
	if doc.BranchID == "" {
		doc.BranchID = in.Actor.BranchID
	}
	if in.Amount != nil {
		a := *in.Amount
		doc.Amount = &a
	}
	for k, v := range in.Attributes {
		doc.Attributes[k] = v
	}

	if chain.Prepare != nil {
		if err := chain.Prepare(ctx, &doc); err != nil {
			return Document{}, err
		}
	}

	err := e.store.WithTx(ctx, func(tx Store) error {
		seq, err := tx.NextSequence(ctx, string(chain.Type))
		if err != nil {
			return err
		}
		doc.Sequence = seq
		doc.Number = chain.FormatNumber(seq)
		if err := tx.InsertDocument(ctx, doc); err != nil {
			return err
		}
		if chain.OnCreate != nil {
			return chain.OnCreate(ctx, tx, doc)
		}
		return nil
	})
	if err != nil {
		return Document{}, err
	}

	e.logger.Info("document created",
		zap.String("id", string(doc.ID)),
		zap.String("number", doc.Number),
		zap.String("type", string(doc.Type)),
		zap.String("requested_by", string(doc.RequestedBy)),
		zap.String("approval_class", string(doc.ApprovalClass)),
	)
	return doc, nil
}

// =============================================================================
// TRANSITION
// =============================================================================

type TransitionRequest struct {
	DocumentID DocumentID
	Target     Status
	Actor      Actor
	Notes      string

	// Optional values the edge's guard and effect read, e.g. the actual
	// flour output when completing a milling order.
	Details map[string]string
}

func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (Document, error) {
	if req.DocumentID == "" {
		return Document{}, &ValidationError{Field: "id", Message: "document id is required"}
	}
	if req.Target == "" {
		return Document{}, &ValidationError{Field: "target", Message: "target status is required"}
	}
	if err := req.Actor.Validate(); err != nil {
		return Document{}, err
	}

	unlock, err := e.locker.Lock(ctx, "document:"+string(req.DocumentID))
	if err != nil {
		return Document{}, err
	}
	defer unlock()

	doc, err := e.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return Document{}, err
	}
	chain, ok := e.registry.Get(doc.Type)
	if !ok {
		return Document{}, &ValidationError{Field: "type", Message: "unknown document type " + string(doc.Type)}
	}

	if chain.Rejected != "" && req.Target == chain.Rejected {
		return e.reject(ctx, chain, doc, req.Actor, req.Notes)
	}

	if doc.Status == req.Target {
		return Document{}, &AlreadyInStateError{ID: doc.ID, Status: doc.Status}
	}
	edge, ok := chain.Find(doc.Status, req.Target)
	if !ok {
		return Document{}, &TransitionError{Type: doc.Type, From: doc.Status, To: req.Target}
	}
	if !edge.Allows(req.Actor.Role) {
		return Document{}, &UnauthorizedError{
			Actor: req.Actor.ID, Role: req.Actor.Role, Stage: req.Target, Required: edge.Roles,
		}
	}

	details := make(map[string]string, len(req.Details))
	for k, v := range req.Details {
		details[k] = v
	}
	tc := TransitionContext{Doc: doc, Actor: req.Actor, Target: req.Target, Notes: req.Notes, At: e.now(), Details: details}
	if edge.Guard != nil {
		if err := edge.Guard(ctx, tc); err != nil {
			return Document{}, err
		}
	}

	entry := HistoryEntry{
		Stage:        req.Target,
		ApprovedBy:   req.Actor.ID,
		ApproverRole: req.Actor.Role,
		ApprovedAt:   tc.At,
		Notes:        req.Notes,
	}
	updated, err := e.commit(ctx, doc, &entry, nil, func(tx Store) error {
		if edge.Effect != nil {
			if err := edge.Effect(ctx, tx, tc); err != nil {
				return err
			}
		}
		if len(details) > 0 {
			entry.Details = details
		}
		return nil
	})
	if err != nil {
		return Document{}, err
	}

	e.logger.Info("document transitioned",
		zap.String("id", string(doc.ID)),
		zap.String("number", doc.Number),
		zap.String("from", string(doc.Status)),
		zap.String("to", string(updated.Status)),
		zap.String("actor", string(req.Actor.ID)),
	)
	return updated, nil
}

// =============================================================================
// REJECT
// =============================================================================

func (e *Engine) Reject(ctx context.Context, id DocumentID, actor Actor, reason string) (Document, error) {
	if id == "" {
		return Document{}, &ValidationError{Field: "id", Message: "document id is required"}
	}
	if err := actor.Validate(); err != nil {
		return Document{}, err
	}
	if reason == "" {
		return Document{}, &ValidationError{Field: "reason", Message: "a rejection reason is required"}
	}

	unlock, err := e.locker.Lock(ctx, "document:"+string(id))
	if err != nil {
		return Document{}, err
	}
	defer unlock()

	doc, err := e.store.GetDocument(ctx, id)
	if err != nil {
		return Document{}, err
	}
	chain, ok := e.registry.Get(doc.Type)
	if !ok {
		return Document{}, &ValidationError{Field: "type", Message: "unknown document type " + string(doc.Type)}
	}
	return e.reject(ctx, chain, doc, actor, reason)
}

// reject expects the document lock to be held.
func (e *Engine) reject(ctx context.Context, chain *Chain, doc Document, actor Actor, reason string) (Document, error) {
	if chain.Rejected == "" {
		return Document{}, &TransitionError{Type: doc.Type, From: doc.Status, To: "rejected", Reason: "documents of this type cannot be rejected"}
	}
	if reason == "" {
		return Document{}, &ValidationError{Field: "reason", Message: "a rejection reason is required"}
	}
	if doc.Status == chain.Rejected {
		return Document{}, &AlreadyInStateError{ID: doc.ID, Status: doc.Status}
	}
	if chain.IsTerminal(doc.Status) {
		return Document{}, &TransitionError{Type: doc.Type, From: doc.Status, To: chain.Rejected, Reason: "document is already final"}
	}
	roles := chain.RejectRoles(doc.Status)
	if !actor.HasRole(roles...) {
		return Document{}, &UnauthorizedError{Actor: actor.ID, Role: actor.Role, Stage: chain.Rejected, Required: roles}
	}

	at := e.now()
	if chain.RejectGuard != nil {
		tc := TransitionContext{Doc: doc, Actor: actor, Target: chain.Rejected, Notes: reason, At: at}
		if err := chain.RejectGuard(ctx, tc); err != nil {
			return Document{}, err
		}
	}

	entry := HistoryEntry{
		Stage:        chain.Rejected,
		ApprovedBy:   actor.ID,
		ApproverRole: actor.Role,
		ApprovedAt:   at,
		Notes:        reason,
	}
	rejection := &Rejection{RejectedBy: actor.ID, RejectedAt: at, Reason: reason}
	updated, err := e.commit(ctx, doc, &entry, rejection, nil)
	if err != nil {
		return Document{}, err
	}

	e.logger.Info("document rejected",
		zap.String("id", string(doc.ID)),
		zap.String("number", doc.Number),
		zap.String("from", string(doc.Status)),
		zap.String("actor", string(actor.ID)),
	)
	return updated, nil
}

// commit runs effect and appends entry in one transaction. The effect may
// still fill in entry before it is written.
func (e *Engine) commit(ctx context.Context, doc Document, entry *HistoryEntry, rejection *Rejection, effect func(Store) error) (Document, error) {
	var updated Document
	err := e.store.WithTx(ctx, func(tx Store) error {
		if effect != nil {
			if err := effect(tx); err != nil {
				return err
			}
		}
		var err error
		updated, err = tx.AppendHistory(ctx, doc.ID, doc.Version, *entry, rejection)
		return err
	})
	if errors.Is(err, ErrConcurrentModification) {
		return Document{}, &TransitionError{Type: doc.Type, From: doc.Status, To: entry.Stage, Stale: true}
	}
	if err != nil {
		return Document{}, err
	}
	return updated, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (e *Engine) Get(ctx context.Context, id DocumentID) (Document, error) {
	return e.store.GetDocument(ctx, id)
}

func (e *Engine) List(ctx context.Context, filter Filter) ([]Document, error) {
	return e.store.ListDocuments(ctx, filter)
}
