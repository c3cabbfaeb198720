/*
errors.go - Centralized error types for the approval engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure is synchronous and leaves persisted state untouched, so
  callers only need to classify the error to render a message.

ERROR CATEGORIES:
  1. Validation - malformed or missing input, rejected before any read
  2. Authorization - actor role does not match the stage
  3. Workflow - unreachable target, duplicate transition, duplicate submission
  4. Business limits - spending caps, stock levels

USAGE:
  if errors.Is(err, generic.ErrAlreadyInState) {
      // transition was already applied, nothing happened
  }

  var lim *generic.LimitExceededError
  if errors.As(err, &lim) {
      fmt.Println(lim.Period, lim.Limit)
  }

SEE ALSO:
  - engine.go: returns these errors
  - api/handlers.go: maps them to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for bad input shape or missing fields.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized is returned when the actor's role does not match the stage.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidTransition is returned when the target state is not reachable
	// from the current state, including stale (already advanced) documents.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrAlreadyInState is returned when an identical transition is resubmitted.
	ErrAlreadyInState = errors.New("already in state")

	// ErrLimitExceeded is returned when a spending cap would be breached.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrAlreadySubmitted is returned for a duplicate branch-day reconciliation.
	ErrAlreadySubmitted = errors.New("already submitted")

	// ErrInsufficientStock is returned when fulfilment would drive stock negative.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned by stores when an optimistic
	// version check fails. The engine converts it to a stale TransitionError.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// UnauthorizedError explains which roles the stage accepts.
type UnauthorizedError struct {
	Actor    ActorID
	Role     Role
	Stage    Status
	Required []Role
	Reason   string
}

func (e *UnauthorizedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unauthorized: %s (%s): %s", e.Actor, e.Role, e.Reason)
	}
	roles := make([]string, len(e.Required))
	for i, r := range e.Required {
		roles[i] = string(r)
	}
	return fmt.Sprintf("unauthorized: role %s cannot move to %s (requires %s)",
		e.Role, e.Stage, strings.Join(roles, " or "))
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// TransitionError describes an unreachable target.
type TransitionError struct {
	Type   DocumentType
	From   Status
	To     Status
	Reason string
	Stale  bool
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition for %s: %s -> %s", e.Type, e.From, e.To)
	if e.Stale {
		msg += " (document was modified concurrently)"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// AlreadyInStateError is returned instead of silently succeeding twice.
type AlreadyInStateError struct {
	ID     DocumentID
	Status Status
}

func (e *AlreadyInStateError) Error() string {
	return fmt.Sprintf("document %s is already %s", e.ID, e.Status)
}

func (e *AlreadyInStateError) Unwrap() error { return ErrAlreadyInState }

// LimitExceededError provides details about a spending cap breach.
type LimitExceededError struct {
	Officer   ActorID
	Period    string // "daily" or "monthly"
	Limit     decimal.Decimal
	Spent     decimal.Decimal
	Requested decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded for %s: limit %s, spent %s, requested %s",
		e.Period, e.Officer, e.Limit, e.Spent, e.Requested)
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

// InsufficientStockError provides details about a stock shortage.
type InsufficientStockError struct {
	BranchID  string
	ProductID string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock of %s at %s: available %s kg, requested %s kg",
		e.ProductID, e.BranchID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the caller's input or
// a business rule, as opposed to an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAlreadyInState) ||
		errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrAlreadySubmitted) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrNotFound)
}

// IsConflict returns true for workflow-state conflicts.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAlreadyInState) ||
		errors.Is(err, ErrAlreadySubmitted)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
