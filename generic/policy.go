/*
policy.go - Authorization thresholds and spending caps

PURPOSE:
  Decides how much authority a monetary document needs. The policy is a
  pure evaluation: it never writes anything and never blocks on its own.
  Callers (procurement chains, the spending-limits view) combine it with
  the SpendingLedger.

BANDS:
  Configured thresholds must be strictly increasing:

    auto_approval < owner_approval < multi_signature

  Classify walks the bands from the bottom and the first band whose upper
  bound the amount falls under wins:

    [0, auto)        auto_approval
    [auto, owner)    auto_approval while the officer still has room under
                     the daily and monthly caps, otherwise
                     owner_approval_required
    [owner, multi)   owner_approval_required
    [multi, ...)     multi_signature_required

  For a fixed spending state a larger amount is never classified less
  strictly than a smaller one.

NOTIFY OWNER:
  notify_owner_threshold is informational only. Amounts above it are
  permitted but flagged for owner visibility.

SEE ALSO:
  - ledger.go: spending totals fed into Classify and Remaining*
  - factory/controls.go: JSON configuration
*/
package generic

import (
	"sync"

	"github.com/shopspring/decimal"
)

// =============================================================================
// APPROVAL CLASS
// =============================================================================

type ApprovalClass string

const (
	ClassAutoApproval   ApprovalClass = "auto_approval"
	ClassOwnerRequired  ApprovalClass = "owner_approval_required"
	ClassMultiSignature ApprovalClass = "multi_signature_required"
)

// strictness orders classes for comparisons.
func (c ApprovalClass) strictness() int {
	switch c {
	case ClassAutoApproval:
		return 0
	case ClassOwnerRequired:
		return 1
	case ClassMultiSignature:
		return 2
	default:
		return -1
	}
}

// StricterThan reports whether c demands more authority than o.
func (c ApprovalClass) StricterThan(o ApprovalClass) bool {
	return c.strictness() > o.strictness()
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// ThresholdConfig holds the monetary bands and caps. Nil limits mean
// the corresponding cap is not enforced.
type ThresholdConfig struct {
	AutoApproval   decimal.Decimal
	OwnerApproval  decimal.Decimal
	MultiSignature decimal.Decimal
	NotifyOwner    decimal.Decimal
	DailyLimit     *decimal.Decimal
	MonthlyLimit   *decimal.Decimal
}

// DefaultThresholdConfig returns the factory's standing financial controls.
func DefaultThresholdConfig() ThresholdConfig {
	daily := decimal.NewFromInt(5_000_000)
	monthly := decimal.NewFromInt(50_000_000)
	return ThresholdConfig{
		AutoApproval:   decimal.NewFromInt(100_000),
		OwnerApproval:  decimal.NewFromInt(1_000_000),
		MultiSignature: decimal.NewFromInt(5_000_000),
		NotifyOwner:    decimal.NewFromInt(500_000),
		DailyLimit:     &daily,
		MonthlyLimit:   &monthly,
	}
}

// Validate enforces strictly increasing thresholds and non-negative limits.
func (c ThresholdConfig) Validate() error {
	if c.AutoApproval.IsNegative() {
		return &ValidationError{Field: "auto_approval_threshold", Message: "must be >= 0"}
	}
	if !c.AutoApproval.LessThan(c.OwnerApproval) {
		return &ValidationError{Field: "owner_approval_threshold", Message: "must be greater than auto_approval_threshold"}
	}
	if !c.OwnerApproval.LessThan(c.MultiSignature) {
		return &ValidationError{Field: "multi_signature_threshold", Message: "must be greater than owner_approval_threshold"}
	}
	if c.NotifyOwner.IsNegative() {
		return &ValidationError{Field: "notify_owner_threshold", Message: "must be >= 0"}
	}
	if c.DailyLimit != nil && c.DailyLimit.IsNegative() {
		return &ValidationError{Field: "daily_limit", Message: "must be >= 0"}
	}
	if c.MonthlyLimit != nil && c.MonthlyLimit.IsNegative() {
		return &ValidationError{Field: "monthly_limit", Message: "must be >= 0"}
	}
	return nil
}

// =============================================================================
// THRESHOLD POLICY
// =============================================================================

// Spending is an officer's running totals for the current day and month.
type Spending struct {
	Daily   decimal.Decimal
	Monthly decimal.Decimal
}

// ThresholdPolicy evaluates amounts against the active ThresholdConfig.
// The configuration can be replaced at runtime; readers always see a
// complete, validated config.
type ThresholdPolicy struct {
	mu  sync.RWMutex
	cfg ThresholdConfig
}

// NewThresholdPolicy validates cfg and returns a policy using it.
func NewThresholdPolicy(cfg ThresholdConfig) (*ThresholdPolicy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ThresholdPolicy{cfg: cfg}, nil
}

// Config returns a copy of the active configuration.
func (p *ThresholdPolicy) Config() ThresholdConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Update swaps in cfg if it is valid; otherwise the active config is kept.
func (p *ThresholdPolicy) Update(cfg ThresholdConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
	return nil
}

// Classify returns the approval band for amount given the officer's
// current spending.
func (p *ThresholdPolicy) Classify(amount decimal.Decimal, spending Spending) ApprovalClass {
	cfg := p.Config()

	switch {
	case amount.LessThan(cfg.AutoApproval):
		return ClassAutoApproval
	case amount.LessThan(cfg.OwnerApproval):
		if fitsWithin(cfg.DailyLimit, spending.Daily, amount) && fitsWithin(cfg.MonthlyLimit, spending.Monthly, amount) {
			return ClassAutoApproval
		}
		return ClassOwnerRequired
	case amount.LessThan(cfg.MultiSignature):
		return ClassOwnerRequired
	default:
		return ClassMultiSignature
	}
}

// ShouldNotifyOwner flags amounts above the notification threshold.
func (p *ThresholdPolicy) ShouldNotifyOwner(amount decimal.Decimal) bool {
	return amount.GreaterThan(p.Config().NotifyOwner)
}

// RemainingDaily returns daily_limit - daily_spent, or nil when unlimited.
func (p *ThresholdPolicy) RemainingDaily(spending Spending) *decimal.Decimal {
	return remaining(p.Config().DailyLimit, spending.Daily)
}

// RemainingMonthly returns monthly_limit - monthly_spent, or nil when unlimited.
func (p *ThresholdPolicy) RemainingMonthly(spending Spending) *decimal.Decimal {
	return remaining(p.Config().MonthlyLimit, spending.Monthly)
}

func remaining(limit *decimal.Decimal, spent decimal.Decimal) *decimal.Decimal {
	if limit == nil {
		return nil
	}
	r := limit.Sub(spent)
	return &r
}

func fitsWithin(limit *decimal.Decimal, spent, amount decimal.Decimal) bool {
	if limit == nil {
		return true
	}
	return spent.Add(amount).LessThanOrEqual(*limit)
}
