/*
ledger.go - Per-officer spending ledger

PURPOSE:
  Tracks how much each officer has disbursed in the current local day and
  calendar month and refuses entries that would push either total over
  its configured cap. Totals are always derived from the stored entries;
  there is no separate running balance that could drift.

WINDOWS:
  The day and month are computed in the factory's time zone, not UTC. A
  disbursement at 01:30 in Addis Ababa belongs to that local day even
  though it is still the previous day in UTC.

ATOMICITY:
  Record hands a check function to SpendingStore.AppendSpend, which reads
  the totals and appends under the same lock or database transaction. Two
  concurrent records can therefore never both squeeze under the limit.

SEE ALSO:
  - policy.go: where the limits come from
  - procurement/fund_request.go: records approved fund requests
*/
package generic

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SPENDING LEDGER
// =============================================================================

type SpendingLedger struct {
	store  SpendingStore
	policy *ThresholdPolicy
	loc    *time.Location
}

// NewSpendingLedger returns a ledger that reads limits from policy and
// computes windows in loc (nil means UTC).
func NewSpendingLedger(store SpendingStore, policy *ThresholdPolicy, loc *time.Location) *SpendingLedger {
	if loc == nil {
		loc = time.UTC
	}
	return &SpendingLedger{store: store, policy: policy, loc: loc}
}

// WithStore returns a ledger bound to another store, typically the
// transactional view passed to a WithTx callback.
func (l *SpendingLedger) WithStore(store SpendingStore) *SpendingLedger {
	return &SpendingLedger{store: store, policy: l.policy, loc: l.loc}
}

func (l *SpendingLedger) Location() *time.Location { return l.loc }

func (l *SpendingLedger) Policy() *ThresholdPolicy { return l.policy }

// Record appends a spend entry for officer, or returns *LimitExceededError
// if the daily or monthly total would exceed its limit.
func (l *SpendingLedger) Record(ctx context.Context, officer ActorID, amount decimal.Decimal, at time.Time, reference string) error {
	if officer == "" {
		return &ValidationError{Field: "officer", Message: "officer is required"}
	}
	if amount.IsNegative() {
		return &ValidationError{Field: "amount", Message: "must be >= 0"}
	}

	cfg := l.policy.Config()
	entry := SpendEntry{
		ID:        uuid.NewString(),
		Officer:   officer,
		Amount:    amount,
		At:        at,
		Day:       DayOf(at, l.loc),
		Reference: reference,
	}

	return l.store.AppendSpend(ctx, entry, func(s Spending) error {
		if cfg.DailyLimit != nil && s.Daily.Add(amount).GreaterThan(*cfg.DailyLimit) {
			return &LimitExceededError{
				Officer: officer, Period: "daily",
				Limit: *cfg.DailyLimit, Spent: s.Daily, Requested: amount,
			}
		}
		if cfg.MonthlyLimit != nil && s.Monthly.Add(amount).GreaterThan(*cfg.MonthlyLimit) {
			return &LimitExceededError{
				Officer: officer, Period: "monthly",
				Limit: *cfg.MonthlyLimit, Spent: s.Monthly, Requested: amount,
			}
		}
		return nil
	})
}

// Spending returns the officer's totals for the day and month containing at.
// An officer with no entries has zero totals.
func (l *SpendingLedger) Spending(ctx context.Context, officer ActorID, at time.Time) (Spending, error) {
	return l.store.SpendingFor(ctx, officer, DayOf(at, l.loc))
}

// =============================================================================
// SPENDING LIMITS VIEW
// =============================================================================

// LimitsView is what an officer sees on the spending-limits screen.
// Nil limits and remainders mean unlimited.
type LimitsView struct {
	Officer          ActorID
	Day              Day
	DailyLimit       *decimal.Decimal
	DailySpent       decimal.Decimal
	DailyRemaining   *decimal.Decimal
	MonthlyLimit     *decimal.Decimal
	MonthlySpent     decimal.Decimal
	MonthlyRemaining *decimal.Decimal
	Thresholds       ThresholdConfig
}

func (l *SpendingLedger) Limits(ctx context.Context, officer ActorID, at time.Time) (LimitsView, error) {
	s, err := l.Spending(ctx, officer, at)
	if err != nil {
		return LimitsView{}, err
	}
	cfg := l.policy.Config()
	return LimitsView{
		Officer:          officer,
		Day:              DayOf(at, l.loc),
		DailyLimit:       cfg.DailyLimit,
		DailySpent:       s.Daily,
		DailyRemaining:   l.policy.RemainingDaily(s),
		MonthlyLimit:     cfg.MonthlyLimit,
		MonthlySpent:     s.Monthly,
		MonthlyRemaining: l.policy.RemainingMonthly(s),
		Thresholds:       cfg,
	}, nil
}
