package reconciliation

import (
	"fmt"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/shopspring/decimal"
)

// Bands are the variance tolerances in ETB.
type Bands struct {
	// Absolute variances below this are minor.
	MinorBelow decimal.Decimal
	// Disputes above this absolute variance need an explanation.
	ExplanationAbove decimal.Decimal
}

func DefaultBands() Bands {
	return Bands{
		MinorBelow:       decimal.NewFromInt(10),
		ExplanationAbove: decimal.NewFromInt(100),
	}
}

func (b Bands) Validate() error {
	if !b.MinorBelow.IsPositive() {
		return &generic.ValidationError{Field: "minor_variance_below", Message: "must be > 0"}
	}
	if b.ExplanationAbove.LessThan(b.MinorBelow) {
		return &generic.ValidationError{
			Field:   "explanation_required_above",
			Message: fmt.Sprintf("must be >= minor_variance_below (%s)", b.MinorBelow),
		}
	}
	return nil
}

// Variance is the outcome of comparing expected and actual cash.
type Variance struct {
	Amount         decimal.Decimal
	Classification Classification
}

// ComputeVariance returns actual - expected and its band.
func (b Bands) ComputeVariance(expected, actual decimal.Decimal) Variance {
	v := actual.Sub(expected)
	abs := v.Abs()
	switch {
	case abs.IsZero():
		return Variance{Amount: v, Classification: Perfect}
	case abs.LessThan(b.MinorBelow):
		return Variance{Amount: v, Classification: Minor}
	default:
		return Variance{Amount: v, Classification: Significant}
	}
}

// NeedsExplanation reports whether a dispute of v must be explained.
func (b Bands) NeedsExplanation(v decimal.Decimal) bool {
	return v.Abs().GreaterThan(b.ExplanationAbove)
}

// ComputeVariance classifies using the default bands.
func ComputeVariance(expected, actual decimal.Decimal) Variance {
	return DefaultBands().ComputeVariance(expected, actual)
}
