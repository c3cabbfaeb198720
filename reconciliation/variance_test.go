package reconciliation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeVariance(t *testing.T) {
	tests := []struct {
		expected, actual string
		amount           string
		class            Classification
	}{
		{"1000", "1000", "0", Perfect},
		{"1000", "995", "-5", Minor},
		{"1000", "1009.99", "9.99", Minor},
		{"1000", "1010", "10", Significant},
		{"1000", "800", "-200", Significant},
		{"0", "0", "0", Perfect},
	}
	for _, tt := range tests {
		t.Run(tt.expected+"/"+tt.actual, func(t *testing.T) {
			v := ComputeVariance(decimal.RequireFromString(tt.expected), decimal.RequireFromString(tt.actual))
			assert.Equal(t, tt.amount, v.Amount.String())
			assert.Equal(t, tt.class, v.Classification)
		})
	}
}

func TestBands_NeedsExplanation(t *testing.T) {
	b := DefaultBands()
	assert.False(t, b.NeedsExplanation(decimal.NewFromInt(100)))
	assert.False(t, b.NeedsExplanation(decimal.NewFromInt(-100)))
	assert.True(t, b.NeedsExplanation(decimal.NewFromInt(101)))
	assert.True(t, b.NeedsExplanation(decimal.NewFromInt(-200)))
}

func TestBands_Validate(t *testing.T) {
	require.NoError(t, DefaultBands().Validate())

	err := Bands{MinorBelow: decimal.Zero, ExplanationAbove: decimal.NewFromInt(100)}.Validate()
	assert.ErrorContains(t, err, "minor_variance_below")

	err = Bands{MinorBelow: decimal.NewFromInt(50), ExplanationAbove: decimal.NewFromInt(20)}.Validate()
	assert.ErrorContains(t, err, "explanation_required_above")
}

func TestCustomBands(t *testing.T) {
	b := Bands{MinorBelow: decimal.NewFromInt(50), ExplanationAbove: decimal.NewFromInt(500)}
	v := b.ComputeVariance(decimal.NewFromInt(1000), decimal.NewFromInt(1040))
	assert.Equal(t, Minor, v.Classification)
}
