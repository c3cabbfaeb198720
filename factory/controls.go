/*
Package factory provides JSON to Go conversion for financial controls.

PURPOSE:
  Converts the owner's financial-control settings into a
  generic.ThresholdConfig and reconciliation.Bands. The same JSON document
  is stored in the settings table, served by GET
  /api/settings/financial-controls and accepted by PUT, so thresholds can
  change without a deploy.

JSON SCHEMA:
  {
    "auto_approval_threshold":   100000,
    "owner_approval_threshold":  1000000,
    "multi_signature_threshold": 5000000,
    "notify_owner_threshold":    500000,
    "daily_limit":               5000000,
    "monthly_limit":             null,
    "minor_variance_below":       10,
    "explanation_required_above": 100
  }

  Amounts are ETB. A null (or absent) daily_limit or monthly_limit means
  no cap. Absent variance bands fall back to 10 and 100.

USAGE:
  cfg, bands, err := factory.ParseControls(body)
  if err != nil { ... }            // *generic.ValidationError on bad values
  policy.Update(cfg)
  recon.SetBands(bands)

SEE ALSO:
  - generic/policy.go: ThresholdConfig
  - reconciliation/variance.go: Bands
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/kushukushu/approval-engine/generic"
	"github.com/kushukushu/approval-engine/reconciliation"
	"github.com/shopspring/decimal"
)

// SettingsKey is where the controls live in the settings store.
const SettingsKey = "financial_controls"

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type ControlsJSON struct {
	AutoApprovalThreshold    json.Number  `json:"auto_approval_threshold"`
	OwnerApprovalThreshold   json.Number  `json:"owner_approval_threshold"`
	MultiSignatureThreshold  json.Number  `json:"multi_signature_threshold"`
	NotifyOwnerThreshold     json.Number  `json:"notify_owner_threshold"`
	DailyLimit               *json.Number `json:"daily_limit"`
	MonthlyLimit             *json.Number `json:"monthly_limit"`
	MinorVarianceBelow       json.Number  `json:"minor_variance_below,omitempty"`
	ExplanationRequiredAbove json.Number  `json:"explanation_required_above,omitempty"`
}

// =============================================================================
// CONVERSION
// =============================================================================

// ParseControls parses and validates a JSON document.
func ParseControls(data []byte) (generic.ThresholdConfig, reconciliation.Bands, error) {
	var cj ControlsJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return generic.ThresholdConfig{}, reconciliation.Bands{}, &generic.ValidationError{
			Message: fmt.Sprintf("failed to parse financial controls JSON: %v", err),
		}
	}
	return FromJSON(cj)
}

// FromJSON converts and validates.
func FromJSON(cj ControlsJSON) (generic.ThresholdConfig, reconciliation.Bands, error) {
	var cfg generic.ThresholdConfig
	var err error

	required := []struct {
		field string
		in    json.Number
		out   *decimal.Decimal
	}{
		{"auto_approval_threshold", cj.AutoApprovalThreshold, &cfg.AutoApproval},
		{"owner_approval_threshold", cj.OwnerApprovalThreshold, &cfg.OwnerApproval},
		{"multi_signature_threshold", cj.MultiSignatureThreshold, &cfg.MultiSignature},
		{"notify_owner_threshold", cj.NotifyOwnerThreshold, &cfg.NotifyOwner},
	}
	for _, r := range required {
		if r.in == "" {
			return generic.ThresholdConfig{}, reconciliation.Bands{}, &generic.ValidationError{Field: r.field, Message: "is required"}
		}
		if *r.out, err = parseAmount(r.field, r.in); err != nil {
			return generic.ThresholdConfig{}, reconciliation.Bands{}, err
		}
	}
	if cfg.DailyLimit, err = parseLimit("daily_limit", cj.DailyLimit); err != nil {
		return generic.ThresholdConfig{}, reconciliation.Bands{}, err
	}
	if cfg.MonthlyLimit, err = parseLimit("monthly_limit", cj.MonthlyLimit); err != nil {
		return generic.ThresholdConfig{}, reconciliation.Bands{}, err
	}
	if err := cfg.Validate(); err != nil {
		return generic.ThresholdConfig{}, reconciliation.Bands{}, err
	}

	bands := reconciliation.DefaultBands()
	if cj.MinorVarianceBelow != "" {
		if bands.MinorBelow, err = parseAmount("minor_variance_below", cj.MinorVarianceBelow); err != nil {
			return generic.ThresholdConfig{}, reconciliation.Bands{}, err
		}
	}
	if cj.ExplanationRequiredAbove != "" {
		if bands.ExplanationAbove, err = parseAmount("explanation_required_above", cj.ExplanationRequiredAbove); err != nil {
			return generic.ThresholdConfig{}, reconciliation.Bands{}, err
		}
	}
	if err := bands.Validate(); err != nil {
		return generic.ThresholdConfig{}, reconciliation.Bands{}, err
	}
	return cfg, bands, nil
}

// ToJSON renders cfg and bands in the settings shape.
func ToJSON(cfg generic.ThresholdConfig, bands reconciliation.Bands) ControlsJSON {
	return ControlsJSON{
		AutoApprovalThreshold:    json.Number(cfg.AutoApproval.String()),
		OwnerApprovalThreshold:   json.Number(cfg.OwnerApproval.String()),
		MultiSignatureThreshold:  json.Number(cfg.MultiSignature.String()),
		NotifyOwnerThreshold:     json.Number(cfg.NotifyOwner.String()),
		DailyLimit:               numberOrNil(cfg.DailyLimit),
		MonthlyLimit:             numberOrNil(cfg.MonthlyLimit),
		MinorVarianceBelow:       json.Number(bands.MinorBelow.String()),
		ExplanationRequiredAbove: json.Number(bands.ExplanationAbove.String()),
	}
}

// DefaultControlsJSON returns the factory defaults.
func DefaultControlsJSON() ControlsJSON {
	return ToJSON(generic.DefaultThresholdConfig(), reconciliation.DefaultBands())
}

// =============================================================================
// HELPERS
// =============================================================================

func parseAmount(field string, n json.Number) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero, &generic.ValidationError{Field: field, Message: "must be a number"}
	}
	if d.IsNegative() {
		return decimal.Zero, &generic.ValidationError{Field: field, Message: "must be >= 0"}
	}
	return d, nil
}

func parseLimit(field string, n *json.Number) (*decimal.Decimal, error) {
	if n == nil || *n == "" {
		return nil, nil
	}
	d, err := parseAmount(field, *n)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func numberOrNil(d *decimal.Decimal) *json.Number {
	if d == nil {
		return nil
	}
	n := json.Number(d.String())
	return &n
}
