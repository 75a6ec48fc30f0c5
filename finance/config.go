/*
config.go - Fee schedule configuration

PURPOSE:
  Defines the configurable percentage parameters of the settlement
  calculation and validates them once at load time. Handlers and the engine
  receive an already-validated FeeSchedule; per-call validation covers only
  the per-call inputs (base price, penalty total).

JSON SCHEMA:
  {
    "commission_percent": "0.15",
    "overprice_percent": "0.10",
    "vat_rate": "0.15",
    "apply_vat": false,
    "minimum_withdrawal": "100.00",
    "currency": "SAR"
  }

  Percentages are JSON strings to preserve decimal precision; shopspring
  decimal unmarshals both strings and numbers.

VALIDATION:
  All percentages must be within [0, 1). MinimumWithdrawal must be >= 0.
  A schedule that fails validation is rejected at startup - the engine never
  runs with a half-valid configuration.

SEE ALSO:
  - calculator.go: Uses FeeSchedule for breakdowns
  - cmd/server/main.go: Loads the schedule from flags/env
*/
package finance

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FEE SCHEDULE
// =============================================================================

// FeeSchedule holds the configurable parameters of the settlement calculation.
type FeeSchedule struct {
	CommissionPercent decimal.Decimal `json:"commission_percent"`
	OverpricePercent  decimal.Decimal `json:"overprice_percent"`
	VATRate           decimal.Decimal `json:"vat_rate"`
	ApplyVAT          bool            `json:"apply_vat"`
	MinimumWithdrawal decimal.Decimal `json:"minimum_withdrawal"`
	Currency          string          `json:"currency"`
}

// DefaultFeeSchedule returns the platform defaults:
// 15% commission, 10% overprice, 15% VAT (not applied), 100.00 minimum
// withdrawal, SAR.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		CommissionPercent: decimal.NewFromFloat(0.15),
		OverpricePercent:  decimal.NewFromFloat(0.10),
		VATRate:           decimal.NewFromFloat(0.15),
		ApplyVAT:          false,
		MinimumWithdrawal: decimal.NewFromInt(100),
		Currency:          "SAR",
	}
}

// ParseFeeSchedule parses and validates a JSON fee schedule.
// Missing fields fall back to the defaults.
func ParseFeeSchedule(jsonStr string) (FeeSchedule, error) {
	s := DefaultFeeSchedule()
	if err := json.Unmarshal([]byte(jsonStr), &s); err != nil {
		return FeeSchedule{}, fmt.Errorf("failed to parse fee schedule JSON: %w", err)
	}
	if err := s.Validate(); err != nil {
		return FeeSchedule{}, err
	}
	return s, nil
}

// Validate checks that every percentage is within [0, 1) and that the
// withdrawal minimum is non-negative.
func (s FeeSchedule) Validate() error {
	one := decimal.NewFromInt(1)
	percentages := []struct {
		name  string
		value decimal.Decimal
	}{
		{"commission_percent", s.CommissionPercent},
		{"overprice_percent", s.OverpricePercent},
		{"vat_rate", s.VATRate},
	}
	for _, p := range percentages {
		if p.value.IsNegative() || p.value.GreaterThanOrEqual(one) {
			return &InvalidInputError{Field: p.name, Value: p.value, Err: ErrPercentOutOfRange}
		}
	}
	if s.MinimumWithdrawal.IsNegative() {
		return &InvalidInputError{Field: "minimum_withdrawal", Value: s.MinimumWithdrawal, Err: ErrNegativeMinimum}
	}
	if s.Currency == "" {
		return fmt.Errorf("fee schedule: currency is required")
	}
	return nil
}
