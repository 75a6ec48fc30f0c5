/*
calculator.go - Pure monetary breakdown calculation

PURPOSE:
  Computes the financial breakdown of an approved quote: platform commission,
  customer-facing markup (overprice), contractor net, and optional VAT.
  Pure functions only - no state, no I/O, fully deterministic.

CALCULATION RULES:
  commission_amount  = base_price * commission_percent
  overprice_amount   = base_price * overprice_percent   (charged to customer)
  total_user_price   = base_price * (1 + overprice_percent)
  contractor_net     = base_price - commission_amount - penalty_total
  vat_amount         = contractor_net * vat_rate        (when VAT applies)
  total_payable      = contractor_net + vat_amount

ROUNDING:
  Monetary outputs are rounded to 2 decimal places, half-up, at the final
  step only. Intermediate values stay at full decimal precision so rounding
  error never compounds.

VALIDATION:
  Base price must be strictly positive - the calculator rejects rather than
  clamps. Percentages are validated once at configuration load (config.go),
  not on every call.

SEE ALSO:
  - config.go: FeeSchedule definition and load-time validation
  - settlement/engine.go: The only production caller
*/
package finance

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// BREAKDOWN - Output of a settlement calculation
// =============================================================================

// Breakdown is the full monetary decomposition of one quote settlement.
// All values are rounded to 2 decimal places.
type Breakdown struct {
	BasePrice        decimal.Decimal
	CommissionAmount decimal.Decimal
	OverpriceAmount  decimal.Decimal
	TotalUserPrice   decimal.Decimal
	PenaltyTotal     decimal.Decimal
	ContractorNet    decimal.Decimal
	VATAmount        decimal.Decimal
	TotalPayable     decimal.Decimal // what the contractor wallet is credited
}

// =============================================================================
// CALCULATION
// =============================================================================

// Quote computes the breakdown for a base price under this fee schedule.
// penaltyTotal is the sum of unprocessed penalties charged against this
// settlement; pass decimal.Zero when there are none.
//
// Returns ErrNonPositiveBasePrice for base_price <= 0 and
// ErrNegativePenaltyTotal for penaltyTotal < 0.
//
// ContractorNet may come out negative when penalties exceed the net; the
// calculator reports it as-is and leaves the rejection to the caller.
func (s FeeSchedule) Quote(basePrice, penaltyTotal decimal.Decimal) (Breakdown, error) {
	if !basePrice.IsPositive() {
		return Breakdown{}, &InvalidInputError{Field: "base_price", Value: basePrice, Err: ErrNonPositiveBasePrice}
	}
	if penaltyTotal.IsNegative() {
		return Breakdown{}, &InvalidInputError{Field: "penalty_total", Value: penaltyTotal, Err: ErrNegativePenaltyTotal}
	}

	// Full precision throughout; round only at the end.
	commission := basePrice.Mul(s.CommissionPercent)
	overprice := basePrice.Mul(s.OverpricePercent)
	userPrice := basePrice.Add(overprice)
	net := basePrice.Sub(commission).Sub(penaltyTotal)

	vat := decimal.Zero
	if s.ApplyVAT {
		vat = net.Mul(s.VATRate)
	}
	payable := net.Add(vat)

	return Breakdown{
		BasePrice:        round2(basePrice),
		CommissionAmount: round2(commission),
		OverpriceAmount:  round2(overprice),
		TotalUserPrice:   round2(userPrice),
		PenaltyTotal:     round2(penaltyTotal),
		ContractorNet:    round2(net),
		VATAmount:        round2(vat),
		TotalPayable:     round2(payable),
	}, nil
}

// LineTotal recomputes a line-item total from quantity and unit price.
// Derived totals are always recomputed server-side; a client-supplied total
// is never trusted.
func LineTotal(quantity, unitPrice decimal.Decimal) decimal.Decimal {
	return round2(quantity.Mul(unitPrice))
}

// round2 rounds to 2 decimal places, half-up.
// decimal.Round rounds half away from zero, which is half-up for the
// non-negative magnitudes used in monetary outputs.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
