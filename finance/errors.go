/*
errors.go - Calculator and configuration errors

PURPOSE:
  Sentinel errors for the finance package, usable with errors.Is, plus one
  structured error carrying the offending field and value.

SEE ALSO:
  - calculator.go: Per-call input validation
  - config.go: Load-time schedule validation
*/
package finance

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNonPositiveBasePrice is returned for base_price <= 0. The calculator
	// rejects rather than clamps.
	ErrNonPositiveBasePrice = errors.New("base price must be positive")

	// ErrNegativePenaltyTotal is returned for a negative penalty sum.
	ErrNegativePenaltyTotal = errors.New("penalty total must not be negative")

	// ErrPercentOutOfRange is returned at configuration load for a percentage
	// outside [0, 1).
	ErrPercentOutOfRange = errors.New("percentage must be within [0, 1)")

	// ErrNegativeMinimum is returned at configuration load for a negative
	// minimum withdrawal.
	ErrNegativeMinimum = errors.New("minimum withdrawal must not be negative")
)

// InvalidInputError identifies which input failed validation.
type InvalidInputError struct {
	Field string
	Value decimal.Decimal
	Err   error
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s %s: %v", e.Field, e.Value, e.Err)
}

func (e *InvalidInputError) Unwrap() error { return e.Err }
