package finance_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunpeak/settlement-engine/finance"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "%s: want %s, got %s", field, want, got)
}

// =============================================================================
// BREAKDOWN CALCULATION
// =============================================================================

func TestQuote_StandardBreakdown(t *testing.T) {
	// GIVEN: base price 10,000 with 15% commission and 10% overprice
	// WHEN: computing the breakdown
	// THEN: commission 1,500 / user price 11,000 / contractor net 8,500

	schedule := finance.DefaultFeeSchedule()

	b, err := schedule.Quote(dec("10000"), decimal.Zero)
	require.NoError(t, err)

	assertDecimal(t, "1500.00", b.CommissionAmount, "commission")
	assertDecimal(t, "1000.00", b.OverpriceAmount, "overprice")
	assertDecimal(t, "11000.00", b.TotalUserPrice, "user price")
	assertDecimal(t, "8500.00", b.ContractorNet, "contractor net")
	assertDecimal(t, "0.00", b.VATAmount, "vat")
	assertDecimal(t, "8500.00", b.TotalPayable, "payable")
}

func TestQuote_TableDriven(t *testing.T) {
	tests := []struct {
		name         string
		schedule     finance.FeeSchedule
		basePrice    string
		penaltyTotal string
		wantNet      string
		wantUser     string
		wantVAT      string
		wantPayable  string
	}{
		{
			name:         "penalties reduce contractor net",
			schedule:     finance.DefaultFeeSchedule(),
			basePrice:    "10000",
			penaltyTotal: "500",
			wantNet:      "8000.00",
			wantUser:     "11000.00",
			wantVAT:      "0.00",
			wantPayable:  "8000.00",
		},
		{
			name: "vat applied to contractor net",
			schedule: func() finance.FeeSchedule {
				s := finance.DefaultFeeSchedule()
				s.ApplyVAT = true
				return s
			}(),
			basePrice:    "10000",
			penaltyTotal: "0",
			wantNet:      "8500.00",
			wantUser:     "11000.00",
			wantVAT:      "1275.00",
			wantPayable:  "9775.00",
		},
		{
			name: "zero percentages pass through",
			schedule: finance.FeeSchedule{
				CommissionPercent: decimal.Zero,
				OverpricePercent:  decimal.Zero,
				VATRate:           decimal.Zero,
				MinimumWithdrawal: decimal.Zero,
				Currency:          "SAR",
			},
			basePrice:    "1234.56",
			penaltyTotal: "0",
			wantNet:      "1234.56",
			wantUser:     "1234.56",
			wantVAT:      "0.00",
			wantPayable:  "1234.56",
		},
		{
			name:         "penalties can exceed net - reported, not clamped",
			schedule:     finance.DefaultFeeSchedule(),
			basePrice:    "1000",
			penaltyTotal: "900",
			wantNet:      "-50.00",
			wantUser:     "1100.00",
			wantVAT:      "0.00",
			wantPayable:  "-50.00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.schedule.Quote(dec(tt.basePrice), dec(tt.penaltyTotal))
			require.NoError(t, err)
			assertDecimal(t, tt.wantNet, b.ContractorNet, "net")
			assertDecimal(t, tt.wantUser, b.TotalUserPrice, "user price")
			assertDecimal(t, tt.wantVAT, b.VATAmount, "vat")
			assertDecimal(t, tt.wantPayable, b.TotalPayable, "payable")
		})
	}
}

func TestQuote_RoundingHalfUpAtFinalStepOnly(t *testing.T) {
	// GIVEN: a base price whose commission lands on a half cent
	// WHEN: computing the breakdown
	// THEN: the half cent rounds up, and the net is derived from the
	//       unrounded commission (no compounding of intermediate rounding)

	schedule := finance.DefaultFeeSchedule()

	// 999.90 * 0.15 = 149.985 -> rounds to 149.99 (half-up)
	b, err := schedule.Quote(dec("999.90"), decimal.Zero)
	require.NoError(t, err)
	assertDecimal(t, "149.99", b.CommissionAmount, "commission")

	// Net uses the unrounded 149.985: 999.90 - 149.985 = 849.915 -> 849.92
	assertDecimal(t, "849.92", b.ContractorNet, "net")
}

func TestQuote_RejectsInvalidInputs(t *testing.T) {
	schedule := finance.DefaultFeeSchedule()

	_, err := schedule.Quote(decimal.Zero, decimal.Zero)
	assert.ErrorIs(t, err, finance.ErrNonPositiveBasePrice)

	_, err = schedule.Quote(dec("-10"), decimal.Zero)
	assert.ErrorIs(t, err, finance.ErrNonPositiveBasePrice)

	_, err = schedule.Quote(dec("100"), dec("-1"))
	assert.ErrorIs(t, err, finance.ErrNegativePenaltyTotal)

	var inputErr *finance.InvalidInputError
	_, err = schedule.Quote(dec("-10"), decimal.Zero)
	require.True(t, errors.As(err, &inputErr))
	assert.Equal(t, "base_price", inputErr.Field)
}

func TestLineTotal_RecomputedFromQuantityAndUnitPrice(t *testing.T) {
	total := finance.LineTotal(dec("3"), dec("1999.99"))
	assertDecimal(t, "5999.97", total, "line total")
}

// =============================================================================
// FEE SCHEDULE CONFIGURATION
// =============================================================================

func TestParseFeeSchedule_DefaultsAndOverrides(t *testing.T) {
	s, err := finance.ParseFeeSchedule(`{"commission_percent": "0.20", "apply_vat": true}`)
	require.NoError(t, err)

	assertDecimal(t, "0.20", s.CommissionPercent, "commission percent")
	assertDecimal(t, "0.10", s.OverpricePercent, "overprice percent (default)")
	assert.True(t, s.ApplyVAT)
	assert.Equal(t, "SAR", s.Currency)
}

func TestFeeSchedule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*finance.FeeSchedule)
		wantErr error
	}{
		{
			name:    "defaults are valid",
			mutate:  func(s *finance.FeeSchedule) {},
			wantErr: nil,
		},
		{
			name:    "commission of 1 is out of range",
			mutate:  func(s *finance.FeeSchedule) { s.CommissionPercent = dec("1") },
			wantErr: finance.ErrPercentOutOfRange,
		},
		{
			name:    "negative overprice is out of range",
			mutate:  func(s *finance.FeeSchedule) { s.OverpricePercent = dec("-0.01") },
			wantErr: finance.ErrPercentOutOfRange,
		},
		{
			name:    "vat rate above 1 is out of range",
			mutate:  func(s *finance.FeeSchedule) { s.VATRate = dec("1.5") },
			wantErr: finance.ErrPercentOutOfRange,
		},
		{
			name:    "negative minimum withdrawal",
			mutate:  func(s *finance.FeeSchedule) { s.MinimumWithdrawal = dec("-1") },
			wantErr: finance.ErrNegativeMinimum,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := finance.DefaultFeeSchedule()
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
