/*
seed.go - Demo dataset for local development

PURPOSE:
  Loads a small, deterministic dataset so the HTTP surface can be exercised
  immediately after boot: two contractors, approved quotes, one open
  penalty, payout methods. Wired to the dev endpoints only.
*/
package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sunpeak/settlement-engine/ledger"
)

// Seed loads the demo dataset. Idempotent per fixed ids: re-seeding
// upserts quotes and re-adds unprocessed penalties.
func (e *Engine) Seed(ctx context.Context) error {
	type seedQuote struct {
		id        ledger.QuoteID
		contractor ledger.ContractorID
		base      string
		perUnit   string
		size      string
		selected  bool
		status    ledger.QuoteAdminStatus
	}

	quotes := []seedQuote{
		{"quote_demo_1", "contractor_demo_1", "10000", "1250", "8", true, ledger.QuoteApproved},
		{"quote_demo_2", "contractor_demo_1", "25000", "1250", "20", true, ledger.QuoteApproved},
		{"quote_demo_3", "contractor_demo_2", "18000", "1500", "12", true, ledger.QuotePendingReview},
		{"quote_demo_4", "contractor_demo_2", "7500", "1500", "5", false, ledger.QuoteApproved},
	}

	return e.store.WithTx(ctx, func(s ledger.Store) error {
		for _, q := range quotes {
			if _, err := s.GetOrCreateWallet(ctx, q.contractor); err != nil {
				return err
			}
			err := s.SaveQuote(ctx, ledger.Quote{
				ID:           q.id,
				ContractorID: q.contractor,
				BasePrice:    mustDec(q.base),
				PricePerUnit: mustDec(q.perUnit),
				SystemSize:   mustDec(q.size),
				IsSelected:   q.selected,
				AdminStatus:  q.status,
			})
			if err != nil {
				return fmt.Errorf("failed to seed quote %s: %w", q.id, err)
			}
		}

		// An open penalty against the second demo quote: settling it
		// demonstrates penalty consumption during quote payment.
		err := s.SavePenalty(ctx, ledger.Penalty{
			ID:           "pen_demo_1",
			QuoteID:      "quote_demo_2",
			ContractorID: "contractor_demo_1",
			PenaltyType:  "late_installation",
			Amount:       mustDec("750"),
			AppliedTo:    ledger.PenaltyOnContractor,
			Reason:       "Installation completed 12 days past the committed date",
		})
		if err != nil {
			return fmt.Errorf("failed to seed penalty: %w", err)
		}

		methods := []ledger.PaymentMethod{
			{
				ID:              "pm_demo_1",
				ContractorID:    "contractor_demo_1",
				Kind:            ledger.MethodBankTransfer,
				IsPrimary:       true,
				AccountNumber:   "SA4420000001234567891234",
				BankName:        "Al Rajhi Bank",
				BeneficiaryName: "Demo Solar Co",
			},
			{
				ID:           "pm_demo_2",
				ContractorID: "contractor_demo_1",
				Kind:         ledger.MethodCash,
			},
		}
		if err := s.ReplacePaymentMethods(ctx, "contractor_demo_1", methods); err != nil {
			return fmt.Errorf("failed to seed payment methods: %w", err)
		}
		return nil
	})
}

func mustDec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
