package settlement_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sunpeak/settlement-engine/finance"
	"github.com/sunpeak/settlement-engine/ledger"
	"github.com/sunpeak/settlement-engine/settlement"
	"github.com/sunpeak/settlement-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "%s: want %s, got %s", field, want, got)
}

func newTestEngine(t *testing.T, schedule finance.FeeSchedule) (*settlement.Engine, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return settlement.NewEngine(store, schedule), store
}

func seedQuote(t *testing.T, store *sqlite.Store, id ledger.QuoteID, contractor ledger.ContractorID, basePrice string, selected bool, status ledger.QuoteAdminStatus) {
	t.Helper()
	err := store.SaveQuote(context.Background(), ledger.Quote{
		ID:           id,
		ContractorID: contractor,
		BasePrice:    dec(basePrice),
		IsSelected:   selected,
		AdminStatus:  status,
	})
	require.NoError(t, err)
}

func seedPaymentMethod(t *testing.T, engine *settlement.Engine, contractor ledger.ContractorID) ledger.PaymentMethodID {
	t.Helper()
	methods, err := engine.UpdatePaymentMethods(context.Background(), contractor, []ledger.PaymentMethod{
		{
			Kind:            ledger.MethodBankTransfer,
			IsPrimary:       true,
			AccountNumber:   "SA0000000000000000000001",
			BankName:        "Test Bank",
			BeneficiaryName: "Test Contractor",
		},
	})
	require.NoError(t, err)
	return methods[0].ID
}

// zeroFeeSchedule passes the base price straight through, so tests can set
// exact balances without reverse-engineering the commission math.
func zeroFeeSchedule() finance.FeeSchedule {
	s := finance.DefaultFeeSchedule()
	s.CommissionPercent = decimal.Zero
	s.OverpricePercent = decimal.Zero
	return s
}

// =============================================================================
// QUOTE SETTLEMENT
// =============================================================================

func TestProcessQuotePayment_CreditsContractorNet(t *testing.T) {
	// GIVEN: an approved, selected quote at base price 10,000
	// WHEN: settling it with the default schedule (15% commission)
	// THEN: the wallet is credited 8,500 and the counters record the rest

	engine, store := newTestEngine(t, finance.DefaultFeeSchedule())
	ctx := context.Background()
	seedQuote(t, store, "quote-1", "contractor-1", "10000", true, ledger.QuoteApproved)

	tx, err := engine.ProcessQuotePayment(ctx, "quote-1")
	require.NoError(t, err)

	assert.Equal(t, ledger.TxCredit, tx.Type)
	assert.Equal(t, ledger.TxCompleted, tx.Status)
	assertDecimal(t, "8500.00", tx.Amount, "credit amount")
	assertDecimal(t, "1500.00", tx.CommissionAmount, "commission audit field")

	wallet, err := engine.GetOrCreateWallet(ctx, "contractor-1")
	require.NoError(t, err)
	assertDecimal(t, "8500.00", wallet.CurrentBalance, "current balance")
	assertDecimal(t, "8500.00", wallet.TotalEarned, "total earned")
	assertDecimal(t, "1500.00", wallet.TotalCommissionPaid, "total commission")
}

func TestProcessQuotePayment_Idempotent(t *testing.T) {
	// GIVEN: a quote already settled
	// WHEN: settling it again
	// THEN: the second call fails naming the existing transaction and the
	//       balance is unchanged

	engine, store := newTestEngine(t, finance.DefaultFeeSchedule())
	ctx := context.Background()
	seedQuote(t, store, "quote-1", "contractor-1", "10000", true, ledger.QuoteApproved)

	first, err := engine.ProcessQuotePayment(ctx, "quote-1")
	require.NoError(t, err)

	_, err = engine.ProcessQuotePayment(ctx, "quote-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrDuplicateSettlement)

	var dup *ledger.DuplicateSettlementError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingTxID)

	wallet, err := engine.GetOrCreateWallet(ctx, "contractor-1")
	require.NoError(t, err)
	assertDecimal(t, "8500.00", wallet.CurrentBalance, "balance after duplicate")
}

func TestProcessQuotePayment_RejectsIneligibleQuotes(t *testing.T) {
	engine, store := newTestEngine(t, finance.DefaultFeeSchedule())
	ctx := context.Background()

	seedQuote(t, store, "unapproved", "contractor-1", "10000", true, ledger.QuotePendingReview)
	seedQuote(t, store, "unselected", "contractor-1", "10000", false, ledger.QuoteApproved)

	_, err := engine.ProcessQuotePayment(ctx, "unapproved")
	assert.ErrorIs(t, err, ledger.ErrInvalidQuoteState)

	_, err = engine.ProcessQuotePayment(ctx, "unselected")
	assert.ErrorIs(t, err, ledger.ErrInvalidQuoteState)

	_, err = engine.ProcessQuotePayment(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrQuoteNotFound)
}

func TestProcessQuotePayment_ConsumesOpenPenalties(t *testing.T) {
	// GIVEN: an approved quote with an unprocessed 750 penalty against it
	// WHEN: settling the quote (base 25,000, net 21,250)
	// THEN: the credit is reduced to 20,500 and the penalty is marked
	//       processed, linked to the settlement transaction

	engine, store := newTestEngine(t, finance.DefaultFeeSchedule())
	ctx := context.Background()
	seedQuote(t, store, "quote-1", "contractor-1", "25000", true, ledger.QuoteApproved)

	require.NoError(t, store.SavePenalty(ctx, ledger.Penalty{
		ID:           "pen-1",
		QuoteID:      "quote-1",
		ContractorID: "contractor-1",
		PenaltyType:  "late_installation",
		Amount:       dec("750"),
		AppliedTo:    ledger.PenaltyOnContractor,
	}))

	tx, err := engine.ProcessQuotePayment(ctx, "quote-1")
	require.NoError(t, err)
	assertDecimal(t, "20500.00", tx.Amount, "credit net of penalty")

	remaining, err := store.UnprocessedPenaltiesForQuote(ctx, "quote-1")
	require.NoError(t, err)
	assert.Empty(t, remaining, "penalty should be consumed")
}

func TestProcessQuotePayment_RefusesWhenPenaltiesSwallowPayout(t *testing.T) {
	// Penalties larger than the contractor net would mean a zero or
	// negative credit; the engine refuses and leaves the penalty open.

	engine, store := newTestEngine(t, finance.DefaultFeeSchedule())
	ctx := context.Background()
	seedQuote(t, store, "quote-1", "contractor-1", "1000", true, ledger.QuoteApproved)

	require.NoError(t, store.SavePenalty(ctx, ledger.Penalty{
		ID:           "pen-1",
		QuoteID:      "quote-1",
		ContractorID: "contractor-1",
		PenaltyType:  "cancellation",
		Amount:       dec("900"),
		AppliedTo:    ledger.PenaltyOnContractor,
	}))

	_, err := engine.ProcessQuotePayment(ctx, "quote-1")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	remaining, err := store.UnprocessedPenaltiesForQuote(ctx, "quote-1")
	require.NoError(t, err)
	assert.Len(t, remaining, 1, "penalty stays open after refused settlement")
}

func TestProcessQuotePayment_ConcurrentExactlyOneWinner(t *testing.T) {
	// GIVEN: one approved quote and several concurrent settlement attempts
	// WHEN: they race
	// THEN: exactly one credit lands; every loser sees the duplicate error

	engine, store := newTestEngine(t, finance.DefaultFeeSchedule())
	ctx := context.Background()
	seedQuote(t, store, "quote-1", "contractor-1", "10000", true, ledger.QuoteApproved)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.ProcessQuotePayment(ctx, "quote-1")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ledger.ErrDuplicateSettlement)
		}
	}
	assert.Equal(t, 1, wins, "exactly one settlement must win")

	wallet, err := engine.GetOrCreateWallet(ctx, "contractor-1")
	require.NoError(t, err)
	assertDecimal(t, "8500.00", wallet.CurrentBalance, "credited exactly once")
}

// =============================================================================
// PENALTIES
// =============================================================================

func TestProcessPenalty_DebitsWallet(t *testing.T) {
	engine, store := newTestEngine(t, zeroFeeSchedule())
	ctx := context.Background()
	seedQuote(t, store, "quote-1", "contractor-1", "1000", true, ledger.QuoteApproved)

	_, err := engine.ProcessQuotePayment(ctx, "quote-1")
	require.NoError(t, err)

	tx, err := engine.ProcessPenalty(ctx, "contractor-1", dec("250"), "missed appointment", "req-9")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxDebit, tx.Type)
	assert.Equal(t, ledger.RefPenalty, tx.ReferenceType)

	wallet, err := engine.GetOrCreateWallet(ctx, "contractor-1")
	require.NoError(t, err)
	assertDecimal(t, "750.00", wallet.CurrentBalance, "balance after penalty")
	assertDecimal(t, "250.00", wallet.TotalPenalties, "penalty counter")
}

func TestProcessPenalty_InsufficientBalanceChangesNothing(t *testing.T) {
	// GIVEN: a wallet holding 300
	// WHEN: applying a 500 penalty
	// THEN: the operation fails whole; no partial deduction, no ledger row

	engine, store := newTestEngine(t, zeroFeeSchedule())
	ctx := context.Background()
	seedQuote(t, store, "quote-1", "contractor-1", "300", true, ledger.QuoteApproved)

	_, err := engine.ProcessQuotePayment(ctx, "quote-1")
	require.NoError(t, err)

	_, err = engine.ProcessPenalty(ctx, "contractor-1", dec("500"), "cancellation", "req-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	var ib *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assertDecimal(t, "300.00", ib.Available, "reported available")
	assertDecimal(t, "500.00", ib.Requested, "reported requested")

	wallet, err := engine.GetOrCreateWallet(ctx, "contractor-1")
	require.NoError(t, err)
	assertDecimal(t, "300.00", wallet.CurrentBalance, "balance untouched")
	assertDecimal(t, "0.00", wallet.TotalPenalties, "counter untouched")

	history, err := engine.TransactionHistory(ctx, "contractor-1", ledger.TransactionFilter{
		Type: ledger.TxDebit,
	}, 1, 20)
	require.NoError(t, err)
	assert.Empty(t, history.Items, "no debit row recorded")
}

func TestProcessPenalty_RejectsNonPositiveAmount(t *testing.T) {
	engine, _ := newTestEngine(t, zeroFeeSchedule())

	_, err := engine.ProcessPenalty(context.Background(), "contractor-1", decimal.Zero, "x", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = engine.ProcessPenalty(context.Background(), "contractor-1", dec("-5"), "x", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

// =============================================================================
// WITHDRAWAL LIFECYCLE
// =============================================================================

func TestWithdrawal_HoldThenComplete(t *testing.T) {
	// GIVEN: a wallet holding 1,000
	// WHEN: requesting a 400 withdrawal and approving it
	// THEN: request moves 400 into the pending hold; approval releases the
	//       hold into total_withdrawn

	engine, store := newTestEngine(t, zeroFeeSchedule())
	ctx := context.Background()
	seedQuote(t, store, "quote-1", "contractor-1", "1000", true, ledger.QuoteApproved)
	_, err := engine.ProcessQuotePayment(ctx, "quote-1")
	require.NoError(t, err)
	methodID := seedPaymentMethod(t, engine, "contractor-1")

	req, err := engine.RequestWithdrawal(ctx, "contractor-1", dec("400"), methodID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TxPending, req.Status)
	require.NotNil(t, req.MethodSnapshot)
	assert.Equal(t, ledger.MethodBankTransfer, req.MethodSnapshot.Kind)

	wallet, err := engine.GetOrCreateWallet(ctx, "contractor-1")
	require.NoError(t, err)
	assertDecimal(t, "600.00", wallet.CurrentBalance, "current after hold")
	assertDecimal(t, "400.00", wallet.PendingBalance, "pending hold")

	done, err := engine.DecideWithdrawal(ctx, req.ID, ledger.WithdrawalCompleted, "paid via bank run 42")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxCompleted, done.Status)
	assert.NotNil(t, done.ProcessedAt)

	wallet, err = engine.GetOrCreateWallet(ctx, "contractor-1")
	require.NoError(t, err)
	assertDecimal(t, "600.00", wallet.CurrentBalance, "current after completion")
	assertDecimal(t, "0.00", wallet.PendingBalance, "hold released")
	assertDecimal(t, "400.00", wallet.TotalWithdrawn, "withdrawn counter")
}

func TestWithdrawal_FailureRestoresExactly(t *testing.T) {
	// A failed withdrawal is fully reversible: the entire held amount goes
	// back to the spendable balance.

	engine, store := newTestEngine(t, zeroFeeSchedule())
	ctx := context.Background()
	seedQuote(t, store, "quote-1", "contractor-1", "1000", true, ledger.QuoteApproved)
	_, err := engine.ProcessQuotePayment(ctx, "quote-1")
	require.NoError(t, err)
	methodID := seedPaymentMethod(t, engine, "contractor-1")

	req, err := engine.RequestWithdrawal(ctx, "contractor-1", dec("400"), methodID)
	require.NoError(t, err)

	failed, err := engine.DecideWithdrawal(ctx, req.ID, ledger.WithdrawalFailed, "bank rejected IBAN")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxFailed, failed.Status)
	assert.Equal(t, "bank rejected IBAN", failed.DecisionNotes)

	wallet, err := engine.GetOrCreateWallet(ctx, "contractor-1")
	require.NoError(t, err)
	assertDecimal(t, "1000.00", wallet.CurrentBalance, "balance restored exactly")
	assertDecimal(t, "0.00", wallet.PendingBalance, "hold cleared")
	assertDecimal(t, "0.00", wallet.TotalWithdrawn, "nothing withdrawn")
}

func TestWithdrawal_DecisionCannotBeAppliedTwice(t *testing.T) {
	engine, store := newTestEngine(t, zeroFeeSchedule())
	ctx := context.Background()
	seedQuote(t, store, "quote-1", "contractor-1", "1000", true, ledger.QuoteApproved)
	_, err := engine.ProcessQuotePayment(ctx, "quote-1")
	require.NoError(t, err)
	methodID := seedPaymentMethod(t, engine, "contractor-1")

	req, err := engine.RequestWithdrawal(ctx, "contractor-1", dec("400"), methodID)
	require.NoError(t, err)

	_, err = engine.DecideWithdrawal(ctx, req.ID, ledger.WithdrawalCompleted, "")
	require.NoError(t, err)

	_, err = engine.DecideWithdrawal(ctx, req.ID, ledger.WithdrawalFailed, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidWithdrawalState)

	wallet, err := engine.GetOrCreateWallet(ctx, "contractor-1")
	require.NoError(t, err)
	assertDecimal(t, "400.00", wallet.TotalWithdrawn, "counter applied once")
}

func TestWithdrawal_Rejections(t *testing.T) {
	engine, store := newTestEngine(t, zeroFeeSchedule())
	ctx := context.Background()
	seedQuote(t, store, "quote-1", "contractor-1", "1000", true, ledger.QuoteApproved)
	_, err := engine.ProcessQuotePayment(ctx, "quote-1")
	require.NoError(t, err)
	methodID := seedPaymentMethod(t, engine, "contractor-1")

	t.Run("below minimum", func(t *testing.T) {
		_, err := engine.RequestWithdrawal(ctx, "contractor-1", dec("99.99"), methodID)
		assert.ErrorIs(t, err, ledger.ErrBelowMinimumWithdrawal)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		_, err := engine.RequestWithdrawal(ctx, "contractor-1", dec("5000"), methodID)
		assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	})

	t.Run("foreign payment method", func(t *testing.T) {
		otherMethod := seedPaymentMethod(t, engine, "contractor-2")
		_, err := engine.RequestWithdrawal(ctx, "contractor-1", dec("200"), otherMethod)
		assert.ErrorIs(t, err, ledger.ErrPaymentMethodNotFound)
	})

	t.Run("suspended wallet", func(t *testing.T) {
		require.NoError(t, engine.SetWalletSuspended(ctx, "contractor-1", true))
		_, err := engine.RequestWithdrawal(ctx, "contractor-1", dec("200"), methodID)
		assert.ErrorIs(t, err, ledger.ErrWalletSuspended)
		require.NoError(t, engine.SetWalletSuspended(ctx, "contractor-1", false))
	})
}

func TestSuspendedWallet_StillAcceptsCreditsAndPenalties(t *testing.T) {
	engine, store := newTestEngine(t, zeroFeeSchedule())
	ctx := context.Background()

	_, err := engine.GetOrCreateWallet(ctx, "contractor-1")
	require.NoError(t, err)
	require.NoError(t, engine.SetWalletSuspended(ctx, "contractor-1", true))

	seedQuote(t, store, "quote-1", "contractor-1", "1000", true, ledger.QuoteApproved)
	_, err = engine.ProcessQuotePayment(ctx, "quote-1")
	require.NoError(t, err, "credits settle on suspended wallets")

	_, err = engine.ProcessPenalty(ctx, "contractor-1", dec("100"), "late", "")
	require.NoError(t, err, "penalties settle on suspended wallets")
}

// =============================================================================
// BALANCE INVARIANT & RECONCILIATION
// =============================================================================

func TestBalanceAlwaysMatchesTransactionLog(t *testing.T) {
	// Runs a mixed operation sequence - settlements, penalties, the full
	// withdrawal lifecycle including a failure - and checks after every
	// step that current+pending equals the signed sum of completed
	// transactions.

	engine, store := newTestEngine(t, finance.DefaultFeeSchedule())
	ctx := context.Background()

	check := func(label string) {
		t.Helper()
		report, err := engine.ReconcileWallet(ctx, "contractor-1")
		require.NoError(t, err)
		assert.True(t, report.Consistent,
			"%s: drift %s (materialized %s, replayed %s)",
			label, report.Drift, report.Materialized, report.Replayed)
	}

	seedQuote(t, store, "q1", "contractor-1", "10000", true, ledger.QuoteApproved)
	seedQuote(t, store, "q2", "contractor-1", "4000", true, ledger.QuoteApproved)
	_, err := engine.ProcessQuotePayment(ctx, "q1")
	require.NoError(t, err)
	check("after first settlement")

	_, err = engine.ProcessQuotePayment(ctx, "q2")
	require.NoError(t, err)
	check("after second settlement")

	_, err = engine.ProcessPenalty(ctx, "contractor-1", dec("300"), "late", "")
	require.NoError(t, err)
	check("after penalty")

	methodID := seedPaymentMethod(t, engine, "contractor-1")
	w1, err := engine.RequestWithdrawal(ctx, "contractor-1", dec("1000"), methodID)
	require.NoError(t, err)
	check("after withdrawal hold")

	_, err = engine.DecideWithdrawal(ctx, w1.ID, ledger.WithdrawalFailed, "rejected")
	require.NoError(t, err)
	check("after failed withdrawal")

	w2, err := engine.RequestWithdrawal(ctx, "contractor-1", dec("2500"), methodID)
	require.NoError(t, err)
	_, err = engine.DecideWithdrawal(ctx, w2.ID, ledger.WithdrawalCompleted, "paid")
	require.NoError(t, err)
	check("after completed withdrawal")
}

// =============================================================================
// HISTORY & PAYMENT METHODS
// =============================================================================

func TestTransactionHistory_FilterAndPagination(t *testing.T) {
	engine, store := newTestEngine(t, zeroFeeSchedule())
	ctx := context.Background()

	for _, q := range []struct{ id, base string }{
		{"q1", "1000"}, {"q2", "2000"}, {"q3", "3000"},
	} {
		seedQuote(t, store, ledger.QuoteID(q.id), "contractor-1", q.base, true, ledger.QuoteApproved)
		_, err := engine.ProcessQuotePayment(ctx, ledger.QuoteID(q.id))
		require.NoError(t, err)
	}
	_, err := engine.ProcessPenalty(ctx, "contractor-1", dec("100"), "late", "")
	require.NoError(t, err)

	all, err := engine.TransactionHistory(ctx, "contractor-1", ledger.TransactionFilter{}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, all.Total)
	assert.Len(t, all.Items, 2)

	credits, err := engine.TransactionHistory(ctx, "contractor-1", ledger.TransactionFilter{
		Type: ledger.TxCredit,
	}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 3, credits.Total)
}

func TestUpdatePaymentMethods_ExactlyOnePrimary(t *testing.T) {
	engine, _ := newTestEngine(t, zeroFeeSchedule())
	ctx := context.Background()

	_, err := engine.UpdatePaymentMethods(ctx, "contractor-1", []ledger.PaymentMethod{
		{Kind: ledger.MethodCash, IsPrimary: true},
		{Kind: ledger.MethodCash, IsPrimary: true},
	})
	require.Error(t, err, "two primaries rejected")

	_, err = engine.UpdatePaymentMethods(ctx, "contractor-1", []ledger.PaymentMethod{
		{Kind: ledger.MethodCash},
	})
	require.Error(t, err, "no primary rejected")

	_, err = engine.UpdatePaymentMethods(ctx, "contractor-1", []ledger.PaymentMethod{
		{Kind: ledger.MethodBankTransfer, IsPrimary: true},
	})
	require.Error(t, err, "incomplete bank fields rejected")

	saved, err := engine.UpdatePaymentMethods(ctx, "contractor-1", []ledger.PaymentMethod{
		{Kind: ledger.MethodCash, IsPrimary: true},
		{
			Kind:            ledger.MethodBankTransfer,
			AccountNumber:   "SA0000000000000000000001",
			BankName:        "Test Bank",
			BeneficiaryName: "Test Contractor",
		},
	})
	require.NoError(t, err)
	assert.Len(t, saved, 2)

	listed, err := engine.PaymentMethods(ctx, "contractor-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.True(t, listed[0].IsPrimary, "primary sorts first")
}

// =============================================================================
// SEED
// =============================================================================

func TestSeed_IsIdempotent(t *testing.T) {
	engine, _ := newTestEngine(t, finance.DefaultFeeSchedule())
	ctx := context.Background()

	require.NoError(t, engine.Seed(ctx))
	require.NoError(t, engine.Seed(ctx))

	tx, err := engine.ProcessQuotePayment(ctx, "quote_demo_2")
	require.NoError(t, err)
	// base 25,000, net 21,250, minus the seeded 750 penalty
	assertDecimal(t, "20500.00", tx.Amount, "demo settlement")
}
