/*
Package settlement orchestrates contractor payouts over the ledger.

PURPOSE:
  The engine is the only writer of financial state. It composes the pure
  breakdown calculator (finance) with the transactional store (ledger) to
  implement quote settlement, penalties, and the withdrawal lifecycle.

OPERATIONS:
  ProcessQuotePayment: credit the contractor for an approved+selected quote
  ProcessPenalty:      debit a sanction against the wallet
  RequestWithdrawal:   hold funds pending operator review
  DecideWithdrawal:    release or return held funds
  ReconcileWallet:     audit the balance projection against the log

TRANSACTION BOUNDARIES:
  Every mutating operation runs inside a single store.WithTx boundary.
  Eligibility, idempotency, and balance checks execute in the same database
  transaction as the writes they guard, so they observe the serialized
  wallet state rather than a stale read.

IDEMPOTENCY:
  Quote settlement is idempotent per quote id. Re-running a settlement -
  retry after timeout, double-submit, concurrent workers - yields exactly
  one credit; later attempts get DuplicateSettlementError naming the
  existing transaction.

SEE ALSO:
  - finance/calculator.go: The pure breakdown math
  - ledger/store.go: Store contracts and invariants
  - api/handlers.go: HTTP surface over these operations
*/
package settlement

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sunpeak/settlement-engine/finance"
	"github.com/sunpeak/settlement-engine/ledger"
)

// Engine coordinates settlement operations against the ledger store.
type Engine struct {
	store    ledger.TxStore
	schedule finance.FeeSchedule
}

// NewEngine creates a settlement engine. The schedule must already be
// validated (finance.FeeSchedule.Validate).
func NewEngine(store ledger.TxStore, schedule finance.FeeSchedule) *Engine {
	return &Engine{store: store, schedule: schedule}
}

// Schedule returns the active fee schedule.
func (e *Engine) Schedule() finance.FeeSchedule { return e.schedule }

// Store exposes the underlying store for read-only collaborator paths
// (quote/penalty intake handlers).
func (e *Engine) Store() ledger.TxStore { return e.store }

// =============================================================================
// WALLETS
// =============================================================================

// GetOrCreateWallet returns the contractor's wallet, creating it with zero
// balances on first use.
func (e *Engine) GetOrCreateWallet(ctx context.Context, contractorID ledger.ContractorID) (*ledger.Wallet, error) {
	return e.store.GetOrCreateWallet(ctx, contractorID)
}

// SetWalletSuspended suspends or reactivates a wallet. Suspension blocks
// withdrawal requests only: credits and penalties still settle, because
// money owed is still owed.
func (e *Engine) SetWalletSuspended(ctx context.Context, contractorID ledger.ContractorID, suspended bool) error {
	if err := e.store.SetWalletSuspended(ctx, contractorID, suspended); err != nil {
		return err
	}
	log.Printf("wallet suspension changed: contractor=%s suspended=%t", contractorID, suspended)
	return nil
}

// =============================================================================
// QUOTE SETTLEMENT
// =============================================================================

// ProcessQuotePayment settles an approved, customer-selected quote into the
// contractor's wallet.
//
// Within one transaction boundary it:
//  1. verifies quote eligibility (approved + selected)
//  2. checks the quote has not already been settled
//  3. consumes unprocessed contractor penalties charged against the quote
//  4. computes the financial breakdown from the base price
//  5. credits the payable amount and marks the penalties processed
//
// Either every step commits or none does.
func (e *Engine) ProcessQuotePayment(ctx context.Context, quoteID ledger.QuoteID) (*ledger.Transaction, error) {
	var settled *ledger.Transaction

	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		quote, err := s.GetQuote(ctx, quoteID)
		if err != nil {
			return err
		}
		if !quote.EligibleForSettlement() {
			return &ledger.InvalidQuoteStateError{
				QuoteID:     quote.ID,
				AdminStatus: quote.AdminStatus,
				IsSelected:  quote.IsSelected,
			}
		}

		// Idempotency read inside the boundary. The unique index on the
		// insert backstops the race this read cannot see.
		if existing, err := s.FindCompletedCredit(ctx, ledger.RefQuote, string(quoteID)); err != nil {
			return err
		} else if existing != nil {
			return &ledger.DuplicateSettlementError{
				ReferenceType: ledger.RefQuote,
				ReferenceID:   string(quoteID),
				ExistingTxID:  existing.ID,
			}
		}

		wallet, err := s.GetOrCreateWallet(ctx, quote.ContractorID)
		if err != nil {
			return err
		}

		penalties, err := s.UnprocessedPenaltiesForQuote(ctx, quoteID)
		if err != nil {
			return err
		}
		penaltyTotal := decimal.Zero
		penaltyIDs := make([]ledger.PenaltyID, 0, len(penalties))
		for _, p := range penalties {
			penaltyTotal = penaltyTotal.Add(p.Amount)
			penaltyIDs = append(penaltyIDs, p.ID)
		}

		breakdown, err := e.schedule.Quote(quote.BasePrice, penaltyTotal)
		if err != nil {
			return err
		}
		if !breakdown.TotalPayable.IsPositive() {
			// Penalties swallowed the whole payout. Refuse rather than
			// credit zero or go negative; the dispute workflow owns this.
			return fmt.Errorf("quote %s payable %s after penalties %s: %w",
				quoteID, breakdown.TotalPayable, penaltyTotal, ledger.ErrInvalidAmount)
		}

		tx := &ledger.Transaction{
			ID:               newTransactionID(),
			WalletID:         wallet.ID,
			Type:             ledger.TxCredit,
			Amount:           breakdown.TotalPayable,
			ReferenceType:    ledger.RefQuote,
			ReferenceID:      string(quoteID),
			Status:           ledger.TxCompleted,
			Description:      fmt.Sprintf("Settlement for quote %s", quoteID),
			CommissionAmount: breakdown.CommissionAmount,
			VATAmount:        breakdown.VATAmount,
			CreatedAt:        time.Now().UTC(),
		}
		now := time.Now().UTC()
		tx.ProcessedAt = &now

		if err := s.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		if len(penaltyIDs) > 0 {
			if err := s.MarkPenaltiesProcessed(ctx, penaltyIDs, tx.ID); err != nil {
				return err
			}
		}

		settled = tx
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("quote settled: quote=%s tx=%s amount=%s",
		quoteID, settled.ID, settled.Amount)
	return settled, nil
}

// =============================================================================
// PENALTIES
// =============================================================================

// ProcessPenalty debits a standalone sanction against the contractor's
// wallet and records it in the penalty register.
//
// The debit and the register entry commit together. A penalty exceeding the
// current balance fails the whole operation with InsufficientBalanceError
// and changes nothing.
func (e *Engine) ProcessPenalty(ctx context.Context, contractorID ledger.ContractorID, amount decimal.Decimal, reason, referenceID string) (*ledger.Transaction, error) {
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}

	var applied *ledger.Transaction
	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		wallet, err := s.GetOrCreateWallet(ctx, contractorID)
		if err != nil {
			return err
		}

		penaltyID := newPenaltyID()
		refID := referenceID
		if refID == "" {
			refID = string(penaltyID)
		}

		tx := &ledger.Transaction{
			ID:            newTransactionID(),
			WalletID:      wallet.ID,
			Type:          ledger.TxDebit,
			Amount:        amount.Round(2),
			ReferenceType: ledger.RefPenalty,
			ReferenceID:   refID,
			Status:        ledger.TxCompleted,
			Description:   reason,
			CreatedAt:     time.Now().UTC(),
		}
		now := time.Now().UTC()
		tx.ProcessedAt = &now

		if err := s.AppendTransaction(ctx, tx); err != nil {
			return err
		}

		penalty := ledger.Penalty{
			ID:            penaltyID,
			RequestID:     referenceID,
			ContractorID:  contractorID,
			PenaltyType:   "direct",
			Amount:        tx.Amount,
			AppliedTo:     ledger.PenaltyOnContractor,
			Reason:        reason,
			IsProcessed:   true,
			TransactionID: tx.ID,
			CreatedAt:     tx.CreatedAt,
		}
		if err := s.SavePenalty(ctx, penalty); err != nil {
			return err
		}

		applied = tx
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("penalty applied: contractor=%s tx=%s amount=%s",
		contractorID, applied.ID, applied.Amount)
	return applied, nil
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

// RequestWithdrawal moves funds from the spendable balance into the pending
// hold and records a pending withdrawal transaction carrying a snapshot of
// the chosen payout method.
//
// Rejections, all before any write: suspended wallet, amount under the
// configured minimum, unknown or foreign payment method, insufficient
// balance.
func (e *Engine) RequestWithdrawal(ctx context.Context, contractorID ledger.ContractorID, amount decimal.Decimal, methodID ledger.PaymentMethodID) (*ledger.Transaction, error) {
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}

	var requested *ledger.Transaction
	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		wallet, err := s.GetWallet(ctx, contractorID)
		if err != nil {
			return err
		}
		if wallet.Suspended {
			return ledger.ErrWalletSuspended
		}
		if amount.LessThan(e.schedule.MinimumWithdrawal) {
			return &ledger.BelowMinimumWithdrawalError{
				Minimum:   e.schedule.MinimumWithdrawal,
				Requested: amount,
			}
		}

		method, err := s.GetPaymentMethod(ctx, methodID)
		if err != nil {
			return err
		}
		if method.ContractorID != contractorID {
			// A foreign method id is indistinguishable from a missing one.
			return ledger.ErrPaymentMethodNotFound
		}

		txID := newTransactionID()
		tx := &ledger.Transaction{
			ID:            txID,
			WalletID:      wallet.ID,
			Type:          ledger.TxDebit,
			Amount:        amount.Round(2),
			ReferenceType: ledger.RefWithdrawal,
			ReferenceID:   string(txID),
			Status:        ledger.TxPending,
			Description:   fmt.Sprintf("Withdrawal to %s", method.Kind),
			MethodSnapshot: method,
			CreatedAt:     time.Now().UTC(),
		}

		if err := s.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		requested = tx
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("withdrawal requested: contractor=%s tx=%s amount=%s",
		contractorID, requested.ID, requested.Amount)
	return requested, nil
}

// DecideWithdrawal records the operator's decision on a pending withdrawal.
//
// completed releases the hold into total_withdrawn; failed returns the full
// held amount to the spendable balance. Deciding anything other than a
// pending withdrawal fails with WithdrawalStateError, so a decision cannot
// be applied twice.
func (e *Engine) DecideWithdrawal(ctx context.Context, txID ledger.TransactionID, outcome ledger.WithdrawalOutcome, notes string) (*ledger.Transaction, error) {
	var decided *ledger.Transaction
	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		var err error
		decided, err = s.ResolveWithdrawal(ctx, txID, outcome, notes)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("withdrawal decided: tx=%s outcome=%s", txID, outcome)
	return decided, nil
}

// =============================================================================
// HISTORY & PAYMENT METHODS
// =============================================================================

// TransactionHistory returns the contractor's filtered, paginated ledger
// history, newest first.
func (e *Engine) TransactionHistory(ctx context.Context, contractorID ledger.ContractorID, filter ledger.TransactionFilter, page, limit int) (*ledger.TransactionPage, error) {
	wallet, err := e.store.GetWallet(ctx, contractorID)
	if err != nil {
		return nil, err
	}
	return e.store.ListTransactions(ctx, wallet.ID, filter, page, limit)
}

// UpdatePaymentMethods replaces the contractor's payout method set. The set
// must validate: each method complete for its kind, exactly one primary.
func (e *Engine) UpdatePaymentMethods(ctx context.Context, contractorID ledger.ContractorID, methods []ledger.PaymentMethod) ([]ledger.PaymentMethod, error) {
	for i := range methods {
		if methods[i].ID == "" {
			methods[i].ID = newPaymentMethodID()
		}
		methods[i].ContractorID = contractorID
	}
	if err := ledger.ValidateMethods(methods); err != nil {
		return nil, err
	}

	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		if _, err := s.GetOrCreateWallet(ctx, contractorID); err != nil {
			return err
		}
		return s.ReplacePaymentMethods(ctx, contractorID, methods)
	})
	if err != nil {
		return nil, err
	}
	return methods, nil
}

// PaymentMethods returns the contractor's payout methods, primary first.
func (e *Engine) PaymentMethods(ctx context.Context, contractorID ledger.ContractorID) ([]ledger.PaymentMethod, error) {
	return e.store.GetPaymentMethods(ctx, contractorID)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// ReconciliationReport compares the materialized wallet projection against
// a replay of the transaction log.
//
// The invariant checked: current_balance + pending_balance equals the
// signed sum of completed transactions. Pending withdrawals move money
// between the two columns without completing, which is why the hold is
// included on the materialized side.
type ReconciliationReport struct {
	WalletID     ledger.WalletID  `json:"wallet_id"`
	ContractorID ledger.ContractorID `json:"contractor_id"`
	Materialized decimal.Decimal  `json:"materialized"`
	Replayed     decimal.Decimal  `json:"replayed"`
	Drift        decimal.Decimal  `json:"drift"`
	Consistent   bool             `json:"consistent"`
	CheckedAt    time.Time        `json:"checked_at"`
}

// ReconcileWallet audits one wallet. Drift is reported, never repaired:
// a repair would hide the bug that caused it.
func (e *Engine) ReconcileWallet(ctx context.Context, contractorID ledger.ContractorID) (*ReconciliationReport, error) {
	var report *ReconciliationReport
	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		wallet, err := s.GetWallet(ctx, contractorID)
		if err != nil {
			return err
		}

		// A pending withdrawal shifts money between current and pending
		// without touching the completed sum, so the two columns are
		// audited together.
		materialized := wallet.CurrentBalance.Add(wallet.PendingBalance)
		replayed, err := s.SumCompleted(ctx, wallet.ID)
		if err != nil {
			return err
		}

		report = &ReconciliationReport{
			WalletID:     wallet.ID,
			ContractorID: wallet.ContractorID,
			Materialized: materialized,
			Replayed:     replayed,
			Drift:        materialized.Sub(replayed),
			Consistent:   materialized.Equal(replayed),
			CheckedAt:    time.Now().UTC(),
		}
		if !report.Consistent {
			log.Printf("balance drift: wallet=%s materialized=%s replayed=%s",
				wallet.ID, materialized, replayed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// =============================================================================
// ID GENERATION
// =============================================================================

func newTransactionID() ledger.TransactionID {
	return ledger.TransactionID("txn_" + uuid.NewString())
}

func newPenaltyID() ledger.PenaltyID {
	return ledger.PenaltyID("pen_" + uuid.NewString())
}

func newPaymentMethodID() ledger.PaymentMethodID {
	return ledger.PaymentMethodID("pm_" + uuid.NewString())
}
