/*
store.go - Persistence contracts for wallets and the transaction log

PURPOSE:
  Defines the interface between the settlement logic and the database.
  The store owns the balance invariants: every balance mutation happens in
  the same atomic unit of work as the transaction write that explains it.

ATOMICITY CONTRACT:
  AppendTransaction inserts the ledger row AND applies its wallet effect in
  one unit of work. A transaction recorded without its balance effect (or
  vice versa) is a correctness violation and must be structurally
  impossible. There is no separate "update balance" call.

NO-NEGATIVE GUARANTEE:
  A debit that would push CurrentBalance (or PendingBalance) below zero
  fails the whole operation before any write commits, surfacing
  InsufficientBalanceError with the observed balance.

IDEMPOTENCY:
  At most one completed credit per (reference_type, reference_id). The
  store enforces this with a uniqueness constraint and reports violations
  as DuplicateSettlementError, so concurrent duplicate settlements race to
  exactly one winner.

TRANSACTIONAL COMPOSITION:
  WithTx executes a function against a store view bound to one database
  transaction. Multi-step settlements (read quote, append credit, mark
  penalties processed) compose inside a single WithTx boundary; rollback on
  error or cancellation leaves no partial effect.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite (same patterns apply to
    PostgreSQL, dialect differences aside)

SEE ALSO:
  - types.go: Record definitions
  - settlement/engine.go: The orchestrator composing these operations
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// WithdrawalOutcome is the operator's decision on a pending withdrawal.
type WithdrawalOutcome string

const (
	WithdrawalCompleted WithdrawalOutcome = "completed"
	WithdrawalFailed    WithdrawalOutcome = "failed"
)

// =============================================================================
// STORE - Durable wallet + ledger persistence
// =============================================================================

// Store persists wallets, transactions, and the collaborator-supplied quote
// and penalty facts.
//
// The transaction log is append-only: completed entries are never updated
// or deleted. The only permitted status mutation is resolving a pending
// withdrawal, which is itself a single atomic command.
type Store interface {
	// --- Wallets ---

	// GetOrCreateWallet returns the contractor's wallet, creating it with
	// zero balances on first use. Safe under concurrent first-call races:
	// insert-or-fetch against a unique constraint, not read-then-insert.
	GetOrCreateWallet(ctx context.Context, contractorID ContractorID) (*Wallet, error)

	// GetWallet returns the wallet or ErrWalletNotFound.
	GetWallet(ctx context.Context, contractorID ContractorID) (*Wallet, error)

	// GetWalletByID returns the wallet by its own id.
	GetWalletByID(ctx context.Context, id WalletID) (*Wallet, error)

	// SetWalletSuspended flips the suspension flag. Never deletes.
	SetWalletSuspended(ctx context.Context, contractorID ContractorID, suspended bool) error

	// --- Ledger ---

	// AppendTransaction inserts the ledger row and applies its wallet
	// effect in the same unit of work:
	//
	//   completed credit            current += amount (plus earned/commission counters)
	//   completed debit (penalty)   current -= amount, total_penalties += amount
	//   completed debit (other)     current -= amount
	//   pending debit (withdrawal)  current -= amount, pending += amount
	//
	// Fails with InsufficientBalanceError when a debit exceeds the balance
	// and DuplicateSettlementError when the reference already has a
	// completed credit.
	AppendTransaction(ctx context.Context, tx *Transaction) error

	// ResolveWithdrawal moves a pending withdrawal to completed or failed
	// as one atomic command:
	//
	//   completed: pending -= amount, total_withdrawn += amount
	//   failed:    pending -= amount, current += amount
	//
	// Returns WithdrawalStateError unless the transaction is a pending
	// withdrawal debit.
	ResolveWithdrawal(ctx context.Context, id TransactionID, outcome WithdrawalOutcome, notes string) (*Transaction, error)

	// GetTransaction returns a transaction or ErrTransactionNotFound.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// FindCompletedCredit returns the completed credit for a reference, or
	// nil when the reference is unsettled. The idempotency read.
	FindCompletedCredit(ctx context.Context, refType ReferenceType, refID string) (*Transaction, error)

	// ListTransactions returns a filtered, paginated history, newest first.
	ListTransactions(ctx context.Context, walletID WalletID, filter TransactionFilter, page, limit int) (*TransactionPage, error)

	// SumCompleted replays the signed sum of completed transactions for a
	// wallet. Reconciliation only - hot paths use the materialized balance.
	SumCompleted(ctx context.Context, walletID WalletID) (decimal.Decimal, error)

	// --- Collaborator facts ---

	// SaveQuote upserts quote facts from the request lifecycle.
	SaveQuote(ctx context.Context, q Quote) error

	// GetQuote returns a quote or ErrQuoteNotFound.
	GetQuote(ctx context.Context, id QuoteID) (*Quote, error)

	// SavePenalty records a penalty raised by the dispute workflow.
	SavePenalty(ctx context.Context, p Penalty) error

	// UnprocessedPenaltiesForQuote returns contractor penalties charged
	// against a quote that have not been settled yet.
	UnprocessedPenaltiesForQuote(ctx context.Context, quoteID QuoteID) ([]Penalty, error)

	// MarkPenaltiesProcessed flags penalties as settled, linking the
	// transaction that carried them.
	MarkPenaltiesProcessed(ctx context.Context, ids []PenaltyID, txID TransactionID) error

	// --- Payment methods ---

	// ReplacePaymentMethods swaps the contractor's full method set.
	// The caller validates the set (exactly one primary) first.
	ReplacePaymentMethods(ctx context.Context, contractorID ContractorID, methods []PaymentMethod) error

	// GetPaymentMethods returns the contractor's methods, primary first.
	GetPaymentMethods(ctx context.Context, contractorID ContractorID) ([]PaymentMethod, error)

	// GetPaymentMethod returns one method or ErrPaymentMethodNotFound.
	GetPaymentMethod(ctx context.Context, id PaymentMethodID) (*PaymentMethod, error)
}

// =============================================================================
// TRANSACTIONAL STORE - Atomic multi-step settlements
// =============================================================================

// TxStore extends Store with a transactional boundary.
//
// Within WithTx the wallet row is the single serialization point per
// contractor: concurrent operations on the same wallet serialize on it,
// operations on different wallets proceed independently. No operation ever
// touches two wallets, so there is no lock ordering to get wrong.
type TxStore interface {
	Store

	// WithTx executes fn against a store bound to one database transaction.
	// fn returning an error - or the context being cancelled - rolls back
	// every write performed inside the boundary.
	WithTx(ctx context.Context, fn func(Store) error) error
}
