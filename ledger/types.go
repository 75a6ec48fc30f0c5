/*
Package ledger defines the contractor financial ledger model.

PURPOSE:
  Core types for the per-contractor wallet and its append-only transaction
  log, plus the settlement-relevant views of quotes and penalties supplied
  by external collaborators.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: materialized per-contractor balance projection
  - Transaction: immutable ledger entry, tagged credit/debit
  - Quote/Penalty: settlement facts owned by external workflows
  - PaymentMethod: contractor payout configuration

SIGN CONVENTION:
  Exactly one convention is used everywhere: Amount is a positive magnitude
  and TransactionType carries the direction (TxCredit | TxDebit). The signed
  view exists only as a derived value (SignedAmount) for balance replay.
  Mixing signed and unsigned amounts is how sign-confusion bugs happen.

BALANCE INVARIANT:
  Wallet.CurrentBalance equals the signed sum of all completed transactions
  ever applied to that wallet. The transaction log is the source of truth;
  the wallet row is an incrementally-maintained projection of it.

SEE ALSO:
  - errors.go: Sentinel and structured error types
  - store.go: Persistence contracts enforcing the invariants
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type WalletID string
type ContractorID string
type TransactionID string
type QuoteID string
type PenaltyID string
type PaymentMethodID string

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

// TransactionType tags the direction of a monetary movement.
// Amount is always a positive magnitude; the type carries the sign.
type TransactionType string

const (
	TxCredit TransactionType = "credit"
	TxDebit  TransactionType = "debit"
)

// ReferenceType identifies what a transaction settles.
type ReferenceType string

const (
	RefQuote      ReferenceType = "quote"
	RefInvoice    ReferenceType = "invoice"
	RefPenalty    ReferenceType = "penalty"
	RefWithdrawal ReferenceType = "withdrawal"
	RefAdjustment ReferenceType = "adjustment"
)

// TransactionStatus is the lifecycle state of a ledger entry.
//
// Entries are created pending or directly completed depending on flow;
// withdrawal entries move pending -> completed|failed. A completed entry
// is immutable - corrections are new reversed/adjustment entries, never
// in-place edits.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxReversed  TransactionStatus = "reversed"
)

// Transaction records one monetary movement against a wallet.
type Transaction struct {
	ID            TransactionID
	WalletID      WalletID
	Type          TransactionType
	Amount        decimal.Decimal // positive magnitude; direction in Type
	ReferenceType ReferenceType
	ReferenceID   string
	Status        TransactionStatus
	Description   string

	// Breakdown audit fields, populated for quote settlements so the ledger
	// explains every credit without re-running the calculator.
	CommissionAmount decimal.Decimal
	VATAmount        decimal.Decimal

	// Withdrawal fields: snapshot of the payout destination at request time
	// and the operator's decision notes.
	MethodSnapshot *PaymentMethod
	DecisionNotes  string

	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// SignedAmount returns the amount with its sign applied: credits positive,
// debits negative. Used only for balance replay and reporting.
func (t Transaction) SignedAmount() decimal.Decimal {
	if t.Type == TxDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// =============================================================================
// WALLET - Per-contractor balance projection
// =============================================================================

// Wallet is the per-contractor running balance record. One wallet per
// contractor, created lazily on the first financial event and never
// hard-deleted; suspension is a flag.
type Wallet struct {
	ID           WalletID
	ContractorID ContractorID

	// CurrentBalance is the spendable balance; PendingBalance holds funds
	// earmarked for in-review withdrawals. Both are always >= 0.
	CurrentBalance decimal.Decimal
	PendingBalance decimal.Decimal

	// Cumulative counters, monotonically non-decreasing.
	TotalEarned         decimal.Decimal
	TotalCommissionPaid decimal.Decimal
	TotalPenalties      decimal.Decimal
	TotalWithdrawn      decimal.Decimal

	Suspended bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available returns the spendable balance.
func (w *Wallet) Available() decimal.Decimal { return w.CurrentBalance }

// =============================================================================
// PAYMENT METHOD
// =============================================================================

type PaymentMethodKind string

const (
	MethodBankTransfer PaymentMethodKind = "bank_transfer"
	MethodCash         PaymentMethodKind = "cash"
)

// PaymentMethod is a contractor payout destination. Exactly one method per
// contractor is flagged primary.
type PaymentMethod struct {
	ID           PaymentMethodID
	ContractorID ContractorID
	Kind         PaymentMethodKind
	IsPrimary    bool

	// Bank-transfer fields; required when Kind == MethodBankTransfer.
	AccountNumber   string
	BankName        string
	BeneficiaryName string

	CreatedAt time.Time
}

// Validate checks the method's own field requirements.
func (m PaymentMethod) Validate() error {
	switch m.Kind {
	case MethodBankTransfer:
		if m.AccountNumber == "" || m.BankName == "" || m.BeneficiaryName == "" {
			return &PaymentMethodError{
				MethodID: m.ID,
				Reason:   "bank transfer requires account number, bank name and beneficiary name",
			}
		}
	case MethodCash:
		// No extra fields.
	default:
		return &PaymentMethodError{MethodID: m.ID, Reason: "unknown payment method kind"}
	}
	return nil
}

// ValidateMethods checks a full method set: each method valid, exactly one
// primary.
func ValidateMethods(methods []PaymentMethod) error {
	primaries := 0
	for _, m := range methods {
		if err := m.Validate(); err != nil {
			return err
		}
		if m.IsPrimary {
			primaries++
		}
	}
	if primaries != 1 {
		return &PaymentMethodError{Reason: "exactly one payment method must be primary"}
	}
	return nil
}

// =============================================================================
// QUOTE - Settlement-relevant subset, owned by the request lifecycle
// =============================================================================

// QuoteAdminStatus is the admin review state of a quote. Owned by the
// quote/request lifecycle collaborator; the settlement engine only reads it.
type QuoteAdminStatus string

const (
	QuotePendingReview  QuoteAdminStatus = "pending_review"
	QuoteApproved       QuoteAdminStatus = "approved"
	QuoteRejected       QuoteAdminStatus = "rejected"
	QuoteRevisionNeeded QuoteAdminStatus = "revision_needed"
)

// Quote carries the facts the settlement engine needs from an installation
// quote. BasePrice is authoritative; PricePerUnit and SystemSize exist for
// cross-checking derived totals.
type Quote struct {
	ID           QuoteID
	ContractorID ContractorID
	BasePrice    decimal.Decimal
	PricePerUnit decimal.Decimal
	SystemSize   decimal.Decimal // kW
	IsSelected   bool
	AdminStatus  QuoteAdminStatus
	CreatedAt    time.Time
}

// EligibleForSettlement reports whether this quote may be paid out:
// approved by admin and selected by the customer.
func (q Quote) EligibleForSettlement() bool {
	return q.AdminStatus == QuoteApproved && q.IsSelected
}

// =============================================================================
// PENALTY - Created by the dispute/cancellation workflow
// =============================================================================

type PenaltyAppliedTo string

const (
	PenaltyOnUser       PenaltyAppliedTo = "user"
	PenaltyOnContractor PenaltyAppliedTo = "contractor"
	PenaltyOnBoth       PenaltyAppliedTo = "both"
)

// Penalty is a sanction raised by an external workflow. The settlement
// engine consumes unprocessed contractor penalties and marks them processed,
// linking the resulting debit transaction.
type Penalty struct {
	ID            PenaltyID
	QuoteID       QuoteID // optional
	RequestID     string  // optional
	ContractorID  ContractorID
	PenaltyType   string
	Amount        decimal.Decimal // > 0
	AppliedTo     PenaltyAppliedTo
	Reason        string
	IsProcessed   bool
	TransactionID TransactionID // set once processed
	CreatedAt     time.Time
}

// AppliesToContractor reports whether this penalty hits the contractor
// wallet (as opposed to the customer side, which is out of ledger scope).
func (p Penalty) AppliesToContractor() bool {
	return p.AppliedTo == PenaltyOnContractor || p.AppliedTo == PenaltyOnBoth
}

// =============================================================================
// HISTORY QUERIES
// =============================================================================

// TransactionFilter narrows a transaction history query. Nil/zero fields
// match everything.
type TransactionFilter struct {
	Type          TransactionType
	ReferenceType ReferenceType
	Status        TransactionStatus
	From          *time.Time
	To            *time.Time
}

// TransactionPage is one page of transaction history.
type TransactionPage struct {
	Items []Transaction
	Total int
	Page  int
	Limit int
}
