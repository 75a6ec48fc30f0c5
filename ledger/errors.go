/*
errors.go - Centralized error types for the ledger

PURPOSE:
  All settlement error types in one place. Sentinels for errors.Is checks,
  structured types carrying the state the caller needs to render a precise
  message (current balance, requested amount, existing transaction).

ERROR CATEGORIES:
  1. Validation    - rejected before any store access
  2. Business-rule - rejected after read, before any write; never retried
  3. Consistency   - concurrent conflict; retryable by the caller
  4. Infrastructure - store failures; propagated, never swallowed

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      var ib *ledger.InsufficientBalanceError
      errors.As(err, &ib)
      // render ib.Available / ib.Requested
  }

SEE ALSO:
  - store.go: Store contracts returning these errors
  - settlement/engine.go: Primary producer
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a debit exceeds the spendable
	// balance. Business rule, not a fault - never retried automatically.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrBelowMinimumWithdrawal is returned for a withdrawal request under
	// the configured minimum.
	ErrBelowMinimumWithdrawal = errors.New("withdrawal below minimum")

	// ErrDuplicateSettlement is returned when a reference already has a
	// completed credit. Expected race outcome, reported as "already
	// processed" rather than a generic failure.
	ErrDuplicateSettlement = errors.New("settlement already processed")

	// ErrInvalidQuoteState is returned when a quote is not approved+selected.
	ErrInvalidQuoteState = errors.New("quote not eligible for settlement")

	// ErrInvalidWithdrawalState is returned when deciding a transaction that
	// is not a pending withdrawal.
	ErrInvalidWithdrawalState = errors.New("transaction is not a pending withdrawal")

	// ErrWalletSuspended is returned when a suspended wallet requests a
	// withdrawal.
	ErrWalletSuspended = errors.New("wallet suspended")

	// ErrInvalidAmount is returned for zero/negative amounts before any
	// store access.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrConcurrentConflict is returned when the store detects a conflicting
	// concurrent update. Retryable - the caller may re-run the whole
	// operation, which is idempotent per reference id.
	ErrConcurrentConflict = errors.New("concurrent modification detected")

	// Not-found errors.
	ErrWalletNotFound        = errors.New("wallet not found")
	ErrQuoteNotFound         = errors.New("quote not found")
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrPaymentMethodNotFound = errors.New("payment method not found")

	// ErrBalanceDrift is returned by reconciliation when the materialized
	// balance disagrees with the transaction log. Never repaired silently.
	ErrBalanceDrift = errors.New("wallet balance does not match transaction log")
)

// =============================================================================
// STRUCTURED ERRORS - Carry state context for precise caller messages
// =============================================================================

// InsufficientBalanceError reports a balance shortage with the observed state.
type InsufficientBalanceError struct {
	WalletID  WalletID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s",
		e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// BelowMinimumWithdrawalError reports a withdrawal under the minimum.
type BelowMinimumWithdrawalError struct {
	Minimum   decimal.Decimal
	Requested decimal.Decimal
}

func (e *BelowMinimumWithdrawalError) Error() string {
	return fmt.Sprintf("withdrawal below minimum: requested %s, minimum %s",
		e.Requested, e.Minimum)
}

func (e *BelowMinimumWithdrawalError) Unwrap() error { return ErrBelowMinimumWithdrawal }

// DuplicateSettlementError reports an already-settled reference and points
// at the existing transaction.
type DuplicateSettlementError struct {
	ReferenceType ReferenceType
	ReferenceID   string
	ExistingTxID  TransactionID
}

func (e *DuplicateSettlementError) Error() string {
	return fmt.Sprintf("%s %s already processed (tx: %s)",
		e.ReferenceType, e.ReferenceID, e.ExistingTxID)
}

func (e *DuplicateSettlementError) Unwrap() error { return ErrDuplicateSettlement }

// InvalidQuoteStateError reports why a quote is not payable.
type InvalidQuoteStateError struct {
	QuoteID     QuoteID
	AdminStatus QuoteAdminStatus
	IsSelected  bool
}

func (e *InvalidQuoteStateError) Error() string {
	return fmt.Sprintf("quote %s not eligible for settlement (status: %s, selected: %t)",
		e.QuoteID, e.AdminStatus, e.IsSelected)
}

func (e *InvalidQuoteStateError) Unwrap() error { return ErrInvalidQuoteState }

// WithdrawalStateError reports a decision against a non-pending withdrawal.
type WithdrawalStateError struct {
	TransactionID TransactionID
	Status        TransactionStatus
}

func (e *WithdrawalStateError) Error() string {
	return fmt.Sprintf("transaction %s is not a pending withdrawal (status: %s)",
		e.TransactionID, e.Status)
}

func (e *WithdrawalStateError) Unwrap() error { return ErrInvalidWithdrawalState }

// PaymentMethodError reports an invalid payment method configuration.
type PaymentMethodError struct {
	MethodID PaymentMethodID
	Reason   string
}

func (e *PaymentMethodError) Error() string {
	if e.MethodID != "" {
		return fmt.Sprintf("invalid payment method %s: %s", e.MethodID, e.Reason)
	}
	return fmt.Sprintf("invalid payment methods: %s", e.Reason)
}

// BalanceDriftError reports a reconciliation mismatch.
type BalanceDriftError struct {
	WalletID     WalletID
	Materialized decimal.Decimal
	Replayed     decimal.Decimal
}

func (e *BalanceDriftError) Error() string {
	return fmt.Sprintf("wallet %s balance drift: materialized %s, replayed %s",
		e.WalletID, e.Materialized, e.Replayed)
}

func (e *BalanceDriftError) Unwrap() error { return ErrBalanceDrift }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsBusinessRule reports whether the error is a business-rule rejection:
// the operation was refused by design and must not be retried automatically.
func IsBusinessRule(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrBelowMinimumWithdrawal) ||
		errors.Is(err, ErrDuplicateSettlement) ||
		errors.Is(err, ErrInvalidQuoteState) ||
		errors.Is(err, ErrInvalidWithdrawalState) ||
		errors.Is(err, ErrWalletSuspended)
}

// IsRetryable reports whether the whole operation may be retried by the
// caller. Safe because every settlement is idempotent per reference id.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentConflict)
}

// IsNotFound reports whether the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrQuoteNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrPaymentMethodNotFound)
}
