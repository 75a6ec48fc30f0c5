/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

MONEY REPRESENTATION:
  All monetary fields are decimal strings ("8500.00"), never JSON numbers.
  Clients that parse them as floats get what they deserve, but the wire
  format itself is exact.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/sunpeak/settlement-engine/ledger"
)

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// WalletDTO represents a contractor wallet in API responses.
type WalletDTO struct {
	ID                  string `json:"id"`
	ContractorID        string `json:"contractor_id"`
	CurrentBalance      string `json:"current_balance"`
	PendingBalance      string `json:"pending_balance"`
	TotalEarned         string `json:"total_earned"`
	TotalCommissionPaid string `json:"total_commission_paid"`
	TotalPenalties      string `json:"total_penalties"`
	TotalWithdrawn      string `json:"total_withdrawn"`
	Suspended           bool   `json:"suspended"`
	Currency            string `json:"currency"`
	CreatedAt           string `json:"created_at,omitempty"`
}

// TransactionDTO represents a ledger entry in API responses.
type TransactionDTO struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	SignedAmount  string `json:"signed_amount"`
	ReferenceType string `json:"reference_type"`
	ReferenceID   string `json:"reference_id"`
	Status        string `json:"status"`
	Description   string `json:"description,omitempty"`

	CommissionAmount string `json:"commission_amount,omitempty"`
	VATAmount        string `json:"vat_amount,omitempty"`

	PaymentMethod *PaymentMethodDTO `json:"payment_method,omitempty"`
	DecisionNotes string            `json:"decision_notes,omitempty"`

	CreatedAt   string `json:"created_at"`
	ProcessedAt string `json:"processed_at,omitempty"`
}

// TransactionPageDTO is one page of transaction history.
type TransactionPageDTO struct {
	Items []TransactionDTO `json:"items"`
	Total int              `json:"total"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
}

// BreakdownDTO is the financial breakdown preview for a base price.
type BreakdownDTO struct {
	BasePrice        string `json:"base_price"`
	CommissionAmount string `json:"commission_amount"`
	OverpriceAmount  string `json:"overprice_amount"`
	TotalUserPrice   string `json:"total_user_price"`
	PenaltyTotal     string `json:"penalty_total"`
	ContractorNet    string `json:"contractor_net"`
	VATAmount        string `json:"vat_amount"`
	TotalPayable     string `json:"total_payable"`
	Currency         string `json:"currency"`
}

// PaymentMethodDTO represents a payout destination.
type PaymentMethodDTO struct {
	ID              string `json:"id,omitempty"`
	Kind            string `json:"kind"`
	IsPrimary       bool   `json:"is_primary"`
	AccountNumber   string `json:"account_number,omitempty"`
	BankName        string `json:"bank_name,omitempty"`
	BeneficiaryName string `json:"beneficiary_name,omitempty"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SaveQuoteRequest upserts quote facts (collaborator write path).
type SaveQuoteRequest struct {
	ID           string `json:"id"`
	ContractorID string `json:"contractor_id"`
	BasePrice    string `json:"base_price"`
	PricePerUnit string `json:"price_per_unit,omitempty"`
	SystemSize   string `json:"system_size,omitempty"`
	IsSelected   bool   `json:"is_selected"`
	AdminStatus  string `json:"admin_status"`
}

// SavePenaltyRequest records a penalty against a quote (collaborator write
// path); settlement consumes it later.
type SavePenaltyRequest struct {
	ID           string `json:"id,omitempty"`
	QuoteID      string `json:"quote_id,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
	ContractorID string `json:"contractor_id"`
	PenaltyType  string `json:"penalty_type"`
	Amount       string `json:"amount"`
	AppliedTo    string `json:"applied_to"`
	Reason       string `json:"reason,omitempty"`
}

// ProcessPenaltyRequest applies an immediate penalty debit.
type ProcessPenaltyRequest struct {
	ContractorID string `json:"contractor_id"`
	Amount       string `json:"amount"`
	Reason       string `json:"reason"`
	ReferenceID  string `json:"reference_id,omitempty"`
}

// WithdrawalRequest asks to move funds into the pending hold.
type WithdrawalRequest struct {
	Amount          string `json:"amount"`
	PaymentMethodID string `json:"payment_method_id"`
}

// DecideWithdrawalRequest records the operator's decision.
type DecideWithdrawalRequest struct {
	Outcome string `json:"outcome"` // "completed" | "failed"
	Notes   string `json:"notes,omitempty"`
}

// UpdatePaymentMethodsRequest replaces the contractor's method set.
type UpdatePaymentMethodsRequest struct {
	Methods []PaymentMethodDTO `json:"methods"`
}

// SuspendWalletRequest flips the suspension flag.
type SuspendWalletRequest struct {
	Suspended bool `json:"suspended"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toWalletDTO(w *ledger.Wallet, currency string) WalletDTO {
	return WalletDTO{
		ID:                  string(w.ID),
		ContractorID:        string(w.ContractorID),
		CurrentBalance:      w.CurrentBalance.StringFixed(2),
		PendingBalance:      w.PendingBalance.StringFixed(2),
		TotalEarned:         w.TotalEarned.StringFixed(2),
		TotalCommissionPaid: w.TotalCommissionPaid.StringFixed(2),
		TotalPenalties:      w.TotalPenalties.StringFixed(2),
		TotalWithdrawn:      w.TotalWithdrawn.StringFixed(2),
		Suspended:           w.Suspended,
		Currency:            currency,
		CreatedAt:           w.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:            string(tx.ID),
		Type:          string(tx.Type),
		Amount:        tx.Amount.StringFixed(2),
		SignedAmount:  tx.SignedAmount().StringFixed(2),
		ReferenceType: string(tx.ReferenceType),
		ReferenceID:   tx.ReferenceID,
		Status:        string(tx.Status),
		Description:   tx.Description,
		DecisionNotes: tx.DecisionNotes,
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
	}
	if tx.CommissionAmount.IsPositive() {
		dto.CommissionAmount = tx.CommissionAmount.StringFixed(2)
	}
	if tx.VATAmount.IsPositive() {
		dto.VATAmount = tx.VATAmount.StringFixed(2)
	}
	if tx.MethodSnapshot != nil {
		m := toPaymentMethodDTO(*tx.MethodSnapshot)
		dto.PaymentMethod = &m
	}
	if tx.ProcessedAt != nil {
		dto.ProcessedAt = tx.ProcessedAt.Format(time.RFC3339)
	}
	return dto
}

func toTransactionPageDTO(page *ledger.TransactionPage) TransactionPageDTO {
	items := make([]TransactionDTO, len(page.Items))
	for i, tx := range page.Items {
		items[i] = toTransactionDTO(tx)
	}
	return TransactionPageDTO{Items: items, Total: page.Total, Page: page.Page, Limit: page.Limit}
}

func toPaymentMethodDTO(m ledger.PaymentMethod) PaymentMethodDTO {
	return PaymentMethodDTO{
		ID:              string(m.ID),
		Kind:            string(m.Kind),
		IsPrimary:       m.IsPrimary,
		AccountNumber:   m.AccountNumber,
		BankName:        m.BankName,
		BeneficiaryName: m.BeneficiaryName,
	}
}
