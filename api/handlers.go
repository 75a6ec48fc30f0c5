/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the settlement engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Contractors:
    GET    /api/contractors/{id}/wallet           Wallet summary (lazy create)
    GET    /api/contractors/{id}/transactions     Filtered, paginated history
    POST   /api/contractors/{id}/withdrawals      Request a withdrawal
    GET    /api/contractors/{id}/payment-methods  List payout methods
    PUT    /api/contractors/{id}/payment-methods  Replace payout methods

  Pricing:
    GET    /api/breakdown                         Breakdown preview

  Quotes & penalties (collaborator write paths):
    POST   /api/quotes                            Upsert quote facts
    POST   /api/quotes/{id}/settle                Settle an approved quote
    POST   /api/penalties                         Record a penalty (open)
    POST   /api/penalties/process                 Apply an immediate penalty

  Admin:
    POST   /api/withdrawals/{id}/decide           Approve/reject a withdrawal
    POST   /api/admin/wallets/{id}/suspend        Suspend/reactivate
    GET    /api/admin/wallets/{id}/reconcile      Audit balance vs log

  Dev:
    POST   /api/dev/seed                          Load demo dataset
    POST   /api/dev/reset                         Clear all data

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (duplicate settlement)
  - 422: Business-rule rejection (insufficient balance, below minimum,
         ineligible quote, suspended wallet, withdrawal already decided)
  - 500: Internal errors

SECURITY NOTE:
  Authentication is owned by an upstream gateway; this service consumes
  only the X-Role header (see server.go). Do not expose it directly.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - settlement/engine.go: The domain logic behind every endpoint
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sunpeak/settlement-engine/finance"
	"github.com/sunpeak/settlement-engine/ledger"
	"github.com/sunpeak/settlement-engine/settlement"
	"github.com/sunpeak/settlement-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *settlement.Engine
	Store  *sqlite.Store // dev reset only; everything else goes via Engine
}

// NewHandler creates a new handler.
func NewHandler(engine *settlement.Engine, store *sqlite.Store) *Handler {
	return &Handler{Engine: engine, Store: store}
}

// =============================================================================
// CONTRACTOR HANDLERS
// =============================================================================

// GetWallet returns the contractor's wallet, creating it on first access.
// GET /api/contractors/{id}/wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	contractorID := ledger.ContractorID(chi.URLParam(r, "id"))

	wallet, err := h.Engine.GetOrCreateWallet(r.Context(), contractorID)
	if err != nil {
		writeDomainError(w, "Failed to load wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(wallet, h.Engine.Schedule().Currency))
}

// GetTransactions returns filtered, paginated transaction history.
// GET /api/contractors/{id}/transactions?type=&reference_type=&status=&from=&to=&page=&limit=
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	contractorID := ledger.ContractorID(chi.URLParam(r, "id"))
	q := r.URL.Query()

	filter := ledger.TransactionFilter{
		Type:          ledger.TransactionType(q.Get("type")),
		ReferenceType: ledger.ReferenceType(q.Get("reference_type")),
		Status:        ledger.TransactionStatus(q.Get("status")),
	}
	if raw := q.Get("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from timestamp", err)
			return
		}
		filter.From = &ts
	}
	if raw := q.Get("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to timestamp", err)
			return
		}
		filter.To = &ts
	}
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))

	history, err := h.Engine.TransactionHistory(r.Context(), contractorID, filter, page, limit)
	if err != nil {
		writeDomainError(w, "Failed to load transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionPageDTO(history))
}

// RequestWithdrawal creates a pending withdrawal hold.
// POST /api/contractors/{id}/withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	contractorID := ledger.ContractorID(chi.URLParam(r, "id"))

	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	tx, err := h.Engine.RequestWithdrawal(r.Context(), contractorID, amount,
		ledger.PaymentMethodID(req.PaymentMethodID))
	if err != nil {
		writeDomainError(w, "Failed to request withdrawal", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// ListPaymentMethods returns the contractor's payout methods.
// GET /api/contractors/{id}/payment-methods
func (h *Handler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	contractorID := ledger.ContractorID(chi.URLParam(r, "id"))

	methods, err := h.Engine.PaymentMethods(r.Context(), contractorID)
	if err != nil {
		writeDomainError(w, "Failed to load payment methods", err)
		return
	}
	dtos := make([]PaymentMethodDTO, len(methods))
	for i, m := range methods {
		dtos[i] = toPaymentMethodDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UpdatePaymentMethods replaces the contractor's payout method set.
// PUT /api/contractors/{id}/payment-methods
func (h *Handler) UpdatePaymentMethods(w http.ResponseWriter, r *http.Request) {
	contractorID := ledger.ContractorID(chi.URLParam(r, "id"))

	var req UpdatePaymentMethodsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	methods := make([]ledger.PaymentMethod, len(req.Methods))
	for i, m := range req.Methods {
		methods[i] = ledger.PaymentMethod{
			ID:              ledger.PaymentMethodID(m.ID),
			Kind:            ledger.PaymentMethodKind(m.Kind),
			IsPrimary:       m.IsPrimary,
			AccountNumber:   m.AccountNumber,
			BankName:        m.BankName,
			BeneficiaryName: m.BeneficiaryName,
		}
	}

	saved, err := h.Engine.UpdatePaymentMethods(r.Context(), contractorID, methods)
	if err != nil {
		writeDomainError(w, "Failed to update payment methods", err)
		return
	}
	dtos := make([]PaymentMethodDTO, len(saved))
	for i, m := range saved {
		dtos[i] = toPaymentMethodDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PRICING
// =============================================================================

// GetBreakdown previews the financial breakdown for a base price.
// GET /api/breakdown?base_price=10000&penalty_total=0
func (h *Handler) GetBreakdown(w http.ResponseWriter, r *http.Request) {
	basePrice, err := decimal.NewFromString(r.URL.Query().Get("base_price"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid base_price", err)
		return
	}
	penaltyTotal := decimal.Zero
	if raw := r.URL.Query().Get("penalty_total"); raw != "" {
		penaltyTotal, err = decimal.NewFromString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid penalty_total", err)
			return
		}
	}

	schedule := h.Engine.Schedule()
	b, err := schedule.Quote(basePrice, penaltyTotal)
	if err != nil {
		writeDomainError(w, "Failed to compute breakdown", err)
		return
	}
	writeJSON(w, http.StatusOK, BreakdownDTO{
		BasePrice:        b.BasePrice.StringFixed(2),
		CommissionAmount: b.CommissionAmount.StringFixed(2),
		OverpriceAmount:  b.OverpriceAmount.StringFixed(2),
		TotalUserPrice:   b.TotalUserPrice.StringFixed(2),
		PenaltyTotal:     b.PenaltyTotal.StringFixed(2),
		ContractorNet:    b.ContractorNet.StringFixed(2),
		VATAmount:        b.VATAmount.StringFixed(2),
		TotalPayable:     b.TotalPayable.StringFixed(2),
		Currency:         schedule.Currency,
	})
}

// =============================================================================
// QUOTE & PENALTY INTAKE
// =============================================================================

// SaveQuote upserts quote facts from the request lifecycle collaborator.
// POST /api/quotes
func (h *Handler) SaveQuote(w http.ResponseWriter, r *http.Request) {
	var req SaveQuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.ContractorID == "" {
		writeError(w, http.StatusBadRequest, "id and contractor_id are required", nil)
		return
	}
	basePrice, err := decimal.NewFromString(req.BasePrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid base_price", err)
		return
	}

	quote := ledger.Quote{
		ID:           ledger.QuoteID(req.ID),
		ContractorID: ledger.ContractorID(req.ContractorID),
		BasePrice:    basePrice,
		PricePerUnit: optionalDecimal(req.PricePerUnit),
		SystemSize:   optionalDecimal(req.SystemSize),
		IsSelected:   req.IsSelected,
		AdminStatus:  ledger.QuoteAdminStatus(req.AdminStatus),
	}
	if quote.AdminStatus == "" {
		quote.AdminStatus = ledger.QuotePendingReview
	}

	if err := h.Engine.Store().SaveQuote(r.Context(), quote); err != nil {
		writeDomainError(w, "Failed to save quote", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

// SettleQuote settles an approved, selected quote into the contractor wallet.
// POST /api/quotes/{id}/settle
func (h *Handler) SettleQuote(w http.ResponseWriter, r *http.Request) {
	quoteID := ledger.QuoteID(chi.URLParam(r, "id"))

	tx, err := h.Engine.ProcessQuotePayment(r.Context(), quoteID)
	if err != nil {
		writeDomainError(w, "Failed to settle quote", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// SavePenalty records an open penalty for later consumption at settlement.
// POST /api/penalties
func (h *Handler) SavePenalty(w http.ResponseWriter, r *http.Request) {
	var req SavePenaltyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ContractorID == "" || req.PenaltyType == "" {
		writeError(w, http.StatusBadRequest, "contractor_id and penalty_type are required", nil)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	appliedTo := ledger.PenaltyAppliedTo(req.AppliedTo)
	if appliedTo == "" {
		appliedTo = ledger.PenaltyOnContractor
	}

	penalty := ledger.Penalty{
		ID:           ledger.PenaltyID(req.ID),
		QuoteID:      ledger.QuoteID(req.QuoteID),
		RequestID:    req.RequestID,
		ContractorID: ledger.ContractorID(req.ContractorID),
		PenaltyType:  req.PenaltyType,
		Amount:       amount,
		AppliedTo:    appliedTo,
		Reason:       req.Reason,
	}
	if penalty.ID == "" {
		penalty.ID = ledger.PenaltyID("pen_" + uuid.NewString())
	}

	if err := h.Engine.Store().SavePenalty(r.Context(), penalty); err != nil {
		writeDomainError(w, "Failed to save penalty", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": string(penalty.ID)})
}

// ProcessPenalty applies an immediate penalty debit.
// POST /api/penalties/process
func (h *Handler) ProcessPenalty(w http.ResponseWriter, r *http.Request) {
	var req ProcessPenaltyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	tx, err := h.Engine.ProcessPenalty(r.Context(),
		ledger.ContractorID(req.ContractorID), amount, req.Reason, req.ReferenceID)
	if err != nil {
		writeDomainError(w, "Failed to process penalty", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// DecideWithdrawal records the operator's decision on a pending withdrawal.
// POST /api/withdrawals/{id}/decide
func (h *Handler) DecideWithdrawal(w http.ResponseWriter, r *http.Request) {
	txID := ledger.TransactionID(chi.URLParam(r, "id"))

	var req DecideWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	outcome := ledger.WithdrawalOutcome(req.Outcome)
	if outcome != ledger.WithdrawalCompleted && outcome != ledger.WithdrawalFailed {
		writeError(w, http.StatusBadRequest, "Outcome must be completed or failed", nil)
		return
	}

	tx, err := h.Engine.DecideWithdrawal(r.Context(), txID, outcome, req.Notes)
	if err != nil {
		writeDomainError(w, "Failed to decide withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// SuspendWallet suspends or reactivates a contractor wallet.
// POST /api/admin/wallets/{id}/suspend
func (h *Handler) SuspendWallet(w http.ResponseWriter, r *http.Request) {
	contractorID := ledger.ContractorID(chi.URLParam(r, "id"))

	var req SuspendWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Engine.SetWalletSuspended(r.Context(), contractorID, req.Suspended); err != nil {
		writeDomainError(w, "Failed to update wallet suspension", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"suspended": req.Suspended})
}

// ReconcileWallet audits a wallet's balance against its transaction log.
// GET /api/admin/wallets/{id}/reconcile
func (h *Handler) ReconcileWallet(w http.ResponseWriter, r *http.Request) {
	contractorID := ledger.ContractorID(chi.URLParam(r, "id"))

	report, err := h.Engine.ReconcileWallet(r.Context(), contractorID)
	if err != nil {
		writeDomainError(w, "Failed to reconcile wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// DEV HANDLERS
// =============================================================================

// SeedDemoData loads the demo dataset.
// POST /api/dev/seed
func (h *Handler) SeedDemoData(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Seed(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to seed demo data", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "seeded"})
}

// ResetDatabase clears all data.
// POST /api/dev/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain errors onto HTTP statuses. Order matters:
// duplicates are conflicts before they are business rules.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	var inputErr *finance.InvalidInputError

	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrDuplicateSettlement),
		errors.Is(err, ledger.ErrConcurrentConflict):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsBusinessRule(err):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	case errors.Is(err, ledger.ErrInvalidAmount), errors.As(err, &inputErr):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		var methodErr *ledger.PaymentMethodError
		if errors.As(err, &methodErr) {
			writeError(w, http.StatusBadRequest, message, err)
			return
		}
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func optionalDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
