/*
Package sqlite provides the SQLite-backed implementation of the ledger store.

PURPOSE:
  Implements ledger.Store and ledger.TxStore using SQLite. In production the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  wallets:          One row per contractor; materialized balance projection
  transactions:     Append-only ledger of all monetary movements
  quotes:           Settlement facts written by the request lifecycle
  penalties:        Sanctions written by the dispute workflow
  payment_methods:  Contractor payout destinations

APPEND-ONLY ENFORCEMENT:
  Completed transactions are never updated or deleted. The only status
  mutation is resolving a pending withdrawal (pending -> completed|failed),
  performed as a single atomic command together with its balance movement.

IDEMPOTENCY:
  idx_unique_completed_credit enforces at most one completed credit per
  (reference_type, reference_id). Concurrent duplicate settlements race to
  exactly one winner; the loser gets DuplicateSettlementError.

BALANCES:
  Monetary values are stored as exact decimal strings (never floats).
  Balance guards run inside the write transaction: the wallet row is read,
  checked, and rewritten in the same unit of work as the ledger insert, so
  a debit can never observe a balance another debit has already spent.

CONCURRENCY:
  A store-level mutex serializes writers (SQLite allows one writer at a
  time anyway); WAL mode keeps readers unblocked. With PostgreSQL the same
  discipline comes from SELECT ... FOR UPDATE on the wallet row.

SEE ALSO:
  - ledger/store.go: Interface contracts and invariants
  - settlement/engine.go: Composes these operations inside WithTx
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/sunpeak/settlement-engine/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a SQLite store at the given path. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases coherent and removes
	// writer contention at the pool level.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema.
func (s *Store) migrate() error {
	schema := `
	-- Wallets: one row per contractor, materialized balance projection.
	-- contractor_id UNIQUE makes lazy creation race-safe (insert-or-fetch).
	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		contractor_id TEXT NOT NULL UNIQUE,
		current_balance TEXT NOT NULL DEFAULT '0',
		pending_balance TEXT NOT NULL DEFAULT '0',
		total_earned TEXT NOT NULL DEFAULT '0',
		total_commission_paid TEXT NOT NULL DEFAULT '0',
		total_penalties TEXT NOT NULL DEFAULT '0',
		total_withdrawn TEXT NOT NULL DEFAULT '0',
		suspended INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transactions: append-only ledger. Amount is a positive magnitude;
	-- tx_type carries the direction.
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		wallet_id TEXT NOT NULL REFERENCES wallets(id),
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		reference_type TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		status TEXT NOT NULL,
		description TEXT,
		commission_amount TEXT,
		vat_amount TEXT,
		method_snapshot_json TEXT,
		decision_notes TEXT,
		created_at TEXT NOT NULL,
		processed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_wallet
		ON transactions(wallet_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference_type, reference_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_status
		ON transactions(status);

	-- CRITICAL: at most one completed credit per settlement reference.
	-- Concurrent duplicate settlements race to exactly one winner.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_completed_credit
		ON transactions(reference_type, reference_id)
		WHERE status = 'completed' AND tx_type = 'credit';

	-- Quotes: settlement facts owned by the request lifecycle.
	CREATE TABLE IF NOT EXISTS quotes (
		id TEXT PRIMARY KEY,
		contractor_id TEXT NOT NULL,
		base_price TEXT NOT NULL,
		price_per_unit TEXT NOT NULL DEFAULT '0',
		system_size TEXT NOT NULL DEFAULT '0',
		is_selected INTEGER NOT NULL DEFAULT 0,
		admin_status TEXT NOT NULL DEFAULT 'pending_review',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_quotes_contractor
		ON quotes(contractor_id);

	-- Penalties: raised externally, consumed by settlement.
	CREATE TABLE IF NOT EXISTS penalties (
		id TEXT PRIMARY KEY,
		quote_id TEXT,
		request_id TEXT,
		contractor_id TEXT NOT NULL,
		penalty_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		applied_to TEXT NOT NULL,
		reason TEXT,
		is_processed INTEGER NOT NULL DEFAULT 0,
		transaction_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_penalties_quote
		ON penalties(quote_id, is_processed);
	CREATE INDEX IF NOT EXISTS idx_penalties_contractor
		ON penalties(contractor_id);

	-- Payment methods: full set replaced per update, one primary.
	CREATE TABLE IF NOT EXISTS payment_methods (
		id TEXT PRIMARY KEY,
		contractor_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		is_primary INTEGER NOT NULL DEFAULT 0,
		account_number TEXT,
		bank_name TEXT,
		beneficiary_name TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payment_methods_contractor
		ON payment_methods(contractor_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withWriteTx runs fn inside a locked database transaction.
func (s *Store) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		if isBusyError(err) {
			return fmt.Errorf("%w: %v", ledger.ErrConcurrentConflict, err)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if isBusyError(err) {
			return fmt.Errorf("%w: %v", ledger.ErrConcurrentConflict, err)
		}
		return err
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore)
// =============================================================================

// WithTx executes fn against a store view bound to one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return fn(&txView{parent: s, tx: tx})
	})
}

// txView routes every operation through the ambient *sql.Tx so multi-step
// settlements observe their own writes and commit or roll back together.
type txView struct {
	parent *Store
	tx     *sql.Tx
}

func (v *txView) GetOrCreateWallet(ctx context.Context, contractorID ledger.ContractorID) (*ledger.Wallet, error) {
	return v.parent.getOrCreateWallet(ctx, v.tx, contractorID)
}
func (v *txView) GetWallet(ctx context.Context, contractorID ledger.ContractorID) (*ledger.Wallet, error) {
	return v.parent.getWallet(ctx, v.tx, contractorID)
}
func (v *txView) GetWalletByID(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return v.parent.getWalletByID(ctx, v.tx, id)
}
func (v *txView) SetWalletSuspended(ctx context.Context, contractorID ledger.ContractorID, suspended bool) error {
	return v.parent.setWalletSuspended(ctx, v.tx, contractorID, suspended)
}
func (v *txView) AppendTransaction(ctx context.Context, tx *ledger.Transaction) error {
	return v.parent.appendTransaction(ctx, v.tx, tx)
}
func (v *txView) ResolveWithdrawal(ctx context.Context, id ledger.TransactionID, outcome ledger.WithdrawalOutcome, notes string) (*ledger.Transaction, error) {
	return v.parent.resolveWithdrawal(ctx, v.tx, id, outcome, notes)
}
func (v *txView) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return v.parent.getTransaction(ctx, v.tx, id)
}
func (v *txView) FindCompletedCredit(ctx context.Context, refType ledger.ReferenceType, refID string) (*ledger.Transaction, error) {
	return v.parent.findCompletedCredit(ctx, v.tx, refType, refID)
}
func (v *txView) ListTransactions(ctx context.Context, walletID ledger.WalletID, filter ledger.TransactionFilter, page, limit int) (*ledger.TransactionPage, error) {
	return v.parent.listTransactions(ctx, v.tx, walletID, filter, page, limit)
}
func (v *txView) SumCompleted(ctx context.Context, walletID ledger.WalletID) (decimal.Decimal, error) {
	return v.parent.sumCompleted(ctx, v.tx, walletID)
}
func (v *txView) SaveQuote(ctx context.Context, q ledger.Quote) error {
	return v.parent.saveQuote(ctx, v.tx, q)
}
func (v *txView) GetQuote(ctx context.Context, id ledger.QuoteID) (*ledger.Quote, error) {
	return v.parent.getQuote(ctx, v.tx, id)
}
func (v *txView) SavePenalty(ctx context.Context, p ledger.Penalty) error {
	return v.parent.savePenalty(ctx, v.tx, p)
}
func (v *txView) UnprocessedPenaltiesForQuote(ctx context.Context, quoteID ledger.QuoteID) ([]ledger.Penalty, error) {
	return v.parent.unprocessedPenaltiesForQuote(ctx, v.tx, quoteID)
}
func (v *txView) MarkPenaltiesProcessed(ctx context.Context, ids []ledger.PenaltyID, txID ledger.TransactionID) error {
	return v.parent.markPenaltiesProcessed(ctx, v.tx, ids, txID)
}
func (v *txView) ReplacePaymentMethods(ctx context.Context, contractorID ledger.ContractorID, methods []ledger.PaymentMethod) error {
	return v.parent.replacePaymentMethods(ctx, v.tx, contractorID, methods)
}
func (v *txView) GetPaymentMethods(ctx context.Context, contractorID ledger.ContractorID) ([]ledger.PaymentMethod, error) {
	return v.parent.getPaymentMethods(ctx, v.tx, contractorID)
}
func (v *txView) GetPaymentMethod(ctx context.Context, id ledger.PaymentMethodID) (*ledger.PaymentMethod, error) {
	return v.parent.getPaymentMethod(ctx, v.tx, id)
}

// =============================================================================
// WALLETS
// =============================================================================

// GetOrCreateWallet returns the contractor's wallet, lazily creating it.
func (s *Store) GetOrCreateWallet(ctx context.Context, contractorID ledger.ContractorID) (*ledger.Wallet, error) {
	var w *ledger.Wallet
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var err error
		w, err = s.getOrCreateWallet(ctx, tx, contractorID)
		return err
	})
	return w, err
}

func (s *Store) getOrCreateWallet(ctx context.Context, db dbtx, contractorID ledger.ContractorID) (*ledger.Wallet, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	// Insert-or-fetch against the unique constraint. Two concurrent first
	// calls both land on the same row.
	_, err := db.ExecContext(ctx, `
		INSERT INTO wallets (id, contractor_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(contractor_id) DO NOTHING
	`, newWalletID(), contractorID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	return s.getWallet(ctx, db, contractorID)
}

// GetWallet returns the wallet or ledger.ErrWalletNotFound.
func (s *Store) GetWallet(ctx context.Context, contractorID ledger.ContractorID) (*ledger.Wallet, error) {
	return s.getWallet(ctx, s.db, contractorID)
}

func (s *Store) getWallet(ctx context.Context, db dbtx, contractorID ledger.ContractorID) (*ledger.Wallet, error) {
	row := db.QueryRowContext(ctx, walletSelect+` WHERE contractor_id = ?`, contractorID)
	return scanWallet(row)
}

// GetWalletByID returns the wallet by its own id.
func (s *Store) GetWalletByID(ctx context.Context, id ledger.WalletID) (*ledger.Wallet, error) {
	return s.getWalletByID(ctx, s.db, id)
}

func (s *Store) getWalletByID(ctx context.Context, db dbtx, id ledger.WalletID) (*ledger.Wallet, error) {
	row := db.QueryRowContext(ctx, walletSelect+` WHERE id = ?`, id)
	return scanWallet(row)
}

// SetWalletSuspended flips the suspension flag.
func (s *Store) SetWalletSuspended(ctx context.Context, contractorID ledger.ContractorID, suspended bool) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return s.setWalletSuspended(ctx, tx, contractorID, suspended)
	})
}

func (s *Store) setWalletSuspended(ctx context.Context, db dbtx, contractorID ledger.ContractorID, suspended bool) error {
	res, err := db.ExecContext(ctx, `
		UPDATE wallets SET suspended = ?, updated_at = ? WHERE contractor_id = ?
	`, boolInt(suspended), time.Now().UTC().Format(time.RFC3339), contractorID)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ledger.ErrWalletNotFound
	}
	return nil
}

const walletSelect = `
	SELECT id, contractor_id, current_balance, pending_balance,
	       total_earned, total_commission_paid, total_penalties, total_withdrawn,
	       suspended, created_at, updated_at
	FROM wallets`

func scanWallet(row *sql.Row) (*ledger.Wallet, error) {
	var (
		w                                  ledger.Wallet
		current, pending                   string
		earned, commission, pen, withdrawn string
		suspended                          int
		createdAt, updatedAt               string
	)
	err := row.Scan(&w.ID, &w.ContractorID, &current, &pending,
		&earned, &commission, &pen, &withdrawn,
		&suspended, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan wallet: %w", err)
	}

	w.CurrentBalance = mustDecimal(current)
	w.PendingBalance = mustDecimal(pending)
	w.TotalEarned = mustDecimal(earned)
	w.TotalCommissionPaid = mustDecimal(commission)
	w.TotalPenalties = mustDecimal(pen)
	w.TotalWithdrawn = mustDecimal(withdrawn)
	w.Suspended = suspended != 0
	w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &w, nil
}

// writeWalletBalances rewrites the wallet projection columns.
func (s *Store) writeWalletBalances(ctx context.Context, db dbtx, w *ledger.Wallet) error {
	_, err := db.ExecContext(ctx, `
		UPDATE wallets
		SET current_balance = ?, pending_balance = ?,
		    total_earned = ?, total_commission_paid = ?,
		    total_penalties = ?, total_withdrawn = ?,
		    updated_at = ?
		WHERE id = ?
	`, w.CurrentBalance.String(), w.PendingBalance.String(),
		w.TotalEarned.String(), w.TotalCommissionPaid.String(),
		w.TotalPenalties.String(), w.TotalWithdrawn.String(),
		time.Now().UTC().Format(time.RFC3339), w.ID)
	if err != nil {
		return fmt.Errorf("failed to update wallet balances: %w", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS (append + balance effect, one unit of work)
// =============================================================================

// AppendTransaction inserts the ledger row and applies its wallet effect
// atomically.
func (s *Store) AppendTransaction(ctx context.Context, tx *ledger.Transaction) error {
	return s.withWriteTx(ctx, func(sqlTx *sql.Tx) error {
		return s.appendTransaction(ctx, sqlTx, tx)
	})
}

func (s *Store) appendTransaction(ctx context.Context, db dbtx, tx *ledger.Transaction) error {
	if !tx.Amount.IsPositive() {
		return ledger.ErrInvalidAmount
	}

	wallet, err := s.getWalletByID(ctx, db, tx.WalletID)
	if err != nil {
		return err
	}

	// Apply the balance effect on the in-memory projection first; any guard
	// failure aborts before a single row is written.
	switch {
	case tx.Type == ledger.TxCredit && tx.Status == ledger.TxCompleted:
		wallet.CurrentBalance = wallet.CurrentBalance.Add(tx.Amount)
		if tx.ReferenceType == ledger.RefQuote || tx.ReferenceType == ledger.RefInvoice {
			wallet.TotalEarned = wallet.TotalEarned.Add(tx.Amount)
		}
		if tx.CommissionAmount.IsPositive() {
			wallet.TotalCommissionPaid = wallet.TotalCommissionPaid.Add(tx.CommissionAmount)
		}

	case tx.Type == ledger.TxDebit && tx.Status == ledger.TxCompleted:
		if tx.Amount.GreaterThan(wallet.CurrentBalance) {
			return &ledger.InsufficientBalanceError{
				WalletID:  wallet.ID,
				Available: wallet.CurrentBalance,
				Requested: tx.Amount,
			}
		}
		wallet.CurrentBalance = wallet.CurrentBalance.Sub(tx.Amount)
		if tx.ReferenceType == ledger.RefPenalty {
			wallet.TotalPenalties = wallet.TotalPenalties.Add(tx.Amount)
		}

	case tx.Type == ledger.TxDebit && tx.Status == ledger.TxPending && tx.ReferenceType == ledger.RefWithdrawal:
		if tx.Amount.GreaterThan(wallet.CurrentBalance) {
			return &ledger.InsufficientBalanceError{
				WalletID:  wallet.ID,
				Available: wallet.CurrentBalance,
				Requested: tx.Amount,
			}
		}
		wallet.CurrentBalance = wallet.CurrentBalance.Sub(tx.Amount)
		wallet.PendingBalance = wallet.PendingBalance.Add(tx.Amount)

	default:
		return fmt.Errorf("unsupported transaction shape: %s/%s/%s",
			tx.Type, tx.Status, tx.ReferenceType)
	}

	if err := s.insertTransaction(ctx, db, tx); err != nil {
		return err
	}
	return s.writeWalletBalances(ctx, db, wallet)
}

func (s *Store) insertTransaction(ctx context.Context, db dbtx, tx *ledger.Transaction) error {
	var snapshotJSON sql.NullString
	if tx.MethodSnapshot != nil {
		b, err := json.Marshal(tx.MethodSnapshot)
		if err != nil {
			return fmt.Errorf("failed to encode method snapshot: %w", err)
		}
		snapshotJSON = sql.NullString{String: string(b), Valid: true}
	}

	var processedAt *string
	if tx.ProcessedAt != nil {
		t := tx.ProcessedAt.UTC().Format(time.RFC3339)
		processedAt = &t
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions
		(id, wallet_id, tx_type, amount, reference_type, reference_id, status,
		 description, commission_amount, vat_amount, method_snapshot_json,
		 decision_notes, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.WalletID, tx.Type, tx.Amount.String(),
		tx.ReferenceType, tx.ReferenceID, tx.Status,
		nullString(tx.Description),
		tx.CommissionAmount.String(), tx.VATAmount.String(),
		snapshotJSON, nullString(tx.DecisionNotes),
		tx.CreatedAt.UTC().Format(time.RFC3339), processedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			existing, lookupErr := s.findCompletedCredit(ctx, db, tx.ReferenceType, tx.ReferenceID)
			dup := &ledger.DuplicateSettlementError{
				ReferenceType: tx.ReferenceType,
				ReferenceID:   tx.ReferenceID,
			}
			if lookupErr == nil && existing != nil {
				dup.ExistingTxID = existing.ID
			}
			return dup
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// ResolveWithdrawal moves a pending withdrawal to its terminal state.
func (s *Store) ResolveWithdrawal(ctx context.Context, id ledger.TransactionID, outcome ledger.WithdrawalOutcome, notes string) (*ledger.Transaction, error) {
	var out *ledger.Transaction
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.resolveWithdrawal(ctx, tx, id, outcome, notes)
		return err
	})
	return out, err
}

func (s *Store) resolveWithdrawal(ctx context.Context, db dbtx, id ledger.TransactionID, outcome ledger.WithdrawalOutcome, notes string) (*ledger.Transaction, error) {
	tx, err := s.getTransaction(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if tx.Type != ledger.TxDebit || tx.ReferenceType != ledger.RefWithdrawal || tx.Status != ledger.TxPending {
		return nil, &ledger.WithdrawalStateError{TransactionID: tx.ID, Status: tx.Status}
	}

	wallet, err := s.getWalletByID(ctx, db, tx.WalletID)
	if err != nil {
		return nil, err
	}
	if tx.Amount.GreaterThan(wallet.PendingBalance) {
		// A pending withdrawal always has its amount held; anything else
		// means the projection drifted.
		return nil, &ledger.BalanceDriftError{
			WalletID:     wallet.ID,
			Materialized: wallet.PendingBalance,
			Replayed:     tx.Amount,
		}
	}

	wallet.PendingBalance = wallet.PendingBalance.Sub(tx.Amount)
	switch outcome {
	case ledger.WithdrawalCompleted:
		wallet.TotalWithdrawn = wallet.TotalWithdrawn.Add(tx.Amount)
		tx.Status = ledger.TxCompleted
	case ledger.WithdrawalFailed:
		wallet.CurrentBalance = wallet.CurrentBalance.Add(tx.Amount)
		tx.Status = ledger.TxFailed
	default:
		return nil, fmt.Errorf("unknown withdrawal outcome: %s", outcome)
	}

	now := time.Now().UTC()
	tx.ProcessedAt = &now
	tx.DecisionNotes = notes

	_, err = db.ExecContext(ctx, `
		UPDATE transactions
		SET status = ?, decision_notes = ?, processed_at = ?
		WHERE id = ? AND status = 'pending'
	`, tx.Status, nullString(notes), now.Format(time.RFC3339), tx.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve withdrawal: %w", err)
	}

	if err := s.writeWalletBalances(ctx, db, wallet); err != nil {
		return nil, err
	}
	return tx, nil
}

// GetTransaction returns a transaction or ledger.ErrTransactionNotFound.
func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return s.getTransaction(ctx, s.db, id)
}

func (s *Store) getTransaction(ctx context.Context, db dbtx, id ledger.TransactionID) (*ledger.Transaction, error) {
	rows, err := db.QueryContext(ctx, txSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ledger.ErrTransactionNotFound
	}
	tx, err := scanTransaction(rows)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// FindCompletedCredit returns the completed credit for a reference, or nil.
func (s *Store) FindCompletedCredit(ctx context.Context, refType ledger.ReferenceType, refID string) (*ledger.Transaction, error) {
	return s.findCompletedCredit(ctx, s.db, refType, refID)
}

func (s *Store) findCompletedCredit(ctx context.Context, db dbtx, refType ledger.ReferenceType, refID string) (*ledger.Transaction, error) {
	rows, err := db.QueryContext(ctx, txSelect+`
		WHERE reference_type = ? AND reference_id = ?
		  AND status = 'completed' AND tx_type = 'credit'
		LIMIT 1
	`, refType, refID)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlement: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	tx, err := scanTransaction(rows)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListTransactions returns a filtered, paginated history, newest first.
func (s *Store) ListTransactions(ctx context.Context, walletID ledger.WalletID, filter ledger.TransactionFilter, page, limit int) (*ledger.TransactionPage, error) {
	return s.listTransactions(ctx, s.db, walletID, filter, page, limit)
}

func (s *Store) listTransactions(ctx context.Context, db dbtx, walletID ledger.WalletID, filter ledger.TransactionFilter, page, limit int) (*ledger.TransactionPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	where := []string{"wallet_id = ?"}
	args := []any{walletID}
	if filter.Type != "" {
		where = append(where, "tx_type = ?")
		args = append(args, filter.Type)
	}
	if filter.ReferenceType != "" {
		where = append(where, "reference_type = ?")
		args = append(args, filter.ReferenceType)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filter.From.UTC().Format(time.RFC3339))
	}
	if filter.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, filter.To.UTC().Format(time.RFC3339))
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE `+whereClause, args...,
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	pageArgs := append(args, limit, (page-1)*limit)
	rows, err := db.QueryContext(ctx, txSelect+`
		WHERE `+whereClause+`
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, pageArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var items []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &ledger.TransactionPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// SumCompleted replays the signed sum of completed transactions.
// Decimal arithmetic happens in Go; SQL SUM over decimal strings is not exact.
func (s *Store) SumCompleted(ctx context.Context, walletID ledger.WalletID) (decimal.Decimal, error) {
	return s.sumCompleted(ctx, s.db, walletID)
}

func (s *Store) sumCompleted(ctx context.Context, db dbtx, walletID ledger.WalletID) (decimal.Decimal, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT tx_type, amount FROM transactions
		WHERE wallet_id = ? AND status = 'completed'
	`, walletID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query completed transactions: %w", err)
	}
	defer rows.Close()

	sum := decimal.Zero
	for rows.Next() {
		var txType, amount string
		if err := rows.Scan(&txType, &amount); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan transaction: %w", err)
		}
		a := mustDecimal(amount)
		if ledger.TransactionType(txType) == ledger.TxDebit {
			a = a.Neg()
		}
		sum = sum.Add(a)
	}
	return sum, rows.Err()
}

const txSelect = `
	SELECT id, wallet_id, tx_type, amount, reference_type, reference_id,
	       status, description, commission_amount, vat_amount,
	       method_snapshot_json, decision_notes, created_at, processed_at
	FROM transactions`

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx              ledger.Transaction
		amount          string
		description     sql.NullString
		commission, vat sql.NullString
		snapshotJSON    sql.NullString
		decisionNotes   sql.NullString
		createdAt       string
		processedAt     sql.NullString
	)
	err := rows.Scan(&tx.ID, &tx.WalletID, &tx.Type, &amount,
		&tx.ReferenceType, &tx.ReferenceID, &tx.Status,
		&description, &commission, &vat,
		&snapshotJSON, &decisionNotes, &createdAt, &processedAt)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Amount = mustDecimal(amount)
	tx.Description = description.String
	if commission.Valid {
		tx.CommissionAmount = mustDecimal(commission.String)
	}
	if vat.Valid {
		tx.VATAmount = mustDecimal(vat.String)
	}
	if snapshotJSON.Valid && snapshotJSON.String != "" {
		var m ledger.PaymentMethod
		if err := json.Unmarshal([]byte(snapshotJSON.String), &m); err == nil {
			tx.MethodSnapshot = &m
		}
	}
	tx.DecisionNotes = decisionNotes.String
	tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if processedAt.Valid {
		t, _ := time.Parse(time.RFC3339, processedAt.String)
		tx.ProcessedAt = &t
	}
	return tx, nil
}

// =============================================================================
// QUOTES
// =============================================================================

// SaveQuote upserts quote facts from the request lifecycle.
func (s *Store) SaveQuote(ctx context.Context, q ledger.Quote) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return s.saveQuote(ctx, tx, q)
	})
}

func (s *Store) saveQuote(ctx context.Context, db dbtx, q ledger.Quote) error {
	createdAt := q.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO quotes
		(id, contractor_id, base_price, price_per_unit, system_size,
		 is_selected, admin_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			base_price = excluded.base_price,
			price_per_unit = excluded.price_per_unit,
			system_size = excluded.system_size,
			is_selected = excluded.is_selected,
			admin_status = excluded.admin_status
	`, q.ID, q.ContractorID, q.BasePrice.String(), q.PricePerUnit.String(),
		q.SystemSize.String(), boolInt(q.IsSelected), q.AdminStatus,
		createdAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save quote: %w", err)
	}
	return nil
}

// GetQuote returns a quote or ledger.ErrQuoteNotFound.
func (s *Store) GetQuote(ctx context.Context, id ledger.QuoteID) (*ledger.Quote, error) {
	return s.getQuote(ctx, s.db, id)
}

func (s *Store) getQuote(ctx context.Context, db dbtx, id ledger.QuoteID) (*ledger.Quote, error) {
	var (
		q                        ledger.Quote
		basePrice, perUnit, size string
		isSelected               int
		createdAt                string
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, contractor_id, base_price, price_per_unit, system_size,
		       is_selected, admin_status, created_at
		FROM quotes WHERE id = ?
	`, id).Scan(&q.ID, &q.ContractorID, &basePrice, &perUnit, &size,
		&isSelected, &q.AdminStatus, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrQuoteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan quote: %w", err)
	}

	q.BasePrice = mustDecimal(basePrice)
	q.PricePerUnit = mustDecimal(perUnit)
	q.SystemSize = mustDecimal(size)
	q.IsSelected = isSelected != 0
	q.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &q, nil
}

// =============================================================================
// PENALTIES
// =============================================================================

// SavePenalty records a penalty raised by the dispute workflow.
func (s *Store) SavePenalty(ctx context.Context, p ledger.Penalty) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return s.savePenalty(ctx, tx, p)
	})
}

func (s *Store) savePenalty(ctx context.Context, db dbtx, p ledger.Penalty) error {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO penalties
		(id, quote_id, request_id, contractor_id, penalty_type, amount,
		 applied_to, reason, is_processed, transaction_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, p.ID, nullString(string(p.QuoteID)), nullString(p.RequestID),
		p.ContractorID, p.PenaltyType, p.Amount.String(), p.AppliedTo,
		nullString(p.Reason), boolInt(p.IsProcessed),
		nullString(string(p.TransactionID)), createdAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save penalty: %w", err)
	}
	return nil
}

// UnprocessedPenaltiesForQuote returns contractor penalties against a quote
// that have not been settled yet.
func (s *Store) UnprocessedPenaltiesForQuote(ctx context.Context, quoteID ledger.QuoteID) ([]ledger.Penalty, error) {
	return s.unprocessedPenaltiesForQuote(ctx, s.db, quoteID)
}

func (s *Store) unprocessedPenaltiesForQuote(ctx context.Context, db dbtx, quoteID ledger.QuoteID) ([]ledger.Penalty, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, quote_id, request_id, contractor_id, penalty_type, amount,
		       applied_to, reason, is_processed, transaction_id, created_at
		FROM penalties
		WHERE quote_id = ? AND is_processed = 0
		  AND applied_to IN ('contractor', 'both')
		ORDER BY created_at ASC
	`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to query penalties: %w", err)
	}
	defer rows.Close()

	var penalties []ledger.Penalty
	for rows.Next() {
		p, err := scanPenalty(rows)
		if err != nil {
			return nil, err
		}
		penalties = append(penalties, p)
	}
	return penalties, rows.Err()
}

// MarkPenaltiesProcessed flags penalties as settled.
func (s *Store) MarkPenaltiesProcessed(ctx context.Context, ids []ledger.PenaltyID, txID ledger.TransactionID) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return s.markPenaltiesProcessed(ctx, tx, ids, txID)
	})
}

func (s *Store) markPenaltiesProcessed(ctx context.Context, db dbtx, ids []ledger.PenaltyID, txID ledger.TransactionID) error {
	for _, id := range ids {
		_, err := db.ExecContext(ctx, `
			UPDATE penalties SET is_processed = 1, transaction_id = ?
			WHERE id = ? AND is_processed = 0
		`, txID, id)
		if err != nil {
			return fmt.Errorf("failed to mark penalty processed: %w", err)
		}
	}
	return nil
}

func scanPenalty(rows *sql.Rows) (ledger.Penalty, error) {
	var (
		p                     ledger.Penalty
		quoteID, requestID    sql.NullString
		amount                string
		reason, transactionID sql.NullString
		isProcessed           int
		createdAt             string
	)
	err := rows.Scan(&p.ID, &quoteID, &requestID, &p.ContractorID,
		&p.PenaltyType, &amount, &p.AppliedTo, &reason,
		&isProcessed, &transactionID, &createdAt)
	if err != nil {
		return p, fmt.Errorf("failed to scan penalty: %w", err)
	}

	p.QuoteID = ledger.QuoteID(quoteID.String)
	p.RequestID = requestID.String
	p.Amount = mustDecimal(amount)
	p.Reason = reason.String
	p.IsProcessed = isProcessed != 0
	p.TransactionID = ledger.TransactionID(transactionID.String)
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return p, nil
}

// =============================================================================
// PAYMENT METHODS
// =============================================================================

// ReplacePaymentMethods swaps the contractor's full method set atomically.
func (s *Store) ReplacePaymentMethods(ctx context.Context, contractorID ledger.ContractorID, methods []ledger.PaymentMethod) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return s.replacePaymentMethods(ctx, tx, contractorID, methods)
	})
}

func (s *Store) replacePaymentMethods(ctx context.Context, db dbtx, contractorID ledger.ContractorID, methods []ledger.PaymentMethod) error {
	// Payout configuration is current-state, not history. The ledger keeps
	// per-withdrawal snapshots, so replacing the set loses nothing.
	if _, err := db.ExecContext(ctx,
		`DELETE FROM payment_methods WHERE contractor_id = ?`, contractorID); err != nil {
		return fmt.Errorf("failed to clear payment methods: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, m := range methods {
		_, err := db.ExecContext(ctx, `
			INSERT INTO payment_methods
			(id, contractor_id, kind, is_primary, account_number, bank_name,
			 beneficiary_name, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, contractorID, m.Kind, boolInt(m.IsPrimary),
			nullString(m.AccountNumber), nullString(m.BankName),
			nullString(m.BeneficiaryName), now)
		if err != nil {
			return fmt.Errorf("failed to save payment method: %w", err)
		}
	}
	return nil
}

// GetPaymentMethods returns the contractor's methods, primary first.
func (s *Store) GetPaymentMethods(ctx context.Context, contractorID ledger.ContractorID) ([]ledger.PaymentMethod, error) {
	return s.getPaymentMethods(ctx, s.db, contractorID)
}

func (s *Store) getPaymentMethods(ctx context.Context, db dbtx, contractorID ledger.ContractorID) ([]ledger.PaymentMethod, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, contractor_id, kind, is_primary, account_number,
		       bank_name, beneficiary_name, created_at
		FROM payment_methods
		WHERE contractor_id = ?
		ORDER BY is_primary DESC, created_at ASC
	`, contractorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment methods: %w", err)
	}
	defer rows.Close()

	var methods []ledger.PaymentMethod
	for rows.Next() {
		m, err := scanPaymentMethod(rows)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	return methods, rows.Err()
}

// GetPaymentMethod returns one method or ledger.ErrPaymentMethodNotFound.
func (s *Store) GetPaymentMethod(ctx context.Context, id ledger.PaymentMethodID) (*ledger.PaymentMethod, error) {
	return s.getPaymentMethod(ctx, s.db, id)
}

func (s *Store) getPaymentMethod(ctx context.Context, db dbtx, id ledger.PaymentMethodID) (*ledger.PaymentMethod, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, contractor_id, kind, is_primary, account_number,
		       bank_name, beneficiary_name, created_at
		FROM payment_methods WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment method: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ledger.ErrPaymentMethodNotFound
	}
	m, err := scanPaymentMethod(rows)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanPaymentMethod(rows *sql.Rows) (ledger.PaymentMethod, error) {
	var (
		m                          ledger.PaymentMethod
		isPrimary                  int
		account, bank, beneficiary sql.NullString
		createdAt                  string
	)
	err := rows.Scan(&m.ID, &m.ContractorID, &m.Kind, &isPrimary,
		&account, &bank, &beneficiary, &createdAt)
	if err != nil {
		return m, fmt.Errorf("failed to scan payment method: %w", err)
	}

	m.IsPrimary = isPrimary != 0
	m.AccountNumber = account.String
	m.BankName = bank.String
	m.BeneficiaryName = beneficiary.String
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return m, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (tests and dev seeding only).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"transactions", "penalties", "quotes", "payment_methods", "wallets"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isBusyError detects SQLite writer contention. Surfaced as a retryable
// conflict; every settlement is idempotent per reference id, so the caller
// may safely re-run the whole operation.
func isBusyError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "database is locked") ||
		strings.Contains(err.Error(), "database table is locked"))
}
