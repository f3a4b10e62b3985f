package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"bursar/pkg/billing"
	"bursar/pkg/logging"
)

// Transaction directions.
const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"
)

// Transaction reasons. These match the CHECK constraint on
// bursar.wallet_transactions.
const (
	ReasonCallSettlement     = "call-settlement"
	ReasonNumberProvisioning = "number-provisioning"
	ReasonRecharge           = "recharge"
	ReasonManualAdjustment   = "manual-adjustment"
)

// Transaction is one immutable row of a tenant's balance history. Rows are
// never updated or deleted; corrections are new compensating entries.
type Transaction struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenant_id"`
	Direction          string    `json:"direction"`
	AmountCents        int64     `json:"amount_cents"`
	BalanceBeforeCents int64     `json:"balance_before_cents"`
	BalanceAfterCents  int64     `json:"balance_after_cents"`
	SourceEventID      *string   `json:"source_event_id,omitempty"`
	Reason             string    `json:"reason"`
	Description        string    `json:"description,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// DebitParams describes a balance deduction.
type DebitParams struct {
	TenantID      string
	AmountCents   int64
	SourceEventID string // optional; enables storage-level dedup when set
	Reason        string
	Description   string
	// AllowOverdraft records the debit even past the debt ceiling. Used
	// when operators prefer negative-balance visibility over rejection.
	AllowOverdraft bool
}

// CreditParams describes a balance top-up.
type CreditParams struct {
	TenantID      string
	AmountCents   int64
	SourceEventID string
	Reason        string
	Description   string
}

// Ledger owns the wallets and wallet_transactions tables. All balance
// mutations go through ApplyDebit/ApplyCredit, which serialize per tenant
// via a row lock on the wallet.
type Ledger struct {
	db       *sql.DB
	logger   logging.Logger
	currency string
}

func NewLedger(db *sql.DB, logger logging.Logger) *Ledger {
	return &Ledger{
		db:       db,
		logger:   logger,
		currency: billing.DefaultCurrency(),
	}
}

// Currency returns the ledger's operating currency code.
func (l *Ledger) Currency() string {
	return l.currency
}

// ApplyDebit deducts from the tenant's balance inside a single database
// transaction. It returns the recorded transaction and whether a new row
// was written; applied is false when SourceEventID already settled, in
// which case the existing row is returned unchanged.
func (l *Ledger) ApplyDebit(ctx context.Context, p DebitParams) (*Transaction, bool, error) {
	return l.apply(ctx, p.TenantID, DirectionDebit, p.AmountCents, p.SourceEventID, p.Reason, p.Description, p.AllowOverdraft)
}

// ApplyCredit adds to the tenant's balance. Same dedup semantics as
// ApplyDebit.
func (l *Ledger) ApplyCredit(ctx context.Context, p CreditParams) (*Transaction, bool, error) {
	return l.apply(ctx, p.TenantID, DirectionCredit, p.AmountCents, p.SourceEventID, p.Reason, p.Description, false)
}

func (l *Ledger) apply(ctx context.Context, tenantID, direction string, amountCents int64, sourceEventID, reason, description string, allowOverdraft bool) (*Transaction, bool, error) {
	if amountCents <= 0 {
		return nil, false, ErrInvalidAmount
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		walletID  string
		balance   int64
		debtLimit int64
		isActive  bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, balance_cents, debt_limit_cents, is_active
		FROM bursar.wallets
		WHERE tenant_id = $1 AND currency = $2
		FOR UPDATE`,
		tenantID, l.currency).Scan(&walletID, &balance, &debtLimit, &isActive)
	if err == sql.ErrNoRows {
		return nil, false, ErrWalletNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock wallet: %w", err)
	}
	if !isActive {
		return nil, false, ErrWalletInactive
	}

	newBalance := balance + amountCents
	if direction == DirectionDebit {
		newBalance = balance - amountCents
		if !allowOverdraft && newBalance < -debtLimit {
			return nil, false, &InsufficientFundsError{
				TenantID:       tenantID,
				BalanceCents:   balance,
				DebtLimitCents: debtLimit,
				AmountCents:    amountCents,
			}
		}
	}

	txnID := uuid.New().String()
	now := time.Now()

	var srcEvent sql.NullString
	if sourceEventID != "" {
		srcEvent = sql.NullString{String: sourceEventID, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bursar.wallet_transactions
			(id, tenant_id, direction, amount_cents, balance_before_cents, balance_after_cents, source_event_id, reason, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		txnID, tenantID, direction, amountCents, balance, newBalance, srcEvent, reason, description, now)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Another settlement of the same source event already landed;
			// hand back the existing row as a no-op.
			existing, lookupErr := l.transactionBySourceEvent(ctx, tenantID, sourceEventID)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("failed to load existing transaction for event %s: %w", sourceEventID, lookupErr)
			}
			l.logger.WithFields(logging.Fields{
				"tenant_id":       tenantID,
				"source_event_id": sourceEventID,
				"transaction_id":  existing.ID,
			}).Debug("Duplicate source event, returning existing transaction")
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to record transaction: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE bursar.wallets
		SET balance_cents = $1, updated_at = NOW()
		WHERE id = $2`,
		newBalance, walletID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	txn := &Transaction{
		ID:                 txnID,
		TenantID:           tenantID,
		Direction:          direction,
		AmountCents:        amountCents,
		BalanceBeforeCents: balance,
		BalanceAfterCents:  newBalance,
		Reason:             reason,
		Description:        description,
		CreatedAt:          now,
	}
	if srcEvent.Valid {
		txn.SourceEventID = &srcEvent.String
	}
	return txn, true, nil
}

func (l *Ledger) transactionBySourceEvent(ctx context.Context, tenantID, sourceEventID string) (*Transaction, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, direction, amount_cents, balance_before_cents, balance_after_cents, source_event_id, reason, COALESCE(description, ''), created_at
		FROM bursar.wallet_transactions
		WHERE tenant_id = $1 AND source_event_id = $2`,
		tenantID, sourceEventID)
	return scanTransaction(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var txn Transaction
	var srcEvent sql.NullString
	err := row.Scan(&txn.ID, &txn.TenantID, &txn.Direction, &txn.AmountCents,
		&txn.BalanceBeforeCents, &txn.BalanceAfterCents, &srcEvent, &txn.Reason,
		&txn.Description, &txn.CreatedAt)
	if err != nil {
		return nil, err
	}
	if srcEvent.Valid {
		txn.SourceEventID = &srcEvent.String
	}
	return &txn, nil
}

// ListTransactions returns the tenant's balance history, newest first.
func (l *Ledger) ListTransactions(ctx context.Context, tenantID string, limit, offset int) ([]*Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, tenant_id, direction, amount_cents, balance_before_cents, balance_after_cents, source_event_id, reason, COALESCE(description, ''), created_at
		FROM bursar.wallet_transactions
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}
