package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Wallet holds a tenant's prepaid balance and billing configuration.
type Wallet struct {
	ID                       string    `json:"id"`
	TenantID                 string    `json:"tenant_id"`
	Currency                 string    `json:"currency"`
	BalanceCents             int64     `json:"balance_cents"`
	DebtLimitCents           int64     `json:"debt_limit_cents"`
	LowBalanceThresholdCents int64     `json:"low_balance_threshold_cents"`
	AutoRechargeEnabled      bool      `json:"auto_recharge_enabled"`
	AutoRechargeAmountCents  int64     `json:"auto_recharge_amount_cents"`
	PaymentMethodRef         *string   `json:"payment_method_ref,omitempty"`
	PerMinuteRateCents       *int64    `json:"per_minute_rate_cents,omitempty"`
	NumberFeeCents           *int64    `json:"number_fee_cents,omitempty"`
	IsActive                 bool      `json:"is_active"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// RechargeConfig is the tenant-adjustable slice of wallet settings.
type RechargeConfig struct {
	LowBalanceThresholdCents int64   `json:"low_balance_threshold_cents"`
	AutoRechargeEnabled      bool    `json:"auto_recharge_enabled"`
	AutoRechargeAmountCents  int64   `json:"auto_recharge_amount_cents"`
	PaymentMethodRef         *string `json:"payment_method_ref,omitempty"`
}

const walletColumns = `id, tenant_id, currency, balance_cents, debt_limit_cents, low_balance_threshold_cents,
	auto_recharge_enabled, auto_recharge_amount_cents, payment_method_ref, per_minute_rate_cents, number_fee_cents,
	is_active, created_at, updated_at`

func scanWallet(row rowScanner) (*Wallet, error) {
	var w Wallet
	var paymentRef sql.NullString
	var perMinute, numberFee sql.NullInt64
	err := row.Scan(&w.ID, &w.TenantID, &w.Currency, &w.BalanceCents, &w.DebtLimitCents,
		&w.LowBalanceThresholdCents, &w.AutoRechargeEnabled, &w.AutoRechargeAmountCents,
		&paymentRef, &perMinute, &numberFee, &w.IsActive, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if paymentRef.Valid {
		w.PaymentMethodRef = &paymentRef.String
	}
	if perMinute.Valid {
		w.PerMinuteRateCents = &perMinute.Int64
	}
	if numberFee.Valid {
		w.NumberFeeCents = &numberFee.Int64
	}
	return &w, nil
}

// EnsureWallet creates a zero-balance wallet for the tenant if none exists
// and returns the current row either way. Safe to call concurrently.
func (l *Ledger) EnsureWallet(ctx context.Context, tenantID string) (*Wallet, error) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO bursar.wallets (id, tenant_id, currency)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, currency) DO NOTHING`,
		uuid.New().String(), tenantID, l.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure wallet: %w", err)
	}
	return l.GetWallet(ctx, tenantID)
}

// GetWallet returns the tenant's wallet for the ledger currency.
func (l *Ledger) GetWallet(ctx context.Context, tenantID string) (*Wallet, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT `+walletColumns+`
		FROM bursar.wallets
		WHERE tenant_id = $1 AND currency = $2`,
		tenantID, l.currency)
	w, err := scanWallet(row)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet: %w", err)
	}
	return w, nil
}

// GetRechargeConfig returns the tenant's auto-recharge settings.
func (l *Ledger) GetRechargeConfig(ctx context.Context, tenantID string) (*RechargeConfig, error) {
	w, err := l.GetWallet(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return &RechargeConfig{
		LowBalanceThresholdCents: w.LowBalanceThresholdCents,
		AutoRechargeEnabled:      w.AutoRechargeEnabled,
		AutoRechargeAmountCents:  w.AutoRechargeAmountCents,
		PaymentMethodRef:         w.PaymentMethodRef,
	}, nil
}

// UpdateRechargeConfig replaces the tenant's auto-recharge settings.
// Enabling auto-recharge requires a positive amount and a payment method.
func (l *Ledger) UpdateRechargeConfig(ctx context.Context, tenantID string, cfg RechargeConfig) error {
	if cfg.LowBalanceThresholdCents < 0 {
		return fmt.Errorf("low balance threshold must not be negative")
	}
	if cfg.AutoRechargeEnabled {
		if cfg.AutoRechargeAmountCents <= 0 {
			return fmt.Errorf("auto recharge amount must be positive")
		}
		if cfg.PaymentMethodRef == nil || *cfg.PaymentMethodRef == "" {
			return fmt.Errorf("auto recharge requires a payment method")
		}
	}

	result, err := l.db.ExecContext(ctx, `
		UPDATE bursar.wallets
		SET low_balance_threshold_cents = $1,
		    auto_recharge_enabled = $2,
		    auto_recharge_amount_cents = $3,
		    payment_method_ref = $4,
		    updated_at = NOW()
		WHERE tenant_id = $5 AND currency = $6`,
		cfg.LowBalanceThresholdCents, cfg.AutoRechargeEnabled, cfg.AutoRechargeAmountCents,
		cfg.PaymentMethodRef, tenantID, l.currency)
	if err != nil {
		return fmt.Errorf("failed to update recharge config: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// DeactivateWallet stops all further balance mutations for the tenant.
func (l *Ledger) DeactivateWallet(ctx context.Context, tenantID string) error {
	result, err := l.db.ExecContext(ctx, `
		UPDATE bursar.wallets
		SET is_active = FALSE, updated_at = NOW()
		WHERE tenant_id = $1 AND currency = $2`,
		tenantID, l.currency)
	if err != nil {
		return fmt.Errorf("failed to deactivate wallet: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// ListTenants returns every tenant with a wallet in the ledger currency.
func (l *Ledger) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT tenant_id FROM bursar.wallets WHERE currency = $1 ORDER BY tenant_id`,
		l.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}
