package settlement

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"bursar/internal/ledger"
	"bursar/pkg/logging"
)

// Notifier delivers low-balance warnings to tenants. Implementations must
// tolerate being called repeatedly for the same tenant.
type Notifier interface {
	NotifyLowBalance(ctx context.Context, tenantID string, balanceCents, thresholdCents int64)
}

// Policy decides what happens after a balance change: refresh the cached
// billing status, and when the balance sits at or below the tenant's
// threshold, enqueue an auto-recharge or warn the tenant.
type Policy struct {
	db       *sql.DB
	logger   logging.Logger
	cache    *StatusCache
	notifier Notifier
}

func NewPolicy(db *sql.DB, logger logging.Logger, cache *StatusCache, notifier Notifier) *Policy {
	return &Policy{db: db, logger: logger, cache: cache, notifier: notifier}
}

// Evaluate inspects the tenant's balance against their threshold. It never
// fails the settlement that triggered it; errors are returned so the
// caller can log and record them, but the ledger entry already stands.
func (p *Policy) Evaluate(ctx context.Context, w *ledger.Wallet, balanceCents int64) error {
	if balanceCents >= w.LowBalanceThresholdCents {
		p.cache.Set(ctx, w.TenantID, StatusOK)
		return nil
	}
	p.cache.Set(ctx, w.TenantID, StatusLow)

	if !w.AutoRechargeEnabled || w.PaymentMethodRef == nil || *w.PaymentMethodRef == "" {
		p.logger.WithFields(logging.Fields{
			"tenant_id":     w.TenantID,
			"balance_cents": balanceCents,
		}).Info("Balance below threshold, auto recharge not configured")
		if p.notifier != nil {
			p.notifier.NotifyLowBalance(ctx, w.TenantID, balanceCents, w.LowBalanceThresholdCents)
		}
		return nil
	}

	enqueued, err := p.enqueueRecharge(ctx, w.TenantID, w.AutoRechargeAmountCents)
	if err != nil {
		return fmt.Errorf("failed to enqueue recharge for tenant %s: %w", w.TenantID, err)
	}
	if enqueued {
		p.logger.WithFields(logging.Fields{
			"tenant_id":     w.TenantID,
			"amount_cents":  w.AutoRechargeAmountCents,
			"balance_cents": balanceCents,
		}).Info("Auto recharge enqueued")
	}
	return nil
}

// enqueueRecharge inserts a pending job unless one is already live for the
// tenant. The partial unique index on live jobs makes concurrent inserts
// collapse to a single job.
func (p *Policy) enqueueRecharge(ctx context.Context, tenantID string, amountCents int64) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO bursar.recharge_jobs (id, tenant_id, amount_cents, status, idempotency_token)
		VALUES ($1, $2, $3, 'pending', $4)
		ON CONFLICT (tenant_id) WHERE status IN ('pending', 'in_flight') DO NOTHING`,
		uuid.New().String(), tenantID, amountCents, uuid.New().String())
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
