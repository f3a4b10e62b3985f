package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bursar/pkg/logging"
)

// Incident kinds reported by the reconciler.
const (
	IncidentChainBreak       = "chain_break"
	IncidentAmountMismatch   = "amount_mismatch"
	IncidentBalanceDrift     = "balance_drift"
	IncidentNonZeroOrigin    = "non_zero_origin"
	IncidentStaleClaim       = "stale_claim"
	IncidentSettledNoLedger  = "settled_without_ledger_row"
	IncidentDuplicateSource  = "duplicate_source_event"
	IncidentNegativeNoExcuse = "balance_below_debt_limit"
)

// Incident is a single detected inconsistency. Reconciliation never
// mutates data; incidents surface for operator action.
type Incident struct {
	TenantID      string `json:"tenant_id"`
	Kind          string `json:"kind"`
	Detail        string `json:"detail"`
	TransactionID string `json:"transaction_id,omitempty"`
	EventID       string `json:"event_id,omitempty"`
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	TenantsChecked      int        `json:"tenants_checked"`
	TransactionsScanned int        `json:"transactions_scanned"`
	Incidents           []Incident `json:"incidents"`
	GeneratedAt         time.Time  `json:"generated_at"`
}

// Clean reports whether no incidents were found.
func (r *Report) Clean() bool {
	return len(r.Incidents) == 0
}

// Reconciler replays transaction history against live balances and checks
// the processed-event table for work that claimed but never settled.
type Reconciler struct {
	db       *sql.DB
	logger   logging.Logger
	currency string

	// ClaimGrace is how long a claimed event may stay unsettled before it
	// counts as abandoned. Covers normal settle latency plus restarts.
	ClaimGrace time.Duration

	// DriftCounter, when set, is incremented per incident kind.
	DriftCounter *prometheus.CounterVec

	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewReconciler(db *sql.DB, logger logging.Logger, currency string, interval time.Duration) *Reconciler {
	return &Reconciler{
		db:         db,
		logger:     logger,
		currency:   currency,
		ClaimGrace: 10 * time.Minute,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start runs periodic reconciliation of all tenants until Stop is called.
func (r *Reconciler) Start() {
	if r.interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				report, err := r.ReconcileAll(ctx)
				cancel()
				if err != nil {
					r.logger.WithError(err).Error("Reconciliation pass failed")
					continue
				}
				if !report.Clean() {
					r.logger.WithFields(logging.Fields{
						"incidents": len(report.Incidents),
						"tenants":   report.TenantsChecked,
					}).Warn("Reconciliation found inconsistencies")
				}
			}
		}
	}()
}

// Stop terminates the periodic loop and waits for it to exit.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// ReconcileAll audits every tenant wallet.
func (r *Reconciler) ReconcileAll(ctx context.Context) (*Report, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id FROM bursar.wallets WHERE currency = $1 ORDER BY tenant_id`,
		r.currency)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report := &Report{GeneratedAt: time.Now()}
	for _, tenant := range tenants {
		tr, err := r.ReconcileTenant(ctx, tenant)
		if err != nil {
			return nil, fmt.Errorf("failed to reconcile tenant %s: %w", tenant, err)
		}
		report.TenantsChecked++
		report.TransactionsScanned += tr.TransactionsScanned
		report.Incidents = append(report.Incidents, tr.Incidents...)
	}
	return report, nil
}

// ReconcileTenant audits a single tenant: the balance_before/after chain
// must be contiguous from zero, the live balance must equal the replayed
// terminal balance, and every settled event must have a ledger row.
func (r *Reconciler) ReconcileTenant(ctx context.Context, tenantID string) (*Report, error) {
	report := &Report{TenantsChecked: 1, GeneratedAt: time.Now()}

	var balance, debtLimit int64
	err := r.db.QueryRowContext(ctx, `
		SELECT balance_cents, debt_limit_cents FROM bursar.wallets
		WHERE tenant_id = $1 AND currency = $2`,
		tenantID, r.currency).Scan(&balance, &debtLimit)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, direction, amount_cents, balance_before_cents, balance_after_cents
		FROM bursar.wallet_transactions
		WHERE tenant_id = $1
		ORDER BY created_at ASC, id ASC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var (
		prevAfter int64
		first     = true
		terminal  int64
	)
	for rows.Next() {
		var (
			id        string
			direction string
			amount    int64
			before    int64
			after     int64
		)
		if err := rows.Scan(&id, &direction, &amount, &before, &after); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		report.TransactionsScanned++

		if first {
			if before != 0 {
				r.addIncident(report, Incident{
					TenantID:      tenantID,
					Kind:          IncidentNonZeroOrigin,
					Detail:        fmt.Sprintf("first transaction starts at %d, expected 0", before),
					TransactionID: id,
				})
			}
			first = false
		} else if before != prevAfter {
			r.addIncident(report, Incident{
				TenantID:      tenantID,
				Kind:          IncidentChainBreak,
				Detail:        fmt.Sprintf("balance_before %d does not match previous balance_after %d", before, prevAfter),
				TransactionID: id,
			})
		}

		expected := before + amount
		if direction == DirectionDebit {
			expected = before - amount
		}
		if after != expected {
			r.addIncident(report, Incident{
				TenantID:      tenantID,
				Kind:          IncidentAmountMismatch,
				Detail:        fmt.Sprintf("balance_after %d, expected %d for %s of %d", after, expected, direction, amount),
				TransactionID: id,
			})
		}

		prevAfter = after
		terminal = after
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if terminal != balance {
		r.addIncident(report, Incident{
			TenantID: tenantID,
			Kind:     IncidentBalanceDrift,
			Detail:   fmt.Sprintf("replayed balance %d, stored balance %d", terminal, balance),
		})
	}
	if balance < -debtLimit {
		r.addIncident(report, Incident{
			TenantID: tenantID,
			Kind:     IncidentNegativeNoExcuse,
			Detail:   fmt.Sprintf("balance %d is below debt limit %d", balance, -debtLimit),
		})
	}

	if err := r.checkDuplicateSourceEvents(ctx, tenantID, report); err != nil {
		return nil, err
	}
	if err := r.checkProcessedEvents(ctx, tenantID, report); err != nil {
		return nil, err
	}
	return report, nil
}

// checkDuplicateSourceEvents verifies the one-row-per-event invariant
// independently of the unique index that enforces it.
func (r *Reconciler) checkDuplicateSourceEvents(ctx context.Context, tenantID string, report *Report) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source_event_id, COUNT(*)
		FROM bursar.wallet_transactions
		WHERE tenant_id = $1 AND source_event_id IS NOT NULL
		GROUP BY source_event_id
		HAVING COUNT(*) > 1`,
		tenantID)
	if err != nil {
		return fmt.Errorf("failed to check duplicate source events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventID string
		var count int
		if err := rows.Scan(&eventID, &count); err != nil {
			return fmt.Errorf("failed to scan duplicate check: %w", err)
		}
		r.addIncident(report, Incident{
			TenantID: tenantID,
			Kind:     IncidentDuplicateSource,
			Detail:   fmt.Sprintf("source event recorded %d times", count),
			EventID:  eventID,
		})
	}
	return rows.Err()
}

// checkProcessedEvents flags settled events with no ledger row and claims
// older than ClaimGrace that never reached a terminal outcome.
func (r *Reconciler) checkProcessedEvents(ctx context.Context, tenantID string, report *Report) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT pe.event_id, pe.outcome, pe.processed_at
		FROM bursar.processed_events pe
		LEFT JOIN bursar.wallet_transactions wt
			ON wt.source_event_id = pe.event_id AND wt.tenant_id = pe.tenant_id
		WHERE pe.tenant_id = $1
		  AND wt.id IS NULL
		  AND pe.outcome IN ('claimed', 'settled')`,
		tenantID)
	if err != nil {
		return fmt.Errorf("failed to check processed events: %w", err)
	}
	defer rows.Close()

	cutoff := time.Now().Add(-r.ClaimGrace)
	for rows.Next() {
		var eventID, outcome string
		var processedAt time.Time
		if err := rows.Scan(&eventID, &outcome, &processedAt); err != nil {
			return fmt.Errorf("failed to scan processed event: %w", err)
		}
		switch outcome {
		case "settled":
			r.addIncident(report, Incident{
				TenantID: tenantID,
				Kind:     IncidentSettledNoLedger,
				Detail:   "event marked settled but no ledger transaction exists",
				EventID:  eventID,
			})
		case "claimed":
			if processedAt.Before(cutoff) {
				r.addIncident(report, Incident{
					TenantID: tenantID,
					Kind:     IncidentStaleClaim,
					Detail:   fmt.Sprintf("event claimed at %s but never settled", processedAt.Format(time.RFC3339)),
					EventID:  eventID,
				})
			}
		}
	}
	return rows.Err()
}

func (r *Reconciler) addIncident(report *Report, inc Incident) {
	report.Incidents = append(report.Incidents, inc)
	if r.DriftCounter != nil {
		r.DriftCounter.WithLabelValues(inc.Kind).Inc()
	}
	r.logger.WithFields(logging.Fields{
		"tenant_id":      inc.TenantID,
		"kind":           inc.Kind,
		"detail":         inc.Detail,
		"transaction_id": inc.TransactionID,
		"event_id":       inc.EventID,
	}).Warn("Ledger inconsistency detected")
}
