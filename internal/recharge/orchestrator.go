// Package recharge drains the recharge job queue: charge the tenant's
// stored payment method, then credit the wallet. Jobs survive restarts in
// Postgres; workers claim them with SKIP LOCKED so multiple instances can
// run side by side.
package recharge

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"bursar/internal/ledger"
	"bursar/internal/payments"
	"bursar/internal/settlement"
	"bursar/pkg/logging"
)

// Charger executes charges; satisfied by *payments.Router.
type Charger interface {
	Charge(ctx context.Context, req payments.ChargeRequest) (*payments.Charge, error)
}

// Notifier delivers recharge failure notices to tenants.
type Notifier interface {
	NotifyRechargeFailed(ctx context.Context, tenantID string, amountCents int64, reason string)
}

// Job is one queued wallet recharge.
type Job struct {
	ID               string
	TenantID         string
	AmountCents      int64
	Attempts         int
	IdempotencyToken string
}

// Orchestrator runs the recharge worker loop.
type Orchestrator struct {
	db       *sql.DB
	ledger   *ledger.Ledger
	charger  Charger
	cache    *settlement.StatusCache
	notifier Notifier
	logger   logging.Logger

	policy    RetryPolicy
	interval  time.Duration
	batchSize int

	// StaleAfter bounds how long an in_flight job may sit before a crash
	// is assumed and the job returns to pending. The processor-side
	// idempotency key makes the replayed charge safe.
	StaleAfter time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewOrchestrator(db *sql.DB, l *ledger.Ledger, charger Charger, cache *settlement.StatusCache, notifier Notifier, logger logging.Logger, interval time.Duration) *Orchestrator {
	return &Orchestrator{
		db:         db,
		ledger:     l,
		charger:    charger,
		cache:      cache,
		notifier:   notifier,
		logger:     logger,
		policy:     PolicyFromEnv(),
		interval:   interval,
		batchSize:  20,
		StaleAfter: 15 * time.Minute,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the worker loop.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), o.interval)
				o.RunOnce(ctx)
				cancel()
			}
		}
	}()
}

// Stop halts the loop and waits for the current pass to finish.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
}

// RunOnce requeues stale work and processes one batch of pending jobs.
func (o *Orchestrator) RunOnce(ctx context.Context) {
	if err := o.requeueStale(ctx); err != nil {
		o.logger.WithError(err).Error("Failed to requeue stale recharge jobs")
	}

	jobs, err := o.claimBatch(ctx)
	if err != nil {
		o.logger.WithError(err).Error("Failed to claim recharge jobs")
		return
	}
	for _, job := range jobs {
		if err := o.processJob(ctx, job); err != nil {
			o.logger.WithError(err).WithFields(logging.Fields{
				"job_id":    job.ID,
				"tenant_id": job.TenantID,
			}).Error("Recharge job processing failed")
		}
	}
}

// requeueStale returns crashed in_flight jobs to the queue.
func (o *Orchestrator) requeueStale(ctx context.Context) error {
	result, err := o.db.ExecContext(ctx, `
		UPDATE bursar.recharge_jobs
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'in_flight'
		  AND updated_at < NOW() - make_interval(secs => $1)`,
		o.StaleAfter.Seconds())
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		o.logger.WithField("count", n).Warn("Requeued stale in-flight recharge jobs")
	}
	return nil
}

// claimBatch atomically moves due pending jobs to in_flight and returns
// them. Retry backoff grows linearly with the attempt count.
func (o *Orchestrator) claimBatch(ctx context.Context) ([]*Job, error) {
	rows, err := o.db.QueryContext(ctx, `
		UPDATE bursar.recharge_jobs
		SET status = 'in_flight', attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM bursar.recharge_jobs
			WHERE status = 'pending'
			  AND updated_at <= NOW() - make_interval(secs => $1 * attempts)
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, amount_cents, attempts, idempotency_token`,
		float64(o.policy.BackoffSeconds), o.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.ID, &job.TenantID, &job.AmountCents, &job.Attempts, &job.IdempotencyToken); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func (o *Orchestrator) processJob(ctx context.Context, job *Job) error {
	log := o.logger.WithFields(logging.Fields{
		"job_id":       job.ID,
		"tenant_id":    job.TenantID,
		"amount_cents": job.AmountCents,
		"attempt":      job.Attempts,
	})

	wallet, err := o.ledger.GetWallet(ctx, job.TenantID)
	if err != nil {
		return o.requeueOrFail(ctx, job, fmt.Sprintf("wallet lookup failed: %v", err))
	}
	if !wallet.AutoRechargeEnabled || wallet.PaymentMethodRef == nil || *wallet.PaymentMethodRef == "" {
		log.Info("Auto recharge no longer configured, cancelling job")
		return o.markFailed(ctx, job, "auto recharge disabled")
	}
	if wallet.BalanceCents > wallet.LowBalanceThresholdCents {
		// A manual top-up already recovered the balance.
		log.Info("Balance recovered before charge, cancelling job")
		return o.markFailed(ctx, job, "balance recovered")
	}

	charge, err := o.charger.Charge(ctx, payments.ChargeRequest{
		TenantID:         job.TenantID,
		AmountCents:      job.AmountCents,
		Currency:         o.ledger.Currency(),
		PaymentMethodRef: *wallet.PaymentMethodRef,
		IdempotencyToken: job.IdempotencyToken,
		Description:      "Wallet auto recharge",
	})
	if err != nil {
		if payments.IsDeclined(err) {
			log.WithError(err).Warn("Recharge charge declined")
			if o.notifier != nil {
				o.notifier.NotifyRechargeFailed(ctx, job.TenantID, job.AmountCents, err.Error())
			}
			return o.markFailed(ctx, job, err.Error())
		}
		log.WithError(err).Warn("Recharge charge failed, will retry")
		return o.requeueOrFail(ctx, job, err.Error())
	}

	// The job id doubles as the ledger dedup key, so a crash between
	// charge and credit replays into the same transaction row.
	txn, _, err := o.ledger.ApplyCredit(ctx, ledger.CreditParams{
		TenantID:      job.TenantID,
		AmountCents:   job.AmountCents,
		SourceEventID: "recharge:" + job.ID,
		Reason:        ledger.ReasonRecharge,
		Description:   fmt.Sprintf("Auto recharge (%s)", charge.ProcessorRef),
	})
	if err != nil {
		// The processor already took the money; keep the job live so the
		// credit retries rather than vanishes.
		return o.requeueOrFail(ctx, job, fmt.Sprintf("credit failed after charge %s: %v", charge.ProcessorRef, err))
	}

	if err := o.markSucceeded(ctx, job, charge.ProcessorRef); err != nil {
		return err
	}
	o.cache.Invalidate(ctx, job.TenantID)
	log.WithFields(logging.Fields{
		"processor_ref": charge.ProcessorRef,
		"balance_cents": txn.BalanceAfterCents,
	}).Info("Recharge completed")
	return nil
}

func (o *Orchestrator) markSucceeded(ctx context.Context, job *Job, processorRef string) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE bursar.recharge_jobs
		SET status = 'succeeded', processor_ref = $2, failure_reason = NULL,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		job.ID, processorRef)
	if err != nil {
		return fmt.Errorf("failed to mark job %s succeeded: %w", job.ID, err)
	}
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, job *Job, reason string) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE bursar.recharge_jobs
		SET status = 'failed', failure_reason = $2, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1`,
		job.ID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark job %s failed: %w", job.ID, err)
	}
	return nil
}

func (o *Orchestrator) requeueOrFail(ctx context.Context, job *Job, reason string) error {
	if o.policy.Exhausted(job.Attempts) {
		if o.notifier != nil {
			o.notifier.NotifyRechargeFailed(ctx, job.TenantID, job.AmountCents, reason)
		}
		return o.markFailed(ctx, job, reason)
	}
	_, err := o.db.ExecContext(ctx, `
		UPDATE bursar.recharge_jobs
		SET status = 'pending', failure_reason = $2, updated_at = NOW()
		WHERE id = $1`,
		job.ID, reason)
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", job.ID, err)
	}
	return nil
}
