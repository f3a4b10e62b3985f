package recharge

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"bursar/internal/ledger"
	"bursar/internal/payments"
	"bursar/pkg/logging"
)

type fakeCharger struct {
	charge *payments.Charge
	err    error
	calls  []payments.ChargeRequest
}

func (f *fakeCharger) Charge(ctx context.Context, req payments.ChargeRequest) (*payments.Charge, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.charge, nil
}

type fakeNotifier struct {
	failures []string
}

func (f *fakeNotifier) NotifyRechargeFailed(ctx context.Context, tenantID string, amountCents int64, reason string) {
	f.failures = append(f.failures, tenantID)
}

func newTestOrchestrator(t *testing.T, charger Charger, notifier Notifier) (*Orchestrator, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	logger := logging.NewLogger()
	o := NewOrchestrator(db, ledger.NewLedger(db, logger), charger, nil, notifier, logger, time.Minute)
	return o, mock, func() { db.Close() }
}

func expectWallet(mock sqlmock.Sqlmock, balance, threshold int64, autoRecharge bool, ref interface{}) {
	mock.ExpectQuery(regexp.QuoteMeta("FROM bursar.wallets")).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "currency", "balance_cents", "debt_limit_cents",
			"low_balance_threshold_cents", "auto_recharge_enabled", "auto_recharge_amount_cents",
			"payment_method_ref", "per_minute_rate_cents", "number_fee_cents",
			"is_active", "created_at", "updated_at",
		}).AddRow("wallet-1", "tenant-1", "USD", balance, int64(0), threshold,
			autoRecharge, int64(5000), ref, nil, nil, true, time.Now(), time.Now()))
}

func testJob(attempts int) *Job {
	return &Job{
		ID:               "job-1",
		TenantID:         "tenant-1",
		AmountCents:      5000,
		Attempts:         attempts,
		IdempotencyToken: "token-1",
	}
}

func TestProcessJobChargesAndCredits(t *testing.T) {
	charger := &fakeCharger{charge: &payments.Charge{ProcessorRef: "pi_123"}}
	o, mock, closeFn := newTestOrchestrator(t, charger, nil)
	defer closeFn()

	expectWallet(mock, 100, 500, true, "stripe:cus_1:pm_1")
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance_cents", "debt_limit_cents", "is_active"}).
			AddRow("wallet-1", int64(100), int64(0), true))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bursar.wallet_transactions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bursar.wallets")).
		WithArgs(int64(5100), "wallet-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'succeeded'")).
		WithArgs("job-1", "pi_123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := o.processJob(context.Background(), testJob(1)); err != nil {
		t.Fatalf("processJob failed: %v", err)
	}
	if len(charger.calls) != 1 {
		t.Fatalf("expected one charge call, got %d", len(charger.calls))
	}
	req := charger.calls[0]
	if req.IdempotencyToken != "token-1" {
		t.Fatalf("charge must reuse the job idempotency token, got %q", req.IdempotencyToken)
	}
	if req.PaymentMethodRef != "stripe:cus_1:pm_1" {
		t.Fatalf("unexpected payment ref %q", req.PaymentMethodRef)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcessJobDeclineIsTerminal(t *testing.T) {
	charger := &fakeCharger{err: &payments.DeclinedError{Processor: "stripe", Reason: "card_declined"}}
	notifier := &fakeNotifier{}
	o, mock, closeFn := newTestOrchestrator(t, charger, notifier)
	defer closeFn()

	expectWallet(mock, 100, 500, true, "stripe:cus_1:pm_1")
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed'")).
		WithArgs("job-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := o.processJob(context.Background(), testJob(1)); err != nil {
		t.Fatalf("processJob failed: %v", err)
	}
	if len(notifier.failures) != 1 {
		t.Fatal("tenant should be notified of the decline")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("declined job must not retry or credit: %v", err)
	}
}

func TestProcessJobTransientErrorRequeues(t *testing.T) {
	charger := &fakeCharger{err: errors.New("connection reset")}
	o, mock, closeFn := newTestOrchestrator(t, charger, nil)
	defer closeFn()

	expectWallet(mock, 100, 500, true, "stripe:cus_1:pm_1")
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'pending'")).
		WithArgs("job-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := o.processJob(context.Background(), testJob(1)); err != nil {
		t.Fatalf("processJob failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcessJobTransientErrorExhaustsRetries(t *testing.T) {
	charger := &fakeCharger{err: errors.New("connection reset")}
	notifier := &fakeNotifier{}
	o, mock, closeFn := newTestOrchestrator(t, charger, notifier)
	defer closeFn()

	expectWallet(mock, 100, 500, true, "stripe:cus_1:pm_1")
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed'")).
		WithArgs("job-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Attempt count equals MaxAttempts, so the failure is final.
	if err := o.processJob(context.Background(), testJob(o.policy.MaxAttempts)); err != nil {
		t.Fatalf("processJob failed: %v", err)
	}
	if len(notifier.failures) != 1 {
		t.Fatal("tenant should be notified when retries are exhausted")
	}
}

func TestProcessJobCancelsWhenBalanceRecovered(t *testing.T) {
	charger := &fakeCharger{charge: &payments.Charge{ProcessorRef: "pi_123"}}
	o, mock, closeFn := newTestOrchestrator(t, charger, nil)
	defer closeFn()

	expectWallet(mock, 10000, 500, true, "stripe:cus_1:pm_1")
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed'")).
		WithArgs("job-1", "balance recovered").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := o.processJob(context.Background(), testJob(1)); err != nil {
		t.Fatalf("processJob failed: %v", err)
	}
	if len(charger.calls) != 0 {
		t.Fatal("recovered balance must not be charged")
	}
}

func TestProcessJobCancelsWhenAutoRechargeDisabled(t *testing.T) {
	charger := &fakeCharger{}
	o, mock, closeFn := newTestOrchestrator(t, charger, nil)
	defer closeFn()

	expectWallet(mock, 100, 500, false, nil)
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed'")).
		WithArgs("job-1", "auto recharge disabled").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := o.processJob(context.Background(), testJob(1)); err != nil {
		t.Fatalf("processJob failed: %v", err)
	}
	if len(charger.calls) != 0 {
		t.Fatal("disabled auto recharge must not be charged")
	}
}

func TestClaimBatchScansJobs(t *testing.T) {
	o, mock, closeFn := newTestOrchestrator(t, &fakeCharger{}, nil)
	defer closeFn()

	mock.ExpectQuery(regexp.QuoteMeta("RETURNING id, tenant_id, amount_cents, attempts, idempotency_token")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "amount_cents", "attempts", "idempotency_token"}).
			AddRow("job-1", "tenant-1", int64(5000), 1, "token-1").
			AddRow("job-2", "tenant-2", int64(2500), 2, "token-2"))

	jobs, err := o.claimBatch(context.Background())
	if err != nil {
		t.Fatalf("claimBatch failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[1].Attempts != 2 || jobs[1].AmountCents != 2500 {
		t.Fatalf("unexpected job: %+v", jobs[1])
	}
}
