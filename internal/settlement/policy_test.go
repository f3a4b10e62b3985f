package settlement

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"bursar/internal/ledger"
	"bursar/pkg/logging"
)

type recordingNotifier struct {
	lowBalance []string
}

func (r *recordingNotifier) NotifyLowBalance(ctx context.Context, tenantID string, balanceCents, thresholdCents int64) {
	r.lowBalance = append(r.lowBalance, tenantID)
}

func testWallet(autoRecharge bool, ref *string) *ledger.Wallet {
	return &ledger.Wallet{
		ID:                       "wallet-1",
		TenantID:                 "tenant-1",
		Currency:                 "USD",
		LowBalanceThresholdCents: 500,
		AutoRechargeEnabled:      autoRecharge,
		AutoRechargeAmountCents:  5000,
		PaymentMethodRef:         ref,
		IsActive:                 true,
	}
}

func TestEvaluateAtOrAboveThresholdDoesNothing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	notifier := &recordingNotifier{}
	p := NewPolicy(db, logging.NewLogger(), nil, notifier)

	// Exactly at the threshold counts as healthy; the policy fires only
	// strictly below it.
	for _, balance := range []int64{900, 500} {
		if err := p.Evaluate(context.Background(), testWallet(true, nil), balance); err != nil {
			t.Fatalf("Evaluate(%d) failed: %v", balance, err)
		}
	}
	if len(notifier.lowBalance) != 0 {
		t.Fatal("healthy balance must not notify")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("healthy balance must not touch the queue: %v", err)
	}
}

func TestEvaluateBelowThresholdWithoutAutoRechargeNotifies(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	notifier := &recordingNotifier{}
	p := NewPolicy(db, logging.NewLogger(), nil, notifier)

	if err := p.Evaluate(context.Background(), testWallet(false, nil), 400); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(notifier.lowBalance) != 1 {
		t.Fatal("expected a low balance notification")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no job should be enqueued without auto recharge: %v", err)
	}
}

func TestEvaluateBelowThresholdEnqueuesOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	p := NewPolicy(db, logging.NewLogger(), nil, nil)
	ref := "stripe:cus_1:pm_1"

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bursar.recharge_jobs")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// A live job already exists for the second evaluation.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bursar.recharge_jobs")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := p.Evaluate(context.Background(), testWallet(true, &ref), 400); err != nil {
		t.Fatalf("first Evaluate failed: %v", err)
	}
	if err := p.Evaluate(context.Background(), testWallet(true, &ref), 300); err != nil {
		t.Fatalf("second Evaluate failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
