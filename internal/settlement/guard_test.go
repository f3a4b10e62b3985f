package settlement

import (
	"context"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"bursar/pkg/logging"
)

func newTestGuard(t *testing.T) (*Guard, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return NewGuard(db, logging.NewLogger()), mock, func() { db.Close() }
}

func TestClaimWinsOnFirstDelivery(t *testing.T) {
	g, mock, closeFn := newTestGuard(t)
	defer closeFn()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bursar.processed_events")).
		WithArgs("evt-1", EventCallCompleted, "tenant-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := g.Claim(context.Background(), &Event{
		EventID: "evt-1", EventType: EventCallCompleted, TenantID: "tenant-1",
	})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !claimed {
		t.Fatal("first delivery should win the claim")
	}
}

func TestClaimLosesOnRedelivery(t *testing.T) {
	g, mock, closeFn := newTestGuard(t)
	defer closeFn()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bursar.processed_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := g.Claim(context.Background(), &Event{
		EventID: "evt-1", EventType: EventCallCompleted, TenantID: "tenant-1",
	})
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed {
		t.Fatal("redelivery must not win the claim")
	}
}

func TestFinalizeTransitionsExactlyOnce(t *testing.T) {
	g, mock, closeFn := newTestGuard(t)
	defer closeFn()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE bursar.processed_events")).
		WithArgs("evt-1", OutcomeSettled).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bursar.processed_events")).
		WithArgs("evt-1", OutcomeRejected).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := g.Finalize(context.Background(), "evt-1", OutcomeSettled); err != nil {
		t.Fatalf("first finalize should succeed: %v", err)
	}
	if err := g.Finalize(context.Background(), "evt-1", OutcomeRejected); err == nil {
		t.Fatal("finalizing a terminal event must fail")
	}
}
