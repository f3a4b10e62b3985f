package handlers

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
)

func eventRouter() *gin.Engine {
	router := gin.New()
	router.POST("/events/telephony", PostTelephonyEvent)
	return router
}

func postEvent(router *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/events/telephony", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestPostTelephonyEventSettles(t *testing.T) {
	mock, closeFn := setupHandlers(t)
	defer closeFn()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bursar.processed_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bursar.wallets")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM bursar.wallets")).
		WillReturnRows(walletRows(1000, 500))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance_cents", "debt_limit_cents", "is_active"}).
			AddRow("wallet-1", int64(1000), int64(0), true))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bursar.wallet_transactions")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bursar.wallets")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bursar.processed_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := postEvent(eventRouter(), `{
		"event_id": "evt-1",
		"event_type": "call.completed",
		"tenant_id": "tenant-1",
		"duration_seconds": 60,
		"call_id": "call-1"
	}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"status":"settled"`) {
		t.Fatalf("expected settled status: %s", w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostTelephonyEventDuplicate(t *testing.T) {
	mock, closeFn := setupHandlers(t)
	defer closeFn()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bursar.processed_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := postEvent(eventRouter(), `{
		"event_id": "evt-1",
		"event_type": "call.completed",
		"tenant_id": "tenant-1",
		"duration_seconds": 60
	}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"status":"duplicate"`) {
		t.Fatalf("expected duplicate status: %s", w.Body.String())
	}
}

func TestPostTelephonyEventMalformed(t *testing.T) {
	_, closeFn := setupHandlers(t)
	defer closeFn()

	w := postEvent(eventRouter(), `{"event_type": "call.completed", "tenant_id": "tenant-1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPostTelephonyEventInsufficientFunds(t *testing.T) {
	mock, closeFn := setupHandlers(t)
	defer closeFn()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bursar.processed_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bursar.wallets")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM bursar.wallets")).
		WillReturnRows(walletRows(5, 500))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance_cents", "debt_limit_cents", "is_active"}).
			AddRow("wallet-1", int64(5), int64(0), true))
	mock.ExpectRollback()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bursar.processed_events")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := postEvent(eventRouter(), `{
		"event_id": "evt-1",
		"event_type": "call.completed",
		"tenant_id": "tenant-1",
		"duration_seconds": 60
	}`)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateWalletRequiresTenantID(t *testing.T) {
	_, closeFn := setupHandlers(t)
	defer closeFn()

	router := gin.New()
	router.POST("/wallets", CreateWallet)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/wallets", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestReconcileTenantReportsClean(t *testing.T) {
	mock, closeFn := setupHandlers(t)
	defer closeFn()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance_cents, debt_limit_cents FROM bursar.wallets")).
		WillReturnRows(sqlmock.NewRows([]string{"balance_cents", "debt_limit_cents"}).AddRow(int64(0), int64(0)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, direction, amount_cents")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "direction", "amount_cents", "balance_before_cents", "balance_after_cents"}))
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY source_event_id")).
		WillReturnRows(sqlmock.NewRows([]string{"source_event_id", "count"}))
	mock.ExpectQuery(regexp.QuoteMeta("FROM bursar.processed_events pe")).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "outcome", "processed_at"}))

	router := gin.New()
	router.POST("/reconcile/:tenant_id", ReconcileTenant)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/reconcile/tenant-1", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"clean":true`) {
		t.Fatalf("expected clean report: %s", w.Body.String())
	}
}
