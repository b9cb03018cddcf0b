package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"giftpocket/internal/config"
	"giftpocket/internal/model"
	"giftpocket/internal/notify"
	"giftpocket/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "whsec_test"

type mockReconciler struct{ mock.Mock }

func (m *mockReconciler) Reconcile(ctx context.Context, reference, source string) (*service.Outcome, error) {
	args := m.Called(ctx, reference, source)
	out, _ := args.Get(0).(*service.Outcome)
	return out, args.Error(1)
}

type mockWebhooks struct{ mock.Mock }

func (m *mockWebhooks) Handle(ctx context.Context, body []byte) (*service.WebhookResult, error) {
	args := m.Called(ctx, body)
	out, _ := args.Get(0).(*service.WebhookResult)
	return out, args.Error(1)
}

type mockPayments struct{ mock.Mock }

func (m *mockPayments) Initiate(ctx context.Context, req *service.InitiateRequest) (*model.Transaction, error) {
	args := m.Called(ctx, req)
	txn, _ := args.Get(0).(*model.Transaction)
	return txn, args.Error(1)
}

func (m *mockPayments) Wallet(ctx context.Context, userID int64) (*model.Wallet, error) {
	args := m.Called(ctx, userID)
	w, _ := args.Get(0).(*model.Wallet)
	return w, args.Error(1)
}

func (m *mockPayments) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	args := m.Called(ctx, userID, page, pageSize)
	list, _ := args.Get(0).([]*model.Transaction)
	return list, args.Get(1).(int64), args.Error(2)
}

type mockAlerter struct{ mock.Mock }

func (m *mockAlerter) Alert(a notify.Alert) { m.Called(a) }

type fixture struct {
	reconciler *mockReconciler
	webhooks   *mockWebhooks
	payments   *mockPayments
	alerter    *mockAlerter
	router     *gin.Engine
}

func newFixture() *fixture {
	f := &fixture{
		reconciler: new(mockReconciler),
		webhooks:   new(mockWebhooks),
		payments:   new(mockPayments),
		alerter:    new(mockAlerter),
	}
	h := NewHandler(f.reconciler, f.webhooks, f.payments, f.alerter,
		config.WebhookConfig{Secret: testSecret, SignatureHeader: "X-Webhook-Signature"}, zap.NewNop())
	f.router = SetupRouter(h, zap.NewNop(), gin.TestMode)
	return f
}

func (f *fixture) do(method, path string, body []byte, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var decoded map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	return w, decoded
}

func balance(v int64) *int64 { return &v }

func TestVerifyPayment_StatusMapping(t *testing.T) {
	txn := &model.Transaction{ID: 9, Reference: "TXN1234567", Amount: 5000, Status: model.TransactionStatusCompleted}

	tests := []struct {
		name    string
		outcome *service.Outcome
		err     error
		status  int
		success bool
		code    string
	}{
		{"created", &service.Outcome{Code: service.CodeVerifiedCreated, Reference: "TXN1234567", Transaction: txn, Balance: balance(5000)}, nil, http.StatusOK, true, "VERIFIED_CREATED"},
		{"success", &service.Outcome{Code: service.CodeVerifiedSuccess, Reference: "TXN1234567", Transaction: txn, Balance: balance(5000)}, nil, http.StatusOK, true, "VERIFIED_SUCCESS"},
		{"already", &service.Outcome{Code: service.CodeAlreadyProcessed, Reference: "TXN1234567", Transaction: txn}, nil, http.StatusOK, true, "ALREADY_PROCESSED"},
		{"failed", &service.Outcome{Code: service.CodeVerificationFailed, Reference: "TXN1234567", Error: "provider returned HTTP 504"}, nil, http.StatusOK, false, "VERIFICATION_FAILED"},
		{"invalid", &service.Outcome{Code: service.CodeInvalidReference, Reference: "TXN1234567"}, nil, http.StatusBadRequest, false, "INVALID_REFERENCE"},
		{"not found", &service.Outcome{Code: service.CodeTransactionNotFound, Reference: "TXN1234567"}, nil, http.StatusNotFound, false, "TRANSACTION_NOT_FOUND"},
		{"internal", &service.Outcome{Code: service.CodeInternalError}, errors.New("connection refused"), http.StatusInternalServerError, false, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.reconciler.On("Reconcile", mock.Anything, "TXN1234567", service.SourcePoll).Return(tt.outcome, tt.err).Once()

			w, body := f.do(http.MethodGet, "/payment/verify/TXN1234567", nil, nil)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.success, body["success"])
			assert.Equal(t, tt.code, body["code"])
			assert.NotContains(t, w.Body.String(), "connection refused")
			f.reconciler.AssertExpectations(t)
		})
	}
}

func TestVerifyPayment_SuccessBody(t *testing.T) {
	f := newFixture()
	txn := &model.Transaction{ID: 9, Reference: "TXN1234567", Amount: 5000, Status: model.TransactionStatusCompleted}
	f.reconciler.On("Reconcile", mock.Anything, "TXN1234567", service.SourcePoll).
		Return(&service.Outcome{Code: service.CodeVerifiedSuccess, Reference: "TXN1234567", Transaction: txn, Balance: balance(7000), AmountMismatch: true}, nil)

	w, body := f.do(http.MethodPost, "/payment/verify", []byte(`{"reference":"TXN1234567"}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(7000), body["balance"])
	assert.Equal(t, true, body["amount_mismatch"])
	transaction, ok := body["transaction"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(9), transaction["id"])
	assert.Equal(t, float64(5000), transaction["amount"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestVerifyPaymentBody_MissingReference(t *testing.T) {
	f := newFixture()

	w, body := f.do(http.MethodPost, "/payment/verify", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_REFERENCE", body["code"])
	f.reconciler.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything, mock.Anything)
}

func TestPaymentWebhook_RejectsBadSignature(t *testing.T) {
	f := newFixture()
	payload := []byte(`{"event":"charge.completed","data":{"tx_ref":"TXN1234567","amount":50,"status":"successful"}}`)

	for _, sig := range []string{"", "deadbeef", service.Sign("wrong-secret", payload)} {
		w, body := f.do(http.MethodPost, "/webhooks/payments", payload, map[string]string{"X-Webhook-Signature": sig})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "error", body["status"])
	}
	f.webhooks.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
}

func TestPaymentWebhook_Results(t *testing.T) {
	payload := []byte(`{"event":"charge.completed","data":{"tx_ref":"TXN1234567"}}`)
	headers := map[string]string{"X-Webhook-Signature": service.Sign(testSecret, payload)}

	t.Run("processed", func(t *testing.T) {
		f := newFixture()
		f.webhooks.On("Handle", mock.Anything, payload).
			Return(&service.WebhookResult{Status: service.WebhookStatusSuccess, TransactionID: 41}, nil)

		w, body := f.do(http.MethodPost, "/webhooks/payments", payload, headers)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "success", body["status"])
		assert.Equal(t, float64(41), body["transactionId"])
	})

	t.Run("partial", func(t *testing.T) {
		f := newFixture()
		f.webhooks.On("Handle", mock.Anything, payload).
			Return(&service.WebhookResult{Status: service.WebhookStatusPartial, Details: `event type "transfer.completed" is not handled`}, nil)

		w, body := f.do(http.MethodPost, "/webhooks/payments", payload, headers)
		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "partial", body["status"])
		assert.Contains(t, body["details"], "not handled")
	})

	t.Run("internal error alerts", func(t *testing.T) {
		f := newFixture()
		f.webhooks.On("Handle", mock.Anything, payload).Return(nil, errors.New("database is locked"))
		f.alerter.On("Alert", mock.MatchedBy(func(a notify.Alert) bool {
			return a.Source == "webhook" && a.Error == "database is locked"
		})).Once()

		w, body := f.do(http.MethodPost, "/webhooks/payments", payload, headers)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "error", body["status"])
		assert.NotContains(t, w.Body.String(), "database is locked")
		f.alerter.AssertExpectations(t)
	})
}

func TestInitiatePayment(t *testing.T) {
	f := newFixture()
	f.payments.On("Initiate", mock.Anything, mock.MatchedBy(func(r *service.InitiateRequest) bool {
		return r.UserID == 7 && r.Amount == 2000 && r.PaymentMethod == "card"
	})).Return(&model.Transaction{ID: 3, Reference: "GP20240115143052_42", Status: model.TransactionStatusPending}, nil)
	f.payments.On("Initiate", mock.Anything, mock.MatchedBy(func(r *service.InitiateRequest) bool {
		return r.UserID == 8
	})).Return(nil, service.ErrUnknownUser)

	w, body := f.do(http.MethodPost, "/payment/initiate", []byte(`{"user_id":7,"amount":2000,"payment_method":"card"}`), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PAYMENT_INITIATED", body["code"])
	assert.Equal(t, "GP20240115143052_42", body["reference"])

	w, body = f.do(http.MethodPost, "/payment/initiate", []byte(`{"user_id":8,"amount":2000}`), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", body["code"])

	w, _ = f.do(http.MethodPost, "/payment/initiate", []byte(`{"user_id":7,"amount":-5}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetWalletBalance(t *testing.T) {
	f := newFixture()
	f.payments.On("Wallet", mock.Anything, int64(7)).Return(&model.Wallet{
		UserID:       7,
		Balance:      5000,
		Currency:     "NGN",
		RecentTopups: []model.TopUp{{TransactionID: 1, Reference: "TXN1234567", Amount: 5000}},
	}, nil)

	w, body := f.do(http.MethodGet, "/wallet/balance?user_id=7", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	wallet := body["wallet"].(map[string]interface{})
	assert.Equal(t, float64(5000), wallet["balance"])
	assert.Len(t, wallet["recent_topups"], 1)

	w, _ = f.do(http.MethodGet, "/wallet/balance?user_id=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTransactions(t *testing.T) {
	f := newFixture()
	f.payments.On("ListTransactions", mock.Anything, int64(7), 2, 5).
		Return([]*model.Transaction{{ID: 1}}, int64(6), nil)

	w, body := f.do(http.MethodGet, "/payment/transactions?user_id=7&page=2&page_size=5", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(6), body["total"])
	assert.Len(t, body["list"], 1)
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RecoveryMiddleware(zap.NewNop()))
	r.GET("/boom", func(c *gin.Context) { panic("nil map write") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"success":false,"code":"INTERNAL_ERROR","error":"internal error"}`, w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture()

	w, body := f.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	w, _ = f.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
