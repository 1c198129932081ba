package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, h http.HandlerFunc) *HTTPTransport {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &HTTPTransport{BaseURL: srv.URL, SecretKey: "test_sk", HTTPClient: srv.Client()}
}

func TestHTTPTransport_Confirm(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/confirm", r.URL.Path)
		assert.Equal(t, "tok-1", r.Header.Get("Idempotency-Key"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "test_sk", user)
		assert.Empty(t, pass)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "pk_1", body["paymentKey"])
		assert.Equal(t, "250513-AB12C-00007", body["orderId"])
		assert.EqualValues(t, 43200, body["amount"])

		_, _ = w.Write([]byte(`{
			"status": "DONE",
			"paymentKey": "pk_1",
			"orderId": "250513-AB12C-00007",
			"method": "CARD",
			"totalAmount": 43200,
			"approvedAt": "2025-05-13T18:59:04+09:00",
			"receipt": {"url": "https://receipt.example/pk_1"}
		}`))
	})

	res, err := tr.Confirm(context.Background(), ConfirmRequest{PaymentKey: "pk_1", OrderID: "250513-AB12C-00007", Amount: 43200, IdempotencyKey: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, "pk_1", res.PaymentKey)
	assert.Equal(t, int64(43200), res.TotalAmount)
	assert.Equal(t, "CARD", res.Method)
	assert.Equal(t, "https://receipt.example/pk_1", res.ReceiptURL)
	require.NotNil(t, res.ApprovedAt)
	want := time.Date(2025, 5, 13, 9, 59, 4, 0, time.UTC)
	assert.True(t, want.Equal(*res.ApprovedAt))
}

func TestHTTPTransport_ChargeUsesBillingKeyPathAndCompositeKey(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/billing/bk_9", r.URL.Path)
		assert.Equal(t, "o-9:ck-9", r.Header.Get("Idempotency-Key"))
		_, _ = w.Write([]byte(`{"status":"DONE","paymentKey":"pk_9","orderId":"o-9","totalAmount":9900}`))
	})

	res, err := tr.Charge(context.Background(), ChargeRequest{BillingKey: "bk_9", CustomerKey: "ck-9", OrderID: "o-9", Amount: 9900})
	require.NoError(t, err)
	assert.Equal(t, "pk_9", res.PaymentKey)
	assert.Nil(t, res.ApprovedAt)
}

func TestHTTPTransport_IssueBillingKey(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/billing/authorizations/issue", r.URL.Path)
		assert.Equal(t, "ck-1", r.Header.Get("Idempotency-Key"))
		_, _ = w.Write([]byte(`{"billingKey":"bk_1","method":"CARD"}`))
	})

	bk, err := tr.IssueBillingKey(context.Background(), IssueRequest{CustomerKey: "ck-1", AuthKey: "auth"})
	require.NoError(t, err)
	assert.Equal(t, "bk_1", bk.BillingKey)
	assert.Equal(t, "ck-1", bk.CustomerKey)
}

func TestHTTPTransport_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind Kind
		wantCode string
	}{
		{name: "decline", status: 400, body: `{"code":"REJECT_CARD_COMPANY","message":"declined"}`, wantKind: KindNonRetryable, wantCode: "REJECT_CARD_COMPANY"},
		{name: "nested failure", status: 403, body: `{"failure":{"code":"FORBIDDEN","message":"no"}}`, wantKind: KindNonRetryable, wantCode: "FORBIDDEN"},
		{name: "server error", status: 502, body: `bad gateway`, wantKind: KindRetryable},
		{name: "rate limited", status: 429, body: `{}`, wantKind: KindRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := tr.Confirm(context.Background(), ConfirmRequest{OrderID: "o"})
			var ge *Error
			require.True(t, errors.As(err, &ge))
			assert.Equal(t, tt.wantKind, ge.Kind)
			assert.Equal(t, tt.status, ge.StatusCode)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, ge.Code)
			}
		})
	}
}

func TestHTTPTransport_RawErrorBodyKeepsValidUTF8(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("일시적인 오류", 40)))
	})

	_, err := tr.Confirm(context.Background(), ConfirmRequest{OrderID: "o"})
	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.LessOrEqual(t, len(ge.Message), 256)
	assert.True(t, utf8.ValidString(ge.Message))
}

func TestHTTPTransport_NonDoneStatusIsNonRetryable(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ABORTED","paymentKey":"pk"}`))
	})

	_, err := tr.Confirm(context.Background(), ConfirmRequest{OrderID: "o"})
	assert.True(t, IsNonRetryable(err))
	var ge *Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, CodeUnexpectedStatus, ge.Code)
}

func TestHTTPTransport_TimeoutIsRetryable(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	})
	tr.HTTPClient.Timeout = 5 * time.Millisecond

	_, err := tr.Confirm(context.Background(), ConfirmRequest{OrderID: "o"})
	assert.True(t, IsRetryable(err))
}
