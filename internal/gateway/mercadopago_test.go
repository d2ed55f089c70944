package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"payment-service/internal/models"
	"payment-service/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMercadoPago(t *testing.T, handler http.HandlerFunc) *MercadoPago {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	mp, err := NewMercadoPago(MercadoPagoConfig{
		AccessToken:   "TEST-token",
		WebhookSecret: "mp-secret",
		BaseURL:       srv.URL,
		AppBaseURL:    "https://shop.example",
	}, zap.NewNop())
	require.NoError(t, err)
	return mp
}

func TestMercadoPagoCreatePayment(t *testing.T) {
	var got map[string]any
	mp := newTestMercadoPago(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/checkout/preferences", r.URL.Path)
		assert.Equal(t, "Bearer TEST-token", r.Header.Get("Authorization"))
		assert.Equal(t, "tx-1", r.Header.Get("X-Idempotency-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{"id":"pref-1","init_point":"https://mp.example/checkout/pref-1"}`))
	})

	intent, err := mp.CreatePayment(context.Background(), ports.PaymentRequest{
		OrderID:        "order-1",
		AmountCents:    10900,
		Currency:       "COP",
		IdempotencyKey: "tx-1",
		Buyer:          ports.Buyer{Email: "buyer@example.com", FullName: "Ana"},
		Items:          []ports.LineItem{{ID: "course-1", Title: "Go course", Quantity: 1, UnitAmount: 10900}},
	})
	require.NoError(t, err)
	assert.Equal(t, "tx-1", intent.GatewayOrderID)
	assert.Equal(t, "https://mp.example/checkout/pref-1", intent.RedirectURL)

	assert.Equal(t, "tx-1", got["external_reference"])
	assert.Equal(t, "https://shop.example/api/v1/payments/webhook?gateway=mercadopago", got["notification_url"])
	items := got["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, 109.0, item["unit_price"])
	assert.Equal(t, "COP", item["currency_id"])
}

func TestMercadoPagoCreatePaymentHTTPError(t *testing.T) {
	mp := newTestMercadoPago(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid items"}`))
	})
	_, err := mp.CreatePayment(context.Background(), ports.PaymentRequest{OrderID: "o", Currency: "USD", IdempotencyKey: "tx"})
	assert.ErrorContains(t, err, "status 400")
}

func TestMercadoPagoVerifyWebhook(t *testing.T) {
	mp := newTestMercadoPago(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/123456", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":123456,"status":"approved","external_reference":"tx-1"}`))
	})
	ctx := context.Background()
	body := []byte(`{"type":"payment","action":"payment.updated","data":{"id":"123456"}}`)

	headers := map[string]string{
		"x-request-id": "req-1",
		"x-signature":  "ts=1700000000,v1=" + SignMercadoPago("123456", "req-1", "1700000000", "mp-secret"),
	}
	v, err := mp.VerifyWebhook(ctx, body, headers)
	require.NoError(t, err)
	require.True(t, v.Valid)
	assert.Equal(t, "tx-1", v.Event.GatewayOrderID)

	headers["x-signature"] = "ts=1700000000,v1=" + SignMercadoPago("123456", "req-1", "1700000000", "other")
	v, err = mp.VerifyWebhook(ctx, body, headers)
	require.NoError(t, err)
	assert.False(t, v.Valid)

	v, err = mp.VerifyWebhook(ctx, []byte("not json"), headers)
	require.NoError(t, err)
	assert.False(t, v.Valid)
}

func TestMercadoPagoVerifyWebhookLookupFailure(t *testing.T) {
	mp := newTestMercadoPago(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	body := []byte(`{"type":"payment","action":"payment.updated","data":{"id":"123456"}}`)
	headers := map[string]string{
		"x-request-id": "req-3",
		"x-signature":  "ts=1,v1=" + SignMercadoPago("123456", "req-3", "1", "mp-secret"),
	}

	v, err := mp.VerifyWebhook(context.Background(), body, headers)
	assert.Error(t, err)
	assert.Nil(t, v)
}

func TestMercadoPagoWebhookNonPaymentTopic(t *testing.T) {
	mp := newTestMercadoPago(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	})
	body := []byte(`{"type":"merchant_order","data":{"id":"77"}}`)
	headers := map[string]string{
		"x-request-id": "req-2",
		"x-signature":  "ts=1,v1=" + SignMercadoPago("77", "req-2", "1", "mp-secret"),
	}
	v, err := mp.VerifyWebhook(context.Background(), body, headers)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Empty(t, v.Event.GatewayOrderID)
}

func TestVerifyMercadoPagoSignature(t *testing.T) {
	sig := SignMercadoPago("ABC", "req", "10", "secret")
	assert.True(t, VerifyMercadoPagoSignature("ts=10,v1="+sig, "req", "ABC", "secret"))
	assert.True(t, VerifyMercadoPagoSignature("ts=10, v1="+sig, "req", "abc", "secret"))
	assert.False(t, VerifyMercadoPagoSignature("ts=11,v1="+sig, "req", "ABC", "secret"))
	assert.False(t, VerifyMercadoPagoSignature("v1="+sig, "req", "ABC", "secret"))
	assert.False(t, VerifyMercadoPagoSignature("ts=10,v1="+sig, "req", "ABC", ""))
}

func TestMercadoPagoGetPaymentStatus(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     models.TransactionStatus
	}{
		{"no payments yet", `{"results":[]}`, models.TxStatusPending},
		{"approved after rejection", `{"results":[{"id":2,"status":"rejected"},{"id":1,"status":"approved"}]}`, models.TxStatusApproved},
		{"latest rejected", `{"results":[{"id":2,"status":"rejected"},{"id":1,"status":"in_process"}]}`, models.TxStatusRejected},
		{"in process", `{"results":[{"id":1,"status":"in_process"}]}`, models.TxStatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mp := newTestMercadoPago(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/payments/search", r.URL.Path)
				assert.Equal(t, "tx-1", r.URL.Query().Get("external_reference"))
				_, _ = w.Write([]byte(tt.response))
			})
			st, err := mp.GetPaymentStatus(context.Background(), "tx-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.Status)
		})
	}
}

func TestMapMercadoPagoStatus(t *testing.T) {
	assert.Equal(t, models.TxStatusApproved, MapMercadoPagoStatus("approved"))
	assert.Equal(t, models.TxStatusRejected, MapMercadoPagoStatus("cancelled"))
	assert.Equal(t, models.TxStatusPending, MapMercadoPagoStatus("authorized"))
	assert.Equal(t, models.TxStatusRefunded, MapMercadoPagoStatus("refunded"))
	assert.Equal(t, models.TxStatusError, MapMercadoPagoStatus("weird"))
}

func TestMercadoPagoRefund(t *testing.T) {
	var refundBody map[string]any
	mp := newTestMercadoPago(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/payments/search":
			_, _ = w.Write([]byte(`{"results":[{"id":99,"status":"approved","external_reference":"tx-1"}]}`))
		case "/v1/payments/99/refunds":
			assert.Equal(t, "refund-order-1", r.Header.Get("X-Idempotency-Key"))
			body, _ := io.ReadAll(r.Body)
			assert.NoError(t, json.Unmarshal(body, &refundBody))
			_, _ = w.Write([]byte(`{"id":555,"status":"approved"}`))
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
		}
	})

	res, err := mp.Refund(context.Background(), ports.RefundRequest{
		GatewayOrderID: "tx-1",
		AmountCents:    2550,
		Currency:       "USD",
		IdempotencyKey: "refund-order-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "555", res.RefundID)
	assert.Equal(t, 25.5, refundBody["amount"])
}

func TestMercadoPagoRefundWithoutApprovedPayment(t *testing.T) {
	mp := newTestMercadoPago(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"id":1,"status":"rejected"}]}`))
	})
	_, err := mp.Refund(context.Background(), ports.RefundRequest{GatewayOrderID: "tx-1", AmountCents: 100, Currency: "USD"})
	assert.ErrorContains(t, err, "no approved payment")
}
