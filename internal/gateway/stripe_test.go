package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"payment-service/internal/models"

	"github.com/stripe/stripe-go/v76"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMapStripeStatus(t *testing.T) {
	tests := []struct {
		in   stripe.PaymentIntentStatus
		want models.TransactionStatus
	}{
		{stripe.PaymentIntentStatusSucceeded, models.TxStatusApproved},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, models.TxStatusRejected},
		{stripe.PaymentIntentStatusCanceled, models.TxStatusRejected},
		{stripe.PaymentIntentStatusProcessing, models.TxStatusPending},
		{stripe.PaymentIntentStatusRequiresAction, models.TxStatusPending},
		{stripe.PaymentIntentStatusRequiresCapture, models.TxStatusPending},
		{stripe.PaymentIntentStatus("unexpected"), models.TxStatusError},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, MapStripeStatus(tt.in))
		})
	}
}

func stripeSignature(payload []byte, secret string, ts time.Time) string {
	unix := ts.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", unix)))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", unix, hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeVerifyWebhook(t *testing.T) {
	s, err := NewStripe(StripeConfig{SecretKey: "sk_test_123", WebhookSecret: "whsec_test"}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	succeeded := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded",` +
		`"data":{"object":{"id":"pi_123","object":"payment_intent","status":"succeeded"}}}`)
	created := []byte(`{"id":"evt_2","object":"event","type":"payment_intent.created",` +
		`"data":{"object":{"id":"pi_123","object":"payment_intent","status":"requires_payment_method"}}}`)
	refunded := []byte(`{"id":"evt_3","object":"event","type":"charge.refunded",` +
		`"data":{"object":{"id":"ch_1","object":"charge","payment_intent":"pi_123"}}}`)

	t.Run("outcome event", func(t *testing.T) {
		v, err := s.VerifyWebhook(ctx, succeeded, map[string]string{"stripe-signature": stripeSignature(succeeded, "whsec_test", time.Now())})
		require.NoError(t, err)
		require.True(t, v.Valid)
		assert.Equal(t, "payment_intent.succeeded", v.Event.Type)
		assert.Equal(t, "pi_123", v.Event.GatewayOrderID)
	})

	t.Run("creation event is not reconciled", func(t *testing.T) {
		v, err := s.VerifyWebhook(ctx, created, map[string]string{"stripe-signature": stripeSignature(created, "whsec_test", time.Now())})
		require.NoError(t, err)
		require.True(t, v.Valid)
		assert.Empty(t, v.Event.GatewayOrderID)
	})

	t.Run("charge event is not reconciled", func(t *testing.T) {
		v, err := s.VerifyWebhook(ctx, refunded, map[string]string{"stripe-signature": stripeSignature(refunded, "whsec_test", time.Now())})
		require.NoError(t, err)
		require.True(t, v.Valid)
		assert.Empty(t, v.Event.GatewayOrderID)
		assert.Equal(t, "pi_123", stripePaymentIntentID(mustEventData(t, refunded)))
	})

	t.Run("wrong secret", func(t *testing.T) {
		v, err := s.VerifyWebhook(ctx, succeeded, map[string]string{"stripe-signature": stripeSignature(succeeded, "whsec_other", time.Now())})
		require.NoError(t, err)
		assert.False(t, v.Valid)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		v, err := s.VerifyWebhook(ctx, succeeded, map[string]string{"stripe-signature": stripeSignature(succeeded, "whsec_test", time.Now().Add(-time.Hour))})
		require.NoError(t, err)
		assert.False(t, v.Valid)
	})

	t.Run("missing header", func(t *testing.T) {
		v, err := s.VerifyWebhook(ctx, succeeded, map[string]string{})
		require.NoError(t, err)
		assert.False(t, v.Valid)
	})
}

func mustEventData(t *testing.T, payload []byte) *stripe.EventData {
	t.Helper()
	var evt stripe.Event
	require.NoError(t, json.Unmarshal(payload, &evt))
	return evt.Data
}

func TestStripeGetPaymentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents/pi_123", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","status":"succeeded"}`))
	}))
	defer srv.Close()

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	s, err := NewStripe(StripeConfig{SecretKey: "sk_test_123", Backends: &stripe.Backends{API: backend}}, zap.NewNop())
	require.NoError(t, err)

	st, err := s.GetPaymentStatus(context.Background(), "pi_123")
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusApproved, st.Status)
	assert.JSONEq(t, `{"id":"pi_123","object":"payment_intent","status":"succeeded"}`, string(st.RawResponse))
}

func newTestStripe(t *testing.T, handler http.HandlerFunc) *Stripe {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	s, err := NewStripe(StripeConfig{SecretKey: "sk_test_123", Backends: &stripe.Backends{API: backend}}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestStripeCancelPayment(t *testing.T) {
	t.Run("cancels open intent", func(t *testing.T) {
		var form string
		s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/payment_intents/pi_123/cancel", r.URL.Path)
			require.NoError(t, r.ParseForm())
			form = r.PostForm.Get("cancellation_reason")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","status":"canceled"}`))
		})
		require.NoError(t, s.CancelPayment(context.Background(), "pi_123"))
		assert.Equal(t, "abandoned", form)
	})

	stateError := func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"payment_intent_unexpected_state","message":"unexpected state"}}`))
	}

	t.Run("already cancelled", func(t *testing.T) {
		s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				stateError(w)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","status":"canceled"}`))
		})
		assert.NoError(t, s.CancelPayment(context.Background(), "pi_123"))
	})

	t.Run("already succeeded", func(t *testing.T) {
		s := newTestStripe(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				stateError(w)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","status":"succeeded"}`))
		})
		assert.ErrorContains(t, s.CancelPayment(context.Background(), "pi_123"), "cancel payment intent")
	})
}
