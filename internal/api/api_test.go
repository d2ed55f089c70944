package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"payment-service/internal/fraud"
	"payment-service/internal/gateway"
	"payment-service/internal/models"
	"payment-service/internal/ports"
	"payment-service/internal/service"
	"payment-service/internal/store/memstore"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testWebhookSecret = "whsec_test"
	testProductID     = "course-1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Meta    map[string]any  `json:"meta"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	router *gin.Engine
	repo   *memstore.Store
	mock   *gateway.Mock
}

type serverOption func(*Deps, *fraud.GuardConfig)

func withRateLimit(max int) serverOption {
	return func(d *Deps, _ *fraud.GuardConfig) {
		d.RateLimiter = fraud.NewRateLimiter(fraud.NewMemoryCounterStore(), max, time.Minute, zap.NewNop())
	}
}

func withBlockedIP(ip string) serverOption {
	return func(_ *Deps, g *fraud.GuardConfig) {
		g.BlockedIPs = append(g.BlockedIPs, ip)
	}
}

func withAuth(a *Authenticator) serverOption {
	return func(d *Deps, _ *fraud.GuardConfig) {
		d.Auth = a
	}
}

func withReadiness(name string, check ReadinessCheck) serverOption {
	return func(d *Deps, _ *fraud.GuardConfig) {
		d.Readiness[name] = check
	}
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	logger := zap.NewNop()
	repo := memstore.New()
	repo.AddProduct(models.Product{ID: testProductID, Name: "Course", PriceCents: 5000, Currency: "USD", IsActive: true}, 5)
	mock := gateway.NewMock(gateway.MockConfig{Outcome: "approved", WebhookSecret: testWebhookSecret})
	set := gateway.NewSet(mock)
	pub := ports.NopPublisher{}
	counters := fraud.NewMemoryCounterStore()

	deps := Deps{
		CreateOrder:    service.NewCreateOrderUseCase(repo, pub, service.DefaultLimits(), logger),
		ProcessPayment: service.NewProcessPaymentUseCase(repo, set, pub, logger),
		Webhook:        service.NewHandleWebhookUseCase(repo, set, pub, logger),
		Refund:         service.NewRefundPaymentUseCase(repo, set, pub, logger),
		Orders:         service.NewOrderQueries(repo),
		RateLimiter:    fraud.NewRateLimiter(counters, 1000, time.Minute, logger),
		Readiness:      map[string]ReadinessCheck{},
	}
	guardCfg := fraud.GuardConfig{FailureThreshold: 3, FailureWindow: time.Minute}
	for _, opt := range opts {
		opt(&deps, &guardCfg)
	}
	deps.Guard = fraud.NewGuard(counters, guardCfg, logger)

	router := gin.New()
	NewHandler(deps, logger).SetupRoutes(router)
	return &testServer{router: router, repo: repo, mock: mock}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(userIDHeader, user)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

func (s *testServer) createOrder(t *testing.T, user, key string) models.Order {
	t.Helper()
	w, env := s.do(t, http.MethodPost, "/api/v1/payments/orders", user,
		gin.H{"product_id": testProductID, "currency": "usd"}, map[string]string{"Idempotency-Key": key})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var data struct {
		Order models.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data.Order
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w, _ := s.do(t, http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestReadiness(t *testing.T) {
	s := newTestServer(t,
		withReadiness("database", func(context.Context) error { return nil }),
		withReadiness("redis", func(context.Context) error { return errors.New("connection refused") }),
	)
	w, _ := s.do(t, http.MethodGet, "/ready", "", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "ok", body.Checks["database"])
	assert.Equal(t, "connection refused", body.Checks["redis"])
}

func TestCreateOrderRequiresUser(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodPost, "/api/v1/payments/orders", "",
		gin.H{"product_id": testProductID}, map[string]string{"Idempotency-Key": "idem-key-0000000001"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Error)
}

func TestCreateOrderRequiresIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodPost, "/api/v1/payments/orders", "u1",
		gin.H{"product_id": testProductID}, map[string]string{"Idempotency-Key": "short"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "IDEMPOTENCY_KEY_REQUIRED", env.Error)
	assert.Zero(t, s.repo.OrderCount())
}

func TestCreateOrderAcceptsKeyInBody(t *testing.T) {
	s := newTestServer(t)
	w, _ := s.do(t, http.MethodPost, "/api/v1/payments/orders", "u1",
		gin.H{"product_id": testProductID, "idempotency_key": "idem-key-in-body-0001"}, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestCreateOrderValidation(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodPost, "/api/v1/payments/orders", "u1",
		gin.H{"currency": "dollars"}, map[string]string{"Idempotency-Key": "idem-key-0000000001"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error)
	fields, ok := env.Meta["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "required", fields["product_id"])
	assert.Equal(t, "len", fields["currency"])
}

func TestCreateOrderIdempotentReplay(t *testing.T) {
	s := newTestServer(t)
	first := s.createOrder(t, "u1", "idem-key-0000000001")

	w, env := s.do(t, http.MethodPost, "/api/v1/payments/orders", "u1",
		gin.H{"product_id": testProductID}, map[string]string{"Idempotency-Key": "idem-key-0000000001"})
	require.Equal(t, http.StatusOK, w.Code)
	var data struct {
		Order      models.Order `json:"order"`
		Idempotent bool         `json:"idempotent"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.True(t, data.Idempotent)
	assert.Equal(t, first.ID, data.Order.ID)
	assert.Equal(t, 1, s.repo.OrderCount())
}

func TestPaymentLifecycle(t *testing.T) {
	s := newTestServer(t)
	order := s.createOrder(t, "u1", "idem-key-0000000001")
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, int64(5000), order.TotalAmount)

	w, env := s.do(t, http.MethodPost, "/api/v1/payments/orders/"+order.ID+"/pay", "u1",
		gin.H{"buyer": gin.H{"email": "buyer@example.com", "full_name": "Ada Buyer"}}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var paid service.ProcessPaymentResult
	require.NoError(t, json.Unmarshal(env.Data, &paid))
	require.NotEmpty(t, paid.GatewayOrderID)
	assert.Equal(t, gateway.MockName, paid.Gateway)

	payload, err := json.Marshal(gin.H{"type": "payment", "data": gin.H{"id": paid.GatewayOrderID}})
	require.NoError(t, err)
	w, env = s.do(t, http.MethodPost, "/api/v1/payments/webhook?gateway=mock", "", payload,
		map[string]string{"X-Hub-Signature-256": "sha256=" + gateway.SignMockPayload(payload, testWebhookSecret)})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ack struct {
		Received bool   `json:"received"`
		Outcome  string `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, service.OutcomeProcessed, ack.Outcome)

	w, env = s.do(t, http.MethodGet, "/api/v1/payments/orders/"+order.ID, "u1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got models.Order
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, models.OrderStatusPaid, got.Status)
	assert.Len(t, s.repo.Inventory("u1"), 1)

	w, env = s.do(t, http.MethodPost, "/api/v1/payments/orders/"+order.ID+"/refund", "u1",
		gin.H{"reason": "changed my mind"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var refunded service.RefundResult
	require.NoError(t, json.Unmarshal(env.Data, &refunded))
	assert.Equal(t, models.OrderStatusRefunded, refunded.Order.Status)
	assert.Equal(t, int64(5000), refunded.Refund.Amount)
	assert.Equal(t, "u1", refunded.Refund.RequestedBy)

	w, env = s.do(t, http.MethodGet, "/api/v1/payments/orders/"+order.ID+"/audit", "u1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trail struct {
		Entries []models.AuditLogEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &trail))
	assert.NotEmpty(t, trail.Entries)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	payload := []byte(`{"type":"payment","data":{"id":"mock_x"}}`)
	w, env := s.do(t, http.MethodPost, "/api/v1/payments/webhook?gateway=mock", "", payload,
		map[string]string{"X-Hub-Signature-256": "sha256=deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_WEBHOOK_SIGNATURE", env.Error)
}

func TestWebhookUnknownGateway(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodPost, "/api/v1/payments/webhook?gateway=paypal", "", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNKNOWN_GATEWAY", env.Error)
}

func TestWebhookAcknowledgesUnknownPayment(t *testing.T) {
	s := newTestServer(t)
	payload := []byte(`{"type":"payment","data":{"id":"mock_unknown"}}`)
	w, env := s.do(t, http.MethodPost, "/api/v1/payments/webhook", "", payload,
		map[string]string{"X-Hub-Signature-256": "sha256=" + gateway.SignMockPayload(payload, testWebhookSecret)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
}

func TestOrderRoutesRejectMalformedID(t *testing.T) {
	s := newTestServer(t)
	w, env := s.do(t, http.MethodGet, "/api/v1/payments/orders/not-a-uuid", "u1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error)
}

func TestForeignOrderCountsTowardsVelocity(t *testing.T) {
	s := newTestServer(t)
	order := s.createOrder(t, "owner", "idem-key-0000000001")

	for i := 0; i < 3; i++ {
		w, env := s.do(t, http.MethodGet, "/api/v1/payments/orders/"+order.ID, "intruder", nil, nil)
		require.Equal(t, http.StatusForbidden, w.Code)
		require.Equal(t, "FORBIDDEN", env.Error)
	}

	w, env := s.do(t, http.MethodPost, "/api/v1/payments/orders", "intruder",
		gin.H{"product_id": testProductID}, map[string]string{"Idempotency-Key": "idem-key-0000000002"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "FRAUD_VELOCITY_EXCEEDED", env.Error)
}

func TestBlockedIP(t *testing.T) {
	s := newTestServer(t, withBlockedIP("192.0.2.1"))
	w, env := s.do(t, http.MethodPost, "/api/v1/payments/orders", "u1",
		gin.H{"product_id": testProductID}, map[string]string{"Idempotency-Key": "idem-key-0000000001"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FRAUD_BLOCKED", env.Error)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, withRateLimit(2))
	path := "/api/v1/payments/orders/" + "3f1c2d9e-7a7b-4c1e-9a55-1d7f4b2c8e10"

	for i := 0; i < 2; i++ {
		w, _ := s.do(t, http.MethodGet, path, "u1", nil, nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	}
	w, env := s.do(t, http.MethodGet, path, "u1", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", env.Error)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestJWTAuthentication(t *testing.T) {
	auth := NewAuthenticator("jwt-secret", "identity")
	s := newTestServer(t, withAuth(auth))
	path := "/api/v1/payments/orders/3f1c2d9e-7a7b-4c1e-9a55-1d7f4b2c8e10"

	valid, err := auth.IssueToken("u1", "u1@example.com", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	expired, err := auth.IssueToken("u1", "", jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	require.NoError(t, err)
	foreign, err := NewAuthenticator("other-secret", "identity").IssueToken("u1", "", jwt.RegisteredClaims{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid token", "Bearer " + valid, http.StatusNotFound},
		{"expired token", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong key", "Bearer " + foreign, http.StatusUnauthorized},
		{"missing token", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			// The X-User-ID header is ignored once tokens are required.
			w, _ := s.do(t, http.MethodGet, path, "u1", nil, headers)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestSnakeCase(t *testing.T) {
	assert.Equal(t, "order_id", snakeCase("OrderID"))
	assert.Equal(t, "amount_cents", snakeCase("AmountCents"))
	assert.Equal(t, "currency", snakeCase("Currency"))
}
