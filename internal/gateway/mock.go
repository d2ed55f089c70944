package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"payment-service/internal/models"
	"payment-service/internal/ports"

	"github.com/google/uuid"
)

const MockName = "mock"

// MockConfig configures the in-process gateway used in development.
type MockConfig struct {
	// Outcome is the status every payment settles to: approved, rejected,
	// pending, or fail to make CreatePayment itself fail.
	Outcome string
	// WebhookSecret enables x-hub-signature-256 verification when set.
	WebhookSecret string
}

// Mock is a gateway that settles payments locally.
type Mock struct {
	cfg MockConfig

	mu       sync.Mutex
	payments map[string]models.TransactionStatus
}

func NewMock(cfg MockConfig) *Mock {
	return &Mock{cfg: cfg, payments: make(map[string]models.TransactionStatus)}
}

func (m *Mock) Name() string { return MockName }

func (m *Mock) CreatePayment(ctx context.Context, req ports.PaymentRequest) (*ports.PaymentIntent, error) {
	if strings.EqualFold(m.cfg.Outcome, "fail") {
		return nil, errors.New("mock gateway configured to fail")
	}
	id := "mock_" + uuid.NewString()
	m.mu.Lock()
	m.payments[id] = m.outcome()
	m.mu.Unlock()

	raw, _ := json.Marshal(map[string]any{
		"id":       id,
		"order_id": req.OrderID,
		"amount":   req.AmountCents,
		"currency": req.Currency,
	})
	return &ports.PaymentIntent{
		GatewayOrderID: id,
		RedirectURL:    "https://mock.gateway.local/checkout/" + id,
		RawResponse:    raw,
	}, nil
}

type mockEvent struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (m *Mock) VerifyWebhook(ctx context.Context, body []byte, headers map[string]string) (*ports.WebhookVerification, error) {
	if m.cfg.WebhookSecret != "" {
		sig := strings.TrimPrefix(headers["x-hub-signature-256"], "sha256=")
		if !hmac.Equal([]byte(sig), []byte(SignMockPayload(body, m.cfg.WebhookSecret))) {
			return &ports.WebhookVerification{Valid: false}, nil
		}
	}
	var evt mockEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return &ports.WebhookVerification{Valid: false}, nil
	}
	return &ports.WebhookVerification{
		Valid: true,
		Event: ports.WebhookEvent{Type: evt.Type, GatewayOrderID: evt.Data.ID, Raw: body},
	}, nil
}

func (m *Mock) GetPaymentStatus(ctx context.Context, gatewayOrderID string) (*ports.PaymentStatus, error) {
	m.mu.Lock()
	status, ok := m.payments[gatewayOrderID]
	m.mu.Unlock()
	if !ok {
		// Payments created by another process still settle to the
		// configured outcome.
		status = m.outcome()
	}
	raw, _ := json.Marshal(map[string]string{"id": gatewayOrderID, "status": string(status)})
	return &ports.PaymentStatus{Status: status, RawResponse: raw}, nil
}

func (m *Mock) Refund(ctx context.Context, req ports.RefundRequest) (*ports.RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.payments[req.GatewayOrderID]; ok && status != models.TxStatusApproved {
		return nil, fmt.Errorf("mock payment %s is %s, not refundable", req.GatewayOrderID, status)
	}
	m.payments[req.GatewayOrderID] = models.TxStatusRefunded
	id := "mock_re_" + uuid.NewString()
	raw, _ := json.Marshal(map[string]any{"id": id, "amount": req.AmountCents, "status": "succeeded"})
	return &ports.RefundResult{RefundID: id, Status: "succeeded", RawResponse: raw}, nil
}

// CancelPayment rejects a payment that has not been approved.
func (m *Mock) CancelPayment(ctx context.Context, gatewayOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch status := m.payments[gatewayOrderID]; status {
	case models.TxStatusApproved, models.TxStatusRefunded:
		return fmt.Errorf("mock payment %s is %s, not cancellable", gatewayOrderID, status)
	}
	m.payments[gatewayOrderID] = models.TxStatusRejected
	return nil
}

// SetStatus overrides the settled status of one payment.
func (m *Mock) SetStatus(gatewayOrderID string, status models.TransactionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[gatewayOrderID] = status
}

func (m *Mock) outcome() models.TransactionStatus {
	switch strings.ToLower(m.cfg.Outcome) {
	case "rejected":
		return models.TxStatusRejected
	case "pending":
		return models.TxStatusPending
	default:
		return models.TxStatusApproved
	}
}

// SignMockPayload returns the hex HMAC-SHA256 the mock gateway expects.
func SignMockPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

var (
	_ ports.PaymentGateway   = (*Mock)(nil)
	_ ports.PaymentCanceller = (*Mock)(nil)
)
