package ports

import (
	"context"
	"encoding/json"

	"payment-service/internal/models"
)

// Buyer identifies the payer for gateways that need it.
type Buyer struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Phone    string `json:"phone,omitempty"`
}

// LineItem is one item of the payment description.
type LineItem struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Quantity   int    `json:"quantity"`
	UnitAmount int64  `json:"unit_amount"`
}

type PaymentRequest struct {
	OrderID        string
	AmountCents    int64
	Currency       string
	Description    string
	IdempotencyKey string
	Buyer          Buyer
	Items          []LineItem
}

// PaymentIntent is the remote payment created by a gateway. Redirect based
// providers fill RedirectURL, client-confirmed ones fill ClientSecret.
type PaymentIntent struct {
	GatewayOrderID string
	RedirectURL    string
	ClientSecret   string
	RawResponse    json.RawMessage
}

type WebhookEvent struct {
	Type           string
	GatewayOrderID string
	Raw            json.RawMessage
}

type WebhookVerification struct {
	Valid bool
	Event WebhookEvent
}

type PaymentStatus struct {
	Status      models.TransactionStatus
	RawResponse json.RawMessage
}

type RefundRequest struct {
	GatewayOrderID string
	AmountCents    int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

type RefundResult struct {
	RefundID    string
	Status      string
	RawResponse json.RawMessage
}

// PaymentGateway is implemented by every external payment provider. Statuses
// are mapped onto APPROVED, REJECTED, PENDING, ERROR or REFUNDED.
type PaymentGateway interface {
	Name() string
	CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentIntent, error)
	// VerifyWebhook checks authenticity of a delivery. headers carries the
	// provider-specific signature headers, lower-cased.
	VerifyWebhook(ctx context.Context, body []byte, headers map[string]string) (*WebhookVerification, error)
	GetPaymentStatus(ctx context.Context, gatewayOrderID string) (*PaymentStatus, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// PaymentCanceller is implemented by gateways whose unpaid payments stay
// payable until cancelled. CancelPayment returns nil when the payment is
// already cancelled and an error when it can no longer be cancelled.
type PaymentCanceller interface {
	CancelPayment(ctx context.Context, gatewayOrderID string) error
}

// GatewayResolver hands out the configured gateway instances.
type GatewayResolver interface {
	Default() PaymentGateway
	Get(name string) (PaymentGateway, error)
}
