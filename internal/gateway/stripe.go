package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"payment-service/internal/models"
	"payment-service/internal/ports"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const StripeName = "stripe"

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// Backends overrides the API endpoints, mainly for tests.
	Backends *stripe.Backends
}

// Stripe collects payments with PaymentIntents confirmed on the client.
type Stripe struct {
	api           *client.API
	webhookSecret string
	logger        *zap.Logger
}

func NewStripe(cfg StripeConfig, logger *zap.Logger) (*Stripe, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe: secret key is required")
	}
	return &Stripe{
		api:           client.New(cfg.SecretKey, cfg.Backends),
		webhookSecret: cfg.WebhookSecret,
		logger:        logger.With(zap.String("gateway", StripeName)),
	}, nil
}

func (s *Stripe) Name() string { return StripeName }

func (s *Stripe) CreatePayment(ctx context.Context, req ports.PaymentRequest) (*ports.PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(req.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Buyer.Email != "" {
		params.ReceiptEmail = stripe.String(req.Buyer.Email)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("order_id", req.OrderID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return &ports.PaymentIntent{
		GatewayOrderID: pi.ID,
		ClientSecret:   pi.ClientSecret,
		RawResponse:    lastResponse(pi.LastResponse),
	}, nil
}

func (s *Stripe) VerifyWebhook(ctx context.Context, body []byte, headers map[string]string) (*ports.WebhookVerification, error) {
	evt, err := webhook.ConstructEventWithOptions(body, headers["stripe-signature"], s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		s.logger.Debug("Stripe signature verification failed", zap.Error(err))
		return &ports.WebhookVerification{Valid: false}, nil
	}
	event := ports.WebhookEvent{Type: string(evt.Type), Raw: body}
	if stripeOutcomeEvents[event.Type] {
		event.GatewayOrderID = stripePaymentIntentID(evt.Data)
	}
	return &ports.WebhookVerification{Valid: true, Event: event}, nil
}

// stripeOutcomeEvents are the deliveries that can change a payment's outcome.
// A freshly created intent also reports requires_payment_method, so creation
// events must not trigger reconciliation.
var stripeOutcomeEvents = map[string]bool{
	"payment_intent.succeeded":      true,
	"payment_intent.payment_failed": true,
	"payment_intent.canceled":       true,
	"payment_intent.processing":     true,
}

// stripePaymentIntentID finds the PaymentIntent an event refers to, whether
// the event object is the intent itself or a charge/refund pointing at it.
func stripePaymentIntentID(data *stripe.EventData) string {
	if data == nil || data.Object == nil {
		return ""
	}
	if obj, _ := data.Object["object"].(string); obj == "payment_intent" {
		id, _ := data.Object["id"].(string)
		return id
	}
	id, _ := data.Object["payment_intent"].(string)
	return id
}

func (s *Stripe) GetPaymentStatus(ctx context.Context, gatewayOrderID string) (*ports.PaymentStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(gatewayOrderID, params)
	if err != nil {
		return nil, fmt.Errorf("get payment intent: %w", err)
	}
	return &ports.PaymentStatus{
		Status:      MapStripeStatus(pi.Status),
		RawResponse: lastResponse(pi.LastResponse),
	}, nil
}

func (s *Stripe) Refund(ctx context.Context, req ports.RefundRequest) (*ports.RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.GatewayOrderID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if req.AmountCents > 0 {
		params.Amount = stripe.Int64(req.AmountCents)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, fmt.Errorf("create refund: %w", err)
	}
	if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
		return nil, fmt.Errorf("refund %s ended %s", r.ID, r.Status)
	}
	return &ports.RefundResult{
		RefundID:    r.ID,
		Status:      string(r.Status),
		RawResponse: lastResponse(r.LastResponse),
	}, nil
}

// CancelPayment cancels an intent that still accepts a payment method. A
// failed cancel is checked against the intent's current state because a
// retry or a concurrent cancel may already have closed it.
func (s *Stripe) CancelPayment(ctx context.Context, gatewayOrderID string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	_, cancelErr := s.api.PaymentIntents.Cancel(gatewayOrderID, params)
	if cancelErr == nil {
		return nil
	}

	get := &stripe.PaymentIntentParams{}
	get.Context = ctx
	pi, err := s.api.PaymentIntents.Get(gatewayOrderID, get)
	if err == nil && pi.Status == stripe.PaymentIntentStatusCanceled {
		return nil
	}
	return fmt.Errorf("cancel payment intent: %w", cancelErr)
}

// MapStripeStatus maps a PaymentIntent status onto the local enum.
func MapStripeStatus(status stripe.PaymentIntentStatus) models.TransactionStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return models.TxStatusApproved
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		return models.TxStatusRejected
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresCapture:
		return models.TxStatusPending
	default:
		return models.TxStatusError
	}
}

func lastResponse(resp *stripe.APIResponse) json.RawMessage {
	if resp == nil || len(resp.RawJSON) == 0 {
		return nil
	}
	return resp.RawJSON
}

var (
	_ ports.PaymentGateway   = (*Stripe)(nil)
	_ ports.PaymentCanceller = (*Stripe)(nil)
)
