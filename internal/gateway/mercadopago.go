package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/ports"

	"go.uber.org/zap"
)

const MercadoPagoName = "mercadopago"

type MercadoPagoConfig struct {
	AccessToken   string
	WebhookSecret string
	BaseURL       string
	AppBaseURL    string
	Timeout       time.Duration
}

// MercadoPago collects payments through Checkout Pro preferences. The local
// transaction id travels as external_reference and is the gateway order id,
// since MercadoPago only assigns payment ids once the buyer pays.
type MercadoPago struct {
	cfg    MercadoPagoConfig
	http   *http.Client
	logger *zap.Logger
}

func NewMercadoPago(cfg MercadoPagoConfig, logger *zap.Logger) (*MercadoPago, error) {
	if cfg.AccessToken == "" {
		return nil, errors.New("mercadopago: access token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.mercadopago.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &MercadoPago{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("gateway", MercadoPagoName)),
	}, nil
}

func (m *MercadoPago) Name() string { return MercadoPagoName }

type mpItem struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	UnitPrice  json.Number `json:"unit_price"`
	CurrencyID string      `json:"currency_id"`
}

type mpPreference struct {
	Items             []mpItem          `json:"items"`
	ExternalReference string            `json:"external_reference"`
	Payer             map[string]string `json:"payer,omitempty"`
	BackURLs          map[string]string `json:"back_urls,omitempty"`
	AutoReturn        string            `json:"auto_return,omitempty"`
	NotificationURL   string            `json:"notification_url,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type mpPreferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

type mpPayment struct {
	ID                int64  `json:"id"`
	Status            string `json:"status"`
	StatusDetail      string `json:"status_detail"`
	ExternalReference string `json:"external_reference"`
	DateCreated       string `json:"date_created"`
}

func (m *MercadoPago) CreatePayment(ctx context.Context, req ports.PaymentRequest) (*ports.PaymentIntent, error) {
	reference := req.IdempotencyKey
	pref := mpPreference{
		ExternalReference: reference,
		Metadata:          map[string]string{"order_id": req.OrderID},
		AutoReturn:        "approved",
	}
	for _, item := range req.Items {
		price, err := models.NewMoney(item.UnitAmount, req.Currency)
		if err != nil {
			return nil, fmt.Errorf("invalid item price: %w", err)
		}
		pref.Items = append(pref.Items, mpItem{
			ID:         item.ID,
			Title:      item.Title,
			Quantity:   item.Quantity,
			UnitPrice:  json.Number(price.Decimal().StringFixed(2)),
			CurrencyID: price.Currency(),
		})
	}
	if req.Buyer.Email != "" {
		pref.Payer = map[string]string{"email": req.Buyer.Email, "name": req.Buyer.FullName}
	}
	if base := strings.TrimRight(m.cfg.AppBaseURL, "/"); base != "" {
		pref.BackURLs = map[string]string{
			"success": base + "/payments/success",
			"failure": base + "/payments/failure",
			"pending": base + "/payments/pending",
		}
		pref.NotificationURL = base + "/api/v1/payments/webhook?gateway=" + MercadoPagoName
	}

	var resp mpPreferenceResponse
	raw, err := m.do(ctx, http.MethodPost, "/checkout/preferences", req.IdempotencyKey, pref, &resp)
	if err != nil {
		return nil, fmt.Errorf("create preference: %w", err)
	}
	return &ports.PaymentIntent{
		GatewayOrderID: reference,
		RedirectURL:    resp.InitPoint,
		RawResponse:    raw,
	}, nil
}

type mpNotification struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		// ID is numeric for payments and a string for other topics.
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// VerifyWebhook checks the x-signature header (ts and v1 parts) against
// HMAC-SHA256 of "id:<data.id>;request-id:<x-request-id>;ts:<ts>;" and
// resolves the payment's external_reference.
func (m *MercadoPago) VerifyWebhook(ctx context.Context, body []byte, headers map[string]string) (*ports.WebhookVerification, error) {
	var n mpNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return &ports.WebhookVerification{Valid: false}, nil
	}
	dataID := strings.Trim(string(n.Data.ID), `"`)
	if !VerifyMercadoPagoSignature(headers["x-signature"], headers["x-request-id"], dataID, m.cfg.WebhookSecret) {
		m.logger.Debug("MercadoPago signature verification failed", zap.String("data_id", dataID))
		return &ports.WebhookVerification{Valid: false}, nil
	}

	event := ports.WebhookEvent{Type: n.Type, Raw: body}
	if n.Type != "payment" || dataID == "" {
		return &ports.WebhookVerification{Valid: true, Event: event}, nil
	}
	var p mpPayment
	if _, err := m.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(dataID), "", nil, &p); err != nil {
		return nil, fmt.Errorf("get payment %s: %w", dataID, err)
	}
	event.GatewayOrderID = p.ExternalReference
	return &ports.WebhookVerification{Valid: true, Event: event}, nil
}

// VerifyMercadoPagoSignature validates an x-signature header value.
func VerifyMercadoPagoSignature(signature, requestID, dataID, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	var ts, v1 string
	for _, part := range strings.Split(signature, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return false
	}
	expected := SignMercadoPago(dataID, requestID, ts, secret)
	return hmac.Equal([]byte(expected), []byte(v1))
}

// SignMercadoPago computes the v1 signature for a notification.
func SignMercadoPago(dataID, requestID, ts, secret string) string {
	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", strings.ToLower(dataID), requestID, ts)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return hex.EncodeToString(mac.Sum(nil))
}

type mpSearchResponse struct {
	Results []mpPayment `json:"results"`
}

// findPayments lists the payments made against a preference reference,
// newest first.
func (m *MercadoPago) findPayments(ctx context.Context, reference string) ([]mpPayment, json.RawMessage, error) {
	q := url.Values{}
	q.Set("external_reference", reference)
	q.Set("sort", "date_created")
	q.Set("criteria", "desc")
	var resp mpSearchResponse
	raw, err := m.do(ctx, http.MethodGet, "/v1/payments/search?"+q.Encode(), "", nil, &resp)
	if err != nil {
		return nil, nil, err
	}
	return resp.Results, raw, nil
}

func (m *MercadoPago) GetPaymentStatus(ctx context.Context, gatewayOrderID string) (*ports.PaymentStatus, error) {
	payments, raw, err := m.findPayments(ctx, gatewayOrderID)
	if err != nil {
		return nil, fmt.Errorf("search payments: %w", err)
	}
	if len(payments) == 0 {
		return &ports.PaymentStatus{Status: models.TxStatusPending, RawResponse: raw}, nil
	}
	// Any approved attempt wins over later rejected retries by the buyer.
	for _, p := range payments {
		if p.Status == "approved" {
			return &ports.PaymentStatus{Status: models.TxStatusApproved, RawResponse: raw}, nil
		}
	}
	return &ports.PaymentStatus{Status: MapMercadoPagoStatus(payments[0].Status), RawResponse: raw}, nil
}

type mpRefundRequest struct {
	Amount *json.Number `json:"amount,omitempty"`
}

type mpRefundResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

func (m *MercadoPago) Refund(ctx context.Context, req ports.RefundRequest) (*ports.RefundResult, error) {
	payments, _, err := m.findPayments(ctx, req.GatewayOrderID)
	if err != nil {
		return nil, fmt.Errorf("search payments: %w", err)
	}
	var paymentID int64
	for _, p := range payments {
		if p.Status == "approved" {
			paymentID = p.ID
			break
		}
	}
	if paymentID == 0 {
		return nil, fmt.Errorf("no approved payment for reference %s", req.GatewayOrderID)
	}

	body := mpRefundRequest{}
	if req.AmountCents > 0 {
		amount, err := models.NewMoney(req.AmountCents, req.Currency)
		if err != nil {
			return nil, fmt.Errorf("invalid refund amount: %w", err)
		}
		n := json.Number(amount.Decimal().StringFixed(2))
		body.Amount = &n
	}
	var resp mpRefundResponse
	path := fmt.Sprintf("/v1/payments/%d/refunds", paymentID)
	raw, err := m.do(ctx, http.MethodPost, path, req.IdempotencyKey, body, &resp)
	if err != nil {
		return nil, fmt.Errorf("create refund: %w", err)
	}
	return &ports.RefundResult{
		RefundID:    fmt.Sprintf("%d", resp.ID),
		Status:      resp.Status,
		RawResponse: raw,
	}, nil
}

// MapMercadoPagoStatus maps a payment status onto the local enum.
func MapMercadoPagoStatus(status string) models.TransactionStatus {
	switch status {
	case "approved":
		return models.TxStatusApproved
	case "rejected", "cancelled":
		return models.TxStatusRejected
	case "pending", "in_process", "authorized":
		return models.TxStatusPending
	case "refunded", "charged_back":
		return models.TxStatusRefunded
	default:
		return models.TxStatusError
	}
}

// do sends a JSON request and decodes a JSON response into out, returning the
// raw response body.
func (m *MercadoPago) do(ctx context.Context, method, path, idempotencyKey string, in, out any) (json.RawMessage, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(m.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mercadopago %s %s: status %d: %s", method, path, resp.StatusCode, truncate(raw, 256))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return raw, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

var _ ports.PaymentGateway = (*MercadoPago)(nil)
