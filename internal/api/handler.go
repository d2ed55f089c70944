package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"payment-service/internal/apperr"
	"payment-service/internal/fraud"
	"payment-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// ReadinessCheck reports whether one dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	CreateOrder    *service.CreateOrderUseCase
	ProcessPayment *service.ProcessPaymentUseCase
	Webhook        *service.HandleWebhookUseCase
	Refund         *service.RefundPaymentUseCase
	Orders         *service.OrderQueries
	Guard          *fraud.Guard
	RateLimiter    *fraud.RateLimiter
	Auth           *Authenticator
	CORSOrigins    []string
	Readiness      map[string]ReadinessCheck
}

// Handler contains HTTP handlers
type Handler struct {
	deps   Deps
	guard  *fraud.Guard
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	if deps.Auth == nil {
		deps.Auth = NewAuthenticator("", "")
	}
	return &Handler{
		deps:   deps,
		guard:  deps.Guard,
		logger: logger.With(zap.String("component", "http")),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(corsMiddleware(h.deps.CORSOrigins))
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))
	router.NoRoute(notFoundHandler)

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	payments := router.Group("/api/v1/payments")
	payments.Use(rateLimit(h.deps.RateLimiter))
	{
		// Gateways authenticate with signatures, not user credentials.
		payments.POST("/webhook", h.webhook)

		authed := payments.Group("", h.deps.Auth.Middleware())
		authed.POST("/orders", h.antiFraud(), h.createOrder)
		authed.GET("/orders/:orderId", h.getOrder)
		authed.GET("/orders/:orderId/audit", h.getAuditTrail)
		authed.POST("/orders/:orderId/pay", h.antiFraud(), h.payOrder)
		authed.POST("/orders/:orderId/refund", h.refundOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck runs every dependency check and reports 503 if any fails.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.deps.Readiness))
	for name, check := range h.deps.Readiness {
		if err := check(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, bindError(err))
		return
	}

	key := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}
	if len(key) < minIdempotencyKeyLen {
		h.respondError(c, apperr.ErrIdempotencyRequired)
		return
	}

	res, err := h.deps.CreateOrder.Execute(c.Request.Context(), service.CreateOrderInput{
		UserID:         currentUser(c),
		ProductID:      req.ProductID,
		Currency:       strings.ToUpper(req.Currency),
		CountryCode:    strings.ToUpper(req.CountryCode),
		IdempotencyKey: key,
		PromoCode:      req.PromoCode,
		Buyer:          req.Buyer.toPort(),
		IPAddress:      c.ClientIP(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusCreated
	if res.Idempotent {
		status = http.StatusOK
	}
	respondOK(c, status, gin.H{
		"order":      res.Order,
		"idempotent": res.Idempotent,
	})
}

// payOrder starts a gateway payment for a pending order.
func (h *Handler) payOrder(c *gin.Context) {
	var uri orderURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.respondError(c, bindError(err))
		return
	}
	var req payOrderRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			h.respondError(c, bindError(err))
			return
		}
	}

	res, err := h.deps.ProcessPayment.Execute(c.Request.Context(), service.ProcessPaymentInput{
		OrderID:   uri.OrderID,
		UserID:    currentUser(c),
		Buyer:     req.Buyer.toPort(),
		Gateway:   req.Gateway,
		IPAddress: c.ClientIP(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	respondOK(c, http.StatusOK, res)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	var uri orderURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.respondError(c, bindError(err))
		return
	}

	order, err := h.deps.Orders.GetOrder(c.Request.Context(), uri.OrderID, currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	respondOK(c, http.StatusOK, order)
}

func (h *Handler) getAuditTrail(c *gin.Context) {
	var uri orderURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.respondError(c, bindError(err))
		return
	}

	entries, err := h.deps.Orders.AuditTrail(c.Request.Context(), uri.OrderID, currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"order_id": uri.OrderID, "entries": entries})
}

func (h *Handler) refundOrder(c *gin.Context) {
	var uri orderURI
	if err := c.ShouldBindUri(&uri); err != nil {
		h.respondError(c, bindError(err))
		return
	}
	var req refundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			h.respondError(c, bindError(err))
			return
		}
	}

	userID := currentUser(c)
	res, err := h.deps.Refund.Execute(c.Request.Context(), service.RefundInput{
		OrderID:     uri.OrderID,
		UserID:      userID,
		AmountCents: req.AmountCents,
		Reason:      req.Reason,
		RequestedBy: userID,
		IPAddress:   c.ClientIP(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	respondOK(c, http.StatusOK, res)
}

// webhook accepts gateway notifications. Once the signature is verified the
// delivery is always acknowledged; failed processing is retried by the
// reconciler rather than by the gateway.
func (h *Handler) webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.respondError(c, apperr.ErrValidation.WithMessage("unreadable body"))
		return
	}

	headers := make(map[string]string, len(c.Request.Header))
	for name, values := range c.Request.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	res, err := h.deps.Webhook.Execute(c.Request.Context(), service.WebhookInput{
		Gateway:   c.Query("gateway"),
		Body:      body,
		Headers:   headers,
		IPAddress: c.ClientIP(),
	})
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidSignature) || errors.Is(err, apperr.ErrUnknownGateway) {
			h.respondError(c, err)
			return
		}
		h.logger.Error("Webhook processing failed",
			zap.String("gateway", c.Query("gateway")), zap.Error(err))
		respondOK(c, http.StatusOK, gin.H{"received": true, "outcome": "deferred"})
		return
	}
	respondOK(c, http.StatusOK, gin.H{"received": true, "outcome": res.Outcome})
}

// suspiciousCodes are failures that count towards the anti-fraud velocity
// limit of the client.
var suspiciousCodes = map[string]bool{
	apperr.ErrGateway.Code:             true,
	apperr.ErrAmountTooLow.Code:        true,
	apperr.ErrAmountTooHigh.Code:       true,
	apperr.ErrInvalidPromo.Code:        true,
	apperr.ErrCurrencyMismatch.Code:    true,
	apperr.ErrForbidden.Code:           true,
	apperr.ErrOrderNotFound.Code:       true,
	apperr.ErrRefundAmountInvalid.Code: true,
	apperr.ErrNotRefundable.Code:       true,
}

func (h *Handler) fail(c *gin.Context, err error) {
	if appErr, ok := apperr.From(err); ok && suspiciousCodes[appErr.Code] && h.guard != nil {
		h.guard.RegisterFailure(c.Request.Context(), c.ClientIP())
	}
	h.respondError(c, err)
}
