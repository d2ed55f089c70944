package gateway

import (
	"context"
	"errors"
	"time"

	"payment-service/internal/ports"
	"payment-service/internal/util"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

type ResilienceConfig struct {
	Timeout          time.Duration
	FailureThreshold int
	OpenFor          time.Duration
}

// Resilient bounds every outbound call to a gateway with a timeout and stops
// calling it for a while after consecutive failures.
type Resilient struct {
	inner   ports.PaymentGateway
	breaker *gobreaker.CircuitBreaker[any]
	timeout time.Duration
	logger  *zap.Logger
}

func NewResilient(inner ports.PaymentGateway, cfg ResilienceConfig, logger *zap.Logger) *Resilient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	log := logger.With(zap.String("gateway", inner.Name()))
	threshold := uint32(cfg.FailureThreshold)

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Gateway circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Resilient{inner: inner, breaker: breaker, timeout: cfg.Timeout, logger: log}
}

func (r *Resilient) Name() string { return r.inner.Name() }

func (r *Resilient) CreatePayment(ctx context.Context, req ports.PaymentRequest) (*ports.PaymentIntent, error) {
	return call(ctx, r, "create_payment", func(ctx context.Context) (*ports.PaymentIntent, error) {
		return r.inner.CreatePayment(ctx, req)
	})
}

// VerifyWebhook is not counted by the breaker: forged deliveries must not
// open the circuit for legitimate traffic.
func (r *Resilient) VerifyWebhook(ctx context.Context, body []byte, headers map[string]string) (*ports.WebhookVerification, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.inner.VerifyWebhook(ctx, body, headers)
}

func (r *Resilient) GetPaymentStatus(ctx context.Context, gatewayOrderID string) (*ports.PaymentStatus, error) {
	return call(ctx, r, "get_payment_status", func(ctx context.Context) (*ports.PaymentStatus, error) {
		return r.inner.GetPaymentStatus(ctx, gatewayOrderID)
	})
}

func (r *Resilient) Refund(ctx context.Context, req ports.RefundRequest) (*ports.RefundResult, error) {
	return call(ctx, r, "refund", func(ctx context.Context) (*ports.RefundResult, error) {
		return r.inner.Refund(ctx, req)
	})
}

// State exposes the breaker state for readiness reporting.
// CancelPayment forwards to the inner gateway. Gateways without cancellation
// have nothing left payable once they report a failure.
func (r *Resilient) CancelPayment(ctx context.Context, gatewayOrderID string) error {
	canceller, ok := r.inner.(ports.PaymentCanceller)
	if !ok {
		return nil
	}
	_, err := call(ctx, r, "cancel_payment", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, canceller.CancelPayment(ctx, gatewayOrderID)
	})
	return err
}

func (r *Resilient) State() gobreaker.State {
	return r.breaker.State()
}

func call[T any](ctx context.Context, r *Resilient, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	res, err := r.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	util.GatewayRequestDuration.WithLabelValues(r.inner.Name(), operation).Observe(time.Since(start).Seconds())
	if err != nil {
		util.GatewayErrorsTotal.WithLabelValues(r.inner.Name(), operation).Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.logger.Warn("Gateway call short-circuited", zap.String("operation", operation))
		}
		return zero, err
	}
	out, _ := res.(T)
	return out, nil
}

var (
	_ ports.PaymentGateway   = (*Resilient)(nil)
	_ ports.PaymentCanceller = (*Resilient)(nil)
)
