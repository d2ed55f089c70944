package gateway

import (
	"fmt"
	"sort"
	"sync"

	"payment-service/config"
	"payment-service/internal/apperr"
	"payment-service/internal/ports"

	"go.uber.org/zap"
)

// Factory builds a gateway from configuration.
type Factory func(cfg *config.Config, logger *zap.Logger) (ports.PaymentGateway, error)

// Registry maps provider names to their factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows every provider shipped with the service.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(MockName, func(cfg *config.Config, logger *zap.Logger) (ports.PaymentGateway, error) {
		return NewMock(MockConfig{Outcome: cfg.Mock.Outcome, WebhookSecret: cfg.Mock.WebhookSecret}), nil
	})
	r.Register(StripeName, func(cfg *config.Config, logger *zap.Logger) (ports.PaymentGateway, error) {
		return NewStripe(StripeConfig{SecretKey: cfg.Stripe.SecretKey, WebhookSecret: cfg.Stripe.WebhookSecret}, logger)
	})
	r.Register(MercadoPagoName, func(cfg *config.Config, logger *zap.Logger) (ports.PaymentGateway, error) {
		return NewMercadoPago(MercadoPagoConfig{
			AccessToken:   cfg.MercadoPago.AccessToken,
			WebhookSecret: cfg.MercadoPago.WebhookSecret,
			BaseURL:       cfg.MercadoPago.BaseURL,
			AppBaseURL:    cfg.MercadoPago.AppBaseURL,
			Timeout:       cfg.Payments.GatewayTimeout,
		}, logger)
	})
	return r
}

func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the enabled gateways, each wrapped with a timeout and a
// circuit breaker. The default gateway is always built.
func (r *Registry) Build(cfg *config.Config, logger *zap.Logger) (*Set, error) {
	names := append([]string{cfg.Payments.DefaultGateway}, cfg.Payments.EnabledGateways...)
	set := &Set{defaultName: cfg.Payments.DefaultGateway, gateways: make(map[string]ports.PaymentGateway)}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if _, done := set.gateways[name]; done {
			continue
		}
		factory, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown payment gateway %q (known: %v)", name, r.namesLocked())
		}
		gw, err := factory(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build gateway %s: %w", name, err)
		}
		set.gateways[name] = NewResilient(gw, ResilienceConfig{
			Timeout:          cfg.Payments.GatewayTimeout,
			FailureThreshold: cfg.Payments.BreakerFailureThreshold,
			OpenFor:          cfg.Payments.BreakerOpenFor,
		}, logger)
		logger.Info("Payment gateway enabled", zap.String("gateway", name))
	}
	return set, nil
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Set is the group of gateways built for this process.
type Set struct {
	defaultName string
	gateways    map[string]ports.PaymentGateway
}

// NewSet groups already built gateways; the first one is the default.
func NewSet(gateways ...ports.PaymentGateway) *Set {
	s := &Set{gateways: make(map[string]ports.PaymentGateway)}
	for i, gw := range gateways {
		if i == 0 {
			s.defaultName = gw.Name()
		}
		s.gateways[gw.Name()] = gw
	}
	return s
}

func (s *Set) Default() ports.PaymentGateway {
	return s.gateways[s.defaultName]
}

func (s *Set) Get(name string) (ports.PaymentGateway, error) {
	gw, ok := s.gateways[name]
	if !ok {
		return nil, apperr.ErrUnknownGateway.WithMeta("gateway", name)
	}
	return gw, nil
}

var _ ports.GatewayResolver = (*Set)(nil)
