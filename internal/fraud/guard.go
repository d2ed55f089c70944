package fraud

import (
	"context"
	"strings"
	"time"

	"payment-service/internal/apperr"

	"go.uber.org/zap"
)

type GuardConfig struct {
	BlockedIPs       []string
	FailureThreshold int
	FailureWindow    time.Duration
}

// Guard is the allow/deny gate consulted before orders are created or paid.
// Counter errors let the request through: the counters are advisory.
type Guard struct {
	store     CounterStore
	blocked   map[string]struct{}
	threshold int64
	window    time.Duration
	logger    *zap.Logger
}

func NewGuard(store CounterStore, cfg GuardConfig, logger *zap.Logger) *Guard {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 10 * time.Minute
	}
	blocked := make(map[string]struct{}, len(cfg.BlockedIPs))
	for _, ip := range cfg.BlockedIPs {
		if ip = strings.TrimSpace(ip); ip != "" {
			blocked[ip] = struct{}{}
		}
	}
	return &Guard{
		store:     store,
		blocked:   blocked,
		threshold: int64(cfg.FailureThreshold),
		window:    cfg.FailureWindow,
		logger:    logger,
	}
}

func failureKey(ip string) string {
	return "failures:" + ip
}

// Check returns FRAUD_BLOCKED for blocked addresses and
// FRAUD_VELOCITY_EXCEEDED once an address reached the failure threshold.
func (g *Guard) Check(ctx context.Context, ip string) error {
	if _, ok := g.blocked[ip]; ok {
		g.logger.Warn("AntiFraud: blocked IP attempt", zap.String("ip", ip))
		return apperr.ErrFraudBlocked
	}

	failures, err := g.store.Get(ctx, failureKey(ip))
	if err != nil {
		g.logger.Error("AntiFraud: failed to read failure counter", zap.String("ip", ip), zap.Error(err))
		return nil
	}
	if failures >= g.threshold {
		g.logger.Warn("AntiFraud: velocity exceeded", zap.String("ip", ip), zap.Int64("failures", failures))
		return apperr.ErrFraudVelocity.WithMeta("failures", failures)
	}
	return nil
}

// RegisterFailure counts a failed payment attempt against ip.
func (g *Guard) RegisterFailure(ctx context.Context, ip string) {
	n, err := g.store.Incr(ctx, failureKey(ip), g.window)
	if err != nil {
		g.logger.Error("AntiFraud: failed to register failure", zap.String("ip", ip), zap.Error(err))
		return
	}
	g.logger.Debug("AntiFraud: failure registered", zap.String("ip", ip), zap.Int64("failures", n))
}
