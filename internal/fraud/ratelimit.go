package fraud

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter allows Max requests per client and route in each Window.
type RateLimiter struct {
	store  CounterStore
	max    int
	window time.Duration
	logger *zap.Logger
}

func NewRateLimiter(store CounterStore, max int, window time.Duration, logger *zap.Logger) *RateLimiter {
	if max <= 0 {
		max = 20
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{store: store, max: max, window: window, logger: logger}
}

func (l *RateLimiter) Allow(ctx context.Context, ip, route string) Decision {
	count, err := l.store.Incr(ctx, "rate:"+ip+":"+route, l.window)
	if err != nil {
		l.logger.Error("RateLimiter: counter unavailable", zap.Error(err))
		return Decision{Allowed: true, Limit: l.max, Remaining: l.max}
	}

	remaining := l.max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{Allowed: count <= int64(l.max), Limit: l.max, Remaining: remaining}
	if !d.Allowed {
		d.RetryAfter = l.window
		l.logger.Warn("RateLimiter: limit exceeded", zap.String("ip", ip), zap.String("route", route))
	}
	return d
}
