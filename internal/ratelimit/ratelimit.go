package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Counter is a persisted, atomically incremented windowed counter
// shared across handler instances.
type Counter interface {
	IncrRateCounter(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Limiter enforces a fixed-window request quota per client key backed
// by shared storage, so the limit holds across replicas.
type Limiter struct {
	counter Counter
	limit   int64
	window  time.Duration
}

func New(counter Counter, limit int, window time.Duration) *Limiter {
	return &Limiter{counter: counter, limit: int64(limit), window: window}
}

// Allow reports whether the request identified by key may proceed. When
// the counter storage is unavailable the limiter fails open: the request
// is allowed and a security-relevant warning is logged.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	count, err := l.counter.IncrRateCounter(ctx, key, l.window)
	if err != nil {
		zap.L().Warn("ratelimit: counter unavailable, failing open",
			zap.String("security", "rate_limiter_fail_open"),
			zap.String("key", key),
			zap.Error(err))
		return true
	}
	return count <= l.limit
}
