package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type mockCounter struct {
	count int64
	err   error
	keys  []string
}

func (m *mockCounter) IncrRateCounter(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.keys = append(m.keys, key)
	if m.err != nil {
		return 0, m.err
	}
	m.count++
	return m.count, nil
}

func TestAllow_UnderLimit(t *testing.T) {
	l := New(&mockCounter{}, 3, time.Minute)
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "203.0.113.5"))
	assert.True(t, l.Allow(ctx, "203.0.113.5"))
	assert.True(t, l.Allow(ctx, "203.0.113.5"))
	assert.False(t, l.Allow(ctx, "203.0.113.5"))
}

func TestAllow_FailsOpen(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	c := &mockCounter{err: eris.New("connection refused")}
	l := New(c, 1, time.Minute)

	assert.True(t, l.Allow(context.Background(), "203.0.113.5"))
	assert.True(t, l.Allow(context.Background(), "203.0.113.5"))
	assert.Equal(t, []string{"203.0.113.5", "203.0.113.5"}, c.keys)

	// Each fail-open is a security-relevant event.
	entries := logs.FilterField(zap.String("security", "rate_limiter_fail_open")).All()
	assert.Len(t, entries, 2)
}
