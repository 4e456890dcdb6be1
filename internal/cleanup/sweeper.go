package cleanup

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// SessionPruner is the slice of the store the sweeper drives.
type SessionPruner interface {
	ExpireSessions(ctx context.Context, olderThan time.Time) (int, error)
	PurgeExpired(ctx context.Context, olderThan time.Time) (int, error)
}

// Sweeper ages out unmatched tracking sessions. Pending rows older than
// the TTL become expired so no correlator ever reads them again; expired
// rows past the retention horizon are deleted. Both steps are idempotent
// conditional writes, so overlapping sweeps are harmless.
type Sweeper struct {
	store     SessionPruner
	ttl       time.Duration
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

// New builds a sweeper. ttl bounds how long a pending session stays
// correlatable; retention bounds how long expired rows are kept for
// inspection before the purge removes them.
func New(store SessionPruner, ttl, retention, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:     store,
		ttl:       ttl,
		retention: retention,
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs a single expire-then-purge pass.
func (s *Sweeper) RunOnce(ctx context.Context) (expired, purged int, err error) {
	now := s.now()
	expired, err = s.store.ExpireSessions(ctx, now.Add(-s.ttl))
	if err != nil {
		return 0, 0, eris.Wrap(err, "cleanup: expire sessions")
	}
	purged, err = s.store.PurgeExpired(ctx, now.Add(-s.retention))
	if err != nil {
		return expired, 0, eris.Wrap(err, "cleanup: purge expired")
	}
	if expired > 0 || purged > 0 {
		zap.L().Info("cleanup: sweep complete",
			zap.Int("expired", expired),
			zap.Int("purged", purged))
	}
	return expired, purged, nil
}

// Run sweeps on the configured interval until the context is cancelled.
// Sweep failures are logged and retried on the next tick rather than
// terminating the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := s.RunOnce(ctx); err != nil {
				zap.L().Error("cleanup: sweep failed", zap.Error(err))
			}
		}
	}
}
