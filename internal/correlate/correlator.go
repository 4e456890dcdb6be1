package correlate

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/leadwise/attribution/internal/model"
)

// SessionReader is the slice of the store the correlator needs.
type SessionReader interface {
	LatestPendingByToken(ctx context.Context, token string, since time.Time) (*model.TrackingSession, error)
	PendingInWindow(ctx context.Context, from, to time.Time) ([]model.TrackingSession, error)
}

// Correlator resolves an inbound event to the tracking session that most
// likely produced it: exact token lookup first, multi-factor scoring
// otherwise.
type Correlator struct {
	sessions SessionReader
	profile  Profile
	matchers []Matcher
	now      func() time.Time
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithMatchers replaces the default matcher chain.
func WithMatchers(ms []Matcher) Option {
	return func(c *Correlator) { c.matchers = ms }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Correlator) { c.now = now }
}

func New(sessions SessionReader, profile Profile, opts ...Option) *Correlator {
	c := &Correlator{
		sessions: sessions,
		profile:  profile,
		matchers: defaultMatchers(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MatchByToken resolves the most recent pending session carrying the
// click token within the retention window. Token matches are definitive:
// confidence is fixed at 100 and no scoring runs, so an IP or device
// change between click and message does not break the match.
func (c *Correlator) MatchByToken(ctx context.Context, token string) (*model.CorrelationCandidate, error) {
	if token == "" {
		return nil, nil
	}
	since := c.now().Add(-time.Duration(c.profile.TokenWindowHours) * time.Hour)
	sess, err := c.sessions.LatestPendingByToken(ctx, token, since)
	if err != nil {
		return nil, eris.Wrap(err, "correlate: token lookup")
	}
	if sess == nil {
		return nil, nil
	}
	return &model.CorrelationCandidate{
		SessionID:  sess.ID,
		CampaignID: sess.CampaignID,
		UTM:        sess.UTM,
		ClickToken: token,
		Score:      100,
		Method:     MethodTokenExact,
		Factors:    []string{"click_token"},
	}, nil
}

// MatchByFingerprint scores pending sessions around the observation
// time. Matchers run in order of decreasing specificity; a matcher is
// skipped once the running best score reaches its ceiling, but every
// matcher still in play is evaluated to exhaustion and the maximum wins.
func (c *Correlator) MatchByFingerprint(ctx context.Context, obs Observation) (*model.CorrelationCandidate, error) {
	if obs.IPAddress == "" {
		return nil, nil
	}
	at := obs.ObservedAt
	if at.IsZero() {
		at = c.now()
		obs.ObservedAt = at
	}
	secondary := time.Duration(c.profile.SecondaryWindowMinutes) * time.Minute
	sessions, err := c.sessions.PendingInWindow(ctx, at.Add(-secondary), at.Add(secondary))
	if err != nil {
		return nil, eris.Wrap(err, "correlate: window scan")
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	primary := time.Duration(c.profile.PrimaryWindowMinutes) * time.Minute
	var best *model.CorrelationCandidate
	for _, m := range c.matchers {
		if best != nil && best.Score >= m.Ceiling(c.profile) {
			continue
		}
		for i := range sessions {
			s := &sessions[i]
			window := secondary
			if m.Primary() {
				window = primary
			}
			if !withinWindow(at, s.CreatedAt, window) {
				continue
			}
			score, factors := m.Score(c.profile, obs, s)
			if score == 0 {
				continue
			}
			if best == nil || score > best.Score {
				best = &model.CorrelationCandidate{
					SessionID:  s.ID,
					CampaignID: s.CampaignID,
					UTM:        s.UTM,
					ClickToken: s.ClickToken,
					Score:      score,
					Method:     m.Name(),
					Factors:    factors,
				}
			}
		}
	}
	if best == nil {
		return nil, nil
	}

	if best.UTM.Complete() {
		best.Score += c.profile.UTMCompletenessBonus
		best.Factors = append(best.Factors, "utm_complete")
	}
	if best.Score > 100 {
		best.Score = 100
	}
	if best.Score < c.profile.AcceptThreshold {
		zap.L().Debug("correlate: best candidate below threshold",
			zap.String("session_id", best.SessionID),
			zap.String("method", best.Method),
			zap.Int("score", best.Score))
		return nil, nil
	}
	return best, nil
}

func withinWindow(at, created time.Time, window time.Duration) bool {
	dt := at.Sub(created)
	if dt < 0 {
		dt = -dt
	}
	return dt <= window
}
