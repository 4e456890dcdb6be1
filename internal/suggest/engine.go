package suggest

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/leadwise/attribution/internal/correlate"
	"github.com/leadwise/attribution/internal/model"
	"github.com/leadwise/attribution/internal/store"
)

// Weights is the scoring model for retrospective suggestions. Unlike
// the live correlator's integer scores, suggestions use fractional
// weights summing well past 1.0 so partial evidence still surfaces.
type Weights struct {
	IPMatch       float64 `yaml:"ip_match"`
	UserAgent     float64 `yaml:"user_agent"`
	TemporalHour  float64 `yaml:"temporal_hour"`
	TemporalShort float64 `yaml:"temporal_short"` // under 4h
	TemporalDay   float64 `yaml:"temporal_day"`
	GeoProfile    float64 `yaml:"geo_profile"`
	DeviceProfile float64 `yaml:"device_profile"`
}

// DefaultWeights returns the production suggestion weights.
func DefaultWeights() Weights {
	return Weights{
		IPMatch:       0.30,
		UserAgent:     0.20,
		TemporalHour:  0.20,
		TemporalShort: 0.15,
		TemporalDay:   0.10,
		GeoProfile:    0.15,
		DeviceProfile: 0.15,
	}
}

// Band thresholds for operator display.
const (
	bandHighMin   = 0.8
	bandMediumMin = 0.5
)

// DefaultWindowHours is the orphan-contact lookback when the caller
// does not specify one.
const DefaultWindowHours = 48

// sessionLookahead covers sessions captured shortly after the contact's
// first message, e.g. a page visit following the chat.
const sessionLookahead = 4 * time.Hour

// Store is the read-only slice of the store the engine scans.
type Store interface {
	ListOrphanContacts(ctx context.Context, filter store.OrphanFilter) ([]model.Contact, error)
	PendingInWindow(ctx context.Context, from, to time.Time) ([]model.TrackingSession, error)
	GetSession(ctx context.Context, id string) (*model.TrackingSession, error)
	GetDevice(ctx context.Context, identityKey string) (*model.DeviceIdentityRecord, error)
}

// Engine produces ranked, human-approved correlation suggestions for
// contacts that arrived without attribution. It never writes; approvals
// go through the same applier as live correlation.
type Engine struct {
	store       Store
	weights     Weights
	applier     *correlate.Applier
	concurrency int
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWeights overrides the default scoring weights.
func WithWeights(w Weights) Option {
	return func(e *Engine) { e.weights = w }
}

// WithConcurrency bounds the per-contact scoring fanout.
func WithConcurrency(n int) Option {
	return func(e *Engine) { e.concurrency = n }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(st Store, applier *correlate.Applier, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		weights:     DefaultWeights(),
		applier:     applier,
		concurrency: 4,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Suggest scans orphan contacts created within the window and scores
// every still-pending session around each contact's arrival. phone, when
// set, restricts the scan to a single contact. Results are ordered by
// descending score, ties broken by most recent session, so identical
// snapshots always rank identically.
func (e *Engine) Suggest(ctx context.Context, windowHours int, phone string) ([]model.CorrelationSuggestion, error) {
	if windowHours <= 0 {
		windowHours = DefaultWindowHours
	}
	window := time.Duration(windowHours) * time.Hour

	contacts, err := e.store.ListOrphanContacts(ctx, store.OrphanFilter{
		Since: e.now().Add(-window),
		Phone: phone,
	})
	if err != nil {
		return nil, eris.Wrap(err, "suggest: list orphans")
	}
	if len(contacts) == 0 {
		return nil, nil
	}

	perContact := make([][]model.CorrelationSuggestion, len(contacts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range contacts {
		g.Go(func() error {
			suggestions, err := e.scoreContact(gctx, &contacts[i], window)
			if err != nil {
				return err
			}
			perContact[i] = suggestions
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []model.CorrelationSuggestion
	for _, s := range perContact {
		all = append(all, s...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].SessionCreatedAt.After(all[j].SessionCreatedAt)
	})
	return all, nil
}

func (e *Engine) scoreContact(ctx context.Context, contact *model.Contact, window time.Duration) ([]model.CorrelationSuggestion, error) {
	sessions, err := e.store.PendingInWindow(ctx,
		contact.CreatedAt.Add(-window), contact.CreatedAt.Add(sessionLookahead))
	if err != nil {
		return nil, eris.Wrap(err, "suggest: scan sessions")
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	device, err := e.store.GetDevice(ctx, contact.Phone)
	if err != nil {
		return nil, eris.Wrap(err, "suggest: device lookup")
	}

	var out []model.CorrelationSuggestion
	for i := range sessions {
		s := &sessions[i]
		score, factors := e.scoreSession(contact, device, s)
		if len(factors) == 0 {
			continue
		}
		out = append(out, model.CorrelationSuggestion{
			ContactPhone:     contact.Phone,
			SessionID:        s.ID,
			CampaignID:       s.CampaignID,
			UTM:              s.UTM,
			Score:            score,
			Band:             bandFor(score),
			Factors:          factors,
			SessionCreatedAt: s.CreatedAt,
			ContactCreatedAt: contact.CreatedAt,
		})
	}
	return out, nil
}

// scoreSession applies the weighted model. Fingerprint factors require a
// device identity record for the contact; without one only the temporal
// factor can contribute, which alone is never enough to produce a
// suggestion.
func (e *Engine) scoreSession(contact *model.Contact, device *model.DeviceIdentityRecord, s *model.TrackingSession) (float64, []string) {
	var score float64
	var factors []string

	if device != nil {
		if device.IPAddress != "" && device.IPAddress == s.IPAddress {
			score += e.weights.IPMatch
			factors = append(factors, "ip_match")
		}
		if device.UserAgent != "" && device.UserAgent == s.UserAgent {
			score += e.weights.UserAgent
			factors = append(factors, "user_agent")
		}
		if device.Timezone != "" && device.Timezone == s.Timezone &&
			device.Language != "" && device.Language == s.Language {
			score += e.weights.GeoProfile
			factors = append(factors, "geo_profile")
		}
		if device.ScreenResolution != "" && device.ScreenResolution == s.ScreenResolution {
			score += e.weights.DeviceProfile
			factors = append(factors, "device_fingerprint")
		}
	}

	if len(factors) == 0 {
		return 0, nil
	}

	dt := contact.CreatedAt.Sub(s.CreatedAt)
	if dt < 0 {
		dt = -dt
	}
	switch {
	case dt <= time.Hour:
		score += e.weights.TemporalHour
		factors = append(factors, "temporal_1h")
	case dt <= 4*time.Hour:
		score += e.weights.TemporalShort
		factors = append(factors, "temporal_4h")
	case dt <= 24*time.Hour:
		score += e.weights.TemporalDay
		factors = append(factors, "temporal_24h")
	}
	return score, factors
}

func bandFor(score float64) model.ConfidenceBand {
	switch {
	case score >= bandHighMin:
		return model.BandHigh
	case score >= bandMediumMin:
		return model.BandMedium
	}
	return model.BandLow
}

// Approve applies an operator-chosen suggestion through the shared
// attribution applier. reason is recorded on the contact's note history.
func (e *Engine) Approve(ctx context.Context, phone, sessionID, reason string) (*correlate.ApplyResult, error) {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "suggest: load session")
	}
	if sess == nil {
		return nil, eris.Errorf("suggest: session %s not found", sessionID)
	}
	if sess.Status != model.SessionPending {
		return nil, eris.Errorf("suggest: session %s is %s, not pending", sessionID, sess.Status)
	}

	candidate := &model.CorrelationCandidate{
		SessionID:  sess.ID,
		CampaignID: sess.CampaignID,
		UTM:        sess.UTM,
		ClickToken: sess.ClickToken,
		Score:      100,
		Method:     "suggestion_approved",
		Factors:    []string{"operator_approval"},
	}
	if reason != "" {
		candidate.Factors = append(candidate.Factors, reason)
	}
	return e.applier.Apply(ctx, phone, "", "", candidate)
}
