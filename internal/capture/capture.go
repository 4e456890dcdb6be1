// Package capture writes a tracking session (and, for click-to-message
// flows, a provisional device identity record) at ad-click time.
package capture

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/leadwise/attribution/internal/model"
	"github.com/leadwise/attribution/pkg/geoip"
)

// ClickContext is the device/network fingerprint available at click time.
type ClickContext struct {
	DeviceFingerprint string
	IPAddress         string
	UserAgent         string
	ScreenResolution  string
	Language          string
	Timezone          string
	Referrer          string
	LandingURL        string
	CampaignID        string
	UTM               model.UTMParams
	ClickToken        string
}

// SessionWriter is the store surface the capture service needs.
type SessionWriter interface {
	CreateSession(ctx context.Context, s *model.TrackingSession) error
	UpsertDevice(ctx context.Context, d *model.DeviceIdentityRecord) error
}

// Service captures click events into the session store.
type Service struct {
	store SessionWriter
	geo   geoip.Client // may be nil
	now   func() time.Time
}

// New creates a capture Service. geo may be nil to disable enrichment.
func New(store SessionWriter, geo geoip.Client) *Service {
	return &Service{store: store, geo: geo, now: time.Now}
}

// WithNow sets a fixed clock for testing.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// Capture inserts one pending TrackingSession and, when a click token is
// present, a provisional device record keyed by PENDING_<token>.
func (s *Service) Capture(ctx context.Context, click ClickContext) (*model.TrackingSession, error) {
	now := s.now().UTC()

	sess := &model.TrackingSession{
		ID:                uuid.New().String(),
		DeviceFingerprint: click.DeviceFingerprint,
		IPAddress:         click.IPAddress,
		UserAgent:         click.UserAgent,
		ScreenResolution:  click.ScreenResolution,
		Language:          canonicalLanguage(click.Language),
		Timezone:          click.Timezone,
		Referrer:          click.Referrer,
		LandingURL:        click.LandingURL,
		CampaignID:        click.CampaignID,
		UTM:               click.UTM,
		ClickToken:        click.ClickToken,
		Status:            model.SessionPending,
		CreatedAt:         now,
	}

	// Geo enrichment is best-effort: on timeout or error the fields stay
	// empty and the write proceeds.
	if s.geo != nil && click.IPAddress != "" {
		if loc, err := s.geo.Lookup(ctx, click.IPAddress); err == nil {
			sess.GeoCountry = loc.Country
			sess.GeoRegion = loc.Region
		} else {
			zap.L().Debug("capture: geo lookup skipped",
				zap.String("ip", click.IPAddress),
				zap.Error(err),
			)
		}
	}

	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, eris.Wrap(err, "capture: create session")
	}

	if click.ClickToken != "" {
		browser, os, deviceType := parseUserAgent(click.UserAgent)
		rec := &model.DeviceIdentityRecord{
			IdentityKey:      model.PendingDevicePrefix + click.ClickToken,
			IPAddress:        click.IPAddress,
			UserAgent:        click.UserAgent,
			Browser:          browser,
			OS:               os,
			DeviceType:       deviceType,
			ScreenResolution: click.ScreenResolution,
			Timezone:         click.Timezone,
			Language:         sess.Language,
			UTM:              click.UTM,
			ClickToken:       click.ClickToken,
			CreatedAt:        now,
		}
		if err := s.store.UpsertDevice(ctx, rec); err != nil {
			return nil, eris.Wrap(err, "capture: upsert device")
		}
	}

	zap.L().Info("capture: session recorded",
		zap.String("session_id", sess.ID),
		zap.String("campaign_id", sess.CampaignID),
		zap.Bool("has_token", sess.ClickToken != ""),
	)
	return sess, nil
}

// canonicalLanguage normalizes an Accept-Language style value so the
// correlators compare like with like ("pt_br" and "pt-BR" must match).
func canonicalLanguage(raw string) string {
	if raw == "" {
		return ""
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return raw
	}
	return tag.String()
}
