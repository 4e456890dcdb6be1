package suggest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadwise/attribution/internal/correlate"
	"github.com/leadwise/attribution/internal/model"
	"github.com/leadwise/attribution/internal/phone"
	"github.com/leadwise/attribution/internal/store"
)

var baseTime = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type mockStore struct {
	contacts []model.Contact
	sessions []model.TrackingSession
	devices  map[string]*model.DeviceIdentityRecord
	session  *model.TrackingSession
}

func (m *mockStore) ListOrphanContacts(_ context.Context, _ store.OrphanFilter) ([]model.Contact, error) {
	return m.contacts, nil
}

func (m *mockStore) PendingInWindow(_ context.Context, _, _ time.Time) ([]model.TrackingSession, error) {
	return m.sessions, nil
}

func (m *mockStore) GetSession(_ context.Context, _ string) (*model.TrackingSession, error) {
	return m.session, nil
}

func (m *mockStore) GetDevice(_ context.Context, key string) (*model.DeviceIdentityRecord, error) {
	return m.devices[key], nil
}

func orphan(phone string, created time.Time) model.Contact {
	return model.Contact{
		Phone:          phone,
		TrackingMethod: model.TrackingOrganic,
		CreatedAt:      created,
	}
}

func TestSuggest_WeightedScoring(t *testing.T) {
	contact := orphan("5511999990000", baseTime)
	st := &mockStore{
		contacts: []model.Contact{contact},
		devices: map[string]*model.DeviceIdentityRecord{
			"5511999990000": {
				IdentityKey:      "5511999990000",
				IPAddress:        "203.0.113.5",
				UserAgent:        "UA-X",
				Timezone:         "America/Sao_Paulo",
				Language:         "pt-BR",
				ScreenResolution: "390x844",
			},
		},
		sessions: []model.TrackingSession{
			{
				ID:               "full",
				IPAddress:        "203.0.113.5",
				UserAgent:        "UA-X",
				Timezone:         "America/Sao_Paulo",
				Language:         "pt-BR",
				ScreenResolution: "390x844",
				CampaignID:       "camp-1",
				CreatedAt:        baseTime.Add(-30 * time.Minute),
			},
			{
				ID:        "ip-only",
				IPAddress: "203.0.113.5",
				UserAgent: "UA-other",
				CreatedAt: baseTime.Add(-3 * time.Hour),
			},
		},
	}
	e := New(st, nil, WithNow(func() time.Time { return baseTime }))

	out, err := e.Suggest(context.Background(), 48, "")
	require.NoError(t, err)
	require.Len(t, out, 2)

	// All five factors: 0.30+0.20+0.15+0.15+0.20 = 1.00, band high.
	assert.Equal(t, "full", out[0].SessionID)
	assert.InDelta(t, 1.0, out[0].Score, 1e-9)
	assert.Equal(t, model.BandHigh, out[0].Band)
	assert.Contains(t, out[0].Factors, "ip_match")
	assert.Contains(t, out[0].Factors, "temporal_1h")

	// IP plus the 4h temporal tier: 0.30+0.15 = 0.45, band low.
	assert.Equal(t, "ip-only", out[1].SessionID)
	assert.InDelta(t, 0.45, out[1].Score, 1e-9)
	assert.Equal(t, model.BandLow, out[1].Band)
}

// Temporal proximity alone never yields a suggestion: at least one
// fingerprint factor must match.
func TestSuggest_RequiresFingerprintFactor(t *testing.T) {
	st := &mockStore{
		contacts: []model.Contact{orphan("5511999990000", baseTime)},
		sessions: []model.TrackingSession{
			{ID: "stranger", IPAddress: "198.51.100.1", CreatedAt: baseTime.Add(-10 * time.Minute)},
		},
	}
	e := New(st, nil, WithNow(func() time.Time { return baseTime }))

	out, err := e.Suggest(context.Background(), 48, "")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSuggest_StableOrdering(t *testing.T) {
	device := &model.DeviceIdentityRecord{
		IdentityKey: "5511999990000",
		IPAddress:   "203.0.113.5",
	}
	st := &mockStore{
		contacts: []model.Contact{orphan("5511999990000", baseTime)},
		devices:  map[string]*model.DeviceIdentityRecord{"5511999990000": device},
		sessions: []model.TrackingSession{
			{ID: "older", IPAddress: "203.0.113.5", CreatedAt: baseTime.Add(-50 * time.Minute)},
			{ID: "newer", IPAddress: "203.0.113.5", CreatedAt: baseTime.Add(-20 * time.Minute)},
		},
	}
	e := New(st, nil, WithNow(func() time.Time { return baseTime }))

	first, err := e.Suggest(context.Background(), 48, "")
	require.NoError(t, err)
	second, err := e.Suggest(context.Background(), 48, "")
	require.NoError(t, err)

	require.Len(t, first, 2)
	// Equal scores: the more recent session ranks first, on every run.
	assert.Equal(t, "newer", first[0].SessionID)
	assert.Equal(t, first, second)
}

func TestSuggest_NoOrphans(t *testing.T) {
	e := New(&mockStore{}, nil, WithNow(func() time.Time { return baseTime }))

	out, err := e.Suggest(context.Background(), 0, "")
	require.NoError(t, err)
	assert.Empty(t, out)
}

type applyRecorder struct {
	created  []*model.Contact
	consumed []string
}

func (r *applyRecorder) GetContact(context.Context, []string) (*model.Contact, error) {
	return nil, nil
}

func (r *applyRecorder) CreateContact(_ context.Context, c *model.Contact) error {
	r.created = append(r.created, c)
	return nil
}

func (r *applyRecorder) EnrichContact(context.Context, string, store.Attribution) (bool, error) {
	return true, nil
}

func (r *applyRecorder) TouchContact(context.Context, string, string, string) error {
	return nil
}

func (r *applyRecorder) ConsumeSession(_ context.Context, id string) (bool, error) {
	r.consumed = append(r.consumed, id)
	return true, nil
}

func (r *applyRecorder) RekeyDevice(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestApprove_AppliesThroughApplier(t *testing.T) {
	st := &mockStore{
		session: &model.TrackingSession{
			ID:         "s-1",
			CampaignID: "camp-1",
			UTM:        model.UTMParams{Source: "facebook", Medium: "cpc"},
			Status:     model.SessionPending,
			CreatedAt:  baseTime.Add(-time.Hour),
		},
	}
	rec := &applyRecorder{}
	e := New(st, correlate.NewApplier(rec, phone.New("55")), WithNow(func() time.Time { return baseTime }))

	res, err := e.Approve(context.Background(), "5511999990000", "s-1", "operator confirmed campaign")
	require.NoError(t, err)
	assert.Equal(t, correlate.ApplyCreated, res.Status)
	assert.Equal(t, []string{"s-1"}, rec.consumed)
	require.Len(t, rec.created, 1)
	assert.Equal(t, model.TrackingUTMCorrelation, rec.created[0].TrackingMethod)
}

func TestApprove_RejectsConsumedSession(t *testing.T) {
	st := &mockStore{
		session: &model.TrackingSession{ID: "s-1", Status: model.SessionMatched},
	}
	e := New(st, correlate.NewApplier(&applyRecorder{}, phone.New("55")))

	_, err := e.Approve(context.Background(), "5511999990000", "s-1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not pending")
}

func TestBandFor(t *testing.T) {
	assert.Equal(t, model.BandHigh, bandFor(0.85))
	assert.Equal(t, model.BandMedium, bandFor(0.5))
	assert.Equal(t, model.BandLow, bandFor(0.49))
}
