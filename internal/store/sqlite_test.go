package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadwise/attribution/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "attribution.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testSession(id, token string, createdAt time.Time) *model.TrackingSession {
	return &model.TrackingSession{
		ID:               id,
		IPAddress:        "203.0.113.5",
		UserAgent:        "UA-X",
		ScreenResolution: "1080x1920",
		Timezone:         "America/Sao_Paulo",
		Language:         "pt-BR",
		CampaignID:       "camp-1",
		UTM:              model.UTMParams{Source: "facebook", Medium: "cpc", Campaign: "promo"},
		ClickToken:       token,
		Status:           model.SessionPending,
		CreatedAt:        createdAt,
	}
}

func TestSQLiteStore_SessionLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateSession(ctx, testSession("sess-1", "abc123", now.Add(-10*time.Minute))))
	require.NoError(t, s.CreateSession(ctx, testSession("sess-2", "abc123", now.Add(-5*time.Minute))))

	// Most recent pending session wins the token lookup.
	sess, err := s.LatestPendingByToken(ctx, "abc123", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "sess-2", sess.ID)

	// First consumer wins, second loses.
	won, err := s.ConsumeSession(ctx, "sess-2")
	require.NoError(t, err)
	assert.True(t, won)
	won, err = s.ConsumeSession(ctx, "sess-2")
	require.NoError(t, err)
	assert.False(t, won)

	// Consumed sessions drop out of the token lookup.
	sess, err = s.LatestPendingByToken(ctx, "abc123", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "sess-1", sess.ID)

	// GetSession sees the consumed row with its final status.
	sess, err = s.GetSession(ctx, "sess-2")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, model.SessionMatched, sess.Status)

	sess, err = s.GetSession(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSQLiteStore_PendingInWindow(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateSession(ctx, testSession("in-window", "", now.Add(-time.Hour))))
	require.NoError(t, s.CreateSession(ctx, testSession("too-old", "", now.Add(-5*time.Hour))))

	sessions, err := s.PendingInWindow(ctx, now.Add(-2*time.Hour), now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "in-window", sessions[0].ID)
}

func TestSQLiteStore_ExpireAndPurge(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateSession(ctx, testSession("stale", "", now.Add(-48*time.Hour))))
	require.NoError(t, s.CreateSession(ctx, testSession("fresh", "", now)))

	expired, err := s.ExpireSessions(ctx, now.Add(-36*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	// Expired rows never reappear in correlator reads.
	sessions, err := s.PendingInWindow(ctx, now.Add(-72*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "fresh", sessions[0].ID)

	purged, err := s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	// Purging again is a no-op.
	purged, err = s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, purged)
}

func TestSQLiteStore_DeviceRekey(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := &model.DeviceIdentityRecord{
		IdentityKey: "PENDING_abc123",
		IPAddress:   "203.0.113.5",
		UserAgent:   "UA-X",
		ClickToken:  "abc123",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.UpsertDevice(ctx, rec))

	moved, err := s.RekeyDevice(ctx, "PENDING_abc123", "5511999990000")
	require.NoError(t, err)
	assert.True(t, moved)

	got, err := s.GetDevice(ctx, "5511999990000")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abc123", got.ClickToken)

	gone, err := s.GetDevice(ctx, "PENDING_abc123")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSQLiteStore_DeviceRekey_TargetExists(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertDevice(ctx, &model.DeviceIdentityRecord{IdentityKey: "5511999990000", CreatedAt: now}))
	require.NoError(t, s.UpsertDevice(ctx, &model.DeviceIdentityRecord{IdentityKey: "PENDING_abc123", CreatedAt: now}))

	moved, err := s.RekeyDevice(ctx, "PENDING_abc123", "5511999990000")
	require.NoError(t, err)
	assert.False(t, moved)

	// The stale placeholder is dropped rather than duplicated.
	gone, err := s.GetDevice(ctx, "PENDING_abc123")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSQLiteStore_ContactEnrichmentGuard(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := &model.Contact{
		Phone:          "5511999990000",
		TrackingMethod: model.TrackingOrganic,
		FirstMessage:   "oi",
		LastContactAt:  now,
		CreatedAt:      now,
	}
	require.NoError(t, s.CreateContact(ctx, c))

	// First enrichment applies.
	applied, err := s.EnrichContact(ctx, c.Phone, Attribution{
		CampaignID:      "camp-1",
		UTM:             model.UTMParams{Source: "facebook", Medium: "cpc"},
		TrackingMethod:  model.TrackingUTMCorrelation,
		ConfidenceScore: 95,
		Provenance:      []string{model.ProvenanceCorrelation},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	// Second enrichment never downgrades the existing attribution.
	applied, err = s.EnrichContact(ctx, c.Phone, Attribution{
		CampaignID:      "camp-2",
		TrackingMethod:  model.TrackingUTMCorrelation,
		ConfidenceScore: 70,
	})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetContact(ctx, []string{c.Phone})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "camp-1", got.CampaignID)
	assert.Equal(t, 95, got.ConfidenceScore)
}

func TestSQLiteStore_TouchContact_FirstMessageImmutable(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateContact(ctx, &model.Contact{
		Phone:         "5511999990000",
		LastContactAt: now,
		CreatedAt:     now,
	}))

	// First touch sets first_message.
	require.NoError(t, s.TouchContact(ctx, "5511999990000", "primeira", "note one"))
	// Later touches never overwrite it.
	require.NoError(t, s.TouchContact(ctx, "5511999990000", "segunda", "note two"))

	got, err := s.GetContact(ctx, []string{"5511999990000"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "primeira", got.FirstMessage)
	assert.Equal(t, []string{"note one", "note two"}, got.Notes)
}

func TestSQLiteStore_CreateContact_Idempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &model.Contact{Phone: "5511999990000", Name: "First", LastContactAt: now, CreatedAt: now}
	dup := &model.Contact{Phone: "5511999990000", Name: "Dup", LastContactAt: now, CreatedAt: now}

	require.NoError(t, s.CreateContact(ctx, first))
	require.NoError(t, s.CreateContact(ctx, dup))

	got, err := s.GetContact(ctx, []string{"5511999990000"})
	require.NoError(t, err)
	assert.Equal(t, "First", got.Name)
}

func TestSQLiteStore_ListOrphanContacts(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateContact(ctx, &model.Contact{
		Phone: "5511999990001", TrackingMethod: model.TrackingOrganic,
		LastContactAt: now, CreatedAt: now,
	}))
	require.NoError(t, s.CreateContact(ctx, &model.Contact{
		Phone: "5511999990002", CampaignID: "camp-1", TrackingMethod: model.TrackingCTWACampaign,
		LastContactAt: now, CreatedAt: now,
	}))

	orphans, err := s.ListOrphanContacts(ctx, OrphanFilter{Since: now.Add(-48 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "5511999990001", orphans[0].Phone)

	// Phone filter narrows to one contact.
	orphans, err = s.ListOrphanContacts(ctx, OrphanFilter{Since: now.Add(-48 * time.Hour), Phone: "5511999990002"})
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestSQLiteStore_IncrRateCounter_Window(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := s.IncrRateCounter(ctx, "webhook:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.IncrRateCounter(ctx, "webhook:1.2.3.4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// A zero-length window resets immediately.
	n, err = s.IncrRateCounter(ctx, "webhook:1.2.3.4", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteStore_Counts(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.CreateSession(ctx, testSession("a", "", now)))
	require.NoError(t, s.CreateSession(ctx, testSession("b", "", now)))
	_, err := s.ConsumeSession(ctx, "a")
	require.NoError(t, err)

	counts, err := s.SessionStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.SessionPending])
	assert.Equal(t, 1, counts[model.SessionMatched])

	require.NoError(t, s.CreateContact(ctx, &model.Contact{
		Phone: "5511999990001", TrackingMethod: model.TrackingOrganic,
		LastContactAt: now, CreatedAt: now,
	}))
	methods, err := s.TrackingMethodCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, methods[model.TrackingOrganic])
}
