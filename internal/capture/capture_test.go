package capture

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadwise/attribution/internal/model"
	"github.com/leadwise/attribution/pkg/geoip"
)

type mockWriter struct {
	sessions []*model.TrackingSession
	devices  []*model.DeviceIdentityRecord
	fail     bool
}

func (m *mockWriter) CreateSession(_ context.Context, s *model.TrackingSession) error {
	if m.fail {
		return eris.New("store down")
	}
	m.sessions = append(m.sessions, s)
	return nil
}

func (m *mockWriter) UpsertDevice(_ context.Context, d *model.DeviceIdentityRecord) error {
	m.devices = append(m.devices, d)
	return nil
}

type mockGeo struct {
	loc *geoip.Location
	err error
}

func (m *mockGeo) Lookup(context.Context, string) (*geoip.Location, error) {
	return m.loc, m.err
}

func TestCapture_UTMClick(t *testing.T) {
	w := &mockWriter{}
	svc := New(w, nil)

	sess, err := svc.Capture(context.Background(), ClickContext{
		IPAddress:  "203.0.113.5",
		UserAgent:  "UA-X",
		Language:   "pt_br",
		CampaignID: "camp-1",
		UTM:        model.UTMParams{Source: "facebook", Medium: "cpc"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, model.SessionPending, sess.Status)
	assert.Equal(t, "pt-BR", sess.Language)
	require.Len(t, w.sessions, 1)
	// No click token means no provisional device record.
	assert.Empty(t, w.devices)
}

func TestCapture_ClickToMessage_WritesPendingDevice(t *testing.T) {
	w := &mockWriter{}
	svc := New(w, nil)

	_, err := svc.Capture(context.Background(), ClickContext{
		IPAddress:  "203.0.113.5",
		UserAgent:  "Mozilla/5.0 (Linux; Android 14) Chrome/120 Mobile Safari/537.36",
		ClickToken: "abc123",
		CampaignID: "camp-1",
	})
	require.NoError(t, err)

	require.Len(t, w.devices, 1)
	d := w.devices[0]
	assert.Equal(t, "PENDING_abc123", d.IdentityKey)
	assert.Equal(t, "abc123", d.ClickToken)
	assert.Equal(t, "chrome", d.Browser)
	assert.Equal(t, "android", d.OS)
	assert.Equal(t, "mobile", d.DeviceType)
	assert.True(t, d.Placeholder())
}

func TestCapture_GeoEnrichment(t *testing.T) {
	w := &mockWriter{}
	svc := New(w, &mockGeo{loc: &geoip.Location{Country: "BR", Region: "SP"}})

	sess, err := svc.Capture(context.Background(), ClickContext{IPAddress: "203.0.113.5"})
	require.NoError(t, err)
	assert.Equal(t, "BR", sess.GeoCountry)
	assert.Equal(t, "SP", sess.GeoRegion)
}

func TestCapture_GeoFailureDoesNotBlock(t *testing.T) {
	w := &mockWriter{}
	svc := New(w, &mockGeo{err: eris.New("timeout")})

	sess, err := svc.Capture(context.Background(), ClickContext{IPAddress: "203.0.113.5"})
	require.NoError(t, err)
	assert.Empty(t, sess.GeoCountry)
	require.Len(t, w.sessions, 1)
}

func TestCapture_StoreError(t *testing.T) {
	svc := New(&mockWriter{fail: true}, nil)

	_, err := svc.Capture(context.Background(), ClickContext{IPAddress: "203.0.113.5"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create session")
}

func TestParseUserAgent(t *testing.T) {
	browser, os, device := parseUserAgent("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0) Safari/604.1 Mobile")
	assert.Equal(t, "safari", browser)
	assert.Equal(t, "ios", os)
	assert.Equal(t, "mobile", device)

	browser, os, device = parseUserAgent("Mozilla/5.0 (Windows NT 10.0; Win64) Chrome/120 Safari/537.36")
	assert.Equal(t, "chrome", browser)
	assert.Equal(t, "windows", os)
	assert.Equal(t, "desktop", device)
}

func TestPartialUserAgentMatch(t *testing.T) {
	a := "Mozilla/5.0 (Linux; Android 14) Chrome/120.0.1 Mobile"
	b := "Mozilla/5.0 (Linux; Android 14) Chrome/120.0.9 Mobile"
	assert.True(t, PartialUserAgentMatch(a, b))

	assert.False(t, PartialUserAgentMatch(a, "curl/8.0"))
	assert.False(t, PartialUserAgentMatch("", b))
}
