package correlate

import (
	"context"
	"time"

	"github.com/leadwise/attribution/internal/model"
	"github.com/leadwise/attribution/internal/store"
)

// mockSessions serves a fixed slate of sessions to the correlator.
type mockSessions struct {
	byToken  *model.TrackingSession
	inWindow []model.TrackingSession
	err      error

	tokenCalls  int
	windowCalls int
}

func (m *mockSessions) LatestPendingByToken(_ context.Context, _ string, _ time.Time) (*model.TrackingSession, error) {
	m.tokenCalls++
	return m.byToken, m.err
}

func (m *mockSessions) PendingInWindow(_ context.Context, _, _ time.Time) ([]model.TrackingSession, error) {
	m.windowCalls++
	return m.inWindow, m.err
}

// mockApplierStore records applier writes and simulates races.
type mockApplierStore struct {
	contact       *model.Contact
	enrichApplied bool
	consumeWon    bool
	rekeyMoved    bool

	created  []*model.Contact
	enriched []store.Attribution
	touched  []touchCall
	consumed []string
	rekeys   [][2]string
}

type touchCall struct {
	phone, firstMessage, note string
}

func newMockApplierStore() *mockApplierStore {
	return &mockApplierStore{enrichApplied: true, consumeWon: true, rekeyMoved: true}
}

func (m *mockApplierStore) GetContact(_ context.Context, _ []string) (*model.Contact, error) {
	return m.contact, nil
}

func (m *mockApplierStore) CreateContact(_ context.Context, c *model.Contact) error {
	m.created = append(m.created, c)
	return nil
}

func (m *mockApplierStore) EnrichContact(_ context.Context, _ string, attr store.Attribution) (bool, error) {
	m.enriched = append(m.enriched, attr)
	return m.enrichApplied, nil
}

func (m *mockApplierStore) TouchContact(_ context.Context, phone, firstMessage, note string) error {
	m.touched = append(m.touched, touchCall{phone, firstMessage, note})
	return nil
}

func (m *mockApplierStore) ConsumeSession(_ context.Context, sessionID string) (bool, error) {
	m.consumed = append(m.consumed, sessionID)
	return m.consumeWon, nil
}

func (m *mockApplierStore) RekeyDevice(_ context.Context, oldKey, newKey string) (bool, error) {
	m.rekeys = append(m.rekeys, [2]string{oldKey, newKey})
	return m.rekeyMoved, nil
}
