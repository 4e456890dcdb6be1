package store

import (
	"context"
	"time"

	"github.com/leadwise/attribution/internal/model"
)

// Attribution is the set of fields the applier writes onto a contact.
type Attribution struct {
	CampaignID      string
	UTM             model.UTMParams
	TrackingMethod  model.TrackingMethod
	ConfidenceScore int
	Provenance      []string
}

// OrphanFilter selects contacts for the retrospective suggestion scan.
type OrphanFilter struct {
	Since time.Time
	Phone string // optional: restrict to a single contact
	Limit int
}

// Store defines the persistence interface for the attribution engine.
type Store interface {
	// Tracking sessions
	CreateSession(ctx context.Context, s *model.TrackingSession) error
	GetSession(ctx context.Context, id string) (*model.TrackingSession, error)
	LatestPendingByToken(ctx context.Context, token string, since time.Time) (*model.TrackingSession, error)
	PendingInWindow(ctx context.Context, from, to time.Time) ([]model.TrackingSession, error)
	// ConsumeSession transitions pending->matched atomically and reports
	// whether this caller won the transition.
	ConsumeSession(ctx context.Context, sessionID string) (bool, error)
	ExpireSessions(ctx context.Context, olderThan time.Time) (int, error)
	PurgeExpired(ctx context.Context, olderThan time.Time) (int, error)

	// Device identity cache
	UpsertDevice(ctx context.Context, d *model.DeviceIdentityRecord) error
	GetDevice(ctx context.Context, identityKey string) (*model.DeviceIdentityRecord, error)
	// RekeyDevice moves a PENDING_<token> record to a real phone key and
	// reports whether a record was moved.
	RekeyDevice(ctx context.Context, oldKey, newKey string) (bool, error)

	// Contacts
	// GetContact resolves the first contact matching any of the given
	// phone representations, in order of preference.
	GetContact(ctx context.Context, phones []string) (*model.Contact, error)
	CreateContact(ctx context.Context, c *model.Contact) error
	// EnrichContact writes attribution only when the contact has none;
	// reports whether the write applied.
	EnrichContact(ctx context.Context, phone string, attr Attribution) (bool, error)
	// TouchContact updates last_contact_at, appends a note, and sets
	// first_message only if currently empty.
	TouchContact(ctx context.Context, phone, firstMessage, note string) error
	ListOrphanContacts(ctx context.Context, filter OrphanFilter) ([]model.Contact, error)

	// Rate limiting
	// IncrRateCounter atomically increments the windowed counter for a
	// client key, resetting it when the window has rolled over, and
	// returns the post-increment count.
	IncrRateCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Stats
	SessionStatusCounts(ctx context.Context) (map[model.SessionStatus]int, error)
	TrackingMethodCounts(ctx context.Context) (map[model.TrackingMethod]int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
