package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/leadwise/attribution/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It exists for
// local development and offline runs; production uses Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// races between the CAS update and concurrent captures.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tracking_sessions (
	id                 TEXT PRIMARY KEY,
	device_fingerprint TEXT NOT NULL DEFAULT '',
	ip_address         TEXT NOT NULL DEFAULT '',
	user_agent         TEXT NOT NULL DEFAULT '',
	screen_resolution  TEXT NOT NULL DEFAULT '',
	language           TEXT NOT NULL DEFAULT '',
	timezone           TEXT NOT NULL DEFAULT '',
	referrer           TEXT NOT NULL DEFAULT '',
	landing_url        TEXT NOT NULL DEFAULT '',
	campaign_id        TEXT NOT NULL DEFAULT '',
	utm_source         TEXT NOT NULL DEFAULT '',
	utm_medium         TEXT NOT NULL DEFAULT '',
	utm_campaign       TEXT NOT NULL DEFAULT '',
	utm_content        TEXT NOT NULL DEFAULT '',
	utm_term           TEXT NOT NULL DEFAULT '',
	click_token        TEXT NOT NULL DEFAULT '',
	geo_country        TEXT NOT NULL DEFAULT '',
	geo_region         TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'pending',
	created_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_token ON tracking_sessions(click_token, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_status_created ON tracking_sessions(status, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_ip_created ON tracking_sessions(ip_address, created_at);

CREATE TABLE IF NOT EXISTS device_identities (
	identity_key      TEXT PRIMARY KEY,
	ip_address        TEXT NOT NULL DEFAULT '',
	user_agent        TEXT NOT NULL DEFAULT '',
	browser           TEXT NOT NULL DEFAULT '',
	os                TEXT NOT NULL DEFAULT '',
	device_type       TEXT NOT NULL DEFAULT '',
	screen_resolution TEXT NOT NULL DEFAULT '',
	timezone          TEXT NOT NULL DEFAULT '',
	language          TEXT NOT NULL DEFAULT '',
	utm_source        TEXT NOT NULL DEFAULT '',
	utm_medium        TEXT NOT NULL DEFAULT '',
	utm_campaign      TEXT NOT NULL DEFAULT '',
	utm_content       TEXT NOT NULL DEFAULT '',
	utm_term          TEXT NOT NULL DEFAULT '',
	click_token       TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
	phone            TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	campaign_id      TEXT NOT NULL DEFAULT '',
	utm_source       TEXT NOT NULL DEFAULT '',
	utm_medium       TEXT NOT NULL DEFAULT '',
	utm_campaign     TEXT NOT NULL DEFAULT '',
	utm_content      TEXT NOT NULL DEFAULT '',
	utm_term         TEXT NOT NULL DEFAULT '',
	tracking_method  TEXT NOT NULL DEFAULT '',
	confidence_score INTEGER NOT NULL DEFAULT 0,
	provenance       TEXT NOT NULL DEFAULT '[]',
	first_message    TEXT NOT NULL DEFAULT '',
	last_contact_at  DATETIME NOT NULL,
	notes            TEXT NOT NULL DEFAULT '[]',
	created_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_contacts_method_created ON contacts(tracking_method, created_at);

CREATE TABLE IF NOT EXISTS rate_counters (
	key          TEXT PRIMARY KEY,
	window_start DATETIME NOT NULL,
	count        INTEGER NOT NULL DEFAULT 0
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.TrackingSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tracking_sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.DeviceFingerprint, sess.IPAddress, sess.UserAgent, sess.ScreenResolution,
		sess.Language, sess.Timezone, sess.Referrer, sess.LandingURL, sess.CampaignID,
		sess.UTM.Source, sess.UTM.Medium, sess.UTM.Campaign, sess.UTM.Content, sess.UTM.Term,
		sess.ClickToken, sess.GeoCountry, sess.GeoRegion, string(sess.Status), sess.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert session")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSessionSQL(row rowScanner) (*model.TrackingSession, error) {
	var sess model.TrackingSession
	var status string
	err := row.Scan(&sess.ID, &sess.DeviceFingerprint, &sess.IPAddress, &sess.UserAgent, &sess.ScreenResolution,
		&sess.Language, &sess.Timezone, &sess.Referrer, &sess.LandingURL, &sess.CampaignID,
		&sess.UTM.Source, &sess.UTM.Medium, &sess.UTM.Campaign, &sess.UTM.Content, &sess.UTM.Term,
		&sess.ClickToken, &sess.GeoCountry, &sess.GeoRegion, &status, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = model.SessionStatus(status)
	return &sess, nil
}

func (s *SQLiteStore) LatestPendingByToken(ctx context.Context, token string, since time.Time) (*model.TrackingSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM tracking_sessions
		 WHERE click_token = ? AND status = 'pending' AND created_at >= ?
		 ORDER BY created_at DESC LIMIT 1`,
		token, since,
	)
	sess, err := scanSessionSQL(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: latest pending by token")
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.TrackingSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM tracking_sessions WHERE id = ?`, id)
	sess, err := scanSessionSQL(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get session")
	}
	return sess, nil
}

func (s *SQLiteStore) PendingInWindow(ctx context.Context, from, to time.Time) ([]model.TrackingSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM tracking_sessions
		 WHERE status = 'pending' AND created_at >= ? AND created_at <= ?
		 ORDER BY created_at DESC`,
		from, to,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: pending in window")
	}
	defer rows.Close()

	var sessions []model.TrackingSession
	for rows.Next() {
		sess, err := scanSessionSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan session")
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: pending in window iterate")
}

func (s *SQLiteStore) ConsumeSession(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracking_sessions SET status = 'matched' WHERE id = ? AND status = 'pending'`,
		sessionID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: consume session %s", sessionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) ExpireSessions(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracking_sessions SET status = 'expired' WHERE status = 'pending' AND created_at <= ?`,
		olderThan,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: expire sessions")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tracking_sessions WHERE status = 'expired' AND created_at <= ?`,
		olderThan,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge expired")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) UpsertDevice(ctx context.Context, d *model.DeviceIdentityRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_identities
		 (identity_key, ip_address, user_agent, browser, os, device_type, screen_resolution,
		  timezone, language, utm_source, utm_medium, utm_campaign, utm_content, utm_term,
		  click_token, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (identity_key) DO UPDATE SET
		   ip_address = excluded.ip_address, user_agent = excluded.user_agent,
		   browser = excluded.browser, os = excluded.os, device_type = excluded.device_type,
		   screen_resolution = excluded.screen_resolution, timezone = excluded.timezone,
		   language = excluded.language, utm_source = excluded.utm_source,
		   utm_medium = excluded.utm_medium, utm_campaign = excluded.utm_campaign,
		   utm_content = excluded.utm_content, utm_term = excluded.utm_term,
		   click_token = excluded.click_token`,
		d.IdentityKey, d.IPAddress, d.UserAgent, d.Browser, d.OS, d.DeviceType, d.ScreenResolution,
		d.Timezone, d.Language, d.UTM.Source, d.UTM.Medium, d.UTM.Campaign, d.UTM.Content, d.UTM.Term,
		d.ClickToken, d.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: upsert device")
}

func (s *SQLiteStore) GetDevice(ctx context.Context, identityKey string) (*model.DeviceIdentityRecord, error) {
	var d model.DeviceIdentityRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT identity_key, ip_address, user_agent, browser, os, device_type, screen_resolution,
		        timezone, language, utm_source, utm_medium, utm_campaign, utm_content, utm_term,
		        click_token, created_at
		 FROM device_identities WHERE identity_key = ?`,
		identityKey,
	).Scan(&d.IdentityKey, &d.IPAddress, &d.UserAgent, &d.Browser, &d.OS, &d.DeviceType, &d.ScreenResolution,
		&d.Timezone, &d.Language, &d.UTM.Source, &d.UTM.Medium, &d.UTM.Campaign, &d.UTM.Content, &d.UTM.Term,
		&d.ClickToken, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get device")
	}
	return &d, nil
}

func (s *SQLiteStore) RekeyDevice(ctx context.Context, oldKey, newKey string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_identities SET identity_key = ?
		 WHERE identity_key = ?
		   AND NOT EXISTS (SELECT 1 FROM device_identities WHERE identity_key = ?)`,
		newKey, oldKey, newKey,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: rekey device %s", oldKey)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return true, nil
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM device_identities WHERE identity_key = ?`, oldKey)
	return false, eris.Wrapf(err, "sqlite: drop stale placeholder %s", oldKey)
}

func scanContactSQL(row rowScanner) (*model.Contact, error) {
	var c model.Contact
	var method string
	var provJSON, notesJSON []byte
	err := row.Scan(&c.Phone, &c.Name, &c.CampaignID,
		&c.UTM.Source, &c.UTM.Medium, &c.UTM.Campaign, &c.UTM.Content, &c.UTM.Term,
		&method, &c.ConfidenceScore, &provJSON, &c.FirstMessage,
		&c.LastContactAt, &notesJSON, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.TrackingMethod = model.TrackingMethod(method)
	if len(provJSON) > 0 {
		if err := json.Unmarshal(provJSON, &c.Provenance); err != nil {
			return nil, eris.Wrap(err, "unmarshal provenance")
		}
	}
	if len(notesJSON) > 0 {
		if err := json.Unmarshal(notesJSON, &c.Notes); err != nil {
			return nil, eris.Wrap(err, "unmarshal notes")
		}
	}
	return &c, nil
}

func (s *SQLiteStore) GetContact(ctx context.Context, phones []string) (*model.Contact, error) {
	if len(phones) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(phones))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(phones))
	for i, p := range phones {
		args[i] = p
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE phone IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get contact")
	}
	defer rows.Close()

	byPhone := make(map[string]*model.Contact)
	for rows.Next() {
		c, err := scanContactSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contact")
		}
		byPhone[c.Phone] = c
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: get contact iterate")
	}

	for _, p := range phones {
		if c, ok := byPhone[p]; ok {
			return c, nil
		}
	}
	return nil, nil
}

func (s *SQLiteStore) CreateContact(ctx context.Context, c *model.Contact) error {
	provJSON, err := json.Marshal(c.Provenance)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal provenance")
	}
	notesJSON, err := json.Marshal(c.Notes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal notes")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contacts (`+contactColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (phone) DO NOTHING`,
		c.Phone, c.Name, c.CampaignID,
		c.UTM.Source, c.UTM.Medium, c.UTM.Campaign, c.UTM.Content, c.UTM.Term,
		string(c.TrackingMethod), c.ConfidenceScore, string(provJSON), c.FirstMessage,
		c.LastContactAt, string(notesJSON), c.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert contact")
}

func (s *SQLiteStore) EnrichContact(ctx context.Context, phone string, attr Attribution) (bool, error) {
	provJSON, err := json.Marshal(attr.Provenance)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal provenance")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE contacts SET
		   campaign_id = ?, utm_source = ?, utm_medium = ?, utm_campaign = ?,
		   utm_content = ?, utm_term = ?, tracking_method = ?,
		   confidence_score = ?, provenance = ?, last_contact_at = ?
		 WHERE phone = ? AND campaign_id = '' AND tracking_method IN ('', 'organic')`,
		attr.CampaignID,
		attr.UTM.Source, attr.UTM.Medium, attr.UTM.Campaign, attr.UTM.Content, attr.UTM.Term,
		string(attr.TrackingMethod), attr.ConfidenceScore, string(provJSON), time.Now().UTC(),
		phone,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: enrich contact %s", phone)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) TouchContact(ctx context.Context, phone, firstMessage, note string) error {
	// SQLite has no jsonb append operator; read-modify-write inside a
	// transaction is safe with the single-connection pool.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin touch")
	}
	defer tx.Rollback()

	var notesJSON []byte
	var firstMsg string
	err = tx.QueryRowContext(ctx,
		`SELECT notes, first_message FROM contacts WHERE phone = ?`, phone,
	).Scan(&notesJSON, &firstMsg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Errorf("contact not found: %s", phone)
		}
		return eris.Wrapf(err, "sqlite: touch contact %s", phone)
	}

	var notes []string
	if len(notesJSON) > 0 {
		if err := json.Unmarshal(notesJSON, &notes); err != nil {
			return eris.Wrap(err, "sqlite: unmarshal notes")
		}
	}
	if note != "" {
		notes = append(notes, note)
	}
	updated, err := json.Marshal(notes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal notes")
	}

	if firstMsg == "" {
		firstMsg = firstMessage
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE contacts SET last_contact_at = ?, first_message = ?, notes = ? WHERE phone = ?`,
		time.Now().UTC(), firstMsg, string(updated), phone,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch contact %s", phone)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit touch")
}

func (s *SQLiteStore) ListOrphanContacts(ctx context.Context, filter OrphanFilter) ([]model.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts
	 WHERE campaign_id = '' AND tracking_method IN ('', 'organic') AND created_at >= ?`
	args := []any{filter.Since}

	if filter.Phone != "" {
		query += ` AND phone = ?`
		args = append(args, filter.Phone)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list orphan contacts")
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		c, err := scanContactSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan contact")
		}
		contacts = append(contacts, *c)
	}
	return contacts, eris.Wrap(rows.Err(), "sqlite: list orphan contacts iterate")
}

func (s *SQLiteStore) IncrRateCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin rate counter")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var windowStart time.Time
	var count int64
	err = tx.QueryRowContext(ctx,
		`SELECT window_start, count FROM rate_counters WHERE key = ?`, key,
	).Scan(&windowStart, &count)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_counters (key, window_start, count) VALUES (?, ?, 1)`,
			key, now,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert rate counter %s", key)
		}
		count = 1
	case err != nil:
		return 0, eris.Wrapf(err, "sqlite: read rate counter %s", key)
	default:
		if now.Sub(windowStart) >= window {
			windowStart = now
			count = 1
		} else {
			count++
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE rate_counters SET window_start = ?, count = ? WHERE key = ?`,
			windowStart, count, key,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: update rate counter %s", key)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit rate counter")
	}
	return count, nil
}

func (s *SQLiteStore) SessionStatusCounts(ctx context.Context) (map[model.SessionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tracking_sessions GROUP BY status`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: session status counts")
	}
	defer rows.Close()

	counts := make(map[model.SessionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.SessionStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: session status counts iterate")
}

func (s *SQLiteStore) TrackingMethodCounts(ctx context.Context) (map[model.TrackingMethod]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tracking_method, COUNT(*) FROM contacts GROUP BY tracking_method`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: tracking method counts")
	}
	defer rows.Close()

	counts := make(map[model.TrackingMethod]int)
	for rows.Next() {
		var method string
		var n int
		if err := rows.Scan(&method, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan method count")
		}
		counts[model.TrackingMethod(method)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: tracking method counts iterate")
}
