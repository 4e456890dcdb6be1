package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/leadwise/attribution/internal/db"
	"github.com/leadwise/attribution/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

const sessionColumns = `id, device_fingerprint, ip_address, user_agent, screen_resolution,
	 language, timezone, referrer, landing_url, campaign_id,
	 utm_source, utm_medium, utm_campaign, utm_content, utm_term,
	 click_token, geo_country, geo_region, status, created_at`

const contactColumns = `phone, name, campaign_id,
	 utm_source, utm_medium, utm_campaign, utm_content, utm_term,
	 tracking_method, confidence_score, provenance, first_message,
	 last_contact_at, notes, created_at`

// preparedStatements lists queries to prepare on each new connection for
// the hot paths of the engine.
var preparedStatements = map[string]string{
	"latest_pending_by_token": `SELECT ` + sessionColumns + ` FROM tracking_sessions
	 WHERE click_token = $1 AND status = 'pending' AND created_at >= $2
	 ORDER BY created_at DESC LIMIT 1`,
	"consume_session": `UPDATE tracking_sessions SET status = 'matched' WHERE id = $1 AND status = 'pending'`,
	"get_contacts":    `SELECT ` + contactColumns + ` FROM contacts WHERE phone = ANY($1)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems needing direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
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
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
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
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
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
	provenance       JSONB NOT NULL DEFAULT '[]',
	first_message    TEXT NOT NULL DEFAULT '',
	last_contact_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	notes            JSONB NOT NULL DEFAULT '[]',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_contacts_method_created ON contacts(tracking_method, created_at);

CREATE TABLE IF NOT EXISTS rate_counters (
	key          TEXT PRIMARY KEY,
	window_start TIMESTAMPTZ NOT NULL DEFAULT now(),
	count        BIGINT NOT NULL DEFAULT 0
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.TrackingSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tracking_sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		sess.ID, sess.DeviceFingerprint, sess.IPAddress, sess.UserAgent, sess.ScreenResolution,
		sess.Language, sess.Timezone, sess.Referrer, sess.LandingURL, sess.CampaignID,
		sess.UTM.Source, sess.UTM.Medium, sess.UTM.Campaign, sess.UTM.Content, sess.UTM.Term,
		sess.ClickToken, sess.GeoCountry, sess.GeoRegion, string(sess.Status), sess.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert session")
}

func scanSession(row pgx.Row) (*model.TrackingSession, error) {
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

func (s *PostgresStore) LatestPendingByToken(ctx context.Context, token string, since time.Time) (*model.TrackingSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM tracking_sessions
		 WHERE click_token = $1 AND status = 'pending' AND created_at >= $2
		 ORDER BY created_at DESC LIMIT 1`,
		token, since,
	)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: latest pending by token")
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.TrackingSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM tracking_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get session")
	}
	return sess, nil
}

func (s *PostgresStore) PendingInWindow(ctx context.Context, from, to time.Time) ([]model.TrackingSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM tracking_sessions
		 WHERE status = 'pending' AND created_at >= $1 AND created_at <= $2
		 ORDER BY created_at DESC`,
		from, to,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: pending in window")
	}
	defer rows.Close()

	var sessions []model.TrackingSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: pending in window iterate")
}

// ConsumeSession is the engine's sole concurrency-safety mechanism: the
// conditional update acts as a compare-and-swap, so at most one caller
// ever observes a row transition.
func (s *PostgresStore) ConsumeSession(ctx context.Context, sessionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tracking_sessions SET status = 'matched' WHERE id = $1 AND status = 'pending'`,
		sessionID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: consume session %s", sessionID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ExpireSessions(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tracking_sessions SET status = 'expired' WHERE status = 'pending' AND created_at <= $1`,
		olderThan,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: expire sessions")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) PurgeExpired(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tracking_sessions WHERE status = 'expired' AND created_at <= $1`,
		olderThan,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge expired")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) UpsertDevice(ctx context.Context, d *model.DeviceIdentityRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO device_identities
		 (identity_key, ip_address, user_agent, browser, os, device_type, screen_resolution,
		  timezone, language, utm_source, utm_medium, utm_campaign, utm_content, utm_term,
		  click_token, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (identity_key) DO UPDATE SET
		   ip_address = $2, user_agent = $3, browser = $4, os = $5, device_type = $6,
		   screen_resolution = $7, timezone = $8, language = $9,
		   utm_source = $10, utm_medium = $11, utm_campaign = $12, utm_content = $13, utm_term = $14,
		   click_token = $15`,
		d.IdentityKey, d.IPAddress, d.UserAgent, d.Browser, d.OS, d.DeviceType, d.ScreenResolution,
		d.Timezone, d.Language, d.UTM.Source, d.UTM.Medium, d.UTM.Campaign, d.UTM.Content, d.UTM.Term,
		d.ClickToken, d.CreatedAt,
	)
	return eris.Wrap(err, "postgres: upsert device")
}

func (s *PostgresStore) GetDevice(ctx context.Context, identityKey string) (*model.DeviceIdentityRecord, error) {
	var d model.DeviceIdentityRecord
	err := s.pool.QueryRow(ctx,
		`SELECT identity_key, ip_address, user_agent, browser, os, device_type, screen_resolution,
		        timezone, language, utm_source, utm_medium, utm_campaign, utm_content, utm_term,
		        click_token, created_at
		 FROM device_identities WHERE identity_key = $1`,
		identityKey,
	).Scan(&d.IdentityKey, &d.IPAddress, &d.UserAgent, &d.Browser, &d.OS, &d.DeviceType, &d.ScreenResolution,
		&d.Timezone, &d.Language, &d.UTM.Source, &d.UTM.Medium, &d.UTM.Campaign, &d.UTM.Content, &d.UTM.Term,
		&d.ClickToken, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get device")
	}
	return &d, nil
}

func (s *PostgresStore) RekeyDevice(ctx context.Context, oldKey, newKey string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE device_identities SET identity_key = $2
		 WHERE identity_key = $1
		   AND NOT EXISTS (SELECT 1 FROM device_identities WHERE identity_key = $2)`,
		oldKey, newKey,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: rekey device %s", oldKey)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	// A real record already exists for this phone: the placeholder is
	// redundant and must not linger as a duplicate.
	_, err = s.pool.Exec(ctx, `DELETE FROM device_identities WHERE identity_key = $1`, oldKey)
	return false, eris.Wrapf(err, "postgres: drop stale placeholder %s", oldKey)
}

func scanContact(row pgx.Row) (*model.Contact, error) {
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

func (s *PostgresStore) GetContact(ctx context.Context, phones []string) (*model.Contact, error) {
	if len(phones) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE phone = ANY($1)`,
		phones,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get contact")
	}
	defer rows.Close()

	byPhone := make(map[string]*model.Contact)
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact")
		}
		byPhone[c.Phone] = c
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: get contact iterate")
	}

	// Preference order follows the caller's equivalence list: canonical first.
	for _, p := range phones {
		if c, ok := byPhone[p]; ok {
			return c, nil
		}
	}
	return nil, nil
}

func (s *PostgresStore) CreateContact(ctx context.Context, c *model.Contact) error {
	provJSON, err := json.Marshal(c.Provenance)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal provenance")
	}
	notesJSON, err := json.Marshal(c.Notes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal notes")
	}

	// ON CONFLICT DO NOTHING keeps redelivered events idempotent.
	_, err = s.pool.Exec(ctx,
		`INSERT INTO contacts (`+contactColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (phone) DO NOTHING`,
		c.Phone, c.Name, c.CampaignID,
		c.UTM.Source, c.UTM.Medium, c.UTM.Campaign, c.UTM.Content, c.UTM.Term,
		string(c.TrackingMethod), c.ConfidenceScore, provJSON, c.FirstMessage,
		c.LastContactAt, notesJSON, c.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert contact")
}

func (s *PostgresStore) EnrichContact(ctx context.Context, phone string, attr Attribution) (bool, error) {
	provJSON, err := json.Marshal(attr.Provenance)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal provenance")
	}

	// The WHERE clause re-checks emptiness so correlation never downgrades
	// an attribution written by a concurrent caller.
	tag, err := s.pool.Exec(ctx,
		`UPDATE contacts SET
		   campaign_id = $2, utm_source = $3, utm_medium = $4, utm_campaign = $5,
		   utm_content = $6, utm_term = $7, tracking_method = $8,
		   confidence_score = $9, provenance = $10, last_contact_at = now()
		 WHERE phone = $1 AND campaign_id = '' AND tracking_method IN ('', 'organic')`,
		phone, attr.CampaignID,
		attr.UTM.Source, attr.UTM.Medium, attr.UTM.Campaign, attr.UTM.Content, attr.UTM.Term,
		string(attr.TrackingMethod), attr.ConfidenceScore, provJSON,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: enrich contact %s", phone)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) TouchContact(ctx context.Context, phone, firstMessage, note string) error {
	noteJSON, err := json.Marshal([]string{note})
	if err != nil {
		return eris.Wrap(err, "postgres: marshal note")
	}
	if note == "" {
		noteJSON = []byte(`[]`)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE contacts SET
		   last_contact_at = now(),
		   first_message = CASE WHEN first_message = '' THEN $2 ELSE first_message END,
		   notes = notes || $3::jsonb
		 WHERE phone = $1`,
		phone, firstMessage, noteJSON,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch contact %s", phone)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("contact not found: %s", phone)
	}
	return nil
}

func (s *PostgresStore) ListOrphanContacts(ctx context.Context, filter OrphanFilter) ([]model.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts
	 WHERE campaign_id = '' AND tracking_method IN ('', 'organic') AND created_at >= $1`
	args := []any{filter.Since}

	if filter.Phone != "" {
		query += ` AND phone = $2`
		args = append(args, filter.Phone)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	if filter.Phone != "" {
		query += ` LIMIT $3`
	} else {
		query += ` LIMIT $2`
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list orphan contacts")
	}
	defer rows.Close()

	var contacts []model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan contact")
		}
		contacts = append(contacts, *c)
	}
	return contacts, eris.Wrap(rows.Err(), "postgres: list orphan contacts iterate")
}

func (s *PostgresStore) IncrRateCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO rate_counters (key, window_start, count) VALUES ($1, now(), 1)
		 ON CONFLICT (key) DO UPDATE SET
		   count = CASE WHEN rate_counters.window_start <= now() - make_interval(secs => $2)
		                THEN 1 ELSE rate_counters.count + 1 END,
		   window_start = CASE WHEN rate_counters.window_start <= now() - make_interval(secs => $2)
		                       THEN now() ELSE rate_counters.window_start END
		 RETURNING count`,
		key, window.Seconds(),
	).Scan(&count)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: incr rate counter %s", key)
	}
	return count, nil
}

func (s *PostgresStore) SessionStatusCounts(ctx context.Context) (map[model.SessionStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM tracking_sessions GROUP BY status`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: session status counts")
	}
	defer rows.Close()

	counts := make(map[model.SessionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.SessionStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: session status counts iterate")
}

func (s *PostgresStore) TrackingMethodCounts(ctx context.Context) (map[model.TrackingMethod]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tracking_method, COUNT(*) FROM contacts GROUP BY tracking_method`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: tracking method counts")
	}
	defer rows.Close()

	counts := make(map[model.TrackingMethod]int)
	for rows.Next() {
		var method string
		var n int
		if err := rows.Scan(&method, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan method count")
		}
		counts[model.TrackingMethod(method)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: tracking method counts iterate")
}
