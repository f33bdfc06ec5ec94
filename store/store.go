// Package store persists the engine's entities in sqlite: connections,
// permissions, sessions, session events, NWC budgets and the NWC audit log.
// Sensitive columns are fieldstore.Sealed blobs; plaintext never reaches the
// database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-sqlite3"

	"github.com/nbd-wtf/keyguard"
	"github.com/nbd-wtf/keyguard/fieldstore"
)

var json = jsoniter.ConfigFastest

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_pubkey TEXT NOT NULL,
	signer_pubkey TEXT NOT NULL,
	user_pubkey TEXT NOT NULL,
	channel TEXT NOT NULL,
	relays BLOB,
	name TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	image TEXT NOT NULL DEFAULT '',
	auto_start INTEGER NOT NULL DEFAULT 0,
	trust INTEGER NOT NULL DEFAULT 0,
	secret BLOB,
	UNIQUE (client_pubkey, user_pubkey, channel)
);

CREATE TABLE IF NOT EXISTS permissions (
	connection_id INTEGER NOT NULL,
	scope TEXT NOT NULL,
	action INTEGER NOT NULL,
	UNIQUE (connection_id, scope)
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	connection_id INTEGER NOT NULL,
	channel TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	relay_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS sessions_by_connection ON sessions (connection_id);

CREATE TABLE IF NOT EXISTS session_events (
	event_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	type TEXT NOT NULL,
	state INTEGER NOT NULL,
	kind INTEGER NOT NULL DEFAULT -1,
	requested_at INTEGER NOT NULL,
	completed_at INTEGER,
	payload BLOB,
	response BLOB
);
CREATE INDEX IF NOT EXISTS session_events_by_session ON session_events (session_id);

CREATE TABLE IF NOT EXISTS nwc_budgets (
	connection_id INTEGER PRIMARY KEY,
	daily_limit_sats INTEGER,
	spent_today_sats INTEGER NOT NULL DEFAULT 0,
	window_started_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS nwc_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id INTEGER NOT NULL,
	method TEXT NOT NULL,
	ok INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	amount_sats INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS nwc_logs_by_connection ON nwc_logs (connection_id);
`

// Store wraps a sqlite database plus the field cipher used for at-rest
// encryption of sensitive columns.
type Store struct {
	db     *sqlx.DB
	cipher fieldstore.Cipher
	now    func() time.Time
}

// Open opens (or creates) a sqlite database at path and prepares the schema.
// Use ":memory:" for tests.
func Open(path string, cipher fieldstore.Cipher) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer anyway; one connection sidesteps
	// SQLITE_BUSY and keeps ":memory:" from splitting into one database
	// per pooled connection
	db.SetMaxOpenConns(1)
	return New(db, cipher)
}

// New prepares the schema on an existing database handle.
func New(db *sqlx.DB, cipher fieldstore.Cipher) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db, cipher: cipher, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Cipher exposes the field cipher so callers decrypting SessionEvent payloads
// for display go through the same keys.
func (s *Store) Cipher() fieldstore.Cipher { return s.cipher }

type connRow struct {
	ID           int64             `db:"id"`
	ClientPubKey string            `db:"client_pubkey"`
	SignerPubKey string            `db:"signer_pubkey"`
	UserPubKey   string            `db:"user_pubkey"`
	Channel      string            `db:"channel"`
	Relays       fieldstore.Sealed `db:"relays"`
	Name         string            `db:"name"`
	URL          string            `db:"url"`
	Image        string            `db:"image"`
	AutoStart    bool              `db:"auto_start"`
	Trust        int               `db:"trust"`
	Secret       fieldstore.Sealed `db:"secret"`
}

func (s *Store) connFromRow(row connRow) (*keyguard.Connection, error) {
	conn := &keyguard.Connection{
		ID:           row.ID,
		ClientPubKey: row.ClientPubKey,
		SignerPubKey: row.SignerPubKey,
		UserPubKey:   row.UserPubKey,
		Channel:      keyguard.Channel(row.Channel),
		Name:         row.Name,
		URL:          row.URL,
		Image:        row.Image,
		AutoStart:    row.AutoStart,
		Trust:        keyguard.TrustLevel(row.Trust),
	}
	if !row.Relays.Zero() {
		plain, err := s.cipher.Open(row.Relays)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(plain, &conn.Relays); err != nil {
			return nil, fmt.Errorf("failed to decode relay list: %w", err)
		}
	}
	if !row.Secret.Zero() {
		secret, err := s.cipher.OpenString(row.Secret)
		if err != nil {
			return nil, err
		}
		conn.Secret = secret
	}
	return conn, nil
}

// CreateConnection inserts a new connection and fills in its ID.
// (client, user, channel) must be unique.
func (s *Store) CreateConnection(ctx context.Context, conn *keyguard.Connection) error {
	var relays fieldstore.Sealed
	if len(conn.Relays) > 0 {
		plain, err := json.Marshal(conn.Relays)
		if err != nil {
			return err
		}
		if relays, err = s.cipher.Seal(plain); err != nil {
			return err
		}
	}
	var secret fieldstore.Sealed
	if conn.Secret != "" {
		var err error
		if secret, err = s.cipher.SealString(conn.Secret); err != nil {
			return err
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (client_pubkey, signer_pubkey, user_pubkey, channel, relays, name, url, image, auto_start, trust, secret)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ClientPubKey, conn.SignerPubKey, conn.UserPubKey, string(conn.Channel),
		relays, conn.Name, conn.URL, conn.Image, conn.AutoStart, int(conn.Trust), secret)
	if err != nil {
		// the UNIQUE (client, user, channel) index is the authority on
		// duplicates; a pre-check would race concurrent registrations
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return keyguard.ErrDuplicateConnection
		}
		return err
	}
	conn.ID, err = res.LastInsertId()
	return err
}

// Connection fetches a connection by id.
func (s *Store) Connection(ctx context.Context, id int64) (*keyguard.Connection, error) {
	var row connRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM connections WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, keyguard.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.connFromRow(row)
}

// ConnectionByClient fetches the connection for a client pubkey on a channel.
func (s *Store) ConnectionByClient(ctx context.Context, clientPubKey string, channel keyguard.Channel) (*keyguard.Connection, error) {
	var row connRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM connections WHERE client_pubkey = ? AND channel = ?`, clientPubKey, string(channel))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, keyguard.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.connFromRow(row)
}

// ListConnections returns every connection, auto-start ones first.
func (s *Store) ListConnections(ctx context.Context) ([]*keyguard.Connection, error) {
	var rows []connRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM connections ORDER BY auto_start DESC, id ASC`); err != nil {
		return nil, err
	}
	conns := make([]*keyguard.Connection, 0, len(rows))
	for _, row := range rows {
		conn, err := s.connFromRow(row)
		if err != nil {
			// unreadable record, skip it rather than fail the whole listing
			if errors.Is(err, fieldstore.ErrUnreadable) {
				continue
			}
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// SetTrust changes the trust tier of a local connection.
func (s *Store) SetTrust(ctx context.Context, id int64, trust keyguard.TrustLevel) error {
	_, err := s.db.ExecContext(ctx, `UPDATE connections SET trust = ? WHERE id = ?`, int(trust), id)
	return err
}

// SetAutoStart flips the auto-start flag.
func (s *Store) SetAutoStart(ctx context.Context, id int64, autoStart bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE connections SET auto_start = ? WHERE id = ?`, autoStart, id)
	return err
}

// UpdateConnectionMeta updates the untrusted display metadata.
func (s *Store) UpdateConnectionMeta(ctx context.Context, id int64, name, url, image string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET name = ?, url = ?, image = ? WHERE id = ?`, name, url, image, id)
	return err
}

// DeleteConnection removes a connection together with its permissions and
// budget. Sessions and session events stay behind as history.
func (s *Store) DeleteConnection(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM permissions WHERE connection_id = ?`,
		`DELETE FROM nwc_budgets WHERE connection_id = ?`,
		`DELETE FROM connections WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Permission returns the stored action for (connection, scope), if any.
func (s *Store) Permission(ctx context.Context, connectionID int64, scope string) (keyguard.Action, bool, error) {
	var action int
	err := s.db.GetContext(ctx, &action,
		`SELECT action FROM permissions WHERE connection_id = ? AND scope = ?`, connectionID, scope)
	if errors.Is(err, sql.ErrNoRows) {
		return keyguard.ActionAsk, false, nil
	}
	if err != nil {
		return keyguard.ActionAsk, false, err
	}
	return keyguard.Action(action), true, nil
}

// SetPermission upserts the rule for (connection, scope).
func (s *Store) SetPermission(ctx context.Context, connectionID int64, scope string, action keyguard.Action) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permissions (connection_id, scope, action) VALUES (?, ?, ?)
		 ON CONFLICT (connection_id, scope) DO UPDATE SET action = excluded.action`,
		connectionID, scope, int(action))
	return err
}

// ListPermissions returns all rules for a connection.
func (s *Store) ListPermissions(ctx context.Context, connectionID int64) ([]keyguard.Permission, error) {
	perms := []keyguard.Permission{}
	err := s.db.SelectContext(ctx, &perms,
		`SELECT connection_id, scope, action FROM permissions WHERE connection_id = ? ORDER BY scope`,
		connectionID)
	return perms, err
}

type sessionRow struct {
	ID           string `db:"id"`
	ConnectionID int64  `db:"connection_id"`
	Channel      string `db:"channel"`
	StartedAt    int64  `db:"started_at"`
	EndedAt      *int64 `db:"ended_at"`
	RelayCount   int    `db:"relay_count"`
}

func sessionFromRow(row sessionRow) *keyguard.Session {
	sess := &keyguard.Session{
		ID:           row.ID,
		ConnectionID: row.ConnectionID,
		Channel:      keyguard.Channel(row.Channel),
		StartedAt:    time.Unix(row.StartedAt, 0),
		RelayCount:   row.RelayCount,
	}
	if row.EndedAt != nil {
		t := time.Unix(*row.EndedAt, 0)
		sess.EndedAt = &t
	}
	return sess
}

// CreateSession starts a new session for a connection. A remote connection
// can only have one live session, so a reconnect ends the previous one.
func (s *Store) CreateSession(ctx context.Context, connectionID int64, channel keyguard.Channel) (*keyguard.Session, error) {
	now := s.now().Unix()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if channel == keyguard.ChannelRemote {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET ended_at = ? WHERE connection_id = ? AND channel = ? AND ended_at IS NULL`,
			now, connectionID, string(channel)); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, connection_id, channel, started_at) VALUES (?, ?, ?, ?)`,
		id, connectionID, string(channel), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &keyguard.Session{
		ID:           id,
		ConnectionID: connectionID,
		Channel:      channel,
		StartedAt:    time.Unix(now, 0),
	}, nil
}

// EndSession stamps ended_at; already-ended sessions are left untouched.
func (s *Store) EndSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		s.now().Unix(), sessionID)
	return err
}

// SetRelayCount records the liveness signal of a remote session.
func (s *Store) SetRelayCount(ctx context.Context, sessionID string, count int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET relay_count = ? WHERE id = ?`, count, sessionID)
	return err
}

// Session fetches one session by id.
func (s *Store) Session(ctx context.Context, sessionID string) (*keyguard.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM sessions WHERE id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, keyguard.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sessionFromRow(row), nil
}

// ActiveSession returns the live session of a connection on a channel, if any.
func (s *Store) ActiveSession(ctx context.Context, connectionID int64, channel keyguard.Channel) (*keyguard.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM sessions WHERE connection_id = ? AND channel = ? AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`,
		connectionID, string(channel))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, keyguard.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sessionFromRow(row), nil
}

// ListSessions returns all sessions of a connection, newest first.
func (s *Store) ListSessions(ctx context.Context, connectionID int64) ([]*keyguard.Session, error) {
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM sessions WHERE connection_id = ? ORDER BY started_at DESC, id`, connectionID); err != nil {
		return nil, err
	}
	sessions := make([]*keyguard.Session, len(rows))
	for i, row := range rows {
		sessions[i] = sessionFromRow(row)
	}
	return sessions, nil
}
