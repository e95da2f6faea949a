package federation

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-relay/pkg/events"
	"github.com/Mindburn-Labs/helm-relay/pkg/store"
)

// PeerStore is the peer registry.
type PeerStore interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, p *Peer) error
	// UpdateEndpoint changes a peer's URL and shared secret, keeping its cursor.
	UpdateEndpoint(ctx context.Context, peerID, url, secret string) error
	Get(ctx context.Context, peerID string) (*Peer, error)
	List(ctx context.Context) ([]Peer, error)
	Delete(ctx context.Context, peerID string) error
	// Authenticate returns the peer whose shared secret equals secret.
	Authenticate(ctx context.Context, secret string) (*Peer, error)
	// AdvanceCursor moves the cursor forward only. It reports false when c
	// is not strictly after the stored cursor.
	AdvanceCursor(ctx context.Context, peerID string, c events.Cursor) (bool, error)
	// ResetCursor sets the cursor unconditionally (administrative rewind).
	ResetCursor(ctx context.Context, peerID string, c events.Cursor) error
	RecordHealth(ctx context.Context, peerID string, h Health, lastErr string, at time.Time) error
}

var peerSchemas = map[string]string{
	"postgres": `CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		shared_secret TEXT NOT NULL,
		last_cursor_time TIMESTAMPTZ NOT NULL,
		last_cursor_id TEXT NOT NULL DEFAULT '',
		health TEXT NOT NULL DEFAULT 'unknown',
		last_error TEXT NOT NULL DEFAULT '',
		last_attempt_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	"sqlite": `CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		shared_secret TEXT NOT NULL,
		last_cursor_time TEXT NOT NULL,
		last_cursor_id TEXT NOT NULL DEFAULT '',
		health TEXT NOT NULL DEFAULT 'unknown',
		last_error TEXT NOT NULL DEFAULT '',
		last_attempt_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

const peerColumns = `peer_id, url, shared_secret, last_cursor_time, last_cursor_id,
	health, last_error, last_attempt_at, created_at, updated_at`

// SQLPeerStore implements PeerStore on database/sql.
type SQLPeerStore struct {
	db      *sql.DB
	dialect store.Dialect
	now     func() time.Time
}

// NewSQLPeerStore creates a registry on db. It shares the event store's
// dialect so both tables live in the same database.
func NewSQLPeerStore(db *sql.DB, dialect store.Dialect) *SQLPeerStore {
	return &SQLPeerStore{db: db, dialect: dialect, now: time.Now}
}

func (s *SQLPeerStore) Init(ctx context.Context) error {
	schema, ok := peerSchemas[s.dialect.Name]
	if !ok {
		return fmt.Errorf("peer store: unsupported dialect %q", s.dialect.Name)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%s peer schema: %w", s.dialect.Name, err)
	}
	return nil
}

func (s *SQLPeerStore) Create(ctx context.Context, p *Peer) error {
	if err := validatePeer(p); err != nil {
		return err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (peer_id, url, shared_secret, last_cursor_time, last_cursor_id,
			health, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, '', $7, $7)
		ON CONFLICT (peer_id) DO NOTHING`,
		p.PeerID, p.URL, p.SharedSecret,
		s.dialect.Time(events.NormalizeTime(p.Cursor.OccurredAt)), p.Cursor.EventID,
		string(HealthUnknown), s.dialect.Time(now),
	)
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrPeerExists, p.PeerID)
	}
	return nil
}

func (s *SQLPeerStore) UpdateEndpoint(ctx context.Context, peerID, url, secret string) error {
	if err := validatePeer(&Peer{PeerID: peerID, URL: url, SharedSecret: secret}); err != nil {
		return err
	}
	return s.execOne(ctx, "update peer", `
		UPDATE peers SET url = $2, shared_secret = $3, updated_at = $4 WHERE peer_id = $1`,
		peerID, url, secret, s.dialect.Time(s.now()))
}

func (s *SQLPeerStore) Get(ctx context.Context, peerID string) (*Peer, error) {
	peers, err := s.query(ctx, `SELECT `+peerColumns+` FROM peers WHERE peer_id = $1`, peerID)
	if err != nil {
		return nil, err
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, peerID)
	}
	return &peers[0], nil
}

func (s *SQLPeerStore) List(ctx context.Context) ([]Peer, error) {
	return s.query(ctx, `SELECT `+peerColumns+` FROM peers ORDER BY peer_id`)
}

func (s *SQLPeerStore) Delete(ctx context.Context, peerID string) error {
	return s.execOne(ctx, "delete peer", `DELETE FROM peers WHERE peer_id = $1`, peerID)
}

// Authenticate compares secret against every registered peer in constant
// time and never stops early, so timing does not reveal which peer matched.
func (s *SQLPeerStore) Authenticate(ctx context.Context, secret string) (*Peer, error) {
	if secret == "" {
		return nil, ErrUnauthenticated
	}
	peers, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var match *Peer
	for i := range peers {
		if subtle.ConstantTimeCompare([]byte(peers[i].SharedSecret), []byte(secret)) == 1 && match == nil {
			match = &peers[i]
		}
	}
	if match == nil {
		return nil, ErrUnauthenticated
	}
	return match, nil
}

func (s *SQLPeerStore) AdvanceCursor(ctx context.Context, peerID string, c events.Cursor) (bool, error) {
	at := s.dialect.Time(events.NormalizeTime(c.OccurredAt))
	res, err := s.db.ExecContext(ctx, `
		UPDATE peers SET last_cursor_time = $2, last_cursor_id = $3, updated_at = $4
		WHERE peer_id = $1
			AND (last_cursor_time < $2 OR (last_cursor_time = $2 AND last_cursor_id < $3))`,
		peerID, at, c.EventID, s.dialect.Time(s.now()))
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.Get(ctx, peerID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLPeerStore) ResetCursor(ctx context.Context, peerID string, c events.Cursor) error {
	return s.execOne(ctx, "reset cursor", `
		UPDATE peers SET last_cursor_time = $2, last_cursor_id = $3, updated_at = $4 WHERE peer_id = $1`,
		peerID, s.dialect.Time(events.NormalizeTime(c.OccurredAt)), c.EventID, s.dialect.Time(s.now()))
}

func (s *SQLPeerStore) RecordHealth(ctx context.Context, peerID string, h Health, lastErr string, at time.Time) error {
	return s.execOne(ctx, "record health", `
		UPDATE peers SET health = $2, last_error = $3, last_attempt_at = $4, updated_at = $4 WHERE peer_id = $1`,
		peerID, string(h), lastErr, s.dialect.Time(events.NormalizeTime(at)))
}

// execOne runs a statement that must touch exactly the row for args[0].
func (s *SQLPeerStore) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %v", ErrPeerNotFound, args[0])
	}
	return nil
}

func (s *SQLPeerStore) query(ctx context.Context, query string, args ...any) ([]Peer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	peers := make([]Peer, 0)
	for rows.Next() {
		var (
			p                                     Peer
			health                                string
			cursorAt, attemptAt, created, updated store.Timestamp
		)
		if err := rows.Scan(&p.PeerID, &p.URL, &p.SharedSecret, &cursorAt, &p.Cursor.EventID,
			&health, &p.LastError, &attemptAt, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		p.Cursor.OccurredAt = cursorAt.Time
		p.Health = Health(health)
		p.LastAttemptAt = attemptAt.Time
		p.CreatedAt = created.Time
		p.UpdatedAt = updated.Time
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func validatePeer(p *Peer) error {
	switch {
	case p == nil:
		return errors.New("peer: nil")
	case strings.TrimSpace(p.PeerID) == "":
		return errors.New("peer: peer_id is required")
	case !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://"):
		return fmt.Errorf("peer %s: url must be http(s), got %q", p.PeerID, p.URL)
	case p.SharedSecret == "":
		return fmt.Errorf("peer %s: shared secret is required", p.PeerID)
	}
	return nil
}
