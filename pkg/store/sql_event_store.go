package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Mindburn-Labs/helm-relay/pkg/events"
)

// SQLEventStore implements EventStore on database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLEventStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLEventStore creates a store for db using the given dialect.
func NewSQLEventStore(db *sql.DB, dialect Dialect) *SQLEventStore {
	return &SQLEventStore{db: db, dialect: dialect, now: time.Now}
}

// NewSQLiteEventStore is the Lite Mode store.
func NewSQLiteEventStore(db *sql.DB) *SQLEventStore {
	return NewSQLEventStore(db, SQLite)
}

func (s *SQLEventStore) Init(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s event schema: %w", s.dialect.Name, err)
		}
	}
	return nil
}

const eventColumns = `server_seq, event_id, device_id, author_id, content_id, event_type, payload_json,
	occurred_at, lamport, author_pubkey, signature, payload_hash, origin_relay, hop_count, received_at`

const insertEventSQL = `
	INSERT INTO events (event_id, device_id, author_id, content_id, event_type, payload_json,
		occurred_at, lamport, author_pubkey, signature, payload_hash, origin_relay, hop_count, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (event_id) DO NOTHING
	RETURNING server_seq`

func (s *SQLEventStore) Append(ctx context.Context, ev *events.Validated, prov events.Provenance) (AppendResult, error) {
	if ev == nil {
		return AppendResult{}, errors.New("append: nil event")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("append: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect.AppendLock != "" {
		if _, err := tx.ExecContext(ctx, s.dialect.AppendLock); err != nil {
			return AppendResult{}, fmt.Errorf("append: sequence lock: %w", err)
		}
	}

	var seq int64
	err = tx.QueryRowContext(ctx, insertEventSQL,
		ev.EventID.String(),
		toNullString(ev.DeviceID),
		toNullString(ev.AuthorID),
		toNullString(ev.ContentID),
		toNullString(ev.EventType),
		string(ev.CanonicalPayload),
		s.dialect.Time(ev.OccurredAt),
		toNullInt64(ev.Lamport),
		ev.AuthorPubkey,
		ev.Signature,
		ev.PayloadHash,
		prov.OriginRelay,
		prov.HopCount,
		s.dialect.Time(s.now()),
	).Scan(&seq)

	outcome := Inserted
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// ON CONFLICT DO NOTHING returned no row: event_id already stored.
		outcome = AlreadyExists
		seq = 0
	case err != nil:
		return AppendResult{}, fmt.Errorf("append: insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("append: commit: %w", err)
	}
	return AppendResult{Outcome: outcome, ServerSeq: seq}, nil
}

func (s *SQLEventStore) ReadSince(ctx context.Context, since int64, limit int) ([]events.Event, error) {
	if limit <= 0 {
		return []events.Event{}, nil
	}
	query := `SELECT ` + eventColumns + `
		FROM events
		WHERE server_seq > $1
		ORDER BY server_seq ASC
		LIMIT $2`
	return s.queryEvents(ctx, query, since, limit)
}

func (s *SQLEventStore) ReadReplicationWindow(ctx context.Context, q WindowQuery) ([]events.Event, error) {
	if q.Limit <= 0 {
		return []events.Event{}, nil
	}
	maxHops := q.MaxHops
	if maxHops <= 0 {
		maxHops = math.MaxInt32
	}
	query := `SELECT ` + eventColumns + `
		FROM events
		WHERE (occurred_at > $1 OR (occurred_at = $1 AND event_id > $2))
			AND hop_count < $3
			AND origin_relay <> $4
		ORDER BY occurred_at ASC, event_id ASC
		LIMIT $5`
	return s.queryEvents(ctx, query,
		s.dialect.Time(events.NormalizeTime(q.After.OccurredAt)),
		q.After.EventID,
		maxHops,
		q.ExcludeOrigin,
		q.Limit,
	)
}

func (s *SQLEventStore) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(server_seq) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}

func (s *SQLEventStore) Get(ctx context.Context, eventID string) (*events.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE event_id = $1`
	evs, err := s.queryEvents(ctx, query, eventID)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, ErrNotFound
	}
	return &evs[0], nil
}

func (s *SQLEventStore) queryEvents(ctx context.Context, query string, args ...any) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]events.Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanEvent(rows *sql.Rows) (events.Event, error) {
	var (
		ev         events.Event
		deviceID   sql.NullString
		authorID   sql.NullString
		contentID  sql.NullString
		eventType  sql.NullString
		payload    []byte
		occurredAt Timestamp
		lamport    sql.NullInt64
		receivedAt Timestamp
	)
	err := rows.Scan(&ev.ServerSeq, &ev.EventID, &deviceID, &authorID, &contentID, &eventType, &payload,
		&occurredAt, &lamport, &ev.AuthorPubkey, &ev.Signature, &ev.PayloadHash, &ev.OriginRelay, &ev.HopCount, &receivedAt)
	if err != nil {
		return events.Event{}, err
	}

	ev.DeviceID = nullString(deviceID)
	ev.AuthorID = nullString(authorID)
	ev.ContentID = nullString(contentID)
	ev.EventType = nullString(eventType)
	ev.PayloadJSON = payload
	ev.OccurredAt = occurredAt.Time
	ev.ReceivedAt = receivedAt.Time
	if lamport.Valid {
		l := lamport.Int64
		ev.Lamport = &l
	}
	return ev, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func toNullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func toNullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}
