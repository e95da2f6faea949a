package store

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// sqliteTimeLayout is fixed-width so lexical order equals chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// Dialect captures the differences between the SQL backends. Queries use
// $N placeholders, which both lib/pq and modernc.org/sqlite accept.
type Dialect struct {
	Name string
	// Schema statements, executed one at a time.
	Schema []string
	// AppendLock is executed inside the append transaction before the insert
	// so server_seq allocation order equals commit order. Empty when the
	// backend already serializes writers.
	AppendLock string
	// Time encodes a timestamp as a query argument.
	Time func(time.Time) driver.Value
}

// Postgres dialect (github.com/lib/pq).
var Postgres = Dialect{
	Name: "postgres",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS events (
			server_seq BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			device_id TEXT,
			author_id TEXT,
			content_id TEXT,
			event_type TEXT,
			payload_json JSON NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			lamport BIGINT,
			author_pubkey TEXT NOT NULL,
			signature TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			origin_relay TEXT NOT NULL,
			hop_count INTEGER NOT NULL DEFAULT 0,
			received_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_replication_idx ON events (occurred_at, event_id)`,
	},
	AppendLock: `SELECT pg_advisory_xact_lock(7263540901)`,
	Time: func(t time.Time) driver.Value {
		return t.UTC()
	},
}

// SQLite dialect (modernc.org/sqlite). AUTOINCREMENT guarantees rowids are
// never reused, even after deletes.
var SQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS events (
			server_seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			device_id TEXT,
			author_id TEXT,
			content_id TEXT,
			event_type TEXT,
			payload_json TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			lamport INTEGER,
			author_pubkey TEXT NOT NULL,
			signature TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			origin_relay TEXT NOT NULL,
			hop_count INTEGER NOT NULL DEFAULT 0,
			received_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS events_replication_idx ON events (occurred_at, event_id)`,
	},
	Time: func(t time.Time) driver.Value {
		return t.UTC().Format(sqliteTimeLayout)
	},
}

// DialectFor returns the dialect registered for a database/sql driver name.
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case "postgres":
		return Postgres, nil
	case "sqlite":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("store: unsupported driver %q", driverName)
	}
}

// Timestamp scans a timestamp stored by either dialect.
type Timestamp struct {
	Time time.Time
}

// Scan implements sql.Scanner.
func (ts *Timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		ts.Time = time.Time{}
		return nil
	case time.Time:
		ts.Time = v.UTC()
		return nil
	case string:
		return ts.parse(v)
	case []byte:
		return ts.parse(string(v))
	default:
		return fmt.Errorf("store: cannot scan %T into timestamp", src)
	}
}

func (ts *Timestamp) parse(value string) error {
	if value == "" {
		ts.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, value); err == nil {
			ts.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("store: unrecognized timestamp %q", value)
}
