// Package relaytest provides helpers for tests that need signed events and
// throwaway databases.
package relaytest

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-relay/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-relay/pkg/crypto"
	"github.com/Mindburn-Labs/helm-relay/pkg/events"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens a file-backed SQLite database in a temp dir. A single
// connection keeps writers serialized, matching Lite Mode.
func OpenSQLite(t testing.TB) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewSigner generates a fresh author key.
func NewSigner(t testing.TB) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519Signer("test-author")
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return s
}

// Candidate builds a correctly signed candidate for payload.
func Candidate(t testing.TB, s crypto.Signer, payload string, occurredAt time.Time) *events.Candidate {
	t.Helper()
	return CandidateWithID(t, s, uuid.New(), payload, occurredAt)
}

// CandidateWithID is Candidate with a caller-chosen event id.
func CandidateWithID(t testing.TB, s crypto.Signer, id uuid.UUID, payload string, occurredAt time.Time) *events.Candidate {
	t.Helper()
	canonical, err := canonicalize.Canonicalize([]byte(payload))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	sig, err := crypto.SignEvent(s, id, canonical)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	c := &events.Candidate{
		EventID:      id.String(),
		PayloadJSON:  json.RawMessage(payload),
		AuthorPubkey: s.PublicKey(),
		Signature:    sig,
	}
	if !occurredAt.IsZero() {
		at := occurredAt
		c.OccurredAt = &at
	}
	return c
}

// Validated builds an already-validated event without going through the
// validator, for store-level tests.
func Validated(t testing.TB, s crypto.Signer, payload string, occurredAt time.Time) *events.Validated {
	t.Helper()
	return ValidatedWithID(t, s, uuid.New(), payload, occurredAt)
}

// ValidatedWithID is Validated with a caller-chosen event id.
func ValidatedWithID(t testing.TB, s crypto.Signer, id uuid.UUID, payload string, occurredAt time.Time) *events.Validated {
	t.Helper()
	canonical, err := canonicalize.Canonicalize([]byte(payload))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	sig, err := crypto.SignEvent(s, id, canonical)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &events.Validated{
		EventID:          id,
		CanonicalPayload: canonical,
		PayloadHash:      canonicalize.HashBytes(canonical),
		OccurredAt:       events.NormalizeTime(occurredAt),
		AuthorPubkey:     s.PublicKey(),
		Signature:        sig,
	}
}

// Event renders v the way a peer relay returns it in a replication window.
func Event(v *events.Validated, originRelay string, hopCount int) events.Event {
	return events.Event{
		EventID:      v.EventID.String(),
		DeviceID:     v.DeviceID,
		AuthorID:     v.AuthorID,
		ContentID:    v.ContentID,
		EventType:    v.EventType,
		PayloadJSON:  json.RawMessage(v.CanonicalPayload),
		OccurredAt:   v.OccurredAt,
		Lamport:      v.Lamport,
		AuthorPubkey: v.AuthorPubkey,
		Signature:    v.Signature,
		PayloadHash:  v.PayloadHash,
		OriginRelay:  originRelay,
		HopCount:     hopCount,
	}
}
