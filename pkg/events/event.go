// Package events defines the relay's event data model: the untrusted
// candidate as received from producers and peers, the validated form the
// store accepts, and the persisted form readers see.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Candidate is an event as submitted by a producer or returned by a peer.
// Nothing in it is trusted until it passes validation. A producer-supplied
// payload_hash is deliberately not modeled and therefore ignored.
type Candidate struct {
	EventID      string          `json:"event_id"`
	DeviceID     *string         `json:"device_id,omitempty"`
	AuthorID     *string         `json:"author_id,omitempty"`
	ContentID    *string         `json:"content_id,omitempty"`
	EventType    *string         `json:"event_type,omitempty"`
	PayloadJSON  json.RawMessage `json:"payload_json,omitempty"`
	OccurredAt   *time.Time      `json:"occurred_at,omitempty"`
	Lamport      *int64          `json:"lamport,omitempty"`
	AuthorPubkey string          `json:"author_pubkey"`
	Signature    string          `json:"signature"`
}

// Validated is a candidate whose signature has been verified against the
// relay-computed payload hash. Only Validated events may be persisted.
type Validated struct {
	EventID          uuid.UUID
	DeviceID         *string
	AuthorID         *string
	ContentID        *string
	EventType        *string
	CanonicalPayload []byte
	PayloadHash      string
	OccurredAt       time.Time
	Lamport          *int64
	AuthorPubkey     string
	Signature        string
}

// Provenance records where an event entered the federation mesh and how
// many relay hops it has traversed. It is assigned by relays, never signed.
type Provenance struct {
	OriginRelay string `json:"origin_relay"`
	HopCount    int    `json:"hop_count"`
}

// Event is the persisted, immutable form of an event.
type Event struct {
	EventID      string          `json:"event_id"`
	ServerSeq    int64           `json:"server_seq"`
	DeviceID     *string         `json:"device_id"`
	AuthorID     *string         `json:"author_id"`
	ContentID    *string         `json:"content_id"`
	EventType    *string         `json:"event_type"`
	PayloadJSON  json.RawMessage `json:"payload_json"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Lamport      *int64          `json:"lamport"`
	AuthorPubkey string          `json:"author_pubkey"`
	Signature    string          `json:"signature"`
	PayloadHash  string          `json:"payload_hash"`
	OriginRelay  string          `json:"origin_relay"`
	HopCount     int             `json:"hop_count"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// Candidate converts a stored event received from a peer back into an
// untrusted candidate so it can be re-validated locally.
func (e *Event) Candidate() *Candidate {
	occurred := e.OccurredAt
	return &Candidate{
		EventID:      e.EventID,
		DeviceID:     e.DeviceID,
		AuthorID:     e.AuthorID,
		ContentID:    e.ContentID,
		EventType:    e.EventType,
		PayloadJSON:  e.PayloadJSON,
		OccurredAt:   &occurred,
		Lamport:      e.Lamport,
		AuthorPubkey: e.AuthorPubkey,
		Signature:    e.Signature,
	}
}

// Cursor returns the replication cursor position of e.
func (e *Event) Cursor() Cursor {
	return Cursor{OccurredAt: e.OccurredAt, EventID: e.EventID}
}

// NormalizeTime converts t to the storage precision shared by every
// backend: UTC, truncated to microseconds.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
