// Package store provides the append-only, idempotent event store. It owns
// server_seq assignment and exposes the two read orders the relay needs:
// linear server_seq order for clients and (occurred_at, event_id) order for
// federation.
package store

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/helm-relay/pkg/events"
)

// ErrNotFound is returned when a requested event does not exist.
var ErrNotFound = errors.New("event not found")

// Outcome of an Append.
type Outcome int

const (
	// Inserted means the event was stored and assigned a new server_seq.
	Inserted Outcome = iota + 1
	// AlreadyExists means an event with the same event_id was stored earlier.
	AlreadyExists
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "duplicate"
	default:
		return "unknown"
	}
}

// AppendResult reports what Append did. ServerSeq is set only for Inserted.
type AppendResult struct {
	Outcome   Outcome
	ServerSeq int64
}

// WindowQuery selects a replication window.
type WindowQuery struct {
	// After is exclusive; the zero Cursor starts from the beginning.
	After events.Cursor
	Limit int
	// MaxHops, when positive, restricts the window to forwardable events
	// (hop_count < MaxHops).
	MaxHops int
	// ExcludeOrigin drops events that originated at the given relay so they
	// are never sent back to where they entered the mesh.
	ExcludeOrigin string
}

// EventStore defines the interface for persisting and reading events.
type EventStore interface {
	// Init creates the schema if it does not exist.
	Init(ctx context.Context) error
	// Append stores ev exactly once. A duplicate event_id is not an error.
	Append(ctx context.Context, ev *events.Validated, prov events.Provenance) (AppendResult, error)
	// ReadSince returns up to limit events with server_seq > since, ascending.
	ReadSince(ctx context.Context, since int64, limit int) ([]events.Event, error)
	// ReadReplicationWindow returns events strictly after q.After in
	// (occurred_at, event_id) order.
	ReadReplicationWindow(ctx context.Context, q WindowQuery) ([]events.Event, error)
	// MaxSeq returns the highest assigned server_seq, or 0 for an empty store.
	MaxSeq(ctx context.Context) (int64, error)
	Get(ctx context.Context, eventID string) (*events.Event, error)
}
