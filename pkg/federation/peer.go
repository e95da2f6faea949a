// Package federation implements relay-to-relay replication: the peer
// registry, the loop guard, the outbound replicator and the inbound window
// service.
package federation

import (
	"errors"
	"time"

	"github.com/Mindburn-Labs/helm-relay/pkg/events"
)

var (
	// ErrPeerNotFound is returned when no peer has the requested id.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrPeerExists is returned when creating a peer whose id is taken.
	ErrPeerExists = errors.New("peer already exists")
	// ErrUnauthenticated is returned when a shared secret matches no peer.
	ErrUnauthenticated = errors.New("unauthenticated peer")
)

// Health is the advisory outcome of the most recent replication attempt.
type Health string

const (
	HealthUnknown         Health = "unknown"
	HealthHealthy         Health = "healthy"
	HealthUnreachable     Health = "unreachable"
	HealthInvalidResponse Health = "invalid_response"
)

// Peer is a registered relay this node pulls from and accepts pulls from.
type Peer struct {
	// PeerID must equal the peer's own node id. Echo suppression compares
	// stored origins against the X-Relay-Origin the peer sends.
	PeerID       string        `json:"peer_id"`
	URL          string        `json:"url"`
	SharedSecret string        `json:"-"`
	Cursor       events.Cursor `json:"cursor"`
	Health       Health        `json:"health"`
	LastError    string        `json:"last_error,omitempty"`
	// LastAttemptAt is zero until the first replication attempt.
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
