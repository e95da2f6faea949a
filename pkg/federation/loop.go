package federation

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Replication protocol headers.
const (
	HeaderProtocol = "X-Relay-Protocol"
	HeaderOrigin   = "X-Relay-Origin"
	HeaderHops     = "X-Relay-Hops"
	HeaderDropped  = "X-Relay-Dropped"
)

// ProtocolVersion is the replication protocol spoken by this relay. Peers
// are compatible when the major versions match.
const ProtocolVersion = "1.0.0"

// DefaultMaxHops bounds how far an event travels from its origin relay.
const DefaultMaxHops = 8

var (
	// ErrProtocolMismatch is returned for a missing or incompatible protocol header.
	ErrProtocolMismatch = errors.New("incompatible replication protocol")
	// ErrBadLoopHeaders is returned when the loop-protection headers are
	// missing or malformed.
	ErrBadLoopHeaders = errors.New("invalid loop-protection headers")
)

var protocolConstraint = mustConstraint(ProtocolVersion)

func mustConstraint(v string) *semver.Constraints {
	own := semver.MustParse(v)
	c, err := semver.NewConstraint(fmt.Sprintf("^%d.0.0", own.Major()))
	if err != nil {
		panic(err)
	}
	return c
}

// CheckProtocol validates a peer's X-Relay-Protocol value.
func CheckProtocol(v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: missing %s", ErrProtocolMismatch, HeaderProtocol)
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q is not a version", ErrProtocolMismatch, v)
	}
	if !protocolConstraint.Check(ver) {
		return fmt.Errorf("%w: peer speaks %s, relay speaks %s", ErrProtocolMismatch, ver, ProtocolVersion)
	}
	return nil
}

// LoopHeaders is the provenance a requesting relay attaches to a
// replication request.
type LoopHeaders struct {
	// Origin is the requesting relay's node id.
	Origin string
	// Hops is how many relay hops the request has travelled; direct pulls send 1.
	Hops int
}

// ParseLoopHeaders reads X-Relay-Origin and X-Relay-Hops.
func ParseLoopHeaders(h http.Header) (LoopHeaders, error) {
	origin := strings.TrimSpace(h.Get(HeaderOrigin))
	if origin == "" {
		return LoopHeaders{}, fmt.Errorf("%w: missing %s", ErrBadLoopHeaders, HeaderOrigin)
	}
	raw := strings.TrimSpace(h.Get(HeaderHops))
	if raw == "" {
		return LoopHeaders{}, fmt.Errorf("%w: missing %s", ErrBadLoopHeaders, HeaderHops)
	}
	hops, err := strconv.Atoi(raw)
	if err != nil || hops < 0 {
		return LoopHeaders{}, fmt.Errorf("%w: %s must be a non-negative integer", ErrBadLoopHeaders, HeaderHops)
	}
	return LoopHeaders{Origin: origin, Hops: hops}, nil
}

// Apply writes the headers onto an outgoing request.
func (l LoopHeaders) Apply(h http.Header) {
	h.Set(HeaderProtocol, ProtocolVersion)
	h.Set(HeaderOrigin, l.Origin)
	h.Set(HeaderHops, strconv.Itoa(l.Hops))
}

// DropReason explains why loop protection discarded a request or event.
// The empty value means no drop.
type DropReason string

const (
	DropSelfOrigin DropReason = "self-origin"
	DropHopLimit   DropReason = "hop-limit"
)

// LoopGuard holds this relay's identity and hop ceiling.
type LoopGuard struct {
	NodeID  string
	MaxHops int
}

// NewLoopGuard returns a guard for nodeID. maxHops <= 0 selects DefaultMaxHops.
func NewLoopGuard(nodeID string, maxHops int) LoopGuard {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	return LoopGuard{NodeID: nodeID, MaxHops: maxHops}
}

// CheckRequest decides whether an inbound replication request is served.
func (g LoopGuard) CheckRequest(l LoopHeaders) DropReason {
	switch {
	case l.Origin == g.NodeID:
		return DropSelfOrigin
	case l.Hops > g.MaxHops:
		return DropHopLimit
	default:
		return ""
	}
}

// CheckEvent decides whether an event pulled from a peer is applied.
// Events that originated here are dropped; everything else is stored, even
// when it has reached the hop ceiling and will not be forwarded again.
func (g LoopGuard) CheckEvent(originRelay string) DropReason {
	if originRelay == g.NodeID {
		return DropSelfOrigin
	}
	return ""
}

// Forwardable reports whether an event stored with hopCount may be served
// to other peers.
func (g LoopGuard) Forwardable(hopCount int) bool {
	return hopCount < g.MaxHops
}

// NextHop returns the hop count to store for an event a peer served with
// hopCount. Counts at or past the ceiling are pinned to MaxHops, so peer
// input cannot overflow the column or re-arm an exhausted event. ok is
// false for a negative count.
func (g LoopGuard) NextHop(hopCount int) (next int, ok bool) {
	if hopCount < 0 {
		return 0, false
	}
	return min(hopCount, g.MaxHops-1) + 1, true
}
