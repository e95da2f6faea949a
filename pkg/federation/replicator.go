package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Mindburn-Labs/helm-relay/pkg/events"
	"github.com/Mindburn-Labs/helm-relay/pkg/observability"
	"github.com/Mindburn-Labs/helm-relay/pkg/store"
	"github.com/Mindburn-Labs/helm-relay/pkg/validation"
)

// ReplicatorConfig controls outbound replication.
type ReplicatorConfig struct {
	NodeID   string
	MaxHops  int
	Interval time.Duration
	// AttemptTimeout bounds one attempt against one peer, all pages included.
	AttemptTimeout     time.Duration
	PageLimit          int
	MaxPagesPerAttempt int
	// Concurrency caps how many peers are replicated at once.
	Concurrency int
}

// DefaultReplicatorConfig returns defaults for nodeID.
func DefaultReplicatorConfig(nodeID string) ReplicatorConfig {
	return ReplicatorConfig{
		NodeID:             nodeID,
		MaxHops:            DefaultMaxHops,
		Interval:           30 * time.Second,
		AttemptTimeout:     20 * time.Second,
		PageLimit:          DefaultWindowLimit,
		MaxPagesPerAttempt: 50,
		Concurrency:        8,
	}
}

// reasonInvalidHopCount rejects window events with a negative hop_count.
const reasonInvalidHopCount = "invalid_hop_count"

// Result summarizes one replication attempt against one peer.
type Result struct {
	PeerID     string        `json:"peer_id"`
	Pages      int           `json:"pages"`
	Inserted   int           `json:"inserted"`
	Duplicates int           `json:"duplicates"`
	Rejected   int           `json:"rejected"`
	Dropped    int           `json:"dropped"`
	Cursor     events.Cursor `json:"cursor"`
	Health     Health        `json:"health"`
	Err        error         `json:"-"`
}

// Replicator pulls replication windows from registered peers and applies
// them through the shared validator.
//
// Attempts for one peer are single-flight: a trigger that arrives while an
// attempt is running joins it instead of starting another, so cursor updates
// for a peer never race. Different peers replicate concurrently.
type Replicator struct {
	cfg       ReplicatorConfig
	guard     LoopGuard
	peers     PeerStore
	store     store.EventStore
	validator *validation.Validator
	client    *Client
	obs       *observability.Provider
	logger    *slog.Logger
	inflight  singleflight.Group
	now       func() time.Time
}

// NewReplicator wires a replicator. obs may be nil.
func NewReplicator(cfg ReplicatorConfig, peers PeerStore, es store.EventStore, v *validation.Validator, client *Client, obs *observability.Provider) *Replicator {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultWindowLimit
	}
	cfg.PageLimit = ClampLimit(cfg.PageLimit)
	if cfg.MaxPagesPerAttempt <= 0 {
		cfg.MaxPagesPerAttempt = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if client == nil {
		client = NewClient(nil, DefaultClientConfig())
	}
	guard := NewLoopGuard(cfg.NodeID, cfg.MaxHops)
	cfg.MaxHops = guard.MaxHops
	return &Replicator{
		cfg:       cfg,
		guard:     guard,
		peers:     peers,
		store:     es,
		validator: v,
		client:    client,
		obs:       obs,
		logger:    slog.Default().With("component", "replicator", "node_id", cfg.NodeID),
		now:       time.Now,
	}
}

// Trigger replicates from one peer now, or joins the attempt already
// running for it.
func (r *Replicator) Trigger(ctx context.Context, peerID string) (Result, error) {
	v, err, shared := r.inflight.Do(peerID, func() (any, error) {
		res := r.replicate(ctx, peerID)
		return res, res.Err
	})
	res, _ := v.(Result)
	if shared {
		r.logger.DebugContext(ctx, "joined in-flight replication", "peer_id", peerID)
	}
	return res, err
}

// ReplicateAll runs one attempt for every registered peer, at most
// Concurrency at a time. A failing peer does not affect the others.
func (r *Replicator) ReplicateAll(ctx context.Context) ([]Result, error) {
	peers, err := r.peers.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}

	results := make([]Result, len(peers))
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i := range peers {
		g.Go(func() error {
			res, err := r.Trigger(ctx, peers[i].PeerID)
			res.PeerID = peers[i].PeerID
			res.Err = err
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Run replicates from all peers every Interval until ctx is cancelled.
func (r *Replicator) Run(ctx context.Context) error {
	if r.cfg.Interval <= 0 {
		return errors.New("replicator: interval must be positive")
	}
	r.logger.InfoContext(ctx, "replication scheduler started", "interval", r.cfg.Interval.String())

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.ReplicateAll(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "replication round failed", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "replication scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Replicator) replicate(parent context.Context, peerID string) (res Result) {
	res.PeerID = peerID

	ctx, cancel := context.WithTimeout(parent, r.cfg.AttemptTimeout)
	defer cancel()
	ctx, done := r.obs.TrackOperation(ctx, "relay.replicate", attribute.String("peer_id", peerID))
	defer func() {
		done(res.Err)
		result := "ok"
		if res.Err != nil {
			result = "error"
		}
		r.obs.RecordReplication(parent, peerID, result)
	}()

	peer, err := r.peers.Get(ctx, peerID)
	if err != nil {
		res.Err = err
		return res
	}
	res.Cursor = peer.Cursor

	loop := LoopHeaders{Origin: r.cfg.NodeID, Hops: 1}
	for res.Pages < r.cfg.MaxPagesPerAttempt {
		window, drop, err := r.client.Fetch(ctx, peer, loop, ReplicateRequest{Cursor: res.Cursor, Limit: r.cfg.PageLimit})
		if err != nil {
			res.Err = err
			res.Health = HealthOf(err)
			r.recordHealth(parent, peerID, res.Health, err.Error())
			return res
		}
		res.Pages++
		if drop != "" {
			r.obs.RecordLoopDrop(ctx, string(drop))
			r.logger.WarnContext(ctx, "peer dropped replication request", "peer_id", peerID, "reason", drop)
			break
		}

		for i := range window.Events {
			if err := r.apply(ctx, peer, &window.Events[i], &res); err != nil {
				res.Err = err
				var ae *AttemptError
				if errors.As(err, &ae) {
					res.Health = ae.Health
					r.recordHealth(parent, peerID, ae.Health, err.Error())
				}
				return res
			}
		}
		if len(window.Events) < r.cfg.PageLimit {
			break
		}
	}

	res.Health = HealthHealthy
	r.recordHealth(parent, peerID, HealthHealthy, "")
	r.logger.InfoContext(ctx, "replication attempt finished",
		"peer_id", peerID,
		"pages", res.Pages,
		"inserted", res.Inserted,
		"duplicates", res.Duplicates,
		"rejected", res.Rejected,
		"dropped", res.Dropped,
	)
	return res
}

// apply stores one event from a peer window and advances the cursor past
// it. Rejected and loop-dropped events advance the cursor too; they would be
// rejected again on every retry.
func (r *Replicator) apply(ctx context.Context, peer *Peer, ev *events.Event, res *Result) error {
	next := ev.Cursor()
	if !res.Cursor.Less(next) {
		return invalidResponse("peer %s sent event %s out of cursor order", peer.PeerID, ev.EventID)
	}

	hops, hopsOK := r.guard.NextHop(ev.HopCount)
	switch {
	case r.guard.CheckEvent(ev.OriginRelay) != "":
		res.Dropped++
		r.obs.RecordLoopDrop(ctx, string(DropSelfOrigin))
	case !hopsOK:
		res.Rejected++
		r.obs.RecordRejection(ctx, "replication", reasonInvalidHopCount)
		r.logger.WarnContext(ctx, "rejected replicated event",
			"peer_id", peer.PeerID, "event_id", ev.EventID, "reason", reasonInvalidHopCount, "hop_count", ev.HopCount)
	default:
		validated, err := r.validator.Validate(ev.Candidate())
		if err != nil {
			rej, ok := validation.AsRejection(err)
			if !ok {
				return fmt.Errorf("validate %s: %w", ev.EventID, err)
			}
			res.Rejected++
			r.obs.RecordRejection(ctx, "replication", string(rej.Reason))
			r.logger.WarnContext(ctx, "rejected replicated event",
				"peer_id", peer.PeerID, "event_id", ev.EventID, "reason", rej.Reason)
			break
		}

		// Peer ids are registered under the peer's node id, so an event
		// without provenance is attributed to the relay that served it.
		origin := ev.OriginRelay
		if origin == "" {
			origin = peer.PeerID
		}
		appended, err := r.store.Append(ctx, validated, events.Provenance{OriginRelay: origin, HopCount: hops})
		if err != nil {
			return fmt.Errorf("append %s from %s: %w", ev.EventID, peer.PeerID, err)
		}
		r.obs.RecordIngest(ctx, "replication", appended.Outcome.String())
		if appended.Outcome != store.Inserted {
			res.Duplicates++
			break
		}
		res.Inserted++
		if !r.guard.Forwardable(hops) {
			r.logger.DebugContext(ctx, "stored event at hop ceiling",
				"peer_id", peer.PeerID, "event_id", ev.EventID, "hop_count", hops)
		}
	}

	if _, err := r.peers.AdvanceCursor(ctx, peer.PeerID, next); err != nil {
		return fmt.Errorf("advance cursor for %s: %w", peer.PeerID, err)
	}
	res.Cursor = next
	return nil
}

func (r *Replicator) recordHealth(parent context.Context, peerID string, h Health, lastErr string) {
	// The attempt context may already be expired; health is still recorded.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 5*time.Second)
	defer cancel()
	if err := r.peers.RecordHealth(ctx, peerID, h, lastErr, r.now()); err != nil {
		r.logger.ErrorContext(ctx, "failed to record peer health", "peer_id", peerID, "error", err)
	}
}
