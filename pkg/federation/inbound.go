package federation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/helm-relay/pkg/events"
	"github.com/Mindburn-Labs/helm-relay/pkg/observability"
	"github.com/Mindburn-Labs/helm-relay/pkg/store"
)

// Inbound serves replication windows to authenticated peers.
type Inbound struct {
	store  store.EventStore
	guard  LoopGuard
	obs    *observability.Provider
	logger *slog.Logger
}

// NewInbound creates the window service. obs may be nil.
func NewInbound(es store.EventStore, guard LoopGuard, obs *observability.Provider) *Inbound {
	return &Inbound{
		store:  es,
		guard:  guard,
		obs:    obs,
		logger: slog.Default().With("component", "federation_inbound"),
	}
}

// Window returns the events after req.Cursor that may be forwarded to the
// requesting relay. A loop drop yields an empty window and a DropReason.
func (in *Inbound) Window(ctx context.Context, peer *Peer, loop LoopHeaders, req ReplicateRequest) (*ReplicateResponse, DropReason, error) {
	if reason := in.guard.CheckRequest(loop); reason != "" {
		in.obs.RecordLoopDrop(ctx, string(reason))
		in.logger.WarnContext(ctx, "dropped replication request",
			"peer_id", peer.PeerID, "origin", loop.Origin, "hops", loop.Hops, "reason", reason)
		return &ReplicateResponse{Events: []events.Event{}, NextCursor: req.Cursor}, reason, nil
	}
	if loop.Origin != peer.PeerID {
		in.logger.WarnContext(ctx, "peer id does not match its node id",
			"peer_id", peer.PeerID, "origin", loop.Origin)
	}

	window, err := in.store.ReadReplicationWindow(ctx, store.WindowQuery{
		After:         req.Cursor,
		Limit:         ClampLimit(req.Limit),
		MaxHops:       in.guard.MaxHops,
		ExcludeOrigin: loop.Origin,
	})
	if err != nil {
		return nil, "", fmt.Errorf("read replication window: %w", err)
	}

	next := req.Cursor
	if n := len(window); n > 0 {
		next = window[n-1].Cursor()
	}
	in.logger.DebugContext(ctx, "served replication window",
		"peer_id", peer.PeerID, "events", len(window))
	return &ReplicateResponse{Events: window, NextCursor: next}, "", nil
}
