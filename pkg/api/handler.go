package api

import (
	"log/slog"

	"github.com/Mindburn-Labs/helm-relay/pkg/federation"
	"github.com/Mindburn-Labs/helm-relay/pkg/observability"
	"github.com/Mindburn-Labs/helm-relay/pkg/store"
	"github.com/Mindburn-Labs/helm-relay/pkg/validation"
)

// Request limits.
const (
	DefaultMaxBodyBytes int64 = 5 << 20
	DefaultMaxBatch           = 100
	DefaultPullLimit          = 100
	MaxPullLimit              = 1000
	maxReplicateBodyBytes     = 64 << 10
)

// Config sets the node identity and request limits. Zero limits take the
// defaults.
type Config struct {
	// NodeID is stamped as origin_relay on pushed events.
	NodeID       string
	MaxBodyBytes int64
	MaxBatch     int
}

// Handler serves the relay endpoints.
type Handler struct {
	store     store.EventStore
	validator *validation.Validator
	inbound   *federation.Inbound
	obs       *observability.Provider
	cfg       Config
	logger    *slog.Logger
}

// NewHandler creates the HTTP handlers. inbound may be nil when the node
// does not serve replication; obs may be nil.
func NewHandler(es store.EventStore, v *validation.Validator, inbound *federation.Inbound, obs *observability.Provider, cfg Config) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	return &Handler{
		store:     es,
		validator: v,
		inbound:   inbound,
		obs:       obs,
		cfg:       cfg,
		logger:    slog.Default().With("component", "api"),
	}
}

func (h *Handler) nodeID() string { return h.cfg.NodeID }
