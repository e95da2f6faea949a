package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/helm-relay/pkg/api"
	"github.com/Mindburn-Labs/helm-relay/pkg/auth"
	"github.com/Mindburn-Labs/helm-relay/pkg/config"
	"github.com/Mindburn-Labs/helm-relay/pkg/federation"
	"github.com/Mindburn-Labs/helm-relay/pkg/observability"
	"github.com/Mindburn-Labs/helm-relay/pkg/ratelimit"
	"github.com/Mindburn-Labs/helm-relay/pkg/store"
	"github.com/Mindburn-Labs/helm-relay/pkg/validation"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// relay is one wired relay node.
type relay struct {
	cfg        *config.Config
	events     *store.SQLEventStore
	peers      *federation.SQLPeerStore
	replicator *federation.Replicator
	limiter    ratelimit.LimiterStore
	handler    http.Handler
	closers    []func() error
}

// newRelay initializes storage on db, seeds configured peers and builds the
// HTTP handler and replicator. obs may be nil.
func newRelay(ctx context.Context, cfg *config.Config, db *sql.DB, dialect store.Dialect, obs *observability.Provider) (*relay, error) {
	es := store.NewSQLEventStore(db, dialect)
	if err := es.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to init event store: %w", err)
	}
	peers := federation.NewSQLPeerStore(db, dialect)
	if err := peers.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to init peer store: %w", err)
	}
	if err := seedPeers(ctx, peers, cfg.Peers); err != nil {
		return nil, err
	}

	validator := validation.NewValidator(time.Now)
	guard := federation.NewLoopGuard(cfg.NodeID, cfg.MaxHops)
	inbound := federation.NewInbound(es, guard, obs)

	handler := api.NewHandler(es, validator, inbound, obs, api.Config{NodeID: cfg.NodeID})

	r := &relay{cfg: cfg, events: es, peers: peers}
	r.limiter = r.newLimiter(ctx)
	policy := ratelimit.Policy{RPM: cfg.RateLimit.RPM, Burst: cfg.RateLimit.Burst}

	// Callers are limited by IP before authentication and by peer id after,
	// so failed bearer checks are bounded too.
	rateLimit := auth.RateLimitMiddleware(r.limiter, policy)
	replicateAuth := func(next http.Handler) http.Handler {
		return rateLimit(auth.PeerMiddleware(peers)(rateLimit(next)))
	}
	mux := handler.Routes(replicateAuth)
	limited := rateLimit(mux)
	routed := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/relay/replicate" || req.URL.Path == "/health" {
			mux.ServeHTTP(w, req)
			return
		}
		limited.ServeHTTP(w, req)
	}))
	r.handler = otelhttp.NewHandler(routed, "relay",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return req.Method + " " + req.URL.Path
		}))

	rcfg := federation.DefaultReplicatorConfig(cfg.NodeID)
	rcfg.MaxHops = cfg.MaxHops
	rcfg.Interval = cfg.Replication.Interval
	rcfg.AttemptTimeout = cfg.Replication.Timeout
	if cfg.Replication.PageLimit > 0 {
		rcfg.PageLimit = cfg.Replication.PageLimit
	}
	if cfg.Replication.Concurrency > 0 {
		rcfg.Concurrency = cfg.Replication.Concurrency
	}
	client := federation.NewClient(&http.Client{
		Timeout:   cfg.Replication.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}, federation.DefaultClientConfig())
	r.replicator = federation.NewReplicator(rcfg, peers, es, validator, client, obs)

	return r, nil
}

// newLimiter prefers the shared Redis limiter and falls back to an
// in-process one when Redis is not configured or not reachable.
func (r *relay) newLimiter(ctx context.Context) ratelimit.LimiterStore {
	if r.cfg.RedisAddr != "" {
		rl := ratelimit.NewRedisLimiterStoreFromAddr(r.cfg.RedisAddr, r.cfg.RedisPassword, 0)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		err := rl.Ping(pingCtx)
		if err == nil {
			log.Printf("[relay] rate limit: redis at %s", r.cfg.RedisAddr)
			r.closers = append(r.closers, rl.Close)
			return rl
		}
		slog.Warn("redis unavailable, using in-process rate limiter", "addr", r.cfg.RedisAddr, "error", err)
		_ = rl.Close()
	}
	return ratelimit.NewInMemoryLimiterStore()
}

// seedPeers registers configured peers, updating the endpoint and secret of
// peers that already exist. Cursors of existing peers are kept.
func seedPeers(ctx context.Context, peers federation.PeerStore, seeds []config.PeerConfig) error {
	for _, s := range seeds {
		err := peers.Create(ctx, &federation.Peer{PeerID: s.PeerID, URL: s.URL, SharedSecret: s.SharedSecret})
		if errors.Is(err, federation.ErrPeerExists) {
			err = peers.UpdateEndpoint(ctx, s.PeerID, s.URL, s.SharedSecret)
		}
		if err != nil {
			return fmt.Errorf("failed to seed peer %q: %w", s.PeerID, err)
		}
		log.Printf("[relay] federation: peer %s -> %s", s.PeerID, s.URL)
	}
	return nil
}

// startBackground launches the replication loop and limiter cleanup. They
// stop when ctx is cancelled; the returned channel closes once they have.
func (r *relay) startBackground(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if mem, ok := r.limiter.(*ratelimit.InMemoryLimiterStore); ok {
			go mem.RunCleanup(ctx, time.Minute, 10*time.Minute)
		}
		if err := r.replicator.Run(ctx); err != nil {
			slog.Error("replicator stopped", "error", err)
		}
	}()
	return done
}

func (r *relay) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
