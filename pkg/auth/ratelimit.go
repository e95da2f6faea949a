package auth

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/helm-relay/pkg/api"
	"github.com/Mindburn-Labs/helm-relay/pkg/federation"
	"github.com/Mindburn-Labs/helm-relay/pkg/ratelimit"
)

// RateLimitMiddleware enforces per-caller rate limiting. Authenticated
// peers are keyed by peer id, everyone else by remote IP. A limited caller
// gets 429 with Retry-After.
func RateLimitMiddleware(store ratelimit.LimiterStore, policy ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Fail open if no store is configured.
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := store.Allow(r.Context(), callerKey(r), policy, 1)
			if err != nil {
				// Fail open on limiter errors.
				slog.WarnContext(r.Context(), "rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				api.WriteTooManyRequests(w, policy.RetryAfter())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	if peer, ok := federation.PeerFromContext(r.Context()); ok {
		return "peer:" + peer.PeerID
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return "ip:" + ip
}
