package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/helm-relay/pkg/api"
	"github.com/Mindburn-Labs/helm-relay/pkg/federation"
)

// PeerAuthenticator resolves a shared secret to a registered peer.
type PeerAuthenticator interface {
	Authenticate(ctx context.Context, secret string) (*federation.Peer, error)
}

// PeerMiddleware authenticates relay-to-relay requests carrying
// "Authorization: Bearer <shared_secret>" and attaches the peer to the
// request context. Unknown or missing credentials are refused with 401.
func PeerMiddleware(peers PeerAuthenticator) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "peer_auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <shared_secret>')")
				return
			}
			if peers == nil {
				api.WriteUnauthorized(w, "Peer authentication not configured")
				return
			}

			peer, err := peers.Authenticate(r.Context(), parts[1])
			switch {
			case errors.Is(err, federation.ErrUnauthenticated):
				logger.WarnContext(r.Context(), "rejected peer credential",
					"remote_addr", r.RemoteAddr, "request_id", GetRequestID(r.Context()))
				api.WriteUnauthorized(w, "Unknown peer credential")
				return
			case err != nil:
				api.WriteInternal(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(federation.WithPeer(r.Context(), peer)))
		})
	}
}
