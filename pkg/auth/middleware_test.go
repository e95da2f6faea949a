package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-relay/pkg/auth"
	"github.com/Mindburn-Labs/helm-relay/pkg/federation"
	"github.com/Mindburn-Labs/helm-relay/pkg/ratelimit"
	"github.com/Mindburn-Labs/helm-relay/pkg/relaytest"
	"github.com/Mindburn-Labs/helm-relay/pkg/store"
)

func newPeerStore(t *testing.T) *federation.SQLPeerStore {
	t.Helper()
	ps := federation.NewSQLPeerStore(relaytest.OpenSQLite(t), store.SQLite)
	ctx := context.Background()
	require.NoError(t, ps.Init(ctx))
	require.NoError(t, ps.Create(ctx, &federation.Peer{PeerID: "relay-b", URL: "http://b", SharedSecret: "secret-b"}))
	return ps
}

func TestPeerMiddleware(t *testing.T) {
	ps := newPeerStore(t)

	var gotPeer string
	handler := auth.PeerMiddleware(ps)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := federation.PeerFromContext(r.Context())
		require.True(t, ok)
		gotPeer = p.PeerID
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid secret", "Bearer secret-b", http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret-b", http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"unknown secret", "Bearer secret-x", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotPeer = ""
			req := httptest.NewRequest(http.MethodPost, "/relay/replicate", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "relay-b", gotPeer)
			} else {
				assert.Empty(t, gotPeer)
				assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
			}
		})
	}
}

type brokenAuthenticator struct{}

func (brokenAuthenticator) Authenticate(context.Context, string) (*federation.Peer, error) {
	return nil, errors.New("database is locked")
}

func TestPeerMiddleware_StoreFailure(t *testing.T) {
	handler := auth.PeerMiddleware(brokenAuthenticator{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodPost, "/relay/replicate", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "locked")
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "client-supplied", seen)

	assert.Empty(t, auth.GetRequestID(context.Background()))
}

func TestRateLimitMiddleware_OverLimit(t *testing.T) {
	limiter := ratelimit.NewInMemoryLimiterStore()
	handler := auth.RateLimitMiddleware(limiter, ratelimit.Policy{RPM: 1, Burst: 1})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest(http.MethodGet, "/relay/pull", nil)
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req)
	assert.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
	assert.Equal(t, "60", w2.Header().Get("Retry-After"))

	// Peers are keyed by identity, not address.
	peerReq := req.WithContext(federation.WithPeer(req.Context(), &federation.Peer{PeerID: "relay-b"}))
	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, peerReq)
	assert.Equal(t, http.StatusOK, w3.Code)
}

type erroringLimiter struct{}

func (erroringLimiter) Allow(context.Context, string, ratelimit.Policy, int) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	for _, ls := range []ratelimit.LimiterStore{nil, erroringLimiter{}} {
		handler := auth.RateLimitMiddleware(ls, ratelimit.Policy{RPM: 1, Burst: 1})(
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/relay/pull", nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
	}
}
