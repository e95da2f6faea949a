package federation

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// maxWindowBytes caps how much of a peer's response is read.
const maxWindowBytes = 64 << 20

// AttemptError is a failed fetch, classified for peer health.
type AttemptError struct {
	Health Health
	Err    error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s: %v", e.Health, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

func unreachable(format string, args ...any) error {
	return &AttemptError{Health: HealthUnreachable, Err: fmt.Errorf(format, args...)}
}

func invalidResponse(format string, args ...any) error {
	return &AttemptError{Health: HealthInvalidResponse, Err: fmt.Errorf(format, args...)}
}

// HealthOf classifies an error returned from a replication attempt.
func HealthOf(err error) Health {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Health
	}
	return HealthUnreachable
}

// ClientConfig tunes the outbound replication client.
type ClientConfig struct {
	// MaxRetries applies to transport errors and 5xx responses.
	MaxRetries       int
	BaseBackoff      time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxRetries:       2,
		BaseBackoff:      100 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
	}
}

// Client fetches replication windows from peers with retries and a
// per-peer circuit breaker.
type Client struct {
	http     *http.Client
	cfg      ClientConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewClient creates a client. A nil httpClient uses one without a timeout;
// attempts are bounded by their context.
func NewClient(httpClient *http.Client, cfg ClientConfig) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{http: httpClient, cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

func (c *Client) breaker(peerID string) *CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[peerID]
	if !ok {
		cb = NewCircuitBreaker(peerID, c.cfg.BreakerThreshold, c.cfg.BreakerReset)
		c.breakers[peerID] = cb
	}
	return cb
}

// Fetch requests one replication window from peer. A non-empty DropReason
// means the peer treated the request as a loop and served nothing.
func (c *Client) Fetch(ctx context.Context, peer *Peer, loop LoopHeaders, req ReplicateRequest) (*ReplicateResponse, DropReason, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("encode replicate request: %w", err)
	}
	endpoint := strings.TrimRight(peer.URL, "/") + "/relay/replicate"

	cb := c.breaker(peer.PeerID)
	if !cb.Allow() {
		return nil, "", unreachable("circuit breaker open for %s", peer.PeerID)
	}

	var (
		resp    *http.Response
		lastErr error
	)
	for i := 0; i <= c.cfg.MaxRetries; i++ {
		if i > 0 {
			if err := sleepBackoff(ctx, c.cfg.BaseBackoff, i-1); err != nil {
				lastErr = err
				break
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			cb.Success()
			return nil, "", invalidResponse("build request for %s: %v", peer.PeerID, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+peer.SharedSecret)
		loop.Apply(httpReq.Header)
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

		resp, err = c.http.Do(httpReq)
		if err == nil && resp.StatusCode < 500 {
			break
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("peer returned %s", resp.Status)
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
		}
		resp = nil
		if ctx.Err() != nil {
			break
		}
	}

	if resp == nil {
		cb.Failure()
		return nil, "", unreachable("fetch from %s: %v", peer.PeerID, lastErr)
	}
	cb.Success()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", invalidResponse("peer %s returned %s", peer.PeerID, resp.Status)
	}
	if reason := resp.Header.Get(HeaderDropped); reason != "" {
		return &ReplicateResponse{Events: nil, NextCursor: req.Cursor}, DropReason(reason), nil
	}

	var window ReplicateResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxWindowBytes))
	if err := dec.Decode(&window); err != nil {
		return nil, "", invalidResponse("decode window from %s: %v", peer.PeerID, err)
	}
	return &window, "", nil
}

// sleepBackoff waits base*2^attempt plus jitter, or until ctx is done.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	backoff := base << attempt
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		backoff += time.Duration(n.Int64()) * time.Millisecond
	}
	t := time.NewTimer(backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
