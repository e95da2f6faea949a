package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-relay/pkg/events"
	"github.com/Mindburn-Labs/helm-relay/pkg/federation"
	"github.com/Mindburn-Labs/helm-relay/pkg/relaytest"
	"github.com/Mindburn-Labs/helm-relay/pkg/store"
	"github.com/Mindburn-Labs/helm-relay/pkg/validation"
)

func newTestHandler(t *testing.T) (*Handler, *store.SQLEventStore) {
	t.Helper()
	es := store.NewSQLiteEventStore(relaytest.OpenSQLite(t))
	require.NoError(t, es.Init(context.Background()))
	inbound := federation.NewInbound(es, federation.NewLoopGuard("relay-a", 4), nil)
	return NewHandler(es, validation.NewValidator(nil), inbound, nil, Config{NodeID: "relay-a"}), es
}

func push(t *testing.T, h *Handler, body any) (*httptest.ResponseRecorder, PushResponse) {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, "/relay/push", bytes.NewReader(raw))
	w := httptest.NewRecorder()
	h.Push(w, req)

	var resp PushResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func pull(t *testing.T, h *Handler, query string) (*httptest.ResponseRecorder, PullResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/relay/pull"+query, nil)
	w := httptest.NewRecorder()
	h.Pull(w, req)

	var resp PullResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestPushPull_E1Scenario(t *testing.T) {
	h, _ := newTestHandler(t)
	signer := relaytest.NewSigner(t)
	e1 := uuid.MustParse("6f1c2a4e-8a4b-4c1e-9d7a-2b3c4d5e6f70")
	c := relaytest.CandidateWithID(t, signer, e1, `{"type":"message","text":"hi"}`, time.Time{})
	batch := []*events.Candidate{c}

	w, resp := push(t, h, batch)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, resp.Results, 1)
	assert.Equal(t, StatusInserted, resp.Results[0].Status)
	assert.Equal(t, int64(1), resp.Results[0].ServerSeq)
	assert.Equal(t, e1.String(), resp.Results[0].EventID)
	assert.Equal(t, 1, resp.Inserted)

	w, resp = push(t, h, batch)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusDuplicate, resp.Results[0].Status)
	assert.Zero(t, resp.Results[0].ServerSeq)
	assert.Zero(t, resp.Inserted)

	w, page := pull(t, h, "?since=0")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, page.Events, 1)
	assert.Equal(t, int64(1), page.Events[0].ServerSeq)
	assert.Equal(t, e1.String(), page.Events[0].EventID)
	assert.Equal(t, `{"text":"hi","type":"message"}`, string(page.Events[0].PayloadJSON))
	assert.Equal(t, "relay-a", page.Events[0].OriginRelay)
	assert.Zero(t, page.Events[0].HopCount)
	assert.Equal(t, int64(1), page.NextCursor)
	assert.Equal(t, int64(1), page.HighWater)
}

func TestPush_MixedBatchReportsEachEvent(t *testing.T) {
	h, _ := newTestHandler(t)
	signer := relaytest.NewSigner(t)

	good := relaytest.Candidate(t, signer, `{"a":1}`, time.Now())
	forged := relaytest.Candidate(t, signer, `{"a":2}`, time.Now())
	forged.PayloadJSON = json.RawMessage(`{"a":3}`)
	badKey := relaytest.Candidate(t, signer, `{}`, time.Now())
	badKey.AuthorPubkey = "zz"

	body := fmt.Sprintf(`{"events": [%s, %s, {"event_id": 7}, %s]}`,
		mustJSON(t, good), mustJSON(t, forged), mustJSON(t, badKey))
	w, resp := push(t, h, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, resp.Results, 4)

	assert.Equal(t, StatusInserted, resp.Results[0].Status)
	assert.Equal(t, StatusRejected, resp.Results[1].Status)
	assert.Equal(t, string(validation.ReasonSignatureMismatch), resp.Results[1].Reason)
	assert.Equal(t, forged.EventID, resp.Results[1].EventID)
	assert.Equal(t, StatusRejected, resp.Results[2].Status)
	assert.Equal(t, string(validation.ReasonMalformed), resp.Results[2].Reason)
	assert.Equal(t, string(validation.ReasonInvalidPublicKey), resp.Results[3].Reason)
	assert.Equal(t, 1, resp.Inserted)

	_, page := pull(t, h, "")
	assert.Len(t, page.Events, 1)
}

func TestPush_RejectsOversizedBatchWholesale(t *testing.T) {
	h, es := newTestHandler(t)
	signer := relaytest.NewSigner(t)

	batch := make([]*events.Candidate, DefaultMaxBatch+1)
	for i := range batch {
		batch[i] = relaytest.Candidate(t, signer, `{}`, time.Now())
	}
	w, _ := push(t, h, batch)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	maxSeq, err := es.MaxSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, maxSeq, "nothing from an oversized batch is stored")

	w, resp := push(t, h, batch[:DefaultMaxBatch])
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, DefaultMaxBatch, resp.Inserted)
}

func TestPush_RejectsOversizedBody(t *testing.T) {
	h, _ := newTestHandler(t)
	h.cfg.MaxBodyBytes = 1024

	body := `[{"event_id":"x","payload_json":"` + strings.Repeat("a", 2048) + `"}]`
	w, _ := push(t, h, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestPush_BadBodies(t *testing.T) {
	h, _ := newTestHandler(t)
	for _, body := range []string{`"string"`, `{"foo": []}`, `[1,`, `42`} {
		w, _ := push(t, h, body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %s", body)
	}

	w, resp := push(t, h, `[]`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, resp.Results)

	req := httptest.NewRequest(http.MethodGet, "/relay/push", nil)
	rec := httptest.NewRecorder()
	h.Push(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type failingStore struct {
	store.EventStore
	failID string
}

func (f *failingStore) Append(ctx context.Context, ev *events.Validated, prov events.Provenance) (store.AppendResult, error) {
	if ev.EventID.String() == f.failID {
		return store.AppendResult{}, errors.New("disk full")
	}
	return f.EventStore.Append(ctx, ev, prov)
}

func TestPush_StorageFailureIsPerEvent(t *testing.T) {
	_, es := newTestHandler(t)
	signer := relaytest.NewSigner(t)
	first := relaytest.Candidate(t, signer, `{"n":1}`, time.Now())
	second := relaytest.Candidate(t, signer, `{"n":2}`, time.Now())

	h := NewHandler(&failingStore{EventStore: es, failID: first.EventID}, validation.NewValidator(nil), nil, nil, Config{NodeID: "relay-a"})
	w, resp := push(t, h, []*events.Candidate{first, second})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusError, resp.Results[0].Status)
	assert.NotContains(t, w.Body.String(), "disk full")
	assert.Equal(t, StatusInserted, resp.Results[1].Status)
}

func TestPull_Pagination(t *testing.T) {
	h, _ := newTestHandler(t)
	signer := relaytest.NewSigner(t)
	batch := make([]*events.Candidate, 5)
	for i := range batch {
		batch[i] = relaytest.Candidate(t, signer, fmt.Sprintf(`{"i":%d}`, i), time.Now())
	}
	_, resp := push(t, h, batch)
	require.Equal(t, 5, resp.Inserted)

	var seen []int64
	since := int64(0)
	for {
		w, page := pull(t, h, fmt.Sprintf("?since=%d&limit=2", since))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(5), page.HighWater)
		if len(page.Events) == 0 {
			assert.Equal(t, since, page.NextCursor)
			break
		}
		for _, ev := range page.Events {
			seen = append(seen, ev.ServerSeq)
		}
		since = page.NextCursor
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seen)
}

func TestPull_BadParams(t *testing.T) {
	h, _ := newTestHandler(t)
	for _, q := range []string{"?since=-1", "?since=abc", "?limit=0", "?limit=x"} {
		w, _ := pull(t, h, q)
		assert.Equal(t, http.StatusBadRequest, w.Code, "query %s", q)
	}

	w, page := pull(t, h, "?limit=5000")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, page.Events)
}

func replicateRequest(t *testing.T, peer *federation.Peer, origin string, hops int, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/relay/replicate", strings.NewReader(body))
	federation.LoopHeaders{Origin: origin, Hops: hops}.Apply(req.Header)
	if peer != nil {
		req = req.WithContext(federation.WithPeer(req.Context(), peer))
	}
	return req
}

func TestReplicate_ServesWindow(t *testing.T) {
	h, _ := newTestHandler(t)
	signer := relaytest.NewSigner(t)
	_, resp := push(t, h, []*events.Candidate{
		relaytest.Candidate(t, signer, `{"n":1}`, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		relaytest.Candidate(t, signer, `{"n":2}`, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)),
	})
	require.Equal(t, 2, resp.Inserted)

	peer := &federation.Peer{PeerID: "relay-b"}
	w := httptest.NewRecorder()
	h.Replicate(w, replicateRequest(t, peer, "relay-b", 1, `{"limit": 1}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var window federation.ReplicateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &window))
	require.Len(t, window.Events, 1)
	assert.Equal(t, window.Events[0].Cursor(), window.NextCursor)

	body, err := json.Marshal(federation.ReplicateRequest{Cursor: window.NextCursor, Limit: 10})
	require.NoError(t, err)
	w = httptest.NewRecorder()
	h.Replicate(w, replicateRequest(t, peer, "relay-b", 1, string(body)))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &window))
	require.Len(t, window.Events, 1)
	assert.JSONEq(t, `{"n":2}`, string(window.Events[0].PayloadJSON))
}

func TestReplicate_LoopDropIsSilent(t *testing.T) {
	h, _ := newTestHandler(t)
	_, _ = push(t, h, []*events.Candidate{relaytest.Candidate(t, relaytest.NewSigner(t), `{}`, time.Now())})
	peer := &federation.Peer{PeerID: "relay-b"}

	w := httptest.NewRecorder()
	h.Replicate(w, replicateRequest(t, peer, "relay-a", 1, `{}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(federation.DropSelfOrigin), w.Header().Get(federation.HeaderDropped))

	var window federation.ReplicateResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &window))
	assert.Empty(t, window.Events)

	w = httptest.NewRecorder()
	h.Replicate(w, replicateRequest(t, peer, "relay-b", 9, `{}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(federation.DropHopLimit), w.Header().Get(federation.HeaderDropped))
}

func TestReplicate_RequestErrors(t *testing.T) {
	h, _ := newTestHandler(t)
	peer := &federation.Peer{PeerID: "relay-b"}

	w := httptest.NewRecorder()
	h.Replicate(w, replicateRequest(t, nil, "relay-b", 1, `{}`))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := replicateRequest(t, peer, "relay-b", 1, `{}`)
	req.Header.Set(federation.HeaderProtocol, "2.0.0")
	w = httptest.NewRecorder()
	h.Replicate(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = replicateRequest(t, peer, "relay-b", 1, `{}`)
	req.Header.Del(federation.HeaderOrigin)
	w = httptest.NewRecorder()
	h.Replicate(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.Replicate(w, replicateRequest(t, peer, "relay-b", 1, `{"cursor": 5}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, http.StatusBadRequest, problem.Status)
	assert.Equal(t, "Bad Request", problem.Title)
}

func TestRoutes(t *testing.T) {
	h, _ := newTestHandler(t)
	authCalled := false
	mux := h.Routes(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCalled = true
			WriteUnauthorized(w, "")
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, err = http.Post(srv.URL+"/relay/replicate", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.True(t, authCalled)
}

func TestWriteInternalHidesError(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-1")
	WriteInternal(w, errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, "req-1", problem.TraceID)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
