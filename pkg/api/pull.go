package api

import (
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/helm-relay/pkg/events"
)

// PullResponse is a page of events in server_seq order. NextCursor is the
// since value for the following request; HighWater is the newest
// server_seq at the time of the read.
type PullResponse struct {
	Events     []events.Event `json:"events"`
	NextCursor int64          `json:"next_cursor"`
	HighWater  int64          `json:"high_water"`
}

// Pull handles GET /relay/pull?since=<seq>&limit=<n>.
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	ctx, done := h.obs.TrackOperation(r.Context(), "relay.pull")
	var opErr error
	defer func() { done(opErr) }()

	q := r.URL.Query()
	since, err := parseInt(q.Get("since"), 0)
	if err != nil || since < 0 {
		WriteBadRequest(w, "since must be a non-negative integer")
		return
	}
	limit, err := parseInt(q.Get("limit"), DefaultPullLimit)
	if err != nil || limit < 1 {
		WriteBadRequest(w, "limit must be a positive integer")
		return
	}
	if limit > MaxPullLimit {
		limit = MaxPullLimit
	}

	page, err := h.store.ReadSince(ctx, since, int(limit))
	if err != nil {
		opErr = err
		WriteInternal(w, err)
		return
	}
	highWater, err := h.store.MaxSeq(ctx)
	if err != nil {
		opErr = err
		WriteInternal(w, err)
		return
	}

	next := since
	if n := len(page); n > 0 {
		next = page[n-1].ServerSeq
	}
	writeJSON(w, http.StatusOK, PullResponse{Events: page, NextCursor: next, HighWater: highWater})
}

func parseInt(raw string, def int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
