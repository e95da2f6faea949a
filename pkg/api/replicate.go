package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Mindburn-Labs/helm-relay/pkg/federation"
)

// Replicate handles POST /relay/replicate. The peer must already be
// authenticated and attached to the request context.
func (h *Handler) Replicate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	if h.inbound == nil {
		WriteError(w, http.StatusNotFound, "Not Found", "replication is not enabled on this relay")
		return
	}
	peer, ok := federation.PeerFromContext(r.Context())
	if !ok {
		WriteUnauthorized(w, "peer credential required")
		return
	}
	if err := federation.CheckProtocol(r.Header.Get(federation.HeaderProtocol)); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	loop, err := federation.ParseLoopHeaders(r.Header)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	var req federation.ReplicateRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxReplicateBodyBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteBadRequest(w, "body must be {\"cursor\": {...}, \"limit\": n}")
		return
	}

	ctx, done := h.obs.TrackOperation(r.Context(), "relay.replicate.serve")
	resp, drop, err := h.inbound.Window(ctx, peer, loop, req)
	done(err)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if drop != "" {
		w.Header().Set(federation.HeaderDropped, string(drop))
	}
	writeJSON(w, http.StatusOK, resp)
}
