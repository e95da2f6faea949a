package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Mindburn-Labs/helm-relay/pkg/events"
	"github.com/Mindburn-Labs/helm-relay/pkg/store"
	"github.com/Mindburn-Labs/helm-relay/pkg/validation"
)

// Per-event push statuses.
const (
	StatusInserted  = "inserted"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
	StatusError     = "error"
)

// PushResult is the outcome for one candidate in a push batch.
type PushResult struct {
	EventID   string `json:"event_id,omitempty"`
	Status    string `json:"status"`
	ServerSeq int64  `json:"server_seq,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// PushResponse reports every candidate in request order.
type PushResponse struct {
	Inserted int          `json:"inserted"`
	Results  []PushResult `json:"results"`
}

var errNotBatch = errors.New("body must be a JSON array of events or an object with an \"events\" array")

// Push handles POST /relay/push.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	ctx, done := h.obs.TrackOperation(r.Context(), "relay.push")
	var opErr error
	defer func() { done(opErr) }()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WritePayloadTooLarge(w, fmt.Sprintf("request body exceeds %d bytes", h.cfg.MaxBodyBytes))
			return
		}
		WriteBadRequest(w, "failed to read request body")
		return
	}

	batch, err := decodeBatch(body)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if len(batch) > h.cfg.MaxBatch {
		WritePayloadTooLarge(w, fmt.Sprintf("batch of %d events exceeds the limit of %d", len(batch), h.cfg.MaxBatch))
		return
	}

	resp := PushResponse{Results: make([]PushResult, 0, len(batch))}
	for _, raw := range batch {
		res := h.pushOne(ctx, raw)
		switch res.Status {
		case StatusInserted:
			resp.Inserted++
		case StatusError:
			opErr = errors.New("storage failure during push")
		}
		resp.Results = append(resp.Results, res)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) pushOne(ctx context.Context, raw json.RawMessage) PushResult {
	res := PushResult{EventID: peekEventID(raw)}

	ev, err := h.validator.ValidateRaw(raw)
	if err != nil {
		rej, ok := validation.AsRejection(err)
		if !ok {
			rej = &validation.Rejection{Reason: validation.ReasonMalformed, Detail: err.Error()}
		}
		h.obs.RecordRejection(ctx, "push", string(rej.Reason))
		h.logger.InfoContext(ctx, "rejected pushed event", "event_id", res.EventID, "reason", rej.Reason)
		res.Status = StatusRejected
		res.Reason = string(rej.Reason)
		res.Detail = rej.Detail
		return res
	}
	res.EventID = ev.EventID.String()

	appended, err := h.store.Append(ctx, ev, events.Provenance{OriginRelay: h.nodeID(), HopCount: 0})
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to append pushed event", "event_id", res.EventID, "error", err)
		res.Status = StatusError
		res.Reason = "storage_unavailable"
		return res
	}
	h.obs.RecordIngest(ctx, "push", appended.Outcome.String())
	if appended.Outcome == store.Inserted {
		res.Status = StatusInserted
		res.ServerSeq = appended.ServerSeq
	} else {
		res.Status = StatusDuplicate
	}
	return res
}

// decodeBatch accepts a bare array or {"events": [...]}. A body of only
// whitespace is an empty batch.
func decodeBatch(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	switch body[0] {
	case '[':
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, errNotBatch
		}
		return batch, nil
	case '{':
		var env struct {
			Events []json.RawMessage `json:"events"`
		}
		if err := json.Unmarshal(body, &env); err != nil || env.Events == nil {
			return nil, errNotBatch
		}
		return env.Events, nil
	default:
		return nil, errNotBatch
	}
}

// peekEventID extracts event_id for reporting before the candidate is
// validated. It returns "" when there is none.
func peekEventID(raw json.RawMessage) string {
	var probe struct {
		EventID any `json:"event_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	if s, ok := probe.EventID.(string); ok {
		return s
	}
	return ""
}
