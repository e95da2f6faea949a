// Package validation is the relay's admission gate. Every event, whether
// pushed by a producer or pulled from a peer, passes through the same
// Validator before it may be persisted.
package validation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-relay/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-relay/pkg/crypto"
	"github.com/Mindburn-Labs/helm-relay/pkg/events"
)

// Reason classifies why a candidate was rejected.
type Reason string

const (
	ReasonMalformed                Reason = "malformed_event"
	ReasonInvalidEventID           Reason = "invalid_event_id"
	ReasonInvalidPayload           Reason = "invalid_payload"
	ReasonInvalidOccurredAt        Reason = "invalid_occurred_at"
	ReasonInvalidPublicKey         Reason = "invalid_public_key"
	ReasonInvalidSignatureEncoding Reason = "invalid_signature_encoding"
	ReasonSignatureMismatch        Reason = "signature_mismatch"
)

// minOccurredAt bounds producer timestamps so every event sorts after the
// zero replication cursor.
var minOccurredAt = time.Unix(0, 0).UTC()

// Rejection is returned for any candidate that must not be persisted.
// Detail never contains payload content.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection extracts a *Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// Validator verifies candidates. It is stateless and safe for concurrent use.
type Validator struct {
	now func() time.Time
}

// NewValidator creates a Validator. now stamps occurred_at on candidates
// that omit it; nil means time.Now.
func NewValidator(now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{now: now}
}

// Validate canonicalizes and hashes the payload, rebuilds the signed message
// from relay-controlled values and verifies the author's Ed25519 signature.
func (v *Validator) Validate(c *events.Candidate) (*events.Validated, error) {
	if c == nil {
		return nil, reject(ReasonMalformed, "empty candidate")
	}

	eventID, err := uuid.Parse(c.EventID)
	if err != nil || len(c.EventID) != 36 {
		return nil, reject(ReasonInvalidEventID, "event_id must be a hyphenated 128-bit uuid")
	}

	canonical, err := canonicalize.Canonicalize(c.PayloadJSON)
	if err != nil {
		return nil, reject(ReasonInvalidPayload, "payload_json is not valid utf-8 json")
	}
	hash := crypto.PayloadHash(canonical)

	ok, err := crypto.Verify(c.AuthorPubkey, c.Signature, crypto.SigningMessage(eventID, hash))
	switch {
	case errors.Is(err, crypto.ErrInvalidPublicKey):
		return nil, reject(ReasonInvalidPublicKey, "%v", err)
	case errors.Is(err, crypto.ErrInvalidSignature):
		return nil, reject(ReasonInvalidSignatureEncoding, "%v", err)
	case err != nil:
		return nil, err
	case !ok:
		return nil, reject(ReasonSignatureMismatch, "signature does not cover event_id and payload hash")
	}

	occurred := v.now()
	if c.OccurredAt != nil && !c.OccurredAt.IsZero() {
		occurred = *c.OccurredAt
	}
	if occurred.Before(minOccurredAt) {
		return nil, reject(ReasonInvalidOccurredAt, "occurred_at precedes %s", minOccurredAt.Format(time.RFC3339))
	}

	return &events.Validated{
		EventID:          eventID,
		DeviceID:         c.DeviceID,
		AuthorID:         c.AuthorID,
		ContentID:        c.ContentID,
		EventType:        c.EventType,
		CanonicalPayload: canonical,
		PayloadHash:      hex.EncodeToString(hash[:]),
		OccurredAt:       events.NormalizeTime(occurred),
		Lamport:          c.Lamport,
		AuthorPubkey:     strings.ToLower(c.AuthorPubkey),
		Signature:        strings.ToLower(c.Signature),
	}, nil
}

// ValidateRaw schema-checks a raw JSON candidate and validates it.
func (v *Validator) ValidateRaw(raw []byte) (*events.Validated, error) {
	c, err := events.DecodeCandidate(raw)
	if err != nil {
		if errors.Is(err, events.ErrMalformed) {
			return nil, reject(ReasonMalformed, "%v", err)
		}
		return nil, err
	}
	return v.Validate(c)
}
