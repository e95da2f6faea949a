package crypto

import (
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// PayloadHashSize is the size of a BLAKE3-256 payload digest.
const PayloadHashSize = 32

// PayloadHash returns the BLAKE3-256 digest of canonical payload bytes.
func PayloadHash(canonical []byte) [PayloadHashSize]byte {
	return blake3.Sum256(canonical)
}

// SigningMessage builds the exact byte string an author signs for an event:
//
//	lowercase hyphenated event_id (36 ASCII bytes) || lowercase hex payload_hash (64 ASCII bytes)
//
// No separator and no other fields. The layout is part of the wire contract;
// producers must sign exactly these 100 bytes.
func SigningMessage(eventID uuid.UUID, payloadHash [PayloadHashSize]byte) []byte {
	msg := make([]byte, 0, 36+2*PayloadHashSize)
	msg = append(msg, eventID.String()...)
	msg = append(msg, hex.EncodeToString(payloadHash[:])...)
	return msg
}

// SignEvent signs the canonical message for an event with s.
// canonicalPayload must already be in canonical form.
func SignEvent(s Signer, eventID uuid.UUID, canonicalPayload []byte) (string, error) {
	return s.Sign(SigningMessage(eventID, PayloadHash(canonicalPayload)))
}
