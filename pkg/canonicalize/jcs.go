// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing and signing of relay events.
package canonicalize

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
	"github.com/zeebo/blake3"
)

// ErrInvalidJSON is returned when the input is not well-formed UTF-8 JSON.
var ErrInvalidJSON = errors.New("canonicalize: invalid json")

// emptyPayload is the canonical form of an absent or null payload.
var emptyPayload = []byte("{}")

// Canonicalize returns the RFC 8785 canonical form of raw JSON bytes.
//
// Key features:
// 1. Object keys are sorted recursively by UTF-16 code units.
// 2. Insignificant whitespace is removed.
// 3. Numbers use the ECMAScript shortest round-trip representation, so 1.0 and 1 collapse.
// 4. HTML escaping is DISABLED (unlike standard json.Marshal).
//
// An empty input or a bare null canonicalizes to {}.
func Canonicalize(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return append([]byte(nil), emptyPayload...), nil
	}
	if !utf8.Valid(trimmed) {
		return nil, fmt.Errorf("%w: not valid utf-8", ErrInvalidJSON)
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: malformed document", ErrInvalidJSON)
	}

	out, err := jcs.Transform(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return out, nil
}

// JCS returns the RFC 8785 canonical JSON representation of v.
// v is marshaled with encoding/json first so struct tags are respected.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	return Canonicalize(intermediate)
}

// HashBytes computes the BLAKE3-256 hash of raw bytes and returns a hex string.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
