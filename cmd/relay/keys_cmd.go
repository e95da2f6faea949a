package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-relay/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-relay/pkg/crypto"
	"github.com/Mindburn-Labs/helm-relay/pkg/events"
)

// stdin is swapped in tests.
var stdin io.Reader = os.Stdin

func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	signer, err := crypto.NewEd25519Signer("author")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		_ = json.NewEncoder(stdout).Encode(map[string]string{
			"seed":       signer.SeedHex(),
			"public_key": signer.PublicKey(),
		})
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "seed:       %s\n", signer.SeedHex())
	_, _ = fmt.Fprintf(stdout, "public_key: %s\n", signer.PublicKey())
	return 0
}

// runSignCmd turns a JSON payload into a signed event ready for
// POST /relay/push.
func runSignCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("sign", stderr)
	seed := fs.String("seed", os.Getenv("RELAY_AUTHOR_SEED"), "Hex Ed25519 seed (default $RELAY_AUTHOR_SEED)")
	payload := fs.String("payload", "", "JSON payload (default: read stdin)")
	eventID := fs.String("event-id", "", "Event UUID (default: random)")
	eventType := fs.String("type", "", "event_type")
	deviceID := fs.String("device-id", "", "device_id")
	authorID := fs.String("author-id", "", "author_id")
	contentID := fs.String("content-id", "", "content_id")
	occurredAt := fs.String("occurred-at", "", "RFC 3339 occurrence time (default: now)")
	lamport := fs.Int64("lamport", -1, "Lamport clock (omitted when negative)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *seed == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --seed or RELAY_AUTHOR_SEED is required")
		return 2
	}

	signer, err := crypto.NewEd25519SignerFromSeedHex(*seed, "author")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	raw := []byte(*payload)
	if *payload == "" {
		raw, err = io.ReadAll(io.LimitReader(stdin, 5<<20))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: read payload: %v\n", err)
			return 1
		}
	}
	canonical, err := canonicalize.Canonicalize(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: payload is not valid JSON: %v\n", err)
		return 2
	}

	id := uuid.New()
	if *eventID != "" {
		if id, err = uuid.Parse(*eventID); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invalid --event-id: %v\n", err)
			return 2
		}
	}

	at := time.Now()
	if *occurredAt != "" {
		if at, err = time.Parse(time.RFC3339Nano, *occurredAt); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invalid --occurred-at: %v\n", err)
			return 2
		}
	}
	at = events.NormalizeTime(at)

	sig, err := crypto.SignEvent(signer, id, canonical)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	c := events.Candidate{
		EventID:      id.String(),
		DeviceID:     optional(*deviceID),
		AuthorID:     optional(*authorID),
		ContentID:    optional(*contentID),
		EventType:    optional(*eventType),
		PayloadJSON:  canonical,
		OccurredAt:   &at,
		AuthorPubkey: signer.PublicKey(),
		Signature:    sig,
	}
	if *lamport >= 0 {
		c.Lamport = lamport
	}

	enc := json.NewEncoder(stdout)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
