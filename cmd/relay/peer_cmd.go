package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Mindburn-Labs/helm-relay/pkg/config"
	"github.com/Mindburn-Labs/helm-relay/pkg/events"
	"github.com/Mindburn-Labs/helm-relay/pkg/federation"
)

func newFlagSet(name string, errOut io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(errOut)
	return fs
}

// openPeerStore opens the configured database and its peer registry. The
// returned func closes the database.
func openPeerStore(ctx context.Context) (federation.PeerStore, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	peers := federation.NewSQLPeerStore(db, dialect)
	if err := peers.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to init peer store: %w", err)
	}
	return peers, func() { _ = db.Close() }, nil
}

func runPeerCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: relay peer <add|list|remove|reset-cursor> [flags]")
		return 2
	}

	ctx := context.Background()
	peers, closeDB, err := openPeerStore(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeDB()

	switch args[0] {
	case "add":
		return runPeerAdd(ctx, peers, args[1:], stdout, stderr)
	case "list", "ls":
		return runPeerList(ctx, peers, args[1:], stdout, stderr)
	case "remove", "rm":
		return runPeerRemove(ctx, peers, args[1:], stdout, stderr)
	case "reset-cursor":
		return runPeerResetCursor(ctx, peers, args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown peer command: %s\n", args[0])
		return 2
	}
}

func runPeerAdd(ctx context.Context, peers federation.PeerStore, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("peer add", stderr)
	id := fs.String("id", "", "Peer node id (REQUIRED)")
	url := fs.String("url", "", "Peer base URL (REQUIRED)")
	secret := fs.String("secret", "", "Shared secret (generated when empty)")
	update := fs.Bool("update", false, "Update url and secret if the peer exists")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" || *url == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id and --url are required")
		return 2
	}

	generated := false
	if *secret == "" {
		s, err := generateSecret()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		*secret, generated = s, true
	}

	err := peers.Create(ctx, &federation.Peer{PeerID: *id, URL: *url, SharedSecret: *secret})
	if errors.Is(err, federation.ErrPeerExists) && *update {
		err = peers.UpdateEndpoint(ctx, *id, *url, *secret)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "Peer %s registered at %s\n", *id, *url)
	if generated {
		_, _ = fmt.Fprintf(stdout, "Shared secret: %s\n", *secret)
		_, _ = fmt.Fprintln(stdout, "Register this relay on the peer with the same secret.")
	}
	return 0
}

func runPeerList(ctx context.Context, peers federation.PeerStore, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("peer list", stderr)
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	list, err := peers.List(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if list == nil {
			list = []federation.Peer{}
		}
		if err := enc.Encode(list); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PEER\tURL\tHEALTH\tCURSOR\tLAST ATTEMPT")
	for _, p := range list {
		cursor := "-"
		if !p.Cursor.IsZero() {
			cursor = p.Cursor.OccurredAt.Format(time.RFC3339Nano) + "/" + p.Cursor.EventID
		}
		last := "-"
		if !p.LastAttemptAt.IsZero() {
			last = p.LastAttemptAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.PeerID, p.URL, p.Health, cursor, last)
	}
	_ = tw.Flush()
	return 0
}

func runPeerRemove(ctx context.Context, peers federation.PeerStore, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("peer remove", stderr)
	id := fs.String("id", "", "Peer node id (REQUIRED)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}
	if err := peers.Delete(ctx, *id); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Peer %s removed\n", *id)
	return 0
}

func runPeerResetCursor(ctx context.Context, peers federation.PeerStore, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("peer reset-cursor", stderr)
	id := fs.String("id", "", "Peer node id (REQUIRED)")
	at := fs.String("occurred-at", "", "Resume after this RFC 3339 time (default: from the beginning)")
	eventID := fs.String("event-id", "", "Resume after this event id at --occurred-at")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	var c events.Cursor
	if *at != "" {
		t, err := time.Parse(time.RFC3339Nano, *at)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: invalid --occurred-at: %v\n", err)
			return 2
		}
		c = events.Cursor{OccurredAt: events.NormalizeTime(t), EventID: *eventID}
	}
	if err := peers.ResetCursor(ctx, *id, c); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Peer %s cursor reset\n", *id)
	return 0
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

