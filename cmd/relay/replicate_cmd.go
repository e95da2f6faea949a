package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/Mindburn-Labs/helm-relay/pkg/config"
	"github.com/Mindburn-Labs/helm-relay/pkg/federation"
)

// runReplicateCmd runs one replication attempt against a single peer, or
// against every registered peer when none is named.
func runReplicateCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("replicate", stderr)
	jsonOut := fs.Bool("json", false, "Output JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	r, err := newRelay(ctx, cfg, db, dialect, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = r.Close() }()

	var results []federation.Result
	if fs.NArg() > 0 {
		res, err := r.replicator.Trigger(ctx, fs.Arg(0))
		res.PeerID = fs.Arg(0)
		res.Err = err
		results = append(results, res)
	} else {
		results, err = r.replicator.ReplicateAll(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}

	if *jsonOut {
		type row struct {
			federation.Result
			Error string `json:"error,omitempty"`
		}
		rows := make([]row, 0, len(results))
		for _, res := range results {
			rw := row{Result: res}
			if res.Err != nil {
				rw.Error = res.Err.Error()
			}
			rows = append(rows, rw)
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rows)
	} else {
		for _, res := range results {
			if res.Err != nil {
				_, _ = fmt.Fprintf(stdout, "%s: %s (%v)\n", res.PeerID, res.Health, res.Err)
				continue
			}
			_, _ = fmt.Fprintf(stdout, "%s: %s pages=%d inserted=%d duplicates=%d rejected=%d dropped=%d\n",
				res.PeerID, res.Health, res.Pages, res.Inserted, res.Duplicates, res.Rejected, res.Dropped)
		}
	}

	if failed > 0 {
		return 1
	}
	return 0
}
