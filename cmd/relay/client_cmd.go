package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/Mindburn-Labs/helm-relay/pkg/api"
	"github.com/Mindburn-Labs/helm-relay/pkg/client"
)

// runPushCmd pushes events produced by `relay sign`. Input may be a JSON
// array, an {"events": [...]} object, or a stream of event objects.
func runPushCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("push", stderr)
	addr := addrFlag(fs)
	file := fs.String("file", "", "Read events from file (default: stdin)")
	jsonOut := fs.Bool("json", false, "Output the raw push response")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var in io.Reader = stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer func() { _ = f.Close() }()
		in = f
	}
	raw, err := io.ReadAll(io.LimitReader(in, api.DefaultMaxBodyBytes+1))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read events: %v\n", err)
		return 1
	}
	body, err := batchBody(raw)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := client.New(*addr).PushRaw(ctx, body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Push failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
	} else {
		for _, r := range resp.Results {
			switch r.Status {
			case api.StatusInserted:
				_, _ = fmt.Fprintf(stdout, "%s inserted server_seq=%d\n", r.EventID, r.ServerSeq)
			case api.StatusDuplicate:
				_, _ = fmt.Fprintf(stdout, "%s duplicate\n", r.EventID)
			default:
				_, _ = fmt.Fprintf(stdout, "%s %s %s %s\n", r.EventID, r.Status, r.Reason, r.Detail)
			}
		}
		_, _ = fmt.Fprintf(stdout, "inserted %d of %d\n", resp.Inserted, len(resp.Results))
	}

	for _, r := range resp.Results {
		if r.Status == api.StatusRejected || r.Status == api.StatusError {
			return 1
		}
	}
	return 0
}

// batchBody turns push input into a request body. Arrays and objects with
// an "events" key pass through unchanged; a stream of objects is wrapped in
// an array.
func batchBody(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("no events to push")
	}
	if trimmed[0] == '[' {
		return trimmed, nil
	}

	var items []json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	for {
		var item json.RawMessage
		err := dec.Decode(&item)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("events are not valid JSON: %w", err)
		}
		items = append(items, item)
	}
	if len(items) == 1 {
		var wrapper struct {
			Events json.RawMessage `json:"events"`
		}
		if err := json.Unmarshal(items[0], &wrapper); err == nil && wrapper.Events != nil {
			return trimmed, nil
		}
	}
	return json.Marshal(items)
}

// runPullCmd prints events as JSON lines.
func runPullCmd(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("pull", stderr)
	addr := addrFlag(fs)
	since := fs.Int64("since", 0, "Print events with server_seq greater than this")
	limit := fs.Int("limit", api.DefaultPullLimit, "Page size")
	follow := fs.Bool("follow", false, "Keep polling for new events")
	interval := fs.Duration("interval", 2*time.Second, "Poll interval with --follow")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *since < 0 || *limit < 1 {
		_, _ = fmt.Fprintln(stderr, "Error: --since must be >= 0 and --limit >= 1")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := client.New(*addr)
	enc := json.NewEncoder(stdout)
	enc.SetEscapeHTML(false)
	emit := func(page *api.PullResponse) error {
		for i := range page.Events {
			if err := enc.Encode(&page.Events[i]); err != nil {
				return err
			}
		}
		return nil
	}

	cursor := *since
	for {
		next, err := c.PullAll(ctx, cursor, *limit, emit)
		cursor = next
		if err != nil {
			if ctx.Err() != nil {
				return 0
			}
			_, _ = fmt.Fprintf(stderr, "Pull failed: %v\n", err)
			return 1
		}
		if !*follow {
			return 0
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(*interval):
		}
	}
}
