package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-relay/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-relay/pkg/config"
	"github.com/Mindburn-Labs/helm-relay/pkg/federation"
	"github.com/Mindburn-Labs/helm-relay/pkg/relaytest"
	"github.com/Mindburn-Labs/helm-relay/pkg/validation"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"relay"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// liteEnv points the CLI at a fresh Lite Mode database.
func liteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("RELAY_CONFIG", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("RELAY_DATA_DIR", t.TempDir())
	t.Setenv("RELAY_NODE_ID", "relay-cli")
}

func TestRun_DefaultsToServer(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()

	var gotArgs []string
	calls := 0
	startServer = func(args []string, _, _ io.Writer) int {
		calls++
		gotArgs = args
		return 0
	}

	code, _, _ := run(t)
	assert.Equal(t, 0, code)
	code, _, _ = run(t, "--port", "9999")
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"--port", "9999"}, gotArgs)
	code, _, _ = run(t, "serve")
	assert.Equal(t, 0, code)
	assert.Equal(t, 3, calls)
}

func TestRun_HelpAndUnknown(t *testing.T) {
	code, out, _ := run(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "peer add")
	assert.Contains(t, out, "replicate")

	code, _, errOut := run(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")

	code, out, _ = run(t, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, Version)
}

func TestRun_Health(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer ok.Close()
	code, out, _ := run(t, "health", "--addr", ok.URL)
	assert.Equal(t, 0, code)
	assert.Equal(t, "OK\n", out)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	code, _, errOut := run(t, "health", "--addr", down.URL)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "503")
}

func TestRun_KeygenAndSign(t *testing.T) {
	code, out, _ := run(t, "keygen", "--json")
	require.Equal(t, 0, code)
	var keys map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	require.Len(t, keys["seed"], 64)
	require.Len(t, keys["public_key"], 64)

	code, out, errOut := run(t, "sign",
		"--seed", keys["seed"],
		"--payload", `{"b": 2, "a": "<x>"}`,
		"--type", "note.created",
		"--occurred-at", "2026-01-02T03:04:05Z",
		"--lamport", "7",
	)
	require.Equal(t, 0, code, errOut)

	v, err := validation.NewValidator(nil).ValidateRaw([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, keys["public_key"], v.AuthorPubkey)
	assert.Equal(t, `{"a":"<x>","b":2}`, string(v.CanonicalPayload))
	require.NotNil(t, v.EventType)
	assert.Equal(t, "note.created", *v.EventType)
	require.NotNil(t, v.Lamport)
	assert.Equal(t, int64(7), *v.Lamport)
	assert.True(t, v.OccurredAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestRun_SignReadsStdin(t *testing.T) {
	signer := relaytest.NewSigner(t)
	orig := stdin
	defer func() { stdin = orig }()
	stdin = strings.NewReader(`{"from":"stdin"}`)

	code, out, errOut := run(t, "sign", "--seed", signer.SeedHex())
	require.Equal(t, 0, code, errOut)
	v, err := validation.NewValidator(nil).ValidateRaw([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, canonicalize.HashBytes([]byte(`{"from":"stdin"}`)), v.PayloadHash)
}

func TestRun_SignErrors(t *testing.T) {
	t.Setenv("RELAY_AUTHOR_SEED", "")
	code, _, _ := run(t, "sign", "--payload", `{}`)
	assert.Equal(t, 2, code)

	code, _, _ = run(t, "sign", "--seed", "zz", "--payload", `{}`)
	assert.Equal(t, 2, code)

	signer := relaytest.NewSigner(t)
	code, _, _ = run(t, "sign", "--seed", signer.SeedHex(), "--payload", `{not json`)
	assert.Equal(t, 2, code)
	code, _, _ = run(t, "sign", "--seed", signer.SeedHex(), "--payload", `{}`, "--event-id", "nope")
	assert.Equal(t, 2, code)
}

func TestRun_PeerLifecycle(t *testing.T) {
	liteEnv(t)

	code, out, errOut := run(t, "peer", "add", "--id", "relay-b", "--url", "http://relay-b:8080")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Shared secret:")

	code, _, _ = run(t, "peer", "add", "--id", "relay-b", "--url", "http://relay-b:8080", "--secret", "s")
	assert.Equal(t, 1, code, "duplicate without --update")
	code, _, _ = run(t, "peer", "add", "--id", "relay-b", "--url", "http://relay-b:9090", "--secret", "s", "--update")
	assert.Equal(t, 0, code)

	code, out, _ = run(t, "peer", "list", "--json")
	require.Equal(t, 0, code)
	var list []federation.Peer
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "http://relay-b:9090", list[0].URL)
	assert.NotContains(t, out, `"s"`, "secrets are never listed")

	code, out, _ = run(t, "peer", "list")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "relay-b")

	code, _, _ = run(t, "peer", "reset-cursor", "--id", "relay-b", "--occurred-at", "2026-01-01T00:00:00Z", "--event-id", "x")
	assert.Equal(t, 0, code)
	code, _, _ = run(t, "peer", "reset-cursor", "--id", "relay-b", "--occurred-at", "yesterday")
	assert.Equal(t, 2, code)

	code, _, _ = run(t, "peer", "remove", "--id", "relay-b")
	assert.Equal(t, 0, code)
	code, _, _ = run(t, "peer", "remove", "--id", "relay-b")
	assert.Equal(t, 1, code)

	code, _, _ = run(t, "peer")
	assert.Equal(t, 2, code)
	code, _, _ = run(t, "peer", "add")
	assert.Equal(t, 2, code)
}

func TestRun_ReplicateOnce(t *testing.T) {
	liteEnv(t)

	remote := startNode(t, "relay-a", 8)
	require.NoError(t, remote.peers.Create(context.Background(), &federation.Peer{
		PeerID: "relay-cli", URL: "http://unused.invalid", SharedSecret: "cli-secret",
	}))
	ev := relaytest.Candidate(t, relaytest.NewSigner(t), `{"x":1}`, time.Now().Add(-time.Minute))
	require.Equal(t, 1, remote.push(t, []any{ev}).Inserted)

	code, _, errOut := run(t, "peer", "add", "--id", "relay-a", "--url", remote.srv.URL, "--secret", "cli-secret")
	require.Equal(t, 0, code, errOut)

	code, out, errOut := run(t, "replicate", "relay-a")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "relay-a: healthy")
	assert.Contains(t, out, "inserted=1")

	code, out, _ = run(t, "replicate", "--json")
	require.Equal(t, 0, code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.EqualValues(t, 0, rows[0]["inserted"])

	code, _, _ = run(t, "replicate", "relay-zzz")
	assert.Equal(t, 1, code)
}

func TestRun_SignPushPull(t *testing.T) {
	node := startNode(t, "relay-a", 8)
	signer := relaytest.NewSigner(t)

	var stream bytes.Buffer
	for _, payload := range []string{`{"n":1}`, `{"n":2}`} {
		code, out, errOut := run(t, "sign", "--seed", signer.SeedHex(), "--payload", payload)
		require.Equal(t, 0, code, errOut)
		stream.WriteString(out)
	}

	orig := stdin
	defer func() { stdin = orig }()
	stdin = bytes.NewReader(stream.Bytes())
	code, out, errOut := run(t, "push", "--addr", node.srv.URL)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "inserted 2 of 2")

	stdin = bytes.NewReader(stream.Bytes())
	code, out, _ = run(t, "push", "--addr", node.srv.URL)
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "inserted 0 of 2")

	code, out, errOut = run(t, "pull", "--addr", node.srv.URL, "--since", "1", "--limit", "1")
	require.Equal(t, 0, code, errOut)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	var ev struct {
		ServerSeq   int64  `json:"server_seq"`
		OriginRelay string `json:"origin_relay"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, int64(2), ev.ServerSeq)
	assert.Equal(t, "relay-a", ev.OriginRelay)
}

func TestRun_PushReportsRejections(t *testing.T) {
	node := startNode(t, "relay-a", 8)
	c := relaytest.Candidate(t, relaytest.NewSigner(t), `{"n":1}`, time.Now())
	c.PayloadJSON = json.RawMessage(`{"n":2}`)
	raw, err := json.Marshal([]any{c})
	require.NoError(t, err)

	orig := stdin
	defer func() { stdin = orig }()
	stdin = bytes.NewReader(raw)
	code, out, _ := run(t, "push", "--addr", node.srv.URL)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "rejected")

	stdin = strings.NewReader("   ")
	code, _, _ = run(t, "push", "--addr", node.srv.URL)
	assert.Equal(t, 2, code)
}

func TestBatchBody(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`[{"a":1}]`, `[{"a":1}]`},
		{`{"events":[{"a":1}]}`, `{"events":[{"a":1}]}`},
		{"{\"a\":1}\n{\"b\":2}\n", `[{"a":1},{"b":2}]`},
		{`{"a":1}`, `[{"a":1}]`},
	}
	for _, tt := range tests {
		got, err := batchBody([]byte(tt.in))
		require.NoError(t, err, tt.in)
		assert.JSONEq(t, tt.want, string(got))
	}

	_, err := batchBody([]byte(`{"a":`))
	assert.Error(t, err)
}

func TestOpenDatabase_LiteModeResolvesSQLite(t *testing.T) {
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()

	db, dialect, err := openDatabase(context.Background(), cfg)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "sqlite", dialect.Name)
	assert.FileExists(t, filepath.Join(cfg.DataDir, "relay.db"))
}
