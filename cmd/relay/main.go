package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-relay/pkg/client"
)

// Version is the relay build version.
const Version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(nil, stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "peer", "peers":
		return runPeerCmd(args[2:], stdout, stderr)
	case "replicate":
		return runReplicateCmd(args[2:], stdout, stderr)
	case "push":
		return runPushCmd(args[2:], stdout, stderr)
	case "pull":
		return runPullCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "sign":
		return runSignCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "relay %s\n", Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return startServer(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorBlue  = "\033[34m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sHELM Relay %s%s\n", ColorBold+ColorBlue, "v"+Version, ColorReset)
	_, _ = fmt.Fprintf(w, "%sSigned events in, ordered events out.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	_, _ = fmt.Fprintln(w, "  relay <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "RELAY")
	printCommand(w, "serve", "Run the relay server (default)")
	printCommand(w, "health", "Check server health (--addr)")
	printCommand(w, "replicate", "Replicate from one peer, or all peers, once")

	printSection(w, "FEDERATION")
	printCommand(w, "peer add", "Register a peer (--id, --url, --secret)")
	printCommand(w, "peer list", "List peers with cursor and health (--json)")
	printCommand(w, "peer remove", "Remove a peer (--id)")
	printCommand(w, "peer reset-cursor", "Rewind a peer cursor (--id)")

	printSection(w, "PRODUCERS")
	printCommand(w, "keygen", "Generate an Ed25519 author key")
	printCommand(w, "sign", "Sign a payload into a push-ready event (--seed)")
	printCommand(w, "push", "Push signed events from stdin or --file (--addr)")
	printCommand(w, "pull", "Print events after a server_seq (--since, --follow)")

	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sConfiguration comes from the environment (DATABASE_URL, RELAY_NODE_ID, ...)%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintf(w, "%sand the optional YAML file named by RELAY_CONFIG.%s\n", ColorGray, ColorReset)
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", ColorBold, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-20s %s\n", name, desc)
}

func runHealthCmd(args []string, out, errOut io.Writer) int {
	fs := newFlagSet("health", errOut)
	addr := addrFlag(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.New(*addr).Health(ctx); err != nil {
		_, _ = fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintln(out, "OK")
	return 0
}

// addrFlag registers --addr, defaulting to the local relay on $PORT.
func addrFlag(fs *flag.FlagSet) *string {
	addr := "http://localhost:8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = "http://localhost:" + port
	}
	return fs.String("addr", addr, "Relay base URL")
}
