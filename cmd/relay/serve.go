package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/helm-relay/pkg/config"
	"github.com/Mindburn-Labs/helm-relay/pkg/observability"
)

const shutdownTimeout = 15 * time.Second

func runServer(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("serve", stderr)
	port := fs.String("port", "", "Listen port (overrides PORT)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *port != "" {
		cfg.Port = *port
	}
	slog.SetDefault(observability.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintf(stdout, "%sHELM Relay starting...%s\n", ColorBold+ColorBlue, ColorReset)
	if err := serve(ctx, cfg); err != nil {
		slog.Error("relay stopped", "error", err)
		return 1
	}
	return 0
}

// serve runs the relay until ctx is cancelled, then drains in-flight
// requests and stops replication.
func serve(ctx context.Context, cfg *config.Config) error {
	ocfg := observability.DefaultConfig()
	ocfg.ServiceVersion = Version
	ocfg.NodeID = cfg.NodeID
	ocfg.OTLPEndpoint = cfg.OTLPEndpoint
	ocfg.Insecure = cfg.OTLPInsecure
	ocfg.Enabled = cfg.OTLPEndpoint != ""
	obs, err := observability.New(ctx, ocfg)
	if err != nil {
		return fmt.Errorf("failed to init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	r, err := newRelay(ctx, cfg, db, dialect, obs)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()
	log.Printf("[relay] node %s: max_hops=%d replication_interval=%s", cfg.NodeID, cfg.MaxHops, cfg.Replication.Interval)

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	bgDone := r.startBackground(bgCtx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("[relay] listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		cancelBg()
		<-bgDone
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Println("[relay] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	cancelBg()
	<-bgDone
	return err
}
