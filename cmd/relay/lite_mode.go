package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/helm-relay/pkg/config"
	"github.com/Mindburn-Labs/helm-relay/pkg/store"

	_ "github.com/lib/pq" // Postgres Driver
	_ "modernc.org/sqlite"
)

// openDatabase connects to Postgres when DATABASE_URL is set and falls back
// to Lite Mode otherwise.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, store.Dialect, error) {
	driver := "postgres"
	var (
		db  *sql.DB
		err error
	)
	if cfg.LiteMode() {
		driver = "sqlite"
		db, err = setupLiteMode(ctx, cfg.DataDir)
	} else {
		db, err = setupPostgres(ctx, cfg.DatabaseURL)
	}
	if err != nil {
		return nil, store.Dialect{}, err
	}

	dialect, err := store.DialectFor(driver)
	if err != nil {
		_ = db.Close()
		return nil, store.Dialect{}, err
	}
	return db, dialect, nil
}

func setupPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("DB ping failed: %w", err)
	}
	log.Println("[relay] postgres: connected")
	return db, nil
}

func setupLiteMode(ctx context.Context, dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "relay.db")
	log.Printf("[relay] lite mode: using sqlite at %s", dbPath)

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer keeps server_seq allocation in commit order.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return db, nil
}
