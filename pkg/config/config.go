// Package config loads relay configuration from the environment and an
// optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	DatabaseURL string `yaml:"database_url"`
	// DataDir holds the Lite Mode database when DatabaseURL is empty.
	DataDir string `yaml:"data_dir"`

	NodeID      string            `yaml:"node_id"`
	MaxHops     int               `yaml:"max_hops"`
	Replication ReplicationConfig `yaml:"replication"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`

	// Peers are registered (or updated) at startup.
	Peers []PeerConfig `yaml:"peers"`
}

// ReplicationConfig tunes outbound replication.
type ReplicationConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	PageLimit   int           `yaml:"page_limit"`
	Concurrency int           `yaml:"concurrency"`
}

// RateLimitConfig is the per-caller request budget.
type RateLimitConfig struct {
	RPM   int `yaml:"rpm"`
	Burst int `yaml:"burst"`
}

// LiteMode reports whether the relay runs on embedded SQLite.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	node := "relay"
	if host, err := os.Hostname(); err == nil && host != "" {
		node = "relay-" + host
	}
	return &Config{
		Port:      "8080",
		LogLevel:  "INFO",
		LogFormat: "text",
		DataDir:   "data",
		NodeID:    node,
		MaxHops:   8,
		Replication: ReplicationConfig{
			Interval:    30 * time.Second,
			Timeout:     20 * time.Second,
			PageLimit:   100,
			Concurrency: 8,
		},
		RateLimit: RateLimitConfig{RPM: 600, Burst: 50},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// RELAY_CONFIG (if set), then environment variables.
func Load() (*Config, error) {
	return LoadWith(os.Getenv)
}

// LoadWith is Load with an injectable environment lookup.
func LoadWith(getenv func(string) string) (*Config, error) {
	cfg := Defaults()
	if path := getenv("RELAY_CONFIG"); path != "" {
		if err := cfg.mergeFile(path, getenv); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("DATABASE_URL", &c.DatabaseURL)
	str("RELAY_DATA_DIR", &c.DataDir)
	str("RELAY_NODE_ID", &c.NodeID)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.OTLPEndpoint)
	if v := getenv("OTEL_EXPORTER_OTLP_INSECURE"); v != "" {
		c.OTLPInsecure = v == "true" || v == "1"
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"RELAY_MAX_HOPS", &c.MaxHops},
		{"RELAY_REPLICATION_PAGE_LIMIT", &c.Replication.PageLimit},
		{"RELAY_REPLICATION_CONCURRENCY", &c.Replication.Concurrency},
		{"RELAY_RATE_LIMIT_RPM", &c.RateLimit.RPM},
		{"RELAY_RATE_LIMIT_BURST", &c.RateLimit.Burst},
	}
	for _, f := range ints {
		v := strings.TrimSpace(getenv(f.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q is not an integer", f.key, v)
		}
		*f.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RELAY_REPLICATION_INTERVAL", &c.Replication.Interval},
		{"RELAY_REPLICATION_TIMEOUT", &c.Replication.Timeout},
	}
	for _, f := range durations {
		v := strings.TrimSpace(getenv(f.key))
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q is not a duration", f.key, v)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.NodeID == "":
		return fmt.Errorf("config: node id is required")
	case c.MaxHops < 1:
		return fmt.Errorf("config: max_hops must be at least 1, got %d", c.MaxHops)
	case c.Replication.Interval <= 0:
		return fmt.Errorf("config: replication interval must be positive")
	case c.Replication.Timeout <= 0:
		return fmt.Errorf("config: replication timeout must be positive")
	}
	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.PeerID == "" || p.URL == "" {
			return fmt.Errorf("config: every peer needs peer_id and url")
		}
		if p.PeerID == c.NodeID {
			return fmt.Errorf("config: peer %q has this relay's own node id", p.PeerID)
		}
		if seen[p.PeerID] {
			return fmt.Errorf("config: duplicate peer %q", p.PeerID)
		}
		seen[p.PeerID] = true
	}
	return nil
}
