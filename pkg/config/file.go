package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// PeerConfig seeds a peer record. The secret may be given inline or, to
// keep it out of the file, through the environment variable named by
// SharedSecretEnv.
type PeerConfig struct {
	PeerID          string `yaml:"peer_id"`
	URL             string `yaml:"url"`
	SharedSecret    string `yaml:"shared_secret"`
	SharedSecretEnv string `yaml:"shared_secret_env"`
}

// mergeFile overlays the YAML file at path onto c.
func (c *Config) mergeFile(path string, getenv func(string) string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %q: %w", path, err)
	}

	for i := range c.Peers {
		p := &c.Peers[i]
		if p.SharedSecret == "" && p.SharedSecretEnv != "" {
			p.SharedSecret = getenv(p.SharedSecretEnv)
		}
		if p.SharedSecret == "" {
			return fmt.Errorf("parse config %q: peer %q has no shared secret", path, p.PeerID)
		}
	}
	return nil
}
