package keyserver

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/ruteri/enclave-trust-broker/keyrelease"
	"gopkg.in/yaml.v3"
)

// Config is the key server configuration file.
type Config struct {
	Name   string        `yaml:"name"`
	Shares []ShareConfig `yaml:"shares"`
	// Admins are PEM public keys allowed to submit shares at runtime.
	Admins []string     `yaml:"admins"`
	Policy PolicyConfig `yaml:"policy"`
}

// ShareConfig assigns one share to a key id.
type ShareConfig struct {
	KeyID string `yaml:"key_id"`
	Share string `yaml:"share"`
}

// PolicyConfig is the static allow-list. Empty lists allow everything.
type PolicyConfig struct {
	AllowedIssuers  []string `yaml:"allowed_issuers"`
	AllowedPolicies []string `yaml:"allowed_policies"`
	DeniedObjects   []string `yaml:"denied_objects"`
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = "keyserver"
	}
	return &cfg, nil
}

// DecodeShares decodes the configured shares.
func (c *Config) DecodeShares() (map[keyrelease.ID][]byte, error) {
	shares := make(map[keyrelease.ID][]byte, len(c.Shares))
	for i, s := range c.Shares {
		keyID, err := keyrelease.ParseID(s.KeyID)
		if err != nil {
			return nil, fmt.Errorf("share %d: %w", i, err)
		}
		share, err := hex.DecodeString(strings.TrimPrefix(s.Share, "0x"))
		if err != nil {
			return nil, fmt.Errorf("share %d: invalid share encoding: %w", i, err)
		}
		if _, dup := shares[keyID]; dup {
			return nil, fmt.Errorf("share %d: duplicate key id %s", i, keyID)
		}
		shares[keyID] = share
	}
	return shares, nil
}
