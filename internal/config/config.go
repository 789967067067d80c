// Package config loads capgate configuration from YAML and supports
// hot reload. Every load returns a content hash so decisions can be
// audited against the exact configuration in force.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/capgate/capgate/internal/alert"
	"github.com/capgate/capgate/internal/ratelimit"
)

// EvaluatorConfig selects and tunes the semantic evaluator backend.
type EvaluatorConfig struct {
	Backend   string        `yaml:"backend"` // "rules" or "bedrock"
	Region    string        `yaml:"region,omitempty"`
	ModelID   string        `yaml:"model_id,omitempty"`
	AccessKey string        `yaml:"access_key,omitempty"`
	SecretKey string        `yaml:"secret_key,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

// Config is the full daemon configuration.
type Config struct {
	EvidencePath string                      `yaml:"evidence_path"`
	AuditPath    string                      `yaml:"audit_path"`
	ApprovalPath string                      `yaml:"approval_path,omitempty"`
	AgentSpecs   string                      `yaml:"agent_specs,omitempty"`
	Evaluator    EvaluatorConfig             `yaml:"evaluator"`
	FetchLimit   int                         `yaml:"fetch_limit,omitempty"`
	TokenTTL     time.Duration               `yaml:"token_ttl,omitempty"`
	Alerts       []alert.Config              `yaml:"alerts,omitempty"`
	RateLimits   map[string]ratelimit.Config `yaml:"rate_limits,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		EvidencePath: "capgate-evidence.db",
		AuditPath:    "capgate-audit.db",
		ApprovalPath: "capgate-approvals.db",
		Evaluator:    EvaluatorConfig{Backend: "rules", Timeout: 10 * time.Second},
		FetchLimit:   20,
		TokenTTL:     30 * time.Second,
	}
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash reads a config file and returns its sha256 hash
// alongside, for audit attribution.
func LoadWithHash(path string) (*Config, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("config: read: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, "", fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	sum := sha256.Sum256(raw)
	return cfg, "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Validate rejects configurations that would weaken the pipeline.
func (c *Config) Validate() error {
	switch c.Evaluator.Backend {
	case "", "rules", "bedrock":
	default:
		return fmt.Errorf("config: unknown evaluator backend %q", c.Evaluator.Backend)
	}
	if c.TokenTTL < 0 {
		return fmt.Errorf("config: token_ttl must not be negative")
	}
	if c.TokenTTL > 5*time.Minute {
		return fmt.Errorf("config: token_ttl above 5m defeats the short-expiry invariant")
	}
	if c.FetchLimit < 0 {
		return fmt.Errorf("config: fetch_limit must not be negative")
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			return fmt.Errorf("config: alert %d has no url", i)
		}
		switch a.Format {
		case "", "generic", "slack", "pagerduty":
		default:
			return fmt.Errorf("config: alert %d has unknown format %q", i, a.Format)
		}
	}
	return nil
}
