package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models stageline.yml.
type Config struct {
	Jobs struct {
		DefaultMaxRetries int            `yaml:"default_max_retries"`
		MaxRetries        map[string]int `yaml:"max_retries"`
		BackoffBaseMS     int            `yaml:"backoff_base_ms"`
		BackoffCeilingMS  int            `yaml:"backoff_ceiling_ms"`
		// Ceiling applied to rate-limit/quota failures from external services.
		ExternalCeilingMS int `yaml:"external_ceiling_ms"`
		LeaseSeconds      int `yaml:"lease_seconds"`
	} `yaml:"jobs"`
	Cache struct {
		DefaultTTLSeconds int            `yaml:"default_ttl_seconds"`
		TTLSeconds        map[string]int `yaml:"ttl_seconds"`
	} `yaml:"cache"`
	Dedup struct {
		SimilarityThreshold float64 `yaml:"similarity_threshold"`
		MaxCandidates       int     `yaml:"max_candidates"`
	} `yaml:"dedup"`
	Staging struct {
		MaxRevisionRounds int `yaml:"max_revision_rounds"`
	} `yaml:"staging"`
	Workflow struct {
		StepTimeoutSeconds int `yaml:"step_timeout_seconds"`
	} `yaml:"workflow"`
	Bus struct {
		MaxCascadeDepth int `yaml:"max_cascade_depth"`
	} `yaml:"bus"`
	Extract struct {
		ModelID string `yaml:"model_id"`
	} `yaml:"extract"`
	Server struct {
		Addr      string   `yaml:"addr"`
		JWTSecret string   `yaml:"jwt_secret"`
		APIKeys   []string `yaml:"api_keys"`
	} `yaml:"server"`
}

// MaxRetriesFor returns the retry bound for a job type.
func (c *Config) MaxRetriesFor(jobType string) int {
	if n, ok := c.Jobs.MaxRetries[jobType]; ok {
		return n
	}
	return c.Jobs.DefaultMaxRetries
}

// TTLFor returns the cache TTL for a namespace.
func (c *Config) TTLFor(namespace string) time.Duration {
	if n, ok := c.Cache.TTLSeconds[namespace]; ok {
		return time.Duration(n) * time.Second
	}
	return time.Duration(c.Cache.DefaultTTLSeconds) * time.Second
}

func (c *Config) Lease() time.Duration {
	return time.Duration(c.Jobs.LeaseSeconds) * time.Second
}

func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.Workflow.StepTimeoutSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Jobs.DefaultMaxRetries < 0 {
		return fmt.Errorf("config.jobs.default_max_retries must be >= 0")
	}
	if c.Jobs.BackoffBaseMS <= 0 {
		return fmt.Errorf("config.jobs.backoff_base_ms must be > 0")
	}
	if c.Jobs.BackoffCeilingMS < c.Jobs.BackoffBaseMS {
		return fmt.Errorf("config.jobs.backoff_ceiling_ms must be >= backoff_base_ms")
	}
	if c.Jobs.ExternalCeilingMS < c.Jobs.BackoffCeilingMS {
		return fmt.Errorf("config.jobs.external_ceiling_ms must be >= backoff_ceiling_ms")
	}
	if c.Jobs.LeaseSeconds <= 0 {
		return fmt.Errorf("config.jobs.lease_seconds must be > 0")
	}
	if c.Cache.DefaultTTLSeconds <= 0 {
		return fmt.Errorf("config.cache.default_ttl_seconds must be > 0")
	}
	if c.Dedup.SimilarityThreshold <= 0 || c.Dedup.SimilarityThreshold > 1 {
		return fmt.Errorf("config.dedup.similarity_threshold must be in (0,1]")
	}
	if c.Dedup.MaxCandidates <= 0 {
		return fmt.Errorf("config.dedup.max_candidates must be > 0")
	}
	if c.Staging.MaxRevisionRounds < 0 {
		return fmt.Errorf("config.staging.max_revision_rounds must be >= 0")
	}
	if c.Workflow.StepTimeoutSeconds <= 0 {
		return fmt.Errorf("config.workflow.step_timeout_seconds must be > 0")
	}
	if c.Bus.MaxCascadeDepth <= 0 {
		return fmt.Errorf("config.bus.max_cascade_depth must be > 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `jobs:
  default_max_retries: 3
  max_retries:
    extract.run: 3
    proposal.revise: 2
  backoff_base_ms: 500
  backoff_ceiling_ms: 60000
  external_ceiling_ms: 300000
  lease_seconds: 60

cache:
  default_ttl_seconds: 604800
  ttl_seconds:
    extract: 2592000
    embed: 2592000

dedup:
  similarity_threshold: 0.82
  max_candidates: 25

staging:
  max_revision_rounds: 3

workflow:
  step_timeout_seconds: 120

bus:
  max_cascade_depth: 8

extract:
  model_id: heuristic-v1

server:
  addr: ":8080"
`
