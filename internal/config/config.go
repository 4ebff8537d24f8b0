// Package config provides configuration loading and validation for
// runnerpool.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level declarative pool specification.
type Config struct {
	GitHubOrganization string `yaml:"githubOrganization"`

	ExtraRunnerTimer   time.Duration `yaml:"extraRunnerTimer"`
	TimeoutRunnerTimer time.Duration `yaml:"timeoutRunnerTimer"`

	Cloud     string `yaml:"cloud"`     // "firecracker" | "ec2"
	HostedCI  string `yaml:"hostedCi"`  // "github" | "gitea"
	StoreKind string `yaml:"store"`     // "redis" | "memory"

	CloudSettings    map[string]any `yaml:"cloudSettings"`
	HostedCISettings map[string]any `yaml:"hostedCiSettings"`
	StoreSettings    map[string]any `yaml:"storeSettings"`

	RunnerPool []PoolSpec `yaml:"runnerPool"`

	Server   ServerConfig `yaml:"server"`
	LogLevel string       `yaml:"logLevel"`

	// AccessTokenFile, when set and hostedCiSettings.accessToken is
	// empty, is read and trimmed into hostedCiSettings.accessToken,
	// the same file-indirection idiom the orchestrator's GitLab
	// config used for its PAT.
	AccessTokenFile string `yaml:"accessTokenFile"`
}

// PoolSpec declares one VmType: its matching tags, opaque cloud
// config, and min/max sizing.
type PoolSpec struct {
	Tags     []string       `yaml:"tags"`
	Config   map[string]any `yaml:"config"`
	Quantity QuantitySpec   `yaml:"quantity"`
}

// QuantitySpec is a pool's {min, max} sizing.
type QuantitySpec struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// ServerConfig holds HTTP server settings: the main ingress address
// and a separate metrics-only listener.
type ServerConfig struct {
	Address        string `yaml:"address"`
	MetricsAddress string `yaml:"metricsAddress"`
}

// Load reads, env-expands, parses, defaults and validates a
// configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if cfg.AccessTokenFile != "" {
		if tok, _ := cfg.HostedCISettings["accessToken"].(string); tok == "" {
			token, err := os.ReadFile(cfg.AccessTokenFile)
			if err != nil {
				return nil, fmt.Errorf("config: read accessTokenFile: %w", err)
			}
			cfg.HostedCISettings["accessToken"] = strings.TrimSpace(string(token))
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0:8084"
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = "127.0.0.1:8085"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Cloud == "" {
		c.Cloud = "firecracker"
	}
	if c.HostedCI == "" {
		c.HostedCI = "github"
	}
	if c.StoreKind == "" {
		c.StoreKind = "memory"
	}
	if c.ExtraRunnerTimer == 0 {
		c.ExtraRunnerTimer = 2 * time.Hour
	}
	if c.TimeoutRunnerTimer == 0 {
		c.TimeoutRunnerTimer = 10 * time.Minute
	}
	if c.CloudSettings == nil {
		c.CloudSettings = map[string]any{}
	}
	if c.HostedCISettings == nil {
		c.HostedCISettings = map[string]any{}
	}
	if c.StoreSettings == nil {
		c.StoreSettings = map[string]any{}
	}
	if _, ok := c.HostedCISettings["organization"]; !ok && c.GitHubOrganization != "" {
		c.HostedCISettings["organization"] = c.GitHubOrganization
	}

	for i := range c.RunnerPool {
		pool := &c.RunnerPool[i]
		if pool.Quantity.Max == 0 {
			pool.Quantity.Max = 10
		}
	}
}

func (c *Config) validate() error {
	if c.GitHubOrganization == "" {
		return fmt.Errorf("githubOrganization is required")
	}
	if len(c.RunnerPool) == 0 {
		return fmt.Errorf("at least one runnerPool entry must be configured")
	}
	for i, pool := range c.RunnerPool {
		if len(pool.Tags) == 0 {
			return fmt.Errorf("runnerPool[%d].tags is required", i)
		}
		if pool.Quantity.Min < 0 || pool.Quantity.Max < pool.Quantity.Min {
			return fmt.Errorf("runnerPool[%d].quantity {min:%d, max:%d} is invalid", i, pool.Quantity.Min, pool.Quantity.Max)
		}
	}
	switch c.Cloud {
	case "firecracker", "ec2":
	default:
		return fmt.Errorf("cloud must be 'firecracker' or 'ec2', got %q", c.Cloud)
	}
	switch c.HostedCI {
	case "github", "gitea":
	default:
		return fmt.Errorf("hostedCi must be 'github' or 'gitea', got %q", c.HostedCI)
	}
	switch c.StoreKind {
	case "redis", "memory":
	default:
		return fmt.Errorf("store must be 'redis' or 'memory', got %q", c.StoreKind)
	}
	return nil
}
