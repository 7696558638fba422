package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models skywatch.yml.
type Config struct {
	API struct {
		Secret        string `yaml:"secret"`
		TokenTTLHours int    `yaml:"token_ttl_hours"`
	} `yaml:"api"`
	Auth struct {
		DefaultLevel int `yaml:"default_level"`
	} `yaml:"auth"`
	Generator struct {
		PerUserLimit      int      `yaml:"per_user_limit"`
		AccuracyThreshold *float64 `yaml:"accuracy_threshold"`
	} `yaml:"generator"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes one trail-message delivery target. Name doubles as
// the consumer identity, so renaming a hook replays its topics from the
// beginning.
type WebhookConfig struct {
	Name           string   `yaml:"name"`
	URL            string   `yaml:"url"`
	Topics         []string `yaml:"topics,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sw config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.API.Secret == "" {
		return fmt.Errorf("config.api.secret is required")
	}
	if c.API.TokenTTLHours < 0 {
		return fmt.Errorf("config.api.token_ttl_hours must be >= 0 (0 means tokens never expire)")
	}
	if c.Auth.DefaultLevel < 2 {
		return fmt.Errorf("config.auth.default_level must be >= 2 (0 and 1 are reserved)")
	}
	if c.Generator.PerUserLimit <= 0 {
		return fmt.Errorf("config.generator.per_user_limit must be > 0")
	}
	if c.Generator.AccuracyThreshold != nil {
		if *c.Generator.AccuracyThreshold < 0 || *c.Generator.AccuracyThreshold > 1 {
			return fmt.Errorf("config.generator.accuracy_threshold must be in [0,1]")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "skywatch.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(secret string) string {
	return fmt.Sprintf(defaultTemplate, secret)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct with the given signing secret.
func Default(secret string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, secret))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `api:
  secret: %s
  token_ttl_hours: 24

auth:
  default_level: 2

generator:
  per_user_limit: 3
  accuracy_threshold: 0.5
`
