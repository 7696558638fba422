package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"skywatch/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default("abc123")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.API.Secret != "abc123" {
		t.Fatalf("secret not applied: %q", cfg.API.Secret)
	}
	if cfg.API.TokenTTLHours != 24 {
		t.Fatalf("ttl %d, want 24", cfg.API.TokenTTLHours)
	}
	if cfg.Generator.PerUserLimit != 3 {
		t.Fatalf("per-user limit %d, want 3", cfg.Generator.PerUserLimit)
	}
	if cfg.Generator.AccuracyThreshold == nil || *cfg.Generator.AccuracyThreshold != 0.5 {
		t.Fatalf("unexpected accuracy threshold: %v", cfg.Generator.AccuracyThreshold)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"missing secret", func(c *config.Config) { c.API.Secret = "" }, "api.secret"},
		{"negative ttl", func(c *config.Config) { c.API.TokenTTLHours = -1 }, "token_ttl_hours"},
		{"reserved level", func(c *config.Config) { c.Auth.DefaultLevel = 1 }, "default_level"},
		{"zero limit", func(c *config.Config) { c.Generator.PerUserLimit = 0 }, "per_user_limit"},
		{"threshold above one", func(c *config.Config) {
			v := 1.5
			c.Generator.AccuracyThreshold = &v
		}, "accuracy_threshold"},
		{"webhook without url", func(c *config.Config) {
			c.Webhooks = []config.WebhookConfig{{Name: "ops"}}
		}, "webhooks[0].url"},
	}
	for _, tc := range cases {
		cfg := config.Default("s")
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %s", tc.name, err, tc.want)
		}
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("top-secret")))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.API.Secret != "top-secret" {
		t.Fatalf("secret %q", cfg.API.Secret)
	}
	if _, err := config.FromYAML([]byte("api: [not a map")); err == nil {
		t.Fatalf("expected yaml error")
	}
}

func TestLoadAndLoadOptional(t *testing.T) {
	dir := t.TempDir()
	if _, err := config.Load(dir); err == nil {
		t.Fatalf("expected error for missing config")
	}
	opt, err := config.LoadOptional(dir)
	if err != nil || opt != nil {
		t.Fatalf("optional load of missing file: cfg=%v err=%v", opt, err)
	}
	path := filepath.Join(dir, "skywatch.yml")
	if path != config.Path(dir) {
		t.Fatalf("unexpected config path %s", config.Path(dir))
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault("s3cret")), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.Secret != "s3cret" {
		t.Fatalf("secret %q", cfg.API.Secret)
	}
}
