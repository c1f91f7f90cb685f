package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "redundancy: 2\npeer_timeout: 30s\nmax_cache_size: 2048\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redundancy != 2 || cfg.PeerTimeout != 30*time.Second || cfg.MaxCacheSize != 2048 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	// Keys missing from the file keep their defaults.
	if cfg.VirtualReplicas != DefaultVirtualReplicas || cfg.PubInterval != DefaultPubInterval {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	// A peer timeout below the publish interval would sweep healthy peers.
	content := "peer_timeout: 2s\npub_interval: 5s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted peer_timeout below pub_interval")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load accepted a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero replicas", func(c *Config) { c.VirtualReplicas = 0 }},
		{"zero redundancy", func(c *Config) { c.Redundancy = 0 }},
		{"zero io timeout", func(c *Config) { c.IOTimeout = 0 }},
		{"zero cache size", func(c *Config) { c.MaxCacheSize = 0 }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate accepted an invalid config")
			}
		})
	}
}
