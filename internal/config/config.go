// Package config holds the tuning knobs of a cache node.
//
// Every value has a sensible default; an optional YAML file can override any
// of them and command line flags win over the file. The endpoints themselves
// are not part of the config, they are positional arguments of the server
// command.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultVirtualReplicas is the number of points each node occupies on
	// one redundancy ring.
	DefaultVirtualReplicas = 5

	// DefaultRedundancy is the number of parallel rings, which is the
	// maximum number of copies a key can have in the cluster.
	DefaultRedundancy = 3

	// DefaultPeerTimeout is how long a peer may stay silent before it is
	// considered dead and swept from the cluster.
	DefaultPeerTimeout = 12 * time.Second

	// DefaultPubInterval is the delay between two membership publications.
	// It is also the poll timeout of the event loop.
	DefaultPubInterval = 5 * time.Second

	// DefaultIOTimeout bounds a single request to another node.
	DefaultIOTimeout = 5 * time.Second

	// DefaultMaxCacheSize is the cache budget in bytes, counting keys and
	// values only.
	DefaultMaxCacheSize = 1024 * 1024
)

type Config struct {
	VirtualReplicas int           `yaml:"virtual_replicas"`
	Redundancy      int           `yaml:"redundancy"`
	PeerTimeout     time.Duration `yaml:"peer_timeout"`
	PubInterval     time.Duration `yaml:"pub_interval"`
	IOTimeout       time.Duration `yaml:"io_timeout"`
	MaxCacheSize    int           `yaml:"max_cache_size"`
}

// Default returns a config with all values set to their defaults.
func Default() *Config {
	return &Config{
		VirtualReplicas: DefaultVirtualReplicas,
		Redundancy:      DefaultRedundancy,
		PeerTimeout:     DefaultPeerTimeout,
		PubInterval:     DefaultPubInterval,
		IOTimeout:       DefaultIOTimeout,
		MaxCacheSize:    DefaultMaxCacheSize,
	}
}

// Load reads a YAML config file on top of the defaults. Keys missing from
// the file keep their default value.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.VirtualReplicas < 1 {
		return fmt.Errorf("virtual_replicas must be at least 1, got %d", c.VirtualReplicas)
	}
	if c.Redundancy < 1 {
		return fmt.Errorf("redundancy must be at least 1, got %d", c.Redundancy)
	}
	if c.PeerTimeout <= c.PubInterval {
		return fmt.Errorf(
			"peer_timeout (%s) must be larger than pub_interval (%s)",
			c.PeerTimeout, c.PubInterval)
	}
	if c.IOTimeout <= 0 {
		return fmt.Errorf("io_timeout must be positive, got %s", c.IOTimeout)
	}
	if c.MaxCacheSize < 1 {
		return fmt.Errorf("max_cache_size must be positive, got %d", c.MaxCacheSize)
	}
	return nil
}
