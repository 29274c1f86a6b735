// Package config loads and validates the coordinator's runtime
// configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the recognized coordinator options.
type Config struct {
	// Root is the store key prefix under which all coordinator state lives.
	Root string `yaml:"root"`

	// Heartbeat is the interval between checkin cycles.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// Timeout bounds the request-issuing phase of a checkin.
	Timeout time.Duration `yaml:"timeout"`

	// PartitionsDefault is the initial partition count passed to Init.
	PartitionsDefault int `yaml:"partitions_default"`

	// NExpired is the max id-lag before a partition is considered expired.
	NExpired int64 `yaml:"n_expired"`

	// XExpired is the max checkpoint age, in seconds, before a partition is
	// considered expired.
	XExpired time.Duration `yaml:"x_expired"`

	// ZSolo is how long a worker must have been the only live worker before
	// a solo group request succeeds without peer votes.
	ZSolo time.Duration `yaml:"z_solo"`

	// StrictModeEnabled controls whether partitions claimed via the
	// expired-group path enter CAS-checkpointed strict mode.
	StrictModeEnabled bool `yaml:"strict_mode_enabled"`

	// Endpoints lists the store (etcd) endpoints to dial.
	Endpoints []string `yaml:"endpoints"`
}

// Default returns the coordinator's default configuration.
func Default() Config {
	return Config{
		Root:              "/cc/",
		Heartbeat:         1 * time.Second,
		Timeout:           2 * time.Second,
		PartitionsDefault: 6,
		NExpired:          1000,
		XExpired:          30 * time.Second,
		ZSolo:             5 * time.Second,
		StrictModeEnabled: true,
		Endpoints:         []string{"localhost:2379"},
	}
}

// Load reads a YAML configuration file, overlaying it on the defaults.
// A missing file is not an error; Load returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations that would make the protocol's
// invariants unsatisfiable.
func (c Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root prefix must not be empty")
	}
	if c.Heartbeat <= 0 {
		return fmt.Errorf("heartbeat must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.PartitionsDefault < 0 {
		return fmt.Errorf("partitions_default must not be negative")
	}
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("at least one store endpoint is required")
	}
	return nil
}
