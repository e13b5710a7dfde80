// SPDX-License-Identifier: Unlicense OR MIT

// Package config loads the simulated machine and logging configuration
// from the environment and an optional TOML file.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix, as in COWFORK_MACHINE_FRAMES.
const Prefix = "COWFORK"

// maxEnvs mirrors the size of the kernel's environment id space.
const maxEnvs = 1024

// Config holds all configuration.
type Config struct {
	Machine MachineConfig `toml:"machine"`
	Log     LogConfig     `toml:"log"`
}

// MachineConfig describes the simulated machine.
type MachineConfig struct {
	Frames  int `envconfig:"FRAMES" default:"4096" toml:"frames"`
	MaxEnvs int `envconfig:"MAX_ENVS" default:"64" toml:"max_envs"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info" toml:"level"`
	Development bool   `envconfig:"DEV" default:"false" toml:"development"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Machine: MachineConfig{
			Frames:  4096,
			MaxEnvs: 64,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile loads configuration from the environment and overlays the
// keys present in the TOML file at path.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports whether the configuration describes a usable machine.
func (c *Config) Validate() error {
	if c.Machine.Frames < 64 {
		return fmt.Errorf("config: machine.frames %d is below the minimum of 64", c.Machine.Frames)
	}
	if c.Machine.MaxEnvs < 1 || c.Machine.MaxEnvs > maxEnvs {
		return fmt.Errorf("config: machine.max_envs %d out of range [1, %d]", c.Machine.MaxEnvs, maxEnvs)
	}
	return nil
}
