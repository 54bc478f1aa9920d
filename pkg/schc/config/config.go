// Package config loads the engine defaults the command-line tools layer
// over their flags: MTU, the device-chosen Ack-Always tile size, simulated
// channel behaviour and log level.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the YAML-loadable tool configuration.
type Config struct {
	// MTUBytes is the byte budget per emitted message.
	MTUBytes int `yaml:"mtu_bytes"`
	// AckAlwaysTileBits is the tile size for rule 21, which the profile
	// leaves to the device. Must match the L2 word.
	AckAlwaysTileBits int `yaml:"ack_always_tile_bits"`
	// LossRate is the simulated channel's drop probability in [0,1).
	LossRate float64 `yaml:"loss_rate"`
	// Seed makes simulated losses reproducible.
	Seed int64 `yaml:"seed"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		MTUBytes:          51,
		AckAlwaysTileBits: 80,
		LossRate:          0,
		Seed:              1,
		LogLevel:          "info",
	}
}

// Load reads path and overlays it on Default. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MTUBytes < 3 {
		return fmt.Errorf("config: mtu_bytes %d too small for any fragment", c.MTUBytes)
	}
	if c.AckAlwaysTileBits <= 0 || c.AckAlwaysTileBits%8 != 0 {
		return fmt.Errorf("config: ack_always_tile_bits %d must be a positive multiple of 8", c.AckAlwaysTileBits)
	}
	if c.LossRate < 0 || c.LossRate >= 1 {
		return fmt.Errorf("config: loss_rate %v out of [0,1)", c.LossRate)
	}
	return nil
}
