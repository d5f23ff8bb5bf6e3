// Package config loads the tunable parameters of a connection from
// YAML, applying defaults and validating ranges the same way the
// congestion and pacing constants document them.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every user-tunable knob. Values left zero in the YAML
// file receive the defaults below.
type Config struct {
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Congestion CongestionConfig `yaml:"congestion"`
	Pacing    PacingConfig    `yaml:"pacing"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
}

type ProtocolConfig struct {
	ID        uint32 `yaml:"id"`
	MaxChannels uint8 `yaml:"max_channels"`
	ChunkSize int    `yaml:"chunk_size"`
}

// CongestionConfig carries the three tunables the original reads from
// its settings object and stores on each peer (connection.cpp's
// congestion_control_aim_rtt/max_rate/min_rate). AimRTT is the target
// round-trip time a peer's send rate is steered towards; MinRate and
// MaxRate bound that rate in kilobytes per second.
type CongestionConfig struct {
	AimRTT  time.Duration `yaml:"congestion_control_aim_rtt"`
	MaxRate int           `yaml:"congestion_control_max_rate"`
	MinRate int           `yaml:"congestion_control_min_rate"`
}

// PacingConfig bounds the per-peer send rate, enforced with
// golang.org/x/time/rate.
type PacingConfig struct {
	MaxPacketsPerSecond int `yaml:"max_packets_per_second"`
}

type TimeoutConfig struct {
	PeerIdle     time.Duration `yaml:"peer_idle"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// Defaults returns the built-in configuration, matching the constants
// used when no file is supplied.
func Defaults() Config {
	return Config{
		Protocol: ProtocolConfig{
			ID:          0x4f457403,
			MaxChannels: 3,
			ChunkSize:   512,
		},
		Congestion: CongestionConfig{
			AimRTT:  200 * time.Millisecond,
			MaxRate: 400,
			MinRate: 10,
		},
		Pacing: PacingConfig{
			MaxPacketsPerSecond: 0, // 0 disables pacing
		},
		Timeouts: TimeoutConfig{
			PeerIdle:     30 * time.Second,
			PingInterval: 5 * time.Second,
		},
	}
}

// Load reads a YAML configuration file, filling any field left at its
// zero value with the corresponding default, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(c *Config) {
	d := Defaults()
	if c.Protocol.ID == 0 {
		c.Protocol.ID = d.Protocol.ID
	}
	if c.Protocol.MaxChannels == 0 {
		c.Protocol.MaxChannels = d.Protocol.MaxChannels
	}
	if c.Protocol.ChunkSize == 0 {
		c.Protocol.ChunkSize = d.Protocol.ChunkSize
	}
	if c.Congestion.AimRTT == 0 {
		c.Congestion.AimRTT = d.Congestion.AimRTT
	}
	if c.Congestion.MaxRate == 0 {
		c.Congestion.MaxRate = d.Congestion.MaxRate
	}
	if c.Congestion.MinRate == 0 {
		c.Congestion.MinRate = d.Congestion.MinRate
	}
	if c.Timeouts.PeerIdle == 0 {
		c.Timeouts.PeerIdle = d.Timeouts.PeerIdle
	}
	if c.Timeouts.PingInterval == 0 {
		c.Timeouts.PingInterval = d.Timeouts.PingInterval
	}
}

func (c *Config) validate() error {
	if c.Protocol.MaxChannels == 0 {
		return fmt.Errorf("protocol.max_channels must be positive")
	}
	if c.Protocol.ChunkSize <= 0 {
		return fmt.Errorf("protocol.chunk_size must be positive")
	}
	if c.Congestion.AimRTT <= 0 {
		return fmt.Errorf("congestion.congestion_control_aim_rtt must be positive")
	}
	if c.Congestion.MinRate <= 0 {
		return fmt.Errorf("congestion.congestion_control_min_rate must be positive")
	}
	if c.Congestion.MaxRate < c.Congestion.MinRate {
		return fmt.Errorf("congestion.congestion_control_max_rate must be >= congestion_control_min_rate")
	}
	if c.Pacing.MaxPacketsPerSecond < 0 {
		return fmt.Errorf("pacing.max_packets_per_second must not be negative")
	}
	if c.Timeouts.PeerIdle <= 0 {
		return fmt.Errorf("timeouts.peer_idle must be positive")
	}
	if c.Timeouts.PingInterval <= 0 {
		return fmt.Errorf("timeouts.ping_interval must be positive")
	}
	return nil
}
