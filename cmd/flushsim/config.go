package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the simulation configuration read from YAML file and overridden by flags.
type Config struct {
	Device       string        `yaml:"device"`
	Size         uint64        `yaml:"size"`
	Workers      uint64        `yaml:"workers"`
	Rounds       uint64        `yaml:"rounds"`
	Depth        uint64        `yaml:"depth"`
	DepthLimit   int           `yaml:"depthLimit"`
	MaxPasses    int           `yaml:"maxPasses"`
	SyncInterval time.Duration `yaml:"syncInterval"`
}

// DefaultConfig returns default simulation configuration.
func DefaultConfig() Config {
	return Config{
		Size:         256 * 1024 * 1024,
		Workers:      4,
		Rounds:       1000,
		Depth:        4,
		DepthLimit:   256,
		MaxPasses:    16,
		SyncInterval: 100 * time.Millisecond,
	}
}

func loadConfig(path string, config *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil {
		return errors.Wrapf(err, "decoding config %q failed", path)
	}
	return nil
}
