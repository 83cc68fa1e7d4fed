// Package config loads the storage core's process-local configuration
// from a YAML file: blob inlining threshold, missing-blob tolerance,
// data directory, cache size, and logging setup.
package config

import (
	"fmt"
	"os"

	"github.com/cuemby/contentstore/pkg/log"
	"gopkg.in/yaml.v3"
)

const (
	defaultMinBlobSize = 4096
	defaultCacheSize   = 10000
	defaultDataDir     = "./data"
)

// Logging holds the subset of log.Config that is user-configurable.
type Logging struct {
	Level  log.Level `yaml:"level"`
	JSON   bool      `yaml:"json"`
}

// Config is the top-level process configuration.
type Config struct {
	MinBlobSize        int     `yaml:"min_blob_size"`
	IgnoreMissingBlobs bool    `yaml:"ignore_missing_blobs"`
	DataDir            string  `yaml:"data_dir"`
	CacheSize          int     `yaml:"cache_size"`
	Logging            Logging `yaml:"logging"`
}

// Default returns a Config populated with the storage core's defaults.
func Default() Config {
	return Config{
		MinBlobSize: defaultMinBlobSize,
		DataDir:     defaultDataDir,
		CacheSize:   defaultCacheSize,
		Logging: Logging{
			Level: log.InfoLevel,
		},
	}
}

// Load reads and parses a YAML config file at path, overlaying its
// values onto Default(). A missing field keeps its default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.MinBlobSize < 0 {
		return Config{}, fmt.Errorf("min_blob_size must not be negative, got %d", cfg.MinBlobSize)
	}
	if cfg.CacheSize <= 0 {
		return Config{}, fmt.Errorf("cache_size must be positive, got %d", cfg.CacheSize)
	}
	return cfg, nil
}

// LogConfig converts the parsed logging section into a log.Config ready
// for log.Init.
func (c Config) LogConfig() log.Config {
	return log.Config{
		Level:      c.Logging.Level,
		JSONOutput: c.Logging.JSON,
	}
}
