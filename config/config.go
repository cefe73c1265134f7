// Package config loads the page store's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	bufferpool "github.com/sushant-115/gojodb-pagestore/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodb-pagestore/pkg/logger"
	"github.com/sushant-115/gojodb-pagestore/pkg/telemetry"
)

// Config is the root of the configuration file.
type Config struct {
	Storage    flushmanager.Config `yaml:"storage"`
	BufferPool bufferpool.Config   `yaml:"buffer_pool"`
	Logger     logger.Config       `yaml:"logger"`
	Telemetry  telemetry.Config    `yaml:"telemetry"`
	Stress     StressConfig        `yaml:"stress"`
}

// StressConfig drives cmd/gojodb_pagestress.
type StressConfig struct {
	Workers      int `yaml:"workers"`
	OpsPerWorker int `yaml:"ops_per_worker"`
	// OpsPerSecond caps the combined rate of all workers. Zero is unlimited.
	OpsPerSecond float64 `yaml:"ops_per_second"`
	// SnapshotPath, when set, receives a copy of the database file after the run.
	SnapshotPath           string `yaml:"snapshot_path"`
	SnapshotBytesPerSecond int64  `yaml:"snapshot_bytes_per_second"`
}

// Default returns a configuration that runs out of the box.
func Default() Config {
	return Config{
		Storage:    flushmanager.DefaultConfig("gojodb.db"),
		BufferPool: bufferpool.DefaultConfig(),
		Logger:     logger.DefaultConfig(),
		Telemetry: telemetry.Config{
			ServiceName:      logger.DefaultService,
			TraceSampleRatio: 1.0,
		},
		Stress: StressConfig{
			Workers:      4,
			OpsPerWorker: 1000,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if err := c.BufferPool.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("buffer_pool: %w", err))
	}
	if err := c.Logger.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logger: %w: %v", flushmanager.ErrInvalidConfig, err))
	}
	if c.Stress.Workers <= 0 {
		errs = append(errs, fmt.Errorf("stress: %w: workers must be positive", flushmanager.ErrInvalidConfig))
	}
	if c.Stress.OpsPerWorker < 0 || c.Stress.OpsPerSecond < 0 || c.Stress.SnapshotBytesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("stress: %w: rates and counts must not be negative", flushmanager.ErrInvalidConfig))
	}
	return errors.Join(errs...)
}
