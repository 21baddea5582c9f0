package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuntimeConfig mirrors the optional huddle.yaml next to chat_config.json.
// Everything here has a default; the file only exists when someone tunes it.
type RuntimeConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Monitor MonitorConfig `yaml:"monitor"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// MonitorConfig overrides the adaptive polling constants. Zero values keep
// the tuned defaults.
type MonitorConfig struct {
	FloorMs   int `yaml:"floor_ms"`
	StartMs   int `yaml:"start_ms"`
	CeilingMs int `yaml:"ceiling_ms"`
}

// DefaultRuntime returns the runtime options used when huddle.yaml is
// absent.
func DefaultRuntime() *RuntimeConfig {
	return &RuntimeConfig{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9109"},
	}
}

// LoadRuntime reads huddle.yaml. A missing file yields the defaults.
// Environment variables in the file are expanded before parsing.
func LoadRuntime(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRuntime(), nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))
	cfg := &RuntimeConfig{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyRuntimeDefaults(cfg)
	return cfg, nil
}

func applyRuntimeDefaults(cfg *RuntimeConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9109"
	}
}
