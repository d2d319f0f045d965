// Package config handles configuration loading and management.
package config

import (
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/orbitsq/queuebridge/pkg/bridge"
	"github.com/orbitsq/queuebridge/pkg/core"
	"github.com/orbitsq/queuebridge/pkg/logger"
	"github.com/orbitsq/queuebridge/pkg/serial"
	"github.com/orbitsq/queuebridge/pkg/server"
)

// Default config file locations.
var configPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./queuebridge.yaml",
	"./queuebridge.yml",
	"~/.config/queuebridge/config.yaml",
	"/etc/queuebridge/config.yaml",
}

// Load loads configuration from file. With an empty path the default
// locations are tried, falling back to defaults when none exists.
func Load(path string) (*core.Config, error) {
	if path != "" {
		return loadFile(path)
	}

	for _, p := range configPaths {
		if p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}

		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	return DefaultConfig(), nil
}

// loadFile loads configuration from a specific file.
func loadFile(path string) (*core.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func Validate(cfg *core.Config) error {
	validate := validator.New()
	return validate.Struct(cfg)
}

// Save saves configuration to file.
func Save(path string, cfg *core.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *core.Config {
	return &core.Config{
		Server: server.DefaultConfig(),
		Serial: serial.DefaultConfig(),
		Bridge: bridge.DefaultConfig(),
		API: core.APIConfig{
			Enabled: true,
			Port:    8080,
		},
		Database: core.DatabaseConfig{
			Path: "queuebridge.db",
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}
