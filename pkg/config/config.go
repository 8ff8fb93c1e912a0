// Package config holds application configuration: the target device type
// (serial service and preferred characteristic) plus timing and logging
// knobs. Values come from defaults, optionally overridden by a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/bleserial/central"
	"github.com/srg/bleserial/internal/transport"
	"github.com/srg/bleserial/peripheral"
)

// Config holds application configuration.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	CleanupDelay   time.Duration `yaml:"cleanup_delay" default:"1s"`

	// ServiceUUID selects the serial service; FFE0 is the HM-10/HM-11
	// family default.
	ServiceUUID string `yaml:"service_uuid" default:"ffe0"`
	// CharacteristicUUID optionally pins the serial characteristic;
	// empty means first encountered under the service.
	CharacteristicUUID string `yaml:"characteristic_uuid" default:"ffe1"`

	BufferWarnBytes int `yaml:"buffer_warn_bytes" default:"1048576"`
}

// Default returns the default configuration.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML config file over the defaults. A missing path returns
// plain defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks UUID fields and normalizes them.
func (c *Config) Validate() error {
	normalized, err := transport.ValidateUUID(c.ServiceUUID)
	if err != nil {
		return fmt.Errorf("service_uuid: %w", err)
	}
	c.ServiceUUID = normalized[0]

	if c.CharacteristicUUID != "" {
		normalized, err = transport.ValidateUUID(c.CharacteristicUUID)
		if err != nil {
			return fmt.Errorf("characteristic_uuid: %w", err)
		}
		c.CharacteristicUUID = normalized[0]
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// SessionOptions maps the config onto per-session options.
func (c *Config) SessionOptions() peripheral.Options {
	return peripheral.Options{
		ServiceUUID:        transport.NormalizeUUID(c.ServiceUUID),
		CharacteristicUUID: transport.NormalizeUUID(c.CharacteristicUUID),
		BufferWarnBytes:    c.BufferWarnBytes,
	}
}

// ManagerOptions maps the config onto central manager options.
func (c *Config) ManagerOptions() central.Options {
	return central.Options{
		Session:      c.SessionOptions(),
		CleanupDelay: c.CleanupDelay,
	}
}
