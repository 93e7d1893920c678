// Package config loads the serve configuration from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Common errors for configuration loading.
var (
	ErrFileNotFound = errors.New("configuration file not found")
	ErrInvalidYAML  = errors.New("invalid YAML syntax")
)

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
// Bare integers are taken as nanoseconds, matching time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the serve configuration. Flags override file values; everything
// has a usable default, so the file is optional.
type Config struct {
	// Port the proxy listens on.
	Port int `yaml:"port"`
	// CACertPath / CAKeyPath locate the CA pair for HTTPS interception.
	// Empty paths disable MITM and CONNECT traffic is tunneled instead.
	CACertPath string `yaml:"caCertPath"`
	CAKeyPath  string `yaml:"caKeyPath"`
	// MaxBodySize caps buffered request/response bodies, in bytes.
	MaxBodySize int64 `yaml:"maxBodySize"`
	// CallbackTimeout bounds one outbound callback call.
	CallbackTimeout Duration `yaml:"callbackTimeout"`
	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"logLevel"`
	// LogFormat is text or json.
	LogFormat string `yaml:"logFormat"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:      8080,
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads a Config from a YAML file, filling unset fields from Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return cfg, fmt.Errorf("failed to read file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field ranges.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxBodySize < 0 {
		return fmt.Errorf("maxBodySize must not be negative")
	}
	if c.CallbackTimeout < 0 {
		return fmt.Errorf("callbackTimeout must not be negative")
	}
	if (c.CACertPath == "") != (c.CAKeyPath == "") {
		return fmt.Errorf("caCertPath and caKeyPath must be set together")
	}
	return nil
}
