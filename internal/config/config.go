// Package config loads the pamfw configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/firewall"
	"github.com/puppetlabs/puppetlabs-pam-firewall/internal/rules"
)

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// Config is the top-level pamfw configuration. Rule parameters live at the
// top level of the file; backend settings live under "firewall".
type Config struct {
	// LogLevel is the log level: "debug", "info", "warn", "error".
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	Rules    rules.Config    `yaml:",inline"`
	Firewall firewall.Config `yaml:"firewall"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := newConfig()
	cfg.ApplyDefaults()
	return cfg
}

// newConfig pre-fills the firewall section so that an explicit
// "enabled: false" survives ApplyDefaults.
func newConfig() *Config {
	return &Config{Firewall: firewall.DefaultConfig()}
}

// ApplyDefaults sets default values for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	c.Rules.ApplyDefaults()
	c.Firewall.ApplyDefaults()
}

// Validate checks that values are acceptable.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q (must be debug, info, warn or error)", c.LogLevel)
	}
	if err := c.Rules.Validate(); err != nil {
		return err
	}
	return c.Firewall.Validate()
}

// Load reads the YAML file at path, applies defaults and validates it.
// An empty path returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration bytes, applies defaults and validates
// them. Unknown keys are rejected. Empty input yields the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := newConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
