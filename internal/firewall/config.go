// Package firewall reconciles generated declarations against a live
// packet-filter backend.
package firewall

import (
	"errors"
	"regexp"
)

// DefaultTablePrefix prefixes the backend tables owned by pamfw.
const DefaultTablePrefix = "pamfw"

var tablePrefixRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// Config holds the configuration for firewall enforcement.
type Config struct {
	// Enabled controls whether Apply touches the backend.
	// Default: true (see DefaultConfig).
	Enabled bool `yaml:"enabled"`

	// TablePrefix names the backend tables: <prefix>_filter, <prefix>_nat, <prefix>_raw.
	TablePrefix string `yaml:"table_prefix"`

	// PurgeUnmanaged deletes rules in declared chains that the current
	// generation does not declare. Foreign rules in chains with
	// IgnoreForeign are kept.
	PurgeUnmanaged bool `yaml:"purge_unmanaged"`
}

// DefaultConfig returns an enabled Config with the default table prefix.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		TablePrefix: DefaultTablePrefix,
	}
}

// ApplyDefaults sets default values for zero-valued fields. Enabled is left
// as configured; start from DefaultConfig to get enforcement by default.
func (c *Config) ApplyDefaults() {
	if c.TablePrefix == "" {
		c.TablePrefix = DefaultTablePrefix
	}
}

// Validate checks that configuration values are acceptable.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TablePrefix == "" {
		return errors.New("firewall: config: TablePrefix must not be empty when enabled")
	}
	if !tablePrefixRe.MatchString(c.TablePrefix) {
		return errors.New("firewall: config: TablePrefix must start with a letter and contain only letters, digits, '_' or '-'")
	}
	return nil
}
