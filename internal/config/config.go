// Package config holds runtime settings for the scankeeper CLI and
// assembles them from defaults, an optional JSON file, and command-line
// flags, in that order of precedence.
package config

import "time"

// Config holds runtime settings for the scankeeper CLI.
//
// Fields:
//   - DatabasePath: path of the local SQLite database ("" selects the
//     in-memory blob store).
//   - SessionTTL: how long a login session stays valid without activity.
type Config struct {
	DatabasePath string
	SessionTTL   time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DatabasePath = "scankeeper.db"
	c.SessionTTL = 30 * time.Minute
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present). Later sources
// take precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
