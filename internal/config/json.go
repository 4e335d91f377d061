package config

import (
	"encoding/json"
	"os"

	"scankeeper/internal/flagx"
	"scankeeper/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. It relies on
// timex.Duration so JSON can specify the session TTL either as a string like
// "30m" or as integer nanoseconds. After parsing, values are copied into the
// runtime Config.
type JsonConfig struct {
	DatabasePath string         `json:"database_path"`
	SessionTTL   timex.Duration `json:"session_ttl"`
}

// parseJson overlays Config with values loaded from the JSON file named by
// the -c / -config flag. When no file is named, nothing happens; read or
// unmarshal errors panic (caller should recover if desired). Only fields
// present in the file override the defaults.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.ConfigFilePath()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.DatabasePath != "" {
		cfg.DatabasePath = jc.DatabasePath
	}
	if jc.SessionTTL.Duration != 0 {
		cfg.SessionTTL = jc.SessionTTL.Duration
	}
}
