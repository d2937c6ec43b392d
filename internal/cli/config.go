// -- internal/cli/config.go --
package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultConfigFile is looked up in the working directory when no --config
// flag is given.
const DefaultConfigFile = "bsig.conf"

// Config holds file-sourced defaults. Flags override config values and
// config values override the built-in defaults.
type Config struct {
	Database string
	Strategy string
	Index    string
	TopK     int
}

// LoadConfig parses a KEY=VALUE config file. Keys and values are trimmed,
// blank lines and '#' comments are skipped, and unrecognized keys are
// ignored so one file can be shared with other tools.
func LoadConfig(fsys FileSystem, path string) (*Config, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg := &Config{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "DATABASE":
			cfg.Database = value
		case "STRATEGY":
			cfg.Strategy = value
		case "INDEX":
			cfg.Index = value
		case "TOP_K":
			k, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("config %s: TOP_K: %v", path, err)
			}
			cfg.TopK = k
		}
	}
	return cfg, nil
}

// MaybeLoadConfig loads path when it exists and returns an empty Config
// when it does not.
func MaybeLoadConfig(fsys FileSystem, path string) (*Config, error) {
	if _, err := fsys.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	return LoadConfig(fsys, path)
}
