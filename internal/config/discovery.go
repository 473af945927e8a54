package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable that overrides discovery.
const EnvConfigPath = "BLUEOCEAN_CONFIG"

// Discover finds the config file by checking standard locations.
// Priority order: $BLUEOCEAN_CONFIG, ~/.config/blueocean/config.yaml, ./config.yaml
func Discover() (string, error) {
	for _, candidate := range candidates() {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/blueocean/config.yaml, ./config.yaml)", EnvConfigPath)
}

func candidates() []string {
	var out []string
	if p := os.Getenv(EnvConfigPath); p != "" {
		out = append(out, p)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(homeDir, ".config", "blueocean", "config.yaml"))
	}
	return append(out, "config.yaml")
}

// LoadOrDefault loads configPath, or the discovered config when configPath is
// empty. With nothing to discover it returns Defaults().
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath != "" {
		return Load(configPath)
	}
	found, err := Discover()
	if err != nil {
		return Defaults(), nil
	}
	return Load(found)
}
