package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/number0/blueocean-plugin/internal/auth"
	"github.com/number0/blueocean-plugin/internal/graph"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, defaults and validates the configuration file at configPath.
// A directory is accepted when it contains config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse interpolates, defaults and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.BasePath == "" {
		cfg.API.BasePath = defaults.API.BasePath
	}
	if cfg.API.EventsBuffer == 0 {
		cfg.API.EventsBuffer = defaults.API.EventsBuffer
	}

	if cfg.Graph.SingleBranch == "" {
		cfg.Graph.SingleBranch = defaults.Graph.SingleBranch
	}
	if len(cfg.Graph.StageMarkers) == 0 {
		cfg.Graph.StageMarkers = slices.Clone(defaults.Graph.StageMarkers)
	}

	// An absent cache section means the default cache.
	if !cfg.Cache.Enabled && cfg.Cache.MaxEntries == 0 {
		cfg.Cache = defaults.Cache
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left in place and rejected by validate where it matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if err := unresolved("state.path", cfg.State.Path); err != nil {
		return err
	}

	if cfg.API.BasePath != "" && !strings.HasPrefix(cfg.API.BasePath, "/") {
		return fmt.Errorf("api.base_path must start with / (got %q)", cfg.API.BasePath)
	}
	if cfg.API.EventsBuffer < 0 {
		return fmt.Errorf("api.events_buffer must not be negative")
	}
	if cfg.API.Enabled {
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth: api_key or tokens is required when the API is enabled")
		}
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
			for _, s := range tok.Scopes {
				if !auth.ValidScope(s) {
					return fmt.Errorf("api.auth.tokens[%d]: unknown scope %q", i, s)
				}
			}
		}
	}

	if _, err := graph.ParseSingleBranchPolicy(cfg.Graph.SingleBranch); err != nil {
		return fmt.Errorf("graph.single_branch: %w", err)
	}
	for i, m := range cfg.Graph.StageMarkers {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("graph.stage_markers[%d] is empty", i)
		}
	}

	if cfg.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	return nil
}

// APITokens converts the configured tokens for the auth package.
func (c *Config) APITokens() []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(c.API.Auth.Tokens))
	for _, t := range c.API.Auth.Tokens {
		out = append(out, auth.TokenConfig{Token: t.Token, Scopes: slices.Clone(t.Scopes)})
	}
	return out
}

// Classifier builds the node classifier described by the graph section.
func (c *Config) Classifier() (*graph.Classifier, error) {
	policy, err := graph.ParseSingleBranchPolicy(c.Graph.SingleBranch)
	if err != nil {
		return nil, err
	}
	return graph.NewClassifier(policy, c.Graph.StageMarkers), nil
}
