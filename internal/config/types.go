package config

// Config represents the complete blueocean configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api,omitempty"`
	Graph   GraphConfig   `yaml:"graph,omitempty"`
	Cache   CacheConfig   `yaml:"cache,omitempty"`

	// SourcePath is the file the config was loaded from, empty for defaults.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// BasePath prefixes every route.
	BasePath string        `yaml:"base_path"`
	Auth     APIAuthConfig `yaml:"auth"`
	// EventsBuffer is how many events late SSE clients can replay.
	EventsBuffer int `yaml:"events_buffer,omitempty"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the admin bearer token (full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// GraphConfig controls how traces are normalized.
type GraphConfig struct {
	// SingleBranch is "structural" or "collapse".
	SingleBranch string   `yaml:"single_branch"`
	StageMarkers []string `yaml:"stage_markers,omitempty"`
}

// CacheConfig controls the finished-run graph cache.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "blueocean",
			LogLevel: "info",
		},
		State: StateConfig{
			Path: "./data/runs.db",
		},
		API: APIConfig{
			Enabled:      false,
			Listen:       "127.0.0.1:8080",
			BasePath:     "/blue/rest",
			EventsBuffer: 256,
		},
		Graph: GraphConfig{
			SingleBranch: "structural",
			StageMarkers: []string{"stage"},
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 256,
		},
	}
}
