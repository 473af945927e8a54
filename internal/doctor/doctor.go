// Package doctor checks a blueocean configuration for errors and risky settings.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/number0/blueocean-plugin/internal/auth"
	"github.com/number0/blueocean-plugin/internal/config"
	"github.com/number0/blueocean-plugin/internal/graph"
	"github.com/number0/blueocean-plugin/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid       bool    `json:"valid"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	Errors      []Issue `json:"errors,omitempty"`
	Warnings    []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateAPIConfig(r)
	d.validateTokens(r)
	d.validateGraphConfig(r)
	d.warnCache(r)

	if fp, err := d.cfg.Fingerprint(); err == nil {
		r.Fingerprint = fp
	} else {
		d.addWarning(r, "service", "", fmt.Sprintf("cannot fingerprint config: %v", err))
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateServiceConfig(r *Result) {
	switch d.cfg.Service.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		d.addError(r, "service", "service.log_level", fmt.Sprintf("unknown log level %q", d.cfg.Service.LogLevel))
	}

	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
		return
	}
	if err := storage.CheckLocalFilesystem(d.cfg.State.Path); errors.Is(err, storage.ErrNetworkFilesystem) {
		d.addError(r, "service", "state.path", err.Error())
	}
	dir := filepath.Dir(d.cfg.State.Path)
	if _, err := os.Stat(dir); err != nil {
		d.addWarning(r, "service", "state.path", fmt.Sprintf("directory %s does not exist yet and will be created", dir))
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	api := d.cfg.API
	if !api.Enabled {
		return
	}
	if api.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	} else if host, _, err := net.SplitHostPort(api.Listen); err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", api.Listen, err))
	} else if host == "" || host == "0.0.0.0" || host == "::" {
		d.addWarning(r, "api", "api.listen", "API listens on all interfaces")
	}
	if api.BasePath != "" && !strings.HasPrefix(api.BasePath, "/") {
		d.addError(r, "api", "api.base_path", "base_path must start with /")
	}
	if api.Auth.APIKey == "" && len(api.Auth.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "API enabled but no authentication configured")
	}
	if api.Auth.APIKey != "" && len(api.Auth.APIKey) < 16 {
		d.addWarning(r, "api", "api.auth.api_key", "api_key is shorter than 16 characters")
	}
}

func (d *Doctor) validateTokens(r *Result) {
	seen := make(map[string]int)
	for i, tok := range d.cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		if prev, dup := seen[tok.Token]; dup && tok.Token != "" {
			d.addError(r, "tokens", field, fmt.Sprintf("token duplicates api.auth.tokens[%d]", prev))
		}
		seen[tok.Token] = i
		if tok.Token != "" && tok.Token == d.cfg.API.Auth.APIKey {
			d.addError(r, "tokens", field, "token equals api_key; its scopes would never apply")
		}
		for _, s := range tok.Scopes {
			if !auth.ValidScope(s) {
				d.addError(r, "tokens", field, fmt.Sprintf("unknown scope %q", s))
			}
			if strings.TrimSpace(s) == auth.ScopeAll {
				d.addWarning(r, "tokens", field, "scope * grants full access; prefer runs:ro or runs:rw")
			}
		}
	}
}

func (d *Doctor) validateGraphConfig(r *Result) {
	policy, err := graph.ParseSingleBranchPolicy(d.cfg.Graph.SingleBranch)
	if err != nil {
		d.addError(r, "graph", "graph.single_branch", err.Error())
	} else if policy == graph.SingleBranchCollapse {
		d.addWarning(r, "graph", "graph.single_branch",
			"collapse looks at sibling branches, so graphs of running runs can change shape as branches start")
	}

	seen := make(map[string]bool)
	for i, m := range d.cfg.Graph.StageMarkers {
		key := strings.ToLower(strings.TrimSpace(m))
		if key == "" {
			d.addError(r, "graph", fmt.Sprintf("graph.stage_markers[%d]", i), "stage marker is empty")
			continue
		}
		if seen[key] {
			d.addWarning(r, "graph", fmt.Sprintf("graph.stage_markers[%d]", i), fmt.Sprintf("duplicate stage marker %q", m))
		}
		seen[key] = true
	}
}

func (d *Doctor) warnCache(r *Result) {
	if !d.cfg.Cache.Enabled {
		d.addWarning(r, "cache", "cache.enabled", "graph cache disabled; finished runs are rebuilt on every request")
	}
}

// FormatHuman renders the result for terminals.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
