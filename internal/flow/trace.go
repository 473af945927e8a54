package flow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Trace is the on-disk form of a recorded run, used for imports and fixtures.
type Trace struct {
	Pipeline string `yaml:"pipeline"`
	Finished bool   `yaml:"finished"`
	Nodes    []Node `yaml:"nodes"`
}

// LoadTrace reads a YAML trace file.
func LoadTrace(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace file: %w", err)
	}
	return ParseTrace(data)
}

// ParseTrace decodes a YAML trace document and checks node ids.
func ParseTrace(data []byte) (*Trace, error) {
	var t Trace
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse trace: %w", err)
	}
	for i, n := range t.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			return nil, fmt.Errorf("nodes[%d]: id is required", i)
		}
		if n.Outcome != OutcomeNone && !n.Outcome.Known() {
			return nil, fmt.Errorf("nodes[%d] (%s): unknown outcome %q", i, n.ID, n.Outcome)
		}
	}
	return &t, nil
}
