// Package flow holds the raw execution trace recorded by the pipeline engine.
package flow

import (
	"slices"
	"strings"
	"time"
)

// Outcome is the terminal marker the engine records on a finished node.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeUnstable Outcome = "UNSTABLE"
	OutcomeFailure  Outcome = "FAILURE"
	OutcomeAborted  Outcome = "ABORTED"
	OutcomeNotBuilt Outcome = "NOT_BUILT"
)

// Known reports whether o is one of the recorded outcome markers.
func (o Outcome) Known() bool {
	switch o {
	case OutcomeSuccess, OutcomeUnstable, OutcomeFailure, OutcomeAborted, OutcomeNotBuilt:
		return true
	}
	return false
}

// Node is one atomic execution step as recorded by the engine.
// Nodes are immutable once recorded.
type Node struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name" yaml:"name"`
	Function   string     `json:"function,omitempty" yaml:"function,omitempty"`
	Label      string     `json:"label,omitempty" yaml:"label,omitempty"`
	ThreadName string     `json:"thread_name,omitempty" yaml:"thread_name,omitempty"`
	Parents    []string   `json:"parents,omitempty" yaml:"parents,omitempty"`
	Fork       bool       `json:"fork,omitempty" yaml:"fork,omitempty"`
	Paused     bool       `json:"paused,omitempty" yaml:"paused,omitempty"`
	Skipped    bool       `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	StartTime  time.Time  `json:"start_time" yaml:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	Outcome    Outcome    `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Error      string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// DisplayLabel returns the block label, falling back to the display name.
func (n Node) DisplayLabel() string {
	if l := strings.TrimSpace(n.Label); l != "" {
		return l
	}
	return strings.TrimSpace(n.Name)
}

// Ended reports whether the engine recorded an end time.
func (n Node) Ended() bool {
	return n.EndTime != nil
}

// Clone returns a deep copy of n.
func (n Node) Clone() Node {
	out := n
	out.Parents = slices.Clone(n.Parents)
	if n.EndTime != nil {
		t := *n.EndTime
		out.EndTime = &t
	}
	return out
}

// Snapshot deep-copies a node sequence so later appends by the engine cannot
// leak into a traversal.
func Snapshot(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out
}
