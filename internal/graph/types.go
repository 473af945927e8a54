// Package graph normalizes a raw execution trace into a tree of stages,
// parallel branches and steps, and aggregates their status.
package graph

import (
	"time"

	"github.com/number0/blueocean-plugin/internal/flow"
)

// NodeType is the semantic role of a wrapped node. It is decided once per
// node and never re-evaluated.
type NodeType string

const (
	NodeTypeStage    NodeType = "STAGE"
	NodeTypeParallel NodeType = "PARALLEL"
	NodeTypeStep     NodeType = "STEP"
)

// IsContainer reports whether nodes of this type open a scope.
func (t NodeType) IsContainer() bool {
	return t == NodeTypeStage || t == NodeTypeParallel
}

// State is the lifecycle phase of a node or subtree.
type State string

const (
	StateQueued   State = "QUEUED"
	StateRunning  State = "RUNNING"
	StatePaused   State = "PAUSED"
	StateFinished State = "FINISHED"
	StateSkipped  State = "SKIPPED"
	StateNotBuilt State = "NOT_BUILT"
)

// Active reports whether the subtree is still progressing.
func (s State) Active() bool {
	return s == StateRunning || s == StateQueued
}

// Result is the terminal outcome of a finished node. ResultUnknown means the
// node has not finished.
type Result string

const (
	ResultUnknown  Result = ""
	ResultSuccess  Result = "SUCCESS"
	ResultUnstable Result = "UNSTABLE"
	ResultFailure  Result = "FAILURE"
	ResultAborted  Result = "ABORTED"
	ResultNotBuilt Result = "NOT_BUILT"
)

// severity orders results for worst-of aggregation. NOT_BUILT and unknown
// results do not participate.
func (r Result) severity() int {
	switch r {
	case ResultSuccess:
		return 1
	case ResultUnstable:
		return 2
	case ResultFailure:
		return 3
	case ResultAborted:
		return 4
	}
	return 0
}

// WrappedNode is the normalized, classified representation of one raw node.
type WrappedNode struct {
	ID          string
	Type        NodeType
	DisplayName string
	Children    []*WrappedNode
	State       State
	Result      Result
	StartTime   time.Time
	// Duration is nil while the node is still running.
	Duration *time.Duration

	Parent *WrappedNode
	Raw    flow.Node

	closedAt *time.Time
	openSeq  int
}

// IsRoot reports whether w is the synthetic root of a graph.
func (w *WrappedNode) IsRoot() bool {
	return w.Parent == nil
}

// EndTime returns StartTime plus Duration, or nil while running.
func (w *WrappedNode) EndTime() *time.Time {
	if w.Duration == nil {
		return nil
	}
	t := w.StartTime.Add(*w.Duration)
	return &t
}

// ParentContainer returns the nearest enclosing stage or parallel branch, or
// nil at top level.
func (w *WrappedNode) ParentContainer() *WrappedNode {
	for p := w.Parent; p != nil && !p.IsRoot(); p = p.Parent {
		if p.Type.IsContainer() {
			return p
		}
	}
	return nil
}

// IncidentKind classifies anomalies the builder recovered from.
type IncidentKind string

const (
	// IncidentMalformedTrace is an unknown parent reference or a duplicate id.
	IncidentMalformedTrace IncidentKind = "malformed_trace"
	// IncidentInconsistentStatus is an invalid recorded state/result.
	IncidentInconsistentStatus IncidentKind = "inconsistent_status"
)

// Incident records one recovered anomaly. Incidents never fail a build.
type Incident struct {
	Kind    IncidentKind
	NodeID  string
	Message string
}
