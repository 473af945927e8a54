package graph

import (
	"fmt"
	"strings"

	"github.com/number0/blueocean-plugin/internal/flow"
)

// SingleBranchPolicy decides how a labeled branch with no labeled siblings is
// classified.
type SingleBranchPolicy string

const (
	// SingleBranchStructural classifies every labeled branch as PARALLEL.
	SingleBranchStructural SingleBranchPolicy = "structural"
	// SingleBranchCollapse classifies a lone branch as STEP unless the engine
	// marked it as a fork point.
	SingleBranchCollapse SingleBranchPolicy = "collapse"
)

// ParseSingleBranchPolicy maps a config value to a policy. Empty selects the
// structural policy.
func ParseSingleBranchPolicy(s string) (SingleBranchPolicy, error) {
	switch SingleBranchPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SingleBranchStructural:
		return SingleBranchStructural, nil
	case SingleBranchCollapse:
		return SingleBranchCollapse, nil
	}
	return "", fmt.Errorf("unknown single branch policy %q (want %q or %q)", s, SingleBranchStructural, SingleBranchCollapse)
}

// DefaultStageMarkers are the step functions the engine records for named
// stage blocks.
var DefaultStageMarkers = []string{"stage"}

// Context is the structural information the classifier may look at.
type Context struct {
	// BranchLabel is the thread label of the enclosing parallel scope, if any.
	BranchLabel string
	// LabeledSiblings counts labeled nodes sharing the node's first parent,
	// the node itself included. Only the collapse policy reads it.
	LabeledSiblings int
}

// Classifier decides the NodeType of a raw node. The zero value is not
// usable; construct with NewClassifier.
type Classifier struct {
	policy  SingleBranchPolicy
	markers map[string]struct{}
}

// NewClassifier returns a classifier for the given policy and stage markers.
// A nil markers slice selects DefaultStageMarkers.
func NewClassifier(policy SingleBranchPolicy, markers []string) *Classifier {
	if policy == "" {
		policy = SingleBranchStructural
	}
	if markers == nil {
		markers = DefaultStageMarkers
	}
	set := make(map[string]struct{}, len(markers))
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			set[m] = struct{}{}
		}
	}
	return &Classifier{policy: policy, markers: set}
}

// Policy returns the single branch policy in effect.
func (c *Classifier) Policy() SingleBranchPolicy {
	return c.policy
}

// Classify returns the semantic role of n. A labeled branch wins over a stage
// marker so parallel stages render as branches. Unrecognized markers are steps.
func (c *Classifier) Classify(n flow.Node, ctx Context) NodeType {
	if c.isBranch(n, ctx) {
		return NodeTypeParallel
	}
	if c.isStageMarker(n) && n.DisplayLabel() != "" {
		return NodeTypeStage
	}
	return NodeTypeStep
}

func (c *Classifier) isBranch(n flow.Node, ctx Context) bool {
	label := strings.TrimSpace(n.ThreadName)
	if label == "" || label == ctx.BranchLabel {
		// a step inheriting its branch label
		return false
	}
	if c.policy == SingleBranchCollapse && ctx.LabeledSiblings < 2 && !n.Fork {
		return false
	}
	return true
}

func (c *Classifier) isStageMarker(n flow.Node) bool {
	_, ok := c.markers[strings.ToLower(strings.TrimSpace(n.Function))]
	return ok
}
