package graph

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/number0/blueocean-plugin/internal/flow"
)

// Builder turns a raw node sequence into a PipelineGraph. A Builder holds no
// per-build state and may be shared by concurrent builds.
type Builder struct {
	classifier *Classifier
}

// Option configures a Builder.
type Option func(*Builder)

// WithClassifier sets the node classifier.
func WithClassifier(c *Classifier) Option {
	return func(b *Builder) {
		if c != nil {
			b.classifier = c
		}
	}
}

// NewBuilder returns a Builder using the structural policy and default stage
// markers unless overridden.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{classifier: NewClassifier(SingleBranchStructural, nil)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build normalizes nodes and aggregates status. nodes must be in recorded
// order; the slice is copied before traversal.
func (b *Builder) Build(nodes []flow.Node) *PipelineGraph {
	g := b.Normalize(nodes)
	Aggregate(g)
	return g
}

// Normalize builds the tree without computing status.
func (b *Builder) Normalize(nodes []flow.Node) *PipelineGraph {
	snap := flow.Snapshot(nodes)
	s := &buildState{
		g:          newPipelineGraph(),
		classifier: b.classifier,
		scopeOf:    make(map[string]*WrappedNode, len(snap)),
	}
	if b.classifier.Policy() == SingleBranchCollapse {
		s.siblings = countLabeledSiblings(snap)
	}
	for _, n := range snap {
		s.add(n)
	}
	return s.g
}

type buildState struct {
	g          *PipelineGraph
	classifier *Classifier

	// scopeOf maps a raw id to the scope its successors belong to: the node
	// itself for containers, the enclosing scope for steps.
	scopeOf map[string]*WrappedNode
	// open holds unclosed scopes in opening order.
	open     []*WrappedNode
	seq      int
	siblings map[string]int
}

func (s *buildState) add(n flow.Node) {
	if _, dup := s.g.index[n.ID]; dup || n.ID == RootID {
		s.incident(IncidentMalformedTrace, n.ID, "duplicate node id")
		return
	}

	enclosing, ok := s.enclosingScope(n)
	if !ok {
		s.incident(IncidentMalformedTrace, n.ID, fmt.Sprintf("unknown parent in %v", n.Parents))
		enclosing = s.g.Root
	}

	ctx := Context{BranchLabel: branchLabel(enclosing)}
	if s.siblings != nil {
		ctx.LabeledSiblings = s.siblings[firstParent(n)]
	}
	typ := s.classifier.Classify(n, ctx)

	w := &WrappedNode{
		ID:          n.ID,
		Type:        typ,
		DisplayName: displayName(n, typ),
		StartTime:   n.StartTime,
		Raw:         n,
	}

	switch typ {
	case NodeTypeStage:
		// Stages do not nest directly in stages: the next stage ends the
		// current one and becomes its sibling.
		for !enclosing.IsRoot() && enclosing.Type == NodeTypeStage {
			s.closeScope(enclosing, n.StartTime)
			enclosing = enclosing.Parent
		}
		s.g.attach(enclosing, w)
		s.push(w)
		s.scopeOf[n.ID] = w
	case NodeTypeParallel:
		s.g.attach(enclosing, w)
		s.push(w)
		s.scopeOf[n.ID] = w
	default:
		s.g.attach(enclosing, w)
		s.scopeOf[n.ID] = enclosing
	}
}

// enclosingScope resolves the scope n belongs to from its parent links.
// ok is false when a parent has not been seen.
func (s *buildState) enclosingScope(n flow.Node) (*WrappedNode, bool) {
	if len(n.Parents) == 0 {
		return s.g.Root, true
	}

	var scopes []*WrappedNode
	for _, p := range n.Parents {
		sc, ok := s.scopeOf[p]
		if !ok {
			return nil, false
		}
		if !slices.Contains(scopes, sc) {
			scopes = append(scopes, sc)
		}
	}
	if len(scopes) == 1 {
		return scopes[0], true
	}

	lca := commonAncestor(scopes)
	s.closeConverging(scopes, lca, n.StartTime)
	return lca, true
}

// closeConverging closes every open scope between each converging scope and
// their common ancestor, most recently opened first.
func (s *buildState) closeConverging(scopes []*WrappedNode, lca *WrappedNode, at time.Time) {
	var closing []*WrappedNode
	for _, sc := range scopes {
		for w := sc; w != nil && w != lca; w = w.Parent {
			if s.isOpen(w) && !slices.Contains(closing, w) {
				closing = append(closing, w)
			}
		}
	}
	s.closeAll(closing, at)
}

// closeScope closes w together with any scope still open inside it.
func (s *buildState) closeScope(w *WrappedNode, at time.Time) {
	var closing []*WrappedNode
	for _, o := range s.open {
		if isDescendantOrSelf(o, w) {
			closing = append(closing, o)
		}
	}
	s.closeAll(closing, at)
}

func (s *buildState) closeAll(closing []*WrappedNode, at time.Time) {
	slices.SortFunc(closing, func(a, b *WrappedNode) int { return b.openSeq - a.openSeq })
	for _, w := range closing {
		t := at
		if t.Before(w.StartTime) {
			t = w.StartTime
		}
		w.closedAt = &t
		s.open = slices.DeleteFunc(s.open, func(o *WrappedNode) bool { return o == w })
	}
}

func (s *buildState) push(w *WrappedNode) {
	w.openSeq = s.seq
	s.seq++
	s.open = append(s.open, w)
}

func (s *buildState) isOpen(w *WrappedNode) bool {
	return slices.Contains(s.open, w)
}

func (s *buildState) incident(kind IncidentKind, nodeID, msg string) {
	s.g.Incidents = append(s.g.Incidents, Incident{Kind: kind, NodeID: nodeID, Message: msg})
}

func commonAncestor(nodes []*WrappedNode) *WrappedNode {
	lca := nodes[0]
	for _, n := range nodes[1:] {
		for !isDescendantOrSelf(n, lca) {
			lca = lca.Parent
		}
	}
	return lca
}

func isDescendantOrSelf(w, ancestor *WrappedNode) bool {
	for p := w; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

func branchLabel(scope *WrappedNode) string {
	for w := scope; w != nil && !w.IsRoot(); w = w.Parent {
		if w.Type == NodeTypeParallel {
			return strings.TrimSpace(w.Raw.ThreadName)
		}
	}
	return ""
}

func displayName(n flow.Node, typ NodeType) string {
	switch typ {
	case NodeTypeStage:
		return n.DisplayLabel()
	case NodeTypeParallel:
		if l := strings.TrimSpace(n.ThreadName); l != "" {
			return l
		}
		return n.DisplayLabel()
	}
	return n.Name
}

func firstParent(n flow.Node) string {
	if len(n.Parents) == 0 {
		return ""
	}
	return n.Parents[0]
}

// countLabeledSiblings counts, per first parent, the labeled nodes forked
// from it.
func countLabeledSiblings(nodes []flow.Node) map[string]int {
	counts := make(map[string]int)
	for _, n := range nodes {
		if strings.TrimSpace(n.ThreadName) == "" {
			continue
		}
		counts[firstParent(n)]++
	}
	return counts
}
