package graph

// RootID is the id of the synthetic root. It is never a key of the index.
const RootID = "__root__"

// PipelineGraph is the normalized, status-aggregated tree for one run.
// It is read-only once returned by Builder.Build.
type PipelineGraph struct {
	Root      *WrappedNode
	Incidents []Incident

	index map[string]*WrappedNode
	order []*WrappedNode
}

func newPipelineGraph() *PipelineGraph {
	return &PipelineGraph{
		Root: &WrappedNode{
			ID:          RootID,
			Type:        NodeTypeStage,
			DisplayName: "root",
			openSeq:     -1,
		},
		index: make(map[string]*WrappedNode),
	}
}

func (g *PipelineGraph) attach(parent, child *WrappedNode) {
	child.Parent = parent
	parent.Children = append(parent.Children, child)
	g.index[child.ID] = child
	g.order = append(g.order, child)
}

// Node returns the wrapped node with the given raw id.
func (g *PipelineGraph) Node(id string) (*WrappedNode, bool) {
	w, ok := g.index[id]
	return w, ok
}

// Len returns the number of indexed (non-root) nodes.
func (g *PipelineGraph) Len() int {
	return len(g.index)
}

// Nodes returns every non-root node in the order its raw node was observed.
func (g *PipelineGraph) Nodes() []*WrappedNode {
	out := make([]*WrappedNode, len(g.order))
	copy(out, g.order)
	return out
}

// PipelineNodes returns stages and parallel branches in observation order.
func (g *PipelineGraph) PipelineNodes() []*WrappedNode {
	return g.filter(func(w *WrappedNode) bool { return w.Type.IsContainer() })
}

// Stages returns the STAGE nodes in observation order.
func (g *PipelineGraph) Stages() []*WrappedNode {
	return g.filter(func(w *WrappedNode) bool { return w.Type == NodeTypeStage })
}

// Parallels returns the PARALLEL nodes in observation order.
func (g *PipelineGraph) Parallels() []*WrappedNode {
	return g.filter(func(w *WrappedNode) bool { return w.Type == NodeTypeParallel })
}

// Steps returns the STEP nodes in observation order.
func (g *PipelineGraph) Steps() []*WrappedNode {
	return g.filter(func(w *WrappedNode) bool { return w.Type == NodeTypeStep })
}

// StepsUnder returns the steps in the subtree of id, pre-order. The steps of
// nested stages and branches are included.
func (g *PipelineGraph) StepsUnder(id string) ([]*WrappedNode, bool) {
	start, ok := g.index[id]
	if !ok {
		return nil, false
	}
	var out []*WrappedNode
	Walk(start, func(w *WrappedNode) bool {
		if w != start && w.Type == NodeTypeStep {
			out = append(out, w)
		}
		return true
	})
	return out, true
}

// IncidentCount returns how many incidents of kind were recorded.
func (g *PipelineGraph) IncidentCount(kind IncidentKind) int {
	n := 0
	for _, inc := range g.Incidents {
		if inc.Kind == kind {
			n++
		}
	}
	return n
}

func (g *PipelineGraph) filter(keep func(*WrappedNode) bool) []*WrappedNode {
	var out []*WrappedNode
	for _, w := range g.order {
		if keep(w) {
			out = append(out, w)
		}
	}
	return out
}

// Walk visits w and its descendants in pre-order. Returning false from fn
// skips the children of the visited node.
func Walk(w *WrappedNode, fn func(*WrappedNode) bool) {
	if w == nil {
		return
	}
	if !fn(w) {
		return
	}
	for _, c := range w.Children {
		Walk(c, fn)
	}
}
