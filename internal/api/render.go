package api

import (
	"time"

	"github.com/number0/blueocean-plugin/internal/graph"
	"github.com/number0/blueocean-plugin/internal/runstore"
)

func (s *Server) runResponse(run *runstore.Run) RunResponse {
	return RunResponse{
		ID:         run.ID,
		Pipeline:   run.Pipeline,
		Finished:   run.Finished,
		NodeCount:  run.NodeCount,
		CreatedAt:  run.CreatedAt,
		FinishedAt: run.FinishedAt,
		Links:      Links{Self: Link{Href: s.href("runs", run.ID)}},
	}
}

func (s *Server) pipelineNodeResponse(runID string, w *graph.WrappedNode) PipelineNodeResponse {
	resp := PipelineNodeResponse{
		ID:               w.ID,
		DisplayName:      w.DisplayName,
		Type:             string(w.Type),
		State:            string(w.State),
		Result:           resultOf(w),
		StartTime:        startOf(w),
		DurationInMillis: millis(w.Duration),
		Edges:            []Edge{},
		Links:            Links{Self: Link{Href: s.href("runs", runID, "nodes", w.ID)}},
	}
	if p := w.ParentContainer(); p != nil {
		id := p.ID
		resp.FirstParent = &id
	}
	for _, c := range w.Children {
		if c.Type.IsContainer() {
			resp.Edges = append(resp.Edges, Edge{ID: c.ID, Type: string(c.Type)})
		}
	}
	return resp
}

func (s *Server) stepResponse(runID string, w *graph.WrappedNode) StepResponse {
	return StepResponse{
		ID:               w.ID,
		DisplayName:      w.DisplayName,
		Type:             string(w.Type),
		State:            string(w.State),
		Result:           resultOf(w),
		StartTime:        startOf(w),
		DurationInMillis: millis(w.Duration),
		Links:            Links{Self: Link{Href: s.href("runs", runID, "steps", w.ID)}},
	}
}

func (s *Server) stepResponses(runID string, steps []*graph.WrappedNode) []StepResponse {
	out := make([]StepResponse, 0, len(steps))
	for _, w := range steps {
		out = append(out, s.stepResponse(runID, w))
	}
	return out
}

func treeNode(w *graph.WrappedNode) TreeNode {
	n := TreeNode{
		ID:               w.ID,
		DisplayName:      w.DisplayName,
		Type:             string(w.Type),
		State:            string(w.State),
		Result:           resultOf(w),
		StartTime:        startOf(w),
		DurationInMillis: millis(w.Duration),
		Children:         make([]TreeNode, 0, len(w.Children)),
	}
	for _, c := range w.Children {
		n.Children = append(n.Children, treeNode(c))
	}
	return n
}

func (s *Server) graphResponse(runID string, g *graph.PipelineGraph) GraphResponse {
	resp := GraphResponse{
		RunID:     runID,
		Root:      treeNode(g.Root),
		Incidents: make([]IncidentResponse, 0, len(g.Incidents)),
		Links:     Links{Self: Link{Href: s.href("runs", runID, "graph")}},
	}
	for _, inc := range g.Incidents {
		resp.Incidents = append(resp.Incidents, IncidentResponse{
			Kind:    string(inc.Kind),
			NodeID:  inc.NodeID,
			Message: inc.Message,
		})
	}
	return resp
}

func resultOf(w *graph.WrappedNode) *string {
	if w.Result == graph.ResultUnknown {
		return nil
	}
	r := string(w.Result)
	return &r
}

func startOf(w *graph.WrappedNode) *time.Time {
	if w.StartTime.IsZero() {
		return nil
	}
	t := w.StartTime
	return &t
}

func millis(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}
