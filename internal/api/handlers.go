package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/number0/blueocean-plugin/internal/events"
	"github.com/number0/blueocean-plugin/internal/graph"
)

const maxBodyBytes = 8 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

// handleListRuns handles GET /runs?limit=N
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, r, "list runs", err)
		return
	}
	out := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, s.runResponse(run))
	}
	s.respondTagged(w, r, out)
}

// handleCreateRun handles POST /runs
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Pipeline) == "" {
		s.writeError(w, http.StatusBadRequest, "pipeline is required")
		return
	}

	run, err := s.runs.CreateRun(r.Context(), req.Pipeline)
	if err != nil {
		s.writeStoreError(w, r, "create run", err)
		return
	}
	s.logger.Info("run created", "run_id", run.ID, "pipeline", run.Pipeline)
	s.events.PublishRun(events.RunCreated, events.RunPayload{RunID: run.ID, Pipeline: run.Pipeline})

	w.Header().Set("Location", s.href("runs", run.ID))
	respondJSON(w, http.StatusCreated, s.runResponse(run))
}

// handleGetRun handles GET /runs/{runID}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, r, "get run", err)
		return
	}
	g, err := s.graphs.BuildPipelineGraph(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, r, "build graph", err)
		return
	}

	resp := s.runResponse(run)
	resp.State = string(g.Root.State)
	if res := resultOf(g.Root); res != nil {
		resp.Result = *res
	}
	resp.StartTime = startOf(g.Root)
	resp.DurationInMillis = millis(g.Root.Duration)
	s.respondTagged(w, r, resp)
}

// handleAppendNodes handles POST /runs/{runID}/nodes
func (s *Server) handleAppendNodes(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var req AppendNodesRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Nodes) == 0 {
		s.writeError(w, http.StatusBadRequest, "nodes must not be empty")
		return
	}
	for i, n := range req.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			s.writeError(w, http.StatusBadRequest, "nodes["+strconv.Itoa(i)+"]: id is required")
			return
		}
		if n.Outcome != "" && !n.Outcome.Known() {
			s.writeError(w, http.StatusBadRequest, "nodes["+strconv.Itoa(i)+"]: unknown outcome "+strconv.Quote(string(n.Outcome)))
			return
		}
	}

	if err := s.runs.AppendNodes(r.Context(), runID, req.Nodes...); err != nil {
		s.writeStoreError(w, r, "append nodes", err)
		return
	}
	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, r, "get run", err)
		return
	}

	s.events.PublishRun(events.RunNodesAppended, events.RunPayload{
		RunID: runID, Pipeline: run.Pipeline, Appended: len(req.Nodes), NodeCount: run.NodeCount,
	})
	respondJSON(w, http.StatusAccepted, AppendNodesResponse{
		RunID:     runID,
		Appended:  len(req.Nodes),
		NodeCount: run.NodeCount,
	})
}

// handleFinishRun handles POST /runs/{runID}/finish
func (s *Server) handleFinishRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.runs.Finish(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, r, "finish run", err)
		return
	}
	s.logger.Info("run finished", "run_id", run.ID, "nodes", run.NodeCount)
	s.events.PublishRun(events.RunFinished, events.RunPayload{
		RunID: run.ID, Pipeline: run.Pipeline, NodeCount: run.NodeCount,
	})
	respondJSON(w, http.StatusOK, s.runResponse(run))
}

// handleListNodes handles GET /runs/{runID}/nodes: stages and parallel
// branches in observation order.
func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	g, ok := s.graph(w, r, runID)
	if !ok {
		return
	}
	nodes := g.PipelineNodes()
	out := make([]PipelineNodeResponse, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, s.pipelineNodeResponse(runID, n))
	}
	s.respondTagged(w, r, out)
}

// handleGetNode handles GET /runs/{runID}/nodes/{nodeID}
func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	g, ok := s.graph(w, r, runID)
	if !ok {
		return
	}
	n, ok := pipelineNode(g, chi.URLParam(r, "nodeID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "node not found")
		return
	}
	s.respondTagged(w, r, s.pipelineNodeResponse(runID, n))
}

// handleNodeSteps handles GET /runs/{runID}/nodes/{nodeID}/steps
func (s *Server) handleNodeSteps(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	g, ok := s.graph(w, r, runID)
	if !ok {
		return
	}
	n, ok := pipelineNode(g, chi.URLParam(r, "nodeID"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "node not found")
		return
	}
	steps, _ := g.StepsUnder(n.ID)
	s.respondTagged(w, r, s.stepResponses(runID, steps))
}

// handleListSteps handles GET /runs/{runID}/steps
func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	g, ok := s.graph(w, r, runID)
	if !ok {
		return
	}
	s.respondTagged(w, r, s.stepResponses(runID, g.Steps()))
}

// handleGraph handles GET /runs/{runID}/graph
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	g, ok := s.graph(w, r, runID)
	if !ok {
		return
	}
	s.respondTagged(w, r, s.graphResponse(runID, g))
}

func (s *Server) graph(w http.ResponseWriter, r *http.Request, runID string) (*graph.PipelineGraph, bool) {
	g, err := s.graphs.BuildPipelineGraph(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, r, "build graph", err)
		return nil, false
	}
	return g, true
}

// pipelineNode looks up a stage or parallel branch; steps are not nodes.
func pipelineNode(g *graph.PipelineGraph, id string) (*graph.WrappedNode, bool) {
	n, ok := g.Node(id)
	if !ok || !n.Type.IsContainer() {
		return nil, false
	}
	return n, true
}
