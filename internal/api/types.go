package api

import (
	"time"

	"github.com/number0/blueocean-plugin/internal/flow"
)

// Link is a hypermedia reference.
type Link struct {
	Href string `json:"href"`
}

// Links carries the _links object of every resource.
type Links struct {
	Self Link `json:"self"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// CreateRunRequest is the JSON body for POST /runs.
type CreateRunRequest struct {
	Pipeline string `json:"pipeline"`
}

// AppendNodesRequest is the JSON body for POST /runs/{runID}/nodes.
type AppendNodesRequest struct {
	Nodes []flow.Node `json:"nodes"`
}

// AppendNodesResponse is returned after nodes were recorded.
type AppendNodesResponse struct {
	RunID     string `json:"runId"`
	Appended  int    `json:"appended"`
	NodeCount int    `json:"nodeCount"`
}

// RunResponse describes one run. State, Result and DurationInMillis are
// taken from the graph root and only filled on GET /runs/{runID}.
type RunResponse struct {
	ID               string     `json:"id"`
	Pipeline         string     `json:"pipeline"`
	Finished         bool       `json:"finished"`
	NodeCount        int        `json:"nodeCount"`
	CreatedAt        time.Time  `json:"createdAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	State            string     `json:"state,omitempty"`
	Result           string     `json:"result,omitempty"`
	StartTime        *time.Time `json:"startTime,omitempty"`
	DurationInMillis *int64     `json:"durationInMillis,omitempty"`
	Links            Links      `json:"_links"`
}

// Edge points from a pipeline node to one of its child stages or branches.
type Edge struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// PipelineNodeResponse is a stage or parallel branch.
type PipelineNodeResponse struct {
	ID               string     `json:"id"`
	DisplayName      string     `json:"displayName"`
	Type             string     `json:"type"`
	State            string     `json:"state"`
	Result           *string    `json:"result"`
	StartTime        *time.Time `json:"startTime"`
	DurationInMillis *int64     `json:"durationInMillis"`
	FirstParent      *string    `json:"firstParent"`
	Edges            []Edge     `json:"edges"`
	Links            Links      `json:"_links"`
}

// StepResponse is one step.
type StepResponse struct {
	ID               string     `json:"id"`
	DisplayName      string     `json:"displayName"`
	Type             string     `json:"type"`
	State            string     `json:"state"`
	Result           *string    `json:"result"`
	StartTime        *time.Time `json:"startTime"`
	DurationInMillis *int64     `json:"durationInMillis"`
	Links            Links      `json:"_links"`
}

// TreeNode is a wrapped node with its subtree, as served by /graph.
type TreeNode struct {
	ID               string     `json:"id"`
	DisplayName      string     `json:"displayName"`
	Type             string     `json:"type"`
	State            string     `json:"state"`
	Result           *string    `json:"result"`
	StartTime        *time.Time `json:"startTime"`
	DurationInMillis *int64     `json:"durationInMillis"`
	Children         []TreeNode `json:"children"`
}

// IncidentResponse is one anomaly recovered while building the graph.
type IncidentResponse struct {
	Kind    string `json:"kind"`
	NodeID  string `json:"nodeId,omitempty"`
	Message string `json:"message"`
}

// GraphResponse is returned by GET /runs/{runID}/graph.
type GraphResponse struct {
	RunID     string             `json:"runId"`
	Root      TreeNode           `json:"root"`
	Incidents []IncidentResponse `json:"incidents"`
	Links     Links              `json:"_links"`
}
