package events

// Run lifecycle event types.
const (
	RunCreated       = "run.created"
	RunNodesAppended = "run.nodes_appended"
	RunFinished      = "run.finished"
)

// RunPayload is the data of every run lifecycle event.
type RunPayload struct {
	RunID    string `json:"run_id"`
	Pipeline string `json:"pipeline,omitempty"`
	// Appended is the number of nodes added by a run.nodes_appended event.
	Appended  int `json:"appended,omitempty"`
	NodeCount int `json:"node_count"`
}
