// Package inspect renders a run's pipeline graph for terminals and scripts.
package inspect

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/number0/blueocean-plugin/internal/graph"
	"github.com/number0/blueocean-plugin/internal/runstore"
)

// Report is the structured JSON representation of a run graph.
type Report struct {
	RunID      string     `json:"run_id"`
	Pipeline   string     `json:"pipeline"`
	Finished   bool       `json:"finished"`
	State      string     `json:"state"`
	Result     string     `json:"result,omitempty"`
	DurationMs *int64     `json:"duration_ms,omitempty"`
	Stages     int        `json:"stages"`
	Parallels  int        `json:"parallels"`
	Steps      int        `json:"steps"`
	Root       Node       `json:"root"`
	Incidents  []Incident `json:"incidents"`
}

// Node is one wrapped node with its subtree.
type Node struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	State      string `json:"state"`
	Result     string `json:"result,omitempty"`
	DurationMs *int64 `json:"duration_ms,omitempty"`
	Children   []Node `json:"children,omitempty"`
}

// Incident is one anomaly recovered during the build.
type Incident struct {
	Kind    string `json:"kind"`
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
}

// NewReport collects the report data for run and its graph.
func NewReport(run *runstore.Run, g *graph.PipelineGraph) *Report {
	r := &Report{
		RunID:      run.ID,
		Pipeline:   run.Pipeline,
		Finished:   run.Finished,
		State:      string(g.Root.State),
		Result:     string(g.Root.Result),
		DurationMs: millis(g.Root.Duration),
		Stages:     len(g.Stages()),
		Parallels:  len(g.Parallels()),
		Steps:      len(g.Steps()),
		Root:       node(g.Root),
		Incidents:  make([]Incident, 0, len(g.Incidents)),
	}
	for _, inc := range g.Incidents {
		r.Incidents = append(r.Incidents, Incident{Kind: string(inc.Kind), NodeID: inc.NodeID, Message: inc.Message})
	}
	return r
}

// BuildReport renders a terminal-friendly tree of the run graph.
func BuildReport(run *runstore.Run, g *graph.PipelineGraph, theme Theme) string {
	r := NewReport(run, g)

	var out strings.Builder
	fmt.Fprintf(&out, "%s\n", theme.Header.Render("Pipeline Graph"))
	fmt.Fprintf(&out, "Run      : %s\n", r.RunID)
	fmt.Fprintf(&out, "Pipeline : %s\n", r.Pipeline)
	fmt.Fprintf(&out, "Status   : %s\n", status(theme, g.Root))
	fmt.Fprintf(&out, "Duration : %s\n", duration(g.Root.Duration))
	fmt.Fprintf(&out, "Nodes    : %d stages, %d parallel branches, %d steps\n", r.Stages, r.Parallels, r.Steps)
	fmt.Fprintf(&out, "\n")

	fmt.Fprintf(&out, "%s %s\n", theme.Stage.Render("root"), status(theme, g.Root))
	writeChildren(&out, theme, g.Root, "")

	if len(g.Incidents) > 0 {
		fmt.Fprintf(&out, "\n%s\n", theme.Header.Render("Incidents"))
		for _, inc := range g.Incidents {
			fmt.Fprintf(&out, "  - %s %s: %s\n", inc.Kind, inc.NodeID, inc.Message)
		}
	}
	return out.String()
}

// BuildJSONReport returns the machine-readable report.
func BuildJSONReport(run *runstore.Run, g *graph.PipelineGraph) (string, error) {
	data, err := json.MarshalIndent(NewReport(run, g), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func writeChildren(out *strings.Builder, theme Theme, w *graph.WrappedNode, prefix string) {
	for i, c := range w.Children {
		branch, next := "├─ ", "│  "
		if i == len(w.Children)-1 {
			branch, next = "└─ ", "   "
		}
		fmt.Fprintf(out, "%s%s%s %s %s\n", prefix, branch, label(theme, c), status(theme, c), theme.Dim.Render(duration(c.Duration)))
		writeChildren(out, theme, c, prefix+next)
	}
}

func label(theme Theme, w *graph.WrappedNode) string {
	switch w.Type {
	case graph.NodeTypeStage:
		return theme.Stage.Render(w.DisplayName)
	case graph.NodeTypeParallel:
		return theme.Parallel.Render("‖ " + w.DisplayName)
	}
	return w.DisplayName
}

func status(theme Theme, w *graph.WrappedNode) string {
	if w.State != graph.StateFinished || w.Result == graph.ResultUnknown {
		if w.State.Active() || w.State == graph.StatePaused {
			return theme.Running.Render(string(w.State))
		}
		return theme.Dim.Render(string(w.State))
	}
	text := string(w.Result)
	switch w.Result {
	case graph.ResultSuccess:
		return theme.Success.Render(text)
	case graph.ResultUnstable:
		return theme.Unstable.Render(text)
	case graph.ResultFailure:
		return theme.Failure.Render(text)
	case graph.ResultAborted:
		return theme.Aborted.Render(text)
	}
	return theme.Dim.Render(text)
}

func duration(d *time.Duration) string {
	if d == nil {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func node(w *graph.WrappedNode) Node {
	n := Node{
		ID:         w.ID,
		Name:       w.DisplayName,
		Type:       string(w.Type),
		State:      string(w.State),
		Result:     string(w.Result),
		DurationMs: millis(w.Duration),
	}
	for _, c := range w.Children {
		n.Children = append(n.Children, node(c))
	}
	return n
}

func millis(d *time.Duration) *int64 {
	if d == nil {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}
