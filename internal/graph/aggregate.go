package graph

import (
	"fmt"
	"time"

	"github.com/number0/blueocean-plugin/internal/flow"
)

// Aggregate computes state, result and timing for every node in g, bottom-up.
// It mutates g in place and records InconsistentStatus incidents.
func Aggregate(g *PipelineGraph) {
	a := aggregator{g: g}
	a.visit(g.Root)
}

type aggregator struct {
	g *PipelineGraph
}

func (a *aggregator) visit(w *WrappedNode) {
	for _, c := range w.Children {
		a.visit(c)
	}

	switch {
	case !w.IsRoot() && w.Raw.Skipped:
		w.State, w.Result = StateSkipped, ResultNotBuilt
		zero := time.Duration(0)
		w.Duration = &zero
	case !w.IsRoot() && w.Type == NodeTypeStep:
		a.step(w)
	default:
		a.container(w)
	}
}

func (a *aggregator) step(w *WrappedNode) {
	n := w.Raw
	if !n.Ended() {
		w.State = StateRunning
		if n.Paused {
			w.State = StatePaused
		}
		w.Result = ResultUnknown
		w.Duration = nil
		return
	}
	w.State = StateFinished
	w.Result = a.recorded(w)
	w.Duration = span(w.StartTime, *n.EndTime)
}

func (a *aggregator) container(w *WrappedNode) {
	if w.IsRoot() {
		w.StartTime = earliestStart(w.Children)
	} else if w.StartTime.IsZero() {
		w.StartTime = earliestStart(w.Children)
	}

	if len(w.Children) == 0 {
		if !w.IsRoot() && (w.Raw.Ended() || w.closedAt != nil) {
			w.State = StateFinished
			w.Result = a.recorded(w)
			w.Duration = a.containerDuration(w)
			return
		}
		// never entered
		w.State, w.Result, w.Duration = StateNotBuilt, ResultNotBuilt, nil
		return
	}

	running, paused := false, false
	for _, c := range w.Children {
		if c.State.Active() {
			running = true
		}
		if c.State == StatePaused {
			paused = true
		}
	}
	switch {
	case running:
		w.State = StateRunning
	case paused:
		w.State = StatePaused
	default:
		w.State = StateFinished
	}
	if w.State != StateFinished {
		w.Result, w.Duration = ResultUnknown, nil
		return
	}

	w.Result = a.worstOfChildren(w)
	if !w.IsRoot() && (w.Raw.Outcome != flow.OutcomeNone || w.Raw.Error != "") {
		own := a.recorded(w)
		switch {
		case own == ResultAborted:
			w.Result = ResultAborted
		case own != ResultSuccess && own.severity() > w.Result.severity():
			w.Result = own
		}
	}
	w.Duration = a.containerDuration(w)
}

// worstOfChildren folds child results under SUCCESS < UNSTABLE < FAILURE.
// Aborted children count as failures; NOT_BUILT children are ignored unless
// every child is NOT_BUILT.
func (a *aggregator) worstOfChildren(w *WrappedNode) Result {
	worst := ResultUnknown
	for _, c := range w.Children {
		r := c.Result
		if c.State == StateFinished && r == ResultUnknown {
			a.incident(c.ID, "finished without result")
			r = ResultFailure
		}
		if r == ResultAborted {
			r = ResultFailure
		}
		if r.severity() > worst.severity() {
			worst = r
		}
	}
	if worst == ResultUnknown {
		return ResultNotBuilt
	}
	return worst
}

// recorded maps the raw terminal marker of w to a Result.
func (a *aggregator) recorded(w *WrappedNode) Result {
	n := w.Raw
	switch {
	case n.Outcome.Known():
		return Result(n.Outcome)
	case n.Outcome == flow.OutcomeNone && n.Error != "":
		return ResultFailure
	case n.Outcome == flow.OutcomeNone:
		return ResultSuccess
	}
	a.incident(w.ID, fmt.Sprintf("unknown outcome %q", n.Outcome))
	return ResultFailure
}

func (a *aggregator) containerDuration(w *WrappedNode) *time.Duration {
	var end time.Time
	if w.closedAt != nil {
		end = *w.closedAt
	}
	if !w.IsRoot() && w.Raw.EndTime != nil && w.Raw.EndTime.After(end) {
		end = *w.Raw.EndTime
	}
	for _, c := range w.Children {
		if e := c.EndTime(); e != nil && e.After(end) {
			end = *e
		}
	}
	if end.IsZero() {
		return nil
	}
	return span(w.StartTime, end)
}

func (a *aggregator) incident(nodeID, msg string) {
	a.g.Incidents = append(a.g.Incidents, Incident{Kind: IncidentInconsistentStatus, NodeID: nodeID, Message: msg})
}

func span(start, end time.Time) *time.Duration {
	d := end.Sub(start)
	if d < 0 {
		d = 0
	}
	return &d
}

func earliestStart(nodes []*WrappedNode) time.Time {
	var first time.Time
	for _, n := range nodes {
		if n.StartTime.IsZero() {
			continue
		}
		if first.IsZero() || n.StartTime.Before(first) {
			first = n.StartTime
		}
	}
	return first
}
