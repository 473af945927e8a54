package pipeline

import (
	"context"

	"github.com/number0/blueocean-plugin/internal/flow"
)

//go:generate mockgen -destination=mocks/mock_source.go -package=mocks github.com/number0/blueocean-plugin/internal/pipeline NodeSource

// NodeSource is the engine's recorded history for a run.
type NodeSource interface {
	// Nodes returns the recorded nodes of a run in recorded order.
	Nodes(ctx context.Context, runID string) ([]flow.Node, error)
	IsFinished(ctx context.Context, runID string) (bool, error)
}
