// Package pipeline builds the normalized graph of a recorded run.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/number0/blueocean-plugin/internal/graph"
	"github.com/number0/blueocean-plugin/internal/graphcache"
)

// Service reads raw nodes from a NodeSource and returns their graph.
// The cache may be nil.
type Service struct {
	source  NodeSource
	builder *graph.Builder
	cache   *graphcache.Cache
	logger  *slog.Logger
}

func New(source NodeSource, builder *graph.Builder, cache *graphcache.Cache, logger *slog.Logger) *Service {
	if builder == nil {
		builder = graph.NewBuilder()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{source: source, builder: builder, cache: cache, logger: logger}
}

// BuildPipelineGraph returns the graph of runID. Graphs of finished runs come
// from the cache when one is configured. A cancelled ctx never yields a
// partial graph.
func (s *Service) BuildPipelineGraph(ctx context.Context, runID string) (*graph.PipelineGraph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	finished, err := s.source.IsFinished(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %s status: %w", runID, err)
	}

	if s.cache == nil {
		return s.build(ctx, runID)
	}
	g, cached, err := s.cache.Get(ctx, runID, finished, func(bctx context.Context) (*graph.PipelineGraph, error) {
		return s.build(bctx, runID)
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cached {
		s.logger.Debug("graph served from cache", "run_id", runID)
	}
	return g, nil
}

func (s *Service) build(ctx context.Context, runID string) (*graph.PipelineGraph, error) {
	nodes, err := s.source.Nodes(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load nodes for run %s: %w", runID, err)
	}
	g := s.builder.Build(nodes)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, inc := range g.Incidents {
		s.logger.Warn("graph incident",
			"run_id", runID,
			"kind", string(inc.Kind),
			"node_id", inc.NodeID,
			"message", inc.Message,
		)
	}
	s.logger.Debug("graph built", "run_id", runID, "nodes", len(nodes), "incidents", len(g.Incidents))
	return g, nil
}

// BuildMany builds the graphs of several runs concurrently. The first error
// cancels the remaining builds.
func (s *Service) BuildMany(ctx context.Context, runIDs []string, limit int) (map[string]*graph.PipelineGraph, error) {
	eg, egctx := errgroup.WithContext(ctx)
	if limit > 0 {
		eg.SetLimit(limit)
	}

	graphs := make([]*graph.PipelineGraph, len(runIDs))
	for i, id := range runIDs {
		eg.Go(func() error {
			g, err := s.BuildPipelineGraph(egctx, id)
			if err != nil {
				return err
			}
			graphs[i] = g
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*graph.PipelineGraph, len(runIDs))
	for i, id := range runIDs {
		out[id] = graphs[i]
	}
	return out, nil
}
