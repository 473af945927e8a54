// Package ingest records trace files into the run store, including traces
// that are still being written by the engine.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/number0/blueocean-plugin/internal/flow"
	"github.com/number0/blueocean-plugin/internal/runstore"
)

// Store is the part of the run store a follower writes to.
type Store interface {
	GetRun(ctx context.Context, runID string) (*runstore.Run, error)
	AppendNodes(ctx context.Context, runID string, nodes ...flow.Node) error
	Finish(ctx context.Context, runID string) (*runstore.Run, error)
}

// ErrTraceRewritten is returned when a trace lost nodes that were already
// recorded. Traces are append-only.
var ErrTraceRewritten = errors.New("trace shrank below recorded node count")

// Follower mirrors one trace file into one run.
type Follower struct {
	store    Store
	runID    string
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	recorded int
}

type Option func(*Follower)

// WithDebounce sets how long writes must settle before the trace is re-read.
func WithDebounce(d time.Duration) Option {
	return func(f *Follower) { f.debounce = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Follower) { f.logger = l }
}

// NewFollower returns a follower appending path's nodes to runID. The run
// must exist; nodes it already holds are treated as the trace's prefix.
func NewFollower(ctx context.Context, store Store, runID, path string, opts ...Option) (*Follower, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	f := &Follower{
		store:    store,
		runID:    runID,
		path:     path,
		debounce: 100 * time.Millisecond,
		logger:   slog.Default(),
		recorded: run.NodeCount,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Recorded returns how many trace nodes the run holds.
func (f *Follower) Recorded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recorded
}

// Sync re-reads the trace and appends the nodes past the recorded prefix.
// It reports whether the trace is marked finished, in which case the run
// is finished too.
func (f *Follower) Sync(ctx context.Context) (done bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	trace, err := flow.LoadTrace(f.path)
	if err != nil {
		return false, err
	}
	if len(trace.Nodes) < f.recorded {
		return false, fmt.Errorf("%s: %w (%d < %d)", f.path, ErrTraceRewritten, len(trace.Nodes), f.recorded)
	}

	if fresh := trace.Nodes[f.recorded:]; len(fresh) > 0 {
		if err := f.store.AppendNodes(ctx, f.runID, fresh...); err != nil {
			return false, err
		}
		f.recorded += len(fresh)
		f.logger.Debug("trace synced", "run_id", f.runID, "appended", len(fresh), "recorded", f.recorded)
	}

	if !trace.Finished {
		return false, nil
	}
	if _, err := f.store.Finish(ctx, f.runID); err != nil {
		return false, err
	}
	return true, nil
}

// Follow syncs once, then again after every settled write to the trace,
// until the trace is finished or ctx is done.
func (f *Follower) Follow(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Editors and engines often replace the file, so watch its directory.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", f.path, err)
	}

	if done, err := f.syncOrRetry(ctx); err != nil || done {
		return err
	}

	target := filepath.Clean(f.path)
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			settle = time.After(f.debounce)

		case <-settle:
			settle = nil
			if done, err := f.syncOrRetry(ctx); err != nil || done {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Error("watcher error", "path", f.path, "error", err)
		}
	}
}

// syncOrRetry is Sync with only run-level errors treated as fatal. A missing
// or half-written document can fail to parse or look short; the next write
// retries.
func (f *Follower) syncOrRetry(ctx context.Context) (bool, error) {
	done, err := f.Sync(ctx)
	if err == nil {
		return done, nil
	}
	if errors.Is(err, runstore.ErrRunFinished) || errors.Is(err, runstore.ErrRunNotFound) {
		return false, err
	}
	f.logger.Warn("trace sync failed", "run_id", f.runID, "path", f.path, "error", err)
	return false, nil
}
