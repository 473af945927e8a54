package runstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/number0/blueocean-plugin/internal/flow"
	"github.com/number0/blueocean-plugin/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestCreateAndGetRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	run, err := s.CreateRun(ctx, " checkout-service ")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "checkout-service", run.Pipeline)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.False(t, got.Finished)
	assert.Nil(t, got.FinishedAt)
	assert.Equal(t, 0, got.NodeCount)
	assert.WithinDuration(t, run.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = s.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = s.CreateRun(ctx, "  ")
	assert.Error(t, err)
}

func TestAppendNodesPreservesOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	run, err := s.CreateRun(ctx, "app")
	require.NoError(t, err)

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Second)
	first := []flow.Node{
		{ID: "2", Name: "Build", Function: "stage", Label: "Build", StartTime: start},
		{ID: "3", Name: "make", Function: "sh", Parents: []string{"2"}, StartTime: start.Add(time.Second), EndTime: &end, Outcome: flow.OutcomeSuccess},
	}
	require.NoError(t, s.AppendNodes(ctx, run.ID, first...))
	require.NoError(t, s.AppendNodes(ctx, run.ID, flow.Node{
		ID: "4", Name: "Branch: unit", ThreadName: "unit", Fork: true, Paused: true, Skipped: true,
		Parents: []string{"3"}, StartTime: end, Error: "boom",
	}))

	nodes, err := s.Nodes(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, []string{"2", "3", "4"}, []string{nodes[0].ID, nodes[1].ID, nodes[2].ID})

	assert.Nil(t, nodes[0].Parents)
	assert.Equal(t, "Build", nodes[0].Label)
	assert.True(t, nodes[0].StartTime.Equal(start))
	assert.Nil(t, nodes[0].EndTime)

	require.NotNil(t, nodes[1].EndTime)
	assert.True(t, nodes[1].EndTime.Equal(end))
	assert.Equal(t, flow.OutcomeSuccess, nodes[1].Outcome)
	assert.Equal(t, []string{"2"}, nodes[1].Parents)

	assert.Equal(t, "unit", nodes[2].ThreadName)
	assert.True(t, nodes[2].Fork)
	assert.True(t, nodes[2].Paused)
	assert.True(t, nodes[2].Skipped)
	assert.Equal(t, "boom", nodes[2].Error)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.NodeCount)
}

func TestAppendNodesRejectsBadInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	run, err := s.CreateRun(ctx, "app")
	require.NoError(t, err)

	assert.Error(t, s.AppendNodes(ctx, run.ID, flow.Node{Name: "no id"}))
	assert.Error(t, s.AppendNodes(ctx, run.ID, flow.Node{ID: "1", Outcome: "GREEN"}))
	assert.ErrorIs(t, s.AppendNodes(ctx, "missing", flow.Node{ID: "1"}), ErrRunNotFound)

	nodes, err := s.Nodes(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestFinishBlocksAppends(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	run, err := s.CreateRun(ctx, "app")
	require.NoError(t, err)

	finished, err := s.IsFinished(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, finished)

	done, err := s.Finish(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, done.Finished)
	require.NotNil(t, done.FinishedAt)

	again, err := s.Finish(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, again.FinishedAt.Equal(*done.FinishedAt), "finish is idempotent")

	finished, err = s.IsFinished(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, finished)

	err = s.AppendNodes(ctx, run.ID, flow.Node{ID: "late"})
	if !errors.Is(err, ErrRunFinished) {
		t.Fatalf("expected ErrRunFinished, got %v", err)
	}

	_, err = s.Finish(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.IsFinished(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.Nodes(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	var ids []string
	for _, p := range []string{"a", "b", "c"} {
		run, err := s.CreateRun(ctx, p)
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[0], runs[2].ID)

	runs, err = s.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
