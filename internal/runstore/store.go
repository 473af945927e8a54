// Package runstore persists pipeline runs and their raw flow nodes in sqlite.
// Nodes are append-only per run and are returned in recorded order.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/number0/blueocean-plugin/internal/flow"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateRun records a new, unfinished run and returns it.
func (s *Store) CreateRun(ctx context.Context, pipeline string) (*Run, error) {
	pipeline = strings.TrimSpace(pipeline)
	if pipeline == "" {
		return nil, fmt.Errorf("pipeline is empty")
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(id, pipeline, finished, created_at)
VALUES(?, ?, 0, ?);
`, id, pipeline, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return &Run{ID: id, Pipeline: pipeline, CreatedAt: now}, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	if runID == "" {
		return nil, ErrRunNotFound
	}
	row := s.db.QueryRowContext(ctx, `
SELECT r.id, r.pipeline, r.finished, r.created_at, r.finished_at,
  (SELECT COUNT(*) FROM flow_nodes n WHERE n.run_id = r.id)
FROM runs r
WHERE r.id = ?;
`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs newest first. A limit <= 0 returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.pipeline, r.finished, r.created_at, r.finished_at,
  (SELECT COUNT(*) FROM flow_nodes n WHERE n.run_id = r.id)
FROM runs r
ORDER BY r.rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// AppendNodes records nodes after those already stored for the run. Appending
// to a finished run fails with ErrRunFinished.
func (s *Store) AppendNodes(ctx context.Context, runID string, nodes ...flow.Node) error {
	for i, n := range nodes {
		if strings.TrimSpace(n.ID) == "" {
			return fmt.Errorf("node %d: id is empty", i)
		}
		if n.Outcome != flow.OutcomeNone && !n.Outcome.Known() {
			return fmt.Errorf("node %s: unknown outcome %q", n.ID, n.Outcome)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var finished int
	err = tx.QueryRowContext(ctx, `SELECT finished FROM runs WHERE id = ?;`, runID).Scan(&finished)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if finished != 0 {
		return ErrRunFinished
	}

	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM flow_nodes WHERE run_id = ?;`, runID).Scan(&next); err != nil {
		return fmt.Errorf("next sequence for run %s: %w", runID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO flow_nodes(
  run_id, seq, id, name, function, label, thread_name, parents,
  fork, paused, skipped, start_time, end_time, outcome, error
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for i, n := range nodes {
		parents := n.Parents
		if parents == nil {
			parents = []string{}
		}
		parentsJSON, err := json.Marshal(parents)
		if err != nil {
			return fmt.Errorf("encode parents of %s: %w", n.ID, err)
		}
		var endTime any
		if n.EndTime != nil {
			endTime = n.EndTime.UTC().Format(time.RFC3339Nano)
		}
		var startTime any
		if !n.StartTime.IsZero() {
			startTime = n.StartTime.UTC().Format(time.RFC3339Nano)
		}
		_, err = stmt.ExecContext(ctx,
			runID, next+i, n.ID, n.Name, nullString(n.Function), nullString(n.Label), nullString(n.ThreadName),
			string(parentsJSON), boolInt(n.Fork), boolInt(n.Paused), boolInt(n.Skipped),
			startTime, endTime, nullString(string(n.Outcome)), nullString(n.Error),
		)
		if err != nil {
			return fmt.Errorf("append node %s: %w", n.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Nodes returns the run's raw nodes in recorded order.
func (s *Store) Nodes(ctx context.Context, runID string) ([]flow.Node, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, function, label, thread_name, parents, fork, paused, skipped,
  start_time, end_time, outcome, error
FROM flow_nodes
WHERE run_id = ?
ORDER BY seq ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("load nodes for run %s: %w", runID, err)
	}
	defer rows.Close()

	out := []flow.Node{}
	for rows.Next() {
		var (
			n                       flow.Node
			function, label, thread sql.NullString
			parentsJSON             string
			fork, paused, skipped   int
			startS, endS            sql.NullString
			outcome, errText        sql.NullString
		)
		if err := rows.Scan(
			&n.ID, &n.Name, &function, &label, &thread, &parentsJSON, &fork, &paused, &skipped,
			&startS, &endS, &outcome, &errText,
		); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Function = function.String
		n.Label = label.String
		n.ThreadName = thread.String
		n.Fork = fork != 0
		n.Paused = paused != 0
		n.Skipped = skipped != 0
		n.Outcome = flow.Outcome(outcome.String)
		n.Error = errText.String
		if err := json.Unmarshal([]byte(parentsJSON), &n.Parents); err != nil {
			return nil, fmt.Errorf("decode parents of %s: %w", n.ID, err)
		}
		if len(n.Parents) == 0 {
			n.Parents = nil
		}
		if startS.Valid {
			if t, err := time.Parse(time.RFC3339Nano, startS.String); err == nil {
				n.StartTime = t
			}
		}
		if endS.Valid {
			if t, err := time.Parse(time.RFC3339Nano, endS.String); err == nil {
				n.EndTime = &t
			}
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load nodes for run %s: %w", runID, err)
	}
	return out, nil
}

func (s *Store) IsFinished(ctx context.Context, runID string) (bool, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.Finished, nil
}

// Finish marks the run finished. Finishing twice is a no-op.
func (s *Store) Finish(ctx context.Context, runID string) (*Run, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE runs
SET finished = 1, finished_at = COALESCE(finished_at, ?)
WHERE id = ?;
`, now, runID)
	if err != nil {
		return nil, fmt.Errorf("finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrRunNotFound
	}
	return s.GetRun(ctx, runID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r           Run
		finished    int
		createdAtS  string
		finishedAtS sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Pipeline, &finished, &createdAtS, &finishedAtS, &r.NodeCount); err != nil {
		return nil, err
	}
	r.Finished = finished != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		r.CreatedAt = t
	}
	if finishedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finishedAtS.String); err == nil {
			r.FinishedAt = &t
		}
	}
	return &r, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
