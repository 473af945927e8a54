package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/number0/blueocean-plugin/internal/auth"
	"github.com/number0/blueocean-plugin/internal/events"
	"github.com/number0/blueocean-plugin/internal/flow"
	"github.com/number0/blueocean-plugin/internal/graphcache"
	"github.com/number0/blueocean-plugin/internal/pipeline"
	"github.com/number0/blueocean-plugin/internal/runstore"
	"github.com/number0/blueocean-plugin/internal/storage"
)

const (
	adminKey    = "admin-key"
	readerToken = "reader-token"
	writerToken = "writer-token"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	store   *runstore.Store
	hub     *events.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := runstore.New(db)
	svc := pipeline.New(store, nil, graphcache.New(16), logger)
	hub := events.NewHub(32)
	srv := New(Config{
		BasePath: "/blue/rest/",
		APIKey:   adminKey,
		Tokens: []auth.TokenConfig{
			{Token: readerToken, Scopes: []string{auth.ScopeRunsRO}},
			{Token: writerToken, Scopes: []string{auth.ScopeRunsRW}},
		},
	}, store, svc, hub, logger)
	return &testEnv{server: srv, handler: srv.Handler(), store: store, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, "/blue/rest"+path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func ended(sec int) *time.Time {
	t := at(sec)
	return &t
}

func buildTestTrace() []flow.Node {
	return []flow.Node{
		{ID: "A", Name: "Build", Function: "stage", StartTime: at(0)},
		{ID: "B", Name: "B", Function: "sh", Parents: []string{"A"}, StartTime: at(1), EndTime: ended(2), Outcome: flow.OutcomeSuccess},
		{ID: "C", Name: "Test", Function: "stage", Parents: []string{"B"}, StartTime: at(3)},
		{ID: "D", Name: "Branch: unit", Function: "parallel", ThreadName: "unit", Parents: []string{"C"}, StartTime: at(4)},
		{ID: "E", Name: "Branch: integration", Function: "parallel", ThreadName: "integration", Parents: []string{"C"}, StartTime: at(4)},
		{ID: "F", Name: "F", Function: "sh", Parents: []string{"D"}, StartTime: at(5), EndTime: ended(6), Outcome: flow.OutcomeSuccess},
		{ID: "G", Name: "G", Function: "sh", Parents: []string{"E"}, StartTime: at(5), EndTime: ended(7), Outcome: flow.OutcomeFailure},
		{ID: "H", Name: "H", Function: "echo", Parents: []string{"F", "G"}, StartTime: at(8), EndTime: ended(9)},
	}
}

func (e *testEnv) createRun(t *testing.T, nodes []flow.Node) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/runs", writerToken, CreateRunRequest{Pipeline: "app"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[RunResponse](t, rec)
	assert.Equal(t, "/blue/rest/runs/"+run.ID+"/", rec.Header().Get("Location"))

	if len(nodes) > 0 {
		rec = e.do(t, http.MethodPost, "/runs/"+run.ID+"/nodes", writerToken, AppendNodesRequest{Nodes: nodes})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		resp := decode[AppendNodesResponse](t, rec)
		assert.Equal(t, len(nodes), resp.Appended)
		assert.Equal(t, len(nodes), resp.NodeCount)
	}
	return run.ID
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthzResponse](t, rec).Status)
}

func TestAuthAndScopes(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{name: "missing token", method: http.MethodGet, path: "/runs", want: http.StatusUnauthorized},
		{name: "bad token", method: http.MethodGet, path: "/runs", token: "nope", want: http.StatusUnauthorized},
		{name: "reader lists", method: http.MethodGet, path: "/runs", token: readerToken, want: http.StatusOK},
		{name: "reader cannot create", method: http.MethodPost, path: "/runs", token: readerToken, body: CreateRunRequest{Pipeline: "x"}, want: http.StatusForbidden},
		{name: "reader cannot stream", method: http.MethodGet, path: "/events", token: readerToken, want: http.StatusForbidden},
		{name: "writer lists", method: http.MethodGet, path: "/runs", token: writerToken, want: http.StatusOK},
		{name: "admin creates", method: http.MethodPost, path: "/runs", token: adminKey, body: CreateRunRequest{Pipeline: "x"}, want: http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestPipelineNodes(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	runID := e.createRun(t, buildTestTrace())

	rec := e.do(t, http.MethodGet, "/runs/"+runID+"/nodes", readerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	nodes := decode[[]PipelineNodeResponse](t, rec)
	require.Len(t, nodes, 4)

	byID := map[string]PipelineNodeResponse{}
	for _, n := range nodes {
		byID[n.ID] = n
	}
	assert.Equal(t, []string{"A", "C", "D", "E"}, []string{nodes[0].ID, nodes[1].ID, nodes[2].ID, nodes[3].ID})

	build := byID["A"]
	assert.Equal(t, "STAGE", build.Type)
	assert.Equal(t, "Build", build.DisplayName)
	require.NotNil(t, build.Result)
	assert.Equal(t, "SUCCESS", *build.Result)
	require.NotNil(t, build.DurationInMillis)
	assert.Equal(t, int64(3000), *build.DurationInMillis)
	assert.Nil(t, build.FirstParent)
	assert.Empty(t, build.Edges)

	test := byID["C"]
	require.NotNil(t, test.Result)
	assert.Equal(t, "FAILURE", *test.Result)
	assert.Equal(t, []Edge{{ID: "D", Type: "PARALLEL"}, {ID: "E", Type: "PARALLEL"}}, test.Edges)
	assert.Equal(t, "/blue/rest/runs/"+runID+"/nodes/C/", test.Links.Self.Href)

	unit := byID["D"]
	assert.Equal(t, "PARALLEL", unit.Type)
	assert.Equal(t, "unit", unit.DisplayName)
	require.NotNil(t, unit.FirstParent)
	assert.Equal(t, "C", *unit.FirstParent)

	rec = e.do(t, http.MethodGet, "/runs/"+runID+"/nodes/E", readerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	integration := decode[PipelineNodeResponse](t, rec)
	require.NotNil(t, integration.Result)
	assert.Equal(t, "FAILURE", *integration.Result)

	rec = e.do(t, http.MethodGet, "/runs/"+runID+"/nodes/F", readerToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "steps are not pipeline nodes")
	rec = e.do(t, http.MethodGet, "/runs/"+runID+"/nodes/missing", readerToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSteps(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	runID := e.createRun(t, buildTestTrace())

	ids := func(steps []StepResponse) []string {
		out := make([]string, 0, len(steps))
		for _, s := range steps {
			out = append(out, s.ID)
		}
		return out
	}

	rec := e.do(t, http.MethodGet, "/runs/"+runID+"/steps", readerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[[]StepResponse](t, rec)
	assert.Equal(t, []string{"B", "F", "G", "H"}, ids(all))
	assert.Equal(t, "/blue/rest/runs/"+runID+"/steps/B/", all[0].Links.Self.Href)

	rec = e.do(t, http.MethodGet, "/runs/"+runID+"/nodes/C/steps", readerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	under := decode[[]StepResponse](t, rec)
	assert.Equal(t, []string{"F", "G", "H"}, ids(under))
	require.NotNil(t, under[1].Result)
	assert.Equal(t, "FAILURE", *under[1].Result)
}

func TestGraphAndETag(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	runID := e.createRun(t, buildTestTrace())

	rec := e.do(t, http.MethodGet, "/runs/"+runID+"/graph", readerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tag := rec.Header().Get("ETag")
	require.NotEmpty(t, tag)

	g := decode[GraphResponse](t, rec)
	assert.Equal(t, runID, g.RunID)
	require.NotNil(t, g.Root.Result)
	assert.Equal(t, "FAILURE", *g.Root.Result)
	assert.Equal(t, "FINISHED", g.Root.State)
	require.Len(t, g.Root.Children, 2)
	assert.Equal(t, "Test", g.Root.Children[1].DisplayName)
	assert.Len(t, g.Root.Children[1].Children, 3)
	assert.Empty(t, g.Incidents)

	req := httptest.NewRequest(http.MethodGet, "/blue/rest/runs/"+runID+"/graph", nil)
	req.Header.Set("Authorization", "Bearer "+readerToken)
	req.Header.Set("If-None-Match", tag)
	notModified := httptest.NewRecorder()
	e.handler.ServeHTTP(notModified, req)
	assert.Equal(t, http.StatusNotModified, notModified.Code)
	assert.Empty(t, notModified.Body.Bytes())

	rec = e.do(t, http.MethodPost, "/runs/"+runID+"/nodes", writerToken, AppendNodesRequest{Nodes: []flow.Node{
		{ID: "I", Name: "Deploy", Function: "stage", Parents: []string{"H"}, StartTime: at(10)},
	}})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = e.do(t, http.MethodGet, "/runs/"+runID+"/graph", readerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, tag, rec.Header().Get("ETag"), "new nodes change the representation")
}

func TestGraphReportsIncidents(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	runID := e.createRun(t, []flow.Node{
		{ID: "1", Name: "orphan", Parents: []string{"ghost-1"}, StartTime: at(0), EndTime: ended(1)},
	})

	rec := e.do(t, http.MethodGet, "/runs/"+runID+"/graph", readerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	g := decode[GraphResponse](t, rec)
	require.Len(t, g.Incidents, 1)
	assert.Equal(t, "malformed_trace", g.Incidents[0].Kind)
	assert.Equal(t, "1", g.Incidents[0].NodeID)
}

func TestFinishRun(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	runID := e.createRun(t, buildTestTrace())

	rec := e.do(t, http.MethodPost, "/runs/"+runID+"/finish", writerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[RunResponse](t, rec).Finished)

	rec = e.do(t, http.MethodPost, "/runs/"+runID+"/nodes", writerToken, AppendNodesRequest{Nodes: []flow.Node{{ID: "late"}}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodGet, "/runs/"+runID, readerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[RunResponse](t, rec)
	assert.True(t, run.Finished)
	assert.Equal(t, 8, run.NodeCount)
	assert.Equal(t, "FINISHED", run.State)
	assert.Equal(t, "FAILURE", run.Result)
	require.NotNil(t, run.DurationInMillis)
	assert.Equal(t, int64(9000), *run.DurationInMillis)
	assert.Equal(t, "/blue/rest/runs/"+runID+"/", run.Links.Self.Href)

	rec = e.do(t, http.MethodGet, "/runs", readerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]RunResponse](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	runID := e.createRun(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "unknown run graph", method: http.MethodGet, path: "/runs/nope/graph", want: http.StatusNotFound},
		{name: "unknown run", method: http.MethodGet, path: "/runs/nope", want: http.StatusNotFound},
		{name: "unknown run finish", method: http.MethodPost, path: "/runs/nope/finish", want: http.StatusNotFound},
		{name: "append to unknown run", method: http.MethodPost, path: "/runs/nope/nodes", body: AppendNodesRequest{Nodes: []flow.Node{{ID: "1"}}}, want: http.StatusNotFound},
		{name: "invalid json", method: http.MethodPost, path: "/runs", body: "{", want: http.StatusBadRequest},
		{name: "missing pipeline", method: http.MethodPost, path: "/runs", body: CreateRunRequest{}, want: http.StatusBadRequest},
		{name: "empty nodes", method: http.MethodPost, path: "/runs/" + runID + "/nodes", body: AppendNodesRequest{}, want: http.StatusBadRequest},
		{name: "node without id", method: http.MethodPost, path: "/runs/" + runID + "/nodes", body: AppendNodesRequest{Nodes: []flow.Node{{Name: "x"}}}, want: http.StatusBadRequest},
		{name: "unknown outcome", method: http.MethodPost, path: "/runs/" + runID + "/nodes", body: AppendNodesRequest{Nodes: []flow.Node{{ID: "1", Outcome: "GREEN"}}}, want: http.StatusBadRequest},
		{name: "bad limit", method: http.MethodGet, path: "/runs?limit=x", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, tt.method, tt.path, adminKey, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestEmptyRunGraph(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	runID := e.createRun(t, nil)

	rec := e.do(t, http.MethodGet, "/runs/"+runID+"/graph", readerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	g := decode[GraphResponse](t, rec)
	assert.Equal(t, "NOT_BUILT", g.Root.State)
	assert.Empty(t, g.Root.Children)
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ts := httptest.NewServer(e.handler)
	t.Cleanup(ts.Close)

	runID := e.createRun(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/blue/rest/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+writerToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		e.do(t, http.MethodPost, "/runs/"+runID+"/finish", writerToken, nil)
	}()

	var seen []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			seen = append(seen, strings.TrimPrefix(line, "event: "))
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, runID) && len(seen) > 0 && seen[len(seen)-1] == events.RunFinished {
			break
		}
	}
	assert.Equal(t, []string{events.RunCreated, events.RunFinished}, seen)
}

func TestEventStreamFiltersByRun(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ts := httptest.NewServer(e.handler)
	t.Cleanup(ts.Close)

	runA := e.createRun(t, nil)
	runB := e.createRun(t, nil)
	e.do(t, http.MethodPost, "/runs/"+runB+"/finish", writerToken, nil)
	e.do(t, http.MethodPost, "/runs/"+runA+"/finish", writerToken, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/blue/rest/events?run="+runA, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+writerToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var seen []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			seen = append(seen, strings.TrimPrefix(line, "event: "))
		}
		if strings.HasPrefix(line, "data: ") {
			assert.Contains(t, line, runA)
			assert.NotContains(t, line, runB)
			if seen[len(seen)-1] == events.RunFinished {
				break
			}
		}
	}
	assert.Equal(t, []string{events.RunCreated, events.RunFinished}, seen)
}

func TestSSEStreamSendsEachEventOnce(t *testing.T) {
	var buf bytes.Buffer
	stream := &sseStream{w: &buf, lastID: 1}

	for _, id := range []int64{1, 2, 2, 4, 3, 5} {
		require.NoError(t, stream.send(events.Event{ID: id, Type: events.RunNodesAppended, Data: []byte("{}")}))
	}
	assert.Equal(t, int64(5), stream.lastID)

	var ids []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	assert.Equal(t, []string{"2", "4", "5"}, ids)
}
