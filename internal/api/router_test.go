package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyardhq/switchyard/internal/capability"
	"github.com/switchyardhq/switchyard/internal/directory"
	"github.com/switchyardhq/switchyard/internal/dispatch"
	"github.com/switchyardhq/switchyard/internal/evaluation"
	"github.com/switchyardhq/switchyard/internal/experiment"
	"github.com/switchyardhq/switchyard/internal/flow"
	"github.com/switchyardhq/switchyard/internal/health"
	"github.com/switchyardhq/switchyard/internal/routing"
	"github.com/switchyardhq/switchyard/internal/store"
)

type mockDirectory struct {
	agents []directory.Agent
}

func (m *mockDirectory) ListAgents(context.Context, directory.Filter) ([]directory.Agent, error) {
	return m.agents, nil
}

func (m *mockDirectory) GetAgentStats(context.Context, string) (*directory.AgentStats, error) {
	return &directory.AgentStats{SuccessRate: 0.9, MeanLatencyMs: 120}, nil
}

type mockInvoker struct{}

func (mockInvoker) Invoke(context.Context, directory.Agent, *store.Task) (map[string]interface{}, error) {
	return map[string]interface{}{"answer": "done"}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	handler http.Handler
	store   *store.MemoryStore
	exps    *experiment.Engine
	coord   *dispatch.Coordinator
}

func newTestServer(t *testing.T, adminToken string) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	tracker := health.NewTracker(health.DefaultConfig())
	dir := &mockDirectory{agents: []directory.Agent{
		{ID: "agent-a", Name: "agent-a", Capabilities: []capability.Tag{capability.TextGeneration, capability.Summarization}, Status: "active"},
		{ID: "agent-b", Name: "agent-b", Capabilities: []capability.Tag{capability.TextGeneration}, Status: "active"},
	}}
	router := routing.NewEngine(dir, tracker, discardLogger())
	exps := experiment.NewEngine(st, experiment.Config{}, nil, discardLogger())
	coord := dispatch.New(st, router, tracker, exps, dir, mockInvoker{}, nil,
		dispatch.Options{DefaultTimeout: 5 * time.Second, MaxRetries: 2}, discardLogger())
	t.Cleanup(coord.Stop)
	evals := evaluation.NewEngine(st, exps, nil, discardLogger())
	flows := flow.NewChecker(st, discardLogger())

	handler := NewRouter(Deps{
		Store:       st,
		Coordinator: coord,
		Evaluations: evals,
		Experiments: exps,
		Flows:       flows,
		Directory:   dir,
		Health:      tracker,
		Router:      router,
		AdminToken:  adminToken,
		Logger:      discardLogger(),
	})
	return &testServer{handler: handler, store: st, exps: exps, coord: coord}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestCreateTaskEndpoint(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"description": "summarize this article",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var task store.Task
	decodeBody(t, rec, &task)
	assert.NotEqual(t, uuid.Nil, task.ID)
	assert.Contains(t, task.Capabilities, "summarization")
	assert.Equal(t, store.StatusSubmitted, task.Status)
}

func TestCreateTaskValidationError(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"description": "",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"description": "x",
		"strategy":    "wishful_thinking",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskEndpoint(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"description": "write something",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created store.Task
	decodeBody(t, rec, &created)

	rec = ts.do(t, http.MethodGet, "/api/v1/tasks/"+created.ID.String(), nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/tasks/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/tasks/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelFinishedTaskConflict(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"description": "quick task",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created store.Task
	decodeBody(t, rec, &created)

	require.Eventually(t, func() bool {
		task, err := ts.store.GetTask(context.Background(), created.ID)
		require.NoError(t, err)
		return task.Status == store.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rec = ts.do(t, http.MethodPost, "/api/v1/tasks/"+created.ID.String()+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEvaluationEndpoint(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/evaluations", map[string]interface{}{
		"agent_id":  "agent-a",
		"template":  "accuracy",
		"prompt":    "What is the capital of France?",
		"response":  "The capital of France is Paris.",
		"reference": "Paris",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var evalRec store.EvaluationRecord
	decodeBody(t, rec, &evalRec)
	assert.True(t, evalRec.Passed)

	rec = ts.do(t, http.MethodGet, "/api/v1/evaluations/"+evalRec.ID.String(), nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/evaluations?agent=agent-a", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/evaluations", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluationEndpointWithContext(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/evaluations", map[string]interface{}{
		"agent_id": "agent-a",
		"template": "relevance",
		"prompt":   "respond",
		"context":  "trains railway schedules",
		"response": "trains run on the railway",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var evalRec store.EvaluationRecord
	decodeBody(t, rec, &evalRec)
	assert.Greater(t, evalRec.Scores["relevance"], 0.0)
}

func TestEvaluationUnknownTemplate(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/evaluations", map[string]interface{}{
		"agent_id": "agent-a",
		"template": "astrology",
		"response": "anything",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluationBatchEndpoint(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/evaluations/batch", map[string]interface{}{
		"evaluations": []map[string]interface{}{
			{"agent_id": "agent-a", "template": "relevance", "prompt": "capital of France", "response": "Paris is the capital"},
			{"agent_id": "agent-a", "template": "bogus", "response": "x"},
		},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Total      int                    `json:"total"`
		Successful int                    `json:"successful"`
		Failed     int                    `json:"failed"`
		Results    []evaluation.BatchItem `json:"results"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, 1, body.Successful)
	assert.Equal(t, 1, body.Failed)
	require.Len(t, body.Results, 2)
	assert.NotNil(t, body.Results[0].Record)
	assert.NotEmpty(t, body.Results[1].Error)
}

func TestExperimentLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/experiments", map[string]interface{}{
		"name":          "model-shootout",
		"variant_a":     "agent-a",
		"variant_b":     "agent-b",
		"traffic_split": 0.5,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var exp store.Experiment
	decodeBody(t, rec, &exp)
	require.NotEqual(t, uuid.Nil, exp.ID)

	rec = ts.do(t, http.MethodPost, "/api/v1/experiments/"+exp.ID.String()+"/assign", map[string]interface{}{
		"task_id": uuid.NewString(),
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var assignment store.VariantAssignment
	decodeBody(t, rec, &assignment)
	assert.Contains(t, []string{"variant_a", "variant_b"}, assignment.Variant)

	rec = ts.do(t, http.MethodGet, "/api/v1/experiments/"+exp.ID.String()+"/results", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var results experiment.Results
	decodeBody(t, rec, &results)
	assert.False(t, results.MinSamplesReached)
	assert.InDelta(t, 0.95, results.Confidence, 1e-9)

	rec = ts.do(t, http.MethodPost, "/api/v1/experiments/"+exp.ID.String()+"/stop", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Stopping twice conflicts.
	rec = ts.do(t, http.MethodPost, "/api/v1/experiments/"+exp.ID.String()+"/stop", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/experiments/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFlowCheckEndpoint(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/flows/check", map[string]interface{}{
		"expected_flow": []string{"search", "summarize", "respond"},
		"actual_flow":   []string{"search", "respond"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res flow.Result
	decodeBody(t, rec, &res)
	assert.InDelta(t, 2.0/3.0, res.AdherenceScore, 1e-9)
	assert.Equal(t, []string{"summarize"}, res.MissingSteps)
}

func TestFlowCheckPersistsWithTaskID(t *testing.T) {
	ts := newTestServer(t, "")
	taskID := uuid.NewString()

	rec := ts.do(t, http.MethodPost, "/api/v1/flows/check", map[string]interface{}{
		"task_id":       taskID,
		"expected_flow": []string{"a", "b"},
		"actual_flow":   []string{"a", "b"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/flows/"+taskID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	ts := newTestServer(t, "sekrit")

	rec := ts.do(t, http.MethodGet, "/api/v1/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/stats", nil, map[string]string{
		"Authorization": "Bearer sekrit",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAgentsAndDrain(t *testing.T) {
	ts := newTestServer(t, "")

	rec := ts.do(t, http.MethodPost, "/api/v1/agents/agent-a/drain", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/agents", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var agents []agentStatus
	decodeBody(t, rec, &agents)
	require.Len(t, agents, 2)
	for _, a := range agents {
		if a.ID == "agent-a" {
			assert.True(t, a.Drained)
		}
	}

	rec = ts.do(t, http.MethodPost, "/api/v1/agents/agent-a/undrain", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
