package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchyardhq/switchyard/internal/capability"
	"github.com/switchyardhq/switchyard/internal/directory"
	"github.com/switchyardhq/switchyard/internal/experiment"
	"github.com/switchyardhq/switchyard/internal/health"
	"github.com/switchyardhq/switchyard/internal/routing"
	"github.com/switchyardhq/switchyard/internal/store"
)

type fakeDirectory struct {
	agents []directory.Agent
}

func (f *fakeDirectory) ListAgents(context.Context, directory.Filter) ([]directory.Agent, error) {
	return f.agents, nil
}

func (f *fakeDirectory) GetAgentStats(context.Context, string) (*directory.AgentStats, error) {
	return &directory.AgentStats{}, nil
}

// fakeInvoker fails agents listed in failing and counts attempts per agent.
type fakeInvoker struct {
	mu           sync.Mutex
	failing      map[string]bool
	attempts     map[string]int
	delay        time.Duration
	ignoreCancel bool
	result       map[string]interface{}
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		failing:  make(map[string]bool),
		attempts: make(map[string]int),
		result:   map[string]interface{}{"answer": "ok"},
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, agent directory.Agent, _ *store.Task) (map[string]interface{}, error) {
	f.mu.Lock()
	f.attempts[agent.ID]++
	failing := f.failing[agent.ID]
	delay := f.delay
	ignoreCancel := f.ignoreCancel
	f.mu.Unlock()

	if delay > 0 {
		if ignoreCancel {
			time.Sleep(delay)
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	if failing {
		return nil, errors.New("agent exploded")
	}
	return f.result, nil
}

func (f *fakeInvoker) attemptCount(agentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[agentID]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	coord   *Coordinator
	store   *store.MemoryStore
	invoker *fakeInvoker
	tracker *health.Tracker
	exps    *experiment.Engine
}

func newFixture(t *testing.T, agents ...directory.Agent) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	tracker := health.NewTracker(health.DefaultConfig())
	dir := &fakeDirectory{agents: agents}
	router := routing.NewEngine(dir, tracker, discardLogger())
	exps := experiment.NewEngine(st, experiment.Config{}, nil, discardLogger())
	inv := newFakeInvoker()
	coord := New(st, router, tracker, exps, dir, inv, nil,
		Options{DefaultTimeout: 5 * time.Second, MaxRetries: 2}, discardLogger())
	t.Cleanup(coord.Stop)
	return &fixture{coord: coord, store: st, invoker: inv, tracker: tracker, exps: exps}
}

func textAgent(id string) directory.Agent {
	return directory.Agent{ID: id, Name: id, Capabilities: []capability.Tag{capability.TextGeneration}, Status: "active"}
}

func waitForTerminal(t *testing.T, st *store.MemoryStore, id uuid.UUID) *store.Task {
	t.Helper()
	var task *store.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = st.GetTask(context.Background(), id)
		require.NoError(t, err)
		return task != nil && isTerminal(task.Status)
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

func TestSubmitRunsTaskToCompletion(t *testing.T) {
	f := newFixture(t, textAgent("agent-a"))

	task, err := f.coord.Submit(context.Background(), SubmitRequest{
		Description: "write a poem about trains",
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusSubmitted, task.Status)
	assert.Equal(t, []string{"text_generation"}, task.Capabilities)

	final := waitForTerminal(t, f.store, task.ID)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, "agent-a", final.AssignedAgent)
	assert.Equal(t, "ok", final.Result["answer"])
	assert.NotNil(t, final.CompletedAt)
	assert.Zero(t, final.RetryCount)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, textAgent("agent-a"))
	ctx := context.Background()

	_, err := f.coord.Submit(ctx, SubmitRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.coord.Submit(ctx, SubmitRequest{Description: "x", Strategy: "psychic"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.coord.Submit(ctx, SubmitRequest{Description: "x", Strategy: "sticky_session"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	negative := -1
	_, err = f.coord.Submit(ctx, SubmitRequest{Description: "x", MaxRetries: &negative})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRetryMovesToDifferentAgent(t *testing.T) {
	f := newFixture(t, textAgent("agent-a"), textAgent("agent-b"))
	f.invoker.failing["agent-a"] = true

	task, err := f.coord.Submit(context.Background(), SubmitRequest{
		Description: "write a story",
	})
	require.NoError(t, err)

	final := waitForTerminal(t, f.store, task.ID)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Equal(t, "agent-b", final.AssignedAgent)
	assert.Equal(t, 1, final.RetryCount)
	// The failed agent is excluded from the retry, not re-tried.
	assert.Equal(t, 1, f.invoker.attemptCount("agent-a"))
	assert.Equal(t, 1, f.invoker.attemptCount("agent-b"))
}

func TestRetryBudgetExhausted(t *testing.T) {
	f := newFixture(t, textAgent("agent-a"))
	f.invoker.failing["agent-a"] = true

	task, err := f.coord.Submit(context.Background(), SubmitRequest{
		Description: "write a story",
	})
	require.NoError(t, err)

	final := waitForTerminal(t, f.store, task.ID)
	assert.Equal(t, store.StatusFailed, final.Status)
	assert.NotEmpty(t, final.Error)
}

func TestExperimentPinnedTaskRetriesSameAgent(t *testing.T) {
	f := newFixture(t, textAgent("agent-a"), textAgent("agent-b"))
	ctx := context.Background()

	exp := &store.Experiment{VariantA: "agent-a", VariantB: "agent-b", TrafficSplit: 0.5}
	require.NoError(t, f.exps.Create(ctx, exp))

	f.invoker.failing["agent-a"] = true
	f.invoker.failing["agent-b"] = true

	task, err := f.coord.Submit(ctx, SubmitRequest{
		Description:  "translate this paragraph",
		ExperimentID: &exp.ID,
	})
	require.NoError(t, err)
	require.NotEmpty(t, task.Variant)
	pinned := task.AssignedAgent

	final := waitForTerminal(t, f.store, task.ID)
	assert.Equal(t, store.StatusFailed, final.Status)
	assert.Equal(t, pinned, final.AssignedAgent)

	// Every attempt hit the pinned variant agent; the other saw none.
	other := "agent-a"
	if pinned == "agent-a" {
		other = "agent-b"
	}
	assert.Equal(t, 3, f.invoker.attemptCount(pinned))
	assert.Zero(t, f.invoker.attemptCount(other))
}

func TestExperimentAssignmentPersisted(t *testing.T) {
	f := newFixture(t, textAgent("agent-a"), textAgent("agent-b"))
	ctx := context.Background()

	exp := &store.Experiment{VariantA: "agent-a", VariantB: "agent-b", TrafficSplit: 0.5}
	require.NoError(t, f.exps.Create(ctx, exp))

	task, err := f.coord.Submit(ctx, SubmitRequest{
		Description:  "summarize the report",
		ExperimentID: &exp.ID,
	})
	require.NoError(t, err)

	// The assignment must be findable under the ID the store persisted,
	// not just the one Submit handed out.
	persisted, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted)
	require.Equal(t, task.ID, persisted.ID)

	assignment, err := f.store.GetAssignment(ctx, exp.ID, persisted.ID)
	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, task.Variant, assignment.Variant)
	assert.Equal(t, task.AssignedAgent, assignment.AgentID)
}

func TestCancelRunningTask(t *testing.T) {
	f := newFixture(t, textAgent("agent-a"))
	f.invoker.delay = 10 * time.Second

	task, err := f.coord.Submit(context.Background(), SubmitRequest{
		Description: "a very slow task",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.invoker.attemptCount("agent-a") > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancelled, err := f.coord.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, cancelled.Status)

	// Cancellation is not an agent failure.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, health.StateClosed, f.tracker.State("agent-a"))

	final, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, final.Status)
}

func TestCancelWinsOverLateSuccess(t *testing.T) {
	f := newFixture(t, textAgent("agent-a"))
	f.invoker.delay = 300 * time.Millisecond
	f.invoker.ignoreCancel = true

	task, err := f.coord.Submit(context.Background(), SubmitRequest{
		Description: "a slow task the agent finishes anyway",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.invoker.attemptCount("agent-a") > 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err = f.coord.Cancel(context.Background(), task.ID)
	require.NoError(t, err)

	// The invoke succeeds after the cancel; the terminal status must not
	// flip from cancelled to completed.
	time.Sleep(500 * time.Millisecond)
	final, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, final.Status)
}

func TestCancelTerminalTaskRejected(t *testing.T) {
	f := newFixture(t, textAgent("agent-a"))

	task, err := f.coord.Submit(context.Background(), SubmitRequest{Description: "quick"})
	require.NoError(t, err)
	waitForTerminal(t, f.store, task.ID)

	_, err = f.coord.Cancel(context.Background(), task.ID)
	assert.ErrorIs(t, err, ErrTaskTerminal)
}

func TestCancelUnknownTask(t *testing.T) {
	f := newFixture(t, textAgent("agent-a"))
	_, err := f.coord.Cancel(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestAttemptTimeoutCountsAsFailure(t *testing.T) {
	f := newFixture(t, textAgent("agent-a"))
	f.invoker.delay = 3 * time.Second

	zero := 0
	task, err := f.coord.Submit(context.Background(), SubmitRequest{
		Description:    "a slow task",
		TimeoutSeconds: 1,
		MaxRetries:     &zero,
	})
	require.NoError(t, err)

	final := waitForTerminal(t, f.store, task.ID)
	assert.Equal(t, store.StatusFailed, final.Status)
}

func TestNoEligibleAgentFailsTask(t *testing.T) {
	f := newFixture(t) // empty directory

	task, err := f.coord.Submit(context.Background(), SubmitRequest{
		Description: "anything at all",
	})
	require.NoError(t, err)

	final := waitForTerminal(t, f.store, task.ID)
	assert.Equal(t, store.StatusFailed, final.Status)
	assert.Contains(t, final.Error, "selection failed")
}

func TestExplicitCapabilitiesSkipInference(t *testing.T) {
	agent := directory.Agent{
		ID: "coder", Name: "coder",
		Capabilities: []capability.Tag{capability.CodeGeneration},
		Status:       "active",
	}
	f := newFixture(t, agent)

	task, err := f.coord.Submit(context.Background(), SubmitRequest{
		Description:  "anything",
		Capabilities: []string{"code_generation"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"code_generation"}, task.Capabilities)

	final := waitForTerminal(t, f.store, task.ID)
	assert.Equal(t, store.StatusCompleted, final.Status)
}
