// Package dispatch drives a task from submission through agent execution
// to a terminal status, applying retries, timeouts, and breaker feedback.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchyardhq/switchyard/internal/capability"
	"github.com/switchyardhq/switchyard/internal/directory"
	"github.com/switchyardhq/switchyard/internal/events"
	"github.com/switchyardhq/switchyard/internal/experiment"
	"github.com/switchyardhq/switchyard/internal/health"
	"github.com/switchyardhq/switchyard/internal/metrics"
	"github.com/switchyardhq/switchyard/internal/routing"
	"github.com/switchyardhq/switchyard/internal/store"
)

var (
	ErrInvalidRequest = errors.New("invalid task request")
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskTerminal   = errors.New("task already reached a terminal status")
)

const statsInterval = 30 * time.Second

// SubmitRequest is one task to route and execute.
type SubmitRequest struct {
	Description    string     `json:"description"`
	Capabilities   []string   `json:"capabilities,omitempty"`
	Strategy       string     `json:"strategy,omitempty"`
	Owner          string     `json:"owner,omitempty"`
	SessionID      string     `json:"session_id,omitempty"`
	ExperimentID   *uuid.UUID `json:"experiment_id,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
	MaxRetries     *int       `json:"max_retries,omitempty"`
}

// Options are the dispatch knobs pulled out of the top-level config.
type Options struct {
	DefaultTimeout time.Duration
	MaxRetries     int
}

func DefaultOptions() Options {
	return Options{DefaultTimeout: 30 * time.Second, MaxRetries: 2}
}

// Coordinator owns the task lifecycle. Each submitted task runs on its
// own goroutine; Stop cancels them all and waits.
type Coordinator struct {
	store       store.Store
	router      *routing.Engine
	health      *health.Tracker
	experiments *experiment.Engine
	directory   directory.Client
	invoker     Invoker
	events      events.Client
	opts        Options
	logger      *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	cancelsMu sync.Mutex
	cancels   map[uuid.UUID]context.CancelFunc
	cancelled map[uuid.UUID]bool

	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(s store.Store, router *routing.Engine, tracker *health.Tracker, experiments *experiment.Engine,
	dir directory.Client, invoker Invoker, ev events.Client, opts Options, logger *slog.Logger) *Coordinator {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultOptions().DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:       s,
		router:      router,
		health:      tracker,
		experiments: experiments,
		directory:   dir,
		invoker:     invoker,
		events:      ev,
		opts:        opts,
		logger:      logger,
		baseCtx:     ctx,
		baseCancel:  cancel,
		cancels:     make(map[uuid.UUID]context.CancelFunc),
		cancelled:   make(map[uuid.UUID]bool),
	}
}

// Start launches the background stats publisher.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.statsLoop()
}

// Stop cancels every in-flight task and waits for their goroutines.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(c.baseCancel)
	c.wg.Wait()
}

// Submit validates the request, pins it to an experiment variant when one
// is named, persists it, and starts its execution goroutine.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*store.Task, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidRequest)
	}
	if !routing.ValidStrategy(req.Strategy) {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, req.Strategy)
	}
	if routing.Strategy(req.Strategy) == routing.StrategySticky && req.SessionID == "" {
		return nil, fmt.Errorf("%w: sticky_session requires session_id", ErrInvalidRequest)
	}
	if req.TimeoutSeconds < 0 || req.MaxRetries != nil && *req.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: negative timeout or retries", ErrInvalidRequest)
	}

	caps := req.Capabilities
	if len(caps) == 0 {
		caps = capability.Strings(capability.Infer(req.Description))
	}

	timeout := req.TimeoutSeconds
	if timeout == 0 {
		timeout = int(c.opts.DefaultTimeout / time.Second)
	}
	maxRetries := c.opts.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	now := time.Now().UTC()
	task := &store.Task{
		ID:             uuid.New(),
		Description:    req.Description,
		Capabilities:   caps,
		Strategy:       req.Strategy,
		Owner:          req.Owner,
		SessionID:      req.SessionID,
		Status:         store.StatusSubmitted,
		CreatedAt:      now,
		UpdatedAt:      now,
		MaxRetries:     maxRetries,
		TimeoutSeconds: timeout,
	}

	if req.ExperimentID != nil {
		assignment, err := c.experiments.Assign(ctx, *req.ExperimentID, task.ID)
		if err != nil {
			return nil, err
		}
		task.ExperimentID = req.ExperimentID
		task.Variant = assignment.Variant
		task.AssignedAgent = assignment.AgentID
		metrics.ExperimentAssignments.WithLabelValues(assignment.Variant).Inc()
	}

	if err := c.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	metrics.TasksSubmitted.Inc()

	c.publish(events.SubjectTaskSubmitted(task.ID.String()), events.TaskSubmittedEvent{
		TaskID:       task.ID.String(),
		Capabilities: task.Capabilities,
		Strategy:     task.Strategy,
		Owner:        task.Owner,
		ExperimentID: experimentIDString(task),
	})
	c.logger.Info("task submitted", "task_id", task.ID, "capabilities", task.Capabilities,
		"strategy", task.Strategy, "experiment_id", experimentIDString(task))

	taskCtx, cancel := context.WithCancel(c.baseCtx)
	c.cancelsMu.Lock()
	c.cancels[task.ID] = cancel
	c.cancelsMu.Unlock()

	c.wg.Add(1)
	go c.run(taskCtx, task)

	return task, nil
}

func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	task, err := c.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func (c *Coordinator) List(ctx context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	return c.store.ListTasks(ctx, filter)
}

// Cancel stops a non-terminal task. The running attempt's context is
// cancelled; neither the agent's breaker nor any experiment aggregate is
// touched, since a cancellation says nothing about agent health.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	task, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if isTerminal(task.Status) {
		return nil, fmt.Errorf("%w: status %s", ErrTaskTerminal, task.Status)
	}

	c.cancelsMu.Lock()
	c.cancelled[id] = true
	cancel := c.cancels[id]
	c.cancelsMu.Unlock()
	if cancel != nil {
		cancel()
	}

	now := time.Now().UTC()
	task.Status = store.StatusCancelled
	task.CompletedAt = &now
	task.UpdatedAt = now
	if err := c.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	metrics.TasksCompleted.WithLabelValues(string(store.StatusCancelled)).Inc()

	c.publish(events.SubjectTaskCancelled(id.String()), events.TaskCancelledEvent{TaskID: id.String()})
	c.logger.Info("task cancelled", "task_id", id)
	return task, nil
}

func (c *Coordinator) isCancelled(id uuid.UUID) bool {
	c.cancelsMu.Lock()
	defer c.cancelsMu.Unlock()
	return c.cancelled[id]
}

func (c *Coordinator) forget(id uuid.UUID) {
	c.cancelsMu.Lock()
	delete(c.cancels, id)
	delete(c.cancelled, id)
	c.cancelsMu.Unlock()
}

// run executes one task to a terminal status. Experiment-pinned tasks
// always use their variant's agent, including on retries; everything else
// re-selects each attempt, excluding agents that already failed the task.
func (c *Coordinator) run(ctx context.Context, task *store.Task) {
	defer c.wg.Done()
	defer c.forget(task.ID)

	started := time.Now()
	excluded := make(map[string]bool)

	for attempt := 0; attempt <= task.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return
		}

		agentID := task.AssignedAgent
		if task.ExperimentID == nil {
			sel, err := c.router.Select(ctx, routing.Request{
				Capabilities: capability.FromStrings(task.Capabilities),
				Strategy:     routing.Strategy(task.Strategy),
				SessionID:    task.SessionID,
				Exclude:      excluded,
			})
			if err != nil {
				c.fail(ctx, task, fmt.Sprintf("selection failed: %v", err), started)
				return
			}
			agentID = sel.AgentID
			metrics.AgentSelections.WithLabelValues(string(sel.Strategy)).Inc()
		}

		if !c.health.Allow(agentID) {
			if task.ExperimentID != nil {
				c.fail(ctx, task, fmt.Sprintf("variant agent %s unavailable", agentID), started)
				return
			}
			excluded[agentID] = true
			continue
		}

		agent, err := c.lookupAgent(ctx, agentID)
		if err != nil {
			c.fail(ctx, task, fmt.Sprintf("agent %s not found in directory: %v", agentID, err), started)
			return
		}

		c.markAssigned(ctx, task, agentID)
		c.markRunning(ctx, task)

		attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(task.TimeoutSeconds)*time.Second)
		result, invokeErr := c.invoker.Invoke(attemptCtx, agent, task)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded
		cancel()

		if invokeErr == nil {
			c.health.RecordSuccess(agentID)
			metrics.BreakerOpen.WithLabelValues(agentID).Set(0)
			c.complete(ctx, task, agentID, result, started)
			return
		}

		if c.isCancelled(task.ID) || ctx.Err() == context.Canceled {
			// Cancel already wrote the terminal status.
			return
		}

		c.health.RecordFailure(agentID)
		if c.health.State(agentID) == health.StateOpen {
			metrics.BreakerOpen.WithLabelValues(agentID).Set(1)
			c.publish(events.SubjectBreakerOpened(agentID), events.BreakerEvent{AgentID: agentID, State: string(health.StateOpen)})
		}

		if timedOut {
			c.publish(events.SubjectTaskTimeout(task.ID.String()), events.TaskFailedEvent{
				TaskID:  task.ID.String(),
				AgentID: agentID,
				Error:   "attempt timed out",
			})
		}
		c.logger.Warn("task attempt failed", "task_id", task.ID, "agent_id", agentID,
			"attempt", attempt, "timed_out", timedOut, "error", invokeErr)

		excluded[agentID] = true
		task.RetryCount = attempt + 1
		task.Error = invokeErr.Error()

		if attempt < task.MaxRetries {
			metrics.TaskRetries.Inc()
			c.publish(events.SubjectTaskRetry(task.ID.String()), events.TaskRetryEvent{
				TaskID:     task.ID.String(),
				RetryCount: task.RetryCount,
				MaxRetries: task.MaxRetries,
				PrevAgent:  agentID,
			})
		}
	}

	c.fail(ctx, task, "retry budget exhausted: "+task.Error, started)
}

func (c *Coordinator) lookupAgent(ctx context.Context, agentID string) (directory.Agent, error) {
	agents, err := c.directory.ListAgents(ctx, directory.Filter{})
	if err != nil {
		return directory.Agent{}, err
	}
	for _, a := range agents {
		if a.ID == agentID {
			return a, nil
		}
	}
	return directory.Agent{}, fmt.Errorf("agent %s not registered", agentID)
}

func (c *Coordinator) markAssigned(ctx context.Context, task *store.Task, agentID string) {
	now := time.Now().UTC()
	task.Status = store.StatusAssigned
	task.AssignedAgent = agentID
	task.AssignedAt = &now
	task.UpdatedAt = now
	if err := c.store.UpdateTask(ctx, task); err != nil {
		c.logger.Error("failed to persist assignment", "task_id", task.ID, "error", err)
	}
	c.publish(events.SubjectTaskAssigned(task.ID.String()), events.TaskAssignedEvent{
		TaskID:        task.ID.String(),
		AssignedAgent: agentID,
		Strategy:      task.Strategy,
		Variant:       task.Variant,
	})
}

func (c *Coordinator) markRunning(ctx context.Context, task *store.Task) {
	now := time.Now().UTC()
	task.Status = store.StatusRunning
	task.StartedAt = &now
	task.UpdatedAt = now
	if err := c.store.UpdateTask(ctx, task); err != nil {
		c.logger.Error("failed to persist running status", "task_id", task.ID, "error", err)
	}
	c.publish(events.SubjectTaskStarted(task.ID.String()), events.TaskAssignedEvent{
		TaskID:        task.ID.String(),
		AssignedAgent: task.AssignedAgent,
		Strategy:      task.Strategy,
		Variant:       task.Variant,
	})
}

func (c *Coordinator) complete(ctx context.Context, task *store.Task, agentID string, result map[string]interface{}, started time.Time) {
	if c.isCancelled(task.ID) {
		// Cancel already wrote the terminal status.
		return
	}
	now := time.Now().UTC()
	task.Status = store.StatusCompleted
	task.Result = result
	task.Error = ""
	task.CompletedAt = &now
	task.UpdatedAt = now
	if err := c.store.UpdateTask(ctx, task); err != nil {
		c.logger.Error("failed to persist completion", "task_id", task.ID, "error", err)
	}

	elapsed := time.Since(started)
	metrics.TasksCompleted.WithLabelValues(string(store.StatusCompleted)).Inc()
	metrics.DispatchDuration.Observe(elapsed.Seconds())

	c.publish(events.SubjectTaskCompleted(task.ID.String()), events.TaskCompletedEvent{
		TaskID:    task.ID.String(),
		AgentID:   agentID,
		Result:    result,
		LatencyMs: elapsed.Milliseconds(),
	})
	c.logger.Info("task completed", "task_id", task.ID, "agent_id", agentID,
		"latency_ms", elapsed.Milliseconds(), "retries", task.RetryCount)
}

func (c *Coordinator) fail(ctx context.Context, task *store.Task, reason string, started time.Time) {
	if c.isCancelled(task.ID) {
		return
	}
	now := time.Now().UTC()
	task.Status = store.StatusFailed
	task.Error = reason
	task.CompletedAt = &now
	task.UpdatedAt = now
	if err := c.store.UpdateTask(ctx, task); err != nil {
		c.logger.Error("failed to persist failure", "task_id", task.ID, "error", err)
	}

	metrics.TasksCompleted.WithLabelValues(string(store.StatusFailed)).Inc()
	metrics.DispatchDuration.Observe(time.Since(started).Seconds())

	c.publish(events.SubjectTaskFailed(task.ID.String()), events.TaskFailedEvent{
		TaskID:  task.ID.String(),
		AgentID: task.AssignedAgent,
		Error:   reason,
	})
	c.logger.Warn("task failed", "task_id", task.ID, "error", reason, "retries", task.RetryCount)
}

func (c *Coordinator) statsLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.baseCtx.Done():
			return
		case <-ticker.C:
			stats, err := c.store.GetStats(c.baseCtx)
			if err != nil {
				c.logger.Error("failed to get stats", "error", err)
				continue
			}
			c.publish(events.SubjectRouterStats, events.StatsEvent{
				Submitted: stats.TotalSubmitted,
				Running:   stats.TotalRunning,
				Completed: stats.TotalCompleted,
				Failed:    stats.TotalFailed,
				Cancelled: stats.TotalCancelled,
				AvgMs:     stats.AvgCompletionMs,
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func (c *Coordinator) publish(subject string, data interface{}) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(subject, data); err != nil {
		c.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

func isTerminal(s store.TaskStatus) bool {
	return s == store.StatusCompleted || s == store.StatusFailed || s == store.StatusCancelled
}

func experimentIDString(task *store.Task) string {
	if task.ExperimentID == nil {
		return ""
	}
	return task.ExperimentID.String()
}
