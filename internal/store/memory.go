package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and local development.
type MemoryStore struct {
	mu          sync.RWMutex
	tasks       map[uuid.UUID]*Task
	evals       map[uuid.UUID]*EvaluationRecord
	evalOrder   []uuid.UUID
	experiments map[uuid.UUID]*Experiment
	assignments map[string]*VariantAssignment
	flows       map[uuid.UUID]*FlowTrace
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[uuid.UUID]*Task),
		evals:       make(map[uuid.UUID]*EvaluationRecord),
		experiments: make(map[uuid.UUID]*Experiment),
		assignments: make(map[string]*VariantAssignment),
		flows:       make(map[uuid.UUID]*FlowTrace),
	}
}

func assignmentKey(experimentID, taskID uuid.UUID) string {
	return experimentID.String() + "/" + taskID.String()
}

func copyTask(t *Task) *Task {
	c := *t
	return &c
}

func (m *MemoryStore) CreateTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	m.tasks[task.ID] = copyTask(task)
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id uuid.UUID) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	return copyTask(t), nil
}

func (m *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if filter.Status != nil && t.Status != *filter.Status {
			continue
		}
		if filter.Owner != "" && t.Owner != filter.Owner {
			continue
		}
		if filter.Agent != "" && t.AssignedAgent != filter.Agent {
			continue
		}
		if filter.Session != "" && t.SessionID != filter.Session {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.UpdatedAt = time.Now()
	m.tasks[task.ID] = copyTask(task)
	return nil
}

func (m *MemoryStore) CreateEvaluation(_ context.Context, rec *EvaluationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.CreatedAt = time.Now()
	c := *rec
	m.evals[rec.ID] = &c
	m.evalOrder = append(m.evalOrder, rec.ID)
	return nil
}

func (m *MemoryStore) GetEvaluation(_ context.Context, id uuid.UUID) (*EvaluationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.evals[id]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}

func (m *MemoryStore) ListEvaluationsForAgent(_ context.Context, agentID string, limit int) ([]*EvaluationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*EvaluationRecord
	for i := len(m.evalOrder) - 1; i >= 0; i-- {
		r := m.evals[m.evalOrder[i]]
		if r.AgentID != agentID {
			continue
		}
		c := *r
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListEvaluationsForTask(_ context.Context, taskID uuid.UUID) ([]*EvaluationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*EvaluationRecord
	for _, id := range m.evalOrder {
		r := m.evals[id]
		if r.TaskID == taskID {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func copyExperiment(e *Experiment) *Experiment {
	c := *e
	c.Metrics = append([]ExperimentMetric(nil), e.Metrics...)
	c.AggregatesA = copyAggregates(e.AggregatesA)
	c.AggregatesB = copyAggregates(e.AggregatesB)
	return &c
}

func copyAggregates(in VariantAggregates) VariantAggregates {
	if in == nil {
		return nil
	}
	out := make(VariantAggregates, len(in))
	for k, v := range in {
		cv := *v
		out[k] = &cv
	}
	return out
}

func (m *MemoryStore) CreateExperiment(_ context.Context, exp *Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp.ID == uuid.Nil {
		exp.ID = uuid.New()
	}
	exp.CreatedAt = time.Now()
	m.experiments[exp.ID] = copyExperiment(exp)
	return nil
}

func (m *MemoryStore) GetExperiment(_ context.Context, id uuid.UUID) (*Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.experiments[id]
	if !ok {
		return nil, nil
	}
	return copyExperiment(e), nil
}

func (m *MemoryStore) UpdateExperiment(_ context.Context, exp *Experiment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.experiments[exp.ID] = copyExperiment(exp)
	return nil
}

func (m *MemoryStore) ListExperiments(_ context.Context, status *ExperimentStatus) ([]*Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Experiment
	for _, e := range m.experiments {
		if status != nil && e.Status != *status {
			continue
		}
		out = append(out, copyExperiment(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateAssignment(_ context.Context, a *VariantAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := assignmentKey(a.ExperimentID, a.TaskID)
	if _, exists := m.assignments[key]; exists {
		return nil // idempotent
	}
	a.CreatedAt = time.Now()
	c := *a
	m.assignments[key] = &c
	return nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, experimentID, taskID uuid.UUID) (*VariantAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[assignmentKey(experimentID, taskID)]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) CreateFlowTrace(_ context.Context, trace *FlowTrace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	trace.CreatedAt = time.Now()
	c := *trace
	m.flows[trace.TaskID] = &c
	return nil
}

func (m *MemoryStore) GetFlowTrace(_ context.Context, taskID uuid.UUID) (*FlowTrace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flows[taskID]
	if !ok {
		return nil, nil
	}
	c := *f
	return &c, nil
}

func (m *MemoryStore) GetStats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &Stats{}
	var totalMs float64
	var completed int
	for _, t := range m.tasks {
		switch t.Status {
		case StatusSubmitted, StatusAssigned:
			stats.TotalSubmitted++
		case StatusRunning:
			stats.TotalRunning++
		case StatusCompleted:
			stats.TotalCompleted++
			if t.CompletedAt != nil && t.AssignedAt != nil {
				totalMs += float64(t.CompletedAt.Sub(*t.AssignedAt).Milliseconds())
				completed++
			}
		case StatusFailed:
			stats.TotalFailed++
		case StatusCancelled:
			stats.TotalCancelled++
		}
	}
	if completed > 0 {
		stats.AvgCompletionMs = totalMs / float64(completed)
	}
	return stats, nil
}

func (m *MemoryStore) Close() error { return nil }
