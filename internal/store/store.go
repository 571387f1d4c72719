package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	StatusSubmitted TaskStatus = "submitted"
	StatusAssigned  TaskStatus = "assigned"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

type Task struct {
	ID           uuid.UUID `json:"task_id"`
	Description  string    `json:"description"`
	Capabilities []string  `json:"capabilities"`
	Strategy     string    `json:"strategy,omitempty"`
	Owner        string    `json:"owner"`
	SessionID    string    `json:"session_id,omitempty"`

	// Experiment binding. Fixed for the task's lifetime once set.
	ExperimentID *uuid.UUID `json:"experiment_id,omitempty"`
	Variant      string     `json:"variant,omitempty"`

	// State
	Status        TaskStatus `json:"status"`
	AssignedAgent string     `json:"assigned_agent,omitempty"`

	// Timestamps
	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Result
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`

	// Retry
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// Timeout per dispatch attempt
	TimeoutSeconds int `json:"timeout_seconds"`
}

type TaskFilter struct {
	Status  *TaskStatus
	Owner   string
	Agent   string
	Session string
	Limit   int
	Offset  int
}

// EvaluationRecord is an append-only score for one (prompt, response) pair.
type EvaluationRecord struct {
	ID             uuid.UUID          `json:"eval_id"`
	AgentID        string             `json:"agent_id"`
	TaskID         uuid.UUID          `json:"task_id"`
	Template       string             `json:"template"`
	Scores         map[string]float64 `json:"scores"`
	AggregateScore float64            `json:"aggregate_score"`
	Passed         bool               `json:"passed"`
	Feedback       string             `json:"feedback,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

type ExperimentStatus string

const (
	ExperimentActive    ExperimentStatus = "active"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentStopped   ExperimentStatus = "stopped"
	ExperimentArchived  ExperimentStatus = "archived"
)

// MetricAggregate holds Welford running statistics for one metric of one
// variant: count, mean, and the sum of squared deviations (M2).
type MetricAggregate struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
}

// Add folds one observation into the aggregate. Welford's update keeps the
// variance numerically stable without re-scanning samples.
func (a *MetricAggregate) Add(x float64) {
	a.Count++
	delta := x - a.Mean
	a.Mean += delta / float64(a.Count)
	a.M2 += delta * (x - a.Mean)
}

// Variance returns the sample variance, or 0 with fewer than two samples.
func (a *MetricAggregate) Variance() float64 {
	if a.Count < 2 {
		return 0
	}
	return a.M2 / float64(a.Count-1)
}

type ExperimentMetric struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight,omitempty"`
}

// VariantAggregates maps metric name to its running aggregate.
type VariantAggregates map[string]*MetricAggregate

type Experiment struct {
	ID              uuid.UUID          `json:"experiment_id"`
	Name            string             `json:"name"`
	VariantA        string             `json:"variant_a"`     // agent ID
	VariantB        string             `json:"variant_b"`     // agent ID
	TrafficSplit    float64            `json:"traffic_split"` // probability of B
	MinSamples      int                `json:"min_samples"`
	ConfidenceLevel float64            `json:"confidence_level"`
	Metrics         []ExperimentMetric `json:"metrics"`
	Status          ExperimentStatus   `json:"status"`
	Winner          string             `json:"winner,omitempty"` // "variant_a" or "variant_b"

	AggregatesA VariantAggregates `json:"aggregates_a"`
	AggregatesB VariantAggregates `json:"aggregates_b"`

	CreatedAt time.Time  `json:"created_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// VariantAssignment records a deterministic assignment for audit. The
// variant is recomputable from the hash alone; the row exists so sample
// membership can be inspected after the fact.
type VariantAssignment struct {
	ExperimentID uuid.UUID `json:"experiment_id"`
	TaskID       uuid.UUID `json:"task_id"`
	Variant      string    `json:"variant"`
	AgentID      string    `json:"agent_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// FlowTrace is the computed adherence comparison for one task.
type FlowTrace struct {
	TaskID          uuid.UUID `json:"task_id"`
	ExpectedFlow    []string  `json:"expected_flow"`
	ActualFlow      []string  `json:"actual_flow"`
	AdherenceScore  float64   `json:"adherence_score"`
	MissingSteps    []string  `json:"missing_steps"`
	ExtraSteps      []string  `json:"extra_steps"`
	SequenceCorrect bool      `json:"sequence_correct"`
	Deviations      int       `json:"deviations"`
	CreatedAt       time.Time `json:"created_at"`
}

type Stats struct {
	TotalSubmitted  int     `json:"total_submitted"`
	TotalRunning    int     `json:"total_running"`
	TotalCompleted  int     `json:"total_completed"`
	TotalFailed     int     `json:"total_failed"`
	TotalCancelled  int     `json:"total_cancelled"`
	AvgCompletionMs float64 `json:"avg_completion_ms"`
}

type Store interface {
	// CreateTask persists the task under task.ID, generating an ID only
	// when the caller left it unset. Rows in other tables may already
	// reference the caller's ID.
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	UpdateTask(ctx context.Context, task *Task) error

	CreateEvaluation(ctx context.Context, rec *EvaluationRecord) error
	GetEvaluation(ctx context.Context, id uuid.UUID) (*EvaluationRecord, error)
	ListEvaluationsForAgent(ctx context.Context, agentID string, limit int) ([]*EvaluationRecord, error)
	ListEvaluationsForTask(ctx context.Context, taskID uuid.UUID) ([]*EvaluationRecord, error)

	CreateExperiment(ctx context.Context, exp *Experiment) error
	GetExperiment(ctx context.Context, id uuid.UUID) (*Experiment, error)
	UpdateExperiment(ctx context.Context, exp *Experiment) error
	ListExperiments(ctx context.Context, status *ExperimentStatus) ([]*Experiment, error)

	CreateAssignment(ctx context.Context, a *VariantAssignment) error
	GetAssignment(ctx context.Context, experimentID, taskID uuid.UUID) (*VariantAssignment, error)

	CreateFlowTrace(ctx context.Context, trace *FlowTrace) error
	GetFlowTrace(ctx context.Context, taskID uuid.UUID) (*FlowTrace, error)

	GetStats(ctx context.Context) (*Stats, error)

	Close() error
}
