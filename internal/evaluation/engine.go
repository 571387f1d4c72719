// Package evaluation scores agent responses against named templates and
// persists the results as an append-only record stream.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchyardhq/switchyard/internal/events"
	"github.com/switchyardhq/switchyard/internal/experiment"
	"github.com/switchyardhq/switchyard/internal/store"
)

// MaxBatchSize caps one batch request. Larger batches must be split by
// the caller.
const MaxBatchSize = 50

var (
	ErrUnknownTemplate = errors.New("unknown evaluation template")
	ErrBatchTooLarge   = errors.New("batch exceeds maximum size")
	ErrEmptyBatch      = errors.New("batch is empty")
)

// TemplateMetric binds a named metric to its scorer and weight within a
// template.
type TemplateMetric struct {
	Name   string
	Weight float64
	Score  ScoreFunc
}

// Template defines which metrics an evaluation computes and the aggregate
// score below which it fails.
type Template struct {
	Name          string
	Metrics       []TemplateMetric
	PassThreshold float64
}

func builtinTemplates() map[string]Template {
	return map[string]Template{
		"accuracy": {
			Name:          "accuracy",
			PassThreshold: 0.7,
			Metrics: []TemplateMetric{
				{Name: "accuracy", Weight: 0.7, Score: scoreAccuracy},
				{Name: "relevance", Weight: 0.3, Score: scoreRelevance},
			},
		},
		"relevance": {
			Name:          "relevance",
			PassThreshold: 0.6,
			Metrics: []TemplateMetric{
				{Name: "relevance", Weight: 1, Score: scoreRelevance},
			},
		},
		"coherence": {
			Name:          "coherence",
			PassThreshold: 0.6,
			Metrics: []TemplateMetric{
				{Name: "coherence", Weight: 1, Score: scoreCoherence},
			},
		},
		"hallucination": {
			Name:          "hallucination",
			PassThreshold: 0.7,
			Metrics: []TemplateMetric{
				{Name: "hallucination", Weight: 0.6, Score: scoreHallucination},
				{Name: "relevance", Weight: 0.4, Score: scoreRelevance},
			},
		},
		"quality": {
			Name:          "quality",
			PassThreshold: 0.7,
			Metrics: []TemplateMetric{
				{Name: "accuracy", Weight: 0.4, Score: scoreAccuracy},
				{Name: "relevance", Weight: 0.2, Score: scoreRelevance},
				{Name: "coherence", Weight: 0.2, Score: scoreCoherence},
				{Name: "hallucination", Weight: 0.2, Score: scoreHallucination},
			},
		},
	}
}

// Request is one evaluation to perform.
type Request struct {
	TaskID    uuid.UUID `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Template  string    `json:"template"`
	Prompt    string    `json:"prompt"`
	Context   string    `json:"context,omitempty"`
	Response  string    `json:"response"`
	Reference string    `json:"reference,omitempty"`
	Feedback  string    `json:"feedback,omitempty"`
}

// BatchItem is the per-request outcome inside a batch: either a record or
// an error, never both.
type BatchItem struct {
	Index  int                     `json:"index"`
	Record *store.EvaluationRecord `json:"record,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

// Engine runs evaluations. The template table is guarded by a mutex so
// custom templates can be registered at runtime.
type Engine struct {
	store       store.Store
	experiments *experiment.Engine
	events      events.Client
	logger      *slog.Logger

	templatesMu sync.RWMutex
	templates   map[string]Template
}

// NewEngine builds an evaluation engine. experiments may be nil when no
// experiment integration is wanted; ev may be nil to run without events.
func NewEngine(st store.Store, experiments *experiment.Engine, ev events.Client, logger *slog.Logger) *Engine {
	return &Engine{
		store:       st,
		experiments: experiments,
		events:      ev,
		logger:      logger,
		templates:   builtinTemplates(),
	}
}

func (e *Engine) publish(subject string, data interface{}) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(subject, data); err != nil {
		e.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}

// RegisterTemplate adds or replaces a template. Weights must be positive
// and every metric needs a scorer.
func (e *Engine) RegisterTemplate(t Template) error {
	if t.Name == "" {
		return fmt.Errorf("template name is required")
	}
	if len(t.Metrics) == 0 {
		return fmt.Errorf("template %q has no metrics", t.Name)
	}
	for _, m := range t.Metrics {
		if m.Score == nil {
			return fmt.Errorf("template %q metric %q has no scorer", t.Name, m.Name)
		}
		if m.Weight <= 0 {
			return fmt.Errorf("template %q metric %q has non-positive weight", t.Name, m.Name)
		}
	}
	e.templatesMu.Lock()
	e.templates[t.Name] = t
	e.templatesMu.Unlock()
	return nil
}

func (e *Engine) Template(name string) (Template, bool) {
	e.templatesMu.RLock()
	defer e.templatesMu.RUnlock()
	t, ok := e.templates[name]
	return t, ok
}

func (e *Engine) TemplateNames() []string {
	e.templatesMu.RLock()
	defer e.templatesMu.RUnlock()
	names := make([]string, 0, len(e.templates))
	for name := range e.templates {
		names = append(names, name)
	}
	return names
}

// Evaluate scores one response and persists the record. The record is
// written before any experiment aggregate is touched so a crash in
// between leaves a re-derivable record rather than a phantom sample.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*store.EvaluationRecord, error) {
	templateName := req.Template
	if templateName == "" {
		templateName = "quality"
	}
	tmpl, ok := e.Template(templateName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, templateName)
	}
	if req.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}

	in := Input{Prompt: req.Prompt, Context: req.Context, Response: req.Response, Reference: req.Reference}
	scores := make(map[string]float64, len(tmpl.Metrics))
	var weighted, totalWeight float64
	for _, m := range tmpl.Metrics {
		s := clamp01(m.Score(in))
		scores[m.Name] = s
		weighted += s * m.Weight
		totalWeight += m.Weight
	}
	aggregate := weighted / totalWeight

	rec := &store.EvaluationRecord{
		ID:             uuid.New(),
		AgentID:        req.AgentID,
		TaskID:         req.TaskID,
		Template:       tmpl.Name,
		Scores:         scores,
		AggregateScore: aggregate,
		Passed:         aggregate >= tmpl.PassThreshold,
		Feedback:       req.Feedback,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.CreateEvaluation(ctx, rec); err != nil {
		return nil, fmt.Errorf("create evaluation: %w", err)
	}

	e.recordToExperiment(ctx, rec)

	e.publish(events.SubjectEvaluationRecorded(rec.ID.String()), events.EvaluationRecordedEvent{
		EvalID:         rec.ID.String(),
		AgentID:        rec.AgentID,
		TaskID:         taskIDString(rec.TaskID),
		Template:       rec.Template,
		AggregateScore: rec.AggregateScore,
		Passed:         rec.Passed,
	})
	e.logger.Info("evaluation recorded", "eval_id", rec.ID, "agent_id", rec.AgentID,
		"template", rec.Template, "aggregate_score", rec.AggregateScore, "passed", rec.Passed)
	return rec, nil
}

func taskIDString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

// recordToExperiment folds the scores into the task's experiment when the
// task is pinned to one. Failures here are logged, not returned: the
// evaluation record already exists and aggregates can be rebuilt from it.
func (e *Engine) recordToExperiment(ctx context.Context, rec *store.EvaluationRecord) {
	if e.experiments == nil || rec.TaskID == uuid.Nil {
		return
	}
	task, err := e.store.GetTask(ctx, rec.TaskID)
	if err != nil || task == nil || task.ExperimentID == nil {
		return
	}

	metrics := make(map[string]float64, len(rec.Scores)+1)
	for name, v := range rec.Scores {
		metrics[name] = v
	}
	metrics["quality_score"] = rec.AggregateScore

	if err := e.experiments.RecordEvaluation(ctx, *task.ExperimentID, rec.TaskID, metrics); err != nil {
		e.logger.Warn("failed to record evaluation to experiment",
			"experiment_id", *task.ExperimentID, "task_id", rec.TaskID, "error", err)
	}
}

// EvaluateBatch runs up to MaxBatchSize evaluations with partial success:
// one bad item reports its error in place without failing the rest.
func (e *Engine) EvaluateBatch(ctx context.Context, reqs []Request) ([]BatchItem, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(reqs), MaxBatchSize)
	}

	items := make([]BatchItem, len(reqs))
	for i, req := range reqs {
		rec, err := e.Evaluate(ctx, req)
		items[i] = BatchItem{Index: i, Record: rec}
		if err != nil {
			items[i].Record = nil
			items[i].Error = err.Error()
		}
	}
	return items, nil
}

func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*store.EvaluationRecord, error) {
	return e.store.GetEvaluation(ctx, id)
}

func (e *Engine) ListForAgent(ctx context.Context, agentID string, limit int) ([]*store.EvaluationRecord, error) {
	return e.store.ListEvaluationsForAgent(ctx, agentID, limit)
}

func (e *Engine) ListForTask(ctx context.Context, taskID uuid.UUID) ([]*store.EvaluationRecord, error) {
	return e.store.ListEvaluationsForTask(ctx, taskID)
}
