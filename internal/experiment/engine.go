package experiment

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/switchyardhq/switchyard/internal/events"
	"github.com/switchyardhq/switchyard/internal/store"
)

const (
	VariantA = "variant_a"
	VariantB = "variant_b"
)

var (
	ErrExperimentNotFound  = errors.New("experiment not found")
	ErrExperimentNotActive = errors.New("experiment is not active")
	ErrTaskNotAssigned     = errors.New("task has no variant assignment")
)

// Config controls engine behavior beyond what each experiment carries.
type Config struct {
	// AutoComplete finishes an experiment on its own once both variants
	// reach min_samples and the primary metric is significant. Off by
	// default; stopping is normally an explicit operation.
	AutoComplete bool
}

// Engine owns experiment lifecycle, deterministic variant assignment, and
// the running aggregates both variants accumulate. Aggregate updates for
// one experiment serialize on a per-experiment lock so concurrent
// evaluations cannot interleave a Welford update.
type Engine struct {
	store  store.Store
	events events.Client
	logger *slog.Logger
	cfg    Config

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// NewEngine builds an experiment engine. ev may be nil to run without
// lifecycle events.
func NewEngine(st store.Store, cfg Config, ev events.Client, logger *slog.Logger) *Engine {
	return &Engine{
		store:  st,
		events: ev,
		logger: logger,
		cfg:    cfg,
		locks:  make(map[uuid.UUID]*sync.Mutex),
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

func (e *Engine) lockFor(id uuid.UUID) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[id] = mu
	}
	return mu
}

// Create validates and persists a new experiment in active status.
func (e *Engine) Create(ctx context.Context, exp *store.Experiment) error {
	if exp.VariantA == "" || exp.VariantB == "" {
		return fmt.Errorf("both variant agents are required")
	}
	if exp.VariantA == exp.VariantB {
		return fmt.Errorf("variant agents must differ")
	}
	if exp.TrafficSplit < 0 || exp.TrafficSplit > 1 {
		return fmt.Errorf("traffic_split must be within [0, 1], got %v", exp.TrafficSplit)
	}
	if exp.MinSamples <= 0 {
		exp.MinSamples = 100
	}
	if exp.ConfidenceLevel == 0 {
		exp.ConfidenceLevel = 0.95
	}
	if exp.ConfidenceLevel <= 0 || exp.ConfidenceLevel >= 1 {
		return fmt.Errorf("confidence_level must be within (0, 1), got %v", exp.ConfidenceLevel)
	}
	if len(exp.Metrics) == 0 {
		exp.Metrics = []store.ExperimentMetric{{Name: "quality_score", Weight: 1}}
	}

	if exp.ID == uuid.Nil {
		exp.ID = uuid.New()
	}
	exp.Status = store.ExperimentActive
	exp.AggregatesA = make(store.VariantAggregates)
	exp.AggregatesB = make(store.VariantAggregates)
	for _, m := range exp.Metrics {
		exp.AggregatesA[m.Name] = &store.MetricAggregate{}
		exp.AggregatesB[m.Name] = &store.MetricAggregate{}
	}

	if err := e.store.CreateExperiment(ctx, exp); err != nil {
		return fmt.Errorf("create experiment: %w", err)
	}
	e.publish(events.SubjectExperimentCreated(exp.ID.String()), events.ExperimentEvent{
		ExperimentID: exp.ID.String(),
		Name:         exp.Name,
		Status:       string(exp.Status),
	})
	e.logger.Info("experiment created", "experiment_id", exp.ID, "name", exp.Name,
		"variant_a", exp.VariantA, "variant_b", exp.VariantB, "traffic_split", exp.TrafficSplit)
	return nil
}

func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*store.Experiment, error) {
	exp, err := e.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, ErrExperimentNotFound
	}
	return exp, nil
}

func (e *Engine) List(ctx context.Context, status *store.ExperimentStatus) ([]*store.Experiment, error) {
	return e.store.ListExperiments(ctx, status)
}

// Assign maps a task to a variant deterministically: the same experiment
// and task always land on the same variant, with no stored state needed to
// recompute it. The assignment row is persisted for audit.
func (e *Engine) Assign(ctx context.Context, experimentID, taskID uuid.UUID) (*store.VariantAssignment, error) {
	exp, err := e.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Status != store.ExperimentActive {
		return nil, fmt.Errorf("%w: status %s", ErrExperimentNotActive, exp.Status)
	}

	if existing, err := e.store.GetAssignment(ctx, experimentID, taskID); err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	variant := VariantA
	agentID := exp.VariantA
	if hashFraction(experimentID, taskID) < exp.TrafficSplit {
		variant = VariantB
		agentID = exp.VariantB
	}

	assignment := &store.VariantAssignment{
		ExperimentID: experimentID,
		TaskID:       taskID,
		Variant:      variant,
		AgentID:      agentID,
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.store.CreateAssignment(ctx, assignment); err != nil {
		return nil, fmt.Errorf("create assignment: %w", err)
	}
	return assignment, nil
}

// hashFraction maps (experiment, task) to a uniform value in [0, 1). The
// hash input includes both IDs so two experiments split the same task
// stream independently.
func hashFraction(experimentID, taskID uuid.UUID) float64 {
	sum := sha256.Sum256([]byte(experimentID.String() + ":" + taskID.String()))
	v := binary.BigEndian.Uint64(sum[:8])
	// Keep 53 bits so the quotient stays strictly below 1.
	return float64(v>>11) / (1 << 53)
}

// RecordEvaluation folds metric observations from one evaluated task into
// the task's assigned variant. Observations against a non-active
// experiment are rejected so a stopped experiment's results stay frozen.
func (e *Engine) RecordEvaluation(ctx context.Context, experimentID, taskID uuid.UUID, metrics map[string]float64) error {
	mu := e.lockFor(experimentID)
	mu.Lock()
	defer mu.Unlock()

	exp, err := e.Get(ctx, experimentID)
	if err != nil {
		return err
	}
	if exp.Status != store.ExperimentActive {
		return fmt.Errorf("%w: status %s", ErrExperimentNotActive, exp.Status)
	}

	assignment, err := e.store.GetAssignment(ctx, experimentID, taskID)
	if err != nil {
		return fmt.Errorf("get assignment: %w", err)
	}
	if assignment == nil {
		return fmt.Errorf("%w: task %s", ErrTaskNotAssigned, taskID)
	}

	aggregates := exp.AggregatesA
	if assignment.Variant == VariantB {
		aggregates = exp.AggregatesB
	}
	for _, m := range exp.Metrics {
		value, ok := metrics[m.Name]
		if !ok {
			continue
		}
		agg, ok := aggregates[m.Name]
		if !ok {
			agg = &store.MetricAggregate{}
			aggregates[m.Name] = agg
		}
		agg.Add(value)
	}

	if e.cfg.AutoComplete {
		e.maybeComplete(exp)
	}
	if err := e.store.UpdateExperiment(ctx, exp); err != nil {
		return fmt.Errorf("update experiment: %w", err)
	}
	return nil
}

// maybeComplete finishes the experiment when both variants reached
// min_samples and the primary metric is significant.
func (e *Engine) maybeComplete(exp *store.Experiment) {
	res := e.analyze(exp)
	if !res.MinSamplesReached || !res.Significant {
		return
	}
	now := time.Now().UTC()
	exp.Status = store.ExperimentCompleted
	exp.Winner = res.Winner
	exp.StoppedAt = &now
	e.publish(events.SubjectExperimentCompleted(exp.ID.String()), events.ExperimentEvent{
		ExperimentID: exp.ID.String(),
		Name:         exp.Name,
		Status:       string(exp.Status),
		Winner:       exp.Winner,
	})
	e.logger.Info("experiment auto-completed", "experiment_id", exp.ID, "winner", exp.Winner)
}

// MetricResult is the per-metric comparison between the two variants.
type MetricResult struct {
	Metric      string  `json:"metric"`
	MeanA       float64 `json:"mean_a"`
	MeanB       float64 `json:"mean_b"`
	StdDevA     float64 `json:"std_dev_a"`
	StdDevB     float64 `json:"std_dev_b"`
	SamplesA    int64   `json:"samples_a"`
	SamplesB    int64   `json:"samples_b"`
	TTest       TTest   `json:"t_test"`
	Significant bool    `json:"significant"`
}

// Results is the full statistical readout for one experiment.
type Results struct {
	ExperimentID      uuid.UUID              `json:"experiment_id"`
	Status            store.ExperimentStatus `json:"status"`
	Confidence        float64                `json:"confidence"`
	Metrics           []MetricResult         `json:"metrics"`
	MinSamplesReached bool                   `json:"min_samples_reached"`
	Significant       bool                   `json:"significant"`
	Winner            string                 `json:"winner,omitempty"`
	Recommendation    string                 `json:"recommendation"`
}

// Results computes the current comparison. It is read-only and safe to
// call at any lifecycle stage; before min_samples the readout reports
// insufficient data instead of a winner.
func (e *Engine) Results(ctx context.Context, experimentID uuid.UUID) (*Results, error) {
	mu := e.lockFor(experimentID)
	mu.Lock()
	defer mu.Unlock()

	exp, err := e.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	res := e.analyze(exp)
	return &res, nil
}

func (e *Engine) analyze(exp *store.Experiment) Results {
	alpha := 1 - exp.ConfidenceLevel

	res := Results{
		ExperimentID:      exp.ID,
		Status:            exp.Status,
		Confidence:        exp.ConfidenceLevel,
		MinSamplesReached: true,
	}

	primary := primaryMetric(exp.Metrics)
	for _, m := range exp.Metrics {
		aggA := exp.AggregatesA[m.Name]
		aggB := exp.AggregatesB[m.Name]
		if aggA == nil {
			aggA = &store.MetricAggregate{}
		}
		if aggB == nil {
			aggB = &store.MetricAggregate{}
		}

		tt := welchTTest(aggA.Mean, aggA.Variance(), aggA.Count, aggB.Mean, aggB.Variance(), aggB.Count)
		mr := MetricResult{
			Metric:      m.Name,
			MeanA:       aggA.Mean,
			MeanB:       aggB.Mean,
			StdDevA:     math.Sqrt(aggA.Variance()),
			StdDevB:     math.Sqrt(aggB.Variance()),
			SamplesA:    aggA.Count,
			SamplesB:    aggB.Count,
			TTest:       tt,
			Significant: tt.Defined && tt.PValue < alpha,
		}
		res.Metrics = append(res.Metrics, mr)

		if aggA.Count < int64(exp.MinSamples) || aggB.Count < int64(exp.MinSamples) {
			res.MinSamplesReached = false
		}
	}

	for _, mr := range res.Metrics {
		if mr.Metric != primary {
			continue
		}
		res.Significant = res.MinSamplesReached && mr.Significant
		if res.Significant {
			res.Winner = VariantA
			if mr.MeanB > mr.MeanA {
				res.Winner = VariantB
			}
		}
	}

	switch {
	case exp.Status == store.ExperimentCompleted || exp.Status == store.ExperimentStopped:
		if exp.Winner != "" {
			res.Winner = exp.Winner
			res.Significant = true
			res.Recommendation = fmt.Sprintf("experiment finished; %s won on %q", exp.Winner, primary)
		} else {
			res.Recommendation = "experiment finished without a significant difference"
		}
	case !res.MinSamplesReached:
		res.Significant = false
		res.Winner = ""
		res.Recommendation = fmt.Sprintf("insufficient data; both variants need at least %d samples", exp.MinSamples)
	case res.Significant:
		res.Recommendation = fmt.Sprintf("%s is significantly better on %q; consider stopping", res.Winner, primary)
	default:
		res.Recommendation = "no significant difference detected yet"
	}
	return res
}

// primaryMetric is the metric the winner decision rides on: the highest
// weight, first listed on ties.
func primaryMetric(metrics []store.ExperimentMetric) string {
	if len(metrics) == 0 {
		return ""
	}
	best := metrics[0]
	for _, m := range metrics[1:] {
		if m.Weight > best.Weight {
			best = m
		}
	}
	return best.Name
}

// Stop ends an active experiment. If the data already supports a winner it
// is recorded; otherwise the experiment stops without one. Aggregates are
// frozen either way.
func (e *Engine) Stop(ctx context.Context, experimentID uuid.UUID) (*store.Experiment, error) {
	mu := e.lockFor(experimentID)
	mu.Lock()
	defer mu.Unlock()

	exp, err := e.Get(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	if exp.Status != store.ExperimentActive {
		return nil, fmt.Errorf("%w: status %s", ErrExperimentNotActive, exp.Status)
	}

	res := e.analyze(exp)
	now := time.Now().UTC()
	exp.Status = store.ExperimentStopped
	exp.StoppedAt = &now
	if res.Significant {
		exp.Winner = res.Winner
	}
	if err := e.store.UpdateExperiment(ctx, exp); err != nil {
		return nil, fmt.Errorf("update experiment: %w", err)
	}
	e.publish(events.SubjectExperimentStopped(exp.ID.String()), events.ExperimentEvent{
		ExperimentID: exp.ID.String(),
		Name:         exp.Name,
		Status:       string(exp.Status),
		Winner:       exp.Winner,
	})
	e.logger.Info("experiment stopped", "experiment_id", exp.ID, "winner", exp.Winner,
		"significant", res.Significant)
	return exp, nil
}
