package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const taskColumns = `task_id, description, capabilities, strategy, owner, session_id,
	experiment_id, variant,
	status, assigned_agent,
	created_at, assigned_at, started_at, completed_at, updated_at,
	result, error,
	retry_count, max_retries, timeout_seconds`

func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
	// The caller's ID is authoritative: variant assignments recorded
	// before the insert are already keyed to it.
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	resultJSON, _ := json.Marshal(task.Result)

	return s.pool.QueryRow(ctx, `
		INSERT INTO router_tasks (task_id, description, capabilities, strategy, owner, session_id,
			experiment_id, variant, status, assigned_agent,
			result, error, retry_count, max_retries, timeout_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`,
		task.ID, task.Description, task.Capabilities, task.Strategy, task.Owner, task.SessionID,
		task.ExperimentID, task.Variant, task.Status, task.AssignedAgent,
		resultJSON, task.Error, task.RetryCount, task.MaxRetries, task.TimeoutSeconds,
	).Scan(&task.CreatedAt, &task.UpdatedAt)
}

func (s *PostgresStore) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM router_tasks WHERE task_id = $1`, id)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM router_tasks WHERE 1=1`
	args := []interface{}{}
	n := 0

	if filter.Status != nil {
		n++
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(*filter.Status))
	}
	if filter.Owner != "" {
		n++
		query += fmt.Sprintf(" AND owner = $%d", n)
		args = append(args, filter.Owner)
	}
	if filter.Agent != "" {
		n++
		query += fmt.Sprintf(" AND assigned_agent = $%d", n)
		args = append(args, filter.Agent)
	}
	if filter.Session != "" {
		n++
		query += fmt.Sprintf(" AND session_id = $%d", n)
		args = append(args, filter.Session)
	}

	query += " ORDER BY created_at ASC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	n++
	query += fmt.Sprintf(" LIMIT $%d", n)
	args = append(args, limit)

	if filter.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task *Task) error {
	resultJSON, _ := json.Marshal(task.Result)

	_, err := s.pool.Exec(ctx, `
		UPDATE router_tasks SET
			description = $2, capabilities = $3, strategy = $4, owner = $5, session_id = $6,
			experiment_id = $7, variant = $8,
			status = $9, assigned_agent = $10,
			assigned_at = $11, started_at = $12, completed_at = $13, updated_at = now(),
			result = $14, error = $15,
			retry_count = $16, max_retries = $17, timeout_seconds = $18
		WHERE task_id = $1`,
		task.ID, task.Description, task.Capabilities, task.Strategy, task.Owner, task.SessionID,
		task.ExperimentID, task.Variant,
		task.Status, task.AssignedAgent,
		task.AssignedAt, task.StartedAt, task.CompletedAt,
		resultJSON, task.Error,
		task.RetryCount, task.MaxRetries, task.TimeoutSeconds,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var resultJSON []byte
	var assignedAgent, taskError, strategy, sessionID, variant sql.NullString
	err := row.Scan(
		&t.ID, &t.Description, &t.Capabilities, &strategy, &t.Owner, &sessionID,
		&t.ExperimentID, &variant,
		&t.Status, &assignedAgent,
		&t.CreatedAt, &t.AssignedAt, &t.StartedAt, &t.CompletedAt, &t.UpdatedAt,
		&resultJSON, &taskError,
		&t.RetryCount, &t.MaxRetries, &t.TimeoutSeconds,
	)
	if err != nil {
		return nil, err
	}
	if strategy.Valid {
		t.Strategy = strategy.String
	}
	if sessionID.Valid {
		t.SessionID = sessionID.String
	}
	if variant.Valid {
		t.Variant = variant.String
	}
	if assignedAgent.Valid {
		t.AssignedAgent = assignedAgent.String
	}
	if taskError.Valid {
		t.Error = taskError.String
	}
	if resultJSON != nil {
		_ = json.Unmarshal(resultJSON, &t.Result)
	}
	return t, nil
}

// --- Evaluations (append-only) ---

func (s *PostgresStore) CreateEvaluation(ctx context.Context, rec *EvaluationRecord) error {
	scoresJSON, _ := json.Marshal(rec.Scores)
	return s.pool.QueryRow(ctx, `
		INSERT INTO router_evaluations (agent_id, task_id, template, scores, aggregate_score, passed, feedback)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING eval_id, created_at`,
		rec.AgentID, rec.TaskID, rec.Template, scoresJSON, rec.AggregateScore, rec.Passed, rec.Feedback,
	).Scan(&rec.ID, &rec.CreatedAt)
}

const evalColumns = `eval_id, agent_id, task_id, template, scores, aggregate_score, passed, feedback, created_at`

func (s *PostgresStore) GetEvaluation(ctx context.Context, id uuid.UUID) (*EvaluationRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+evalColumns+` FROM router_evaluations WHERE eval_id = $1`, id)
	rec, err := scanEvaluation(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) ListEvaluationsForAgent(ctx context.Context, agentID string, limit int) ([]*EvaluationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	// Served by the (agent_id, created_at) index.
	rows, err := s.pool.Query(ctx, `
		SELECT `+evalColumns+` FROM router_evaluations
		WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvaluations(rows)
}

func (s *PostgresStore) ListEvaluationsForTask(ctx context.Context, taskID uuid.UUID) ([]*EvaluationRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+evalColumns+` FROM router_evaluations
		WHERE task_id = $1 ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvaluations(rows)
}

func scanEvaluation(row rowScanner) (*EvaluationRecord, error) {
	rec := &EvaluationRecord{}
	var scoresJSON []byte
	var feedback sql.NullString
	err := row.Scan(&rec.ID, &rec.AgentID, &rec.TaskID, &rec.Template, &scoresJSON,
		&rec.AggregateScore, &rec.Passed, &feedback, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if feedback.Valid {
		rec.Feedback = feedback.String
	}
	if scoresJSON != nil {
		_ = json.Unmarshal(scoresJSON, &rec.Scores)
	}
	return rec, nil
}

func scanEvaluations(rows pgx.Rows) ([]*EvaluationRecord, error) {
	var out []*EvaluationRecord
	for rows.Next() {
		rec, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Experiments ---

const experimentColumns = `experiment_id, name, variant_a, variant_b, traffic_split,
	min_samples, confidence_level, metrics, status, winner,
	aggregates_a, aggregates_b, created_at, stopped_at`

func (s *PostgresStore) CreateExperiment(ctx context.Context, exp *Experiment) error {
	metricsJSON, _ := json.Marshal(exp.Metrics)
	aggAJSON, _ := json.Marshal(exp.AggregatesA)
	aggBJSON, _ := json.Marshal(exp.AggregatesB)
	return s.pool.QueryRow(ctx, `
		INSERT INTO router_experiments (name, variant_a, variant_b, traffic_split,
			min_samples, confidence_level, metrics, status, winner, aggregates_a, aggregates_b)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING experiment_id, created_at`,
		exp.Name, exp.VariantA, exp.VariantB, exp.TrafficSplit,
		exp.MinSamples, exp.ConfidenceLevel, metricsJSON, exp.Status, exp.Winner, aggAJSON, aggBJSON,
	).Scan(&exp.ID, &exp.CreatedAt)
}

func (s *PostgresStore) GetExperiment(ctx context.Context, id uuid.UUID) (*Experiment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+experimentColumns+` FROM router_experiments WHERE experiment_id = $1`, id)
	exp, err := scanExperiment(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return exp, nil
}

func (s *PostgresStore) UpdateExperiment(ctx context.Context, exp *Experiment) error {
	metricsJSON, _ := json.Marshal(exp.Metrics)
	aggAJSON, _ := json.Marshal(exp.AggregatesA)
	aggBJSON, _ := json.Marshal(exp.AggregatesB)
	_, err := s.pool.Exec(ctx, `
		UPDATE router_experiments SET
			name = $2, variant_a = $3, variant_b = $4, traffic_split = $5,
			min_samples = $6, confidence_level = $7, metrics = $8,
			status = $9, winner = $10, aggregates_a = $11, aggregates_b = $12, stopped_at = $13
		WHERE experiment_id = $1`,
		exp.ID, exp.Name, exp.VariantA, exp.VariantB, exp.TrafficSplit,
		exp.MinSamples, exp.ConfidenceLevel, metricsJSON,
		exp.Status, exp.Winner, aggAJSON, aggBJSON, exp.StoppedAt,
	)
	return err
}

func (s *PostgresStore) ListExperiments(ctx context.Context, status *ExperimentStatus) ([]*Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM router_experiments`
	args := []interface{}{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

func scanExperiment(row rowScanner) (*Experiment, error) {
	exp := &Experiment{}
	var metricsJSON, aggAJSON, aggBJSON []byte
	var winner sql.NullString
	err := row.Scan(&exp.ID, &exp.Name, &exp.VariantA, &exp.VariantB, &exp.TrafficSplit,
		&exp.MinSamples, &exp.ConfidenceLevel, &metricsJSON, &exp.Status, &winner,
		&aggAJSON, &aggBJSON, &exp.CreatedAt, &exp.StoppedAt)
	if err != nil {
		return nil, err
	}
	if winner.Valid {
		exp.Winner = winner.String
	}
	if metricsJSON != nil {
		_ = json.Unmarshal(metricsJSON, &exp.Metrics)
	}
	if aggAJSON != nil {
		_ = json.Unmarshal(aggAJSON, &exp.AggregatesA)
	}
	if aggBJSON != nil {
		_ = json.Unmarshal(aggBJSON, &exp.AggregatesB)
	}
	return exp, nil
}

// --- Variant assignments (audit) ---

func (s *PostgresStore) CreateAssignment(ctx context.Context, a *VariantAssignment) error {
	// Re-assignment of the same (experiment, task) is idempotent.
	return s.pool.QueryRow(ctx, `
		INSERT INTO router_assignments (experiment_id, task_id, variant, agent_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (experiment_id, task_id) DO UPDATE SET variant = router_assignments.variant
		RETURNING created_at`,
		a.ExperimentID, a.TaskID, a.Variant, a.AgentID,
	).Scan(&a.CreatedAt)
}

func (s *PostgresStore) GetAssignment(ctx context.Context, experimentID, taskID uuid.UUID) (*VariantAssignment, error) {
	a := &VariantAssignment{}
	err := s.pool.QueryRow(ctx, `
		SELECT experiment_id, task_id, variant, agent_id, created_at
		FROM router_assignments WHERE experiment_id = $1 AND task_id = $2`,
		experimentID, taskID,
	).Scan(&a.ExperimentID, &a.TaskID, &a.Variant, &a.AgentID, &a.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// --- Flow traces ---

func (s *PostgresStore) CreateFlowTrace(ctx context.Context, trace *FlowTrace) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO router_flow_traces (task_id, expected_flow, actual_flow,
			adherence_score, missing_steps, extra_steps, sequence_correct, deviations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id) DO UPDATE SET task_id = router_flow_traces.task_id
		RETURNING created_at`,
		trace.TaskID, trace.ExpectedFlow, trace.ActualFlow,
		trace.AdherenceScore, trace.MissingSteps, trace.ExtraSteps, trace.SequenceCorrect, trace.Deviations,
	).Scan(&trace.CreatedAt)
}

func (s *PostgresStore) GetFlowTrace(ctx context.Context, taskID uuid.UUID) (*FlowTrace, error) {
	f := &FlowTrace{}
	err := s.pool.QueryRow(ctx, `
		SELECT task_id, expected_flow, actual_flow, adherence_score,
			missing_steps, extra_steps, sequence_correct, deviations, created_at
		FROM router_flow_traces WHERE task_id = $1`, taskID,
	).Scan(&f.TaskID, &f.ExpectedFlow, &f.ActualFlow, &f.AdherenceScore,
		&f.MissingSteps, &f.ExtraSteps, &f.SequenceCorrect, &f.Deviations, &f.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status IN ('submitted','assigned') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - assigned_at)) * 1000) FILTER (WHERE status = 'completed' AND completed_at IS NOT NULL AND assigned_at IS NOT NULL), 0)
		FROM router_tasks`,
	).Scan(&stats.TotalSubmitted, &stats.TotalRunning, &stats.TotalCompleted,
		&stats.TotalFailed, &stats.TotalCancelled, &stats.AvgCompletionMs)
	return stats, err
}
