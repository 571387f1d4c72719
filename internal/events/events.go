package events

import "time"

type TaskSubmittedEvent struct {
	TaskID       string   `json:"task_id"`
	Capabilities []string `json:"capabilities,omitempty"`
	Strategy     string   `json:"strategy,omitempty"`
	Owner        string   `json:"owner,omitempty"`
	ExperimentID string   `json:"experiment_id,omitempty"`
}

type TaskAssignedEvent struct {
	TaskID        string `json:"task_id"`
	AssignedAgent string `json:"assigned_agent"`
	Strategy      string `json:"strategy"`
	Variant       string `json:"variant,omitempty"`
}

type TaskCompletedEvent struct {
	TaskID    string                 `json:"task_id"`
	AgentID   string                 `json:"agent_id"`
	Result    map[string]interface{} `json:"result,omitempty"`
	LatencyMs int64                  `json:"latency_ms"`
}

type TaskFailedEvent struct {
	TaskID        string `json:"task_id"`
	AgentID       string `json:"agent_id,omitempty"`
	Error         string `json:"error"`
	RetryEligible bool   `json:"retry_eligible"`
}

type TaskRetryEvent struct {
	TaskID     string `json:"task_id"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	PrevAgent  string `json:"prev_agent,omitempty"`
}

type TaskCancelledEvent struct {
	TaskID string `json:"task_id"`
}

type BreakerEvent struct {
	AgentID string `json:"agent_id"`
	State   string `json:"state"`
}

type ExperimentEvent struct {
	ExperimentID string `json:"experiment_id"`
	Name         string `json:"name,omitempty"`
	Status       string `json:"status"`
	Winner       string `json:"winner,omitempty"`
}

type EvaluationRecordedEvent struct {
	EvalID         string  `json:"eval_id"`
	AgentID        string  `json:"agent_id"`
	TaskID         string  `json:"task_id,omitempty"`
	Template       string  `json:"template"`
	AggregateScore float64 `json:"aggregate_score"`
	Passed         bool    `json:"passed"`
}

type StatsEvent struct {
	Submitted int       `json:"submitted"`
	Running   int       `json:"running"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
	AvgMs     float64   `json:"avg_completion_ms"`
	Timestamp time.Time `json:"timestamp"`
}
