// Package flow compares an agent's observed step sequence against the
// flow it was expected to follow and scores how closely they match.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/switchyardhq/switchyard/internal/store"
)

// Result is the adherence readout for one expected/actual pair.
type Result struct {
	AdherenceScore  float64  `json:"adherence_score"`
	MissingSteps    []string `json:"missing_steps"`
	ExtraSteps      []string `json:"extra_steps"`
	SequenceCorrect bool     `json:"sequence_correct"`
	Deviations      int      `json:"deviations"`
}

// Checker scores flow adherence and records traces. It has no mutable
// state; persistence goes through the store.
type Checker struct {
	store  store.Store
	logger *slog.Logger
}

func NewChecker(st store.Store, logger *slog.Logger) *Checker {
	return &Checker{store: st, logger: logger}
}

// Check scores how well the actual step sequence follows the expected one.
// The score is the length of the longest common subsequence over the
// expected length, so out-of-order or skipped steps cost adherence while
// extra steps only count as deviations.
func Check(expected, actual []string) Result {
	if len(expected) == 0 {
		return Result{
			AdherenceScore:  1,
			SequenceCorrect: len(actual) == 0,
			Deviations:      len(actual),
			ExtraSteps:      stepsNotIn(actual, expected),
		}
	}

	lcsLen := lcs(expected, actual)
	missing := stepsNotIn(expected, actual)
	extra := stepsNotIn(actual, expected)

	deviations := (len(expected) - lcsLen) + (len(actual) - lcsLen)

	return Result{
		AdherenceScore:  float64(lcsLen) / float64(len(expected)),
		MissingSteps:    missing,
		ExtraSteps:      extra,
		SequenceCorrect: deviations == 0,
		Deviations:      deviations,
	}
}

// CheckAndRecord scores the pair and persists the trace for the task.
func (c *Checker) CheckAndRecord(ctx context.Context, taskID uuid.UUID, expected, actual []string) (*store.FlowTrace, error) {
	res := Check(expected, actual)
	trace := &store.FlowTrace{
		TaskID:          taskID,
		ExpectedFlow:    expected,
		ActualFlow:      actual,
		AdherenceScore:  res.AdherenceScore,
		MissingSteps:    res.MissingSteps,
		ExtraSteps:      res.ExtraSteps,
		SequenceCorrect: res.SequenceCorrect,
		Deviations:      res.Deviations,
		CreatedAt:       time.Now().UTC(),
	}
	if err := c.store.CreateFlowTrace(ctx, trace); err != nil {
		return nil, fmt.Errorf("create flow trace: %w", err)
	}
	c.logger.Debug("flow trace recorded", "task_id", taskID,
		"adherence", res.AdherenceScore, "deviations", res.Deviations)
	return trace, nil
}

func (c *Checker) Trace(ctx context.Context, taskID uuid.UUID) (*store.FlowTrace, error) {
	return c.store.GetFlowTrace(ctx, taskID)
}

// lcs is the longest common subsequence length, standard dynamic
// programming over two rows.
func lcs(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// stepsNotIn returns the steps of a absent from b, preserving a's order
// and dropping duplicates.
func stepsNotIn(a, b []string) []string {
	present := make(map[string]bool, len(b))
	for _, s := range b {
		present[s] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, s := range a {
		if !present[s] && !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	return out
}
