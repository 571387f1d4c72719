package store

import (
	"math"
	"testing"
)

func TestTaskStatusValues(t *testing.T) {
	statuses := []TaskStatus{
		StatusSubmitted, StatusAssigned, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled,
	}
	expected := []string{"submitted", "assigned", "running", "completed", "failed", "cancelled"}
	for i, s := range statuses {
		if string(s) != expected[i] {
			t.Errorf("expected %s, got %s", expected[i], s)
		}
	}
}

func TestMetricAggregateWelford(t *testing.T) {
	samples := []float64{0.5, 0.7, 0.9, 0.6, 0.8}

	agg := &MetricAggregate{}
	for _, s := range samples {
		agg.Add(s)
	}

	var sum float64
	for _, s := range samples {
		sum += s
	}
	wantMean := sum / float64(len(samples))

	var ss float64
	for _, s := range samples {
		ss += (s - wantMean) * (s - wantMean)
	}
	wantVar := ss / float64(len(samples)-1)

	if math.Abs(agg.Mean-wantMean) > 1e-12 {
		t.Errorf("mean = %f, want %f", agg.Mean, wantMean)
	}
	if math.Abs(agg.Variance()-wantVar) > 1e-12 {
		t.Errorf("variance = %f, want %f", agg.Variance(), wantVar)
	}
	if agg.Count != int64(len(samples)) {
		t.Errorf("count = %d, want %d", agg.Count, len(samples))
	}
}

func TestMetricAggregateVarianceFewSamples(t *testing.T) {
	agg := &MetricAggregate{}
	if agg.Variance() != 0 {
		t.Error("empty aggregate should have zero variance")
	}
	agg.Add(0.5)
	if agg.Variance() != 0 {
		t.Error("single-sample aggregate should have zero variance")
	}
}
