package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/switchyardhq/switchyard/internal/capability"
)

type fakeClient struct {
	agents     []Agent
	stats      map[string]AgentStats
	listCalls  int
	statsCalls int
	fail       bool
}

func (f *fakeClient) ListAgents(_ context.Context, _ Filter) ([]Agent, error) {
	f.listCalls++
	if f.fail {
		return nil, errors.New("directory unavailable")
	}
	return f.agents, nil
}

func (f *fakeClient) GetAgentStats(_ context.Context, id string) (*AgentStats, error) {
	f.statsCalls++
	if f.fail {
		return nil, errors.New("directory unavailable")
	}
	s, ok := f.stats[id]
	if !ok {
		return nil, errors.New("unknown agent")
	}
	return &s, nil
}

func TestCachedListAgents(t *testing.T) {
	fake := &fakeClient{agents: []Agent{
		{ID: "a1", Capabilities: []capability.Tag{capability.CodeGeneration}, Status: "healthy"},
		{ID: "a2", Capabilities: []capability.Tag{capability.TextGeneration}, Status: "degraded"},
	}}
	c := NewCachedClient(fake, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		agents, err := c.ListAgents(ctx, Filter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(agents) != 2 {
			t.Fatalf("expected 2 agents, got %d", len(agents))
		}
	}
	if fake.listCalls != 1 {
		t.Errorf("expected 1 upstream call, got %d", fake.listCalls)
	}
}

func TestCachedListAgentsFiltersLocally(t *testing.T) {
	fake := &fakeClient{agents: []Agent{
		{ID: "a1", Capabilities: []capability.Tag{capability.CodeGeneration}, Status: "healthy"},
		{ID: "a2", Capabilities: []capability.Tag{capability.TextGeneration}, Status: "healthy"},
	}}
	c := NewCachedClient(fake, time.Minute)

	agents, err := c.ListAgents(context.Background(), Filter{Capability: capability.CodeGeneration})
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 1 || agents[0].ID != "a1" {
		t.Errorf("unexpected filtered result: %v", agents)
	}
}

func TestCacheExpiry(t *testing.T) {
	fake := &fakeClient{agents: []Agent{{ID: "a1"}}}
	c := NewCachedClient(fake, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = c.ListAgents(ctx, Filter{})
	now = now.Add(2 * time.Minute)
	_, _ = c.ListAgents(ctx, Filter{})

	if fake.listCalls != 2 {
		t.Errorf("expected refresh after TTL, got %d calls", fake.listCalls)
	}
}

func TestServesStaleOnUpstreamFailure(t *testing.T) {
	fake := &fakeClient{
		agents: []Agent{{ID: "a1"}},
		stats:  map[string]AgentStats{"a1": {SuccessRate: 0.9}},
	}
	c := NewCachedClient(fake, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := c.ListAgents(ctx, Filter{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetAgentStats(ctx, "a1"); err != nil {
		t.Fatal(err)
	}

	fake.fail = true
	now = now.Add(2 * time.Minute)

	agents, err := c.ListAgents(ctx, Filter{})
	if err != nil || len(agents) != 1 {
		t.Errorf("expected stale agents, got %v, %v", agents, err)
	}
	stats, err := c.GetAgentStats(ctx, "a1")
	if err != nil || stats.SuccessRate != 0.9 {
		t.Errorf("expected stale stats, got %v, %v", stats, err)
	}
}

func TestStatsCached(t *testing.T) {
	fake := &fakeClient{stats: map[string]AgentStats{"a1": {SuccessRate: 0.8, MeanLatencyMs: 120, CostPerCall: 0.02}}}
	c := NewCachedClient(fake, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, err := c.GetAgentStats(ctx, "a1")
		if err != nil {
			t.Fatal(err)
		}
		if s.MeanLatencyMs != 120 {
			t.Errorf("unexpected stats: %+v", s)
		}
	}
	if fake.statsCalls != 1 {
		t.Errorf("expected 1 upstream call, got %d", fake.statsCalls)
	}
}
