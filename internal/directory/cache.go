package directory

import (
	"context"
	"sync"
	"time"
)

// CachedClient keeps a read-mostly cache in front of the directory. Agent
// lists and stats change slowly relative to dispatch volume, so a short TTL
// keeps the router off the directory's hot path without going stale.
type CachedClient struct {
	inner Client
	ttl   time.Duration
	now   func() time.Time

	mu        sync.RWMutex
	agents    []Agent
	agentsAt  time.Time
	stats     map[string]statsEntry
}

type statsEntry struct {
	stats   AgentStats
	fetched time.Time
}

func NewCachedClient(inner Client, ttl time.Duration) *CachedClient {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &CachedClient{
		inner: inner,
		ttl:   ttl,
		now:   time.Now,
		stats: make(map[string]statsEntry),
	}
}

// ListAgents serves the unfiltered agent list from cache and applies the
// filter locally.
func (c *CachedClient) ListAgents(ctx context.Context, filter Filter) ([]Agent, error) {
	c.mu.RLock()
	fresh := c.agents != nil && c.now().Sub(c.agentsAt) < c.ttl
	cached := c.agents
	c.mu.RUnlock()

	if !fresh {
		agents, err := c.inner.ListAgents(ctx, Filter{})
		if err != nil {
			// Serve stale data over failing hard when we have any.
			if cached == nil {
				return nil, err
			}
		} else {
			c.mu.Lock()
			c.agents = agents
			c.agentsAt = c.now()
			c.mu.Unlock()
			cached = agents
		}
	}

	return applyFilter(cached, filter), nil
}

func (c *CachedClient) GetAgentStats(ctx context.Context, agentID string) (*AgentStats, error) {
	c.mu.RLock()
	e, ok := c.stats[agentID]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.fetched) < c.ttl {
		s := e.stats
		return &s, nil
	}

	stats, err := c.inner.GetAgentStats(ctx, agentID)
	if err != nil {
		if ok {
			s := e.stats
			return &s, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.stats[agentID] = statsEntry{stats: *stats, fetched: c.now()}
	c.mu.Unlock()
	return stats, nil
}

// Invalidate drops all cached data, forcing a refresh on next read.
func (c *CachedClient) Invalidate() {
	c.mu.Lock()
	c.agents = nil
	c.stats = make(map[string]statsEntry)
	c.mu.Unlock()
}

func applyFilter(agents []Agent, filter Filter) []Agent {
	if filter.Capability == "" && filter.Status == "" {
		out := make([]Agent, len(agents))
		copy(out, agents)
		return out
	}
	var out []Agent
	for _, a := range agents {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Capability != "" {
			found := false
			for _, cap := range a.Capabilities {
				if cap == filter.Capability {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, a)
	}
	return out
}
