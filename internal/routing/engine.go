package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/switchyardhq/switchyard/internal/capability"
	"github.com/switchyardhq/switchyard/internal/directory"
	"github.com/switchyardhq/switchyard/internal/health"
)

type Strategy string

const (
	StrategyCapabilityMatch Strategy = "capability_match"
	StrategyPerformance     Strategy = "performance_based"
	StrategyCostOptimized   Strategy = "cost_optimized"
	StrategyRoundRobin      Strategy = "round_robin"
	StrategySticky          Strategy = "sticky_session"
)

// ErrNoEligibleAgent means no agent satisfies the capability and health
// filter. Callers must surface it; it is never silently defaulted.
var ErrNoEligibleAgent = errors.New("no eligible agent")

// ErrUnknownStrategy is returned for a strategy name outside the table.
var ErrUnknownStrategy = errors.New("unknown routing strategy")

// ErrMissingSession is returned when sticky_session is requested without a
// session identifier.
var ErrMissingSession = errors.New("sticky_session requires a session id")

// Request carries everything Select needs to pick an agent.
type Request struct {
	Capabilities []capability.Tag
	Strategy     Strategy
	SessionID    string
	// Exclude removes agents from consideration, e.g. ones that already
	// failed this task.
	Exclude map[string]bool
}

type Selection struct {
	AgentID  string
	Strategy Strategy
}

// candidate pairs an eligible agent with its performance stats.
type candidate struct {
	agent directory.Agent
	stats directory.AgentStats
}

// Engine selects one agent per request. Round-robin cursors and sticky
// session bindings are the only mutable state; each map has its own lock
// so unrelated selections do not serialize.
type Engine struct {
	directory directory.Client
	health    *health.Tracker
	logger    *slog.Logger

	cursorsMu sync.Mutex
	cursors   map[string]int

	sessionsMu sync.Mutex
	sessions   map[string]string

	drainedMu sync.RWMutex
	drained   map[string]bool
}

func NewEngine(dir directory.Client, tracker *health.Tracker, logger *slog.Logger) *Engine {
	return &Engine{
		directory: dir,
		health:    tracker,
		logger:    logger,
		cursors:   make(map[string]int),
		sessions:  make(map[string]string),
		drained:   make(map[string]bool),
	}
}

// DrainAgent excludes an agent from selection until undrained.
func (e *Engine) DrainAgent(agentID string) {
	e.drainedMu.Lock()
	e.drained[agentID] = true
	e.drainedMu.Unlock()
}

func (e *Engine) UndrainAgent(agentID string) {
	e.drainedMu.Lock()
	delete(e.drained, agentID)
	e.drainedMu.Unlock()
}

func (e *Engine) IsDrained(agentID string) bool {
	e.drainedMu.RLock()
	defer e.drainedMu.RUnlock()
	return e.drained[agentID]
}

// Select applies the eligibility filter and the requested strategy.
// Eligibility: declared capabilities are a superset of the requirement,
// breaker not open, not drained, not excluded.
func (e *Engine) Select(ctx context.Context, req Request) (Selection, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyCapabilityMatch
	}

	candidates, err := e.eligible(ctx, req)
	if err != nil {
		return Selection{}, err
	}
	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("%w: capabilities %v", ErrNoEligibleAgent, capability.Strings(req.Capabilities))
	}

	var agentID string
	switch strategy {
	case StrategyCapabilityMatch:
		agentID = selectCapabilityMatch(candidates)
	case StrategyPerformance:
		agentID = selectPerformance(candidates)
	case StrategyCostOptimized:
		agentID = selectCostOptimized(candidates)
	case StrategyRoundRobin:
		agentID = e.selectRoundRobin(req.Capabilities, candidates)
	case StrategySticky:
		if req.SessionID == "" {
			return Selection{}, ErrMissingSession
		}
		agentID = e.selectSticky(req.SessionID, candidates)
	default:
		return Selection{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	e.logger.Debug("agent selected", "agent_id", agentID, "strategy", strategy,
		"candidates", len(candidates))
	return Selection{AgentID: agentID, Strategy: strategy}, nil
}

func (e *Engine) eligible(ctx context.Context, req Request) ([]candidate, error) {
	agents, err := e.directory.ListAgents(ctx, directory.Filter{})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	var out []candidate
	for _, a := range agents {
		if req.Exclude[a.ID] || e.IsDrained(a.ID) {
			continue
		}
		if !capability.Subset(req.Capabilities, a.Capabilities) {
			continue
		}
		if e.health.State(a.ID) == health.StateOpen {
			continue
		}
		stats, err := e.directory.GetAgentStats(ctx, a.ID)
		if err != nil {
			e.logger.Warn("failed to get agent stats", "agent_id", a.ID, "error", err)
			stats = &directory.AgentStats{}
		}
		out = append(out, candidate{agent: a, stats: *stats})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].agent.ID < out[j].agent.ID })
	return out, nil
}

// selectCapabilityMatch prefers the tightest fit: the smallest declared
// capability set that still covers the requirement. Ties break on success
// rate, then agent ID for determinism.
func selectCapabilityMatch(candidates []candidate) string {
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case len(c.agent.Capabilities) < len(best.agent.Capabilities):
			best = c
		case len(c.agent.Capabilities) == len(best.agent.Capabilities) &&
			c.stats.SuccessRate > best.stats.SuccessRate:
			best = c
		}
	}
	return best.agent.ID
}

// selectPerformance scores success_rate / latency; the highest score wins.
func selectPerformance(candidates []candidate) string {
	best := candidates[0]
	bestScore := performanceScore(best.stats)
	for _, c := range candidates[1:] {
		if s := performanceScore(c.stats); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best.agent.ID
}

func performanceScore(s directory.AgentStats) float64 {
	latency := s.MeanLatencyMs
	if latency <= 0 {
		latency = 1 // no history yet; avoid division by zero
	}
	return s.SuccessRate / latency
}

func selectCostOptimized(candidates []candidate) string {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.stats.CostPerCall < best.stats.CostPerCall {
			best = c
		}
	}
	return best.agent.ID
}

// selectRoundRobin rotates through the candidate list, keyed by the
// capability set so distinct requirements rotate independently.
func (e *Engine) selectRoundRobin(caps []capability.Tag, candidates []candidate) string {
	key := capability.Key(caps)
	e.cursorsMu.Lock()
	cursor := e.cursors[key]
	e.cursors[key] = cursor + 1
	e.cursorsMu.Unlock()
	return candidates[cursor%len(candidates)].agent.ID
}

// selectSticky reuses the session's previous agent while it remains
// eligible, falling back to capability_match and re-recording otherwise.
func (e *Engine) selectSticky(sessionID string, candidates []candidate) string {
	e.sessionsMu.Lock()
	prev := e.sessions[sessionID]
	e.sessionsMu.Unlock()

	if prev != "" {
		for _, c := range candidates {
			if c.agent.ID == prev {
				return prev
			}
		}
	}

	chosen := selectCapabilityMatch(candidates)
	e.sessionsMu.Lock()
	e.sessions[sessionID] = chosen
	e.sessionsMu.Unlock()
	return chosen
}

// ValidStrategy reports whether the name is a known strategy. The empty
// string is valid and means the default.
func ValidStrategy(name string) bool {
	switch Strategy(name) {
	case "", StrategyCapabilityMatch, StrategyPerformance, StrategyCostOptimized,
		StrategyRoundRobin, StrategySticky:
		return true
	}
	return false
}
