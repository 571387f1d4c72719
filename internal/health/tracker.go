package health

import (
	"sync"
	"time"
)

// State is the circuit-breaker state for one agent.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls breaker transitions.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold int
	// CoolDown is how long an open breaker waits before admitting a
	// single probationary request (half-open).
	CoolDown time.Duration
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, CoolDown: 30 * time.Second}
}

type breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// Tracker maintains one breaker per agent. Locking is per agent; unrelated
// agents never contend.
type Tracker struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	breakers map[string]*breaker
}

func NewTracker(cfg Config) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = DefaultConfig().CoolDown
	}
	return &Tracker{
		cfg:      cfg,
		now:      time.Now,
		breakers: make(map[string]*breaker),
	}
}

func (t *Tracker) get(agentID string) *breaker {
	t.mu.RLock()
	b, ok := t.breakers[agentID]
	t.mu.RUnlock()
	if ok {
		return b
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.breakers[agentID]; ok {
		return b
	}
	b = &breaker{state: StateClosed}
	t.breakers[agentID] = b
	return b
}

// Allow reports whether the agent may receive traffic. While open it
// returns false until the cool-down elapses, then transitions to half-open
// and admits exactly one probe at a time.
func (t *Tracker) Allow(agentID string) bool {
	b := t.get(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if t.now().Sub(b.openedAt) < t.cfg.CoolDown {
			return false
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess resets the failure count. A half-open probe success closes
// the breaker.
func (t *Tracker) RecordSuccess(agentID string) {
	b := t.get(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false
	b.state = StateClosed
}

// RecordFailure increments the consecutive-failure count. Reaching the
// threshold, or failing a half-open probe, opens the breaker.
func (t *Tracker) RecordFailure(agentID string) {
	b := t.get(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = t.now()
	case StateClosed:
		b.failures++
		if b.failures >= t.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = t.now()
		}
	}
}

// State returns the current breaker state without mutating it, except that
// an open breaker past its cool-down reports half-open.
func (t *Tracker) State(agentID string) State {
	b := t.get(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && t.now().Sub(b.openedAt) >= t.cfg.CoolDown {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot returns the state of every tracked agent, for the admin surface
// and metrics.
func (t *Tracker) Snapshot() map[string]State {
	t.mu.RLock()
	ids := make([]string, 0, len(t.breakers))
	for id := range t.breakers {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	out := make(map[string]State, len(ids))
	for _, id := range ids {
		out[id] = t.State(id)
	}
	return out
}

// Remove forgets an agent, e.g. after it is deregistered from the directory.
func (t *Tracker) Remove(agentID string) {
	t.mu.Lock()
	delete(t.breakers, agentID)
	t.mu.Unlock()
}
