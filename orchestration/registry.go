package orchestration

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"acpcore/core/events"
)

var (
	// ErrAgentNotFound marks a missing orchestration agent.
	ErrAgentNotFound = errors.New("orchestration: agent not found")
	// ErrNoCandidate marks a findBest call with no eligible agent.
	ErrNoCandidate = errors.New("orchestration: no eligible agent")
)

// Registry tracks scheduler-visible agents with heartbeat liveness. Agents
// whose heartbeat goes stale for two intervals are marked offline.
type Registry struct {
	emitter  events.Emitter
	interval time.Duration
	nowFn    func() int64

	mu     sync.RWMutex
	agents map[string]*Agent

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRegistry constructs a liveness registry with the given heartbeat
// interval.
func NewRegistry(interval time.Duration) *Registry {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Registry{
		emitter:  events.NoopEmitter{},
		interval: interval,
		nowFn:    func() int64 { return time.Now().UnixMilli() },
		agents:   make(map[string]*Agent),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to no-op.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().UnixMilli() }
		return
	}
	r.nowFn = now
}

// Start launches the liveness ticker. Stop cancels it.
func (r *Registry) Start() {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.CheckLiveness()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop cancels the liveness ticker and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// Register adds an agent in idle status with a fresh heartbeat.
func (r *Registry) Register(agent *Agent) (*Agent, error) {
	if agent == nil || strings.TrimSpace(agent.Type) == "" {
		return nil, fmt.Errorf("orchestration: agent type required")
	}
	clone := agent.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	clone.Status = AgentIdle
	clone.LastHeartbeat = r.nowFn()
	r.mu.Lock()
	r.agents[clone.ID] = clone
	r.mu.Unlock()
	return clone.Clone(), nil
}

// Unregister removes the agent.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	delete(r.agents, agentID)
	return nil
}

// UpdateStatus sets the agent's status directly.
func (r *Registry) UpdateStatus(agentID string, status AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	agent.Status = status
	return nil
}

// Heartbeat refreshes the agent's liveness. An offline agent returns to
// idle.
func (r *Registry) Heartbeat(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	agent.LastHeartbeat = r.nowFn()
	if agent.Status == AgentOffline {
		agent.Status = AgentIdle
	}
	return nil
}

// Get returns a copy of the agent.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return agent.Clone(), nil
}

// List returns copies of every agent sorted by id.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, agent.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByStatus returns copies of every agent in the given status.
func (r *Registry) ListByStatus(status AgentStatus) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if agent.Status == status {
			out = append(out, agent.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountOnline returns the number of agents not marked offline.
func (r *Registry) CountOnline() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, agent := range r.agents {
		if agent.Status != AgentOffline {
			n++
		}
	}
	return n
}

// CheckLiveness marks agents offline once their heartbeat is older than two
// intervals. Offline transitions emit agent offline events.
func (r *Registry) CheckLiveness() {
	cutoff := r.nowFn() - 2*r.interval.Milliseconds()
	var stale []*Agent
	r.mu.Lock()
	for _, agent := range r.agents {
		if agent.Status != AgentOffline && agent.LastHeartbeat < cutoff {
			agent.Status = AgentOffline
			stale = append(stale, agent.Clone())
		}
	}
	r.mu.Unlock()
	for _, agent := range stale {
		r.emitter.Emit(events.AgentOffline{AgentID: agent.ID, LastHeartbeat: agent.LastHeartbeat})
	}
}

// Criteria narrows FindBest candidates. Zero values match everything.
type Criteria struct {
	Type         string
	Capabilities []string
	PreferIdle   bool
}

// FindBest returns the eligible agent with the oldest heartbeat, which
// spreads load round-robin by liveness. Offline and errored agents never
// qualify.
func (r *Registry) FindBest(criteria Criteria) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Agent
	for _, agent := range r.agents {
		if agent.Status == AgentOffline || agent.Status == AgentError {
			continue
		}
		if criteria.PreferIdle && agent.Status != AgentIdle {
			continue
		}
		if criteria.Type != "" && agent.Type != criteria.Type {
			continue
		}
		if !hasCapabilities(agent, criteria.Capabilities) {
			continue
		}
		if best == nil || agent.LastHeartbeat < best.LastHeartbeat {
			best = agent
		}
	}
	if best == nil {
		return nil, ErrNoCandidate
	}
	return best.Clone(), nil
}

func hasCapabilities(agent *Agent, wanted []string) bool {
	for _, cap := range wanted {
		found := false
		for _, have := range agent.Capabilities {
			if strings.EqualFold(have, cap) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
