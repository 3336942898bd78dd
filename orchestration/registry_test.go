package orchestration

import (
	"errors"
	"sync"
	"testing"
	"time"

	"acpcore/core/events"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureEmitter) Emit(evt events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) ofType(eventType string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Event, 0, len(c.events))
	for _, evt := range c.events {
		if evt.EventType() == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func newTestRegistry() (*Registry, *int64) {
	now := int64(1_700_000_000_000)
	r := NewRegistry(testHeartbeat)
	r.SetNowFunc(func() int64 { return now })
	return r, &now
}

const testHeartbeat = time.Second

func TestRegisterStartsIdle(t *testing.T) {
	r, _ := newTestRegistry()
	agent, err := r.Register(&Agent{Type: "worker", Status: AgentBusy})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if agent.Status != AgentIdle {
		t.Fatalf("expected idle on registration, got %s", agent.Status)
	}
	if agent.ID == "" || agent.LastHeartbeat == 0 {
		t.Fatalf("id and heartbeat must be stamped: %+v", agent)
	}
}

func TestLivenessMarksStaleOffline(t *testing.T) {
	r, now := newTestRegistry()
	emitter := &captureEmitter{}
	r.SetEmitter(emitter)
	agent, err := r.Register(&Agent{Type: "worker"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// One interval stale: still within the 2x window.
	*now += 1000
	r.CheckLiveness()
	got, _ := r.Get(agent.ID)
	if got.Status != AgentIdle {
		t.Fatalf("agent went offline too early")
	}

	// Past two intervals: offline plus event.
	*now += 1500
	r.CheckLiveness()
	got, _ = r.Get(agent.ID)
	if got.Status != AgentOffline {
		t.Fatalf("expected offline, got %s", got.Status)
	}
	if len(emitter.ofType(events.TypeAgentOffline)) != 1 {
		t.Fatalf("expected one offline event")
	}

	// Repeated sweeps must not re-emit.
	*now += 1000
	r.CheckLiveness()
	if len(emitter.ofType(events.TypeAgentOffline)) != 1 {
		t.Fatalf("offline event emitted twice")
	}
}

func TestHeartbeatRevivesOfflineAgent(t *testing.T) {
	r, now := newTestRegistry()
	agent, err := r.Register(&Agent{Type: "worker"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	*now += 5000
	r.CheckLiveness()
	if got, _ := r.Get(agent.ID); got.Status != AgentOffline {
		t.Fatalf("expected offline before heartbeat")
	}
	if err := r.Heartbeat(agent.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ := r.Get(agent.ID)
	if got.Status != AgentIdle {
		t.Fatalf("heartbeat must revive to idle, got %s", got.Status)
	}
	if got.LastHeartbeat != *now {
		t.Fatalf("heartbeat timestamp not refreshed")
	}
}

func TestFindBestOldestHeartbeatWins(t *testing.T) {
	r, now := newTestRegistry()
	first, _ := r.Register(&Agent{Type: "worker"})
	*now += 10
	second, _ := r.Register(&Agent{Type: "worker"})
	_ = second

	best, err := r.FindBest(Criteria{Type: "worker"})
	if err != nil {
		t.Fatalf("findBest: %v", err)
	}
	if best.ID != first.ID {
		t.Fatalf("oldest heartbeat must win")
	}

	// Refreshing the first agent hands the slot to the second.
	*now += 10
	if err := r.Heartbeat(first.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	best, err = r.FindBest(Criteria{Type: "worker"})
	if err != nil {
		t.Fatalf("findBest: %v", err)
	}
	if best.ID != second.ID {
		t.Fatalf("expected rotation to second agent")
	}
}

func TestFindBestFilters(t *testing.T) {
	r, now := newTestRegistry()
	offline, _ := r.Register(&Agent{Type: "worker"})
	*now += 5000
	r.CheckLiveness()

	errored, _ := r.Register(&Agent{Type: "worker"})
	if err := r.UpdateStatus(errored.ID, AgentError); err != nil {
		t.Fatalf("updateStatus: %v", err)
	}
	busy, _ := r.Register(&Agent{Type: "worker", Capabilities: []string{"translate"}})
	if err := r.UpdateStatus(busy.ID, AgentBusy); err != nil {
		t.Fatalf("updateStatus: %v", err)
	}

	if _, err := r.FindBest(Criteria{Type: "worker", PreferIdle: true}); !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("expected ErrNoCandidate with no idle agent, got %v", err)
	}
	best, err := r.FindBest(Criteria{Type: "worker", Capabilities: []string{"TRANSLATE"}})
	if err != nil {
		t.Fatalf("findBest: %v", err)
	}
	if best.ID != busy.ID {
		t.Fatalf("capability filter picked wrong agent")
	}
	_ = offline
}

func TestUnregisterRemovesAgent(t *testing.T) {
	r, _ := newTestRegistry()
	agent, _ := r.Register(&Agent{Type: "worker"})
	if err := r.Unregister(agent.ID); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := r.Get(agent.ID); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	if err := r.Unregister(agent.ID); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("double unregister must report ErrAgentNotFound")
	}
}

func TestCountOnlineExcludesOffline(t *testing.T) {
	r, now := newTestRegistry()
	r.Register(&Agent{Type: "worker"})
	*now += 5000
	r.CheckLiveness()
	r.Register(&Agent{Type: "worker"})
	if got := r.CountOnline(); got != 1 {
		t.Fatalf("online count: want 1, got %d", got)
	}
}
