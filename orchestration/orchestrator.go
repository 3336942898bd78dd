package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"acpcore/core/events"
)

// Policy selects how pending work maps onto idle agents.
type Policy string

const (
	PolicyRoundRobin Policy = "round-robin"
	PolicyLeastBusy  Policy = "least-busy"
	PolicyRandom     Policy = "random"
	PolicyCapability Policy = "capability"
)

const (
	orchestratorID = "orchestrator"
	// dispatchDebounce coalesces bursts of submissions and agent frees
	// into one drain pass.
	dispatchDebounce = 100 * time.Millisecond
)

// ErrUnknownPolicy marks an unrecognized load-balancing policy.
var ErrUnknownPolicy = errors.New("orchestration: unknown policy")

// ExecuteCommand is the payload delivered to an agent when a task is
// dispatched to it.
type ExecuteCommand struct {
	Command string `json:"command"`
	Task    *Task  `json:"task"`
}

// Orchestrator ties the registry, queue and bus together: it watches for
// pending tasks and idle agents and dispatches work under the configured
// policy.
type Orchestrator struct {
	registry *Registry
	queue    *Queue
	bus      *Bus
	policy   Policy

	downstream events.Emitter

	mu        sync.Mutex
	rrCounter int
	active    map[string]int
	taskAgent map[string]string

	wakeCh   chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewOrchestrator wires the scheduler. An empty policy defaults to
// round-robin.
func NewOrchestrator(registry *Registry, queue *Queue, bus *Bus, policy Policy) (*Orchestrator, error) {
	switch policy {
	case "":
		policy = PolicyRoundRobin
	case PolicyRoundRobin, PolicyLeastBusy, PolicyRandom, PolicyCapability:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, policy)
	}
	o := &Orchestrator{
		registry:   registry,
		queue:      queue,
		bus:        bus,
		policy:     policy,
		downstream: events.NoopEmitter{},
		active:     make(map[string]int),
		taskAgent:  make(map[string]string),
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	// Timeout-driven retries and failures originate inside the queue; the
	// interceptor frees the bound agent before forwarding the event.
	queue.SetEmitter(events.FuncEmitter(o.onQueueEvent))
	return o, nil
}

// SetEmitter configures the downstream event emitter. Passing nil resets it
// to no-op.
func (o *Orchestrator) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	o.downstream = emitter
}

func (o *Orchestrator) onQueueEvent(evt events.Event) {
	if tt, ok := evt.(events.TaskTransition); ok {
		switch tt.EventType() {
		case events.TypeTaskRetried, events.TypeTaskFailed, events.TypeTaskCancelled:
			o.releaseAgent(tt.TaskID)
			o.poke()
		}
	}
	o.downstream.Emit(evt)
}

// Start launches the dispatch loop.
func (o *Orchestrator) Start() {
	go func() {
		defer close(o.doneCh)
		for {
			select {
			case <-o.wakeCh:
			case <-o.stopCh:
				return
			}
			// Debounce so a burst of wakes drains once.
			timer := time.NewTimer(dispatchDebounce)
			select {
			case <-timer.C:
			case <-o.stopCh:
				timer.Stop()
				return
			}
			o.drain()
		}
	}()
}

// Stop cancels the dispatch loop and the queue timers.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	<-o.doneCh
	o.queue.Stop()
}

// SubmitTask enqueues a task and schedules a dispatch pass.
func (o *Orchestrator) SubmitTask(task *Task) (*Task, error) {
	submitted, err := o.queue.Submit(task)
	if err != nil {
		return nil, err
	}
	o.poke()
	return submitted, nil
}

// CompleteTask records a task result, frees its agent and schedules a
// dispatch pass.
func (o *Orchestrator) CompleteTask(taskID string, result json.RawMessage) (*Task, error) {
	task, err := o.queue.Complete(taskID, result)
	if err != nil {
		return nil, err
	}
	o.releaseAgent(taskID)
	o.poke()
	return task, nil
}

// FailTask records a task failure, frees its agent and schedules a dispatch
// pass. The queue decides between retry and terminal failure.
func (o *Orchestrator) FailTask(taskID, reason string) (*Task, error) {
	task, err := o.queue.Fail(taskID, reason)
	if err != nil {
		return nil, err
	}
	o.releaseAgent(taskID)
	o.poke()
	return task, nil
}

// CancelTask cancels a task, freeing its agent if one was bound.
func (o *Orchestrator) CancelTask(taskID string) (*Task, error) {
	task, err := o.queue.Cancel(taskID)
	if err != nil {
		return nil, err
	}
	o.releaseAgent(taskID)
	o.poke()
	return task, nil
}

// Drain runs one dispatch pass synchronously. Tests use this to avoid
// waiting out the debounce window.
func (o *Orchestrator) Drain() {
	o.drain()
}

func (o *Orchestrator) poke() {
	select {
	case o.wakeCh <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) releaseAgent(taskID string) {
	o.mu.Lock()
	agentID, ok := o.taskAgent[taskID]
	if ok {
		delete(o.taskAgent, taskID)
		if o.active[agentID] > 0 {
			o.active[agentID]--
		}
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	// Only a busy agent returns to idle; offline and errored agents keep
	// their state.
	agent, err := o.registry.Get(agentID)
	if err != nil || agent.Status != AgentBusy {
		return
	}
	if err := o.registry.UpdateStatus(agentID, AgentIdle); err != nil && !errors.Is(err, ErrAgentNotFound) {
		slog.Warn("agent status reset failed", "agent", agentID, "error", err)
	}
}

// drain assigns pending tasks to idle agents in priority order until either
// side runs dry.
func (o *Orchestrator) drain() {
	for _, task := range o.queue.Pending() {
		agent, err := o.pickAgent(task)
		if err != nil {
			if errors.Is(err, ErrNoCandidate) {
				// No idle agent for this task shape; later tasks may
				// still match a differently shaped agent.
				continue
			}
			slog.Warn("agent selection failed", "task", task.ID, "error", err)
			continue
		}
		o.dispatch(task, agent)
	}
}

func (o *Orchestrator) pickAgent(task *Task) (*Agent, error) {
	if o.policy == PolicyCapability {
		criteria := Criteria{PreferIdle: true, Type: task.Type}
		if agent, err := o.registry.FindBest(criteria); err == nil {
			return agent, nil
		}
		// Fall back to capability matching when no agent claims the type.
		criteria = Criteria{PreferIdle: true, Capabilities: []string{task.Type}}
		return o.registry.FindBest(criteria)
	}

	idle := o.registry.ListByStatus(AgentIdle)
	if len(idle) == 0 {
		return nil, ErrNoCandidate
	}
	switch o.policy {
	case PolicyRoundRobin:
		o.mu.Lock()
		agent := idle[o.rrCounter%len(idle)]
		o.rrCounter++
		o.mu.Unlock()
		return agent, nil
	case PolicyLeastBusy:
		o.mu.Lock()
		sort.SliceStable(idle, func(i, j int) bool {
			return o.active[idle[i].ID] < o.active[idle[j].ID]
		})
		o.mu.Unlock()
		return idle[0], nil
	case PolicyRandom:
		return idle[rand.Intn(len(idle))], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownPolicy, o.policy)
	}
}

// dispatch binds the task to the agent and delivers the execute command. A
// delivery failure pushes the task back through the retry path and frees
// the agent.
func (o *Orchestrator) dispatch(task *Task, agent *Agent) {
	if _, err := o.queue.Assign(task.ID, agent.ID); err != nil {
		return
	}
	if err := o.registry.UpdateStatus(agent.ID, AgentBusy); err != nil {
		_, _ = o.queue.Fail(task.ID, "agent vanished before dispatch")
		return
	}
	o.mu.Lock()
	o.taskAgent[task.ID] = agent.ID
	o.active[agent.ID]++
	o.mu.Unlock()

	started, err := o.queue.Start(task.ID)
	if err != nil {
		o.releaseAgent(task.ID)
		return
	}
	payload, err := json.Marshal(ExecuteCommand{Command: "execute", Task: started})
	if err != nil {
		_, _ = o.queue.Fail(task.ID, fmt.Sprintf("command encode: %v", err))
		o.releaseAgent(task.ID)
		return
	}
	if _, err := o.bus.Send(&Message{
		From:    orchestratorID,
		To:      agent.ID,
		Type:    MessageCommand,
		Payload: payload,
	}); err != nil {
		_, _ = o.queue.Fail(task.ID, fmt.Sprintf("dispatch: %v", err))
		o.releaseAgent(task.ID)
		return
	}
	slog.Debug("task dispatched", "task", task.ID, "agent", agent.ID, "policy", string(o.policy))
}

// Heartbeat proxies an agent heartbeat and schedules a dispatch pass when
// the agent comes back online.
func (o *Orchestrator) Heartbeat(agentID string) error {
	if err := o.registry.Heartbeat(agentID); err != nil {
		return err
	}
	o.poke()
	return nil
}

// RunLivenessSweep marks stale agents offline, then requeues any running
// task bound to an agent that dropped offline.
func (o *Orchestrator) RunLivenessSweep(ctx context.Context) {
	o.registry.CheckLiveness()
	o.mu.Lock()
	bound := make(map[string]string, len(o.taskAgent))
	for taskID, agentID := range o.taskAgent {
		bound[taskID] = agentID
	}
	o.mu.Unlock()
	for taskID, agentID := range bound {
		agent, err := o.registry.Get(agentID)
		if err != nil || agent.Status == AgentOffline {
			if _, ferr := o.FailTask(taskID, "agent went offline"); ferr != nil && !errors.Is(ferr, ErrTaskState) {
				slog.Warn("offline requeue failed", "task", taskID, "error", ferr)
			}
		}
	}
	select {
	case <-ctx.Done():
	default:
		o.poke()
	}
}
