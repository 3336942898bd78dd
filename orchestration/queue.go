package orchestration

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"acpcore/core/events"
)

var (
	// ErrTaskNotFound marks a missing task.
	ErrTaskNotFound = errors.New("orchestration: task not found")
	// ErrTaskState marks a transition illegal for the task's status.
	ErrTaskState = errors.New("orchestration: invalid task state")
)

const (
	defaultTaskTimeout = 5 * time.Minute
	defaultMaxRetries  = 3
	timeoutReason      = "Task timeout"
)

// Queue is a priority task queue with per-task execution timers and a
// bounded retry budget.
type Queue struct {
	emitter        events.Emitter
	defaultTimeout time.Duration
	maxRetries     int
	nowFn          func() int64

	mu      sync.Mutex
	tasks   map[string]*Task
	pending []string
	retries map[string]int
	timers  map[string]*time.Timer
	stopped bool
}

// NewQueue constructs a task queue. Non-positive arguments fall back to the
// defaults of five minutes and three retries.
func NewQueue(defaultTimeout time.Duration, maxRetries int) *Queue {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultTaskTimeout
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Queue{
		emitter:        events.NoopEmitter{},
		defaultTimeout: defaultTimeout,
		maxRetries:     maxRetries,
		nowFn:          func() int64 { return time.Now().UnixMilli() },
		tasks:          make(map[string]*Task),
		retries:        make(map[string]int),
		timers:         make(map[string]*time.Timer),
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to no-op.
func (q *Queue) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		q.emitter = events.NoopEmitter{}
		return
	}
	q.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (q *Queue) SetNowFunc(now func() int64) {
	if now == nil {
		q.nowFn = func() int64 { return time.Now().UnixMilli() }
		return
	}
	q.nowFn = now
}

// Stop disarms every pending timer. No further events are emitted.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
}

// Submit appends a task to the pending list, kept sorted by descending
// priority with submission order breaking ties.
func (q *Queue) Submit(task *Task) (*Task, error) {
	if task == nil {
		return nil, fmt.Errorf("orchestration: nil task")
	}
	clone := task.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	clone.Status = TaskPending
	clone.AssignedTo = ""
	now := q.nowFn()
	clone.CreatedAt = now
	clone.UpdatedAt = now

	q.mu.Lock()
	q.tasks[clone.ID] = clone
	q.pending = append(q.pending, clone.ID)
	q.sortPendingLocked()
	q.mu.Unlock()

	q.emitter.Emit(events.NewTaskSubmitted(clone.ID))
	return clone.Clone(), nil
}

func (q *Queue) sortPendingLocked() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		return q.tasks[q.pending[i]].Priority > q.tasks[q.pending[j]].Priority
	})
}

// Pending returns copies of the pending tasks in assignment order.
func (q *Queue) Pending() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.pending))
	for _, id := range q.pending {
		out = append(out, q.tasks[id].Clone())
	}
	return out
}

// PendingCount returns the number of pending tasks.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Get returns a copy of the task.
func (q *Queue) Get(taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.Clone(), nil
}

// Assign pops the task from the pending list and binds it to the agent.
func (q *Queue) Assign(taskID, agentID string) (*Task, error) {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != TaskPending {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: assign on %s task", ErrTaskState, task.Status)
	}
	q.removePendingLocked(taskID)
	task.Status = TaskAssigned
	task.AssignedTo = agentID
	task.UpdatedAt = q.nowFn()
	clone := task.Clone()
	q.mu.Unlock()

	q.emitter.Emit(events.NewTaskAssigned(taskID, agentID))
	return clone, nil
}

// Start marks the task running and arms its one-shot execution timer.
func (q *Queue) Start(taskID string) (*Task, error) {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != TaskAssigned {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: start on %s task", ErrTaskState, task.Status)
	}
	task.Status = TaskRunning
	task.UpdatedAt = q.nowFn()
	timeout := q.defaultTimeout
	if task.TimeoutMs > 0 {
		timeout = time.Duration(task.TimeoutMs) * time.Millisecond
	}
	if !q.stopped {
		q.timers[taskID] = time.AfterFunc(timeout, func() {
			_, _ = q.Fail(taskID, timeoutReason)
		})
	}
	agentID := task.AssignedTo
	clone := task.Clone()
	q.mu.Unlock()

	q.emitter.Emit(events.NewTaskStarted(taskID, agentID))
	return clone, nil
}

// Complete finishes a running or assigned task and disarms its timer.
func (q *Queue) Complete(taskID string, result json.RawMessage) (*Task, error) {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != TaskRunning && task.Status != TaskAssigned {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: complete on %s task", ErrTaskState, task.Status)
	}
	q.disarmLocked(taskID)
	task.Status = TaskCompleted
	task.Result = result
	agentID := task.AssignedTo
	task.UpdatedAt = q.nowFn()
	clone := task.Clone()
	q.mu.Unlock()

	q.emitter.Emit(events.NewTaskCompleted(taskID, agentID))
	return clone, nil
}

// Fail records a failure. Under the retry cap the task returns to pending
// with its counter incremented; beyond it the task terminates in failed.
func (q *Queue) Fail(taskID, reason string) (*Task, error) {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() || task.Status == TaskPending {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: fail on %s task", ErrTaskState, task.Status)
	}
	q.disarmLocked(taskID)
	// attempt is the ordinal of the failing assignment; the cap bounds total
	// assignments, so the maxRetries-th failure is terminal.
	attempt := q.retries[taskID] + 1
	retrying := attempt < q.maxRetries && !q.stopped
	if retrying {
		q.retries[taskID] = attempt
		task.Status = TaskPending
		task.AssignedTo = ""
		task.Error = reason
		q.pending = append(q.pending, taskID)
		q.sortPendingLocked()
	} else {
		task.Status = TaskFailed
		task.AssignedTo = ""
		task.Error = reason
	}
	task.UpdatedAt = q.nowFn()
	clone := task.Clone()
	q.mu.Unlock()

	if retrying {
		q.emitter.Emit(events.NewTaskRetried(taskID, reason, attempt))
	} else {
		q.emitter.Emit(events.NewTaskFailed(taskID, reason))
	}
	return clone, nil
}

// Cancel terminates a task from any non-terminal state.
func (q *Queue) Cancel(taskID string) (*Task, error) {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: cancel on %s task", ErrTaskState, task.Status)
	}
	q.disarmLocked(taskID)
	q.removePendingLocked(taskID)
	task.Status = TaskCancelled
	task.AssignedTo = ""
	task.UpdatedAt = q.nowFn()
	clone := task.Clone()
	q.mu.Unlock()

	q.emitter.Emit(events.NewTaskCancelled(taskID))
	return clone, nil
}

func (q *Queue) removePendingLocked(taskID string) {
	for i, id := range q.pending {
		if id == taskID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) disarmLocked(taskID string) {
	if timer, ok := q.timers[taskID]; ok {
		timer.Stop()
		delete(q.timers, taskID)
	}
}
