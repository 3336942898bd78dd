package orchestration

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"acpcore/core/events"
)

func TestSubmitOrdersByPriority(t *testing.T) {
	q := NewQueue(0, 0)
	defer q.Stop()
	low, _ := q.Submit(&Task{Type: "work", Priority: 1})
	high, _ := q.Submit(&Task{Type: "work", Priority: 9})
	mid, _ := q.Submit(&Task{Type: "work", Priority: 5})

	pending := q.Pending()
	if len(pending) != 3 {
		t.Fatalf("pending count: %d", len(pending))
	}
	got := []string{pending[0].ID, pending[1].ID, pending[2].ID}
	want := []string{high.ID, mid.ID, low.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("priority order wrong at %d: got %v want %v", i, got, want)
		}
	}
}

func TestSubmitPreservesSubmissionOrderOnTies(t *testing.T) {
	q := NewQueue(0, 0)
	defer q.Stop()
	first, _ := q.Submit(&Task{Type: "work", Priority: 5})
	second, _ := q.Submit(&Task{Type: "work", Priority: 5})
	pending := q.Pending()
	if pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Fatalf("equal priorities must keep submission order")
	}
}

func TestAssignPopsPending(t *testing.T) {
	q := NewQueue(0, 0)
	defer q.Stop()
	task, _ := q.Submit(&Task{Type: "work"})
	assigned, err := q.Assign(task.ID, "agent-1")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.Status != TaskAssigned || assigned.AssignedTo != "agent-1" {
		t.Fatalf("assignment not recorded: %+v", assigned)
	}
	if q.PendingCount() != 0 {
		t.Fatalf("assigned task still pending")
	}
	if _, err := q.Assign(task.ID, "agent-2"); !errors.Is(err, ErrTaskState) {
		t.Fatalf("double assign must fail with ErrTaskState, got %v", err)
	}
}

func TestCompleteDisarmsTimer(t *testing.T) {
	q := NewQueue(0, 0)
	defer q.Stop()
	emitter := &captureEmitter{}
	q.SetEmitter(emitter)

	task, _ := q.Submit(&Task{Type: "work", TimeoutMs: 30})
	q.Assign(task.ID, "agent-1")
	q.Start(task.ID)
	done, err := q.Complete(task.ID, json.RawMessage(`{"ok":true}`))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != TaskCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}

	// The timeout must not fire after completion.
	time.Sleep(60 * time.Millisecond)
	got, _ := q.Get(task.ID)
	if got.Status != TaskCompleted {
		t.Fatalf("timer fired on completed task: %s", got.Status)
	}
	if len(emitter.ofType(events.TypeTaskRetried)) != 0 {
		t.Fatalf("completed task must not retry")
	}
}

func TestTimeoutRequeuesAtOriginalPriority(t *testing.T) {
	q := NewQueue(0, 0)
	defer q.Stop()
	emitter := &captureEmitter{}
	q.SetEmitter(emitter)

	task, _ := q.Submit(&Task{Type: "work", Priority: 7, TimeoutMs: 20})
	q.Submit(&Task{Type: "work", Priority: 3})
	q.Assign(task.ID, "agent-1")
	q.Start(task.ID)

	time.Sleep(60 * time.Millisecond)
	got, _ := q.Get(task.ID)
	if got.Status != TaskPending {
		t.Fatalf("timed-out task should be pending, got %s", got.Status)
	}
	if got.Error != "Task timeout" {
		t.Fatalf("timeout reason: %q", got.Error)
	}
	pending := q.Pending()
	if pending[0].ID != task.ID {
		t.Fatalf("requeued retry must honor original priority")
	}
	retried := emitter.ofType(events.TypeTaskRetried)
	if len(retried) != 1 || retried[0].(events.TaskTransition).Attempt != 1 {
		t.Fatalf("expected one retry event with attempt 1")
	}
}

func TestRetryCapTerminatesInFailed(t *testing.T) {
	q := NewQueue(0, 3)
	defer q.Stop()
	emitter := &captureEmitter{}
	q.SetEmitter(emitter)

	task, _ := q.Submit(&Task{Type: "work"})
	run := func() {
		if _, err := q.Assign(task.ID, "agent-1"); err != nil {
			t.Fatalf("assign: %v", err)
		}
		if _, err := q.Start(task.ID); err != nil {
			t.Fatalf("start: %v", err)
		}
		if _, err := q.Fail(task.ID, "boom"); err != nil {
			t.Fatalf("fail: %v", err)
		}
	}
	run()
	run()
	run()

	got, _ := q.Get(task.ID)
	if got.Status != TaskFailed {
		t.Fatalf("third failed assignment must terminate, got %s", got.Status)
	}
	if q.PendingCount() != 0 {
		t.Fatalf("failed task must not be pending")
	}
	if len(emitter.ofType(events.TypeTaskRetried)) != 2 {
		t.Fatalf("expected two retry events before terminal failure")
	}
	if len(emitter.ofType(events.TypeTaskFailed)) != 1 {
		t.Fatalf("expected one terminal failure event")
	}
	if _, err := q.Assign(task.ID, "agent-1"); !errors.Is(err, ErrTaskState) {
		t.Fatalf("failed task must reject further assignment")
	}
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	q := NewQueue(0, 0)
	defer q.Stop()

	pending, _ := q.Submit(&Task{Type: "work"})
	if _, err := q.Cancel(pending.ID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if q.PendingCount() != 0 {
		t.Fatalf("cancelled task left in pending list")
	}

	running, _ := q.Submit(&Task{Type: "work", TimeoutMs: 20})
	q.Assign(running.ID, "agent-1")
	q.Start(running.ID)
	if _, err := q.Cancel(running.ID); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	got, _ := q.Get(running.ID)
	if got.Status != TaskCancelled {
		t.Fatalf("cancel must disarm the timer, got %s", got.Status)
	}

	if _, err := q.Cancel(running.ID); !errors.Is(err, ErrTaskState) {
		t.Fatalf("cancel on terminal task must fail with ErrTaskState")
	}
}

func TestStopDisarmsTimers(t *testing.T) {
	q := NewQueue(0, 0)
	emitter := &captureEmitter{}
	q.SetEmitter(emitter)

	task, _ := q.Submit(&Task{Type: "work", TimeoutMs: 20})
	q.Assign(task.ID, "agent-1")
	q.Start(task.ID)
	q.Stop()

	time.Sleep(50 * time.Millisecond)
	got, _ := q.Get(task.ID)
	if got.Status != TaskRunning {
		t.Fatalf("stopped queue must not fire timers, got %s", got.Status)
	}
}
