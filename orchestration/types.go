// Package orchestration hosts the in-process plane that assigns tasks to
// live agents: a heartbeat registry, a priority task queue, a
// request/response message bus and the scheduler tying them together.
package orchestration

import (
	"encoding/json"
)

// AgentStatus is the orchestration-plane liveness state of an agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
	AgentError   AgentStatus = "error"
)

// Agent is a worker visible to the scheduler. Commerce identity lives in the
// registry package; this record only carries what scheduling needs.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name,omitempty"`
	Type          string      `json:"type"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat int64       `json:"lastHeartbeat"`
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	clone := *a
	if len(a.Capabilities) > 0 {
		clone.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return &clone
}

// TaskStatus is the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Task is a unit of work. Higher priority ranks first; TimeoutMs of zero
// uses the queue default.
type Task struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Priority   int             `json:"priority"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     TaskStatus      `json:"status"`
	AssignedTo string          `json:"assignedTo,omitempty"`
	TimeoutMs  int64           `json:"timeoutMs,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  int64           `json:"createdAt"`
	UpdatedAt  int64           `json:"updatedAt"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if len(t.Payload) > 0 {
		clone.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if len(t.Result) > 0 {
		clone.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &clone
}

// MessageType classifies bus traffic.
type MessageType string

const (
	MessageRequest   MessageType = "request"
	MessageResponse  MessageType = "response"
	MessageEvent     MessageType = "event"
	MessageCommand   MessageType = "command"
	MessageHeartbeat MessageType = "heartbeat"
)

// Message is one bus envelope. ReplyTo carries the id of the request a
// response answers; CorrelationID survives a reply round trip.
type Message struct {
	ID            string          `json:"id"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Type          MessageType     `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	ReplyTo       string          `json:"replyTo,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if len(m.Payload) > 0 {
		clone.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return &clone
}
