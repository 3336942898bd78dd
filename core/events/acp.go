package events

const (
	// TypeAgentRegistered is emitted when a commerce agent profile is first
	// stored in the registry.
	TypeAgentRegistered = "acp.agent.registered"
	// TypeAgentOffline is emitted when the orchestration plane marks an
	// agent offline after missed heartbeats.
	TypeAgentOffline = "acp.agent.offline"
	// TypeServiceListed is emitted when an agent publishes a new service
	// listing.
	TypeServiceListed = "acp.service.listed"
	// TypeServiceRated is emitted after a rating is recorded for a service.
	TypeServiceRated = "acp.service.rated"
	// TypeAgreementSigned is emitted when a party attaches a valid
	// signature to an agreement.
	TypeAgreementSigned = "acp.agreement.signed"
	// TypeAgreementCompleted is emitted when every term of an agreement is
	// marked complete.
	TypeAgreementCompleted = "acp.agreement.completed"
	// TypeEscrowCreated is emitted when an escrow definition is persisted.
	TypeEscrowCreated = "acp.escrow.created"
	// TypeEscrowFunded is emitted after the buyer deposit settles on-chain.
	TypeEscrowFunded = "acp.escrow.funded"
	// TypeEscrowReleased is emitted when escrowed funds reach the seller.
	TypeEscrowReleased = "acp.escrow.released"
	// TypeEscrowRefunded is emitted when escrowed funds return to the buyer.
	TypeEscrowRefunded = "acp.escrow.refunded"
	// TypeEscrowDisputed is emitted when a party raises a dispute.
	TypeEscrowDisputed = "acp.escrow.disputed"
	// TypeEscrowExpired is emitted by the expiry sweep.
	TypeEscrowExpired = "acp.escrow.expired"
	// TypeTaskSubmitted is emitted when a task enters the queue.
	TypeTaskSubmitted = "acp.task.submitted"
	// TypeTaskAssigned is emitted when the scheduler binds a task to an
	// agent.
	TypeTaskAssigned = "acp.task.assigned"
	// TypeTaskStarted is emitted when an assigned task begins execution.
	TypeTaskStarted = "acp.task.started"
	// TypeTaskCompleted is emitted on successful task completion.
	TypeTaskCompleted = "acp.task.completed"
	// TypeTaskRetried is emitted when a failed task returns to the queue.
	TypeTaskRetried = "acp.task.retried"
	// TypeTaskFailed is emitted when a task exhausts its retry budget.
	TypeTaskFailed = "acp.task.failed"
	// TypeTaskCancelled is emitted when a task is cancelled before a
	// terminal state.
	TypeTaskCancelled = "acp.task.cancelled"
)

// AgentRegistered captures the identity of a newly registered commerce agent.
type AgentRegistered struct {
	AgentID string
	Address string
	Name    string
}

func (AgentRegistered) EventType() string { return TypeAgentRegistered }

// AgentOffline marks an orchestration agent that stopped heartbeating.
type AgentOffline struct {
	AgentID       string
	LastHeartbeat int64
}

func (AgentOffline) EventType() string { return TypeAgentOffline }

// ServiceListed captures a freshly published service listing.
type ServiceListed struct {
	ServiceID string
	AgentID   string
	Category  string
}

func (ServiceListed) EventType() string { return TypeServiceListed }

// ServiceRated captures a recorded rating and the resulting rolling average.
type ServiceRated struct {
	ServiceID  string
	Rater      string
	Rating     int
	NewAverage float64
}

func (ServiceRated) EventType() string { return TypeServiceRated }

// AgreementSigned captures a single party signature over an agreement.
type AgreementSigned struct {
	AgreementID string
	Hash        string
	Signer      string
	FullySigned bool
}

func (AgreementSigned) EventType() string { return TypeAgreementSigned }

// AgreementCompleted is emitted once every term of an agreement is complete.
type AgreementCompleted struct {
	AgreementID string
	Hash        string
}

func (AgreementCompleted) EventType() string { return TypeAgreementCompleted }

// EscrowTransition captures a single escrow state machine transition.
type EscrowTransition struct {
	kind     string
	EscrowID string
	Status   string
	Actor    string
	TxSig    string
}

func (e EscrowTransition) EventType() string { return e.kind }

// NewEscrowCreated builds the creation event for an escrow.
func NewEscrowCreated(id, status string) EscrowTransition {
	return EscrowTransition{kind: TypeEscrowCreated, EscrowID: id, Status: status}
}

// NewEscrowFunded builds the funded transition event.
func NewEscrowFunded(id, actor, txSig string) EscrowTransition {
	return EscrowTransition{kind: TypeEscrowFunded, EscrowID: id, Status: "funded", Actor: actor, TxSig: txSig}
}

// NewEscrowReleased builds the released transition event.
func NewEscrowReleased(id, actor, txSig string) EscrowTransition {
	return EscrowTransition{kind: TypeEscrowReleased, EscrowID: id, Status: "released", Actor: actor, TxSig: txSig}
}

// NewEscrowRefunded builds the refunded transition event.
func NewEscrowRefunded(id, actor, txSig string) EscrowTransition {
	return EscrowTransition{kind: TypeEscrowRefunded, EscrowID: id, Status: "refunded", Actor: actor, TxSig: txSig}
}

// NewEscrowDisputed builds the disputed transition event.
func NewEscrowDisputed(id, actor string) EscrowTransition {
	return EscrowTransition{kind: TypeEscrowDisputed, EscrowID: id, Status: "disputed", Actor: actor}
}

// NewEscrowExpired builds the expiry sweep event.
func NewEscrowExpired(id string) EscrowTransition {
	return EscrowTransition{kind: TypeEscrowExpired, EscrowID: id, Status: "expired"}
}

// TaskTransition captures a single task lifecycle transition.
type TaskTransition struct {
	kind    string
	TaskID  string
	AgentID string
	Reason  string
	Attempt int
}

func (t TaskTransition) EventType() string { return t.kind }

// NewTaskSubmitted builds the submission event for a task.
func NewTaskSubmitted(taskID string) TaskTransition {
	return TaskTransition{kind: TypeTaskSubmitted, TaskID: taskID}
}

// NewTaskAssigned builds the assignment event for a task.
func NewTaskAssigned(taskID, agentID string) TaskTransition {
	return TaskTransition{kind: TypeTaskAssigned, TaskID: taskID, AgentID: agentID}
}

// NewTaskStarted builds the start event for a task.
func NewTaskStarted(taskID, agentID string) TaskTransition {
	return TaskTransition{kind: TypeTaskStarted, TaskID: taskID, AgentID: agentID}
}

// NewTaskCompleted builds the completion event for a task.
func NewTaskCompleted(taskID, agentID string) TaskTransition {
	return TaskTransition{kind: TypeTaskCompleted, TaskID: taskID, AgentID: agentID}
}

// NewTaskRetried builds the retry event for a task.
func NewTaskRetried(taskID, reason string, attempt int) TaskTransition {
	return TaskTransition{kind: TypeTaskRetried, TaskID: taskID, Reason: reason, Attempt: attempt}
}

// NewTaskFailed builds the terminal failure event for a task.
func NewTaskFailed(taskID, reason string) TaskTransition {
	return TaskTransition{kind: TypeTaskFailed, TaskID: taskID, Reason: reason}
}

// NewTaskCancelled builds the cancellation event for a task.
func NewTaskCancelled(taskID string) TaskTransition {
	return TaskTransition{kind: TypeTaskCancelled, TaskID: taskID}
}
