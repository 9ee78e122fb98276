package event

import "time"

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

// Agent lifecycle event types.
const (
	AgentStarting   = "agent_starting"
	AgentReady      = "agent_ready"
	AgentStartRetry = "agent_start_retry"
	AgentDead       = "agent_dead"
	TurnStarted     = "turn_started"
	TurnCompleted   = "turn_completed"
	TurnTimedOut    = "turn_timeout"
	TurnDiscarded   = "turn_discarded"
	TurnReleased    = "turn_released"
	RequestQueued   = "request_queued"
	RequestFailed   = "request_failed"
)

// AgentEvent captures an agent instance lifecycle change.
type AgentEvent struct {
	EventType  string    `json:"type"`
	Agent      string    `json:"agent"`
	InstanceID string    `json:"instance_id"`
	State      string    `json:"state,omitempty"`
	Sentinel   string    `json:"sentinel,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewAgentEvent(agent, instanceID, eventType string) AgentEvent {
	return AgentEvent{
		EventType:  eventType,
		Agent:      agent,
		InstanceID: instanceID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e AgentEvent) Type() string {
	return e.EventType
}

func (e AgentEvent) Timestamp() time.Time {
	return e.OccurredAt
}
