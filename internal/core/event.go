package core

import "time"

// EventType names the kind of a broadcast event.
type EventType string

// Event kinds published by the runtime, the orchestrator and the workers.
const (
	EventAgentStarted      EventType = "agent.started"
	EventAgentStopped      EventType = "agent.stopped"
	EventAgentUnresponsive EventType = "agent.unresponsive"
	EventSystemStarted     EventType = "system.started"
	EventSystemStats       EventType = "system.stats"
	EventSystemStopping    EventType = "system.stopping"
	EventSystemError       EventType = "system.error"
	EventTaskCompleted     EventType = "task.completed"
	EventTaskFailed        EventType = "task.failed"
)

// Lifecycle reports whether t announces an agent joining or leaving.
func (t EventType) Lifecycle() bool {
	return t == EventAgentStarted || t == EventAgentStopped
}

// Failure reports whether t signals an error on the emitting agent.
func (t EventType) Failure() bool {
	return t == EventTaskFailed || t == EventSystemError
}

// BroadcastEvent is fanned out to every queue bound to the broadcast channel.
type BroadcastEvent struct {
	ID        string
	Type      EventType
	Source    string
	Timestamp time.Time
	Payload   map[string]any
}

// MessageKind is the "type" field of a direct message.
type MessageKind string

const (
	KindTaskRequest MessageKind = "task_request"
	KindGeneric     MessageKind = "direct_message"
)

// IsTask reports whether the message carries a task for execute_task.
func (k MessageKind) IsTask() bool { return k == KindTaskRequest }

// DirectMessage is delivered to exactly one identity queue.
type DirectMessage struct {
	ID        string
	Kind      MessageKind
	From      string
	To        string
	Timestamp time.Time
	Payload   map[string]any
}

// Envelope holds exactly one of Event or Message.
type Envelope struct {
	Event   *BroadcastEvent
	Message *DirectMessage
}
