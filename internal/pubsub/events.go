// Package pubsub carries the orchestration event stream: task transitions,
// lease expiries, orchestrator presence. Publish sites build events through
// the typed constructors in payloads.go; the SSE endpoint subscribes.
package pubsub

import (
	"context"
	"time"
)

// EventType names one kind of orchestration event on the stream.
type EventType string

const (
	TaskCreatedEvent         EventType = "task_created"
	TaskTransitionedEvent    EventType = "task_transitioned"
	TaskUpdatedEvent         EventType = "task_updated"
	TaskDeletedEvent         EventType = "task_deleted"
	OrchestratorEvent        EventType = "orchestrator"
	FlowRegisteredEvent      EventType = "flow_registered"
	MessagePublishedEvent    EventType = "message"
	LeaseExpiredEvent        EventType = "lease_expired"
	OrchestratorOfflineEvent EventType = "orchestrator_offline"
)

// StreamEvent is one published orchestration event. Timestamp is stamped
// at publish time.
type StreamEvent struct {
	Type      EventType
	Payload   StreamPayload
	Timestamp time.Time
}

// Subscriber provides a subscription channel for stream events.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan StreamEvent
}

// Publisher accepts stream events for fan-out.
type Publisher interface {
	Publish(ev StreamEvent)
}
