package pubsub

import "github.com/maxthelion/octopoid/internal/task"

// StreamPayload is the payload shape every stream event carries. One shape
// keeps the SSE endpoint a straight JSON encode; unused fields are omitted.
type StreamPayload struct {
	TaskID         string     `json:"task_id,omitempty"`
	FromQueue      string     `json:"from_queue,omitempty"`
	ToQueue        string     `json:"to_queue,omitempty"`
	Actor          string     `json:"actor,omitempty"`
	OrchestratorID string     `json:"orchestrator_id,omitempty"`
	FlowName       string     `json:"flow_name,omitempty"`
	Detail         string     `json:"detail,omitempty"`
	Task           *task.Task `json:"task,omitempty"`
}

// The constructors below pair each event type with the payload it carries,
// so publish sites cannot mismatch the two.

// TaskCreated announces a task entering its initial queue.
func TaskCreated(t *task.Task) StreamEvent {
	return StreamEvent{Type: TaskCreatedEvent, Payload: StreamPayload{
		TaskID: t.ID, ToQueue: t.Queue, Task: t,
	}}
}

// TaskTransitioned announces one queue move.
func TaskTransitioned(t *task.Task, fromQueue, toQueue, actor, orchestratorID string) StreamEvent {
	return StreamEvent{Type: TaskTransitionedEvent, Payload: StreamPayload{
		TaskID: t.ID, FromQueue: fromQueue, ToQueue: toQueue,
		Actor: actor, OrchestratorID: orchestratorID, Task: t,
	}}
}

// TaskUnblocked announces a dependent freed by its blocker's acceptance.
func TaskUnblocked(taskID string) StreamEvent {
	return StreamEvent{Type: TaskUpdatedEvent, Payload: StreamPayload{
		TaskID: taskID, Detail: "unblocked",
	}}
}

// TaskMetaUpdated announces a metadata patch.
func TaskMetaUpdated(t *task.Task) StreamEvent {
	return StreamEvent{Type: TaskUpdatedEvent, Payload: StreamPayload{TaskID: t.ID, Task: t}}
}

// TaskDeleted announces a removal.
func TaskDeleted(taskID string) StreamEvent {
	return StreamEvent{Type: TaskDeletedEvent, Payload: StreamPayload{TaskID: taskID}}
}

// LeaseExpired announces a lapsed lease returning its task to incoming.
func LeaseExpired(taskID, fromQueue, orchestratorID string) StreamEvent {
	return StreamEvent{Type: LeaseExpiredEvent, Payload: StreamPayload{
		TaskID: taskID, FromQueue: fromQueue, ToQueue: task.QueueIncoming,
		OrchestratorID: orchestratorID,
	}}
}

// FlowRegistered announces a flow registration or replacement.
func FlowRegistered(name string) StreamEvent {
	return StreamEvent{Type: FlowRegisteredEvent, Payload: StreamPayload{FlowName: name}}
}

// MessagePublished announces a mailbox append.
func MessagePublished(taskID, fromActor, msgType string) StreamEvent {
	return StreamEvent{Type: MessagePublishedEvent, Payload: StreamPayload{
		TaskID: taskID, Actor: fromActor, Detail: msgType,
	}}
}

// OrchestratorRegistered announces an orchestrator joining the roster.
func OrchestratorRegistered(id string) StreamEvent {
	return StreamEvent{Type: OrchestratorEvent, Payload: StreamPayload{
		OrchestratorID: id, Detail: "registered",
	}}
}

// OrchestratorOffline announces a missed-heartbeat demotion.
func OrchestratorOffline(id string) StreamEvent {
	return StreamEvent{Type: OrchestratorOfflineEvent, Payload: StreamPayload{OrchestratorID: id}}
}
