package task

import "errors"

// Typed errors for state machine callers. The SDK maps HTTP error payloads
// back onto these so orchestrator code can classify with errors.Is.
var (
	// ErrNotFound is returned when a task id does not exist. Terminal.
	ErrNotFound = errors.New("task not found")

	// ErrWrongState is returned when a transition's from-state guard fails.
	// Terminal for that call; someone else moved the task first.
	ErrWrongState = errors.New("task in wrong state for transition")

	// ErrStaleVersion is returned when the optimistic version check fails.
	// Retriable after a refetch.
	ErrStaleVersion = errors.New("stale task version")

	// ErrGuardFailed is returned when a transition guard other than the
	// state check rejects the call (lease ownership, pause, block).
	ErrGuardFailed = errors.New("transition guard failed")

	// ErrUnknownQueue is returned on writes naming a queue no flow declares.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrQueueImmutable is returned when a caller attempts to set the queue
	// column outside the lifecycle endpoints.
	ErrQueueImmutable = errors.New("queue transitions only happen via lifecycle endpoints")

	// ErrValidation is returned for malformed entities.
	ErrValidation = errors.New("validation failed")
)

// ErrorKind returns the wire classification for err, or "" when the error
// is not one of the typed transition errors.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStaleVersion):
		return "stale_version"
	case errors.Is(err, ErrWrongState):
		return "wrong_state"
	case errors.Is(err, ErrGuardFailed):
		return "guard_failed"
	case errors.Is(err, ErrUnknownQueue):
		return "unknown_queue"
	case errors.Is(err, ErrQueueImmutable):
		return "queue_immutable"
	case errors.Is(err, ErrValidation):
		return "validation"
	}
	return ""
}

// KindError returns the typed error for a wire classification, or nil for
// unknown kinds.
func KindError(kind string) error {
	switch kind {
	case "not_found":
		return ErrNotFound
	case "stale_version":
		return ErrStaleVersion
	case "wrong_state":
		return ErrWrongState
	case "guard_failed":
		return ErrGuardFailed
	case "unknown_queue":
		return ErrUnknownQueue
	case "queue_immutable":
		return ErrQueueImmutable
	case "validation":
		return ErrValidation
	}
	return nil
}
