package tracing

// Span attribute keys. These are the semantic conventions for octopoid
// traces; keep them stable so saved traces stay queryable.
const (
	AttrTaskID     = "task.id"
	AttrTaskQueue  = "task.queue"
	AttrTransition = "transition.name"
	AttrFromQueue  = "transition.from"
	AttrToQueue    = "transition.to"
	AttrActor      = "transition.actor"
	AttrVersion    = "task.version"

	AttrOrchestratorID = "orchestrator.id"
	AttrBlueprint      = "blueprint.name"
	AttrGuard          = "guard.name"
	AttrTickPhase      = "tick.phase"

	AttrFlowName = "flow.name"
	AttrStepName = "step.name"

	AttrErrorKind = "error.kind"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixTransition = "transition."
	SpanPrefixTick       = "tick."
	SpanPrefixStep       = "step."
	SpanPrefixHTTP       = "http."
)
