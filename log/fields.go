package log

const (
	NamespaceKey = "triage"

	WorkflowIDKey = NamespaceKey + ".workflow.id"
	BusinessIDKey = NamespaceKey + ".business.id"
	GraphNameKey  = NamespaceKey + ".graph.name"
	NodeIDKey     = NamespaceKey + ".node.id"
	StatusKey     = NamespaceKey + ".status"
	SequenceKey   = NamespaceKey + ".sequence"

	DecisionKey         = NamespaceKey + ".decision"
	CallerIDKey         = NamespaceKey + ".caller.id"
	OwnerIDKey          = NamespaceKey + ".owner.id"
	ChannelMessageIDKey = NamespaceKey + ".channel_message.id"

	ActionKindKey = NamespaceKey + ".action.kind"
	AttemptKey    = NamespaceKey + ".attempt"
	BackoffKey    = NamespaceKey + ".backoff_ms"
	DurationKey   = NamespaceKey + ".duration_ms"

	CollaboratorKey = NamespaceKey + ".collaborator"
	HTTPStatusKey   = NamespaceKey + ".http.status"

	// SecurityEventKey marks log entries that record rejected or suspicious requests
	SecurityEventKey = NamespaceKey + ".security_event"

	// PausedSinceKey is the time at which a paused instance was last checkpointed
	PausedSinceKey = NamespaceKey + ".paused_since"

	// RunningSinceKey is the time at which an interrupted instance was last checkpointed
	RunningSinceKey = NamespaceKey + ".running_since"
)
