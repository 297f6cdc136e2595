package metrickeys

const (
	Prefix = "triage."

	// Workflows
	WorkflowInstanceCreated  = Prefix + "workflow.created"
	WorkflowInstancePaused   = Prefix + "workflow.paused"
	WorkflowInstanceResumed  = Prefix + "workflow.resumed"
	WorkflowInstanceFinished = Prefix + "workflow.finished"
	WorkflowInstanceStale    = Prefix + "workflow.stale"
	WorkflowInstanceRemoved  = Prefix + "workflow.removed"

	WorkflowInstanceRecovered = Prefix + "workflow.recovered"
	WorkflowInstanceAbandoned = Prefix + "workflow.abandoned"

	NodeExecuted = Prefix + "node.executed"
	NodeDuration = Prefix + "node.duration"

	// Resume attempts rejected before reaching the engine
	ResumeRejected = Prefix + "resume.rejected"

	// Actions
	ActionAttempt      = Prefix + "action.attempt"
	ActionDeduplicated = Prefix + "action.deduplicated"
	ActionFailed       = Prefix + "action.failed"

	// Outbound collaborator requests
	CollaboratorRequest = Prefix + "collaborator.request"
)

// Tag names
const (
	// Backend being used
	Backend = "backend"

	Graph  = "graph"
	Node   = "node"
	Status = "status"
	Reason = "reason"

	ActionKind = "kind"

	Collaborator = "collaborator"
)
