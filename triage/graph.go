package triage

import (
	"github.com/cschleiden/go-triage/action"
	"github.com/cschleiden/go-triage/workflow"
)

const GraphName = "triage"

// Nodes
const (
	NodeExtract       = "extract"
	NodeClassify      = "classify"
	NodeScore         = "score"
	NodeDraft         = "draft"
	NodeNotify        = "notify"
	NodeAwaitDecision = "await-decision"
	NodeExecute       = "execute"
	NodeConfirm       = "confirm"
	NodeDone          = "done"
	NodeSkipped       = "skipped"
)

// Decisions accepted at NodeAwaitDecision
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionEdit    = "edit"
)

// Action kinds recorded in the action ledger
const (
	ActionNotify        = "notify"
	ActionApplyCategory = "apply-category"
	ActionSendReply     = "send-reply"
	ActionConfirm       = "confirm"
)

// NewGraph builds the triage pipeline. Side effects are applied through the given executor.
func NewGraph(c Collaborators, executor *action.Executor) (*workflow.Graph[State], error) {
	n := &nodes{c: c, executor: executor}

	return workflow.NewGraph[State](GraphName).
		Node(NodeExtract, n.extract).
		Node(NodeClassify, n.classify).
		Node(NodeScore, n.score).
		Node(NodeDraft, n.draft).
		Node(NodeNotify, n.notify).
		Suspend(NodeAwaitDecision, workflow.Suspend[State]{
			Decisions: []string{DecisionApprove, DecisionReject, DecisionEdit},
			Routes: map[string]string{
				DecisionApprove: NodeExecute,
				DecisionEdit:    NodeExecute,
				DecisionReject:  NodeConfirm,
			},
			Merge: mergeDecision,
			ChannelMessage: func(s State) string {
				return s.ChannelMessageID
			},
		}).
		Node(NodeExecute, n.execute).
		Node(NodeConfirm, n.confirm).
		Terminal(NodeDone, nil).
		Terminal(NodeSkipped, nil).
		Edge(NodeExtract, NodeClassify).
		ConditionalEdge(NodeClassify, NodeScore, "categorized", func(s State) bool { return s.Category != "" }).
		ConditionalEdge(NodeClassify, NodeSkipped, "uncategorized", func(s State) bool { return s.Category == "" }).
		Edge(NodeScore, NodeDraft).
		Edge(NodeDraft, NodeNotify).
		Edge(NodeNotify, NodeAwaitDecision).
		Edge(NodeExecute, NodeConfirm).
		Edge(NodeConfirm, NodeDone).
		OnFailure(n.failed).
		Build()
}
