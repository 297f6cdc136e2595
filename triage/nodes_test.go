package triage

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/cschleiden/go-triage/workflow"
	"github.com/stretchr/testify/require"
)

func Test_Extract(t *testing.T) {
	n := &nodes{}

	s, err := n.extract(context.Background(), State{Message: Message{
		Subject: "  Permit\trenewal ",
		Body:    "Your permit\n\nexpires soon.",
	}})
	require.NoError(t, err)
	require.Equal(t, "Permit renewal Your permit expires soon.", s.Content)

	s, err = n.extract(context.Background(), State{Message: Message{Body: strings.Repeat("é", MaxContentLength)}})
	require.NoError(t, err)
	require.LessOrEqual(t, len(s.Content), MaxContentLength)
	require.True(t, strings.HasSuffix(s.Content, "é"))
}

func Test_MergeDecision(t *testing.T) {
	base := State{Category: "Government", Candidates: []string{"Government", "Newsletters"}}

	tests := []struct {
		name     string
		signal   workflow.Signal
		category string
		reply    string
		err      string
	}{
		{name: "approve", signal: workflow.Signal{Decision: DecisionApprove}, category: "Government"},
		{name: "reject ignores payload", signal: workflow.Signal{Decision: DecisionReject, Payload: json.RawMessage(`{"category":"Spam"}`)}, category: "Government"},
		{name: "edit category", signal: workflow.Signal{Decision: DecisionEdit, Payload: json.RawMessage(`{"category":"Newsletters"}`)}, category: "Newsletters"},
		{name: "edit reply", signal: workflow.Signal{Decision: DecisionEdit, Payload: json.RawMessage(`{"reply":"On it"}`)}, category: "Government", reply: "On it"},
		{name: "edit without payload", signal: workflow.Signal{Decision: DecisionEdit}, err: "edit requires a category or a reply"},
		{name: "edit with empty payload", signal: workflow.Signal{Decision: DecisionEdit, Payload: json.RawMessage(`{}`)}, err: "edit requires a category or a reply"},
		{name: "edit with malformed payload", signal: workflow.Signal{Decision: DecisionEdit, Payload: json.RawMessage(`[1]`)}, err: "malformed payload"},
		{name: "edit with unknown category", signal: workflow.Signal{Decision: DecisionEdit, Payload: json.RawMessage(`{"category":"Spam"}`)}, err: `category "Spam" is not one of`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := mergeDecision(base, tt.signal)
			if tt.err != "" {
				var ide *workflow.InvalidDecisionError
				require.ErrorAs(t, err, &ide)
				require.Contains(t, ide.Reason, tt.err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.signal.Decision, s.Decision)
			require.Equal(t, tt.category, s.Category)
			require.Equal(t, tt.reply, s.Reply)
		})
	}
}

func Test_NewGraph(t *testing.T) {
	g, err := NewGraph(Collaborators{}, nil)
	require.NoError(t, err)

	decisions, err := g.Decisions(NodeAwaitDecision)
	require.NoError(t, err)
	require.Equal(t, []string{DecisionApprove, DecisionReject, DecisionEdit}, decisions)

	to, err := g.Next(NodeClassify, State{})
	require.NoError(t, err)
	require.Equal(t, NodeSkipped, to)
}
