package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/cschleiden/go-triage/action"
	"github.com/cschleiden/go-triage/core"
	"github.com/cschleiden/go-triage/workflow"
)

// MaxContentLength limits the content passed to the classifier
const MaxContentLength = 8000

type nodes struct {
	c        Collaborators
	executor *action.Executor
}

func (n *nodes) extract(ctx context.Context, s State) (State, error) {
	content := strings.Join(strings.Fields(s.Message.Subject+"\n"+s.Message.Body), " ")

	if len(content) > MaxContentLength {
		content = content[:MaxContentLength]
		for !utf8.ValidString(content) {
			content = content[:len(content)-1]
		}
	}

	s.Content = content

	return s, nil
}

func (n *nodes) classify(ctx context.Context, s State) (State, error) {
	if len(s.Candidates) == 0 {
		return s, nil
	}

	c, err := action.Retry(ctx, n.executor, "classifier", func(ctx context.Context) (*Classification, error) {
		return n.c.Classifier.Classify(ctx, s.Content, s.Candidates)
	})
	if err != nil {
		return s, fmt.Errorf("classifying message: %w", err)
	}

	// Categories outside of the candidates are not applied
	if c == nil || !slices.Contains(s.Candidates, c.Category) {
		return s, nil
	}

	s.Category = c.Category
	s.Rationale = c.Rationale

	return s, nil
}

func (n *nodes) score(ctx context.Context, s State) (State, error) {
	p, err := action.Retry(ctx, n.executor, "priority scorer", func(ctx context.Context) (int, error) {
		return n.c.PriorityScorer.Score(ctx, Metadata{
			Sender:  s.Message.Sender,
			Subject: s.Message.Subject,
			Length:  len(s.Message.Body),
		})
	})
	if err != nil {
		return s, fmt.Errorf("scoring priority: %w", err)
	}

	s.Priority = p

	return s, nil
}

func (n *nodes) draft(ctx context.Context, s State) (State, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "New message from %s: %q\n", s.Message.Sender, s.Message.Subject)
	fmt.Fprintf(&b, "Suggested category: %s", s.Category)
	if s.Rationale != "" {
		fmt.Fprintf(&b, " (%s)", s.Rationale)
	}
	fmt.Fprintf(&b, "\nPriority: %d", s.Priority)

	s.Notification = b.String()

	return s, nil
}

func (n *nodes) notify(ctx context.Context, s State) (State, error) {
	d, err := action.Do(ctx, n.executor, n.key(ctx, s, ActionNotify), instanceID(ctx), func(ctx context.Context) (*Delivery, error) {
		return n.c.Notifier.Send(ctx, s.Message.UserID, Notification{
			Text:    s.Notification,
			Options: []string{DecisionApprove, DecisionReject, DecisionEdit},
		})
	})
	if err != nil {
		return s, fmt.Errorf("sending notification: %w", err)
	}

	if d == nil || d.ChannelMessageID == "" {
		return s, errors.New("notifier did not return a channel message id")
	}

	s.ChannelMessageID = d.ChannelMessageID

	return s, nil
}

func (n *nodes) execute(ctx context.Context, s State) (State, error) {
	if _, err := action.Do(ctx, n.executor, n.key(ctx, s, ActionApplyCategory), instanceID(ctx), func(ctx context.Context) (bool, error) {
		return true, n.c.ActionExecutor.ApplyCategory(ctx, s.Message.BusinessID, s.Category)
	}); err != nil {
		return s, fmt.Errorf("applying category: %w", err)
	}

	s.CategoryApplied = true

	if s.Reply != "" {
		if _, err := action.Do(ctx, n.executor, n.key(ctx, s, ActionSendReply), instanceID(ctx), func(ctx context.Context) (bool, error) {
			return true, n.c.ActionExecutor.SendReply(ctx, s.Message.BusinessID, s.Reply)
		}); err != nil {
			return s, fmt.Errorf("sending reply: %w", err)
		}

		s.ReplySent = true
	}

	return s, nil
}

func (n *nodes) confirm(ctx context.Context, s State) (State, error) {
	text := fmt.Sprintf("%q was left in your inbox.", s.Message.Subject)
	if s.CategoryApplied {
		text = fmt.Sprintf("%q was moved to %s.", s.Message.Subject, s.Category)
		if s.ReplySent {
			text += " Your reply was sent."
		}
	}

	if _, err := action.Do(ctx, n.executor, n.key(ctx, s, ActionConfirm), instanceID(ctx), func(ctx context.Context) (*Delivery, error) {
		return n.c.Notifier.Send(ctx, s.Message.UserID, Notification{Text: text})
	}); err != nil {
		return s, fmt.Errorf("sending confirmation: %w", err)
	}

	s.Confirmed = true

	return s, nil
}

// failed tells the user that their message could not be processed.
func (n *nodes) failed(ctx context.Context, s State, cause error) error {
	if s.Message.UserID == "" {
		return nil
	}

	text := fmt.Sprintf("Sorry, something went wrong while processing %q. Please handle it manually.", s.Message.Subject)

	// Attempted once, the instance already failed
	if _, err := n.c.Notifier.Send(ctx, s.Message.UserID, Notification{Text: text}); err != nil {
		return fmt.Errorf("sending failure notice: %w", err)
	}

	return nil
}

func (n *nodes) key(ctx context.Context, s State, kind string) core.ActionKey {
	businessID := s.Message.BusinessID
	if info, ok := workflow.InfoFromContext(ctx); ok {
		businessID = info.BusinessID
	}

	return core.ActionKey{BusinessID: businessID, Kind: kind}
}

func instanceID(ctx context.Context) string {
	info, _ := workflow.InfoFromContext(ctx)
	return info.InstanceID
}

// mergeDecision records the decision in the state. Edits are validated against the candidates.
func mergeDecision(s State, signal workflow.Signal) (State, error) {
	s.Decision = signal.Decision

	if signal.Decision != DecisionEdit {
		return s, nil
	}

	invalid := func(reason string) error {
		return &workflow.InvalidDecisionError{
			Graph:    GraphName,
			Node:     NodeAwaitDecision,
			Decision: DecisionEdit,
			Reason:   reason,
		}
	}

	if len(signal.Payload) == 0 {
		return s, invalid("edit requires a category or a reply")
	}

	var p EditPayload
	if err := json.Unmarshal(signal.Payload, &p); err != nil {
		return s, invalid(fmt.Sprintf("malformed payload: %v", err))
	}

	if p.Category == "" && p.Reply == "" {
		return s, invalid("edit requires a category or a reply")
	}

	if p.Category != "" {
		if !slices.Contains(s.Candidates, p.Category) {
			return s, invalid(fmt.Sprintf("category %q is not one of %s", p.Category, strings.Join(s.Candidates, ", ")))
		}

		s.Category = p.Category
	}

	s.Reply = p.Reply

	return s, nil
}
