package workflow

import (
	"fmt"
	"strings"

	"github.com/cschleiden/go-triage/internal/workflowerrors"
)

type (
	Error      = workflowerrors.Error
	PanicError = workflowerrors.PanicError
)

// RoutingError is returned when no route leads away from a node. Raised by Build for graphs that
// cannot route every declared decision, and at runtime when no edge matches.
type RoutingError struct {
	Graph    string
	Node     string
	Decision string
	Reason   string
}

func (e *RoutingError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "routing error in graph %q at node %q", e.Graph, e.Node)
	if e.Decision != "" {
		fmt.Fprintf(&b, " for decision %q", e.Decision)
	}

	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}

	return b.String()
}

// InvalidDecisionError is returned when a decision or its payload is not accepted by the suspend
// node an instance is paused at. It is a RoutingError.
type InvalidDecisionError struct {
	Graph    string
	Node     string
	Decision string
	Allowed  []string
	Reason   string
}

func (e *InvalidDecisionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid decision %q", e.Decision)
	if e.Node != "" {
		fmt.Fprintf(&b, " at node %q", e.Node)
	}

	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	} else {
		b.WriteString(", expected one of ")
		b.WriteString(strings.Join(e.Allowed, ", "))
	}

	return b.String()
}

func (e *InvalidDecisionError) Unwrap() error {
	return &RoutingError{
		Graph:    e.Graph,
		Node:     e.Node,
		Decision: e.Decision,
		Reason:   e.Reason,
	}
}

// CollaboratorTransientError marks a collaborator failure that is worth retrying.
type CollaboratorTransientError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorTransientError) Error() string {
	return fmt.Sprintf("transient error from %s: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorTransientError) Unwrap() error {
	return e.Err
}

func (e *CollaboratorTransientError) Temporary() bool {
	return true
}

// CollaboratorPermanentError is returned once a collaborator call will not be retried anymore,
// either because the error was not transient or because retries were exhausted.
type CollaboratorPermanentError struct {
	Collaborator string
	Kind         string
	Attempts     int
	Err          error
}

func (e *CollaboratorPermanentError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Collaborator, e.Attempts, e.Err)
}

func (e *CollaboratorPermanentError) Unwrap() error {
	return e.Err
}

func (e *CollaboratorPermanentError) Permanent() bool {
	return true
}

type DuplicateBusinessIDError struct {
	BusinessID string
	InstanceID string
}

func (e *DuplicateBusinessIDError) Error() string {
	return fmt.Sprintf("business id %q is already processed by workflow instance %q", e.BusinessID, e.InstanceID)
}

// ConcurrentResumeError is returned to the caller that lost the race to resume an instance.
type ConcurrentResumeError struct {
	InstanceID string
}

func (e *ConcurrentResumeError) Error() string {
	return fmt.Sprintf("workflow instance %q is being resumed concurrently", e.InstanceID)
}

type AuthorizationError struct {
	BusinessID string
	CallerID   string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("caller %q is not authorized for business id %q", e.CallerID, e.BusinessID)
}

type NotFoundError struct {
	// BusinessID or InstanceID is set, depending on how the lookup was made
	BusinessID string
	InstanceID string
}

func (e *NotFoundError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("workflow instance %q not found", e.InstanceID)
	}

	return fmt.Sprintf("no workflow found for business id %q", e.BusinessID)
}

type AlreadyCompletedError struct {
	BusinessID string
	InstanceID string
	Status     string
}

func (e *AlreadyCompletedError) Error() string {
	return fmt.Sprintf("workflow instance %q already %s", e.InstanceID, e.Status)
}

// NewPermanentError wraps the given error into an error that is not retried
func NewPermanentError(err error) error {
	return workflowerrors.NewPermanentError(err)
}
