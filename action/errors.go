package action

import (
	"context"
	"errors"

	"github.com/cschleiden/go-triage/workflow"
)

// Error kinds recorded in the action ledger for failed actions
const (
	ErrorKindTransientExhausted = "transient-exhausted"
	ErrorKindPermanent          = "permanent"
)

// IsTransient returns true if a collaborator error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var cpe *workflow.CollaboratorPermanentError
	if errors.As(err, &cpe) {
		return false
	}

	var cte *workflow.CollaboratorTransientError
	if errors.As(err, &cte) {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) {
		return temporary.Temporary()
	}

	return errors.Is(err, context.DeadlineExceeded)
}

func errorKind(err error) string {
	var cpe *workflow.CollaboratorPermanentError
	if errors.As(err, &cpe) && cpe.Err != nil {
		err = cpe.Err
	}

	if IsTransient(err) {
		return ErrorKindTransientExhausted
	}

	return ErrorKindPermanent
}
