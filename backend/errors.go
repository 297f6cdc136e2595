package backend

import "errors"

var (
	ErrInstanceNotFound      = errors.New("workflow instance not found")
	ErrInstanceAlreadyExists = errors.New("workflow instance already exists")
	ErrInstanceTerminal      = errors.New("workflow instance is terminal")
	ErrSequenceConflict      = errors.New("checkpoint sequence conflict")
	ErrCheckpointNotFound    = errors.New("checkpoint not found")

	ErrCorrelationNotFound   = errors.New("correlation record not found")
	ErrDuplicateBusinessID   = errors.New("business id already has an active workflow instance")
	ErrCorrelationMismatch   = errors.New("correlation record belongs to a different workflow instance")
	ErrChannelMessageMissing = errors.New("correlation record has no channel message")

	ErrActionNotFound       = errors.New("action record not found")
	ErrActionAlreadyApplied = errors.New("action already applied")
)
