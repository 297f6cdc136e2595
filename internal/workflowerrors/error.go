package workflowerrors

import (
	"encoding/json"
	"errors"
)

// Error is the persisted form of an error that caused a workflow instance to fail.
type Error struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`

	Permanent  bool   `json:"permanent,omitempty"`
	Cause      error  `json:"cause,omitempty"`
	Stacktrace string `json:"stacktrace,omitempty"`
}

func (we *Error) UnmarshalJSON(b []byte) error {
	type Alias Error
	a := &struct {
		Cause *Error `json:"cause,omitempty"`
		*Alias
	}{}

	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}

	*we = *(*Error)(a.Alias)
	if a.Cause != nil {
		we.Cause = a.Cause
	}

	return nil
}

func (we *Error) Error() string {
	return we.Message
}

func (we *Error) Unwrap() error {
	if we == nil || we.Cause == (*Error)(nil) {
		return nil
	}

	return we.Cause
}

func (we *Error) Stack() string {
	return we.Stacktrace
}

var _ error = (*Error)(nil)

// FromError converts the given error into an error which can be persisted and restored
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	// Already converted, do not wrap again
	if e, ok := err.(*Error); ok {
		return e
	}

	e := &Error{
		Type:    getErrorType(err),
		Message: err.Error(),
	}

	if stackTracer, ok := err.(interface{ Stack() string }); ok {
		e.Stacktrace = stackTracer.Stack()
	}

	var permanent interface{ Permanent() bool }
	if errors.As(err, &permanent) {
		e.Permanent = permanent.Permanent()
	}

	if cause := errors.Unwrap(err); cause != nil {
		e.Cause = FromError(cause)
	}

	return e
}

func NewPermanentError(err error) *Error {
	e := FromError(err)
	e.Permanent = true
	return e
}
