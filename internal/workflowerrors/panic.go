package workflowerrors

type PanicError struct {
	message    string
	stacktrace string
}

func (pe *PanicError) Error() string {
	return pe.message
}

func (pe *PanicError) Stack() string {
	return pe.stacktrace
}

// NewPanicError creates an error for a recovered panic. It has to be called from the deferred
// function that recovered.
func NewPanicError(msg string) *PanicError {
	return &PanicError{
		message: msg,
		// Skip NewPanicError and the deferred function
		stacktrace: stack(2),
	}
}
