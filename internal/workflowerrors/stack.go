package workflowerrors

import goerrors "github.com/go-errors/errors"

// stack returns the current stack trace. skip is the number of frames to omit, 0 starts at the
// caller of stack.
func stack(skip int) string {
	goerr := goerrors.Wrap("", skip+1)
	return string(goerr.Stack())
}
