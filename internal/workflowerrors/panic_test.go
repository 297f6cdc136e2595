package workflowerrors

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_PanicError_Stack(t *testing.T) {
	var e *PanicError

	func() {
		defer func() {
			if r := recover(); r != nil {
				e = NewPanicError("test")
			}
		}()

		panicking()
	}()

	require.NotNil(t, e)
	require.Equal(t, "test", e.Error())
	require.NotContains(t, e.Stack(), "NewPanicError")
	require.Contains(t, e.Stack(), "panicking")
}

func panicking() {
	panic("boom")
}
