package workflowerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type CustomError struct {
	msg string
}

func (ce *CustomError) Error() string {
	return ce.msg
}

func Test_getErrorType(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "string error", err: errors.New("test"), want: ""},
		{name: "formatted error", err: fmt.Errorf("node %q", "notify"), want: ""},
		{name: "converted error", err: FromError(errors.New("test")), want: "Error"},
		{name: "custom error", err: &CustomError{msg: "test"}, want: "CustomError"},
		{name: "wrapped custom error", err: fmt.Errorf("sending notification: %w", &CustomError{msg: "test"}), want: "CustomError"},
		{name: "wrapped string error", err: fmt.Errorf("sending notification: %w", errors.New("test")), want: ""},
		{name: "panic error", err: NewPanicError("boom"), want: "PanicError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, getErrorType(tt.err))
		})
	}
}
