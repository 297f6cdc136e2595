package workflowerrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_NewError_Nil(t *testing.T) {
	err := FromError(nil)
	require.Nil(t, err)
}

func Test_NewError_DoesNotWrapAgain(t *testing.T) {
	err := FromError(errors.New("foo"))

	err2 := FromError(err)
	require.Same(t, err, err2)
}

func Test_NewError_DoesWrap(t *testing.T) {
	input := errors.New("foo")
	e := FromError(input)

	var expectedType *Error
	require.ErrorAs(t, e, &expectedType)
	require.EqualError(t, e, input.Error())

	require.False(t, e.Permanent)
	require.NoError(t, e.Unwrap())
}

func Test_NewError_KeepsCauseChain(t *testing.T) {
	e := FromError(fmt.Errorf("applying category: %w", errors.New("connection reset")))

	require.Equal(t, "applying category: connection reset", e.Message)
	require.EqualError(t, e.Cause, "connection reset")
}

func Test_NewPermanentError(t *testing.T) {
	input := errors.New("foo")
	e := NewPermanentError(input)

	require.EqualError(t, e, input.Error())
	require.True(t, e.Permanent)
}

type permanentErr struct{}

func (permanentErr) Error() string   { return "rejected" }
func (permanentErr) Permanent() bool { return true }

func Test_FromError_DetectsPermanent(t *testing.T) {
	e := FromError(fmt.Errorf("sending reply: %w", permanentErr{}))

	require.True(t, e.Permanent)
}

func Test_RoundTrip_JSON(t *testing.T) {
	e := FromError(fmt.Errorf("outer: %w", errors.New("inner")))

	b, err := json.Marshal(e)
	require.NoError(t, err)

	var restored *Error
	require.NoError(t, json.Unmarshal(b, &restored))
	require.Equal(t, "outer: inner", restored.Message)
	require.EqualError(t, restored.Cause, "inner")
}
