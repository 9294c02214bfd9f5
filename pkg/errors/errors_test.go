package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessageIncludesStageAndContext(t *testing.T) {
	err := DestinationExists("main.draws").InStage("write", "push")

	assert.Equal(t,
		"[SCHEMA_MISMATCH] write/push: destination exists and overwrite is disabled (destination=main.draws)",
		err.Error())
}

func TestInStageKeepsInnermostStage(t *testing.T) {
	err := New(CodeIntegrity, "dup").InStage("expand", "").InStage("deliver", "pull")
	assert.Equal(t, "expand", err.Stage)
	assert.Equal(t, "pull", err.Strategy)
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CodeConnection, "x"))
	assert.Nil(t, Wrapf(nil, CodeConnection, "x %d", 1))
}

func TestGetCodeThroughWrapping(t *testing.T) {
	inner := Connection(errors.New("dial tcp: refused"), "localhost:5432")
	outer := fmt.Errorf("run failed: %w", inner)

	assert.Equal(t, CodeConnection, GetCode(outer))
	assert.True(t, IsCode(outer, CodeConnection))
	assert.True(t, errors.Is(outer, New(CodeConnection, "")))
	assert.Equal(t, CodeCanceled, GetCode(fmt.Errorf("x: %w", context.Canceled)))
	assert.Equal(t, CodeUnknown, GetCode(errors.New("plain")))
}

func TestRetryableAndFatalClasses(t *testing.T) {
	tests := []struct {
		code      Code
		retryable bool
		fatal     bool
	}{
		{CodeConnection, true, false},
		{CodePartialWrite, true, false},
		{CodeSchema, false, true},
		{CodeSchemaMismatch, false, true},
		{CodeIntegrity, false, true},
		{CodeProtocolUnavailable, false, true},
		{CodeSimulation, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "x")
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Equal(t, tt.fatal, IsFatal(err))
		})
	}
}

func TestExitCodeRoundTrip(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitSchema, ExitCode(MissingColumn("id", []string{"x"})))
	assert.Equal(t, ExitIntegrity, ExitCode(Integrity("missing draws for id %d", 4)))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom")))

	assert.Equal(t, CodeSchema, CodeForExit(ExitSchema))
	assert.Equal(t, CodeIntegrity, CodeForExit(ExitIntegrity))
	assert.Equal(t, CodeSimulation, CodeForExit(ExitFailure))
}

func TestMultiErrorCombined(t *testing.T) {
	var m MultiError
	require.NoError(t, m.Combined())

	m.Add(nil)
	m.Add(errors.New("a"))
	assert.EqualError(t, m.Combined(), "a")

	m.Add(errors.New("b"))
	assert.Contains(t, m.Combined().Error(), "2 errors occurred")
}
