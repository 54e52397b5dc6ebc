package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrServiceRequired", ErrServiceRequired, "corrflow: service is required"},
		{"ErrConfigRequired", ErrConfigRequired, "corrflow: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "corrflow: logger is required"},
		{"ErrPublisherRequired", ErrPublisherRequired, "corrflow: publisher is required"},
		{"ErrTopicRequired", ErrTopicRequired, "corrflow: topic is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestTypedErrorsMatchTheirKind(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"config", MissingField("rule"), ErrConfig},
		{"compile", &CompileError{PlanID: "p", Reason: "syntax", Err: cause}, ErrCompile},
		{"unknown stream", &UnknownStreamError{PlanID: "p", Stream: "out"}, ErrUnknownStream},
		{"invalid state", &InvalidStateError{PlanID: "p", Op: "stop", State: "Created"}, ErrInvalidState},
		{"registration", &RegistrationError{PlanID: "p"}, ErrDuplicatePlan},
		{"not found", &NotFoundError{PlanID: "p"}, ErrPlanNotFound},
		{"replace", &ReplaceFailedError{PlanID: "p", Err: cause, RollbackErr: cause}, ErrReplaceFailed},
	}

	kinds := []error{ErrConfig, ErrCompile, ErrUnknownStream, ErrInvalidState, ErrDuplicatePlan, ErrPlanNotFound, ErrReplaceFailed}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, kind := range kinds {
				assert.Equal(t, kind == tt.kind, errors.Is(tt.err, kind), "kind %v", kind)
			}
		})
	}
}

func TestCompileErrorUnwraps(t *testing.T) {
	cause := errors.New("unexpected token")
	err := &CompileError{PlanID: "plan-a", Reason: "rule rejected", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, `corrflow: rule compilation failed for plan "plan-a": rule rejected: unexpected token`, err.Error())
}

func TestReplaceFailedErrorExposesBothCauses(t *testing.T) {
	startErr := &CompileError{Reason: "bad rule"}
	rollbackErr := &UnknownStreamError{Stream: "out"}
	err := &ReplaceFailedError{PlanID: "p", Err: startErr, RollbackErr: rollbackErr}

	var compileErr *CompileError
	require.True(t, errors.As(err, &compileErr))
	var streamErr *UnknownStreamError
	require.True(t, errors.As(err, &streamErr))
	assert.Equal(t, "out", streamErr.Stream)
	assert.Contains(t, err.Error(), `plan "p" is unavailable`)
}

func TestConfigErrorNamesField(t *testing.T) {
	err := &ConfigError{Field: "id", Reason: "must be a string"}
	assert.Equal(t, `corrflow: invalid plan configuration: field "id" must be a string`, err.Error())
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	assert.Equal(t, "corrflow: invalid configuration: invalid port", err.Error())
	assert.Equal(t, inner, err.Unwrap())
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		assert.NoError(t, NewConfigValidationError(nil))
	})

	t.Run("wraps error correctly", func(t *testing.T) {
		inner := errors.New("bad config")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, inner, cfgErr.Err)
		assert.ErrorIs(t, err, inner)
	})
}
