package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired   = sterrors.New("corrflow: service is required")
	ErrConfigRequired    = sterrors.New("corrflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("corrflow: logger is required")
	ErrEngineRequired    = sterrors.New("corrflow: correlation engine is required")
	ErrPublisherRequired = sterrors.New("corrflow: publisher is required")
	ErrTopicRequired     = sterrors.New("corrflow: topic is required")
	ErrDescriptorNil     = sterrors.New("corrflow: plan descriptor is required")
	ErrRowPayloadEmpty   = sterrors.New("corrflow: output row has no values")
)

// Kind sentinels. Every typed error below matches exactly one of them with
// errors.Is.
var (
	ErrConfig        = sterrors.New("corrflow: invalid plan configuration")
	ErrCompile       = sterrors.New("corrflow: rule compilation failed")
	ErrUnknownStream = sterrors.New("corrflow: unknown output stream")
	ErrInvalidState  = sterrors.New("corrflow: invalid plan state")
	ErrDuplicatePlan = sterrors.New("corrflow: plan already registered")
	ErrPlanNotFound  = sterrors.New("corrflow: plan not found")
	ErrReplaceFailed = sterrors.New("corrflow: plan replace failed")
)

// ConfigError reports a missing or mistyped plan configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("corrflow: invalid plan configuration: field %q %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// MissingField builds the ConfigError used when a required field is absent or empty.
func MissingField(field string) *ConfigError {
	return &ConfigError{Field: field, Reason: "is missing or empty"}
}

// CompileError wraps a rule text rejected by the correlation engine.
type CompileError struct {
	PlanID string
	Reason string
	Err    error
}

func (e *CompileError) Error() string {
	prefix := "corrflow: rule compilation failed"
	if e.PlanID != "" {
		prefix = fmt.Sprintf("%s for plan %q", prefix, e.PlanID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Reason)
}

func (e *CompileError) Unwrap() error        { return e.Err }
func (e *CompileError) Is(target error) bool { return target == ErrCompile }

// UnknownStreamError reports an output stream the compiled rule does not define.
type UnknownStreamError struct {
	PlanID string
	Stream string
}

func (e *UnknownStreamError) Error() string {
	if e.PlanID == "" {
		return fmt.Sprintf("corrflow: unknown output stream %q", e.Stream)
	}
	return fmt.Sprintf("corrflow: unknown output stream %q in plan %q", e.Stream, e.PlanID)
}

func (e *UnknownStreamError) Is(target error) bool { return target == ErrUnknownStream }

// InvalidStateError reports a lifecycle operation attempted in the wrong state.
type InvalidStateError struct {
	PlanID string
	Op     string
	State  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("corrflow: cannot %s plan %q in state %s", e.Op, e.PlanID, e.State)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// RegistrationError reports a plan id that is already registered.
type RegistrationError struct {
	PlanID string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("corrflow: plan %q is already registered", e.PlanID)
}

func (e *RegistrationError) Is(target error) bool { return target == ErrDuplicatePlan }

// NotFoundError reports a plan id that is not registered.
type NotFoundError struct {
	PlanID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("corrflow: plan %q is not registered", e.PlanID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrPlanNotFound }

// ReplaceFailedError reports that neither the new nor the previous descriptor
// of a plan could be started. The plan is no longer registered.
type ReplaceFailedError struct {
	PlanID      string
	Err         error
	RollbackErr error
}

func (e *ReplaceFailedError) Error() string {
	return fmt.Sprintf("corrflow: plan %q is unavailable: replace failed: %v; rollback failed: %v", e.PlanID, e.Err, e.RollbackErr)
}

func (e *ReplaceFailedError) Unwrap() []error {
	return []error{e.Err, e.RollbackErr}
}

func (e *ReplaceFailedError) Is(target error) bool { return target == ErrReplaceFailed }

// ConfigValidationError wraps errors returned by config validation.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("corrflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
