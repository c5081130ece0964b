package pipeline

import (
	"errors"
	"fmt"
)

// StageError is a terminal pipeline failure tagged with the stage that
// produced it. Every stage's error type implements it.
type StageError interface {
	error
	Stage() string
	Code() string
}

// HostUnavailable is the code of a HostError.
const HostUnavailable = "HOST_UNAVAILABLE"

// HostError reports a host-side failure at a stage, such as a quota backend
// that cannot be reached. The kapsule is not at fault, and it does not run.
type HostError struct {
	StageName string
	Err       error
}

func (e *HostError) Error() string { return fmt.Sprintf("%s: host error: %v", e.StageName, e.Err) }
func (e *HostError) Unwrap() error { return e.Err }
func (e *HostError) Stage() string { return e.StageName }
func (e *HostError) Code() string  { return HostUnavailable }

// asStageError returns err as a StageError, wrapping foreign errors in a
// HostError for stage.
func asStageError(stage string, err error) StageError {
	var se StageError
	if errors.As(err, &se) {
		return se
	}
	return &HostError{StageName: stage, Err: err}
}
