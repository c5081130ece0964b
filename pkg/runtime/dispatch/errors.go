package dispatch

import "fmt"

// StageName is the pipeline stage reported by DispatchError.
const StageName = "invoke"

// ErrorKind classifies an invocation failure.
type ErrorKind string

const (
	EntryPointNotFound ErrorKind = "ENTRY_POINT_NOT_FOUND"
	SignatureMismatch  ErrorKind = "SIGNATURE_MISMATCH"
	ArgumentMismatch   ErrorKind = "ARGUMENT_MISMATCH"
	Trap               ErrorKind = "TRAP"
	Timeout            ErrorKind = "TIMEOUT"
	ResourceExceeded   ErrorKind = "RESOURCE_EXCEEDED"
	InstanceConsumed   ErrorKind = "INSTANCE_CONSUMED"
)

// DispatchError is a failed invocation. Reason carries the trap reason for
// Trap and is empty otherwise.
type DispatchError struct {
	Kind   ErrorKind `json:"kind"`
	Reason string    `json:"reason,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Err    error     `json:"-"`
}

func (e *DispatchError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("invoke: %s(%s)", e.Kind, e.Reason)
	case e.Detail != "":
		return fmt.Sprintf("invoke: %s: %s", e.Kind, e.Detail)
	}
	return "invoke: " + string(e.Kind)
}

func (e *DispatchError) Unwrap() error { return e.Err }
func (e *DispatchError) Stage() string { return StageName }
func (e *DispatchError) Code() string  { return string(e.Kind) }
