package sandbox

import "fmt"

// StageName is the pipeline stage reported by SandboxError.
const StageName = "instantiate"

// ErrorKind classifies an instantiation failure.
type ErrorKind string

const (
	UnknownCapabilitySet ErrorKind = "UNKNOWN_CAPABILITY_SET"
	InitTrap             ErrorKind = "INIT_TRAP"
	ResourceExceeded     ErrorKind = "RESOURCE_EXCEEDED"
)

// SandboxError is a deterministic, typed error for sandbox setup failures.
type SandboxError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
	Err    error     `json:"-"`
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("instantiate: %s: %s", e.Kind, e.Detail)
}

func (e *SandboxError) Unwrap() error { return e.Err }
func (e *SandboxError) Stage() string { return StageName }
func (e *SandboxError) Code() string  { return string(e.Kind) }
