package admission

import "fmt"

// StageName is the pipeline stage reported by Error.
const StageName = "admit"

// ErrorKind classifies an admission failure.
type ErrorKind string

const (
	// Denied means the kapsule type's rule evaluated to false.
	Denied ErrorKind = "DENIED"
	// Rollback means the record's version is older than one already run.
	Rollback ErrorKind = "ROLLBACK"
	// RuleFailed means the rule could not be evaluated for this record.
	RuleFailed ErrorKind = "RULE_FAILED"
)

// Error is a policy rejection of an authentic record.
type Error struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("admit: %s: %s", e.Kind, e.Detail)
}

func (e *Error) Stage() string { return StageName }
func (e *Error) Code() string  { return string(e.Kind) }
