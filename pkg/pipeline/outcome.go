package pipeline

import (
	"strings"
	"time"

	"github.com/dverse-systems/dverse-runtime/pkg/kapsule"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/abi"
)

// Request asks the host to run one kapsule.
type Request struct {
	Record     *kapsule.Record
	EntryPoint string
	// Signature is the type the caller expects EntryPoint to have.
	Signature abi.Signature
	Args      []abi.Value
}

// Outcome is the result of a run: Values on success, otherwise Err names the
// failing stage.
type Outcome struct {
	InvocationID string
	Values       []abi.Value
	Err          StageError
	Duration     time.Duration
}

// OK reports whether the entry point returned normally.
func (o Outcome) OK() bool { return o.Err == nil }

// Stage is the failing stage, or "" on success.
func (o Outcome) Stage() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Stage()
}

// Code is the failure code, or "" on success.
func (o Outcome) Code() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Code()
}

// FormatValues renders vals as "[i32:5 f64:2.5]".
func FormatValues(vals []abi.Value) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
