package loader

import "fmt"

// StageName is the pipeline stage reported by LoadError.
const StageName = "load"

// LoadErrorKind classifies a load failure.
type LoadErrorKind string

const (
	MalformedBinary    LoadErrorKind = "MALFORMED_BINARY"
	UnsupportedFeature LoadErrorKind = "UNSUPPORTED_FEATURE"
	DisallowedImport   LoadErrorKind = "DISALLOWED_IMPORT"
	TooLarge           LoadErrorKind = "TOO_LARGE"
)

// LoadError is a typed structural or policy rejection of bytecode.
type LoadError struct {
	Kind LoadErrorKind `json:"kind"`
	// Name is the offending import ("module.name") for DisallowedImport.
	Name   string `json:"name,omitempty"`
	Detail string `json:"detail"`
	Err    error  `json:"-"`
}

func (e *LoadError) Error() string {
	kind := string(e.Kind)
	if e.Name != "" {
		kind = fmt.Sprintf("%s(%s)", e.Kind, e.Name)
	}
	if e.Detail == "" {
		return "load: " + kind
	}
	return fmt.Sprintf("load: %s: %s", kind, e.Detail)
}

func (e *LoadError) Unwrap() error { return e.Err }
func (e *LoadError) Stage() string { return StageName }
func (e *LoadError) Code() string  { return string(e.Kind) }
