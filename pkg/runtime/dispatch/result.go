package dispatch

import (
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/abi"
)

// Result is the outcome of one invocation: either Values or Err, never both.
type Result struct {
	Values []abi.Value
	Err    *DispatchError
}

// OK reports whether the call returned normally.
func (r Result) OK() bool { return r.Err == nil }

// Unwrap returns the values, or the failure as an error.
func (r Result) Unwrap() ([]abi.Value, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Values, nil
}

func failed(kind ErrorKind, detail string) Result {
	return Result{Err: &DispatchError{Kind: kind, Detail: detail}}
}
