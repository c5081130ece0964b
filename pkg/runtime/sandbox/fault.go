package sandbox

import (
	"context"
	"errors"
	"strings"

	"github.com/tetratelabs/wazero/sys"
)

// FaultKind classifies how a guest call ended abnormally.
type FaultKind int

const (
	FaultNone FaultKind = iota
	// FaultTrap is a WebAssembly trap, an explicit abort or a host function
	// failure.
	FaultTrap
	// FaultExhausted is a resource budget violation other than time.
	FaultExhausted
	// FaultTimeout is the wall-clock ceiling.
	FaultTimeout
)

func (k FaultKind) String() string {
	switch k {
	case FaultTrap:
		return "trap"
	case FaultExhausted:
		return "exhausted"
	case FaultTimeout:
		return "timeout"
	}
	return "none"
}

// Fault describes an abnormal end of a guest call.
type Fault struct {
	Kind   FaultKind
	Reason string
}

// Exit codes used to unwind the guest from host functions.
const (
	exitTrap      uint32 = 0xdead0001
	exitExhausted uint32 = 0xdead0002
)

const wasmErrorPrefix = "wasm error: "

// Classify interprets err returned by a guest call made with ctx. Faults
// raised by host functions take precedence, then the context deadline, then
// the engine's trap message.
func (i *Instance) Classify(ctx context.Context, err error) Fault {
	if err == nil {
		return Fault{}
	}
	if f := i.fault.Load(); f != nil {
		return *f
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return Fault{Kind: FaultTimeout, Reason: "deadline exceeded"}
		case sys.ExitCodeContextCanceled:
			return Fault{Kind: FaultTimeout, Reason: "canceled"}
		}
	}
	if ctx.Err() != nil {
		return Fault{Kind: FaultTimeout, Reason: ctx.Err().Error()}
	}
	return Fault{Kind: FaultTrap, Reason: trapReason(err)}
}

// trapReason extracts the first line of a wazero error without its prefix,
// e.g. "integer divide by zero".
func trapReason(err error) string {
	msg := err.Error()
	if idx := strings.IndexByte(msg, '\n'); idx >= 0 {
		msg = msg[:idx]
	}
	msg = strings.TrimPrefix(msg, wasmErrorPrefix)
	return strings.TrimSuffix(msg, " (recovered by wazero)")
}
