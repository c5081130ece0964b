// Package dispatch invokes a single exported entry point on a sandbox
// instance and turns every abnormal end into a tagged Result.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dverse-systems/dverse-runtime/pkg/runtime/abi"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/budget"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/sandbox"
)

// Dispatcher invokes entry points. It is stateless and safe for concurrent
// use.
type Dispatcher struct {
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New returns a Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{logger: slog.Default().With("component", "dispatch")}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Invoke calls entryPoint on inst once with args. The export must have
// exactly the expected signature. The instance is consumed and closed when
// Invoke returns, whatever the outcome.
func (d *Dispatcher) Invoke(ctx context.Context, inst *sandbox.Instance, entryPoint string, expected abi.Signature, args []abi.Value) Result {
	if inst == nil {
		return failed(InstanceConsumed, "no instance")
	}
	if !inst.Consume() {
		return failed(InstanceConsumed, fmt.Sprintf("instance %s was already invoked", inst.ID()))
	}
	defer func() {
		if err := inst.Close(context.Background()); err != nil {
			d.logger.Warn("closing instance", "instance", inst.ID(), "error", err)
		}
	}()

	fn := inst.ExportedFunction(entryPoint)
	if fn == nil {
		return failed(EntryPointNotFound, fmt.Sprintf("no exported function %q", entryPoint))
	}
	def := fn.Definition()
	params, err := abi.FromAPI(def.ParamTypes())
	if err != nil {
		return failed(SignatureMismatch, fmt.Sprintf("%s: %v", entryPoint, err))
	}
	results, err := abi.FromAPI(def.ResultTypes())
	if err != nil {
		return failed(SignatureMismatch, fmt.Sprintf("%s: %v", entryPoint, err))
	}
	actual := abi.Signature{Params: params, Results: results}
	if !actual.Equal(expected) {
		return failed(SignatureMismatch, fmt.Sprintf("%s has type %s, expected %s", entryPoint, actual, expected))
	}
	if got := abi.Types(args); !(abi.Signature{Params: got}).Equal(abi.Signature{Params: expected.Params}) {
		return failed(ArgumentMismatch, fmt.Sprintf("%s takes %v, got %v", entryPoint, expected.Params, got))
	}

	limits := inst.Limits()
	callCtx, cancel := context.WithTimeout(ctx, limits.CallTimeout())
	defer cancel()

	start := time.Now()
	raw, err := fn.Call(callCtx, abi.Encode(args)...)
	elapsed := time.Since(start)
	if err != nil {
		res := d.fault(callCtx, inst, limits, elapsed, err)
		d.logger.Info("invocation failed",
			"instance", inst.ID(),
			"entry_point", entryPoint,
			"code", res.Err.Code(),
			"reason", res.Err.Reason,
			"elapsed", elapsed,
			"host_calls", inst.HostCalls(),
		)
		return res
	}
	d.logger.Debug("invocation complete",
		"instance", inst.ID(),
		"entry_point", entryPoint,
		"elapsed", elapsed,
		"host_calls", inst.HostCalls(),
	)
	return Result{Values: abi.Decode(expected.Results, raw)}
}

func (d *Dispatcher) fault(ctx context.Context, inst *sandbox.Instance, limits budget.Limits, elapsed time.Duration, err error) Result {
	f := inst.Classify(ctx, err)
	switch f.Kind {
	case sandbox.FaultExhausted:
		return Result{Err: &DispatchError{Kind: ResourceExceeded, Detail: f.Reason, Err: err}}
	case sandbox.FaultTimeout:
		detail := f.Reason
		if terr := budget.CheckTime(limits, elapsed); terr != nil {
			detail = terr.Error()
		}
		return Result{Err: &DispatchError{Kind: Timeout, Detail: detail, Err: err}}
	default:
		return Result{Err: &DispatchError{Kind: Trap, Reason: f.Reason, Err: err}}
	}
}
