package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/time/rate"

	"github.com/dverse-systems/dverse-runtime/pkg/capabilities"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/budget"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/loader"
)

// Instance is one live, single-use execution context: its own wazero
// runtime, the guest module and host modules holding exactly the capability
// table granted to the kapsule type. Instances are never pooled.
type Instance struct {
	id          string
	kapsuleType string
	limits      budget.Limits
	table       capabilities.Table
	validated   *loader.ValidatedModule

	runtime wazero.Runtime
	guest   api.Module

	hostCalls   atomic.Uint64
	droppedLogs atomic.Uint64
	fault       atomic.Pointer[Fault]
	consumed    atomic.Bool
	closed      atomic.Bool

	logLimiter *rate.Limiter
	logger     *slog.Logger
	now        func() time.Time
}

func newInstance(kapsuleType string, limits budget.Limits, table capabilities.Table, vm *loader.ValidatedModule, logger *slog.Logger, now func() time.Time) *Instance {
	id := uuid.NewString()
	return &Instance{
		id:          id,
		kapsuleType: kapsuleType,
		limits:      limits,
		table:       table,
		validated:   vm,
		logLimiter:  rate.NewLimiter(rate.Limit(limits.LogRatePerSec), limits.LogBurst),
		logger:      logger.With("instance", id, "kapsule_type", kapsuleType),
		now:         now,
	}
}

func (i *Instance) ID() string                       { return i.id }
func (i *Instance) KapsuleType() string              { return i.kapsuleType }
func (i *Instance) Limits() budget.Limits            { return i.limits }
func (i *Instance) Capabilities() capabilities.Table { return i.table }
func (i *Instance) Module() *loader.ValidatedModule  { return i.validated }
func (i *Instance) HostCalls() uint64                { return i.hostCalls.Load() }
func (i *Instance) DroppedLogs() uint64              { return i.droppedLogs.Load() }
func (i *Instance) Consumed() bool                   { return i.consumed.Load() }

// ExportedFunction returns the guest export name, or nil.
func (i *Instance) ExportedFunction(name string) api.Function {
	if i.guest == nil {
		return nil
	}
	return i.guest.ExportedFunction(name)
}

// Consume marks the instance used. It returns false if it already was.
func (i *Instance) Consume() bool {
	return i.consumed.CompareAndSwap(false, true)
}

// Close tears down the runtime. It is safe to call more than once.
func (i *Instance) Close(ctx context.Context) error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	return i.runtime.Close(ctx)
}

// Fault returns the fault raised by a host function, if any.
func (i *Instance) Fault() *Fault { return i.fault.Load() }

// Logger implements capabilities.Env.
func (i *Instance) Logger() *slog.Logger { return i.logger }

// AllowLog implements capabilities.Env.
func (i *Instance) AllowLog() bool {
	if i.logLimiter.Allow() {
		return true
	}
	i.droppedLogs.Add(1)
	return false
}

// Now implements capabilities.Env.
func (i *Instance) Now() time.Time { return i.now() }

// RandomU32 implements capabilities.Env.
func (i *Instance) RandomU32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		i.Trap(fmt.Sprintf("random source: %v", err))
	}
	return binary.LittleEndian.Uint32(b[:])
}

// Trap implements capabilities.Env. It records the fault and unwinds the
// guest; wazero returns the exit error from the pending call.
func (i *Instance) Trap(reason string) {
	i.raise(Fault{Kind: FaultTrap, Reason: reason}, exitTrap)
}

func (i *Instance) raise(f Fault, code uint32) {
	i.fault.CompareAndSwap(nil, &f)
	panic(sys.NewExitError(code))
}

// bind wraps a host function with host-call metering and panic containment.
func (i *Instance) bind(fn capabilities.HostFunction) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		n := i.hostCalls.Add(1)
		if err := budget.CheckHostCalls(i.limits, n); err != nil {
			i.raise(Fault{Kind: FaultExhausted, Reason: err.Error()}, exitExhausted)
		}
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(*sys.ExitError); ok {
					panic(r)
				}
				i.logger.Error("host function panicked", "function", fn.QualifiedName(), "panic", r)
				i.raise(Fault{Kind: FaultTrap, Reason: fmt.Sprintf("host function %s failed: %v", fn.QualifiedName(), r)}, exitTrap)
			}
		}()
		fn.Call(ctx, i, mod.Memory(), stack)
	}
}
