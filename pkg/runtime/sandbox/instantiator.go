// Package sandbox instantiates validated kapsule modules inside isolated
// wazero runtimes.
//
// Deny-by-default: a guest sees only the host functions granted to its
// kapsule type. There is no WASI, no filesystem, no network and no ambient
// clock or randomness; those exist only as explicit capabilities.
//
// Security properties:
//   - one runtime per instance, nothing mutable shared between instances
//   - memory bounded by the per-type page ceiling
//   - start and _initialize bounded by the init timeout
//   - host calls metered against the per-instance budget
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"

	"github.com/dverse-systems/dverse-runtime/pkg/capabilities"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/abi"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/budget"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/loader"
)

// GuestModuleName is the name guests are instantiated under.
const GuestModuleName = "kapsule-guest"

// LimitsFunc returns the resource limits for a kapsule type.
type LimitsFunc func(kapsuleType string) budget.Limits

// Instantiator creates SandboxInstances. It holds only immutable state.
type Instantiator struct {
	engine *Engine
	caps   *capabilities.Set
	limits LimitsFunc
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Instantiator.
type Option func(*Instantiator)

// WithLimits sets the per-type limit resolver.
func WithLimits(fn LimitsFunc) Option {
	return func(in *Instantiator) { in.limits = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(in *Instantiator) { in.logger = l }
}

// WithClock replaces the clock exposed through kapsule.clock_ms.
func WithClock(now func() time.Time) Option {
	return func(in *Instantiator) { in.now = now }
}

// NewInstantiator returns an Instantiator using engine and the capability
// set caps.
func NewInstantiator(engine *Engine, caps *capabilities.Set, opts ...Option) *Instantiator {
	in := &Instantiator{
		engine: engine,
		caps:   caps,
		limits: func(string) budget.Limits { return budget.DefaultLimits() },
		logger: slog.Default().With("component", "sandbox"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Instantiate creates a fresh instance of mod for kapsuleType, running its
// start function and _initialize export under the init timeout.
func (in *Instantiator) Instantiate(ctx context.Context, mod *loader.ValidatedModule, kapsuleType string) (*Instance, error) {
	if mod == nil {
		return nil, &SandboxError{Kind: InitTrap, Detail: "nil module"}
	}
	table := in.caps.Resolve(kapsuleType)
	for _, im := range mod.Imports() {
		if !table.Grants(im.Module, im.Name) {
			return nil, &SandboxError{
				Kind:   UnknownCapabilitySet,
				Detail: fmt.Sprintf("kapsule type %q is not granted %s", kapsuleType, im.QualifiedName()),
			}
		}
	}

	limits := in.limits(kapsuleType).WithDefaults()
	if mem := mod.Memory(); mem.Declared {
		if err := budget.CheckMemoryPages(limits, uint32(mem.MinPages)); err != nil {
			return nil, &SandboxError{Kind: ResourceExceeded, Detail: err.Error(), Err: err}
		}
		if mem.HasMax && mem.MaxPages > uint64(limits.MemoryPages) {
			return nil, &SandboxError{
				Kind:   ResourceExceeded,
				Detail: fmt.Sprintf("module declares a maximum of %d memory pages, ceiling is %d", mem.MaxPages, limits.MemoryPages),
			}
		}
	}

	inst := newInstance(kapsuleType, limits, table, mod, in.logger, in.now)
	rc := in.engine.RuntimeConfig().WithMemoryLimitPages(limits.MemoryPages)
	inst.runtime = wazero.NewRuntimeWithConfig(ctx, rc)

	ok := false
	defer func() {
		if !ok {
			_ = inst.Close(context.Background())
		}
	}()

	if err := in.bindHost(ctx, inst, table); err != nil {
		return nil, &SandboxError{Kind: InitTrap, Detail: fmt.Sprintf("binding capabilities: %v", err), Err: err}
	}

	compiled, err := inst.runtime.CompileModule(ctx, mod.Bytecode())
	if err != nil {
		if strings.Contains(err.Error(), "over limit") {
			return nil, &SandboxError{Kind: ResourceExceeded, Detail: err.Error(), Err: err}
		}
		return nil, &SandboxError{Kind: InitTrap, Detail: fmt.Sprintf("compile: %v", err), Err: err}
	}

	initCtx, cancel := context.WithTimeout(ctx, limits.InitTimeout())
	defer cancel()
	cfg := wazero.NewModuleConfig().
		WithName(GuestModuleName).
		WithStartFunctions("_initialize")
	// Deny-by-default: we do NOT call:
	// - WithFSConfig()    → no filesystem
	// - WithSysWalltime() → no clock outside kapsule.clock_ms
	// - WithRandSource()  → no randomness outside kapsule.random_u32
	// - WithStdout()      → guest output only through kapsule.log
	guest, err := inst.runtime.InstantiateModule(initCtx, compiled, cfg)
	if err != nil {
		f := inst.Classify(initCtx, err)
		in.logger.Warn("initialization failed", "kapsule_type", kapsuleType, "fault", f.Kind.String(), "reason", f.Reason)
		switch f.Kind {
		case FaultExhausted:
			return nil, &SandboxError{Kind: ResourceExceeded, Detail: f.Reason, Err: err}
		case FaultTimeout:
			return nil, &SandboxError{Kind: ResourceExceeded, Detail: fmt.Sprintf("initialization exceeded %s", limits.InitTimeout()), Err: err}
		default:
			return nil, &SandboxError{Kind: InitTrap, Detail: f.Reason, Err: err}
		}
	}
	inst.guest = guest

	ok = true
	in.logger.Debug("instance ready", "instance", inst.ID(), "kapsule_type", kapsuleType, "capabilities", table.Len())
	return inst, nil
}

// bindHost instantiates one host module per capability module name, each
// containing exactly the granted functions.
func (in *Instantiator) bindHost(ctx context.Context, inst *Instance, table capabilities.Table) error {
	byModule := map[string][]capabilities.HostFunction{}
	var order []string
	for _, fn := range table.Functions() {
		if _, seen := byModule[fn.Module]; !seen {
			order = append(order, fn.Module)
		}
		byModule[fn.Module] = append(byModule[fn.Module], fn)
	}
	for _, name := range order {
		if name == GuestModuleName {
			return errors.New("capability module collides with guest module name")
		}
		b := inst.runtime.NewHostModuleBuilder(name)
		for _, fn := range byModule[name] {
			b.NewFunctionBuilder().
				WithGoModuleFunction(inst.bind(fn), abi.ToAPI(fn.Signature.Params), abi.ToAPI(fn.Signature.Results)).
				WithName(fn.Name).
				Export(fn.Name)
		}
		if _, err := b.Instantiate(ctx); err != nil {
			return fmt.Errorf("host module %s: %w", name, err)
		}
	}
	return nil
}
