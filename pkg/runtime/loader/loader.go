// Package loader turns raw kapsule bytecode into a ValidatedModule.
//
// Loading checks the WebAssembly header, validates the module structurally by
// compiling it with wazero, and enforces the import policy: only function
// imports that exist in the host capability catalog, with the catalog's exact
// type, are accepted. Compilation never executes guest code; start functions
// run later, inside the sandbox.
package loader

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tetratelabs/wazero"

	"github.com/dverse-systems/dverse-runtime/pkg/capabilities"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/abi"
)

// DefaultMaxBytecodeBytes bounds the size of accepted bytecode (16 MiB).
const DefaultMaxBytecodeBytes = 16 << 20

// Loader validates bytecode. It is immutable after construction and safe for
// concurrent use.
type Loader struct {
	catalog       *capabilities.Catalog
	maxBytes      int
	runtimeConfig wazero.RuntimeConfig
	logger        *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithMaxBytecodeBytes overrides the size ceiling.
func WithMaxBytecodeBytes(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

// WithRuntimeConfig sets the wazero configuration used for compilation.
// Passing the sandbox engine's configuration lets instantiation reuse the
// compiled code through the shared compilation cache.
func WithRuntimeConfig(cfg wazero.RuntimeConfig) Option {
	return func(l *Loader) { l.runtimeConfig = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// New returns a Loader that accepts imports from catalog.
func New(catalog *capabilities.Catalog, opts ...Option) *Loader {
	if catalog == nil {
		catalog = capabilities.Builtin()
	}
	l := &Loader{
		catalog:       catalog,
		maxBytes:      DefaultMaxBytecodeBytes,
		runtimeConfig: wazero.NewRuntimeConfig(),
		logger:        slog.Default().With("component", "loader"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load validates bytecode and returns its parsed representation, or a
// *LoadError.
func (l *Loader) Load(ctx context.Context, bytecode []byte) (*ValidatedModule, error) {
	if len(bytecode) > l.maxBytes {
		return nil, &LoadError{Kind: TooLarge, Detail: fmt.Sprintf("bytecode is %d bytes, limit %d", len(bytecode), l.maxBytes)}
	}
	if lerr := checkHeader(bytecode); lerr != nil {
		return nil, lerr
	}
	bin := bytes.Clone(bytecode)

	lay, scanErr := scanSections(bin)

	r := wazero.NewRuntimeWithConfig(ctx, l.runtimeConfig)
	defer func() { _ = r.Close(ctx) }()

	compiled, err := r.CompileModule(ctx, bin)
	if err != nil {
		if scanErr == nil && lay.hasTagImport() {
			return nil, &LoadError{Kind: UnsupportedFeature, Detail: "tag imports (exception handling) are not supported", Err: err}
		}
		return nil, classifyCompileError(err)
	}
	defer func() { _ = compiled.Close(ctx) }()
	if scanErr != nil {
		return nil, &LoadError{Kind: MalformedBinary, Detail: scanErr.Error(), Err: scanErr}
	}

	importTypes := map[string]abi.Signature{}
	for _, def := range compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		params, perr := abi.FromAPI(def.ParamTypes())
		results, rerr := abi.FromAPI(def.ResultTypes())
		if perr != nil || rerr != nil {
			return nil, &LoadError{Kind: DisallowedImport, Name: capabilities.Qualify(mod, name), Detail: "import uses reference types"}
		}
		importTypes[capabilities.Qualify(mod, name)] = abi.Signature{Params: params, Results: results}
	}

	vm := &ValidatedModule{
		bytecode: bin,
		exports:  map[string]Export{},
		hasStart: lay.hasStart,
	}
	for _, im := range lay.imports {
		q := capabilities.Qualify(im.module, im.name)
		if im.kind != KindFunc {
			return nil, &LoadError{Kind: UnsupportedFeature, Detail: fmt.Sprintf("%s import %s", im.kind, q)}
		}
		fn, ok := l.catalog.Lookup(im.module, im.name)
		if !ok {
			l.logger.Warn("disallowed import", "import", q)
			return nil, &LoadError{Kind: DisallowedImport, Name: q, Detail: "not a host capability"}
		}
		sig := importTypes[q]
		if !sig.Equal(fn.Signature) {
			return nil, &LoadError{Kind: DisallowedImport, Name: q, Detail: fmt.Sprintf("imported as %s, host provides %s", sig, fn.Signature)}
		}
		vm.imports = append(vm.imports, Import{Module: im.module, Name: im.name, Signature: sig})
	}

	for name, def := range compiled.ExportedFunctions() {
		params, perr := abi.FromAPI(def.ParamTypes())
		results, rerr := abi.FromAPI(def.ResultTypes())
		vm.exports[name] = Export{
			Name:      name,
			Signature: abi.Signature{Params: params, Results: results},
			Callable:  perr == nil && rerr == nil,
		}
		if name == "_initialize" {
			vm.hasInitialize = true
		}
	}

	if lay.memory != nil {
		vm.memory = Memory{Declared: true, MinPages: lay.memory.min, MaxPages: lay.memory.max, HasMax: lay.memory.hasMax}
	}
	return vm, nil
}

func (lay *layout) hasTagImport() bool {
	for _, im := range lay.imports {
		if im.kind == KindTag {
			return true
		}
	}
	return false
}

// classifyCompileError maps wazero decode and validation failures. Features
// disabled in the engine's core feature set are UnsupportedFeature; anything
// else is structurally malformed.
func classifyCompileError(err error) *LoadError {
	msg := err.Error()
	if strings.Contains(msg, "is disabled") || strings.Contains(msg, "not supported") {
		return &LoadError{Kind: UnsupportedFeature, Detail: msg, Err: err}
	}
	return &LoadError{Kind: MalformedBinary, Detail: msg, Err: err}
}
