package capabilities

import (
	"context"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/tetratelabs/wazero/api"

	"github.com/dverse-systems/dverse-runtime/pkg/runtime/abi"
)

// Host module names.
const (
	ModuleKapsule = "kapsule"
	ModuleMath    = "math"
)

// MaxLogBytes caps a single guest log message.
const MaxLogBytes = 4096

// Catalog is the immutable registry of host functions, keyed by qualified
// name.
type Catalog struct {
	funcs map[string]HostFunction
}

// NewCatalog builds a catalog, rejecting duplicate names.
func NewCatalog(fns ...HostFunction) (*Catalog, error) {
	c := &Catalog{funcs: make(map[string]HostFunction, len(fns))}
	for _, fn := range fns {
		q := fn.QualifiedName()
		if _, dup := c.funcs[q]; dup {
			return nil, fmt.Errorf("capabilities: duplicate host function %s", q)
		}
		if fn.Call == nil {
			return nil, fmt.Errorf("capabilities: host function %s has no implementation", q)
		}
		c.funcs[q] = fn
	}
	return c, nil
}

// Lookup finds a host function by import module and name.
func (c *Catalog) Lookup(module, name string) (HostFunction, bool) {
	fn, ok := c.funcs[Qualify(module, name)]
	return fn, ok
}

// Get finds a host function by qualified name.
func (c *Catalog) Get(qualified string) (HostFunction, bool) {
	fn, ok := c.funcs[qualified]
	return fn, ok
}

// Names lists qualified names in sorted order.
func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.funcs))
	for q := range c.funcs {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

var (
	noParams = []abi.ValueType(nil)
	f64      = []abi.ValueType{abi.F64}
)

// Builtin returns the catalog of host functions shipped with the runtime.
func Builtin() *Catalog {
	c, err := NewCatalog(builtinFunctions()...)
	if err != nil {
		panic(err)
	}
	return c
}

func builtinFunctions() []HostFunction {
	return []HostFunction{
		{
			Module:    ModuleKapsule,
			Name:      "abort",
			Signature: abi.Func([]abi.ValueType{abi.I32}),
			Doc:       "terminate the current call with an application error code",
			Call: func(_ context.Context, env Env, _ api.Memory, stack []uint64) {
				env.Trap(fmt.Sprintf("kapsule.abort(%d)", api.DecodeI32(stack[0])))
			},
		},
		{
			Module:    ModuleKapsule,
			Name:      "log",
			Signature: abi.Func([]abi.ValueType{abi.I32, abi.I32}),
			Doc:       "write a UTF-8 message from guest memory to the host log",
			Call:      guestLog,
		},
		{
			Module:    ModuleKapsule,
			Name:      "clock_ms",
			Signature: abi.Func(noParams, abi.I64),
			Doc:       "wall clock in unix milliseconds",
			Call: func(_ context.Context, env Env, _ api.Memory, stack []uint64) {
				stack[0] = api.EncodeI64(env.Now().UnixMilli())
			},
		},
		{
			Module:    ModuleKapsule,
			Name:      "random_u32",
			Signature: abi.Func(noParams, abi.I32),
			Doc:       "32 bits from the host random source",
			Call: func(_ context.Context, env Env, _ api.Memory, stack []uint64) {
				stack[0] = uint64(env.RandomU32())
			},
		},
		mathUnary("exp", math.Exp),
		mathUnary("ln", math.Log),
		mathUnary("sin", math.Sin),
		mathUnary("cos", math.Cos),
		{
			Module:    ModuleMath,
			Name:      "pow",
			Signature: abi.Func([]abi.ValueType{abi.F64, abi.F64}, abi.F64),
			Doc:       "x raised to y",
			Call: func(_ context.Context, _ Env, _ api.Memory, stack []uint64) {
				stack[0] = api.EncodeF64(math.Pow(api.DecodeF64(stack[0]), api.DecodeF64(stack[1])))
			},
		},
	}
}

func mathUnary(name string, fn func(float64) float64) HostFunction {
	return HostFunction{
		Module:    ModuleMath,
		Name:      name,
		Signature: abi.Func(f64, abi.F64),
		Doc:       name + "(x)",
		Call: func(_ context.Context, _ Env, _ api.Memory, stack []uint64) {
			stack[0] = api.EncodeF64(fn(api.DecodeF64(stack[0])))
		},
	}
}

func guestLog(_ context.Context, env Env, mem api.Memory, stack []uint64) {
	ptr, n := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	if n > MaxLogBytes {
		n = MaxLogBytes
	}
	if mem == nil {
		env.Trap("kapsule.log: module has no memory")
		return
	}
	buf, ok := mem.Read(ptr, n)
	if !ok {
		env.Trap(fmt.Sprintf("kapsule.log: out of bounds memory access (ptr=%d len=%d)", ptr, n))
		return
	}
	if !env.AllowLog() {
		return
	}
	msg := string(buf)
	if !utf8.ValidString(msg) {
		msg = fmt.Sprintf("%q", buf)
	}
	env.Logger().Info(msg, "source", "guest")
}
