package wasmtest

import (
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/abi"
)

var (
	none    = []abi.ValueType(nil)
	i32     = []abi.ValueType{abi.I32}
	i32i32  = []abi.ValueType{abi.I32, abi.I32}
	f64     = []abi.ValueType{abi.F64}
	f64f64  = []abi.ValueType{abi.F64, abi.F64}
	i64     = []abi.ValueType{abi.I64}
	endOnly = []byte{0x0b}
)

// Function bodies.
var (
	bodyAdd         = []byte{0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b}
	bodyDivS        = []byte{0x20, 0x00, 0x20, 0x01, 0x6d, 0x0b}
	bodyIdentity    = []byte{0x20, 0x00, 0x0b}
	bodyLoop        = []byte{0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b}
	bodyUnreachable = []byte{0x00, 0x0b}
	bodyGrow100     = []byte{0x41, 0xe4, 0x00, 0x40, 0x00, 0x0b}
	bodyLoadOOB     = []byte{0x41, 0x80, 0x80, 0x04, 0x28, 0x02, 0x00, 0x0b}
	bodyMemSize     = []byte{0x3f, 0x00, 0x0b}
)

// Add exports add(i32, i32) -> i32.
func Add() []byte {
	b := New()
	b.Export("add", b.Func(i32i32, i32, bodyAdd))
	return b.Bytes()
}

// AddF64 exports add(f64) -> f64, the identity function.
func AddF64() []byte {
	b := New()
	b.Export("add", b.Func(f64, f64, bodyIdentity))
	return b.Bytes()
}

// Arith exports add, div (signed) and spin (infinite loop).
func Arith() []byte {
	b := New()
	b.Export("add", b.Func(i32i32, i32, bodyAdd))
	b.Export("div", b.Func(i32i32, i32, bodyDivS))
	b.Export("spin", b.Func(none, none, bodyLoop))
	return b.Bytes()
}

// Spin exports spin() which never returns.
func Spin() []byte {
	b := New()
	b.Export("spin", b.Func(none, none, bodyLoop))
	return b.Bytes()
}

// Traps exports boom (unreachable), oob (out-of-bounds load), recurse
// (unbounded recursion) and grow (memory.grow by 100 pages).
func Traps() []byte {
	b := New()
	b.Memory(1)
	b.Export("boom", b.Func(none, none, bodyUnreachable))
	b.Export("oob", b.Func(none, i32, bodyLoadOOB))
	recurse := b.Func(none, none, nil)
	b.funcs[len(b.funcs)-1].body = append(Call(recurse), 0x0b)
	b.Export("recurse", recurse)
	b.Export("grow", b.Func(none, i32, bodyGrow100))
	b.Export("pages", b.Func(none, i32, bodyMemSize))
	return b.Bytes()
}

// Abort imports kapsule.abort and exports fail(), which aborts with code 7.
func Abort() []byte {
	b := New()
	abort := b.ImportFunc("kapsule", "abort", i32, none)
	body := append(I32Const(7), Call(abort)...)
	b.Export("fail", b.Func(none, none, append(body, 0x0b)))
	return b.Bytes()
}

// Logger imports kapsule.log and exports hello(), which logs "hello" n times
// where n is its only argument.
func Logger() []byte {
	b := New()
	logFn := b.ImportFunc("kapsule", "log", i32i32, none)
	b.Memory(1)
	b.Data(0, []byte("hello"))
	// loop: if n == 0 break; log(0, 5); n--
	body := []byte{
		0x02, 0x40, // block
		0x03, 0x40, // loop
		0x20, 0x00, 0x45, 0x0d, 0x01, // local.get 0; i32.eqz; br_if 1
	}
	body = append(body, I32Const(0)...)
	body = append(body, I32Const(5)...)
	body = append(body, Call(logFn)...)
	body = append(body,
		0x20, 0x00, 0x41, 0x01, 0x6b, 0x21, 0x00, // n = n - 1
		0x0c, 0x00, // br 0
		0x0b, 0x0b, 0x0b)
	b.Export("hello", b.Func(i32, none, body))
	return b.Bytes()
}

// HostLoop imports kapsule.random_u32 and exports churn(), which calls it
// forever.
func HostLoop() []byte {
	b := New()
	rnd := b.ImportFunc("kapsule", "random_u32", none, i32)
	body := []byte{0x03, 0x40}
	body = append(body, Call(rnd)...)
	body = append(body, 0x1a, 0x0c, 0x00, 0x0b, 0x0b)
	b.Export("churn", b.Func(none, none, body))
	return b.Bytes()
}

// Pow imports math.pow and exports square(f64) -> f64.
func Pow() []byte {
	b := New()
	pow := b.ImportFunc("math", "pow", f64f64, f64)
	body := []byte{0x20, 0x00, 0x44}
	body = append(body, 0, 0, 0, 0, 0, 0, 0, 0x40) // f64.const 2.0
	body = append(body, Call(pow)...)
	body = append(body, 0x0b)
	b.Export("square", b.Func(f64, f64, body))
	return b.Bytes()
}

// Clock imports kapsule.clock_ms and exports now() -> i64.
func Clock() []byte {
	b := New()
	clock := b.ImportFunc("kapsule", "clock_ms", none, i64)
	b.Export("now", b.Func(none, i64, append(Call(clock), 0x0b)))
	return b.Bytes()
}

// ImportsFunc imports module.name with the given type and exports add.
func ImportsFunc(module, name string, params, results []abi.ValueType) []byte {
	b := New()
	b.ImportFunc(module, name, params, results)
	b.Export("add", b.Func(i32i32, i32, bodyAdd))
	return b.Bytes()
}

// FileAccess imports env.open_file(i32, i32) -> i32, a capability no kapsule
// type is ever granted.
func FileAccess() []byte {
	return ImportsFunc("env", "open_file", i32i32, i32)
}

// ImportsMemory imports env.memory.
func ImportsMemory() []byte {
	b := New()
	b.ImportMemory("env", "memory", 1)
	b.Export("add", b.Func(i32i32, i32, bodyAdd))
	return b.Bytes()
}

// ImportsGlobal imports env.g as an i32 global.
func ImportsGlobal() []byte {
	b := New()
	b.ImportGlobal("env", "g", abi.I32)
	b.Export("add", b.Func(i32i32, i32, bodyAdd))
	return b.Bytes()
}

// StartTrap has a start function that executes unreachable.
func StartTrap() []byte {
	b := New()
	b.Start(b.Func(none, none, bodyUnreachable))
	b.Export("add", b.Func(i32i32, i32, bodyAdd))
	return b.Bytes()
}

// StartLoop has a start function that never returns.
func StartLoop() []byte {
	b := New()
	b.Start(b.Func(none, none, bodyLoop))
	b.Export("add", b.Func(i32i32, i32, bodyAdd))
	return b.Bytes()
}

// Initialize exports an _initialize function that traps and add.
func Initialize() []byte {
	b := New()
	b.Export("_initialize", b.Func(none, none, bodyUnreachable))
	b.Export("add", b.Func(i32i32, i32, bodyAdd))
	return b.Bytes()
}

// BigMemory declares a memory of pages minimum pages.
func BigMemory(pages uint32) []byte {
	b := New()
	b.Memory(pages)
	b.Export("add", b.Func(i32i32, i32, bodyAdd))
	return b.Bytes()
}

// Empty is a valid module with no sections.
func Empty() []byte {
	return New().Bytes()
}

// Nop exports nop() with an empty body.
func Nop() []byte {
	b := New()
	b.Export("nop", b.Func(none, none, endOnly))
	return b.Bytes()
}
