// Package abi defines the value and function-signature vocabulary shared by the
// loader, the sandbox and the dispatcher.
package abi

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// ValueType is a WebAssembly numeric value type.
type ValueType byte

const (
	I32 ValueType = ValueType(api.ValueTypeI32)
	I64 ValueType = ValueType(api.ValueTypeI64)
	F32 ValueType = ValueType(api.ValueTypeF32)
	F64 ValueType = ValueType(api.ValueTypeF64)
)

func (t ValueType) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

// Valid reports whether t is one of the four numeric types.
func (t ValueType) Valid() bool {
	switch t {
	case I32, I64, F32, F64:
		return true
	}
	return false
}

// ParseValueType parses "i32", "i64", "f32" or "f64".
func ParseValueType(s string) (ValueType, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "i32":
		return I32, nil
	case "i64":
		return I64, nil
	case "f32":
		return F32, nil
	case "f64":
		return F64, nil
	}
	return 0, fmt.Errorf("abi: unknown value type %q", s)
}

// FromAPI converts wazero value types, rejecting reference types.
func FromAPI(types []api.ValueType) ([]ValueType, error) {
	out := make([]ValueType, len(types))
	for i, vt := range types {
		t := ValueType(vt)
		if !t.Valid() {
			return nil, fmt.Errorf("abi: unsupported value type %s", api.ValueTypeName(vt))
		}
		out[i] = t
	}
	return out, nil
}

// ToAPI converts to wazero value types.
func ToAPI(types []ValueType) []api.ValueType {
	out := make([]api.ValueType, len(types))
	for i, t := range types {
		out[i] = api.ValueType(t)
	}
	return out
}

// Value is a typed WebAssembly value. Bits holds the raw encoding used on the
// wazero stack.
type Value struct {
	Type ValueType
	Bits uint64
}

func ValueI32(v int32) Value   { return Value{Type: I32, Bits: api.EncodeI32(v)} }
func ValueI64(v int64) Value   { return Value{Type: I64, Bits: api.EncodeI64(v)} }
func ValueF32(v float32) Value { return Value{Type: F32, Bits: api.EncodeF32(v)} }
func ValueF64(v float64) Value { return Value{Type: F64, Bits: api.EncodeF64(v)} }

func (v Value) I32() int32   { return api.DecodeI32(v.Bits) }
func (v Value) I64() int64   { return int64(v.Bits) }
func (v Value) F32() float32 { return api.DecodeF32(v.Bits) }
func (v Value) F64() float64 { return api.DecodeF64(v.Bits) }

func (v Value) String() string {
	switch v.Type {
	case I32:
		return fmt.Sprintf("i32:%d", v.I32())
	case I64:
		return fmt.Sprintf("i64:%d", v.I64())
	case F32:
		return fmt.Sprintf("f32:%g", v.F32())
	case F64:
		return fmt.Sprintf("f64:%g", v.F64())
	}
	return fmt.Sprintf("%s:%#x", v.Type, v.Bits)
}

// ParseValue parses "<type>:<literal>", e.g. "i32:7" or "f64:2.5".
func ParseValue(s string) (Value, error) {
	typ, lit, ok := strings.Cut(s, ":")
	if !ok {
		return Value{}, fmt.Errorf("abi: value %q is not <type>:<literal>", s)
	}
	t, err := ParseValueType(typ)
	if err != nil {
		return Value{}, err
	}
	switch t {
	case I32:
		n, err := strconv.ParseInt(lit, 10, 64)
		if err != nil || n < math.MinInt32 || n > math.MaxUint32 {
			return Value{}, fmt.Errorf("abi: invalid i32 literal %q", lit)
		}
		return Value{Type: I32, Bits: uint64(uint32(n))}, nil
	case I64:
		n, err := strconv.ParseInt(lit, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("abi: invalid i64 literal %q", lit)
		}
		return ValueI64(n), nil
	case F32:
		f, err := strconv.ParseFloat(lit, 32)
		if err != nil {
			return Value{}, fmt.Errorf("abi: invalid f32 literal %q", lit)
		}
		return ValueF32(float32(f)), nil
	default:
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return Value{}, fmt.Errorf("abi: invalid f64 literal %q", lit)
		}
		return ValueF64(f), nil
	}
}

// Signature is a function type: ordered parameter and result types.
type Signature struct {
	Params  []ValueType
	Results []ValueType
}

// Func builds a Signature.
func Func(params []ValueType, results ...ValueType) Signature {
	return Signature{Params: params, Results: results}
}

// Equal reports an exact match of parameter and result lists.
func (s Signature) Equal(o Signature) bool {
	return equalTypes(s.Params, o.Params) && equalTypes(s.Results, o.Results)
}

func equalTypes(a, b []ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String renders "(i32,i32)->i32"; multiple results are parenthesized.
func (s Signature) String() string {
	var b strings.Builder
	b.WriteString("(")
	writeTypes(&b, s.Params)
	b.WriteString(")->")
	switch len(s.Results) {
	case 1:
		b.WriteString(s.Results[0].String())
	default:
		b.WriteString("(")
		writeTypes(&b, s.Results)
		b.WriteString(")")
	}
	return b.String()
}

func writeTypes(b *strings.Builder, ts []ValueType) {
	for i, t := range ts {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(t.String())
	}
}

// ParseSignature parses the String form: "(i32,i32)->i32", "()->()",
// "(f64)->(f64,f64)".
func ParseSignature(s string) (Signature, error) {
	s = strings.ReplaceAll(s, " ", "")
	params, results, ok := strings.Cut(s, "->")
	if !ok {
		return Signature{}, fmt.Errorf("abi: signature %q lacks '->'", s)
	}
	if !strings.HasPrefix(params, "(") || !strings.HasSuffix(params, ")") {
		return Signature{}, fmt.Errorf("abi: signature %q params must be parenthesized", s)
	}
	ps, err := parseTypeList(params[1 : len(params)-1])
	if err != nil {
		return Signature{}, err
	}
	if strings.HasPrefix(results, "(") && strings.HasSuffix(results, ")") {
		results = results[1 : len(results)-1]
	}
	rs, err := parseTypeList(results)
	if err != nil {
		return Signature{}, err
	}
	return Signature{Params: ps, Results: rs}, nil
}

func parseTypeList(s string) ([]ValueType, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]ValueType, 0, len(parts))
	for _, p := range parts {
		t, err := ParseValueType(p)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Types returns the type of each value.
func Types(vals []Value) []ValueType {
	out := make([]ValueType, len(vals))
	for i, v := range vals {
		out[i] = v.Type
	}
	return out
}

// Encode returns the raw stack encoding of vals.
func Encode(vals []Value) []uint64 {
	out := make([]uint64, len(vals))
	for i, v := range vals {
		out[i] = v.Bits
	}
	return out
}

// Decode pairs raw stack values with their declared types.
func Decode(types []ValueType, raw []uint64) []Value {
	out := make([]Value, len(raw))
	for i, bits := range raw {
		t := I64
		if i < len(types) {
			t = types[i]
		}
		if t == I32 || t == F32 {
			bits = uint64(uint32(bits))
		}
		out[i] = Value{Type: t, Bits: bits}
	}
	return out
}
