// Package wasmtest assembles small WebAssembly binaries for tests.
//
// Builder emits the binary format directly (type, import, function, memory,
// export, start, code and data sections) so tests do not depend on an external
// toolchain. Declare imports before functions: function indices count imported
// functions first.
package wasmtest

import (
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/abi"
)

// Section ids.
const (
	secType     = 1
	secImport   = 2
	secFunction = 3
	secMemory   = 5
	secExport   = 7
	secStart    = 8
	secCode     = 10
	secData     = 11
)

// Header is the magic number and version 1.
var Header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

type funcType struct {
	params, results []abi.ValueType
}

type importEntry struct {
	module, name string
	desc         []byte
}

type function struct {
	typeIdx uint32
	locals  []abi.ValueType
	body    []byte
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type segment struct {
	offset uint32
	data   []byte
}

// Builder accumulates module contents.
type Builder struct {
	types       []funcType
	imports     []importEntry
	importFuncs uint32
	funcs       []function
	memory      []byte
	exports     []export
	start       *uint32
	data        []segment
}

func New() *Builder { return &Builder{} }

func (b *Builder) typeIndex(params, results []abi.ValueType) uint32 {
	want := abi.Signature{Params: params, Results: results}
	for i, t := range b.types {
		if want.Equal(abi.Signature{Params: t.params, Results: t.results}) {
			return uint32(i)
		}
	}
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

// ImportFunc declares a function import and returns its function index.
func (b *Builder) ImportFunc(module, name string, params, results []abi.ValueType) uint32 {
	ti := b.typeIndex(params, results)
	b.imports = append(b.imports, importEntry{module: module, name: name, desc: append([]byte{0x00}, uleb(ti)...)})
	b.importFuncs++
	return b.importFuncs - 1
}

// ImportMemory declares a memory import.
func (b *Builder) ImportMemory(module, name string, min uint32) *Builder {
	b.imports = append(b.imports, importEntry{module: module, name: name, desc: append([]byte{0x02, 0x00}, uleb(min)...)})
	return b
}

// ImportGlobal declares an immutable global import of type t.
func (b *Builder) ImportGlobal(module, name string, t abi.ValueType) *Builder {
	b.imports = append(b.imports, importEntry{module: module, name: name, desc: []byte{0x03, byte(t), 0x00}})
	return b
}

// ImportTable declares a funcref table import.
func (b *Builder) ImportTable(module, name string, min uint32) *Builder {
	b.imports = append(b.imports, importEntry{module: module, name: name, desc: append([]byte{0x01, 0x70, 0x00}, uleb(min)...)})
	return b
}

// Func defines a function and returns its index. body must end with 0x0b.
func (b *Builder) Func(params, results []abi.ValueType, body []byte, locals ...abi.ValueType) uint32 {
	ti := b.typeIndex(params, results)
	b.funcs = append(b.funcs, function{typeIdx: ti, locals: locals, body: body})
	return b.importFuncs + uint32(len(b.funcs)-1)
}

// Export exports function idx as name.
func (b *Builder) Export(name string, idx uint32) *Builder {
	b.exports = append(b.exports, export{name: name, kind: 0x00, idx: idx})
	return b
}

// Memory declares memory 0 with min pages and an optional max.
func (b *Builder) Memory(min uint32, max ...uint32) *Builder {
	if len(max) > 0 {
		b.memory = append(append([]byte{0x01}, uleb(min)...), uleb(max[0])...)
	} else {
		b.memory = append([]byte{0x00}, uleb(min)...)
	}
	return b
}

// ExportMemory exports memory 0.
func (b *Builder) ExportMemory(name string) *Builder {
	b.exports = append(b.exports, export{name: name, kind: 0x02, idx: 0})
	return b
}

// Start sets the start function.
func (b *Builder) Start(idx uint32) *Builder {
	b.start = &idx
	return b
}

// Data places bytes at offset in memory 0.
func (b *Builder) Data(offset uint32, data []byte) *Builder {
	b.data = append(b.data, segment{offset: offset, data: data})
	return b
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := append([]byte(nil), Header...)

	if len(b.types) > 0 {
		var s []byte
		s = append(s, uleb(uint32(len(b.types)))...)
		for _, t := range b.types {
			s = append(s, 0x60)
			s = append(s, valTypes(t.params)...)
			s = append(s, valTypes(t.results)...)
		}
		out = appendSection(out, secType, s)
	}

	if len(b.imports) > 0 {
		var s []byte
		s = append(s, uleb(uint32(len(b.imports)))...)
		for _, im := range b.imports {
			s = append(s, name(im.module)...)
			s = append(s, name(im.name)...)
			s = append(s, im.desc...)
		}
		out = appendSection(out, secImport, s)
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = append(s, uleb(uint32(len(b.funcs)))...)
		for _, f := range b.funcs {
			s = append(s, uleb(f.typeIdx)...)
		}
		out = appendSection(out, secFunction, s)
	}

	if b.memory != nil {
		out = appendSection(out, secMemory, append([]byte{0x01}, b.memory...))
	}

	if len(b.exports) > 0 {
		var s []byte
		s = append(s, uleb(uint32(len(b.exports)))...)
		for _, e := range b.exports {
			s = append(s, name(e.name)...)
			s = append(s, e.kind)
			s = append(s, uleb(e.idx)...)
		}
		out = appendSection(out, secExport, s)
	}

	if b.start != nil {
		out = appendSection(out, secStart, uleb(*b.start))
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = append(s, uleb(uint32(len(b.funcs)))...)
		for _, f := range b.funcs {
			var body []byte
			if len(f.locals) == 0 {
				body = append(body, 0x00)
			} else {
				body = append(body, uleb(uint32(len(f.locals)))...)
				for _, l := range f.locals {
					body = append(body, 0x01, byte(l))
				}
			}
			body = append(body, f.body...)
			s = append(s, uleb(uint32(len(body)))...)
			s = append(s, body...)
		}
		out = appendSection(out, secCode, s)
	}

	if len(b.data) > 0 {
		var s []byte
		s = append(s, uleb(uint32(len(b.data)))...)
		for _, d := range b.data {
			s = append(s, 0x00, 0x41)
			s = append(s, sleb(int64(d.offset))...)
			s = append(s, 0x0b)
			s = append(s, uleb(uint32(len(d.data)))...)
			s = append(s, d.data...)
		}
		out = appendSection(out, secData, s)
	}
	return out
}

func appendSection(out []byte, id byte, contents []byte) []byte {
	out = append(out, id)
	out = append(out, uleb(uint32(len(contents)))...)
	return append(out, contents...)
}

func valTypes(ts []abi.ValueType) []byte {
	out := uleb(uint32(len(ts)))
	for _, t := range ts {
		out = append(out, byte(t))
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		out = append(out, c)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(out, c)
		}
		out = append(out, c|0x80)
	}
}

// I32Const encodes "i32.const v".
func I32Const(v int32) []byte { return append([]byte{0x41}, sleb(int64(v))...) }

// Call encodes "call idx".
func Call(idx uint32) []byte { return append([]byte{0x10}, uleb(idx)...) }
