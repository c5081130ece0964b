package loader

import (
	"bytes"
	"sort"

	"github.com/dverse-systems/dverse-runtime/pkg/capabilities"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/abi"
)

// Import is one host function the module needs.
type Import struct {
	Module    string
	Name      string
	Signature abi.Signature
}

// QualifiedName is "module.name".
func (i Import) QualifiedName() string { return capabilities.Qualify(i.Module, i.Name) }

// Export is an exported function. Callable is false when its type uses
// values the host cannot pass (reference types).
type Export struct {
	Name      string
	Signature abi.Signature
	Callable  bool
}

// Memory describes memory 0 as declared by the module.
type Memory struct {
	Declared bool
	MinPages uint64
	MaxPages uint64
	HasMax   bool
}

// ValidatedModule is bytecode that passed structural and import checks. It
// holds a private copy of the bytes and is consumed by one instantiation.
type ValidatedModule struct {
	bytecode      []byte
	imports       []Import
	exports       map[string]Export
	memory        Memory
	hasStart      bool
	hasInitialize bool
}

// Bytecode returns a copy of the validated bytes.
func (m *ValidatedModule) Bytecode() []byte { return bytes.Clone(m.bytecode) }

// Size is the bytecode length.
func (m *ValidatedModule) Size() int { return len(m.bytecode) }

// Imports lists function imports in declaration order.
func (m *ValidatedModule) Imports() []Import { return append([]Import(nil), m.imports...) }

// Export looks up an exported function.
func (m *ValidatedModule) Export(name string) (Export, bool) {
	e, ok := m.exports[name]
	return e, ok
}

// Exports lists exported functions sorted by name.
func (m *ValidatedModule) Exports() []Export {
	out := make([]Export, 0, len(m.exports))
	for _, e := range m.exports {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *ValidatedModule) Memory() Memory { return m.memory }

// HasStart reports whether the module declares a start function.
func (m *ValidatedModule) HasStart() bool { return m.hasStart }

// HasInitialize reports whether the module exports _initialize.
func (m *ValidatedModule) HasInitialize() bool { return m.hasInitialize }
