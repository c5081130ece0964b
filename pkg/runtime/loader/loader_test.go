package loader

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/dverse-systems/dverse-runtime/pkg/runtime/abi"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/wasmtest"
)

func loadErr(t *testing.T, err error) *LoadError {
	t.Helper()
	var le *LoadError
	require.True(t, errors.As(err, &le), "expected *LoadError, got %v", err)
	assert.Equal(t, StageName, le.Stage())
	return le
}

func TestLoad_Add(t *testing.T) {
	m, err := New(nil).Load(context.Background(), wasmtest.Add())
	require.NoError(t, err)

	e, ok := m.Export("add")
	require.True(t, ok)
	assert.True(t, e.Callable)
	assert.Equal(t, "(i32,i32)->i32", e.Signature.String())
	assert.Empty(t, m.Imports())
	assert.False(t, m.HasStart())
	assert.False(t, m.Memory().Declared)
}

func TestLoad_DoesNotAliasInput(t *testing.T) {
	bin := wasmtest.Add()
	m, err := New(nil).Load(context.Background(), bin)
	require.NoError(t, err)
	bin[0] = 0xff
	assert.Equal(t, wasmtest.Add(), m.Bytecode())
}

func TestLoad_Malformed(t *testing.T) {
	add := wasmtest.Add()
	cases := map[string][]byte{
		"garbage":     []byte("not a wasm module at all"),
		"short":       {0x00, 0x61, 0x73},
		"version 2":   {0x00, 0x61, 0x73, 0x6d, 0x02, 0x00, 0x00, 0x00},
		"truncated":   add[:len(add)-1],
		"bad section": append(append([]byte(nil), wasmtest.Header...), 0x01, 0x05, 0x01),
	}
	for name, bin := range cases {
		t.Run(name, func(t *testing.T) {
			m, err := New(nil).Load(context.Background(), bin)
			assert.Nil(t, m)
			assert.Equal(t, MalformedBinary, loadErr(t, err).Kind)
		})
	}
}

func TestLoad_Component(t *testing.T) {
	bin := []byte{0x00, 0x61, 0x73, 0x6d, 0x0d, 0x00, 0x01, 0x00}
	_, err := New(nil).Load(context.Background(), bin)
	assert.Equal(t, UnsupportedFeature, loadErr(t, err).Kind)
}

func TestLoad_TooLarge(t *testing.T) {
	_, err := New(nil, WithMaxBytecodeBytes(16)).Load(context.Background(), wasmtest.Add())
	assert.Equal(t, TooLarge, loadErr(t, err).Kind)
}

func TestLoad_DisallowedImport(t *testing.T) {
	_, err := New(nil).Load(context.Background(), wasmtest.FileAccess())
	le := loadErr(t, err)
	assert.Equal(t, DisallowedImport, le.Kind)
	assert.Equal(t, "env.open_file", le.Name)
	assert.Contains(t, le.Error(), "DISALLOWED_IMPORT(env.open_file)")
}

func TestLoad_WrongImportType(t *testing.T) {
	i32 := []abi.ValueType{abi.I32}
	bin := wasmtest.ImportsFunc("math", "pow", []abi.ValueType{abi.I32, abi.I32}, i32)
	_, err := New(nil).Load(context.Background(), bin)
	le := loadErr(t, err)
	assert.Equal(t, DisallowedImport, le.Kind)
	assert.Equal(t, "math.pow", le.Name)
}

func TestLoad_NonFunctionImports(t *testing.T) {
	for name, bin := range map[string][]byte{
		"memory": wasmtest.ImportsMemory(),
		"global": wasmtest.ImportsGlobal(),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(nil).Load(context.Background(), bin)
			assert.Equal(t, UnsupportedFeature, loadErr(t, err).Kind)
		})
	}
}

func TestLoad_DisabledFeature(t *testing.T) {
	b := wasmtest.New()
	i32 := []abi.ValueType{abi.I32}
	b.Export("ext", b.Func(i32, i32, []byte{0x20, 0x00, 0xc0, 0x0b})) // i32.extend8_s
	bin := b.Bytes()

	_, err := New(nil).Load(context.Background(), bin)
	require.NoError(t, err)

	v1 := New(nil, WithRuntimeConfig(wazero.NewRuntimeConfig().WithCoreFeatures(api.CoreFeaturesV1)))
	_, err = v1.Load(context.Background(), bin)
	assert.Equal(t, UnsupportedFeature, loadErr(t, err).Kind)
}

func TestLoad_CapabilityImports(t *testing.T) {
	m, err := New(nil).Load(context.Background(), wasmtest.Abort())
	require.NoError(t, err)
	imports := m.Imports()
	require.Len(t, imports, 1)
	assert.Equal(t, "kapsule.abort", imports[0].QualifiedName())
	assert.Equal(t, "(i32)->()", imports[0].Signature.String())
}

func TestLoad_StartAndMemoryMetadata(t *testing.T) {
	l := New(nil)

	m, err := l.Load(context.Background(), wasmtest.StartLoop())
	require.NoError(t, err, "compilation must not run the start function")
	assert.True(t, m.HasStart())

	m, err = l.Load(context.Background(), wasmtest.Initialize())
	require.NoError(t, err)
	assert.True(t, m.HasInitialize())

	m, err = l.Load(context.Background(), wasmtest.BigMemory(1024))
	require.NoError(t, err)
	assert.Equal(t, Memory{Declared: true, MinPages: 1024}, m.Memory())

	names := []string{}
	m, err = l.Load(context.Background(), wasmtest.Arith())
	require.NoError(t, err)
	for _, e := range m.Exports() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"add", "div", "spin"}, names)
}

func TestScanSections_TagImport(t *testing.T) {
	bin := append([]byte(nil), wasmtest.Header...)
	// import section: 1 import "e"."t" tag(attr 0, type 0)
	bin = append(bin, 0x02, 0x08, 0x01, 0x01, 'e', 0x01, 't', 0x04, 0x00, 0x00)
	lay, err := scanSections(bin)
	require.NoError(t, err)
	assert.True(t, lay.hasTagImport())

	_, err = New(nil).Load(context.Background(), bin)
	assert.Equal(t, UnsupportedFeature, loadErr(t, err).Kind)
}
