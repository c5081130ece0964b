package loader

import (
	"bytes"
	"errors"
	"fmt"
)

// ImportKind is the external kind of an import.
type ImportKind byte

const (
	KindFunc   ImportKind = 0x00
	KindTable  ImportKind = 0x01
	KindMemory ImportKind = 0x02
	KindGlobal ImportKind = 0x03
	KindTag    ImportKind = 0x04
)

func (k ImportKind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindTable:
		return "table"
	case KindMemory:
		return "memory"
	case KindGlobal:
		return "global"
	case KindTag:
		return "tag"
	}
	return fmt.Sprintf("kind(0x%02x)", byte(k))
}

var (
	wasmMagic    = []byte{0x00, 0x61, 0x73, 0x6d}
	coreVersion1 = []byte{0x01, 0x00, 0x00, 0x00}
	// Component-model binaries carry layer 1 in the upper half of the version.
	componentLayer = []byte{0x01, 0x00}
)

var errTruncated = errors.New("unexpected end of section")

type rawImport struct {
	module, name string
	kind         ImportKind
}

type memoryDecl struct {
	min, max uint64
	hasMax   bool
	flags    byte
}

// layout is the subset of a module's sections the loader inspects directly.
type layout struct {
	imports  []rawImport
	memory   *memoryDecl
	hasStart bool
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, errTruncated
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u64() (uint64, error) {
	var v uint64
	for shift := uint(0); shift < 64; shift += 7 {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, errors.New("LEB128 integer too long")
}

func (r *reader) u32() (uint32, error) {
	v, err := r.u64()
	if err != nil {
		return 0, err
	}
	if v > 0xffffffff {
		return 0, errors.New("LEB128 integer overflows u32")
	}
	return uint32(v), nil
}

func (r *reader) bytes(n uint32) ([]byte, error) {
	if uint64(r.pos)+uint64(n) > uint64(len(r.buf)) {
		return nil, errTruncated
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) limits() (memoryDecl, error) {
	flags, err := r.byte()
	if err != nil {
		return memoryDecl{}, err
	}
	d := memoryDecl{flags: flags}
	if d.min, err = r.u64(); err != nil {
		return d, err
	}
	if flags&0x01 != 0 {
		d.hasMax = true
		if d.max, err = r.u64(); err != nil {
			return d, err
		}
	}
	return d, nil
}

// checkHeader classifies the 8-byte preamble.
func checkHeader(bin []byte) *LoadError {
	if len(bin) < 8 || !bytes.Equal(bin[:4], wasmMagic) {
		return &LoadError{Kind: MalformedBinary, Detail: "missing WebAssembly magic number"}
	}
	if bytes.Equal(bin[4:8], coreVersion1) {
		return nil
	}
	if bytes.Equal(bin[6:8], componentLayer) {
		return &LoadError{Kind: UnsupportedFeature, Detail: "component-model binaries are not supported"}
	}
	return &LoadError{Kind: MalformedBinary, Detail: fmt.Sprintf("unsupported binary version % x", bin[4:8])}
}

// scanSections walks the top-level sections after the header and decodes
// the import, memory and start sections.
func scanSections(bin []byte) (*layout, error) {
	r := &reader{buf: bin, pos: 8}
	out := &layout{}
	for r.pos < len(r.buf) {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, fmt.Errorf("section %d size: %w", id, err)
		}
		payload, err := r.bytes(size)
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		sec := &reader{buf: payload}
		switch id {
		case 2:
			if out.imports, err = scanImports(sec); err != nil {
				return nil, fmt.Errorf("import section: %w", err)
			}
		case 5:
			count, err := sec.u32()
			if err != nil {
				return nil, fmt.Errorf("memory section: %w", err)
			}
			if count > 0 {
				d, err := sec.limits()
				if err != nil {
					return nil, fmt.Errorf("memory section: %w", err)
				}
				out.memory = &d
			}
		case 8:
			out.hasStart = true
		}
	}
	return out, nil
}

func scanImports(r *reader) ([]rawImport, error) {
	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]rawImport, 0, min(count, 1024))
	for i := uint32(0); i < count; i++ {
		var im rawImport
		if im.module, err = r.name(); err != nil {
			return nil, err
		}
		if im.name, err = r.name(); err != nil {
			return nil, err
		}
		k, err := r.byte()
		if err != nil {
			return nil, err
		}
		im.kind = ImportKind(k)
		switch im.kind {
		case KindFunc:
			_, err = r.u32()
		case KindTable:
			if _, err = r.byte(); err == nil {
				_, err = r.limits()
			}
		case KindMemory:
			_, err = r.limits()
		case KindGlobal:
			if _, err = r.byte(); err == nil {
				_, err = r.byte()
			}
		case KindTag:
			if _, err = r.byte(); err == nil {
				_, err = r.u32()
			}
		default:
			return nil, fmt.Errorf("import %s.%s: invalid kind 0x%02x", im.module, im.name, k)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, im)
	}
	return out, nil
}
