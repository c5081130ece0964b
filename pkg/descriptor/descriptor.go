// Package descriptor reads and writes kapsule descriptors: the sidecar
// metadata (identity, author key, signature) that accompanies bytecode.
//
// Descriptors are JSON, JSONC or CBOR. Every format is checked against the
// same embedded JSON Schema before it is decoded; in JSON, keys and
// signatures are standard base64, in CBOR they may be byte strings.
package descriptor

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/jsonc"

	"github.com/dverse-systems/dverse-runtime/pkg/kapsule"
	"github.com/dverse-systems/dverse-runtime/pkg/runtime/abi"
)

// Format is a descriptor encoding.
type Format string

const (
	JSON  Format = "json"
	JSONC Format = "jsonc"
	CBOR  Format = "cbor"
)

var (
	ErrInvalid        = errors.New("descriptor: invalid")
	ErrNoBytecode     = errors.New("descriptor: no bytecode")
	ErrDigestMismatch = errors.New("descriptor: bytecode digest mismatch")
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://schemas.dverse.systems/kapsule/descriptor.v1.schema.json"

var schema = mustSchema()

func mustSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("descriptor: schema load failed: %v", err))
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("descriptor: schema compile failed: %v", err))
	}
	return s
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("descriptor: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("descriptor: CBOR decoder initialization failed: " + err.Error())
	}
}

// Descriptor is the metadata half of a kapsule.
type Descriptor struct {
	ID             string `json:"kapsule_id"`
	Type           string `json:"kapsule_type"`
	Version        string `json:"version,omitempty"`
	Scheme         string `json:"scheme,omitempty"`
	HashAlg        string `json:"hash_alg,omitempty"`
	AuthorKey      []byte `json:"author_key"`
	Signature      []byte `json:"signature"`
	Bytecode       []byte `json:"bytecode,omitempty"`
	BytecodeDigest string `json:"bytecode_digest,omitempty"`
	Entry          *Entry `json:"entry,omitempty"`
}

// Entry names the default entry point and its signature, e.g.
// {"name": "add", "signature": "(i32,i32)->i32"}.
type Entry struct {
	Name      string `json:"name"`
	Signature string `json:"signature"`
}

// ParseSignature parses e.Signature.
func (e *Entry) ParseSignature() (abi.Signature, error) {
	return abi.ParseSignature(e.Signature)
}

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return JSON, nil
	case ".jsonc":
		return JSONC, nil
	case ".cbor":
		return CBOR, nil
	}
	return "", fmt.Errorf("descriptor: unknown format for %s", path)
}

// ReadFile loads a descriptor from disk.
func ReadFile(path string) (*Descriptor, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	d, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Parse validates data against the descriptor schema and decodes it.
func Parse(data []byte, format Format) (*Descriptor, error) {
	var doc []byte
	switch format {
	case JSON:
		doc = data
	case JSONC:
		doc = jsonc.ToJSON(data)
	case CBOR:
		var v any
		if err := decMode.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: cbor: %v", ErrInvalid, err)
		}
		// Byte strings become base64 text, the JSON form of the same field.
		var err error
		if doc, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("%w: cbor: %v", ErrInvalid, err)
		}
	default:
		return nil, fmt.Errorf("descriptor: unknown format %q", format)
	}

	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var d Descriptor
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if d.Entry != nil {
		if _, err := d.Entry.ParseSignature(); err != nil {
			return nil, fmt.Errorf("%w: entry: %v", ErrInvalid, err)
		}
	}
	return &d, nil
}

// Marshal encodes d. JSONC output is plain JSON.
func (d *Descriptor) Marshal(format Format) ([]byte, error) {
	switch format {
	case JSON, JSONC:
		return json.MarshalIndent(d, "", "  ")
	case CBOR:
		return encMode.Marshal(d)
	}
	return nil, fmt.Errorf("descriptor: unknown format %q", format)
}

// Record combines d with bytecode. A nil bytecode uses the inline bytecode
// of the descriptor.
func (d *Descriptor) Record(bytecode []byte) (*kapsule.Record, error) {
	if bytecode == nil {
		bytecode = d.Bytecode
	}
	if len(bytecode) == 0 {
		return nil, ErrNoBytecode
	}
	rec := kapsule.New(kapsule.Fields{
		Bytecode:  bytecode,
		ID:        d.ID,
		Type:      d.Type,
		AuthorKey: d.AuthorKey,
		Signature: d.Signature,
		Scheme:    d.Scheme,
		HashAlg:   d.HashAlg,
		Version:   d.Version,
	})
	if d.BytecodeDigest != "" {
		got, err := rec.Digest()
		if err != nil {
			return nil, err
		}
		if got != d.BytecodeDigest {
			return nil, fmt.Errorf("%w: descriptor has %s, bytecode is %s", ErrDigestMismatch, d.BytecodeDigest, got)
		}
	}
	return rec, nil
}

// FromRecord builds a descriptor for rec. The bytecode is referenced by
// digest, not inlined, unless inline is set.
func FromRecord(rec *kapsule.Record, inline bool) (*Descriptor, error) {
	digest, err := rec.Digest()
	if err != nil {
		return nil, err
	}
	d := &Descriptor{
		ID:             rec.ID(),
		Type:           rec.Type(),
		Version:        rec.Version(),
		Scheme:         rec.Scheme(),
		HashAlg:        rec.HashAlg(),
		AuthorKey:      rec.AuthorKey(),
		Signature:      rec.Signature(),
		BytecodeDigest: digest,
	}
	if inline {
		d.Bytecode = rec.Bytecode()
	}
	return d, nil
}
