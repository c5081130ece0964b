// Package kapsule defines the kapsule record: a unit of WebAssembly bytecode
// plus the authenticity metadata that travels with it.
//
// A Record is immutable once constructed. New copies every byte slice it is
// given and every accessor returns a copy, so callers can never observe or
// cause mutation of a record that has already been verified.
package kapsule

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/text/unicode/norm"
)

// Signature schemes.
const (
	SchemeEd25519    = "ed25519"
	SchemeDilithium3 = "dilithium3"
)

var (
	ErrMissingField   = errors.New("kapsule: missing required field")
	ErrNotNormalized  = errors.New("kapsule: field is not NFC normalized")
	ErrInvalidVersion = errors.New("kapsule: invalid version")
)

// Fields is the mutable input to New.
type Fields struct {
	Bytecode  []byte
	ID        string
	Type      string
	AuthorKey []byte
	Signature []byte
	Scheme    string
	HashAlg   string
	Version   string
}

// Record is a kapsule as received by the host.
type Record struct {
	bytecode  []byte
	id        string
	kind      string
	authorKey []byte
	signature []byte
	scheme    string
	hashAlg   string
	version   string
}

// New builds an immutable Record. Scheme and HashAlg default to ed25519 and
// sha256.
func New(f Fields) *Record {
	r := &Record{
		bytecode:  bytes.Clone(f.Bytecode),
		id:        f.ID,
		kind:      f.Type,
		authorKey: bytes.Clone(f.AuthorKey),
		signature: bytes.Clone(f.Signature),
		scheme:    f.Scheme,
		hashAlg:   f.HashAlg,
		version:   f.Version,
	}
	if r.scheme == "" {
		r.scheme = SchemeEd25519
	}
	if r.hashAlg == "" {
		r.hashAlg = HashSHA256
	}
	return r
}

func (r *Record) Bytecode() []byte  { return bytes.Clone(r.bytecode) }
func (r *Record) ID() string        { return r.id }
func (r *Record) Type() string      { return r.kind }
func (r *Record) AuthorKey() []byte { return bytes.Clone(r.authorKey) }
func (r *Record) Signature() []byte { return bytes.Clone(r.signature) }
func (r *Record) Scheme() string    { return r.scheme }
func (r *Record) HashAlg() string   { return r.hashAlg }
func (r *Record) Version() string   { return r.version }

// Size is the bytecode length in bytes.
func (r *Record) Size() int { return len(r.bytecode) }

// Fields returns a copy of the record's contents.
func (r *Record) Fields() Fields {
	return Fields{
		Bytecode:  r.Bytecode(),
		ID:        r.id,
		Type:      r.kind,
		AuthorKey: r.AuthorKey(),
		Signature: r.Signature(),
		Scheme:    r.scheme,
		HashAlg:   r.hashAlg,
		Version:   r.version,
	}
}

// Validate checks that every required field is present and well formed.
// It does not verify the signature.
func (r *Record) Validate() error {
	switch {
	case len(r.bytecode) == 0:
		return fmt.Errorf("%w: bytecode", ErrMissingField)
	case r.id == "":
		return fmt.Errorf("%w: kapsule_id", ErrMissingField)
	case r.kind == "":
		return fmt.Errorf("%w: kapsule_type", ErrMissingField)
	case len(r.authorKey) == 0:
		return fmt.Errorf("%w: author_key", ErrMissingField)
	case len(r.signature) == 0:
		return fmt.Errorf("%w: signature", ErrMissingField)
	}
	if !norm.NFC.IsNormalString(r.id) {
		return fmt.Errorf("%w: kapsule_id", ErrNotNormalized)
	}
	if !norm.NFC.IsNormalString(r.kind) {
		return fmt.Errorf("%w: kapsule_type", ErrNotNormalized)
	}
	if r.version != "" {
		if _, err := semver.StrictNewVersion(r.version); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidVersion, r.version, err)
		}
	}
	return nil
}

// SemVer parses Version. It returns nil when the record carries no version.
func (r *Record) SemVer() (*semver.Version, error) {
	if r.version == "" {
		return nil, nil
	}
	v, err := semver.StrictNewVersion(r.version)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, r.version, err)
	}
	return v, nil
}

func (r *Record) String() string {
	if r.version != "" {
		return fmt.Sprintf("%s@%s[%s]", r.id, r.version, r.kind)
	}
	return fmt.Sprintf("%s[%s]", r.id, r.kind)
}
