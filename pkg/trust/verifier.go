// Package trust verifies kapsule authenticity before any bytecode is parsed.
//
// The Verifier recomputes the canonical signed payload of a record (see
// kapsule.Record.SignedPayload) and checks the author's signature over it with
// the declared scheme. Verification is a pure function of the record: the same
// record always yields the same outcome.
package trust

import (
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/dverse-systems/dverse-runtime/pkg/kapsule"
)

// Verifier checks kapsule signatures. It is immutable after construction and
// safe for concurrent use.
type Verifier struct {
	schemes map[string]Scheme
	trusted map[string]struct{}
	logger  *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTrustedAuthors restricts accepted author keys. An empty list disables
// the restriction.
func WithTrustedAuthors(keys ...[]byte) Option {
	return func(v *Verifier) {
		if len(keys) == 0 {
			return
		}
		v.trusted = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			v.trusted[hex.EncodeToString(k)] = struct{}{}
		}
	}
}

// WithScheme registers or replaces a signature scheme.
func WithScheme(s Scheme) Option {
	return func(v *Verifier) { v.schemes[s.Name] = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// NewVerifier returns a Verifier accepting ed25519 and dilithium3.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		schemes: map[string]Scheme{},
		logger:  slog.Default().With("component", "trust"),
	}
	for _, s := range []Scheme{Ed25519(), Dilithium3()} {
		v.schemes[s.Name] = s
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns nil if rec carries a valid signature by an acceptable
// author, or an *AuthError describing why not.
func (v *Verifier) Verify(rec *kapsule.Record) error {
	if rec == nil {
		return authErr(IncompleteRecord, "nil record")
	}
	if rec.Size() == 0 {
		return authErr(EmptyPayload, "bytecode is empty")
	}
	if err := rec.Validate(); err != nil {
		return &AuthError{Kind: IncompleteRecord, Detail: err.Error()}
	}

	scheme, ok := v.schemes[rec.Scheme()]
	if !ok {
		return authErr(UnsupportedScheme, "scheme %q", rec.Scheme())
	}
	key := rec.AuthorKey()
	if len(key) != scheme.KeySize {
		return authErr(MalformedKey, "%s key is %d bytes, want %d", scheme.Name, len(key), scheme.KeySize)
	}
	sig := rec.Signature()
	if len(sig) != scheme.SignatureSize {
		return authErr(BadSignature, "%s signature is %d bytes, want %d", scheme.Name, len(sig), scheme.SignatureSize)
	}

	payload, err := rec.SignedPayload()
	if err != nil {
		if errors.Is(err, kapsule.ErrUnsupportedHash) {
			return authErr(UnsupportedScheme, "hash %q", rec.HashAlg())
		}
		return &AuthError{Kind: IncompleteRecord, Detail: err.Error()}
	}

	valid, err := scheme.Verify(key, payload, sig)
	if err != nil {
		return authErr(MalformedKey, "%s key: %v", scheme.Name, err)
	}
	if !valid {
		v.logger.Warn("signature rejected", "kapsule_id", rec.ID(), "kapsule_type", rec.Type(), "scheme", scheme.Name)
		return authErr(BadSignature, "signature does not match payload for %s", rec)
	}

	if !v.IsTrusted(key) {
		return authErr(UntrustedAuthor, "author %s is not in the trusted set", Fingerprint(key))
	}
	return nil
}

// Fingerprint is a short printable identifier for an author key.
func Fingerprint(key []byte) string {
	sum, _ := kapsule.HashBytes(kapsule.HashSHA256, key)
	return hex.EncodeToString(sum[:8])
}

// IsTrusted reports whether key is accepted by the author allow-list.
func (v *Verifier) IsTrusted(key []byte) bool {
	if v.trusted == nil {
		return true
	}
	_, ok := v.trusted[hex.EncodeToString(key)]
	return ok
}
