package kapsule

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// PayloadDomain separates kapsule signatures from any other use of an
// author key.
const PayloadDomain = "dverse.kapsule.v1"

// Digest algorithms.
const (
	HashSHA256  = "sha256"
	HashSHA3256 = "sha3-256"
	HashBLAKE3  = "blake3"
)

// ErrUnsupportedHash is returned for an unknown HashAlg.
var ErrUnsupportedHash = errors.New("kapsule: unsupported hash algorithm")

// HashBytes digests data with alg and returns the raw sum.
func HashBytes(alg string, data []byte) ([]byte, error) {
	switch alg {
	case HashSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case HashSHA3256:
		sum := sha3.Sum256(data)
		return sum[:], nil
	case HashBLAKE3:
		sum := blake3.Sum256(data)
		return sum[:], nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedHash, alg)
}

// Digest returns "<alg>:<hex>" of the bytecode.
func (r *Record) Digest() (string, error) {
	sum, err := HashBytes(r.hashAlg, r.bytecode)
	if err != nil {
		return "", err
	}
	return r.hashAlg + ":" + hex.EncodeToString(sum), nil
}

// CID returns the CIDv1 (raw codec, sha2-256) of the bytecode.
func (r *Record) CID() string {
	mh, err := multihash.Sum(r.bytecode, multihash.SHA2_256, -1)
	if err != nil {
		// sha2-256 is always registered.
		return ""
	}
	return cid.NewCidV1(cid.Raw, mh).String()
}

type signedPayload struct {
	Domain         string `json:"domain"`
	Scheme         string `json:"scheme"`
	KapsuleID      string `json:"kapsule_id"`
	KapsuleType    string `json:"kapsule_type"`
	Version        string `json:"version,omitempty"`
	BytecodeDigest string `json:"bytecode_digest"`
}

// SignedPayload returns the exact bytes an author signs: the RFC 8785
// canonical JSON of the domain tag, scheme, id, type, version and bytecode
// digest. Changing any of them, including the type, invalidates the signature.
func (r *Record) SignedPayload() ([]byte, error) {
	digest, err := r.Digest()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(signedPayload{
		Domain:         PayloadDomain,
		Scheme:         r.scheme,
		KapsuleID:      r.id,
		KapsuleType:    r.kind,
		Version:        r.version,
		BytecodeDigest: digest,
	})
	if err != nil {
		return nil, fmt.Errorf("kapsule: payload marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("kapsule: payload canonicalization: %w", err)
	}
	return canon, nil
}
