package trust

import (
	"crypto/ed25519"

	"github.com/cloudflare/circl/sign/dilithium/mode3"

	"github.com/dverse-systems/dverse-runtime/pkg/kapsule"
)

// Scheme verifies signatures for one algorithm. KeySize and SignatureSize
// are exact: inputs of any other length are rejected before Verify runs.
type Scheme struct {
	Name          string
	KeySize       int
	SignatureSize int
	// Verify reports whether sig is valid for msg under key. An error means
	// the key bytes could not be decoded.
	Verify func(key, msg, sig []byte) (bool, error)
}

// Ed25519 is the default scheme.
func Ed25519() Scheme {
	return Scheme{
		Name:          kapsule.SchemeEd25519,
		KeySize:       ed25519.PublicKeySize,
		SignatureSize: ed25519.SignatureSize,
		Verify: func(key, msg, sig []byte) (bool, error) {
			return ed25519.Verify(ed25519.PublicKey(key), msg, sig), nil
		},
	}
}

// Dilithium3 is the post-quantum scheme (CRYSTALS-Dilithium, mode 3).
func Dilithium3() Scheme {
	return Scheme{
		Name:          kapsule.SchemeDilithium3,
		KeySize:       mode3.PublicKeySize,
		SignatureSize: mode3.SignatureSize,
		Verify: func(key, msg, sig []byte) (bool, error) {
			var pk mode3.PublicKey
			if err := pk.UnmarshalBinary(key); err != nil {
				return false, err
			}
			return mode3.Verify(&pk, msg, sig), nil
		},
	}
}
