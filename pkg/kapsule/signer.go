package kapsule

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

// Signer produces author signatures over a record's signed payload.
type Signer interface {
	Scheme() string
	PublicKey() []byte
	Sign(msg []byte) ([]byte, error)
}

// Ed25519Signer signs with an ed25519 private key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("kapsule: ed25519 key generation failed: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

func (s *Ed25519Signer) Scheme() string    { return SchemeEd25519 }
func (s *Ed25519Signer) PublicKey() []byte { return append([]byte(nil), s.pub...) }

func (s *Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

// Dilithium3Signer signs with a post-quantum Dilithium mode 3 key.
type Dilithium3Signer struct {
	priv *mode3.PrivateKey
	pub  []byte
}

func NewDilithium3Signer(rng io.Reader) (*Dilithium3Signer, error) {
	if rng == nil {
		rng = rand.Reader
	}
	pk, sk, err := mode3.GenerateKey(rng)
	if err != nil {
		return nil, fmt.Errorf("kapsule: dilithium3 key generation failed: %w", err)
	}
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("kapsule: dilithium3 public key encoding: %w", err)
	}
	return &Dilithium3Signer{priv: sk, pub: pub}, nil
}

func (s *Dilithium3Signer) Scheme() string    { return SchemeDilithium3 }
func (s *Dilithium3Signer) PublicKey() []byte { return append([]byte(nil), s.pub...) }

func (s *Dilithium3Signer) Sign(msg []byte) ([]byte, error) {
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.priv, msg, sig)
	return sig, nil
}

// Sign fills in the author key, scheme and signature for f using s and
// returns the resulting record.
func Sign(f Fields, s Signer) (*Record, error) {
	f.AuthorKey = s.PublicKey()
	f.Scheme = s.Scheme()
	f.Signature = nil
	unsigned := New(f)
	payload, err := unsigned.SignedPayload()
	if err != nil {
		return nil, err
	}
	sig, err := s.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("kapsule: sign %s: %w", unsigned, err)
	}
	f.Signature = sig
	return New(f), nil
}
