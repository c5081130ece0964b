package trust

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dverse-systems/dverse-runtime/pkg/kapsule"
)

var code = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func signed(t *testing.T, s kapsule.Signer, f kapsule.Fields) *kapsule.Record {
	t.Helper()
	rec, err := kapsule.Sign(f, s)
	require.NoError(t, err)
	return rec
}

func kind(t *testing.T, err error) AuthErrorKind {
	t.Helper()
	var ae *AuthError
	require.True(t, errors.As(err, &ae), "expected *AuthError, got %v", err)
	assert.Equal(t, StageName, ae.Stage())
	return ae.Kind
}

func TestVerify_ValidEd25519(t *testing.T) {
	s, err := kapsule.NewEd25519Signer()
	require.NoError(t, err)
	rec := signed(t, s, kapsule.Fields{Bytecode: code, ID: "calc", Type: "math"})
	assert.NoError(t, NewVerifier().Verify(rec))
}

func TestVerify_ValidDilithium3(t *testing.T) {
	s, err := kapsule.NewDilithium3Signer(nil)
	require.NoError(t, err)
	rec := signed(t, s, kapsule.Fields{Bytecode: code, ID: "calc", Type: "math", HashAlg: kapsule.HashSHA3256})
	assert.NoError(t, NewVerifier().Verify(rec))
}

func TestVerify_FlippedByte(t *testing.T) {
	s, err := kapsule.NewEd25519Signer()
	require.NoError(t, err)
	f := signed(t, s, kapsule.Fields{Bytecode: code, ID: "calc", Type: "math"}).Fields()
	f.Bytecode[len(f.Bytecode)-1] ^= 0x01

	assert.Equal(t, BadSignature, kind(t, NewVerifier().Verify(kapsule.New(f))))
}

func TestVerify_RelabeledType(t *testing.T) {
	s, err := kapsule.NewEd25519Signer()
	require.NoError(t, err)
	f := signed(t, s, kapsule.Fields{Bytecode: code, ID: "calc", Type: "math"}).Fields()
	f.Type = "system"

	assert.Equal(t, BadSignature, kind(t, NewVerifier().Verify(kapsule.New(f))))
}

func TestVerify_WrongKey(t *testing.T) {
	s, err := kapsule.NewEd25519Signer()
	require.NoError(t, err)
	other, err := kapsule.NewEd25519Signer()
	require.NoError(t, err)
	f := signed(t, s, kapsule.Fields{Bytecode: code, ID: "calc", Type: "math"}).Fields()
	f.AuthorKey = other.PublicKey()

	assert.Equal(t, BadSignature, kind(t, NewVerifier().Verify(kapsule.New(f))))
}

func TestVerify_Failures(t *testing.T) {
	s, err := kapsule.NewEd25519Signer()
	require.NoError(t, err)
	good := signed(t, s, kapsule.Fields{Bytecode: code, ID: "calc", Type: "math"}).Fields()

	cases := []struct {
		name   string
		mutate func(f *kapsule.Fields)
		want   AuthErrorKind
	}{
		{"empty bytecode", func(f *kapsule.Fields) { f.Bytecode = nil }, EmptyPayload},
		{"short key", func(f *kapsule.Fields) { f.AuthorKey = f.AuthorKey[:31] }, MalformedKey},
		{"missing key", func(f *kapsule.Fields) { f.AuthorKey = nil }, IncompleteRecord},
		{"missing id", func(f *kapsule.Fields) { f.ID = "" }, IncompleteRecord},
		{"short signature", func(f *kapsule.Fields) { f.Signature = f.Signature[:10] }, BadSignature},
		{"unknown scheme", func(f *kapsule.Fields) { f.Scheme = "rsa" }, UnsupportedScheme},
		{"unknown hash", func(f *kapsule.Fields) { f.HashAlg = "md5" }, UnsupportedScheme},
		{"dilithium label on ed25519 key", func(f *kapsule.Fields) { f.Scheme = kapsule.SchemeDilithium3 }, MalformedKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := good
			f.AuthorKey = append([]byte(nil), good.AuthorKey...)
			f.Signature = append([]byte(nil), good.Signature...)
			tc.mutate(&f)
			assert.Equal(t, tc.want, kind(t, NewVerifier().Verify(kapsule.New(f))))
		})
	}

	assert.Equal(t, IncompleteRecord, kind(t, NewVerifier().Verify(nil)))
}

func TestVerify_Idempotent(t *testing.T) {
	s, err := kapsule.NewEd25519Signer()
	require.NoError(t, err)
	rec := signed(t, s, kapsule.Fields{Bytecode: code, ID: "calc", Type: "math"})
	f := rec.Fields()
	f.Signature[0] ^= 0xff
	bad := kapsule.New(f)

	v := NewVerifier()
	assert.Equal(t, v.Verify(rec), v.Verify(rec))
	assert.Equal(t, v.Verify(bad), v.Verify(bad))
}

func TestVerify_TrustedAuthors(t *testing.T) {
	trusted, err := kapsule.NewEd25519Signer()
	require.NoError(t, err)
	stranger, err := kapsule.NewEd25519Signer()
	require.NoError(t, err)

	v := NewVerifier(WithTrustedAuthors(trusted.PublicKey()))
	assert.NoError(t, v.Verify(signed(t, trusted, kapsule.Fields{Bytecode: code, ID: "a", Type: "math"})))

	err = v.Verify(signed(t, stranger, kapsule.Fields{Bytecode: code, ID: "a", Type: "math"}))
	assert.Equal(t, UntrustedAuthor, kind(t, err))
	assert.True(t, NewVerifier(WithTrustedAuthors()).IsTrusted(stranger.PublicKey()))
}

func TestVerify_CustomScheme(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s := kapsule.NewEd25519SignerFromKey(priv)
	rec := signed(t, s, kapsule.Fields{Bytecode: code, ID: "a", Type: "math"})

	rejectAll := Ed25519()
	rejectAll.Verify = func(key, msg, sig []byte) (bool, error) { return false, nil }
	v := NewVerifier(WithScheme(rejectAll))
	assert.Equal(t, BadSignature, kind(t, v.Verify(rec)))
	assert.Equal(t, []byte(pub), rec.AuthorKey())
}

func TestFingerprint(t *testing.T) {
	assert.Len(t, Fingerprint([]byte("key")), 16)
}
