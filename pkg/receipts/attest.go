package receipts

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the iss claim of receipt attestations.
const Issuer = "dverse.systems/kapsule-host"

// Claims is the payload of a receipt attestation.
type Claims struct {
	jwt.RegisteredClaims
	KapsuleType string `json:"kapsule_type"`
	Version     string `json:"version,omitempty"`
	CID         string `json:"cid,omitempty"`
	EntryPoint  string `json:"entry_point"`
	Status      Status `json:"status"`
	Stage       string `json:"stage,omitempty"`
	Code        string `json:"code,omitempty"`
	Result      string `json:"result"`
	DurationMs  int64  `json:"duration_ms"`
}

// Attestor signs receipts as EdDSA JWTs with the host key.
type Attestor struct {
	key ed25519.PrivateKey
	now func() time.Time
}

func NewAttestor(key ed25519.PrivateKey) *Attestor {
	return &Attestor{key: key, now: time.Now}
}

// PublicKey returns the key attestations verify against.
func (a *Attestor) PublicKey() ed25519.PublicKey {
	return a.key.Public().(ed25519.PublicKey)
}

// Attest signs r and stores the token in r.Attestation.
func (a *Attestor) Attest(r *Receipt) error {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       r.InvocationID,
			Subject:  r.KapsuleID,
			Issuer:   Issuer,
			IssuedAt: jwt.NewNumericDate(a.now()),
		},
		KapsuleType: r.KapsuleType,
		Version:     r.Version,
		CID:         r.CID,
		EntryPoint:  r.EntryPoint,
		Status:      r.Status,
		Stage:       r.Stage,
		Code:        r.Code,
		Result:      r.Result,
		DurationMs:  r.Duration.Milliseconds(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(a.key)
	if err != nil {
		return fmt.Errorf("receipts: attest: %w", err)
	}
	r.Attestation = token
	return nil
}

// VerifyAttestation checks r.Attestation against pub and that its claims
// describe r.
func VerifyAttestation(r *Receipt, pub ed25519.PublicKey) (*Claims, error) {
	if r.Attestation == "" {
		return nil, errors.New("receipts: receipt is not attested")
	}
	token, err := jwt.ParseWithClaims(r.Attestation, &Claims{},
		func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(Issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("receipts: verify attestation: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.ID != r.InvocationID || claims.Subject != r.KapsuleID ||
		claims.Status != r.Status || claims.Code != r.Code || claims.Result != r.Result {
		return nil, errors.New("receipts: attestation does not match receipt")
	}
	return claims, nil
}
