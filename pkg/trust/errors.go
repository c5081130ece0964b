package trust

import "fmt"

// StageName is the pipeline stage reported by AuthError.
const StageName = "verify"

// AuthErrorKind classifies a verification failure.
type AuthErrorKind string

const (
	BadSignature      AuthErrorKind = "BAD_SIGNATURE"
	MalformedKey      AuthErrorKind = "MALFORMED_KEY"
	EmptyPayload      AuthErrorKind = "EMPTY_PAYLOAD"
	UnsupportedScheme AuthErrorKind = "UNSUPPORTED_SCHEME"
	IncompleteRecord  AuthErrorKind = "INCOMPLETE_RECORD"
	UntrustedAuthor   AuthErrorKind = "UNTRUSTED_AUTHOR"
)

// AuthError is a typed identity or integrity failure.
type AuthError struct {
	Kind   AuthErrorKind `json:"kind"`
	Detail string        `json:"detail"`
}

func (e *AuthError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("verify: %s", e.Kind)
	}
	return fmt.Sprintf("verify: %s: %s", e.Kind, e.Detail)
}

func (e *AuthError) Stage() string { return StageName }
func (e *AuthError) Code() string  { return string(e.Kind) }

func authErr(kind AuthErrorKind, format string, args ...any) *AuthError {
	return &AuthError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
