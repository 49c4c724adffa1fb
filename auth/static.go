package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
)

// MinSecretLength is the shortest secret NewStaticToken accepts.
const MinSecretLength = 32

// StaticTokenUserID is the principal reported for a valid static token.
const StaticTokenUserID = "static-token"

// StaticToken authenticates callers presenting one pre-shared secret.
type StaticToken struct {
	secret []byte
}

// NewStaticToken returns a gate for secret.
func NewStaticToken(secret string) (*StaticToken, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("static token must be at least %d characters", MinSecretLength)
	}
	return &StaticToken{secret: []byte(secret)}, nil
}

// Check reports whether tok equals the configured secret. Unequal lengths
// reject immediately; equal lengths are compared with
// subtle.ConstantTimeCompare so timing does not depend on the position of the
// first differing byte.
func (s *StaticToken) Check(tok string) bool {
	if len(tok) == 0 || len(tok) != len(s.secret) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(tok), s.secret) == 1
}

func (s *StaticToken) CheckAuthentication(_ context.Context, tok string) (UserInfo, error) {
	if !s.Check(tok) {
		return nil, fmt.Errorf("%w: token mismatch", ErrUnauthorized)
	}
	return principal(StaticTokenUserID), nil
}

var _ Authenticator = (*StaticToken)(nil)
