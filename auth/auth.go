package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied. Callers must not distinguish the underlying cause in
// responses.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo represents an authenticated principal.
type UserInfo interface {
	UserID() string
}

// Authenticator validates bearer tokens and returns associated user info.
// It returns an error wrapping ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

type principal string

func (p principal) UserID() string { return string(p) }
