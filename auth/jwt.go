package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig selects how bearer JWTs are verified. Exactly one key source is
// used, checked in order: HS256Secret, JWKSURL, then OIDC discovery on Issuer.
type JWTConfig struct {
	Issuer      string
	Audience    string
	JWKSURL     string
	HS256Secret string
	Leeway      time.Duration
}

// JWT validates signed access tokens and uses the sub claim as the user ID.
type JWT struct {
	issuer   string
	audience string
	methods  []string
	leeway   time.Duration
	keyfunc  jwt.Keyfunc
}

// NewJWT builds a JWT authenticator. OIDC discovery and JWKS retrieval happen
// here, so ctx bounds the initial network calls.
func NewJWT(ctx context.Context, cfg JWTConfig) (*JWT, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	a := &JWT{issuer: cfg.Issuer, audience: cfg.Audience, leeway: cfg.Leeway}
	if a.leeway == 0 {
		a.leeway = 60 * time.Second
	}

	switch {
	case cfg.HS256Secret != "":
		secret := []byte(cfg.HS256Secret)
		a.methods = []string{jwt.SigningMethodHS256.Alg()}
		a.keyfunc = func(*jwt.Token) (any, error) { return secret, nil }
	default:
		jwksURL := cfg.JWKSURL
		if jwksURL == "" {
			provider, err := oidc.NewProvider(ctx, cfg.Issuer)
			if err != nil {
				return nil, fmt.Errorf("oidc discovery failed: %w", err)
			}
			var meta struct {
				JwksURI string `json:"jwks_uri"`
			}
			if err := provider.Claims(&meta); err != nil {
				return nil, fmt.Errorf("invalid discovery metadata: %w", err)
			}
			if meta.JwksURI == "" {
				return nil, errors.New("discovery incomplete: missing jwks_uri")
			}
			jwksURL = meta.JwksURI
		}
		kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
		if err != nil {
			return nil, fmt.Errorf("jwks init failed: %w", err)
		}
		a.methods = []string{"RS256", "ES256"}
		a.keyfunc = kf.Keyfunc
	}
	return a, nil
}

func (a *JWT) CheckAuthentication(_ context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.methods),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.issuer),
		jwt.WithLeeway(a.leeway),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(tok, claims, a.keyfunc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	aud, err := claims.GetAudience()
	if err != nil || !slices.Contains(aud, a.audience) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return principal(sub), nil
}

var _ Authenticator = (*JWT)(nil)
