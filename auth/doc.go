// Package auth implements the credential gate in front of the gateway.
//
// The default Authenticator is StaticToken: a shared secret compared in
// constant time. JWT is an alternative for deployments that already run an
// OAuth 2.0 / OIDC issuer. The transport extracts the bearer token from the
// Authorization header; authenticators only see the token string and report
// failures wrapped in ErrUnauthorized.
package auth
