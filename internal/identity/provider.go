package identity

import "errors"

// ErrUnauthenticated is returned when a token cannot be resolved to a user.
var ErrUnauthenticated = errors.New("unauthenticated")

// Provider resolves a bearer token to the current user id. Identity
// issuance lives in the external auth provider; this subsystem only
// validates.
type Provider interface {
	GetCurrentUserID(token string) (string, error)
}
