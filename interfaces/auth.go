package interfaces

import (
	"context"
	"net/http"
)

// Authenticator resolves the identity of an HTTP caller. Implementations are
// external collaborators; this system never verifies credentials itself.
type Authenticator interface {
	// Principal returns the caller's identity, or an error wrapping
	// ErrUnauthenticated when the request carries no usable identity.
	Principal(r *http.Request) (Principal, error)
}

// Authorizer answers role questions about known principals.
type Authorizer interface {
	// IsAdmin reports whether the principal holds the admin role in the
	// tenant. Gates version creation, rotation, status changes, principal
	// offboarding, quorum task creation and recovery initiation/completion.
	IsAdmin(ctx context.Context, principal PrincipalID, tenant TenantID) (bool, error)
}
