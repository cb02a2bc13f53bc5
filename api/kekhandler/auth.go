package kekhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/quorumkey/kek-service-backend/interfaces"
)

// Identity headers set by the authenticating gateway in front of this
// service. Requests reaching the service directly without them are rejected.
const (
	HeaderPrincipalID = "X-Principal-ID"
	HeaderTenantID    = "X-Tenant-ID"
)

// HeaderAuthenticator resolves caller identity from gateway-injected
// headers. Credential verification happens upstream; this service only
// consumes the result.
type HeaderAuthenticator struct{}

// Principal implements interfaces.Authenticator.
func (HeaderAuthenticator) Principal(r *http.Request) (interfaces.Principal, error) {
	principalID := r.Header.Get(HeaderPrincipalID)
	tenantID := r.Header.Get(HeaderTenantID)
	if principalID == "" || tenantID == "" {
		return interfaces.Principal{}, fmt.Errorf("%w: missing identity headers", interfaces.ErrUnauthenticated)
	}
	return interfaces.Principal{
		ID:       interfaces.PrincipalID(principalID),
		TenantID: interfaces.TenantID(tenantID),
	}, nil
}

// StaticAuthorizer holds a fixed per-tenant admin roster, loaded at startup.
type StaticAuthorizer struct {
	mu     sync.RWMutex
	admins map[interfaces.TenantID]map[interfaces.PrincipalID]struct{}
}

// NewStaticAuthorizer returns an authorizer with an empty roster.
func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{admins: make(map[interfaces.TenantID]map[interfaces.PrincipalID]struct{})}
}

// LoadAdminRoster parses a JSON roster mapping tenant IDs to admin
// principal IDs, for example {"tenant-a": ["alice", "bob"]}.
func LoadAdminRoster(r io.Reader) (*StaticAuthorizer, error) {
	var roster map[interfaces.TenantID][]interfaces.PrincipalID
	if err := json.NewDecoder(r).Decode(&roster); err != nil {
		return nil, fmt.Errorf("parsing admin roster: %w", err)
	}

	authorizer := NewStaticAuthorizer()
	for tenant, principals := range roster {
		for _, principal := range principals {
			authorizer.Grant(tenant, principal)
		}
	}
	return authorizer, nil
}

// Grant marks the principal as an admin of the tenant.
func (a *StaticAuthorizer) Grant(tenant interfaces.TenantID, principal interfaces.PrincipalID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.admins[tenant] == nil {
		a.admins[tenant] = make(map[interfaces.PrincipalID]struct{})
	}
	a.admins[tenant][principal] = struct{}{}
}

// IsAdmin implements interfaces.Authorizer.
func (a *StaticAuthorizer) IsAdmin(_ context.Context, principal interfaces.PrincipalID, tenant interfaces.TenantID) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.admins[tenant][principal]
	return ok, nil
}
