// Package kekhandler exposes the KEK lifecycle over HTTP: version
// management, blob provisioning, quorum tasks and threshold recovery
// sessions.
//
// Identity arrives in gateway-injected headers and is resolved by an
// interfaces.Authenticator; lifecycle mutations additionally require the
// admin role via an interfaces.Authorizer. All resources are scoped to the
// caller's tenant and cross-tenant access is rejected with 403.
//
// Error mapping: validation failures are 400, unknown resources 404,
// illegal state transitions and duplicate contributions 409, infrastructure
// failures 503. Storage trouble is never reported as 404.
package kekhandler
