// Package kek implements the tenant KEK lifecycle: versioned key records
// with a single active version per tenant, encrypted per-principal blob
// distribution, generic N-of-M quorum tasks and threshold-gated recovery
// sessions.
//
// All state lives in a transactional key-value store
// (interfaces.Store); opaque ciphertext payloads are archived in a
// content-addressed storage backend and referenced by hash. Every
// check-then-act sequence (duplicate contribution checks, completion
// transitions, active-version demotion) runs inside a single store
// transaction, which is what upholds the concurrency invariants under
// arbitrarily interleaved requests.
package kek
