// Package interfaces defines the shared types, error taxonomy and
// collaborator contracts for the KEK lifecycle backend.
//
// The package holds:
//
//   - Entity records: KEKVersion, KEKBlob, QuorumTask, ShareContribution,
//     RecoverySession and their lifecycle enums.
//   - The Store contract: a transactional key-value collaborator whose
//     serialized Update bodies are the mutual-exclusion primitive the core
//     uses for its atomic check-then-act sequences.
//   - The StorageBackend contract: content-addressed archival for opaque
//     ciphertext payloads, with backends selected by URI.
//   - Authenticator and Authorizer: external collaborators that resolve and
//     gate callers. This system never verifies credentials itself.
//   - The caller-facing error taxonomy: ErrNotFound, ErrConflict,
//     ErrValidation, ErrForbidden, plus ErrStoreUnavailable for transient
//     infrastructure failures.
//
// Keeping these in a leaf package lets every component depend on the
// contracts without depending on any implementation.
package interfaces
