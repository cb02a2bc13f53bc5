// Package storage provides the two persistence layers of the KEK backend.
//
// # Transactional key-value store
//
// MemoryStore and FileStore implement interfaces.Store, the collaborator
// holding all invariant-bearing state: version records and version indexes,
// blob metadata with forward and reverse indexes, quorum tasks with their
// contribution sets, and recovery sessions. Update bodies are serialized and
// staged, so the KEK core's read-check-write sequences execute atomically.
// FileStore adds a JSON snapshot on disk, replaced atomically via rename
// after each successful Update.
//
// # Content-addressed payload backends
//
// Opaque ciphertexts (encrypted KEK blobs, recovery-share payloads and
// recovered-KEK evidence) are archived content-addressed (SHA-256) through
// interfaces.StorageBackend. Backends are created from location URIs by the
// Factory:
//
//	file:///var/lib/kekd/payloads
//	memory://
//	s3://bucket/prefix?region=us-west-2
//	ipfs://127.0.0.1:5001/
//	vault://token@vault.example.com:8200/secret/kek-service
//
// Multiple URIs combine into a MultiStorageBackend that stores to every
// available backend and fetches from the first one holding the content.
package storage
