package interfaces

import "context"

// ReadTx provides read access to the key-value store within a transaction.
// Hash keys hold opaque byte values; set keys hold unordered string members.
type ReadTx interface {
	// Get returns the value stored under key, and whether it exists.
	Get(key string) ([]byte, bool)

	// SMembers returns the members of the set stored under key. The order
	// is unspecified. A missing set is an empty set.
	SMembers(key string) []string

	// SHas reports whether member is in the set stored under key.
	SHas(key, member string) bool

	// SCard returns the cardinality of the set stored under key.
	SCard(key string) int
}

// Tx extends ReadTx with mutations. Reads observe writes made earlier in the
// same transaction.
type Tx interface {
	ReadTx

	// Put stores value under key, replacing any previous value.
	Put(key string, value []byte)

	// Delete removes key. Deleting a missing key is a no-op.
	Delete(key string)

	// SAdd adds member to the set under key, creating the set if needed.
	// Adding an existing member is a no-op.
	SAdd(key, member string)

	// SRem removes member from the set under key. Removing a missing member
	// is a no-op.
	SRem(key, member string)
}

// Store is the persistence collaborator for all invariant-bearing state.
//
// Update executes fn atomically: either every mutation is applied, or, when
// fn returns an error, none are. Update bodies for the same Store are
// serialized with respect to each other, which is the mutual-exclusion
// primitive the KEK core relies on for its check-then-act sequences. View
// runs fn against a consistent read snapshot and may run concurrently with
// other Views.
//
// Implementations return ErrStoreUnavailable (wrapped) for infrastructure
// failures; fn errors are passed through unchanged.
type Store interface {
	View(ctx context.Context, fn func(tx ReadTx) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
}
