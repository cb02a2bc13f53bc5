package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/quorumkey/kek-service-backend/interfaces"
)

// MemoryStore is an in-process implementation of interfaces.Store backed by
// mutex-guarded maps. Update bodies run under the write lock, one at a time,
// which gives the KEK core the serialized check-then-act semantics it
// requires. Mutations are staged and applied only when the transaction
// function returns nil.
type MemoryStore struct {
	mu     sync.RWMutex
	hashes map[string][]byte
	sets   map[string]map[string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes: make(map[string][]byte),
		sets:   make(map[string]map[string]struct{}),
	}
}

// memTx stages reads and writes against the store. Reads observe earlier
// writes in the same transaction.
type memTx struct {
	store *MemoryStore

	putHashes map[string][]byte
	delHashes map[string]struct{}
	setAdds   map[string]map[string]struct{}
	setRems   map[string]map[string]struct{}
}

func newMemTx(s *MemoryStore) *memTx {
	return &memTx{
		store:     s,
		putHashes: make(map[string][]byte),
		delHashes: make(map[string]struct{}),
		setAdds:   make(map[string]map[string]struct{}),
		setRems:   make(map[string]map[string]struct{}),
	}
}

func (tx *memTx) Get(key string) ([]byte, bool) {
	if v, ok := tx.putHashes[key]; ok {
		out := make([]byte, len(v))
		copy(out, v)
		return out, true
	}
	if _, ok := tx.delHashes[key]; ok {
		return nil, false
	}
	v, ok := tx.store.hashes[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

func (tx *memTx) SHas(key, member string) bool {
	if _, ok := tx.setRems[key][member]; ok {
		return false
	}
	if _, ok := tx.setAdds[key][member]; ok {
		return true
	}
	_, ok := tx.store.sets[key][member]
	return ok
}

func (tx *memTx) SMembers(key string) []string {
	merged := make(map[string]struct{}, len(tx.store.sets[key]))
	for m := range tx.store.sets[key] {
		merged[m] = struct{}{}
	}
	for m := range tx.setRems[key] {
		delete(merged, m)
	}
	for m := range tx.setAdds[key] {
		merged[m] = struct{}{}
	}

	members := make([]string, 0, len(merged))
	for m := range merged {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}

func (tx *memTx) SCard(key string) int {
	return len(tx.SMembers(key))
}

func (tx *memTx) Put(key string, value []byte) {
	v := make([]byte, len(value))
	copy(v, value)
	tx.putHashes[key] = v
	delete(tx.delHashes, key)
}

func (tx *memTx) Delete(key string) {
	delete(tx.putHashes, key)
	tx.delHashes[key] = struct{}{}
}

func (tx *memTx) SAdd(key, member string) {
	if tx.setAdds[key] == nil {
		tx.setAdds[key] = make(map[string]struct{})
	}
	tx.setAdds[key][member] = struct{}{}
	delete(tx.setRems[key], member)
}

func (tx *memTx) SRem(key, member string) {
	if tx.setRems[key] == nil {
		tx.setRems[key] = make(map[string]struct{})
	}
	tx.setRems[key][member] = struct{}{}
	delete(tx.setAdds[key], member)
}

// commit applies staged mutations to the live maps. Caller holds the write
// lock.
func (tx *memTx) commit() {
	for key := range tx.delHashes {
		delete(tx.store.hashes, key)
	}
	for key, value := range tx.putHashes {
		tx.store.hashes[key] = value
	}
	for key, members := range tx.setRems {
		for m := range members {
			delete(tx.store.sets[key], m)
		}
		if len(tx.store.sets[key]) == 0 {
			delete(tx.store.sets, key)
		}
	}
	for key, members := range tx.setAdds {
		if tx.store.sets[key] == nil {
			tx.store.sets[key] = make(map[string]struct{})
		}
		for m := range members {
			tx.store.sets[key][m] = struct{}{}
		}
	}
}

// readTx is a read-only view over the live maps. Callers hold the read lock
// for the duration of the View body.
type readTx struct {
	store *MemoryStore
}

func (tx readTx) Get(key string) ([]byte, bool) {
	v, ok := tx.store.hashes[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

func (tx readTx) SHas(key, member string) bool {
	_, ok := tx.store.sets[key][member]
	return ok
}

func (tx readTx) SMembers(key string) []string {
	members := make([]string, 0, len(tx.store.sets[key]))
	for m := range tx.store.sets[key] {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}

func (tx readTx) SCard(key string) int {
	return len(tx.store.sets[key])
}

// View runs fn against a consistent read snapshot.
func (s *MemoryStore) View(ctx context.Context, fn func(tx interfaces.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(readTx{store: s})
}

// Update runs fn with staged mutations, committing them only when fn returns
// nil. Updates are serialized.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newMemTx(s)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// snapshot returns a deep copy of the store contents. Used by FileStore for
// persistence.
func (s *MemoryStore) snapshot() (map[string][]byte, map[string][]string) {
	hashes := make(map[string][]byte, len(s.hashes))
	for k, v := range s.hashes {
		c := make([]byte, len(v))
		copy(c, v)
		hashes[k] = c
	}
	sets := make(map[string][]string, len(s.sets))
	for k, members := range s.sets {
		ms := make([]string, 0, len(members))
		for m := range members {
			ms = append(ms, m)
		}
		sort.Strings(ms)
		sets[k] = ms
	}
	return hashes, sets
}

// restore replaces the store contents. Used by FileStore at load time.
func (s *MemoryStore) restore(hashes map[string][]byte, sets map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hashes = make(map[string][]byte, len(hashes))
	for k, v := range hashes {
		c := make([]byte, len(v))
		copy(c, v)
		s.hashes[k] = c
	}
	s.sets = make(map[string]map[string]struct{}, len(sets))
	for k, members := range sets {
		set := make(map[string]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		s.sets[k] = set
	}
}
