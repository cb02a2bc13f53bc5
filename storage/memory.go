package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/quorumkey/kek-service-backend/interfaces"
)

// MemoryBackend implements a content-addressed storage backend held entirely
// in process memory. Used by tests and single-process development setups.
type MemoryBackend struct {
	mu      sync.RWMutex
	content map[interfaces.ContentType]map[interfaces.ContentID][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		content: make(map[interfaces.ContentType]map[interfaces.ContentID][]byte),
	}
}

// Fetch retrieves data by content ID and type.
// Returns ErrContentNotFound if the content was never stored.
func (b *MemoryBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.content[contentType][id]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Store saves data and returns its content ID.
func (b *MemoryBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.content[contentType] == nil {
		b.content[contentType] = make(map[interfaces.ContentID][]byte)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	b.content[contentType][id] = stored

	return id, nil
}

// Available always reports true for the in-memory backend.
func (b *MemoryBackend) Available(ctx context.Context) bool {
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *MemoryBackend) Name() string {
	return "memory"
}

// LocationURI returns the URI that identifies this storage backend.
func (b *MemoryBackend) LocationURI() string {
	return fmt.Sprintf("memory://%p", b)
}
