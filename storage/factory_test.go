package storage

import (
	"context"
	"testing"

	"github.com/quorumkey/kek-service-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_StorageBackendFor(t *testing.T) {
	factory := NewFactory(testLogger())

	t.Run("memory scheme", func(t *testing.T) {
		backend, err := factory.StorageBackendFor("memory://")
		require.NoError(t, err)
		assert.Equal(t, "memory", backend.Name())
	})

	t.Run("file scheme", func(t *testing.T) {
		dir := t.TempDir()
		backend, err := factory.StorageBackendFor(interfaces.StorageBackendLocation("file://" + dir))
		require.NoError(t, err)
		assert.Equal(t, "file://"+dir, backend.LocationURI())
	})

	t.Run("file scheme with empty path", func(t *testing.T) {
		_, err := factory.StorageBackendFor("file://")
		assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := factory.StorageBackendFor("gopher://example.com/")
		assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
	})

	t.Run("vault without mount and path", func(t *testing.T) {
		_, err := factory.StorageBackendFor("vault://token@vault.example.com:8200/")
		assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
	})
}

func TestFactory_CreateMultiBackend(t *testing.T) {
	factory := NewFactory(testLogger())

	t.Run("skips invalid locations", func(t *testing.T) {
		backend, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{
			"gopher://nope/",
			"memory://",
		})
		require.NoError(t, err, "One valid backend is enough")
		assert.True(t, backend.Available(context.Background()))
	})

	t.Run("fails when nothing valid remains", func(t *testing.T) {
		_, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{"gopher://nope/"})
		assert.Error(t, err)
	})
}

func TestMemoryBackend_RoundTrip(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	data := []byte("encrypted kek material")

	id, err := backend.Store(ctx, data, interfaces.BlobContent)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(data), id, "ID should be the content hash")

	fetched, err := backend.Fetch(ctx, id, interfaces.BlobContent)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)

	// Content is namespaced by type
	_, err = backend.Fetch(ctx, id, interfaces.ShareContent)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	_, err = backend.Fetch(ctx, interfaces.ComputeID([]byte("other")), interfaces.BlobContent)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestFileBackend_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	backend, err := NewFileBackend(dir, testLogger())
	require.NoError(t, err)
	assert.True(t, backend.Available(ctx))

	data := []byte("recovery share ciphertext")
	id, err := backend.Store(ctx, data, interfaces.ShareContent)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(data), id)

	// A fresh instance over the same directory sees the content
	reopened, err := NewFileBackend(dir, testLogger())
	require.NoError(t, err)
	fetched, err := reopened.Fetch(ctx, id, interfaces.ShareContent)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)

	_, err = reopened.Fetch(ctx, id, interfaces.EvidenceContent)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
}
