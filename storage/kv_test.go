package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/quorumkey/kek-service-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryStore_UpdateAndView(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Update(ctx, func(tx interfaces.Tx) error {
		tx.Put("k1", []byte("v1"))
		tx.SAdd("s1", "a")
		tx.SAdd("s1", "b")

		// Staged writes are visible inside the same transaction
		v, ok := tx.Get("k1")
		assert.True(t, ok, "Transaction should read its own writes")
		assert.Equal(t, []byte("v1"), v)
		assert.True(t, tx.SHas("s1", "a"))
		assert.Equal(t, 2, tx.SCard("s1"))
		return nil
	})
	require.NoError(t, err)

	err = store.View(ctx, func(tx interfaces.ReadTx) error {
		v, ok := tx.Get("k1")
		assert.True(t, ok)
		assert.Equal(t, []byte("v1"), v)

		members := tx.SMembers("s1")
		sort.Strings(members)
		assert.Equal(t, []string{"a", "b"}, members)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_FailedUpdateDiscardsStaging(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(tx interfaces.Tx) error {
		tx.Put("k1", []byte("v1"))
		tx.SAdd("s1", "a")
		return nil
	}))

	failure := errors.New("abort")
	err := store.Update(ctx, func(tx interfaces.Tx) error {
		tx.Put("k1", []byte("dirty"))
		tx.Delete("k1")
		tx.SAdd("s1", "b")
		tx.SRem("s1", "a")
		return failure
	})
	assert.ErrorIs(t, err, failure, "Update should return the callback's error")

	err = store.View(ctx, func(tx interfaces.ReadTx) error {
		v, ok := tx.Get("k1")
		assert.True(t, ok, "Failed update should leave no trace")
		assert.Equal(t, []byte("v1"), v)
		assert.True(t, tx.SHas("s1", "a"))
		assert.False(t, tx.SHas("s1", "b"))
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStore_DeleteAndSRem(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(tx interfaces.Tx) error {
		tx.Put("k1", []byte("v1"))
		tx.SAdd("s1", "a")
		return nil
	}))
	require.NoError(t, store.Update(ctx, func(tx interfaces.Tx) error {
		tx.Delete("k1")
		tx.SRem("s1", "a")

		_, ok := tx.Get("k1")
		assert.False(t, ok, "Staged delete should hide the key")
		assert.False(t, tx.SHas("s1", "a"), "Staged removal should hide the member")
		return nil
	}))

	require.NoError(t, store.View(ctx, func(tx interfaces.ReadTx) error {
		_, ok := tx.Get("k1")
		assert.False(t, ok)
		assert.Equal(t, 0, tx.SCard("s1"))
		return nil
	}))
}

func TestMemoryStore_SerializedUpdates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Counter increments through read-modify-write must never be lost.
	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Update(ctx, func(tx interfaces.Tx) error {
				count := byte(0)
				if v, ok := tx.Get("counter"); ok {
					count = v[0]
				}
				tx.Put("counter", []byte{count + 1})
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.NoError(t, store.View(ctx, func(tx interfaces.ReadTx) error {
		v, ok := tx.Get("counter")
		require.True(t, ok)
		assert.Equal(t, byte(writers), v[0], "Serialized updates should not lose increments")
		return nil
	}))
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir, testLogger())
	require.NoError(t, err, "FileStore creation should succeed")

	require.NoError(t, store.Update(ctx, func(tx interfaces.Tx) error {
		tx.Put("k1", []byte("v1"))
		tx.SAdd("s1", "a")
		return nil
	}))

	reopened, err := NewFileStore(dir, testLogger())
	require.NoError(t, err, "Reopening should load the snapshot")

	require.NoError(t, reopened.View(ctx, func(tx interfaces.ReadTx) error {
		v, ok := tx.Get("k1")
		assert.True(t, ok, "Data should survive reopen")
		assert.Equal(t, []byte("v1"), v)
		assert.True(t, tx.SHas("s1", "a"))
		return nil
	}))
}

func TestFileStore_FailedUpdateNotPersisted(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)

	failure := errors.New("abort")
	err = store.Update(ctx, func(tx interfaces.Tx) error {
		tx.Put("k1", []byte("dirty"))
		return failure
	})
	assert.ErrorIs(t, err, failure)

	reopened, err := NewFileStore(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, reopened.View(ctx, func(tx interfaces.ReadTx) error {
		_, ok := tx.Get("k1")
		assert.False(t, ok, "Failed update should not reach disk")
		return nil
	}))
}
