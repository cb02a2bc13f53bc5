package kek

import (
	"context"
	"testing"
	"time"

	"github.com/quorumkey/kek-service-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStore_ProvisionRequiresVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.blobs.Provision(ctx, "alice", "missing", []byte("blob"))
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "Provisioning against an unknown version should fail")

	_, err = env.blobs.Provision(ctx, "", "missing", []byte("blob"))
	assert.ErrorIs(t, err, interfaces.ErrValidation, "Empty principal should be rejected")
}

func TestBlobStore_ProvisionIsUpsert(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1, err := env.versions.CreateVersion(ctx, "t1", "u1", "init")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.blobs.now = func() time.Time { return now }

	first, err := env.blobs.Provision(ctx, "alice", v1.ID, []byte("blobA"))
	require.NoError(t, err, "First provision should succeed")

	now = now.Add(time.Hour)
	second, err := env.blobs.Provision(ctx, "alice", v1.ID, []byte("blobB"))
	require.NoError(t, err, "Re-provisioning should be an upsert")
	assert.Equal(t, first.CreatedAt, second.CreatedAt, "CreatedAt should survive re-provisioning")
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt), "UpdatedAt should advance on re-provisioning")

	got, err := env.blobs.Get(ctx, "alice", v1.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("blobB"), got.EncryptedBlob, "Latest ciphertext should win")

	blobs, err := env.blobs.ListForPrincipal(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, blobs, 1, "Upsert should not duplicate the blob")
}

func TestBlobStore_ListForPrincipalOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1, err := env.versions.CreateVersion(ctx, "t1", "u1", "init")
	require.NoError(t, err)
	v2, err := env.versions.Rotate(ctx, "t1", "u1", "scheduled")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.blobs.now = func() time.Time { return now }

	_, err = env.blobs.Provision(ctx, "alice", v1.ID, []byte("old"))
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = env.blobs.Provision(ctx, "alice", v2.ID, []byte("new"))
	require.NoError(t, err)

	blobs, err := env.blobs.ListForPrincipal(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Equal(t, v2.ID, blobs[0].KEKVersionID, "Most recently updated blob should come first")
	assert.Equal(t, v1.ID, blobs[1].KEKVersionID)
}

func TestBlobStore_Delete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1, err := env.versions.CreateVersion(ctx, "t1", "u1", "init")
	require.NoError(t, err)
	_, err = env.blobs.Provision(ctx, "alice", v1.ID, []byte("blob"))
	require.NoError(t, err)

	require.NoError(t, env.blobs.Delete(ctx, "alice", v1.ID))
	_, err = env.blobs.Get(ctx, "alice", v1.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "Deleted blob should be gone")

	// Deleting again is a no-op, not an error
	assert.NoError(t, env.blobs.Delete(ctx, "alice", v1.ID))
	assert.NoError(t, env.blobs.Delete(ctx, "nobody", v1.ID))
}

func TestBlobStore_DeleteAllForPrincipal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1, err := env.versions.CreateVersion(ctx, "t1", "u1", "init")
	require.NoError(t, err)
	v2, err := env.versions.Rotate(ctx, "t1", "u1", "scheduled")
	require.NoError(t, err)

	for _, v := range []interfaces.VersionID{v1.ID, v2.ID} {
		_, err = env.blobs.Provision(ctx, "alice", v, []byte("a"))
		require.NoError(t, err)
		_, err = env.blobs.Provision(ctx, "bob", v, []byte("b"))
		require.NoError(t, err)
	}

	require.NoError(t, env.blobs.DeleteAllForPrincipal(ctx, "alice"))

	blobs, err := env.blobs.ListForPrincipal(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, blobs, "No blobs should remain for the removed principal")

	// The reverse indexes must no longer reference the principal
	err = env.store.View(ctx, func(tx interfaces.ReadTx) error {
		for _, v := range []interfaces.VersionID{v1.ID, v2.ID} {
			assert.False(t, tx.SHas(versionPrincipalsKey(v), "alice"), "Reverse index should be scrubbed")
			assert.True(t, tx.SHas(versionPrincipalsKey(v), "bob"), "Other principals should be untouched")
		}
		return nil
	})
	require.NoError(t, err)

	bobs, err := env.blobs.ListForPrincipal(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, bobs, 2, "Other principals' blobs should survive")
}
