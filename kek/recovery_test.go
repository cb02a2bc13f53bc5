package kek

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quorumkey/kek-service-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryCoordinator_Initiate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1, err := env.versions.CreateVersion(ctx, "t1", "u1", "init")
	require.NoError(t, err)

	session, err := env.recovery.Initiate(ctx, "admin", v1.ID, 2, "lost laptop", "t1", 0)
	require.NoError(t, err, "Initiation should succeed")
	assert.Equal(t, interfaces.SessionPending, session.Status)
	assert.Equal(t, v1.ID, session.VersionID)
	assert.Empty(t, session.Shares)
	assert.Equal(t, session.CreatedAt.Add(DefaultSessionTTL), session.ExpiresAt, "Zero expiry should default to 24h")

	// A version of another tenant looks nonexistent
	_, err = env.recovery.Initiate(ctx, "admin", v1.ID, 2, "r", "t2", 0)
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "Tenant mismatch should surface as NotFound")

	_, err = env.recovery.Initiate(ctx, "admin", "missing", 2, "r", "t1", 0)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = env.recovery.Initiate(ctx, "admin", v1.ID, 0, "r", "t1", 0)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "Threshold below 1 should be rejected")
}

func TestRecoveryCoordinator_SubmitShare(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1, err := env.versions.CreateVersion(ctx, "t1", "u1", "init")
	require.NoError(t, err)
	session, err := env.recovery.Initiate(ctx, "admin", v1.ID, 2, "r", "t1", time.Hour)
	require.NoError(t, err)

	got, err := env.recovery.SubmitShare(ctx, "holderA", session.ID, []byte("shareA"), "admin")
	require.NoError(t, err, "First share submission should succeed")
	require.Len(t, got.Shares, 1)
	assert.Equal(t, interfaces.PrincipalID("holderA"), got.Shares[0].UserID)

	_, err = env.recovery.SubmitShare(ctx, "holderA", session.ID, []byte("shareA2"), "admin")
	require.ErrorIs(t, err, interfaces.ErrConflict, "Duplicate submission should conflict")
	assert.Contains(t, err.Error(), "already submitted")

	got, err = env.recovery.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, got.Shares, 1, "Rejected submission should not append a receipt")

	_, err = env.recovery.SubmitShare(ctx, "holderB", "missing", []byte("s"), "admin")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestRecoveryCoordinator_LazyExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1, err := env.versions.CreateVersion(ctx, "t1", "u1", "init")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.recovery.now = func() time.Time { return now }

	session, err := env.recovery.Initiate(ctx, "admin", v1.ID, 2, "r", "t1", time.Second)
	require.NoError(t, err)

	_, err = env.recovery.SubmitShare(ctx, "holderA", session.ID, []byte("shareA"), "admin")
	require.NoError(t, err, "Submission before the deadline should succeed")

	// Past the deadline the session behaves as expired even though no read
	// has materialized the transition yet
	now = now.Add(2 * time.Second)
	_, err = env.recovery.SubmitShare(ctx, "holderB", session.ID, []byte("shareB"), "admin")
	require.ErrorIs(t, err, interfaces.ErrConflict)
	assert.Contains(t, err.Error(), "session is expired")

	got, err := env.recovery.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionExpired, got.Status, "Read should materialize the expired status")

	_, err = env.recovery.Complete(ctx, "admin", session.ID, []byte("kek"), NewVersionSpec{Reason: "r"})
	assert.ErrorIs(t, err, interfaces.ErrConflict, "Expired session cannot complete")
}

func TestRecoveryCoordinator_ListShares(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1, err := env.versions.CreateVersion(ctx, "t1", "u1", "init")
	require.NoError(t, err)
	session, err := env.recovery.Initiate(ctx, "admin", v1.ID, 2, "r", "t1", time.Hour)
	require.NoError(t, err)

	_, err = env.recovery.SubmitShare(ctx, "holderA", session.ID, []byte("shareA"), "admin")
	require.NoError(t, err)
	_, err = env.recovery.SubmitShare(ctx, "holderB", session.ID, []byte("shareB"), "other")
	require.NoError(t, err)

	shares, err := env.recovery.ListShares(ctx, session.ID, "admin")
	require.NoError(t, err)
	require.Len(t, shares, 1, "Only shares addressed to the recipient should be returned")
	assert.Equal(t, interfaces.PrincipalID("holderA"), shares[0].SubmittedBy)
	assert.Equal(t, []byte("shareA"), shares[0].Share)

	all, err := env.recovery.ListShares(ctx, session.ID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = env.recovery.ListShares(ctx, "missing", "")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestRecoveryCoordinator_Complete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1, err := env.versions.CreateVersion(ctx, "t1", "u1", "init")
	require.NoError(t, err)
	session, err := env.recovery.Initiate(ctx, "admin", v1.ID, 2, "r", "t1", time.Hour)
	require.NoError(t, err)

	_, err = env.recovery.SubmitShare(ctx, "holderA", session.ID, []byte("shareA"), "admin")
	require.NoError(t, err)

	// One share of two is not enough
	_, err = env.recovery.Complete(ctx, "admin", session.ID, []byte("kek"), NewVersionSpec{Reason: "recovered"})
	require.ErrorIs(t, err, interfaces.ErrValidation)
	assert.Contains(t, err.Error(), "not enough shares submitted (1/2)")

	_, err = env.recovery.SubmitShare(ctx, "holderB", session.ID, []byte("shareB"), "admin")
	require.NoError(t, err)

	result, err := env.recovery.Complete(ctx, "admin", session.ID, []byte("kek"), NewVersionSpec{Reason: "recovered"})
	require.NoError(t, err, "Completion with enough shares should succeed")
	assert.Equal(t, session.ID, result.SessionID)
	assert.Equal(t, v1.ID, result.VersionID)
	assert.NotEmpty(t, result.NewVersionID)

	got, err := env.recovery.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionCompleted, got.Status)

	// The replacement version is active; the recovered one is demoted but kept
	active, err := env.versions.GetActiveVersion(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, result.NewVersionID, active.ID, "Completion should mint the new active version")
	assert.Equal(t, 2, active.VersionNumber)
	old, err := env.versions.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.VersionDecryptOnly, old.Status, "Recovered version should stay in history")

	_, err = env.recovery.Complete(ctx, "admin", session.ID, []byte("kek"), NewVersionSpec{Reason: "again"})
	assert.ErrorIs(t, err, interfaces.ErrConflict, "Completed session cannot complete twice")
}

func TestRecoveryCoordinator_ConcurrentComplete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1, err := env.versions.CreateVersion(ctx, "t1", "u1", "init")
	require.NoError(t, err)
	session, err := env.recovery.Initiate(ctx, "admin", v1.ID, 1, "r", "t1", time.Hour)
	require.NoError(t, err)
	_, err = env.recovery.SubmitShare(ctx, "holderA", session.ID, []byte("shareA"), "admin")
	require.NoError(t, err)

	const callers = 5
	results := make(chan interfaces.RecoveryResult, callers)
	conflicts := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := env.recovery.Complete(ctx, "admin", session.ID, []byte("kek"), NewVersionSpec{Reason: "race"})
			if err != nil {
				conflicts <- err
				return
			}
			results <- result
		}()
	}
	wg.Wait()
	close(results)
	close(conflicts)

	assert.Len(t, results, 1, "Exactly one caller should complete the session")
	for err := range conflicts {
		assert.ErrorIs(t, err, interfaces.ErrConflict, "Losing callers should observe Conflict")
	}

	versions, err := env.versions.ListVersions(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, versions, 2, "Only one replacement version should be minted")
}

func TestRecoveryCoordinator_Cancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1, err := env.versions.CreateVersion(ctx, "t1", "u1", "init")
	require.NoError(t, err)
	session, err := env.recovery.Initiate(ctx, "admin", v1.ID, 2, "r", "t1", time.Hour)
	require.NoError(t, err)

	got, err := env.recovery.Cancel(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionCancelled, got.Status)

	_, err = env.recovery.SubmitShare(ctx, "holderA", session.ID, []byte("s"), "admin")
	require.ErrorIs(t, err, interfaces.ErrConflict)
	assert.Contains(t, err.Error(), "session is cancelled")

	_, err = env.recovery.Cancel(ctx, session.ID)
	assert.ErrorIs(t, err, interfaces.ErrConflict, "Terminal session cannot be cancelled again")
}

func TestRecoveryCoordinator_ListForTenantAndSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1, err := env.versions.CreateVersion(ctx, "t1", "u1", "init")
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.recovery.now = func() time.Time { return now }

	short, err := env.recovery.Initiate(ctx, "admin", v1.ID, 1, "short", "t1", time.Second)
	require.NoError(t, err)
	now = now.Add(time.Minute)
	long, err := env.recovery.Initiate(ctx, "admin", v1.ID, 1, "long", "t1", time.Hour)
	require.NoError(t, err)

	sessions, err := env.recovery.ListForTenant(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, long.ID, sessions[0].ID, "Sessions should be newest first")
	assert.Equal(t, short.ID, sessions[1].ID)
	assert.Equal(t, interfaces.SessionExpired, sessions[1].Status, "Listing should normalize expiry")

	expired, err := env.recovery.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, expired, "Sweep right after normalization should find nothing new")

	now = now.Add(2 * time.Hour)
	expired, err = env.recovery.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired, "Sweep should expire the remaining pending session")

	got, err := env.recovery.Get(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.SessionExpired, got.Status)
}
