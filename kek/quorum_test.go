package kek

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/quorumkey/kek-service-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuorumEngine_CreateTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task, err := env.quorum.CreateTask(ctx, "t1", interfaces.TaskKEKRotation, "admin", 3, map[string]string{"ticket": "ops-17"})
	require.NoError(t, err, "Task creation should succeed")
	assert.Equal(t, interfaces.TaskPending, task.Status)
	assert.Equal(t, 3, task.RequiredShares)
	assert.Equal(t, 0, task.CollectedShares)
	assert.Nil(t, task.CompletedAt)

	got, err := env.quorum.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "ops-17", got.Metadata["ticket"])

	// Validation
	_, err = env.quorum.CreateTask(ctx, "t1", interfaces.TaskKEKRotation, "admin", 0, nil)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "requiredShares below 1 should be rejected")
	_, err = env.quorum.CreateTask(ctx, "t1", "coffee_run", "admin", 2, nil)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "Unknown task type should be rejected")
	_, err = env.quorum.CreateTask(ctx, "", interfaces.TaskKEKRotation, "admin", 2, nil)
	assert.ErrorIs(t, err, interfaces.ErrValidation, "Missing tenant should be rejected")

	_, err = env.quorum.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestQuorumEngine_AddContribution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task, err := env.quorum.CreateTask(ctx, "t1", interfaces.TaskUserProvisioning, "admin", 2, nil)
	require.NoError(t, err)

	got, err := env.quorum.AddContribution(ctx, task.ID, "holder1", []byte("s1"))
	require.NoError(t, err)
	assert.Equal(t, 1, got.CollectedShares)
	assert.Equal(t, interfaces.TaskPending, got.Status, "Task should stay pending below the threshold")

	// Duplicate contribution from the same principal
	_, err = env.quorum.AddContribution(ctx, task.ID, "holder1", []byte("s1-again"))
	assert.ErrorIs(t, err, interfaces.ErrConflict, "Second contribution from the same principal should conflict")
	got, err = env.quorum.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CollectedShares, "Rejected contribution should not change the count")

	got, err = env.quorum.AddContribution(ctx, task.ID, "holder2", []byte("s2"))
	require.NoError(t, err)
	assert.Equal(t, 2, got.CollectedShares)
	assert.Equal(t, interfaces.TaskCompleted, got.Status, "Reaching the threshold should complete the task")
	require.NotNil(t, got.CompletedAt, "Completion timestamp should be set")

	// No contributions on a completed task
	_, err = env.quorum.AddContribution(ctx, task.ID, "holder3", []byte("s3"))
	require.ErrorIs(t, err, interfaces.ErrConflict)
	assert.Contains(t, err.Error(), "task is completed")

	_, err = env.quorum.AddContribution(ctx, "missing", "holder1", []byte("s"))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestQuorumEngine_ConcurrentContributions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const required = 8
	task, err := env.quorum.CreateTask(ctx, "t1", interfaces.TaskAdminPromotion, "admin", required, nil)
	require.NoError(t, err)

	completions := make(chan interfaces.QuorumTask, required)
	var wg sync.WaitGroup
	for i := 0; i < required; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := env.quorum.AddContribution(ctx, task.ID, interfaces.PrincipalID(fmt.Sprintf("holder%d", i)), []byte("share"))
			if assert.NoError(t, err) && got.Status == interfaces.TaskCompleted {
				completions <- got
			}
		}(i)
	}
	wg.Wait()
	close(completions)

	assert.Len(t, completions, 1, "Exactly one contribution should observe the completion transition")

	final, err := env.quorum.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, required, final.CollectedShares, "No contribution should be lost or double-counted")
	assert.Equal(t, interfaces.TaskCompleted, final.Status)

	contributions, err := env.quorum.ListContributions(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, contributions, required)
}

func TestQuorumEngine_ListContributions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task, err := env.quorum.CreateTask(ctx, "t1", interfaces.TaskKEKRotation, "admin", 5, nil)
	require.NoError(t, err)

	for _, p := range []interfaces.PrincipalID{"carol", "alice", "bob"} {
		_, err = env.quorum.AddContribution(ctx, task.ID, p, []byte("share-"+string(p)))
		require.NoError(t, err)
	}

	contributions, err := env.quorum.ListContributions(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, contributions, 3)
	assert.Equal(t, interfaces.PrincipalID("alice"), contributions[0].PrincipalID, "Contributions should be in principal order")
	assert.Equal(t, []byte("share-alice"), contributions[0].ShareData)

	_, err = env.quorum.ListContributions(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
