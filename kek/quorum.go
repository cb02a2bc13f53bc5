package kek

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/quorumkey/kek-service-backend/interfaces"
)

// QuorumEngine is a generic N-of-M contribution tracker for rotation,
// provisioning and promotion workflows. Contribution bookkeeping sits on a
// ThresholdLedger; the engine adds the task record and the completion
// transition, which happens in the same transaction as the contribution
// that reaches the threshold.
type QuorumEngine struct {
	store  interfaces.Store
	ledger *ThresholdLedger
	log    *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewQuorumEngine returns a QuorumEngine backed by the given store.
func NewQuorumEngine(store interfaces.Store, log *slog.Logger) *QuorumEngine {
	return &QuorumEngine{
		store:  store,
		ledger: NewThresholdLedger("quorum"),
		log:    log,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// CreateTask opens a new pending task requiring requiredShares contributions.
func (e *QuorumEngine) CreateTask(ctx context.Context, tenantID interfaces.TenantID, taskType interfaces.TaskType, createdBy interfaces.PrincipalID, requiredShares int, metadata map[string]string) (interfaces.QuorumTask, error) {
	if tenantID == "" {
		return interfaces.QuorumTask{}, fmt.Errorf("%w: tenant id is required", interfaces.ErrValidation)
	}
	if !taskType.Valid() {
		return interfaces.QuorumTask{}, fmt.Errorf("%w: unknown task type %q", interfaces.ErrValidation, taskType)
	}
	if requiredShares < 1 {
		return interfaces.QuorumTask{}, fmt.Errorf("%w: required shares must be at least 1, got %d", interfaces.ErrValidation, requiredShares)
	}

	task := interfaces.QuorumTask{
		ID:             interfaces.TaskID(e.newID()),
		TenantID:       tenantID,
		TaskType:       taskType,
		Status:         interfaces.TaskPending,
		CreatedBy:      createdBy,
		RequiredShares: requiredShares,
		Metadata:       metadata,
		CreatedAt:      e.now().UTC(),
	}
	err := e.store.Update(ctx, func(tx interfaces.Tx) error {
		return putJSON(tx, taskKey(task.ID), task)
	})
	if err != nil {
		return interfaces.QuorumTask{}, err
	}

	e.log.Info("created quorum task",
		slog.String("taskId", string(task.ID)),
		slog.String("tenantId", string(tenantID)),
		slog.String("taskType", string(taskType)),
		slog.Int("requiredShares", requiredShares))
	return task, nil
}

// GetTask fetches a task by id.
func (e *QuorumEngine) GetTask(ctx context.Context, taskID interfaces.TaskID) (interfaces.QuorumTask, error) {
	var task interfaces.QuorumTask
	err := e.store.View(ctx, func(tx interfaces.ReadTx) error {
		return getJSON(tx, taskKey(taskID), &task)
	})
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.QuorumTask{}, fmt.Errorf("%w: task %s", interfaces.ErrNotFound, taskID)
	}
	if err != nil {
		return interfaces.QuorumTask{}, err
	}
	return task, nil
}

// AddContribution records one principal's share for the task. The duplicate
// check, the counter increment and the completion flip are a single
// transaction: under concurrent submissions near the threshold exactly one
// of them triggers completion and none is lost.
func (e *QuorumEngine) AddContribution(ctx context.Context, taskID interfaces.TaskID, principalID interfaces.PrincipalID, shareData []byte) (interfaces.QuorumTask, error) {
	if principalID == "" {
		return interfaces.QuorumTask{}, fmt.Errorf("%w: principal id is required", interfaces.ErrValidation)
	}

	var task interfaces.QuorumTask
	err := e.store.Update(ctx, func(tx interfaces.Tx) error {
		if err := getJSON(tx, taskKey(taskID), &task); err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return fmt.Errorf("%w: task %s", interfaces.ErrNotFound, taskID)
			}
			return err
		}
		if task.Status != interfaces.TaskPending {
			return fmt.Errorf("%w: task is %s", interfaces.ErrConflict, task.Status)
		}

		count, err := e.ledger.Contribute(tx, string(taskID), principalID)
		if err != nil {
			return err
		}
		contribution := interfaces.ShareContribution{
			ID:          e.newID(),
			TaskID:      taskID,
			PrincipalID: principalID,
			ShareData:   shareData,
			CreatedAt:   e.now().UTC(),
		}
		if err := putJSON(tx, contributionKey(taskID, principalID), contribution); err != nil {
			return err
		}

		task.CollectedShares = count
		if count >= task.RequiredShares {
			task.Status = interfaces.TaskCompleted
			completedAt := e.now().UTC()
			task.CompletedAt = &completedAt
		}
		return putJSON(tx, taskKey(taskID), task)
	})
	if err != nil {
		return interfaces.QuorumTask{}, err
	}

	if task.Status == interfaces.TaskCompleted {
		e.log.Info("quorum task completed",
			slog.String("taskId", string(taskID)),
			slog.Int("collectedShares", task.CollectedShares))
	}
	return task, nil
}

// ListContributions returns the task's contributions in principal order.
func (e *QuorumEngine) ListContributions(ctx context.Context, taskID interfaces.TaskID) ([]interfaces.ShareContribution, error) {
	var contributions []interfaces.ShareContribution
	err := e.store.View(ctx, func(tx interfaces.ReadTx) error {
		if _, ok := tx.Get(taskKey(taskID)); !ok {
			return fmt.Errorf("%w: task %s", interfaces.ErrNotFound, taskID)
		}
		for _, principal := range e.ledger.Contributors(tx, string(taskID)) {
			var contribution interfaces.ShareContribution
			if err := getJSON(tx, contributionKey(taskID, principal), &contribution); err != nil {
				return fmt.Errorf("loading contribution of %s: %w", principal, err)
			}
			contributions = append(contributions, contribution)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(contributions, func(i, j int) bool {
		return contributions[i].PrincipalID < contributions[j].PrincipalID
	})
	return contributions, nil
}
