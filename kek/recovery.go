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

// DefaultSessionTTL is the expiry applied to recovery sessions whose
// initiator does not request one.
const DefaultSessionTTL = 24 * time.Hour

// NewVersionSpec describes the replacement version minted when a recovery
// session completes. A zero ID means a generated one.
type NewVersionSpec struct {
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// sessionRecord is the stored form of a recovery session. Completion
// details stay internal; callers see them through RecoveryResult.
type sessionRecord struct {
	interfaces.RecoverySession
	EvidenceContentID string               `json:"evidenceContentId,omitempty"`
	NewVersionID      interfaces.VersionID `json:"newVersionId,omitempty"`
	CompletedAt       *time.Time           `json:"completedAt,omitempty"`
}

// shareRecord is the stored metadata of one submitted recovery share. The
// ciphertext lives in the payload backend.
type shareRecord struct {
	SessionID    interfaces.SessionID   `json:"sessionId"`
	SubmittedBy  interfaces.PrincipalID `json:"submittedBy"`
	EncryptedFor interfaces.PrincipalID `json:"encryptedFor"`
	ContentID    string                 `json:"contentId"`
	SubmittedAt  time.Time              `json:"submittedAt"`
}

// RecoveryCoordinator runs the time-bounded, threshold-gated protocol for
// recovering one KEK version. Sessions expire lazily: any observation of a
// pending session past its deadline materializes the expired status before
// acting. Completion mints the tenant's replacement version inside the same
// transaction as the status transition, so two concurrent completers cannot
// both succeed.
type RecoveryCoordinator struct {
	store    interfaces.Store
	payloads interfaces.StorageBackend
	versions *VersionManager
	ledger   *ThresholdLedger
	log      *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewRecoveryCoordinator returns a coordinator backed by the given store and
// payload backend, minting replacement versions through versions.
func NewRecoveryCoordinator(store interfaces.Store, payloads interfaces.StorageBackend, versions *VersionManager, log *slog.Logger) *RecoveryCoordinator {
	return &RecoveryCoordinator{
		store:    store,
		payloads: payloads,
		versions: versions,
		ledger:   NewThresholdLedger("recovery"),
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Initiate opens a recovery session for versionID. Fails NotFound if the
// version does not exist or belongs to a different tenant than tenantID.
// Caller authorization is the responsibility of the layer above.
func (c *RecoveryCoordinator) Initiate(ctx context.Context, initiatedBy interfaces.PrincipalID, versionID interfaces.VersionID, threshold int, reason string, tenantID interfaces.TenantID, expiresIn time.Duration) (interfaces.RecoverySession, error) {
	if threshold < 1 {
		return interfaces.RecoverySession{}, fmt.Errorf("%w: threshold must be at least 1, got %d", interfaces.ErrValidation, threshold)
	}
	if expiresIn <= 0 {
		expiresIn = DefaultSessionTTL
	}

	now := c.now().UTC()
	record := sessionRecord{
		RecoverySession: interfaces.RecoverySession{
			ID:          interfaces.SessionID(c.newID()),
			VersionID:   versionID,
			TenantID:    tenantID,
			InitiatedBy: initiatedBy,
			Threshold:   threshold,
			Reason:      reason,
			Status:      interfaces.SessionPending,
			Shares:      []interfaces.ShareReceipt{},
			CreatedAt:   now,
			ExpiresAt:   now.Add(expiresIn),
		},
	}
	err := c.store.Update(ctx, func(tx interfaces.Tx) error {
		var version interfaces.KEKVersion
		if err := getJSON(tx, versionKey(versionID), &version); err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return fmt.Errorf("%w: version %s", interfaces.ErrNotFound, versionID)
			}
			return err
		}
		if version.TenantID != tenantID {
			// A version of another tenant is indistinguishable from a
			// nonexistent one to this caller.
			return fmt.Errorf("%w: version %s", interfaces.ErrNotFound, versionID)
		}
		if err := putJSON(tx, sessionKey(record.ID), record); err != nil {
			return err
		}
		tx.SAdd(tenantRecoveryKey(tenantID), string(record.ID))
		tx.SAdd(allSessionsKey, string(record.ID))
		return nil
	})
	if err != nil {
		return interfaces.RecoverySession{}, err
	}

	c.log.Info("initiated recovery session",
		slog.String("sessionId", string(record.ID)),
		slog.String("versionId", string(versionID)),
		slog.String("tenantId", string(tenantID)),
		slog.Int("threshold", threshold))
	return record.RecoverySession, nil
}

// loadSessionInTx fetches a session and materializes lazy expiry: a pending
// session past its deadline is persisted as expired before being returned.
func (c *RecoveryCoordinator) loadSessionInTx(tx interfaces.Tx, sessionID interfaces.SessionID) (sessionRecord, error) {
	var record sessionRecord
	if err := getJSON(tx, sessionKey(sessionID), &record); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return sessionRecord{}, fmt.Errorf("%w: recovery session %s", interfaces.ErrNotFound, sessionID)
		}
		return sessionRecord{}, err
	}
	if record.Status == interfaces.SessionPending && !c.now().UTC().Before(record.ExpiresAt) {
		record.Status = interfaces.SessionExpired
		if err := putJSON(tx, sessionKey(sessionID), record); err != nil {
			return sessionRecord{}, err
		}
		c.log.Info("recovery session expired", slog.String("sessionId", string(sessionID)))
	}
	return record, nil
}

// Get fetches a session, applying lazy expiry.
func (c *RecoveryCoordinator) Get(ctx context.Context, sessionID interfaces.SessionID) (interfaces.RecoverySession, error) {
	var record sessionRecord
	err := c.store.Update(ctx, func(tx interfaces.Tx) error {
		var err error
		record, err = c.loadSessionInTx(tx, sessionID)
		return err
	})
	if err != nil {
		return interfaces.RecoverySession{}, err
	}
	return record.RecoverySession, nil
}

// SubmitShare records one holder's share for the session, addressed to the
// principal who will reconstruct client-side. The duplicate check and the
// receipt append are one transaction.
func (c *RecoveryCoordinator) SubmitShare(ctx context.Context, submittedBy interfaces.PrincipalID, sessionID interfaces.SessionID, share []byte, encryptedFor interfaces.PrincipalID) (interfaces.RecoverySession, error) {
	if submittedBy == "" {
		return interfaces.RecoverySession{}, fmt.Errorf("%w: submitting principal is required", interfaces.ErrValidation)
	}
	if len(share) == 0 {
		return interfaces.RecoverySession{}, fmt.Errorf("%w: share is empty", interfaces.ErrValidation)
	}

	contentID, err := c.payloads.Store(ctx, share, interfaces.ShareContent)
	if err != nil {
		return interfaces.RecoverySession{}, fmt.Errorf("storing share payload: %w", err)
	}

	var record sessionRecord
	err = c.store.Update(ctx, func(tx interfaces.Tx) error {
		var err error
		record, err = c.loadSessionInTx(tx, sessionID)
		if err != nil {
			return err
		}
		if record.Status != interfaces.SessionPending {
			return fmt.Errorf("%w: session is %s", interfaces.ErrConflict, record.Status)
		}
		if c.ledger.Has(tx, string(sessionID), submittedBy) {
			return fmt.Errorf("%w: already submitted", interfaces.ErrConflict)
		}
		if _, err := c.ledger.Contribute(tx, string(sessionID), submittedBy); err != nil {
			return err
		}

		submittedAt := c.now().UTC()
		if err := putJSON(tx, sessionShareKey(sessionID, submittedBy), shareRecord{
			SessionID:    sessionID,
			SubmittedBy:  submittedBy,
			EncryptedFor: encryptedFor,
			ContentID:    contentID.String(),
			SubmittedAt:  submittedAt,
		}); err != nil {
			return err
		}
		record.Shares = append(record.Shares, interfaces.ShareReceipt{UserID: submittedBy, SubmittedAt: submittedAt})
		return putJSON(tx, sessionKey(sessionID), record)
	})
	if err != nil {
		return interfaces.RecoverySession{}, err
	}

	c.log.Info("recovery share submitted",
		slog.String("sessionId", string(sessionID)),
		slog.String("submittedBy", string(submittedBy)),
		slog.Int("collected", len(record.Shares)),
		slog.Int("threshold", record.Threshold))
	return record.RecoverySession, nil
}

// ListShares returns the share ciphertexts of a session addressed to
// recipient. A zero recipient returns all shares.
func (c *RecoveryCoordinator) ListShares(ctx context.Context, sessionID interfaces.SessionID, recipient interfaces.PrincipalID) ([]interfaces.RecoveryShare, error) {
	var records []shareRecord
	err := c.store.View(ctx, func(tx interfaces.ReadTx) error {
		if _, ok := tx.Get(sessionKey(sessionID)); !ok {
			return fmt.Errorf("%w: recovery session %s", interfaces.ErrNotFound, sessionID)
		}
		for _, principal := range c.ledger.Contributors(tx, string(sessionID)) {
			var record shareRecord
			if err := getJSON(tx, sessionShareKey(sessionID, principal), &record); err != nil {
				return fmt.Errorf("loading share of %s: %w", principal, err)
			}
			if recipient != "" && record.EncryptedFor != recipient {
				continue
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	shares := make([]interfaces.RecoveryShare, 0, len(records))
	for _, record := range records {
		contentID, err := interfaces.NewContentIDFromHex(record.ContentID)
		if err != nil {
			return nil, fmt.Errorf("corrupt content id for share of %s: %w", record.SubmittedBy, err)
		}
		payload, err := c.payloads.Fetch(ctx, contentID, interfaces.ShareContent)
		if err != nil {
			return nil, fmt.Errorf("fetching share payload %s: %w", record.ContentID, err)
		}
		shares = append(shares, interfaces.RecoveryShare{
			SessionID:    sessionID,
			SubmittedBy:  record.SubmittedBy,
			Share:        payload,
			EncryptedFor: record.EncryptedFor,
		})
	}
	return shares, nil
}

// Complete finishes a session whose threshold has been met: it transitions
// the session to completed and mints the tenant's replacement version in one
// transaction. The recoveredKEK ciphertext is archived as evidence, never
// decrypted. The recovered version itself stays in history per the demotion
// rule.
func (c *RecoveryCoordinator) Complete(ctx context.Context, completedBy interfaces.PrincipalID, sessionID interfaces.SessionID, recoveredKEK []byte, spec NewVersionSpec) (interfaces.RecoveryResult, error) {
	var evidenceID string
	if len(recoveredKEK) > 0 {
		contentID, err := c.payloads.Store(ctx, recoveredKEK, interfaces.EvidenceContent)
		if err != nil {
			return interfaces.RecoveryResult{}, fmt.Errorf("storing recovery evidence: %w", err)
		}
		evidenceID = contentID.String()
	}

	reason := spec.Reason
	if reason == "" {
		reason = "recovery completion"
	}

	var result interfaces.RecoveryResult
	err := c.store.Update(ctx, func(tx interfaces.Tx) error {
		record, err := c.loadSessionInTx(tx, sessionID)
		if err != nil {
			return err
		}
		if record.Status != interfaces.SessionPending {
			return fmt.Errorf("%w: session is %s", interfaces.ErrConflict, record.Status)
		}
		if len(record.Shares) < record.Threshold {
			return fmt.Errorf("%w: not enough shares submitted (%d/%d)", interfaces.ErrValidation, len(record.Shares), record.Threshold)
		}

		newVersion, err := c.versions.createInTx(tx, record.TenantID, completedBy, reason, spec.ID)
		if err != nil {
			return err
		}

		completedAt := c.now().UTC()
		record.Status = interfaces.SessionCompleted
		record.EvidenceContentID = evidenceID
		record.NewVersionID = newVersion.ID
		record.CompletedAt = &completedAt
		if err := putJSON(tx, sessionKey(sessionID), record); err != nil {
			return err
		}

		result = interfaces.RecoveryResult{
			SessionID:    sessionID,
			VersionID:    record.VersionID,
			NewVersionID: newVersion.ID,
			CompletedAt:  completedAt,
		}
		return nil
	})
	if err != nil {
		return interfaces.RecoveryResult{}, err
	}

	c.log.Info("recovery session completed",
		slog.String("sessionId", string(sessionID)),
		slog.String("versionId", string(result.VersionID)),
		slog.String("newVersionId", string(result.NewVersionID)))
	return result, nil
}

// Cancel transitions a pending session to cancelled. Terminal sessions
// cannot be cancelled.
func (c *RecoveryCoordinator) Cancel(ctx context.Context, sessionID interfaces.SessionID) (interfaces.RecoverySession, error) {
	var record sessionRecord
	err := c.store.Update(ctx, func(tx interfaces.Tx) error {
		var err error
		record, err = c.loadSessionInTx(tx, sessionID)
		if err != nil {
			return err
		}
		if record.Status != interfaces.SessionPending {
			return fmt.Errorf("%w: session is %s", interfaces.ErrConflict, record.Status)
		}
		record.Status = interfaces.SessionCancelled
		return putJSON(tx, sessionKey(sessionID), record)
	})
	if err != nil {
		return interfaces.RecoverySession{}, err
	}

	c.log.Info("recovery session cancelled", slog.String("sessionId", string(sessionID)))
	return record.RecoverySession, nil
}

// ListForTenant returns the tenant's sessions, newest first, with lazy
// expiry applied to each.
func (c *RecoveryCoordinator) ListForTenant(ctx context.Context, tenantID interfaces.TenantID) ([]interfaces.RecoverySession, error) {
	var sessions []interfaces.RecoverySession
	err := c.store.Update(ctx, func(tx interfaces.Tx) error {
		sessions = sessions[:0]
		for _, id := range tx.SMembers(tenantRecoveryKey(tenantID)) {
			record, err := c.loadSessionInTx(tx, interfaces.SessionID(id))
			if err != nil {
				return err
			}
			sessions = append(sessions, record.RecoverySession)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// ExpireDue materializes the expired status for every pending session past
// its deadline and returns how many it transitioned. The lazy-expiry
// contract does not require calling this; it keeps storage tidy for
// sessions nobody reads again.
func (c *RecoveryCoordinator) ExpireDue(ctx context.Context) (int, error) {
	expired := 0
	err := c.store.Update(ctx, func(tx interfaces.Tx) error {
		expired = 0
		for _, id := range tx.SMembers(allSessionsKey) {
			var record sessionRecord
			if err := getJSON(tx, sessionKey(interfaces.SessionID(id)), &record); err != nil {
				return fmt.Errorf("loading session %s: %w", id, err)
			}
			if record.Status != interfaces.SessionPending || c.now().UTC().Before(record.ExpiresAt) {
				continue
			}
			record.Status = interfaces.SessionExpired
			if err := putJSON(tx, sessionKey(interfaces.SessionID(id)), record); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		c.log.Info("swept expired recovery sessions", slog.Int("count", expired))
	}
	return expired, nil
}

// RunSweeper periodically calls ExpireDue until ctx is cancelled.
func (c *RecoveryCoordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.ExpireDue(ctx); err != nil {
				c.log.Error("recovery session sweep failed", slog.Any("err", err))
			}
		}
	}
}
