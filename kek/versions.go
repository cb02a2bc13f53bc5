package kek

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/quorumkey/kek-service-backend/interfaces"
)

// VersionManager owns the per-tenant sequence of KEK versions and the
// single-active-version invariant. All mutations run inside a single store
// transaction, so two concurrent rotations for the same tenant can never
// both observe "no active version" and both write status=active.
type VersionManager struct {
	store interfaces.Store
	log   *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewVersionManager returns a VersionManager backed by the given store.
func NewVersionManager(store interfaces.Store, log *slog.Logger) *VersionManager {
	return &VersionManager{
		store: store,
		log:   log,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// CreateVersion allocates the tenant's next version number, demotes the
// current active version (if any) to decrypt-only, and inserts the new
// version as active.
func (m *VersionManager) CreateVersion(ctx context.Context, tenantID interfaces.TenantID, createdBy interfaces.PrincipalID, reason string) (interfaces.KEKVersion, error) {
	if tenantID == "" {
		return interfaces.KEKVersion{}, fmt.Errorf("%w: tenant id is required", interfaces.ErrValidation)
	}

	var created interfaces.KEKVersion
	err := m.store.Update(ctx, func(tx interfaces.Tx) error {
		var err error
		created, err = m.createInTx(tx, tenantID, createdBy, reason, "")
		return err
	})
	if err != nil {
		return interfaces.KEKVersion{}, err
	}

	m.log.Info("created KEK version",
		slog.String("tenantId", string(tenantID)),
		slog.String("versionId", string(created.ID)),
		slog.Int("versionNumber", created.VersionNumber))
	return created, nil
}

// Rotate supersedes the tenant's active version with a fresh one. The
// mechanics are identical to CreateVersion; the separate entry point exists
// so callers state their intent and audit reasons read correctly.
func (m *VersionManager) Rotate(ctx context.Context, tenantID interfaces.TenantID, createdBy interfaces.PrincipalID, reason string) (interfaces.KEKVersion, error) {
	return m.CreateVersion(ctx, tenantID, createdBy, reason)
}

// createInTx performs version creation inside an already-open transaction.
// The recovery coordinator uses it directly so that minting the replacement
// version is atomic with the session's completion transition. An explicitID
// of "" means a generated one.
func (m *VersionManager) createInTx(tx interfaces.Tx, tenantID interfaces.TenantID, createdBy interfaces.PrincipalID, reason, explicitID string) (interfaces.KEKVersion, error) {
	seq := 1
	if raw, ok := tx.Get(tenantSeqKey(tenantID)); ok {
		prev, err := strconv.Atoi(string(raw))
		if err != nil {
			return interfaces.KEKVersion{}, fmt.Errorf("corrupt version sequence for tenant %s: %w", tenantID, err)
		}
		seq = prev + 1
	}

	// Demote the current active version before inserting the new one.
	if raw, ok := tx.Get(tenantActiveKey(tenantID)); ok {
		var prev interfaces.KEKVersion
		if err := getJSON(tx, versionKey(interfaces.VersionID(raw)), &prev); err != nil {
			return interfaces.KEKVersion{}, fmt.Errorf("loading active version of tenant %s: %w", tenantID, err)
		}
		prev.Status = interfaces.VersionDecryptOnly
		if err := putJSON(tx, versionKey(prev.ID), prev); err != nil {
			return interfaces.KEKVersion{}, err
		}
	}

	id := explicitID
	if id == "" {
		id = m.newID()
	}
	if _, ok := tx.Get(versionKey(interfaces.VersionID(id))); ok {
		return interfaces.KEKVersion{}, fmt.Errorf("%w: version %s already exists", interfaces.ErrConflict, id)
	}

	version := interfaces.KEKVersion{
		ID:            interfaces.VersionID(id),
		TenantID:      tenantID,
		VersionNumber: seq,
		Status:        interfaces.VersionActive,
		CreatedAt:     m.now().UTC(),
		CreatedBy:     createdBy,
		Reason:        reason,
	}
	if err := putJSON(tx, versionKey(version.ID), version); err != nil {
		return interfaces.KEKVersion{}, err
	}
	tx.Put(tenantSeqKey(tenantID), []byte(strconv.Itoa(seq)))
	tx.Put(tenantActiveKey(tenantID), []byte(version.ID))
	tx.SAdd(tenantVersionsKey(tenantID), string(version.ID))
	return version, nil
}

// GetVersion fetches a version record by id.
func (m *VersionManager) GetVersion(ctx context.Context, versionID interfaces.VersionID) (interfaces.KEKVersion, error) {
	var version interfaces.KEKVersion
	err := m.store.View(ctx, func(tx interfaces.ReadTx) error {
		return getJSON(tx, versionKey(versionID), &version)
	})
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.KEKVersion{}, fmt.Errorf("%w: version %s", interfaces.ErrNotFound, versionID)
	}
	if err != nil {
		return interfaces.KEKVersion{}, err
	}
	return version, nil
}

// GetActiveVersion returns the tenant's single active version, or NotFound
// if the tenant has no versions yet.
func (m *VersionManager) GetActiveVersion(ctx context.Context, tenantID interfaces.TenantID) (interfaces.KEKVersion, error) {
	var version interfaces.KEKVersion
	err := m.store.View(ctx, func(tx interfaces.ReadTx) error {
		raw, ok := tx.Get(tenantActiveKey(tenantID))
		if !ok {
			return fmt.Errorf("%w: tenant %s has no active version", interfaces.ErrNotFound, tenantID)
		}
		return getJSON(tx, versionKey(interfaces.VersionID(raw)), &version)
	})
	if err != nil {
		return interfaces.KEKVersion{}, err
	}
	return version, nil
}

// ListVersions returns all versions of the tenant, newest first.
func (m *VersionManager) ListVersions(ctx context.Context, tenantID interfaces.TenantID) ([]interfaces.KEKVersion, error) {
	var versions []interfaces.KEKVersion
	err := m.store.View(ctx, func(tx interfaces.ReadTx) error {
		for _, id := range tx.SMembers(tenantVersionsKey(tenantID)) {
			var v interfaces.KEKVersion
			if err := getJSON(tx, versionKey(interfaces.VersionID(id)), &v); err != nil {
				return fmt.Errorf("loading version %s: %w", id, err)
			}
			versions = append(versions, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].VersionNumber > versions[j].VersionNumber
	})
	return versions, nil
}

// SetStatus transitions a version to the given status. Promoting a version
// to active demotes the tenant's current active version in the same
// transaction and moves the active pointer.
func (m *VersionManager) SetStatus(ctx context.Context, versionID interfaces.VersionID, status interfaces.VersionStatus) (interfaces.KEKVersion, error) {
	if !status.Valid() {
		return interfaces.KEKVersion{}, fmt.Errorf("%w: unknown version status %q", interfaces.ErrValidation, status)
	}

	var version interfaces.KEKVersion
	err := m.store.Update(ctx, func(tx interfaces.Tx) error {
		if err := getJSON(tx, versionKey(versionID), &version); err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return fmt.Errorf("%w: version %s", interfaces.ErrNotFound, versionID)
			}
			return err
		}

		if status == interfaces.VersionActive && version.Status != interfaces.VersionActive {
			if raw, ok := tx.Get(tenantActiveKey(version.TenantID)); ok && interfaces.VersionID(raw) != versionID {
				var prev interfaces.KEKVersion
				if err := getJSON(tx, versionKey(interfaces.VersionID(raw)), &prev); err != nil {
					return fmt.Errorf("loading active version of tenant %s: %w", version.TenantID, err)
				}
				prev.Status = interfaces.VersionDecryptOnly
				if err := putJSON(tx, versionKey(prev.ID), prev); err != nil {
					return err
				}
			}
			tx.Put(tenantActiveKey(version.TenantID), []byte(versionID))
		}
		if status != interfaces.VersionActive && version.Status == interfaces.VersionActive {
			// Demoting the active version leaves the tenant without one.
			tx.Delete(tenantActiveKey(version.TenantID))
		}

		version.Status = status
		return putJSON(tx, versionKey(versionID), version)
	})
	if err != nil {
		return interfaces.KEKVersion{}, err
	}

	m.log.Info("updated KEK version status",
		slog.String("versionId", string(versionID)),
		slog.String("status", string(status)))
	return version, nil
}
