package kek

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/quorumkey/kek-service-backend/interfaces"
)

// blobRecord is the stored metadata of one KEK blob. The ciphertext itself
// lives in the content-addressed payload backend; only its hash is kept here.
type blobRecord struct {
	PrincipalID  interfaces.PrincipalID `json:"principalId"`
	KEKVersionID interfaces.VersionID   `json:"kekVersionId"`
	ContentID    string                 `json:"contentId"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// BlobStore owns per-(principal, version) encrypted KEK material. Blob
// metadata and the forward/reverse indexes are updated in one transaction,
// so an index entry never outlives its blob or vice versa.
type BlobStore struct {
	store    interfaces.Store
	payloads interfaces.StorageBackend
	log      *slog.Logger

	now func() time.Time
}

// NewBlobStore returns a BlobStore persisting metadata in store and
// ciphertext payloads in payloads.
func NewBlobStore(store interfaces.Store, payloads interfaces.StorageBackend, log *slog.Logger) *BlobStore {
	return &BlobStore{
		store:    store,
		payloads: payloads,
		log:      log,
		now:      time.Now,
	}
}

// Provision upserts the blob for (principalID, versionID). Re-provisioning
// replaces the ciphertext and advances UpdatedAt while keeping CreatedAt.
// Fails with NotFound if the version does not exist.
func (s *BlobStore) Provision(ctx context.Context, principalID interfaces.PrincipalID, versionID interfaces.VersionID, encryptedBlob []byte) (interfaces.KEKBlob, error) {
	if principalID == "" {
		return interfaces.KEKBlob{}, fmt.Errorf("%w: principal id is required", interfaces.ErrValidation)
	}
	if len(encryptedBlob) == 0 {
		return interfaces.KEKBlob{}, fmt.Errorf("%w: encrypted blob is empty", interfaces.ErrValidation)
	}

	// Payloads are content-addressed, so storing before the transaction is
	// idempotent and a failed transaction leaves no dangling reference.
	contentID, err := s.payloads.Store(ctx, encryptedBlob, interfaces.BlobContent)
	if err != nil {
		return interfaces.KEKBlob{}, fmt.Errorf("storing blob payload: %w", err)
	}

	key := interfaces.BlobKey{PrincipalID: principalID, KEKVersionID: versionID}
	now := s.now().UTC()
	record := blobRecord{
		PrincipalID:  principalID,
		KEKVersionID: versionID,
		ContentID:    contentID.String(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.store.Update(ctx, func(tx interfaces.Tx) error {
		if _, ok := tx.Get(versionKey(versionID)); !ok {
			return fmt.Errorf("%w: version %s", interfaces.ErrNotFound, versionID)
		}
		var prev blobRecord
		if err := getJSON(tx, blobKey(key), &prev); err == nil {
			record.CreatedAt = prev.CreatedAt
		} else if !errors.Is(err, interfaces.ErrNotFound) {
			return err
		}
		if err := putJSON(tx, blobKey(key), record); err != nil {
			return err
		}
		tx.SAdd(principalVersionsKey(principalID), string(versionID))
		tx.SAdd(versionPrincipalsKey(versionID), string(principalID))
		return nil
	})
	if err != nil {
		return interfaces.KEKBlob{}, err
	}

	s.log.Debug("provisioned KEK blob",
		slog.String("principalId", string(principalID)),
		slog.String("versionId", string(versionID)),
		slog.String("contentId", contentID.String()))
	return interfaces.KEKBlob{
		PrincipalID:   principalID,
		KEKVersionID:  versionID,
		EncryptedBlob: encryptedBlob,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}, nil
}

// Get fetches the blob for (principalID, versionID), including its
// ciphertext from the payload backend.
func (s *BlobStore) Get(ctx context.Context, principalID interfaces.PrincipalID, versionID interfaces.VersionID) (interfaces.KEKBlob, error) {
	key := interfaces.BlobKey{PrincipalID: principalID, KEKVersionID: versionID}

	var record blobRecord
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		return getJSON(tx, blobKey(key), &record)
	})
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.KEKBlob{}, fmt.Errorf("%w: blob %s", interfaces.ErrNotFound, key)
	}
	if err != nil {
		return interfaces.KEKBlob{}, err
	}
	return s.materialize(ctx, record)
}

// ListForPrincipal returns every blob provisioned to the principal, newest
// updated first.
func (s *BlobStore) ListForPrincipal(ctx context.Context, principalID interfaces.PrincipalID) ([]interfaces.KEKBlob, error) {
	var records []blobRecord
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		for _, versionID := range tx.SMembers(principalVersionsKey(principalID)) {
			key := interfaces.BlobKey{PrincipalID: principalID, KEKVersionID: interfaces.VersionID(versionID)}
			var record blobRecord
			if err := getJSON(tx, blobKey(key), &record); err != nil {
				return fmt.Errorf("loading blob %s: %w", key, err)
			}
			records = append(records, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	blobs := make([]interfaces.KEKBlob, 0, len(records))
	for _, record := range records {
		blob, err := s.materialize(ctx, record)
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}
	return blobs, nil
}

// Delete removes one blob and both of its index entries. Deleting a blob
// that does not exist is a no-op.
func (s *BlobStore) Delete(ctx context.Context, principalID interfaces.PrincipalID, versionID interfaces.VersionID) error {
	key := interfaces.BlobKey{PrincipalID: principalID, KEKVersionID: versionID}
	return s.store.Update(ctx, func(tx interfaces.Tx) error {
		if _, ok := tx.Get(blobKey(key)); !ok {
			return nil
		}
		tx.Delete(blobKey(key))
		tx.SRem(principalVersionsKey(principalID), string(versionID))
		tx.SRem(versionPrincipalsKey(versionID), string(principalID))
		return nil
	})
}

// DeleteAllForPrincipal removes every blob owned by the principal and scrubs
// the principal out of every reverse index, all in one transaction.
func (s *BlobStore) DeleteAllForPrincipal(ctx context.Context, principalID interfaces.PrincipalID) error {
	var removed int
	err := s.store.Update(ctx, func(tx interfaces.Tx) error {
		removed = 0
		for _, versionID := range tx.SMembers(principalVersionsKey(principalID)) {
			key := interfaces.BlobKey{PrincipalID: principalID, KEKVersionID: interfaces.VersionID(versionID)}
			tx.Delete(blobKey(key))
			tx.SRem(principalVersionsKey(principalID), versionID)
			tx.SRem(versionPrincipalsKey(interfaces.VersionID(versionID)), string(principalID))
			removed++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if removed > 0 {
		s.log.Info("removed all KEK blobs for principal",
			slog.String("principalId", string(principalID)),
			slog.Int("count", removed))
	}
	return nil
}

func (s *BlobStore) materialize(ctx context.Context, record blobRecord) (interfaces.KEKBlob, error) {
	contentID, err := interfaces.NewContentIDFromHex(record.ContentID)
	if err != nil {
		return interfaces.KEKBlob{}, fmt.Errorf("corrupt content id for blob %s/%s: %w", record.PrincipalID, record.KEKVersionID, err)
	}
	payload, err := s.payloads.Fetch(ctx, contentID, interfaces.BlobContent)
	if err != nil {
		return interfaces.KEKBlob{}, fmt.Errorf("fetching blob payload %s: %w", record.ContentID, err)
	}
	return interfaces.KEKBlob{
		PrincipalID:   record.PrincipalID,
		KEKVersionID:  record.KEKVersionID,
		EncryptedBlob: payload,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}, nil
}
