package kek

import (
	"io"
	"log/slog"
	"testing"

	"github.com/quorumkey/kek-service-backend/interfaces"
	"github.com/quorumkey/kek-service-backend/storage"
)

type testEnv struct {
	store    interfaces.Store
	payloads interfaces.StorageBackend

	versions *VersionManager
	blobs    *BlobStore
	quorum   *QuorumEngine
	recovery *RecoveryCoordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	payloads := storage.NewMemoryBackend()

	versions := NewVersionManager(store, log)
	return &testEnv{
		store:    store,
		payloads: payloads,
		versions: versions,
		blobs:    NewBlobStore(store, payloads, log),
		quorum:   NewQuorumEngine(store, log),
		recovery: NewRecoveryCoordinator(store, payloads, versions, log),
	}
}
