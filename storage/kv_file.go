package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/quorumkey/kek-service-backend/interfaces"
)

// FileStore is a file-persisted implementation of interfaces.Store. It keeps
// MemoryStore semantics in process and writes a JSON snapshot to disk after
// every successful Update, replacing the previous snapshot atomically via
// rename. Suitable for single-node deployments; a clustered deployment
// replaces the Store with a shared backend.
type FileStore struct {
	mem  *MemoryStore
	path string
	log  *slog.Logger
}

type fileSnapshot struct {
	Hashes map[string]string   `json:"hashes"` // base64 values
	Sets   map[string][]string `json:"sets"`
}

// NewFileStore creates a file store persisting under dir, loading an existing
// snapshot if one is present.
func NewFileStore(dir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	fs := &FileStore{
		mem:  NewMemoryStore(),
		path: filepath.Join(dir, "state.json"),
		log:  log,
	}

	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to read snapshot: %v", interfaces.ErrStoreUnavailable, err)
	}

	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: corrupt snapshot %s: %v", interfaces.ErrStoreUnavailable, fs.path, err)
	}

	hashes := make(map[string][]byte, len(snap.Hashes))
	for k, v := range snap.Hashes {
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("%w: corrupt snapshot value for %s: %v", interfaces.ErrStoreUnavailable, k, err)
		}
		hashes[k] = decoded
	}
	fs.mem.restore(hashes, snap.Sets)

	fs.log.Info("Loaded store snapshot", slog.String("path", fs.path),
		slog.Int("hashes", len(hashes)), slog.Int("sets", len(snap.Sets)))
	return nil
}

// persist writes the current contents to disk. Caller holds the memory
// store's write lock via Update.
func (fs *FileStore) persist() error {
	hashes, sets := fs.mem.snapshot()

	snap := fileSnapshot{
		Hashes: make(map[string]string, len(hashes)),
		Sets:   sets,
	}
	for k, v := range hashes {
		snap.Hashes[k] = base64.StdEncoding.EncodeToString(v)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: failed to encode snapshot: %v", interfaces.ErrStoreUnavailable, err)
	}

	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: failed to write snapshot: %v", interfaces.ErrStoreUnavailable, err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("%w: failed to replace snapshot: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// View runs fn against a consistent read snapshot.
func (fs *FileStore) View(ctx context.Context, fn func(tx interfaces.ReadTx) error) error {
	return fs.mem.View(ctx, fn)
}

// Update runs fn atomically and persists the new state on success.
func (fs *FileStore) Update(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mem.mu.Lock()
	defer fs.mem.mu.Unlock()

	tx := newMemTx(fs.mem)
	if err := fn(tx); err != nil {
		return err
	}

	// Keep memory and disk in lockstep: revert the commit if the snapshot
	// cannot be written, so a failed Update leaves no partial state.
	prevHashes, prevSets := fs.mem.snapshot()
	tx.commit()

	if err := fs.persist(); err != nil {
		fs.mem.hashes = prevHashes
		fs.mem.sets = make(map[string]map[string]struct{}, len(prevSets))
		for k, members := range prevSets {
			set := make(map[string]struct{}, len(members))
			for _, m := range members {
				set[m] = struct{}{}
			}
			fs.mem.sets[k] = set
		}
		fs.log.Error("Failed to persist store snapshot", "err", err,
			slog.String("path", fs.path))
		return err
	}
	return nil
}
