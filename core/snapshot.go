package core

// snapshot.go - fast-sync snapshot store: content-addresses state blobs
// with a CIDv1 over their SHA-256 multihash and caches them on disk,
// bounded by an oldest-first eviction cap. Snapshots are served to peers
// directly over the sync RPC surface.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// SnapshotStore persists fast-sync state blobs on disk, indexed by height
// and by their content-derived CID, and tracks a bounded number of entries
// with oldest-eviction once full.
type SnapshotStore struct {
	mu         sync.Mutex
	dir        string
	maxEntries int
	byHeight   map[uint64]Snapshot
	order      []uint64
}

// OpenSnapshotStore opens (creating if necessary) a snapshot blob directory
// bounding it to maxEntries (0 uses a sane default).
func OpenSnapshotStore(dir string, maxEntries int) (*SnapshotStore, error) {
	if maxEntries <= 0 {
		maxEntries = 64
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir snapshot dir: %w", err)
	}
	return &SnapshotStore{dir: dir, maxEntries: maxEntries, byHeight: make(map[uint64]Snapshot)}, nil
}

// Put content-addresses blob, writes it to disk under its CID, and records
// it as the snapshot for height, evicting the oldest retained snapshot if
// the store is at capacity.
func (s *SnapshotStore) Put(ctx context.Context, height uint64, stateRoot Hash, blob []byte) (Snapshot, error) {
	digest, err := mh.Sum(blob, mh.SHA2_256, -1)
	if err != nil {
		return Snapshot{}, Errf(ErrTransient, "hash snapshot blob: %w", err)
	}
	c := cid.NewCidV1(cid.Raw, digest)
	cidStr := c.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(filepath.Join(s.dir, cidStr), blob, 0o600); err != nil {
		return Snapshot{}, fmt.Errorf("write snapshot blob: %w", err)
	}
	snap := Snapshot{Height: height, CID: cidStr, StateRoot: stateRoot, CreatedAt: time.Now().Unix()}
	if _, exists := s.byHeight[height]; !exists {
		s.order = append(s.order, height)
	}
	s.byHeight[height] = snap

	for len(s.order) > s.maxEntries {
		oldest := s.order[0]
		s.order = s.order[1:]
		if old, ok := s.byHeight[oldest]; ok {
			os.Remove(filepath.Join(s.dir, old.CID))
			delete(s.byHeight, oldest)
		}
	}
	return snap, nil
}

// Get retrieves the blob for cidStr, verifying its content hash still
// matches the CID before returning it.
func (s *SnapshotStore) Get(ctx context.Context, cidStr string) ([]byte, error) {
	s.mu.Lock()
	path := filepath.Join(s.dir, cidStr)
	s.mu.Unlock()

	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, Errf(ErrInvalidRequest, "snapshot blob not found: %w", err)
	}
	digest, err := mh.Sum(blob, mh.SHA2_256, -1)
	if err != nil {
		return nil, Errf(ErrTransient, "rehash snapshot blob: %w", err)
	}
	want := cid.NewCidV1(cid.Raw, digest).String()
	if want != cidStr {
		return nil, NewError(ErrDataCorruption, fmt.Errorf("snapshot blob %s failed content-address verification", cidStr))
	}
	return blob, nil
}

// Latest returns the most recent snapshot at or before height, if any.
func (s *SnapshotStore) Latest(maxHeight uint64) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best Snapshot
	found := false
	for h, snap := range s.byHeight {
		if h <= maxHeight && (!found || h > best.Height) {
			best = snap
			found = true
		}
	}
	return best, found
}

// ByHeight returns the snapshot recorded at exactly height, if any.
func (s *SnapshotStore) ByHeight(height uint64) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.byHeight[height]
	return snap, ok
}
