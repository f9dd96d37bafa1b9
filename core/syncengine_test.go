package core

import (
	"context"
	"testing"
)

func TestSelectStrategy(t *testing.T) {
	cases := []struct {
		name                 string
		local, remote        uint64
		hasSnapshot          bool
		lightMode            bool
		hasTrustedCheckpoint bool
		want                 SyncStrategy
	}{
		{"fresh node with checkpoint", 0, 1000, false, false, true, StrategyCheckpoint},
		{"light mode always wins after checkpoint", 10, 1000, false, true, false, StrategyLight},
		{"small gap uses full", 100, 105, false, false, false, StrategyFull},
		{"large gap with snapshot uses fast", 100, 500, true, false, false, StrategyFast},
		{"large gap without snapshot falls back to full", 100, 500, false, false, false, StrategyFull},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SelectStrategy(tc.local, tc.remote, tc.hasSnapshot, tc.lightMode, tc.hasTrustedCheckpoint)
			if got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

// chainPeerClient serves blocks from an in-memory chain built ahead of
// the local store, simulating a peer that is further along.
type chainPeerClient struct {
	blocks []*Block
}

func (c *chainPeerClient) Addr() string { return "peer" }
func (c *chainPeerClient) GetHeaders(ctx context.Context, from, to uint64) ([]BlockHeader, error) {
	var out []BlockHeader
	for _, b := range c.blocks {
		if b.Header.Height >= from && b.Header.Height <= to {
			out = append(out, b.Header)
		}
	}
	return out, nil
}
func (c *chainPeerClient) GetRange(ctx context.Context, from, to uint64) ([]*Block, error) {
	var out []*Block
	for _, b := range c.blocks {
		if b.Header.Height >= from && b.Header.Height <= to {
			out = append(out, b)
		}
	}
	return out, nil
}
func (c *chainPeerClient) GetSnapshot(ctx context.Context) (*Snapshot, []byte, error) {
	return nil, nil, nil
}
func (c *chainPeerClient) GetTipHeight(ctx context.Context) (uint64, error) {
	return c.blocks[len(c.blocks)-1].Header.Height, nil
}

func buildChain(n int) []*Block {
	blocks := make([]*Block, n)
	var prevHash Hash
	for i := 0; i < n; i++ {
		b := &Block{Header: BlockHeader{Height: uint64(i), PrevHash: prevHash}}
		blocks[i] = b
		prevHash = b.Hash()
	}
	return blocks
}

func newTestSyncEngine(t *testing.T) (*SyncEngine, *DualStore) {
	t.Helper()
	bs := tmpBinaryStore(t)
	ds := NewDualStore(bs, nil, nil)
	forks := NewForkResolver(ds, nil)
	return NewSyncEngine(SyncEngineConfig{}, ds, forks, nil, nil), ds
}

func TestResolveGapSequentialPull(t *testing.T) {
	engine, ds := newTestSyncEngine(t)
	chain := buildChain(5)
	if err := ds.AppendBlock(context.Background(), chain[0]); err != nil {
		t.Fatalf("seed genesis: %v", err)
	}
	peer := &chainPeerClient{blocks: chain}

	if err := engine.ResolveGap(context.Background(), peer, 0, 4); err != nil {
		t.Fatalf("resolve gap: %v", err)
	}
	if ds.Bin.Height() != 4 {
		t.Fatalf("height=%d want 4", ds.Bin.Height())
	}
}

func TestResolveGapParallelBatch(t *testing.T) {
	engine, ds := newTestSyncEngine(t)
	engine.cfg.ImmediateThreshold = 2
	engine.cfg.BatchThreshold = 200
	engine.cfg.BatchSize = 5

	chain := buildChain(50)
	if err := ds.AppendBlock(context.Background(), chain[0]); err != nil {
		t.Fatalf("seed genesis: %v", err)
	}
	peer := &chainPeerClient{blocks: chain}

	if err := engine.ResolveGap(context.Background(), peer, 0, 49); err != nil {
		t.Fatalf("resolve gap: %v", err)
	}
	if ds.Bin.Height() != 49 {
		t.Fatalf("height=%d want 49", ds.Bin.Height())
	}
}

func TestLightSyncDetectsBrokenHeaderChain(t *testing.T) {
	engine, _ := newTestSyncEngine(t)
	chain := buildChain(3)
	broken := []*Block{chain[0], chain[1], {Header: BlockHeader{Height: 2, PrevHash: Hash{0xFF}}}}
	peer := &chainPeerClient{blocks: broken}

	_, err := engine.LightSync(context.Background(), peer, 0, 2)
	if err == nil || KindOf(err) != ErrForkConflict {
		t.Fatalf("expected ErrForkConflict for a broken header chain, got %v", err)
	}
}

func TestLightSyncAcceptsValidHeaderChain(t *testing.T) {
	engine, _ := newTestSyncEngine(t)
	chain := buildChain(4)
	peer := &chainPeerClient{blocks: chain}

	headers, err := engine.LightSync(context.Background(), peer, 0, 3)
	if err != nil {
		t.Fatalf("light sync: %v", err)
	}
	if len(headers) != 4 {
		t.Fatalf("headers=%d want 4", len(headers))
	}
}

func TestFastSyncVerifiesSnapshotRoot(t *testing.T) {
	engine, ds := newTestSyncEngine(t)
	snapStore, err := OpenSnapshotStore(t.TempDir(), 8)
	if err != nil {
		t.Fatalf("open snapshot store: %v", err)
	}
	engine.snapshots = snapStore

	chain := buildChain(10)
	if err := ds.AppendBlock(context.Background(), chain[0]); err != nil {
		t.Fatalf("seed genesis: %v", err)
	}
	blob := []byte("state-blob")
	snap, err := snapStore.Put(context.Background(), 4, Keccak256Hash(blob), blob)
	if err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	peer := &chainPeerClient{blocks: chain}
	if err := engine.FastSync(context.Background(), peer, &snap); err != nil {
		t.Fatalf("fast sync: %v", err)
	}
	if ds.Bin.Height() != 9 {
		t.Fatalf("height=%d want 9 after fast sync completes", ds.Bin.Height())
	}
}

func TestFastSyncRejectsMismatchedRoot(t *testing.T) {
	engine, ds := newTestSyncEngine(t)
	snapStore, err := OpenSnapshotStore(t.TempDir(), 8)
	if err != nil {
		t.Fatalf("open snapshot store: %v", err)
	}
	engine.snapshots = snapStore

	chain := buildChain(2)
	ds.AppendBlock(context.Background(), chain[0])
	blob := []byte("state-blob")
	snap, err := snapStore.Put(context.Background(), 0, Keccak256Hash(blob), blob)
	if err != nil {
		t.Fatalf("put snapshot: %v", err)
	}
	snap.StateRoot = Hash{0x01} // corrupt the declared root

	peer := &chainPeerClient{blocks: chain}
	if err := engine.FastSync(context.Background(), peer, &snap); err == nil || KindOf(err) != ErrDataCorruption {
		t.Fatalf("expected ErrDataCorruption for a mismatched root, got %v", err)
	}
}

func TestCheckpointSyncAdoptsTrustedBaseAndCatchesUp(t *testing.T) {
	engine, ds := newTestSyncEngine(t)
	chain := buildChain(8)
	peer := &chainPeerClient{blocks: chain}

	cp := Checkpoint{Height: 4, BlockHash: chain[4].Hash()}
	if err := engine.CheckpointSync(context.Background(), peer, cp); err != nil {
		t.Fatalf("checkpoint sync: %v", err)
	}
	if ds.Bin.Height() != 7 {
		t.Fatalf("height=%d want 7 after checkpoint sync", ds.Bin.Height())
	}
	if _, err := ds.Bin.GetByHeight(3); err == nil {
		t.Fatal("blocks below the checkpoint should not have been replayed")
	}
}

func TestCheckpointSyncRejectsHashMismatch(t *testing.T) {
	engine, ds := newTestSyncEngine(t)
	chain := buildChain(6)
	peer := &chainPeerClient{blocks: chain}

	cp := Checkpoint{Height: 3, BlockHash: Hash{0xAB}}
	if err := engine.CheckpointSync(context.Background(), peer, cp); err == nil || KindOf(err) != ErrConsensusReject {
		t.Fatalf("expected ErrConsensusReject for a checkpoint hash mismatch, got %v", err)
	}
	if ds.Bin.Height() != 0 {
		t.Fatalf("height=%d want 0, nothing should be adopted from a mismatched peer", ds.Bin.Height())
	}
}
