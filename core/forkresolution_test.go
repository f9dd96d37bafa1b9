package core

import (
	"context"
	"testing"
)

func blockWithProposer(height uint64, prev Hash, proposer Address) *Block {
	return &Block{Header: BlockHeader{Height: height, PrevHash: prev, Proposer: proposer}}
}

func newTestForkResolver(t *testing.T) (*ForkResolver, *DualStore) {
	t.Helper()
	bs := tmpBinaryStore(t)
	ds := NewDualStore(bs, nil, nil)
	return NewForkResolver(ds, nil), ds
}

func TestAddSideBlockExtendsCanonicalTip(t *testing.T) {
	fr, ds := newTestForkResolver(t)
	genesis := makeBlock(0)
	if err := ds.AppendBlock(context.Background(), genesis); err != nil {
		t.Fatalf("append genesis: %v", err)
	}

	next := blockWithProposer(1, genesis.Hash(), addr(1))
	if err := fr.AddSideBlock(context.Background(), next); err != nil {
		t.Fatalf("add side block: %v", err)
	}
	if ds.Bin.Height() != 1 {
		t.Fatalf("height=%d want 1 (block extending the tip should append directly)", ds.Bin.Height())
	}
	if len(fr.ListBranches()) != 0 {
		t.Fatal("a block extending the canonical tip should not be recorded as a branch")
	}
}

func TestAddSideBlockRecordsDivergentBranch(t *testing.T) {
	fr, ds := newTestForkResolver(t)
	genesis := makeBlock(0)
	ds.AppendBlock(context.Background(), genesis)
	canonical := blockWithProposer(1, genesis.Hash(), addr(1))
	fr.AddSideBlock(context.Background(), canonical)

	sideBlock := blockWithProposer(1, genesis.Hash(), addr(2))
	if err := fr.AddSideBlock(context.Background(), sideBlock); err != nil {
		t.Fatalf("add side block: %v", err)
	}

	branches := fr.ListBranches()
	if len(branches) != 1 {
		t.Fatalf("branches=%d want 1", len(branches))
	}
	if branches[genesis.Hash().String()] != 1 {
		t.Fatalf("expected exactly one block recorded on the branch from genesis")
	}
}

func TestResolvePrefersHigherCumulativeStake(t *testing.T) {
	fr, ds := newTestForkResolver(t)
	genesis := makeBlock(0)
	ds.AppendBlock(context.Background(), genesis)

	weak := addr(1)
	strong := addr(2)
	canonical := blockWithProposer(1, genesis.Hash(), weak)
	fr.AddSideBlock(context.Background(), canonical)

	sideBlock := blockWithProposer(1, genesis.Hash(), strong)
	fr.AddSideBlock(context.Background(), sideBlock)

	stakeOf := func(a Address) uint64 {
		if a == strong {
			return 1000
		}
		return 10
	}

	reorged, err := fr.Resolve(context.Background(), stakeOf)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !reorged {
		t.Fatal("expected a reorg onto the higher-stake branch")
	}

	tip, err := ds.Bin.GetByHeight(1)
	if err != nil {
		t.Fatalf("get tip: %v", err)
	}
	if tip.Header.Proposer != strong {
		t.Fatal("canonical chain should now be headed by the higher-stake branch's block")
	}
	if len(fr.ListBranches()) != 0 {
		t.Fatal("the winning branch should be removed from pending branches once applied")
	}
}

func TestResolveKeepsCanonicalWhenItHasMoreStake(t *testing.T) {
	fr, ds := newTestForkResolver(t)
	genesis := makeBlock(0)
	ds.AppendBlock(context.Background(), genesis)

	strong := addr(1)
	weak := addr(2)
	canonical := blockWithProposer(1, genesis.Hash(), strong)
	fr.AddSideBlock(context.Background(), canonical)
	sideBlock := blockWithProposer(1, genesis.Hash(), weak)
	fr.AddSideBlock(context.Background(), sideBlock)

	stakeOf := func(a Address) uint64 {
		if a == strong {
			return 1000
		}
		return 10
	}

	reorged, err := fr.Resolve(context.Background(), stakeOf)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if reorged {
		t.Fatal("canonical chain already holds more stake; no reorg should occur")
	}
}

// fakePeerClient implements PeerClient by serving headers from a local
// in-memory chain, used to exercise FindCommonAncestor without a network.
type fakePeerClient struct {
	headers map[uint64]BlockHeader
}

func (f *fakePeerClient) Addr() string { return "fake" }
func (f *fakePeerClient) GetHeaders(ctx context.Context, from, to uint64) ([]BlockHeader, error) {
	var out []BlockHeader
	for h := from; h <= to; h++ {
		out = append(out, f.headers[h])
	}
	return out, nil
}
func (f *fakePeerClient) GetRange(ctx context.Context, from, to uint64) ([]*Block, error) {
	return nil, nil
}
func (f *fakePeerClient) GetSnapshot(ctx context.Context) (*Snapshot, []byte, error) {
	return nil, nil, nil
}
func (f *fakePeerClient) GetTipHeight(ctx context.Context) (uint64, error) { return 0, nil }

func TestFindCommonAncestor(t *testing.T) {
	bs := tmpBinaryStore(t)
	blocks := appendChain(t, bs, 6)
	peerHeaders := make(map[uint64]BlockHeader)
	for h := uint64(0); h <= 5; h++ {
		if h <= 3 {
			peerHeaders[h] = blocks[h].Header
		} else {
			// peer diverges from height 4 onward with a differently shaped header
			peerHeaders[h] = BlockHeader{Height: h, Proposer: addr(9)}
		}
	}

	peer := &fakePeerClient{headers: peerHeaders}
	ancestor, err := FindCommonAncestor(context.Background(), bs, peer, 0, 5)
	if err != nil {
		t.Fatalf("find common ancestor: %v", err)
	}
	if ancestor != 3 {
		t.Fatalf("ancestor=%d want 3", ancestor)
	}
}

func TestResolveRejectsBranchFailingBlockCheck(t *testing.T) {
	fr, ds := newTestForkResolver(t)
	genesis := makeBlock(0)
	ds.AppendBlock(context.Background(), genesis)

	weak := addr(1)
	strong := addr(2)
	canonical := blockWithProposer(1, genesis.Hash(), weak)
	fr.AddSideBlock(context.Background(), canonical)
	sideBlock := blockWithProposer(1, genesis.Hash(), strong)
	fr.AddSideBlock(context.Background(), sideBlock)

	ds.SetBlockCheck(func(blk, prev *Block) error {
		if blk.Header.Proposer == strong {
			return Errf(ErrConsensusReject, "branch block fails validation")
		}
		return nil
	})
	stakeOf := func(a Address) uint64 {
		if a == strong {
			return 1000
		}
		return 10
	}

	reorged, err := fr.Resolve(context.Background(), stakeOf)
	if err == nil || reorged {
		t.Fatalf("reorged=%v err=%v, want the invalid winning branch rejected", reorged, err)
	}
	tip, ok := ds.Bin.Last()
	if !ok || tip.Hash() != canonical.Hash() {
		t.Fatal("canonical tip must be untouched after a rejected reorg")
	}
}
