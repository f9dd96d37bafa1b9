package core

import (
	"context"
	"testing"
)

func TestDualStoreAppendBlockRunsBlockCheck(t *testing.T) {
	bs := tmpBinaryStore(t)
	ds := NewDualStore(bs, nil, nil)

	var gotPrev Hash
	ds.SetBlockCheck(func(blk, prev *Block) error {
		gotPrev = prev.Hash()
		if blk.Header.Height == 2 {
			return Errf(ErrConsensusReject, "rejected by check")
		}
		return nil
	})

	chain := buildChain(3)
	// Genesis has no parent, so it is admitted without consulting the check.
	if err := ds.AppendBlock(context.Background(), chain[0]); err != nil {
		t.Fatalf("append genesis: %v", err)
	}
	if err := ds.AppendBlock(context.Background(), chain[1]); err != nil {
		t.Fatalf("append height 1: %v", err)
	}
	if gotPrev != chain[0].Hash() {
		t.Fatal("check should receive the current tip as prev")
	}

	err := ds.AppendBlock(context.Background(), chain[2])
	if err == nil || KindOf(err) != ErrConsensusReject {
		t.Fatalf("expected the check's rejection to surface, got %v", err)
	}
	if bs.Height() != 1 {
		t.Fatalf("height=%d want 1, a rejected block must not be appended", bs.Height())
	}
}

func TestDualStoreAppendBlockDuplicateSkipsCheck(t *testing.T) {
	bs := tmpBinaryStore(t)
	ds := NewDualStore(bs, nil, nil)
	chain := buildChain(2)
	for _, b := range chain {
		if err := ds.AppendBlock(context.Background(), b); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	ds.SetBlockCheck(func(blk, prev *Block) error {
		t.Fatal("check must not run for an already-recorded block")
		return nil
	})
	if err := ds.AppendBlock(context.Background(), chain[1]); KindOf(err) != ErrDuplicateEvent {
		t.Fatalf("expected ErrDuplicateEvent for a re-applied block, got %v", err)
	}
}
