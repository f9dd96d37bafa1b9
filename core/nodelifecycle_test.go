package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestLifecycle(t *testing.T) (*NodeLifecycle, *DualStore) {
	t.Helper()
	bs := tmpBinaryStore(t)
	ds := NewDualStore(bs, nil, nil)
	bus := NewEventBus("node-a")
	nl := NewNodeLifecycle(ds, bus, t.TempDir(), nil)
	return nl, ds
}

func TestQuickHealthRequiresNonTrivialChainFile(t *testing.T) {
	nl, ds := newTestLifecycle(t)
	// A freshly opened store already holds the 16-byte file header, which
	// clears the 8-byte floor; cut the file back to zero bytes first.
	if err := os.Truncate(filepath.Join(ds.Bin.dir, "chain.bin"), 0); err != nil {
		t.Fatalf("truncate chain file: %v", err)
	}
	res := nl.QuickHealth(context.Background())
	if res.BinaryOK {
		t.Fatal("an empty chain file should not be reported healthy")
	}
	if !res.RelationalOK {
		t.Fatal("a node with no relational store configured should report relational healthy")
	}
}

func TestQuickHealthOKAfterAppend(t *testing.T) {
	nl, ds := newTestLifecycle(t)
	if err := ds.AppendBlock(context.Background(), makeBlock(0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	res := nl.QuickHealth(context.Background())
	if !res.OK {
		t.Fatalf("expected quick health OK after appending a block, got %+v", res)
	}
}

func TestFullHealthDegradesBelowPeerThreshold(t *testing.T) {
	nl, ds := newTestLifecycle(t)
	if err := ds.AppendBlock(context.Background(), makeBlock(0)); err != nil {
		t.Fatalf("append: %v", err)
	}

	full := nl.FullHealth(context.Background(), 1, 10) // 10% reachable, below the 50% floor
	if full.PeerReachableRatio >= 0.5 {
		t.Fatalf("ratio=%v want <0.5", full.PeerReachableRatio)
	}
	if nl.Status() != StatusDegraded {
		t.Fatalf("status=%v want STATUS_DEGRADED", nl.Status())
	}
}

func TestFullHealthRunningWithGoodPeerRatio(t *testing.T) {
	nl, ds := newTestLifecycle(t)
	if err := ds.AppendBlock(context.Background(), makeBlock(0)); err != nil {
		t.Fatalf("append: %v", err)
	}

	full := nl.FullHealth(context.Background(), 9, 10)
	if !full.StructurallyValid {
		t.Fatal("freshly appended chain file should validate structurally")
	}
	if nl.Status() != StatusRunning {
		t.Fatalf("status=%v want RUNNING", nl.Status())
	}
}

func TestAutoRecoverWalksStagesInOrder(t *testing.T) {
	nl, _ := newTestLifecycle(t)
	var order []string
	plan := RecoveryPlan{
		FromBackup: func(ctx context.Context) error {
			order = append(order, "backup")
			return errFromBackup
		},
		FromPeers: func(ctx context.Context) error {
			order = append(order, "peers")
			return nil
		},
		PartialSalvage: func(ctx context.Context) error {
			order = append(order, "partial")
			return nil
		},
	}
	stage, err := nl.AutoRecover(context.Background(), plan)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if stage != RecoverFromPeers {
		t.Fatalf("stage=%v want peers (first stage to succeed)", stage)
	}
	if len(order) != 2 || order[0] != "backup" || order[1] != "peers" {
		t.Fatalf("order=%v want [backup peers] (stops once a stage succeeds)", order)
	}
	if nl.InRecovery() {
		t.Fatal("recovering flag should clear once AutoRecover returns")
	}
}

func TestAutoRecoverExhaustsAllStages(t *testing.T) {
	nl, _ := newTestLifecycle(t)
	plan := RecoveryPlan{
		FromBackup: func(ctx context.Context) error { return errFromBackup },
		FromPeers:  func(ctx context.Context) error { return errFromBackup },
	}
	stage, err := nl.AutoRecover(context.Background(), plan)
	if stage != RecoverReportOnly {
		t.Fatalf("stage=%v want report_fallback", stage)
	}
	if err == nil || KindOf(err) != ErrDataCorruption {
		t.Fatalf("expected ErrDataCorruption when every stage fails, got %v", err)
	}
	if nl.Status() != StatusUnavailable {
		t.Fatalf("status=%v want STATUS_UNAVAILABLE", nl.Status())
	}
}

var errFromBackup = context.DeadlineExceeded
