package core

// nodelifecycle.go - quick/full health checks and staged auto-recovery.
// The quick check is cheap enough to gate every produce/validate cycle;
// the full check adds structural file validation, dual-store sampling,
// and resource headroom, and only runs on demand.

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// LifecycleStatus is broadcast on the event bus under the "node.status"
// type whenever it changes.
type LifecycleStatus string

const (
	StatusStarting    LifecycleStatus = "STARTING"
	StatusRunning     LifecycleStatus = "RUNNING"
	StatusRecovering  LifecycleStatus = "STATUS_RECOVERING"
	StatusDegraded    LifecycleStatus = "STATUS_DEGRADED"
	StatusUnavailable LifecycleStatus = "STATUS_UNAVAILABLE"
)

// QuickHealthResult is the cheap (<=100ms) health check's outcome.
type QuickHealthResult struct {
	OK           bool
	BinaryOK     bool
	RelationalOK bool
	InRecovery   bool
}

// FullHealthResult adds the deeper, slower checks to QuickHealthResult.
type FullHealthResult struct {
	QuickHealthResult
	StructurallyValid  bool
	ConsistencySample  bool
	DiskFreeBytes      uint64
	MemAvailable       bool
	PeerReachableRatio float64
}

// NodeLifecycle tracks this node's operating status and drives recovery.
type NodeLifecycle struct {
	mu         sync.RWMutex
	status     LifecycleStatus
	ds         *DualStore
	bus        *EventBus
	log        *logrus.Logger
	dataDir    string
	recovering bool
}

// NewNodeLifecycle constructs a lifecycle manager bound to a dual store
// and event bus.
func NewNodeLifecycle(ds *DualStore, bus *EventBus, dataDir string, log *logrus.Logger) *NodeLifecycle {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &NodeLifecycle{status: StatusStarting, ds: ds, bus: bus, dataDir: dataDir, log: log}
}

// Status returns the current lifecycle status.
func (nl *NodeLifecycle) Status() LifecycleStatus {
	nl.mu.RLock()
	defer nl.mu.RUnlock()
	return nl.status
}

func (nl *NodeLifecycle) setStatus(s LifecycleStatus) {
	nl.mu.Lock()
	nl.status = s
	nl.mu.Unlock()
	if nl.bus != nil {
		if _, err := nl.bus.Emit("node.status", map[string]string{"status": string(s)}); err != nil {
			nl.log.WithError(err).Warn("failed to emit node.status event")
		}
	}
}

// QuickHealth runs the <=100ms check: binary chain file present and
// non-trivial, relational store reachable, not currently recovering.
func (nl *NodeLifecycle) QuickHealth(ctx context.Context) QuickHealthResult {
	nl.mu.RLock()
	inRecovery := nl.recovering
	nl.mu.RUnlock()

	res := QuickHealthResult{InRecovery: inRecovery}

	if nl.ds != nil && nl.ds.Bin != nil {
		info, err := os.Stat(nl.ds.Bin.dir + "/chain.bin")
		res.BinaryOK = err == nil && info.Size() > 8
	}
	if nl.ds != nil && nl.ds.Rel != nil {
		ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err := nl.ds.Rel.Health(ctx)
		res.RelationalOK = err == nil
	} else {
		res.RelationalOK = true
	}
	res.OK = res.BinaryOK && res.RelationalOK && !inRecovery
	return res
}

// FullHealth runs the deeper check: structural validation, a consistency
// sample between stores, disk and memory headroom, and peer reachability.
func (nl *NodeLifecycle) FullHealth(ctx context.Context, peerReachable, peerTotal int) FullHealthResult {
	quick := nl.QuickHealth(ctx)
	res := FullHealthResult{QuickHealthResult: quick}

	if nl.ds != nil && nl.ds.Bin != nil {
		res.StructurallyValid = nl.ds.Bin.ValidateFile() == nil
	}
	if nl.ds != nil {
		res.ConsistencySample = nl.ds.ValidateCrossStore(ctx, 8) == nil
	}
	res.DiskFreeBytes = diskFreeBytes(nl.dataDir)
	res.MemAvailable = true
	if peerTotal > 0 {
		res.PeerReachableRatio = float64(peerReachable) / float64(peerTotal)
	} else {
		res.PeerReachableRatio = 1
	}

	switch {
	case res.OK && res.StructurallyValid && res.ConsistencySample && res.PeerReachableRatio >= 0.5:
		nl.setStatus(StatusRunning)
	case res.OK:
		nl.setStatus(StatusDegraded)
	default:
		nl.setStatus(StatusUnavailable)
	}
	return res
}

func diskFreeBytes(dir string) uint64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0
	}
	return stat.Bavail * uint64(stat.Bsize)
}

// RecoveryStage names a step in the staged auto-recovery ladder
// (backup -> peers -> partial salvage -> report).
type RecoveryStage string

const (
	RecoverFromBackup RecoveryStage = "backup"
	RecoverFromPeers  RecoveryStage = "peers"
	RecoverPartial    RecoveryStage = "partial_salvage"
	RecoverReportOnly RecoveryStage = "report_fallback"
)

// RecoveryPlan is the set of callbacks NodeLifecycle drives in order
// during AutoRecover; cmd/node supplies the concrete implementations.
type RecoveryPlan struct {
	FromBackup     func(ctx context.Context) error
	FromPeers      func(ctx context.Context) error
	PartialSalvage func(ctx context.Context) error
}

// AutoRecover announces STATUS_RECOVERING, refuses block production
// (callers must check Status() before proposing) and walks the recovery
// ladder until one stage succeeds or all are exhausted.
func (nl *NodeLifecycle) AutoRecover(ctx context.Context, plan RecoveryPlan) (RecoveryStage, error) {
	nl.mu.Lock()
	nl.recovering = true
	nl.mu.Unlock()
	nl.setStatus(StatusRecovering)
	defer func() {
		nl.mu.Lock()
		nl.recovering = false
		nl.mu.Unlock()
	}()

	stages := []struct {
		name RecoveryStage
		run  func(ctx context.Context) error
	}{
		{RecoverFromBackup, plan.FromBackup},
		{RecoverFromPeers, plan.FromPeers},
		{RecoverPartial, plan.PartialSalvage},
	}
	var lastErr error
	for _, s := range stages {
		if s.run == nil {
			continue
		}
		if err := s.run(ctx); err != nil {
			lastErr = err
			nl.log.WithError(err).WithField("stage", s.name).Warn("recovery stage failed")
			continue
		}
		nl.log.WithField("stage", s.name).Info("recovery succeeded")
		return s.name, nil
	}
	nl.setStatus(StatusUnavailable)
	return RecoverReportOnly, NewError(ErrDataCorruption, fmt.Errorf("all recovery stages exhausted: %w", lastErr))
}

// InRecovery reports whether block production should be refused.
func (nl *NodeLifecycle) InRecovery() bool {
	nl.mu.RLock()
	defer nl.mu.RUnlock()
	return nl.recovering
}
