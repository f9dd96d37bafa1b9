package core

// forkresolution.go - fork detection and resolution: side branches are
// tracked until one outweighs the canonical chain by cumulative validator
// stake (lower tip hash breaks ties), at which point the chain reorgs
// onto it from the common ancestor.

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ForkBranch is a side branch of blocks not (yet) part of the canonical
// chain, keyed by the hash of the block it forked from.
type ForkBranch struct {
	ParentHash Hash
	Blocks     []*Block
}

// ForkResolver tracks known side branches and resolves conflicts between
// them and the canonical chain.
type ForkResolver struct {
	mu       sync.Mutex
	ds       *DualStore
	branches map[Hash]*ForkBranch
	log      *logrus.Logger
}

// NewForkResolver constructs a resolver bound to a dual store.
func NewForkResolver(ds *DualStore, log *logrus.Logger) *ForkResolver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ForkResolver{ds: ds, branches: make(map[Hash]*ForkBranch), log: log}
}

// AddSideBlock records a block that extends a branch other than the
// canonical tip, or appends it to the canonical chain if it extends it.
func (fr *ForkResolver) AddSideBlock(ctx context.Context, b *Block) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	tipHeight := fr.ds.Bin.Height()
	var tipHash Hash
	if tip, err := fr.ds.Bin.GetByHeight(tipHeight); err == nil {
		tipHash = tip.Hash()
	} else if tipHeight > 0 {
		return err
	}
	if b.Header.PrevHash == tipHash {
		if err := fr.ds.AppendBlock(ctx, b); err != nil && KindOf(err) != ErrDuplicateEvent {
			return err
		}
		return nil
	}

	branch, ok := fr.branches[b.Header.PrevHash]
	if !ok {
		branch = &ForkBranch{ParentHash: b.Header.PrevHash}
		fr.branches[b.Header.PrevHash] = branch
	}
	branch.Blocks = append(branch.Blocks, b)
	fr.log.WithFields(logrus.Fields{"parent": b.Header.PrevHash.String(), "height": b.Header.Height}).
		Info("block recorded as fork branch")
	return nil
}

// ListBranches returns a summary of known side branches.
func (fr *ForkResolver) ListBranches() map[string]int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	out := make(map[string]int, len(fr.branches))
	for parent, b := range fr.branches {
		out[parent.String()] = len(b.Blocks)
	}
	return out
}

// branchCumulativeStake sums the stake of each branch block's proposer,
// using the validator set's stake at resolution time.
func branchCumulativeStake(branch []*Block, stakeOf func(Address) uint64) uint64 {
	var total uint64
	for _, b := range branch {
		total += stakeOf(b.Header.Proposer)
	}
	return total
}

// Resolve compares the canonical chain's tail (since the fork point)
// against every known branch rooted at a block still reachable in the
// binary store, and switches to whichever has strictly greater cumulative
// stake; ties are broken by the lower tip hash. It returns whether a
// reorg occurred.
func (fr *ForkResolver) Resolve(ctx context.Context, stakeOf func(Address) uint64) (bool, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	if len(fr.branches) == 0 {
		return false, nil
	}

	tipHeight := fr.ds.Bin.Height()
	var canonicalStake uint64
	var canonicalTail []*Block
	var forkPointHeight uint64
	var bestParent Hash
	var bestBranch *ForkBranch
	var bestStake uint64
	var bestForkHeight uint64

	for parentHash, branch := range fr.branches {
		forkBlk, err := fr.ds.Bin.GetByHash(parentHash)
		if err != nil {
			continue // parent not yet known locally; wait for it to arrive
		}
		forkPointHeight = forkBlk.Header.Height

		canonicalTail = nil
		for h := forkPointHeight + 1; h <= tipHeight; h++ {
			blk, err := fr.ds.Bin.GetByHeight(h)
			if err != nil {
				return false, NewError(ErrDataCorruption, fmt.Errorf("missing canonical block at height %d: %w", h, err))
			}
			canonicalTail = append(canonicalTail, blk)
		}
		canonicalStake = branchCumulativeStake(canonicalTail, stakeOf)
		branchStake := branchCumulativeStake(branch.Blocks, stakeOf)

		better := branchStake > canonicalStake
		tie := branchStake == canonicalStake && len(branch.Blocks) > 0 && len(canonicalTail) > 0 &&
			branch.Blocks[len(branch.Blocks)-1].Hash().String() < canonicalTail[len(canonicalTail)-1].Hash().String()
		if better || tie {
			if branchStake > bestStake || bestBranch == nil {
				bestStake = branchStake
				bestParent = parentHash
				bestBranch = branch
				bestForkHeight = forkPointHeight
			}
		}
	}

	if bestBranch == nil {
		return false, nil
	}

	if err := fr.reorg(ctx, bestForkHeight, bestBranch); err != nil {
		return false, err
	}
	delete(fr.branches, bestParent)
	fr.log.WithFields(logrus.Fields{"fork_point": bestForkHeight, "new_tip": bestBranch.Blocks[len(bestBranch.Blocks)-1].Header.Height}).
		Info("chain reorganized to winning fork")
	return true, nil
}

// reorg rewinds the relational projection to the fork point and
// re-applies the winning branch. The binary store is append-only and
// never truncates: the orphaned tail's bytes stay on disk, unreachable
// once the index is repointed at the winning blocks.
func (fr *ForkResolver) reorg(ctx context.Context, forkPointHeight uint64, branch *ForkBranch) error {
	// The winning branch bypasses AppendBlock (its heights are occupied by
	// the tail being displaced), so the admission check runs here instead:
	// every branch block must validate against its predecessor before any
	// state is rewound. A branch that fails leaves both stores untouched.
	if fr.ds.check != nil {
		prev, err := fr.ds.Bin.GetByHash(branch.ParentHash)
		if err != nil {
			return fmt.Errorf("resolve fork parent %s: %w", branch.ParentHash, err)
		}
		for _, blk := range branch.Blocks {
			if err := fr.ds.check(blk, prev); err != nil {
				return fmt.Errorf("winning branch rejected at height %d: %w", blk.Header.Height, err)
			}
			prev = blk
		}
	}
	if fr.ds.Rel != nil {
		if _, err := fr.ds.Rel.db.ExecContext(ctx, `DELETE FROM blocks WHERE height > $1`, forkPointHeight); err != nil {
			return fmt.Errorf("rewind relational store: %w", err)
		}
		if _, err := fr.ds.Rel.db.ExecContext(ctx, `DELETE FROM transactions WHERE block_height > $1`, forkPointHeight); err != nil {
			return fmt.Errorf("rewind relational transactions: %w", err)
		}
	}
	for _, blk := range branch.Blocks {
		// ForceAppend, not AppendBlock: these heights already hold the
		// orphaned canonical blocks being displaced, so the normal
		// height-sequencing/parent-hash check does not apply here. The
		// orphaned bytes stay in the log; only the index is repointed.
		if err := fr.ds.Bin.ForceAppend(blk); err != nil {
			return fmt.Errorf("apply winning branch height %d: %w", blk.Header.Height, err)
		}
		if fr.ds.Rel != nil {
			if err := fr.ds.projectBlock(ctx, blk); err != nil {
				fr.log.WithError(err).WithField("height", blk.Header.Height).
					Warn("relational projection failed during reorg, will reconcile on next pass")
			}
		}
	}
	return nil
}

// FindCommonAncestor binary-searches header hashes between local and a
// peer to find the highest height at which both chains agree, used when a
// fork.detected event names a divergent height without a known branch.
func FindCommonAncestor(ctx context.Context, bin *BinaryStore, peer PeerClient, low, high uint64) (uint64, error) {
	for low < high {
		mid := low + (high-low+1)/2
		localBlk, err := bin.GetByHeight(mid)
		if err != nil {
			high = mid - 1
			continue
		}
		remoteHeaders, err := peer.GetHeaders(ctx, mid, mid)
		if err != nil || len(remoteHeaders) != 1 {
			return 0, NewError(ErrTransient, fmt.Errorf("fetch remote header at %d: %w", mid, err))
		}
		remoteBlk := &Block{Header: remoteHeaders[0]}
		if localBlk.Hash() == remoteBlk.Hash() {
			low = mid
		} else {
			high = mid - 1
		}
	}
	return low, nil
}
