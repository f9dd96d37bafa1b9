package core

// dualsync.go - keeps the relational projection (RelStore) consistent
// with the binary chain store's append-only log, the authoritative source
// of truth for committed history. The relational side is rebuilt by
// replaying the log height by height whenever the two disagree.

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"
)

// BlockCheck re-validates a block against its parent before it is
// admitted to the stores; a non-nil error rejects the block with no side
// effects. cmd/node wires this to BlockValidator.Validate so every
// ingestion path (producer, sync pulls, fork tip extension) runs the full
// consensus pipeline on the way in.
type BlockCheck func(blk, prev *Block) error

// DualStore couples the binary chain store with its relational
// projection and keeps the two reconciled.
type DualStore struct {
	Bin   *BinaryStore
	Rel   *RelStore
	log   *logrus.Logger
	check BlockCheck
}

// NewDualStore wires a binary store to its relational projection.
func NewDualStore(bin *BinaryStore, rel *RelStore, log *logrus.Logger) *DualStore {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DualStore{Bin: bin, Rel: rel, log: log}
}

// SetBlockCheck attaches the admission check AppendBlock (and fork
// resolution's reorg) runs on every inbound block. A nil check (the
// default) admits on the binary store's structural continuity rules
// alone.
func (ds *DualStore) SetBlockCheck(fn BlockCheck) { ds.check = fn }

// AppendBlock writes a block to the binary store first (the durable
// source of truth) and then projects it into the relational store. A
// relational-projection failure is logged and reconciled on the next
// Reconcile pass rather than rolled back, since the binary store append
// already succeeded and must not be undone. A block that fails the
// attached BlockCheck is rejected before anything is written. Genesis
// has no parent to validate against and is admitted on the binary
// store's structural checks alone.
func (ds *DualStore) AppendBlock(ctx context.Context, b *Block) error {
	// A block already recorded under its own hash stays an idempotent
	// no-op: it falls through to Append's duplicate detection instead of
	// being re-validated against itself as the tip.
	if ds.check != nil && !ds.Bin.Has(b.Hash()) {
		if prev, ok := ds.Bin.Last(); ok {
			if err := ds.check(b, prev); err != nil {
				return fmt.Errorf("block %s rejected: %w", b.Hash(), err)
			}
		}
	}
	if err := ds.Bin.Append(b); err != nil {
		return fmt.Errorf("append to binary store: %w", err)
	}
	if ds.Rel == nil {
		return nil
	}
	if err := ds.projectBlock(ctx, b); err != nil {
		ds.log.WithError(err).WithField("height", b.Header.Height).
			Warn("relational projection failed, will reconcile on next pass")
	}
	return nil
}

func (ds *DualStore) projectBlock(ctx context.Context, b *Block) error {
	if err := ds.Rel.Blocks.Insert(ctx, b); err != nil {
		return err
	}
	for _, tx := range b.Transactions {
		if err := ds.Rel.Txs.Insert(ctx, b.Header.Height, tx); err != nil {
			return err
		}
		if err := ds.Rel.Pool.Remove(ctx, tx.Hash()); err != nil {
			return err
		}
	}
	return nil
}

// Reconcile compares the relational store's max height against the binary
// store's and replays every missing block, bringing the projection back in
// sync after a crash or a transient database outage. It returns the number
// of blocks replayed.
func (ds *DualStore) Reconcile(ctx context.Context) (int, error) {
	if ds.Rel == nil {
		return 0, nil
	}
	relHeight, err := ds.Rel.Blocks.MaxHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("read relational max height: %w", err)
	}
	binHeight := ds.Bin.Height()
	if relHeight >= binHeight {
		return 0, nil
	}

	replayed := 0
	for h := relHeight + 1; h <= binHeight; h++ {
		blk, err := ds.Bin.GetByHeight(h)
		if err != nil {
			return replayed, NewError(ErrDataCorruption, fmt.Errorf("missing binary block at height %d during reconcile: %w", h, err))
		}
		if err := ds.projectBlock(ctx, blk); err != nil {
			return replayed, fmt.Errorf("reconcile height %d: %w", h, err)
		}
		replayed++
	}
	ds.log.WithFields(logrus.Fields{"from": relHeight + 1, "to": binHeight, "count": replayed}).
		Info("reconciled relational store from binary chain log")
	return replayed, nil
}

// ExportRelationalToBinary reassembles blocks the relational store holds
// beyond the binary store's tip and appends them in height order. It is
// the recovery path for a binary file rebuilt from scratch while the
// relational mirror survived. The append is aborted on the first block
// whose reassembled hash disagrees with the stored row, since everything
// above it would chain onto a corrupt parent.
func (ds *DualStore) ExportRelationalToBinary(ctx context.Context) (int, error) {
	if ds.Rel == nil {
		return 0, nil
	}
	relHeight, err := ds.Rel.Blocks.MaxHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("read relational max height: %w", err)
	}
	binHeight := ds.Bin.Height()
	if binHeight >= relHeight {
		return 0, nil
	}

	exported := 0
	for h := binHeight + 1; h <= relHeight; h++ {
		hdr, err := ds.Rel.Blocks.HeaderAt(ctx, h)
		if err != nil {
			return exported, fmt.Errorf("read relational block at height %d: %w", h, err)
		}
		txs, err := ds.Rel.Txs.ByBlockHeight(ctx, h)
		if err != nil {
			return exported, fmt.Errorf("read relational transactions at height %d: %w", h, err)
		}
		blk := &Block{Header: *hdr, Transactions: txs}
		storedHash, _, err := ds.Rel.Blocks.HashAndMerkleAt(ctx, h)
		if err != nil {
			return exported, err
		}
		if blk.Hash().String() != storedHash {
			return exported, NewError(ErrDataCorruption,
				fmt.Errorf("relational block at height %d reassembles to %s, row says %s", h, blk.Hash(), storedHash))
		}
		if err := ds.Bin.Append(blk); err != nil {
			return exported, fmt.Errorf("append reassembled block at height %d: %w", h, err)
		}
		exported++
	}
	ds.log.WithFields(logrus.Fields{"from": binHeight + 1, "to": relHeight, "count": exported}).
		Info("exported relational blocks into binary chain log")
	return exported, nil
}

// ValidateCrossStore compares chain extents between the two stores and
// spot-checks up to sampleSize random heights for (hash, merkle_root)
// equality. It reports the first divergence found; the binary store is
// the authority, so a divergence means the relational side needs a
// Reconcile from scratch.
func (ds *DualStore) ValidateCrossStore(ctx context.Context, sampleSize int) error {
	if ds.Rel == nil {
		return nil
	}
	relHeight, err := ds.Rel.Blocks.MaxHeight(ctx)
	if err != nil {
		return fmt.Errorf("read relational max height: %w", err)
	}
	binHeight := ds.Bin.Height()
	if relHeight != binHeight {
		return NewError(ErrDataCorruption,
			fmt.Errorf("chain extent mismatch: binary store at height %d, relational store at height %d", binHeight, relHeight))
	}
	if binHeight == 0 {
		return nil
	}
	if sampleSize <= 0 {
		sampleSize = 16
	}
	for i := 0; i < sampleSize; i++ {
		h := uint64(rand.Int63n(int64(binHeight))) + 1
		blk, err := ds.Bin.GetByHeight(h)
		if err != nil {
			return NewError(ErrDataCorruption, fmt.Errorf("binary block at sampled height %d unreadable: %w", h, err))
		}
		relHash, relMerkle, err := ds.Rel.Blocks.HashAndMerkleAt(ctx, h)
		if err != nil {
			return NewError(ErrDataCorruption, fmt.Errorf("relational block at sampled height %d missing: %w", h, err))
		}
		if blk.Hash().String() != relHash {
			return NewError(ErrDataCorruption,
				fmt.Errorf("hash mismatch at height %d: binary %s, relational %s", h, blk.Hash(), relHash))
		}
		if blk.Header.MerkleRoot.String() != relMerkle {
			return NewError(ErrDataCorruption,
				fmt.Errorf("merkle root mismatch at height %d: binary %s, relational %s", h, blk.Header.MerkleRoot, relMerkle))
		}
	}
	return nil
}
