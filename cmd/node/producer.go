package main

import (
	"context"
	"crypto/ecdsa"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"synnergy-network/core"
	"synnergy-network/pkg/utils"
)

// startProducerLoop launches the block-production loop when this
// process is configured as a validator: an operator-provisioned signing
// key is present via SYNN_VALIDATOR_KEY. A node with no key runs as a
// pure follower, applying blocks it receives over sync/propagation
// without ever proposing one itself.
func (n *node) startProducerLoop() {
	keyHex := utils.EnvOrDefault("SYNN_VALIDATOR_KEY", "")
	if keyHex == "" || n.cfg.Consensus.BlockTimeMS <= 0 {
		return
	}
	priv, err := gethcrypto.HexToECDSA(keyHex)
	if err != nil {
		n.log.WithError(err).Error("invalid SYNN_VALIDATOR_KEY, producer loop disabled")
		return
	}
	ethAddr := gethcrypto.PubkeyToAddress(priv.PublicKey)
	var self core.Address
	copy(self[:], ethAddr.Bytes())

	interval := time.Duration(n.cfg.Consensus.BlockTimeMS) * time.Millisecond
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				n.produceOnce(self, priv)
			case <-n.stopCh:
				return
			}
		}
	}()
}

func (n *node) produceOnce(self core.Address, priv *ecdsa.PrivateKey) {
	if n.lifecycle.InRecovery() {
		return
	}
	prev := &core.Block{}
	if h := n.bin.Height(); h > 0 {
		p, err := n.bin.GetByHeight(h)
		if err != nil {
			n.log.WithError(err).Warn("producer: failed to load chain tip")
			return
		}
		prev = p
	}

	blk, err := n.producer.ProposeBlock(self, prev, n.validators())
	if err != nil {
		if core.KindOf(err) != core.ErrConsensusReject {
			n.log.WithError(err).Debug("producer: not proposing this slot")
		}
		return
	}

	sig, err := core.SignHash(priv, blk.Hash())
	if err != nil {
		n.log.WithError(err).Error("producer: failed to sign block")
		return
	}
	blk.Header.Sig = sig

	if err := n.ds.AppendBlock(context.Background(), blk); err != nil {
		n.log.WithError(err).Error("producer: failed to append produced block")
		return
	}
	for _, tx := range blk.Transactions {
		n.mempool.Remove(tx.Hash())
	}

	rec, err := n.bus.Emit("block.added", map[string]interface{}{
		"block_hash":   blk.Hash().String(),
		"block_height": blk.Header.Height,
	})
	if err != nil {
		n.log.WithError(err).Warn("producer: failed to emit block.added")
		return
	}
	if err := n.prop.Propagate(context.Background(), rec); err != nil {
		n.log.WithError(err).Debug("producer: propagation did not reach every peer")
	}
}
