package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"synnergy-network/core"
	pkgconfig "synnergy-network/pkg/config"
	"synnergy-network/pkg/utils"
)

// node wires every subsystem into one running process: stores first,
// then the pool, bus, propagation, sync, and health layers built on them.
type node struct {
	id  string
	cfg *pkgconfig.Config
	log *logrus.Logger

	bin       *core.BinaryStore
	rel       *core.RelStore
	ds        *core.DualStore
	mempool   *core.Mempool
	bus       *core.EventBus
	prop      *core.Propagator
	forks     *core.ForkResolver
	snapshots *core.SnapshotStore
	sync      *core.SyncEngine
	health    *core.HealthMonitor
	lb        *core.LoadBalancer
	lifecycle *core.NodeLifecycle
	producer  *core.Producer
	validator *core.BlockValidator
	gossip    *core.LibP2PGossip

	validators     func() []core.Validator
	peerAddrs      func() []string
	confirmedNonce func(core.Address) uint64
	mu             sync.Mutex
	stopCh         chan struct{}
	unsubBlock     func()
	unsubSync      func()
	unsubFork      func()
	unsubHeartbeat func()
	unsubTx        func()
	broadcastKey   []byte
	chainKey       []byte
}

func newNode(cfg *pkgconfig.Config, log *logrus.Logger) (*node, error) {
	nodeID := cfg.Network.ID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	var chainKey []byte
	if pass := cfg.Storage.EncryptionPass; pass != "" {
		salt, err := loadOrCreateSalt(filepath.Join(cfg.Storage.DBPath, "chain.salt"))
		if err != nil {
			return nil, fmt.Errorf("load chain salt: %w", err)
		}
		if chainKey, err = core.DeriveChainKey(pass, salt); err != nil {
			return nil, fmt.Errorf("derive chain key: %w", err)
		}
	}

	bin, err := core.OpenBinaryStore(core.BinaryStoreConfig{
		Dir:           cfg.Storage.DBPath,
		EncryptionKey: chainKey,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("open binary store: %w", err)
	}

	var rel *core.RelStore
	if cfg.Database.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rel, err = core.OpenRelStore(ctx, core.RelStoreConfig{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
			Logger:          log,
		})
		if err != nil {
			bin.Close()
			return nil, fmt.Errorf("open relational store: %w", err)
		}
		if err := rel.Migrate(ctx); err != nil {
			bin.Close()
			rel.Close()
			return nil, fmt.Errorf("migrate relational store: %w", err)
		}
	}

	ds := core.NewDualStore(bin, rel, log)
	forks := core.NewForkResolver(ds, log)

	snapshots, err := core.OpenSnapshotStore(cfg.Storage.DBPath+"/snapshots", 64)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	syncCfg := core.SyncEngineConfig{
		BatchSize:   cfg.Sync.MaxHeadersPerReq,
		Parallelism: 4,
		LightMode:   cfg.Sync.Strategy == "light",
	}
	syncEngine := core.NewSyncEngine(syncCfg, ds, forks, snapshots, log)

	mempool := core.NewMempool(core.MempoolConfig{})
	bus := core.NewEventBus(nodeID)

	var broadcastKey []byte
	if secret := utils.EnvOrDefault("SYNN_BROADCAST_SECRET", cfg.Network.BroadcastSecret); secret != "" {
		broadcastKey = []byte(secret)
	}

	peerAddrs := func() []string { return cfg.Network.BootstrapPeers }

	var gossip *core.LibP2PGossip
	var gossipPublisher core.GossipPublisher
	if cfg.Propagation.GossipEnabled {
		gossip, err = core.NewLibP2PGossip(cfg.Network.ListenAddr, cfg.Network.BootstrapPeers, log)
		if err != nil {
			log.WithError(err).Warn("gossip transport disabled: failed to start libp2p host")
		} else {
			gossipPublisher = gossip
		}
	}

	prop := core.NewPropagator(core.PropagationConfig{
		FanOut:          cfg.Propagation.FanOut,
		RateLimitPerSec: cfg.Propagation.RateLimitPerSec,
		DedupWindow:     time.Duration(cfg.Propagation.DedupWindowS) * time.Second,
		HMACSecret:      broadcastKey,
	}, gossipPublisher, peerAddrs, log)

	health := core.NewHealthMonitor(&httpPinger{client: newHTTPClient(3 * time.Second)}, 10*time.Second, log)
	lb := core.NewLoadBalancer(core.StrategyHealthBased, core.BreakerConfig{})
	lifecycle := core.NewNodeLifecycle(ds, bus, cfg.Storage.DBPath, log)

	validators := func() []core.Validator {
		if rel == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		vs, err := rel.Vals.Active(ctx)
		if err != nil {
			log.WithError(err).Debug("failed to load active validator set")
			return nil
		}
		return vs
	}

	selector := core.StakeWeightedRoundRobin{}
	validatorChecker := core.NewBlockValidator(selector)
	producer := core.NewProducer(selector, mempool, validatorChecker, 2000, log)
	producer.SetMaxGas(cfg.Consensus.MaxGasPerBlock)

	// Every block admitted to the stores - locally produced, pulled by the
	// sync engine, or adopted through fork resolution - runs the full
	// validation pipeline first.
	ds.SetBlockCheck(func(blk, prev *core.Block) error {
		return validatorChecker.Validate(blk, prev, validators())
	})

	var confirmedNonce func(core.Address) uint64
	if rel != nil {
		walletLookup := func(addr core.Address) (uint64, uint64) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			bal, nonce, err := rel.Wallet.BalanceAndNonce(ctx, addr)
			if err != nil {
				log.WithError(err).WithField("address", addr).Debug("wallet lookup failed, treating as zero balance")
				return 0, 0
			}
			return bal, nonce
		}
		producer.SetWalletLookup(walletLookup)
		validatorChecker.SetWalletLookup(walletLookup)

		confirmedNonce = func(addr core.Address) uint64 {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, nonce, err := rel.Wallet.BalanceAndNonce(ctx, addr)
			if err != nil {
				return 0
			}
			return nonce
		}
		mempool.SetConfirmedNonce(confirmedNonce)
	}

	n := &node{
		id:             nodeID,
		cfg:            cfg,
		log:            log,
		bin:            bin,
		rel:            rel,
		ds:             ds,
		mempool:        mempool,
		bus:            bus,
		prop:           prop,
		forks:          forks,
		snapshots:      snapshots,
		sync:           syncEngine,
		health:         health,
		lb:             lb,
		lifecycle:      lifecycle,
		producer:       producer,
		validator:      validatorChecker,
		gossip:         gossip,
		validators:     validators,
		peerAddrs:      peerAddrs,
		confirmedNonce: confirmedNonce,
		stopCh:         make(chan struct{}),
		broadcastKey:   broadcastKey,
		chainKey:       chainKey,
	}
	return n, nil
}

// startBackgroundWorkers launches the health prober, event subscribers,
// and the maintenance, heartbeat, watchdog, and producer loops.
func (n *node) startBackgroundWorkers() {
	if n.rel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if replayed, err := n.ds.Reconcile(ctx); err != nil {
			n.log.WithError(err).Warn("startup reconcile of relational store failed")
		} else if replayed > 0 {
			n.log.WithField("blocks", replayed).Info("relational store caught up from binary chain log")
		}
		cancel()
	}

	for _, addr := range n.peerAddrs() {
		n.health.AddPeer(addr)
	}
	n.health.Start()

	ch, unsub := n.bus.Subscribe("block.added")
	n.unsubBlock = unsub
	go n.gapDetectionLoop(ch)

	syncCh, unsubSync := n.bus.Subscribe("sync.gap_detected")
	n.unsubSync = unsubSync
	go n.syncWorkerLoop(syncCh)

	forkCh, unsubFork := n.bus.Subscribe("fork.detected")
	n.unsubFork = unsubFork
	go n.forkWorkerLoop(forkCh)

	hbCh, unsubHB := n.bus.Subscribe("heartbeat")
	n.unsubHeartbeat = unsubHB
	go n.heartbeatIntakeLoop(hbCh)

	txCh, unsubTx := n.bus.Subscribe("transaction.propagate")
	n.unsubTx = unsubTx
	go n.txIntakeLoop(txCh)

	go n.heartbeatLoop()
	go n.mempoolCleanupLoop()
	go n.storageMaintenanceLoop()
	go n.lifecycleWatchdogLoop()
	go n.runInitialSync()

	n.startProducerLoop()
}

// trustedCheckpoint parses the operator-configured checkpoint, if any.
func (n *node) trustedCheckpoint() (core.Checkpoint, bool) {
	if n.cfg.Sync.TrustedCheckpointHash == "" {
		return core.Checkpoint{}, false
	}
	h, err := core.ParseHash(n.cfg.Sync.TrustedCheckpointHash)
	if err != nil {
		n.log.WithError(err).Warn("invalid trusted checkpoint hash in config")
		return core.Checkpoint{}, false
	}
	cp := core.Checkpoint{Height: n.cfg.Sync.TrustedCheckpointHeight, BlockHash: h}
	if n.cfg.Sync.TrustedCheckpointRoot != "" {
		if root, err := core.ParseHash(n.cfg.Sync.TrustedCheckpointRoot); err == nil {
			cp.StateRoot = root
		}
	}
	return cp, true
}

// runInitialSync catches the node up with the network once at startup,
// choosing full, fast, light, or checkpoint sync by gap size and
// configuration. Gaps that open later are handled incrementally by
// gapDetectionLoop and syncWorkerLoop.
func (n *node) runInitialSync() {
	peer, err := n.pickPeerClient()
	if err != nil {
		n.log.WithError(err).Debug("initial sync skipped: no peer available")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	tip, err := peer.GetTipHeight(ctx)
	if err != nil {
		n.log.WithError(err).Warn("initial sync: failed to read peer tip")
		return
	}
	local := n.bin.Height()
	if tip <= local {
		return
	}

	var snap *core.Snapshot
	var blob []byte
	if tip-local >= 100 {
		if s, b, err := peer.GetSnapshot(ctx); err == nil && s != nil && s.CID != "" {
			snap, blob = s, b
		}
	}
	cp, hasCP := n.trustedCheckpoint()
	strategy := core.SelectStrategy(local, tip, snap != nil, n.cfg.Sync.Strategy == "light", hasCP)

	var sessionID int64
	if n.rel != nil {
		if sessionID, err = n.rel.Sync.Start(ctx, peer.Addr(), string(strategy), local); err != nil {
			n.log.WithError(err).Debug("initial sync: failed to open monitoring row")
		}
	}

	switch strategy {
	case core.StrategyCheckpoint:
		err = n.sync.CheckpointSync(ctx, peer, cp)
	case core.StrategyFast:
		// Mirror the peer's blob locally first; FastSync re-derives the
		// state root from the mirrored copy, so a blob that doesn't hash
		// to the declared CID fails verification instead of being adopted.
		if _, err = n.snapshots.Put(ctx, snap.Height, snap.StateRoot, blob); err == nil {
			err = n.sync.FastSync(ctx, peer, snap)
		}
	case core.StrategyLight:
		_, err = n.sync.LightSync(ctx, peer, local+1, tip)
	default:
		err = n.sync.ResolveGap(ctx, peer, local, tip)
	}

	if n.rel != nil && sessionID != 0 {
		if ferr := n.rel.Sync.Finish(ctx, sessionID, n.bin.Height(), err == nil); ferr != nil {
			n.log.WithError(ferr).Debug("initial sync: failed to close monitoring row")
		}
	}
	n.lb.Report(peer.Addr(), "sync", err == nil)
	if err != nil {
		n.log.WithError(err).WithField("strategy", strategy).Warn("initial sync failed")
		return
	}
	n.log.WithFields(logrus.Fields{"strategy": strategy, "height": n.bin.Height()}).Info("initial sync complete")
}

func (n *node) stopBackgroundWorkers() {
	close(n.stopCh)
	n.health.Stop()
	if n.unsubBlock != nil {
		n.unsubBlock()
	}
	if n.unsubSync != nil {
		n.unsubSync()
	}
	if n.unsubFork != nil {
		n.unsubFork()
	}
	if n.unsubHeartbeat != nil {
		n.unsubHeartbeat()
	}
	if n.unsubTx != nil {
		n.unsubTx()
	}
}

// heartbeatLoop periodically announces this node's tip height and mempool
// size to peers so they can spot gaps and track liveness without probing.
func (n *node) heartbeatLoop() {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			rec, err := n.bus.Emit("heartbeat", map[string]interface{}{
				"block_height": n.bin.Height(),
				"mempool_size": n.mempool.Size(),
				"timestamp":    time.Now().Unix(),
				"node_id":      n.id,
			})
			if err != nil {
				n.log.WithError(err).Warn("failed to emit heartbeat")
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := n.prop.Propagate(ctx, rec); err != nil {
				n.log.WithError(err).Debug("heartbeat did not reach every peer")
			}
			cancel()
		case <-n.stopCh:
			return
		}
	}
}

// heartbeatIntakeLoop records peer liveness from inbound heartbeats and
// treats a peer tip ahead of ours the same way a block.added gap would be.
func (n *node) heartbeatIntakeLoop(events <-chan core.EventRecord) {
	for {
		select {
		case rec, ok := <-events:
			if !ok {
				return
			}
			if rec.SourceNode == n.id {
				continue
			}
			var payload struct {
				BlockHeight uint64 `json:"block_height"`
				MempoolSize int    `json:"mempool_size"`
				NodeID      string `json:"node_id"`
			}
			if err := decodeEventData(rec, &payload); err != nil {
				continue
			}
			if n.rel != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				err := n.rel.Nodes.Upsert(ctx, core.NodeRecord{
					ID:            payload.NodeID,
					LastSeen:      time.Now(),
					ReportedLevel: payload.BlockHeight,
				})
				cancel()
				if err != nil {
					n.log.WithError(err).Debug("failed to persist heartbeat peer record")
				}
			}
			if local := n.bin.Height(); payload.BlockHeight > local+1 {
				if _, err := n.bus.Emit("sync.gap_detected", map[string]uint64{
					"local_height":    local,
					"received_height": payload.BlockHeight,
					"gap_size":        payload.BlockHeight - local,
				}); err != nil {
					n.log.WithError(err).Warn("failed to emit sync.gap_detected from heartbeat")
				}
			}
		case <-n.stopCh:
			return
		}
	}
}

// txIntakeLoop admits peer-propagated transactions into the local mempool.
// A duplicate of something already pending is dropped silently.
func (n *node) txIntakeLoop(events <-chan core.EventRecord) {
	for {
		select {
		case rec, ok := <-events:
			if !ok {
				return
			}
			if rec.SourceNode == n.id {
				continue
			}
			var payload struct {
				TxHash      string            `json:"tx_hash"`
				Transaction *core.Transaction `json:"transaction"`
			}
			if err := decodeEventData(rec, &payload); err != nil || payload.Transaction == nil {
				continue
			}
			if err := n.mempool.Add(payload.Transaction); err != nil {
				if core.KindOf(err) != core.ErrDuplicateEvent {
					n.log.WithError(err).WithField("tx", payload.TxHash).
						Debug("rejected peer-propagated transaction")
				}
				continue
			}
			if n.rel != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				if err := n.rel.Pool.Upsert(ctx, payload.Transaction); err != nil {
					n.log.WithError(err).Debug("failed to mirror mempool entry")
				}
				cancel()
			}
		case <-n.stopCh:
			return
		}
	}
}

// gapDetectionLoop watches block.added events: a height beyond
// localHeight+1 is a signal to resolve the gap via the sync engine, not an
// error. A height we already hold, but under a different hash, is a fork
// signal instead.
func (n *node) gapDetectionLoop(events <-chan core.EventRecord) {
	for {
		select {
		case rec, ok := <-events:
			if !ok {
				return
			}
			var payload struct {
				BlockHeight uint64 `json:"block_height"`
				BlockHash   string `json:"block_hash"`
			}
			if err := decodeEventData(rec, &payload); err != nil {
				continue
			}
			local := n.bin.Height()
			switch {
			case payload.BlockHeight > local+1:
				gap := payload.BlockHeight - local
				if _, err := n.bus.Emit("sync.gap_detected", map[string]uint64{
					"local_height":    local,
					"received_height": payload.BlockHeight,
					"gap_size":        gap,
				}); err != nil {
					n.log.WithError(err).Warn("failed to emit sync.gap_detected")
				}
			case payload.BlockHeight <= local && payload.BlockHash != "":
				existing, err := n.bin.GetByHeight(payload.BlockHeight)
				if err != nil {
					continue
				}
				if existing.Hash().String() != payload.BlockHash {
					if _, err := n.bus.Emit("fork.detected", struct {
						Height     uint64 `json:"height"`
						LocalHash  string `json:"local_hash"`
						RemoteHash string `json:"remote_hash"`
					}{payload.BlockHeight, existing.Hash().String(), payload.BlockHash}); err != nil {
						n.log.WithError(err).Warn("failed to emit fork.detected")
					}
				}
			}
		case <-n.stopCh:
			return
		}
	}
}

// syncWorkerLoop drives the sync engine to resolve gaps reported by
// gapDetectionLoop, choosing a peer via the load balancer.
func (n *node) syncWorkerLoop(events <-chan core.EventRecord) {
	for {
		select {
		case rec, ok := <-events:
			if !ok {
				return
			}
			var payload struct {
				ReceivedHeight uint64 `json:"received_height"`
			}
			if err := decodeEventData(rec, &payload); err != nil {
				continue
			}
			peer, err := n.pickPeerClient()
			if err != nil {
				n.log.WithError(err).Debug("sync: no peer available to resolve gap")
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			var sessionID int64
			if n.rel != nil {
				if sessionID, err = n.rel.Sync.Start(ctx, peer.Addr(), "gap", n.bin.Height()); err != nil {
					n.log.WithError(err).Debug("sync: failed to open monitoring row")
				}
			}
			err = n.sync.ResolveGap(ctx, peer, n.bin.Height(), payload.ReceivedHeight)
			if n.rel != nil && sessionID != 0 {
				if ferr := n.rel.Sync.Finish(ctx, sessionID, n.bin.Height(), err == nil); ferr != nil {
					n.log.WithError(ferr).Debug("sync: failed to close monitoring row")
				}
			}
			cancel()
			n.lb.Report(peer.Addr(), "sync", err == nil)
			if err != nil {
				n.log.WithError(err).Warn("sync: failed to resolve gap")
			}
		case <-n.stopCh:
			return
		}
	}
}

// forkWorkerLoop drives the fork resolver when gapDetectionLoop
// reports a divergent block at a height we already hold: it fetches the
// peer's branch back to the common ancestor, records it as a side branch,
// and lets ForkResolver.Resolve decide whether to reorg.
func (n *node) forkWorkerLoop(events <-chan core.EventRecord) {
	for {
		select {
		case rec, ok := <-events:
			if !ok {
				return
			}
			var payload struct {
				Height uint64 `json:"height"`
			}
			if err := decodeEventData(rec, &payload); err != nil {
				continue
			}
			height := payload.Height

			peer, err := n.pickPeerClient()
			if err != nil {
				n.log.WithError(err).Debug("fork: no peer available to fetch competing branch")
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			tip, err := peer.GetTipHeight(ctx)
			if err != nil {
				cancel()
				n.lb.Report(peer.Addr(), "fork", false)
				n.log.WithError(err).Warn("fork: failed to read peer tip height")
				continue
			}
			low := uint64(0)
			if height > 0 {
				low = height - 1
			}
			ancestor, err := core.FindCommonAncestor(ctx, n.bin, peer, low, tip)
			if err != nil {
				cancel()
				n.lb.Report(peer.Addr(), "fork", false)
				n.log.WithError(err).Warn("fork: failed to find common ancestor")
				continue
			}
			blocks, err := peer.GetRange(ctx, ancestor+1, tip)
			cancel()
			n.lb.Report(peer.Addr(), "fork", err == nil)
			if err != nil {
				n.log.WithError(err).Warn("fork: failed to fetch competing branch")
				continue
			}

			bgCtx := context.Background()
			if n.rel != nil {
				if aerr := n.rel.Sync.Alert(bgCtx, "fork", height,
					fmt.Sprintf("divergent block reported by %s, common ancestor %d", peer.Addr(), ancestor)); aerr != nil {
					n.log.WithError(aerr).Debug("fork: failed to record alert")
				}
			}
			for _, blk := range blocks {
				if err := n.forks.AddSideBlock(bgCtx, blk); err != nil {
					n.log.WithError(err).Warn("fork: failed to record side block")
				}
			}
			reorged, err := n.forks.Resolve(bgCtx, n.stakeOf)
			if err != nil {
				n.log.WithError(err).Warn("fork: resolve failed")
				continue
			}
			if reorged {
				n.log.WithField("fork_point", ancestor).Info("fork: chain reorganized onto peer's branch")
			}
		case <-n.stopCh:
			return
		}
	}
}

// pickPeerClient selects a peer via the load balancer's health-based
// strategy and wraps it as a core.PeerClient over the HTTP sync surface.
func (n *node) pickPeerClient() (*httpPeerClient, error) {
	addrs := n.peerAddrs()
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no peers configured")
	}
	candidates := make([]core.PeerCandidate, 0, len(addrs))
	for _, a := range addrs {
		candidates = append(candidates, core.PeerCandidate{Addr: a, Weight: 1, Health: n.health.ScoreOf(a)})
	}
	pick, err := n.lb.Pick(candidates, "sync")
	if err != nil {
		return nil, err
	}
	return newHTTPPeerClient(pick.Addr, newHTTPClient(10*time.Second)), nil
}

// stakeOf resolves a validator's current stake for ForkResolver.Resolve's
// cumulative-stake comparison.
func (n *node) stakeOf(a core.Address) uint64 {
	for _, v := range n.validators() {
		if v.Address == a {
			return v.Stake
		}
	}
	return 0
}

// mempoolCleanupLoop runs periodic pool maintenance: expiry and age-based
// eviction (via Mempool.Cleanup, which emits mempool.transaction.removed
// per eviction), plus nonce-gap and double-spend scans logged for operator
// visibility.
func (n *node) mempoolCleanupLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			removed := n.mempool.Cleanup(n.bus, nil)
			if removed > 0 {
				n.log.WithField("removed", removed).Info("mempool cleanup evicted expired/stale entries")
			}
			if n.confirmedNonce != nil {
				if gaps := n.mempool.CheckNonceGaps(n.confirmedNonce); len(gaps) > 0 {
					n.log.WithField("senders", len(gaps)).Warn("mempool nonce gaps detected")
				}
			}
			if dups := n.mempool.DetectDoubleSpends(); len(dups) > 0 {
				n.log.WithField("senders", len(dups)).Warn("mempool double-spend slots detected")
			}
			n.log.WithField("pending", n.mempool.Size()).Debug("mempool cleanup tick")
		case <-n.stopCh:
			return
		}
	}
}

// storageMaintenanceLoop takes periodic backups of the chain files and
// records a fast-sync snapshot whenever the chain has advanced by the
// configured interval since the last one.
func (n *node) storageMaintenanceLoop() {
	snapshotEvery := uint64(n.cfg.Storage.SnapshotEvery)
	var lastSnapshot uint64
	backupTick := time.NewTicker(time.Hour)
	snapshotTick := time.NewTicker(time.Minute)
	defer backupTick.Stop()
	defer snapshotTick.Stop()
	for {
		select {
		case <-backupTick.C:
			dir := filepath.Join(n.cfg.Storage.DBPath, "backups", fmt.Sprintf("backup_%d", time.Now().Unix()))
			if err := n.bin.Backup(dir); err != nil {
				n.log.WithError(err).Warn("periodic chain backup failed")
			} else {
				n.log.WithField("dir", dir).Info("chain backup written")
			}
		case <-snapshotTick.C:
			if snapshotEvery == 0 {
				continue
			}
			height := n.bin.Height()
			if height == 0 || height < lastSnapshot+snapshotEvery {
				continue
			}
			tip, err := n.bin.GetByHeight(height)
			if err != nil {
				n.log.WithError(err).Warn("snapshot: failed to read chain tip")
				continue
			}
			blob, err := json.Marshal(tip)
			if err != nil {
				n.log.WithError(err).Warn("snapshot: failed to encode state blob")
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			snap, err := n.snapshots.Put(ctx, height, core.Keccak256Hash(blob), blob)
			cancel()
			if err != nil {
				n.log.WithError(err).Warn("snapshot: failed to store state blob")
				continue
			}
			lastSnapshot = height
			n.log.WithFields(logrus.Fields{"height": height, "cid": snap.CID}).Info("fast-sync snapshot recorded")
		case <-n.stopCh:
			return
		}
	}
}

// lifecycleWatchdogLoop re-checks quick health periodically and walks the
// staged recovery ladder when it fails.
func (n *node) lifecycleWatchdogLoop() {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n.lifecycle.InRecovery() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			res := n.lifecycle.QuickHealth(ctx)
			cancel()
			if res.OK {
				continue
			}
			n.log.Warn("quick health failed, starting auto-recovery")
			recCtx, recCancel := context.WithTimeout(context.Background(), 5*time.Minute)
			stage, err := n.lifecycle.AutoRecover(recCtx, n.recoveryPlan())
			recCancel()
			if err != nil {
				n.log.WithError(err).Error("auto-recovery exhausted every stage")
				continue
			}
			n.log.WithField("stage", string(stage)).Info("auto-recovery completed")
		case <-n.stopCh:
			return
		}
	}
}

// recoveryPlan builds the staged ladder AutoRecover walks: restore the
// newest verified local backup, re-sync from the healthiest peer, then
// salvage whatever still reads cleanly and rebuild the projections.
func (n *node) recoveryPlan() core.RecoveryPlan {
	return core.RecoveryPlan{
		FromBackup: func(ctx context.Context) error {
			dir, err := n.latestBackupDir()
			if err != nil {
				return err
			}
			if err := core.RestoreValidate(dir, core.BinaryStoreConfig{EncryptionKey: n.chainKey, Logger: n.log}); err != nil {
				return fmt.Errorf("backup %s failed verification: %w", dir, err)
			}
			if err := n.bin.RestoreFrom(dir); err != nil {
				return err
			}
			if n.rel != nil {
				_, err = n.ds.Reconcile(ctx)
			}
			return err
		},
		FromPeers: func(ctx context.Context) error {
			peer, err := n.pickPeerClient()
			if err != nil {
				return err
			}
			tip, err := peer.GetTipHeight(ctx)
			if err != nil {
				return err
			}
			local := n.bin.Height()
			if tip < local {
				return fmt.Errorf("best peer tip %d is behind local height %d", tip, local)
			}
			return n.sync.ResolveGap(ctx, peer, local, tip)
		},
		PartialSalvage: func(ctx context.Context) error {
			recovered, skipped, err := n.bin.Repair()
			if err != nil {
				return err
			}
			n.log.WithFields(logrus.Fields{"recovered": recovered, "skipped": len(skipped)}).
				Info("partial salvage rebuilt chain files")
			if n.rel != nil {
				if _, err := n.ds.ExportRelationalToBinary(ctx); err != nil {
					n.log.WithError(err).Warn("salvage: relational replay into binary store incomplete")
				}
				if _, err := n.ds.Reconcile(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// loadOrCreateSalt reads the chain-key salt file, generating and
// persisting a fresh 16-byte salt on first use.
func loadOrCreateSalt(path string) ([]byte, error) {
	if salt, err := os.ReadFile(path); err == nil && len(salt) >= 16 {
		return salt, nil
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}

// latestBackupDir returns the newest backups/backup_<ts> directory.
func (n *node) latestBackupDir() (string, error) {
	root := filepath.Join(n.cfg.Storage.DBPath, "backups")
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("no local backups: %w", err)
	}
	best := ""
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "backup_") {
			continue
		}
		if e.Name() > best {
			best = e.Name()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no local backups under %s", root)
	}
	return filepath.Join(root, best), nil
}

func (n *node) close() {
	if n.rel != nil {
		n.rel.Close()
	}
	n.bin.Close()
}
