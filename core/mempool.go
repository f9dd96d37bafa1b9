package core

// mempool.go - the pending-transaction pool: fee-priority ordering,
// replace-by-fee, nonce discipline, and capacity-bounded eviction.

import (
	"sort"
	"sync"
	"time"
)

const defaultExpireAfter = time.Hour
const hardMaxAge = 24 * time.Hour
const defaultMinFee = 1000

// mempoolEntry pairs a transaction with its arrival order, used to break
// ties between equal-fee transactions FIFO, plus the expiry and retry
// bookkeeping Cleanup works from.
type mempoolEntry struct {
	tx         *Transaction
	sequence   uint64
	addedAt    time.Time
	expiresAt  time.Time
	retryCount int
}

// priorityScore weighs gas price, flat fee, and an age bonus (older
// transactions gain a small boost so they aren't starved by a steady stream
// of higher-fee arrivals).
func (e *mempoolEntry) priorityScore(now time.Time) float64 {
	ageBonus := now.Sub(e.addedAt).Minutes()
	if ageBonus > 60 {
		ageBonus = 60
	}
	return float64(e.tx.GasPrice)*2 + float64(e.tx.Fee()) + ageBonus
}

// MempoolConfig bounds the pool's size and entry lifetime.
type MempoolConfig struct {
	MaxSize     int
	ExpireAfter time.Duration // entries older than this are eligible for Cleanup removal
	MinFee      uint64        // admission fee floor; 0 uses defaultMinFee
}

// Mempool holds pending transactions, ordered by fee for producer
// selection and capped in size with lowest-fee eviction.
type Mempool struct {
	mu             sync.RWMutex
	cfg            MempoolConfig
	byHash         map[Hash]*mempoolEntry
	byNonce        map[Address]map[uint64]Hash // (from, nonce) -> current tx hash, for RBF
	sequence       uint64
	confirmedNonce func(Address) uint64 // optional: enables the nonce-reachability admission check in Add
}

// NewMempool constructs an empty pool with the given bounds.
func NewMempool(cfg MempoolConfig) *Mempool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 5000
	}
	if cfg.ExpireAfter == 0 {
		cfg.ExpireAfter = defaultExpireAfter
	}
	if cfg.MinFee == 0 {
		cfg.MinFee = defaultMinFee
	}
	return &Mempool{
		cfg:     cfg,
		byHash:  make(map[Hash]*mempoolEntry),
		byNonce: make(map[Address]map[uint64]Hash),
	}
}

// SetConfirmedNonce attaches the confirmed-nonce lookup used by Add's
// nonce-reachability admission check. Without it (the default), Add admits
// any nonce and relies on CheckNonceGaps for later, non-blocking gap
// reporting.
func (mp *Mempool) SetConfirmedNonce(f func(Address) uint64) { mp.confirmedNonce = f }

// isValid runs the admission checks: the sender must not be the
// recipient, the signature must verify against the sender, and the fee must
// clear the configured floor. If a confirmed-nonce lookup is attached, the
// nonce must also be reachable (strictly greater than the sender's last
// confirmed nonce).
func (mp *Mempool) isValid(tx *Transaction) error {
	if tx.From == tx.To {
		return Errf(ErrInvalidRequest, "self-transfer rejected")
	}
	ok, err := VerifyTxSig(tx)
	if err != nil {
		return Errf(ErrInvalidRequest, "transaction signature check failed: %v", err)
	}
	if !ok {
		return Errf(ErrInvalidRequest, "transaction signature does not match sender %s", tx.From)
	}
	if fee := tx.Fee(); fee < mp.cfg.MinFee {
		return Errf(ErrInvalidRequest, "fee %d below minimum %d", fee, mp.cfg.MinFee)
	}
	if mp.confirmedNonce != nil && tx.Nonce <= mp.confirmedNonce(tx.From) {
		return Errf(ErrInvalidRequest, "nonce %d unreachable: already confirmed", tx.Nonce)
	}
	return nil
}

// Add inserts tx into the pool. If a pending transaction already occupies
// the same (from, nonce) slot, tx replaces it only if its fee is strictly
// higher (replace-by-fee; the slot is keyed by sender and isValid has
// already verified the signature, so the same authorized signer is
// implied); otherwise Add returns an ErrInvalidRequest CoreError. If the
// pool is at capacity, the lowest-fee entry (oldest among ties) is
// evicted to make room, unless tx itself would be the lowest-fee entry.
func (mp *Mempool) Add(tx *Transaction) error {
	if tx == nil {
		return Errf(ErrInvalidRequest, "nil transaction")
	}
	if err := mp.isValid(tx); err != nil {
		return err
	}
	hash := tx.Hash()

	mp.mu.Lock()
	defer mp.mu.Unlock()

	if _, exists := mp.byHash[hash]; exists {
		return Errf(ErrDuplicateEvent, "transaction %s already pending", hash)
	}

	if nonces, ok := mp.byNonce[tx.From]; ok {
		if existingHash, ok := nonces[tx.Nonce]; ok {
			existing := mp.byHash[existingHash]
			if tx.Fee() <= existing.tx.Fee() {
				return Errf(ErrInvalidRequest, "replacement fee %d not above existing fee %d", tx.Fee(), existing.tx.Fee())
			}
			delete(mp.byHash, existingHash)
		}
	}

	if len(mp.byHash) >= mp.cfg.MaxSize {
		if !mp.evictLowestLocked(tx.Fee()) {
			return Errf(ErrRateLimited, "mempool full")
		}
	}

	mp.sequence++
	now := time.Now()
	entry := &mempoolEntry{tx: tx, sequence: mp.sequence, addedAt: now, expiresAt: now.Add(mp.cfg.ExpireAfter)}
	mp.byHash[hash] = entry
	if mp.byNonce[tx.From] == nil {
		mp.byNonce[tx.From] = make(map[uint64]Hash)
	}
	mp.byNonce[tx.From][tx.Nonce] = hash
	return nil
}

// evictLowestLocked removes the lowest-fee entry (oldest among ties) if
// its fee is below incomingFee. Caller must hold mp.mu. Returns whether an
// entry was evicted; an empty pool or a lowest fee at or above incomingFee
// returns false.
func (mp *Mempool) evictLowestLocked(incomingFee uint64) bool {
	var worst *mempoolEntry
	for _, e := range mp.byHash {
		if worst == nil || e.tx.Fee() < worst.tx.Fee() ||
			(e.tx.Fee() == worst.tx.Fee() && e.sequence < worst.sequence) {
			worst = e
		}
	}
	if worst == nil || worst.tx.Fee() >= incomingFee {
		return false
	}
	delete(mp.byHash, worst.tx.Hash())
	if nonces := mp.byNonce[worst.tx.From]; nonces != nil {
		delete(nonces, worst.tx.Nonce)
	}
	return true
}

// Remove drops a transaction from the pool, e.g. once it is included in a
// block.
func (mp *Mempool) Remove(hash Hash) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	entry, ok := mp.byHash[hash]
	if !ok {
		return
	}
	delete(mp.byHash, hash)
	if nonces := mp.byNonce[entry.tx.From]; nonces != nil {
		delete(nonces, entry.tx.Nonce)
	}
}

// List returns up to limit pending transactions ordered by descending fee,
// oldest-first within equal fees. limit <= 0 returns every pending
// transaction.
func (mp *Mempool) List(limit int) []*Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	entries := make([]*mempoolEntry, 0, len(mp.byHash))
	for _, e := range mp.byHash {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].tx.Fee() != entries[j].tx.Fee() {
			return entries[i].tx.Fee() > entries[j].tx.Fee()
		}
		return entries[i].sequence < entries[j].sequence
	})
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	out := make([]*Transaction, len(entries))
	for i, e := range entries {
		out[i] = e.tx
	}
	return out
}

// Get returns the pending transaction with the given hash, if any.
func (mp *Mempool) Get(hash Hash) (*Transaction, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	e, ok := mp.byHash[hash]
	if !ok {
		return nil, false
	}
	return e.tx, true
}

// Size returns the number of pending transactions.
func (mp *Mempool) Size() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.byHash)
}

// Has reports whether hash is currently pending.
func (mp *Mempool) Has(hash Hash) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	_, ok := mp.byHash[hash]
	return ok
}

// GetForBlock is the producer's read-only preview of candidate transactions
// for the next block: the maxCount highest-priority,
// non-expired, positive-value entries whose cumulative gas stays within
// maxGas. It does not remove anything from the pool; inclusion is finalized
// only once the produced block is committed and Remove is called per tx.
func (mp *Mempool) GetForBlock(maxCount int, maxGas uint64) []*Transaction {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	now := time.Now()
	entries := make([]*mempoolEntry, 0, len(mp.byHash))
	for _, e := range mp.byHash {
		if e.tx.Value == 0 || now.After(e.expiresAt) {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		si, sj := entries[i].priorityScore(now), entries[j].priorityScore(now)
		if si != sj {
			return si > sj
		}
		return entries[i].sequence < entries[j].sequence
	})

	out := make([]*Transaction, 0, maxCount)
	var gasUsed uint64
	for _, e := range entries {
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
		if maxGas > 0 && gasUsed+e.tx.GasLimit > maxGas {
			continue
		}
		gasUsed += e.tx.GasLimit
		out = append(out, e.tx)
	}
	return out
}

// Cleanup removes expired entries (expiresAt < now), entries older than the
// 24-hour hard age cap, and entries that fail revalidate (if non-nil, e.g.
// a fresh signature/balance check against current chain state). It emits a
// "mempool.transaction.removed" event on bus per removal.
func (mp *Mempool) Cleanup(bus *EventBus, revalidate func(*Transaction) bool) int {
	now := time.Now()

	mp.mu.Lock()
	var removed []*mempoolEntry
	for hash, e := range mp.byHash {
		expired := now.After(e.expiresAt)
		tooOld := now.Sub(e.addedAt) > hardMaxAge
		invalid := revalidate != nil && !revalidate(e.tx)
		if expired || tooOld || invalid {
			removed = append(removed, e)
			delete(mp.byHash, hash)
			if nonces := mp.byNonce[e.tx.From]; nonces != nil {
				delete(nonces, e.tx.Nonce)
			}
		}
	}
	mp.mu.Unlock()

	if bus != nil {
		for _, e := range removed {
			bus.Emit("mempool.transaction.removed", map[string]any{
				"transaction_hash": e.tx.IDHex(),
				"mempool_size":     mp.Size(),
			})
		}
	}
	return len(removed)
}

// CheckNonceGaps reports, for every sender with a pending transaction, any
// nonces missing between confirmedNonce(from)+1 and the lowest pending nonce
// for that sender. A sender with no gap is omitted from the result.
func (mp *Mempool) CheckNonceGaps(confirmedNonce func(Address) uint64) map[Address][]uint64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	gaps := make(map[Address][]uint64)
	for from, nonces := range mp.byNonce {
		if len(nonces) == 0 {
			continue
		}
		pending := make([]uint64, 0, len(nonces))
		for n := range nonces {
			pending = append(pending, n)
		}
		sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

		want := confirmedNonce(from) + 1
		var missing []uint64
		for _, n := range pending {
			for want < n {
				missing = append(missing, want)
				want++
			}
			want = n + 1
		}
		if len(missing) > 0 {
			gaps[from] = missing
		}
	}
	return gaps
}

// DetectDoubleSpends scans pending transactions grouped by (from, nonce)
// and reports any slot occupied by more than one distinct transaction.
// Admission keeps one transaction per slot, so a non-empty result means
// the pool's bookkeeping diverged and the listed hashes need review.
func (mp *Mempool) DetectDoubleSpends() map[Address]map[uint64][]Hash {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	bySlot := make(map[Address]map[uint64][]Hash)
	for hash, e := range mp.byHash {
		slots := bySlot[e.tx.From]
		if slots == nil {
			slots = make(map[uint64][]Hash)
			bySlot[e.tx.From] = slots
		}
		slots[e.tx.Nonce] = append(slots[e.tx.Nonce], hash)
	}

	out := make(map[Address]map[uint64][]Hash)
	for from, slots := range bySlot {
		for nonce, hashes := range slots {
			if len(hashes) > 1 {
				if out[from] == nil {
					out[from] = make(map[uint64][]Hash)
				}
				out[from][nonce] = hashes
			}
		}
	}
	return out
}
