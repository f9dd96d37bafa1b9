package core

// producer.go - block production and validation: stake-weighted producer
// selection, mempool-driven assembly with a pure execution pass over a
// scratch wallet view, and the structural/signature validation pipeline
// every inbound block runs through.

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// acceptableSkewSeconds bounds how far a proposed block's timestamp may sit
// ahead of the validating node's own clock, in line with the 3-10s
// timeouts used elsewhere for network round trips.
const acceptableSkewSeconds = 5

// ProducerSelector chooses the validator responsible for proposing the
// block at the given height. The default implementation is a
// deterministic stake-weighted round-robin; callers may substitute any
// implementation satisfying this interface.
type ProducerSelector interface {
	SelectProducer(height uint64, validators []Validator) (Address, error)
}

// StakeWeightedRoundRobin selects producers by giving each validator a
// number of consecutive "tickets" in a deterministic ordering proportional
// to its stake, then walking that ordering by height modulo its length.
type StakeWeightedRoundRobin struct{}

func (StakeWeightedRoundRobin) SelectProducer(height uint64, validators []Validator) (Address, error) {
	active := make([]Validator, 0, len(validators))
	for _, v := range validators {
		if v.Active && v.Stake > 0 {
			active = append(active, v)
		}
	}
	if len(active) == 0 {
		return Address{}, Errf(ErrConsensusReject, "no active validators")
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Stake != active[j].Stake {
			return active[i].Stake > active[j].Stake
		}
		return active[i].Address.String() < active[j].Address.String()
	})

	var totalStake uint64
	for _, v := range active {
		totalStake += v.Stake
	}
	const ticketSpace = 10_000
	slot := height % ticketSpace
	var cursor uint64
	for _, v := range active {
		share := v.Stake * ticketSpace / totalStake
		if share == 0 {
			share = 1
		}
		cursor += share
		if slot < cursor {
			return v.Address, nil
		}
	}
	return active[len(active)-1].Address, nil
}

// WalletLookup resolves an address's current confirmed balance and nonce,
// used as the starting point for the scratch execution pass (each
// step 2). A nil lookup (the default) skips balance/nonce enforcement,
// matching a node with no relational store attached.
type WalletLookup func(Address) (balance uint64, nonce uint64)

// Producer builds candidate blocks from the mempool's highest-fee
// transactions.
type Producer struct {
	selector  ProducerSelector
	mempool   *Mempool
	validator *BlockValidator
	log       *logrus.Logger
	maxTxs    int
	maxGas    uint64
	wallets   WalletLookup
}

// SetWalletLookup attaches the wallet-state callback used to discard
// mempool transactions that would violate balance or nonce ordering during
// proposal.
func (p *Producer) SetWalletLookup(w WalletLookup) { p.wallets = w }

// SetMaxGas bounds the cumulative gas limit of transactions included in a
// proposed block. Zero
// (the default) means unbounded.
func (p *Producer) SetMaxGas(g uint64) { p.maxGas = g }

// scratchState tracks the running balance/nonce of every from-address
// touched so far while assembling one candidate block, so a later tx from
// the same sender sees the effect of an earlier one in the same block.
type scratchState struct {
	lookup   WalletLookup
	balances map[Address]uint64
	nonces   map[Address]uint64
}

func newScratchState(lookup WalletLookup) *scratchState {
	return &scratchState{lookup: lookup, balances: map[Address]uint64{}, nonces: map[Address]uint64{}}
}

func (s *scratchState) load(addr Address) (uint64, uint64) {
	if bal, ok := s.balances[addr]; ok {
		return bal, s.nonces[addr]
	}
	bal, nonce := s.lookup(addr)
	s.balances[addr] = bal
	s.nonces[addr] = nonce
	return bal, nonce
}

// apply checks whether tx can execute against the current scratch state
// (nonce must be exactly one past the sender's last applied nonce; balance
// must cover amount+fee) and, if so, commits its effect. It returns false
// without mutating state when the tx would violate either invariant.
func (s *scratchState) apply(tx *Transaction) bool {
	balance, nonce := s.load(tx.From)
	if tx.Nonce != nonce+1 {
		return false
	}
	cost := tx.Value + tx.Fee()
	if balance < cost {
		return false
	}
	s.balances[tx.From] = balance - cost
	s.nonces[tx.From] = tx.Nonce
	return true
}

// NewProducer constructs a Producer. A zero maxTxs defaults to 2000.
func NewProducer(selector ProducerSelector, mempool *Mempool, validator *BlockValidator, maxTxs int, log *logrus.Logger) *Producer {
	if selector == nil {
		selector = StakeWeightedRoundRobin{}
	}
	if maxTxs <= 0 {
		maxTxs = 2000
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Producer{selector: selector, mempool: mempool, validator: validator, maxTxs: maxTxs, log: log}
}

// ProposeBlock builds a candidate block extending prev, if self is the
// selected producer for height prev.Header.Height+1.
func (p *Producer) ProposeBlock(self Address, prev *Block, validators []Validator) (*Block, error) {
	height := prev.Header.Height + 1
	proposer, err := p.selector.SelectProducer(height, validators)
	if err != nil {
		return nil, err
	}
	if proposer != self {
		return nil, Errf(ErrConsensusReject, "not selected producer for height %d", height)
	}

	candidates := p.mempool.GetForBlock(p.maxTxs, p.maxGas)

	var txs []*Transaction
	if p.wallets != nil {
		scratch := newScratchState(p.wallets)
		txs = make([]*Transaction, 0, len(candidates))
		for _, tx := range candidates {
			if scratch.apply(tx) {
				txs = append(txs, tx)
			}
		}
	} else {
		txs = candidates
	}

	leaves := make([][]byte, len(txs))
	for i, tx := range txs {
		h := tx.Hash()
		leaves[i] = h[:]
	}

	blk := &Block{
		Header: BlockHeader{
			Height:     height,
			Timestamp:  time.Now().Unix(),
			PrevHash:   prev.Hash(),
			MerkleRoot: ComputeMerkleRoot(leaves),
			Proposer:   self,
		},
		Transactions: txs,
	}
	p.log.WithFields(logrus.Fields{"height": height, "tx_count": len(txs)}).Info("proposed block")
	return blk, nil
}

// BlockValidator checks inbound blocks against consensus and structural
// rules before they are appended to the dual store.
type BlockValidator struct {
	selector ProducerSelector
	wallets  WalletLookup
}

// NewBlockValidator constructs a validator using the given producer
// selection rule (must match the rule used by ProposeBlock across the
// network for validation to agree with production).
func NewBlockValidator(selector ProducerSelector) *BlockValidator {
	if selector == nil {
		selector = StakeWeightedRoundRobin{}
	}
	return &BlockValidator{selector: selector}
}

// SetWalletLookup attaches the wallet-state callback used to re-verify
// balance/nonce invariants for every transaction in an incoming block
// against current chain state. Without it,
// Validate only checks structural and signature invariants.
func (bv *BlockValidator) SetWalletLookup(w WalletLookup) { bv.wallets = w }

// Validate checks that blk correctly extends prev: sequential height,
// matching PrevHash, a merkle root consistent with its transaction set,
// the expected proposer for its height, and a valid proposer signature.
// An empty validator set means the caller has no registry to check
// producer identity against (a follower with no relational store); the
// identity check is skipped then, every other check still runs.
func (bv *BlockValidator) Validate(blk, prev *Block, validators []Validator) error {
	if blk.Header.Height != prev.Header.Height+1 {
		return Errf(ErrConsensusReject, "non-sequential height: got %d, want %d", blk.Header.Height, prev.Header.Height+1)
	}
	if blk.Header.PrevHash != prev.Hash() {
		return Errf(ErrForkConflict, "prev hash mismatch at height %d", blk.Header.Height)
	}
	if blk.Header.Timestamp <= prev.Header.Timestamp {
		return Errf(ErrConsensusReject, "timestamp %d does not strictly increase over parent's %d", blk.Header.Timestamp, prev.Header.Timestamp)
	}
	if skew := time.Now().Unix() + acceptableSkewSeconds; blk.Header.Timestamp > skew {
		return Errf(ErrConsensusReject, "timestamp %d exceeds acceptable clock skew (now+%ds=%d)", blk.Header.Timestamp, acceptableSkewSeconds, skew)
	}

	leaves := make([][]byte, len(blk.Transactions))
	for i, tx := range blk.Transactions {
		h := tx.Hash()
		leaves[i] = h[:]
	}
	if got, want := blk.Header.MerkleRoot, ComputeMerkleRoot(leaves); got != want {
		return Errf(ErrConsensusReject, "merkle root mismatch: got %s, want %s", got, want)
	}

	if len(validators) > 0 {
		expected, err := bv.selector.SelectProducer(blk.Header.Height, validators)
		if err != nil {
			return err
		}
		if expected != blk.Header.Proposer {
			return Errf(ErrConsensusReject, "block proposed by %s, expected %s", blk.Header.Proposer, expected)
		}
	}

	if len(blk.Header.Sig) > 0 {
		digest := blk.Hash()
		ok, err := VerifySignature(digest, blk.Header.Sig, blk.Header.Proposer)
		if err != nil {
			return Errf(ErrConsensusReject, "verify block signature: %w", err)
		}
		if !ok {
			return Errf(ErrConsensusReject, "invalid block signature from %s", blk.Header.Proposer)
		}
	}

	for _, tx := range blk.Transactions {
		ok, err := VerifyTxSig(tx)
		if err != nil {
			return Errf(ErrConsensusReject, "tx %s: %w", tx.IDHex(), err)
		}
		if !ok {
			return Errf(ErrConsensusReject, "tx %s has invalid signature", tx.IDHex())
		}
	}

	if bv.wallets != nil {
		scratch := newScratchState(bv.wallets)
		for _, tx := range blk.Transactions {
			if !scratch.apply(tx) {
				return Errf(ErrConsensusReject, "tx %s violates balance/nonce invariants", tx.IDHex())
			}
		}
	}
	return nil
}
