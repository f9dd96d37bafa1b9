// Package core implements the replicated-ledger subsystem of a Synnergy PoS
// node: dual-store chain data, mempool, block production and validation,
// peer sync, event propagation, and peer health/load-balancing.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Address is a 20-byte account identifier, rendered as a lowercase
// 0x-prefixed hex string on the wire.
type Address [20]byte

// Hash is a 32-byte content hash, rendered as lowercase hex (no 0x prefix)
// on the wire per the transaction/block hash convention.
type Hash [32]byte

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// MarshalJSON renders the address with its 0x prefix.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts addresses with or without the 0x prefix.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	addr, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = addr
	return nil
}

// ParseAddress canonicalizes a hex address, tolerating a missing 0x prefix
// and mixed case, per the node's API hash/address normalization rules.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	var a Address
	if len(s) != 2*len(a) {
		return a, fmt.Errorf("invalid address length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid address hex: %w", err)
	}
	copy(a[:], b)
	return a, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalJSON renders the hash without a 0x prefix, matching persisted
// hex columns in the relational store.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash canonicalizes a hex hash, tolerating an optional 0x prefix.
func ParseHash(s string) (Hash, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	var h Hash
	if len(s) != 2*len(h) {
		return h, fmt.Errorf("invalid hash length %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	copy(h[:], b)
	return h, nil
}

// BlockHeader carries the fields that are hashed to produce the block's
// identity; the merkle root binds the header to its transaction set.
type BlockHeader struct {
	Height     uint64  `json:"height"`
	Timestamp  int64   `json:"timestamp"`
	PrevHash   Hash    `json:"prev_hash"`
	MerkleRoot Hash    `json:"merkle_root"`
	Proposer   Address `json:"proposer"`
	StateRoot  Hash    `json:"state_root"`
	Sig        []byte  `json:"sig,omitempty"`
}

// Block is the canonical unit of replication: a header plus its ordered
// transaction set.
type Block struct {
	Header       BlockHeader    `json:"header"`
	Transactions []*Transaction `json:"transactions"`
}

// Hash returns the block's identity hash: SHA-256 over the JSON-encoded
// header with its signature stripped, so the hash is stable before and
// after signing.
func (b *Block) Hash() Hash {
	h := b.Header
	h.Sig = nil
	blob, _ := json.Marshal(h)
	return sha256.Sum256(blob)
}

// ComputeMerkleRoot builds a Bitcoin-style double-SHA256 merkle tree over
// the supplied leaves in the order given and returns the root. The block's
// transaction order is the canonical order (nonces execute in sequence),
// so the root - and through it the block hash and signature - commits to
// that order: the same transaction set in a different order is a
// different block.
func ComputeMerkleRoot(leaves [][]byte) Hash {
	if len(leaves) == 0 {
		return Hash{}
	}
	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		h1 := sha256.Sum256(l)
		h2 := sha256.Sum256(h1[:])
		level[i] = h2[:]
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			pair := append(append([]byte{}, level[i]...), level[i+1]...)
			h1 := sha256.Sum256(pair)
			h2 := sha256.Sum256(h1[:])
			next = append(next, h2[:])
		}
		level = next
	}
	var out Hash
	copy(out[:], level[0])
	return out
}

// TxType distinguishes transaction kinds the mempool and producer treat
// differently for fee calculation and ordering.
type TxType uint8

const (
	TxTransfer TxType = iota
	TxStake
	TxUnstake
	TxContractCall
)

// Transaction is the canonical transaction model.
type Transaction struct {
	Type      TxType  `json:"type"`
	From      Address `json:"from"`
	To        Address `json:"to"`
	Value     uint64  `json:"value"`
	Nonce     uint64  `json:"nonce"`
	GasLimit  uint64  `json:"gas_limit"`
	GasPrice  uint64  `json:"gas_price"`
	Payload   []byte  `json:"payload,omitempty"`
	Timestamp int64   `json:"timestamp"`
	Sig       []byte  `json:"sig"`
	hash      *Hash
}

// Hash returns the transaction's identity hash, computed over every field
// except the signature, caching the result since transactions are
// immutable once signed.
func (tx *Transaction) Hash() Hash {
	if tx.hash != nil {
		return *tx.hash
	}
	cp := *tx
	cp.Sig = nil
	cp.hash = nil
	blob, _ := json.Marshal(cp)
	h := sha256.Sum256(blob)
	tx.hash = &h
	return h
}

// IDHex returns the transaction hash as a lowercase hex string.
func (tx *Transaction) IDHex() string {
	h := tx.Hash()
	return h.String()
}

// Fee returns the flat fee a transaction pays, used for mempool ordering
// and eviction.
func (tx *Transaction) Fee() uint64 {
	return tx.GasLimit * tx.GasPrice
}

// Validator is a participant eligible for block production, identified by
// address and weighted by bonded stake.
type Validator struct {
	Address Address `json:"address"`
	Stake   uint64  `json:"stake"`
	Active  bool    `json:"active"`
}

// StakingRecord tracks a validator's bonded stake and unbonding schedule.
type StakingRecord struct {
	ValidatorAddress Address   `json:"validator_address"`
	Amount           uint64    `json:"amount"`
	BondedAt         time.Time `json:"bonded_at"`
	UnbondingUntil   time.Time `json:"unbonding_until,omitempty"`
}

// NodeRecord is what peer discovery and health monitoring maintain for
// every known peer.
type NodeRecord struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	LastSeen      time.Time `json:"last_seen"`
	HealthScore   float64   `json:"health_score"`
	Misses        int       `json:"misses"`
	CircuitOpen   bool      `json:"circuit_open"`
	ReportedLevel uint64    `json:"reported_height"`
}

// EventRecord is the canonical propagated event envelope.
type EventRecord struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	EventID    string          `json:"event_id"`
	Timestamp  int64           `json:"timestamp"`
	SourceNode string          `json:"source_node"`
}

// Checkpoint is a trusted (height, block hash, state root) triple taken
// from operator configuration; CheckpointSync adopts the block at Height
// once it hashes to BlockHash.
type Checkpoint struct {
	Height    uint64 `json:"height"`
	BlockHash Hash   `json:"block_hash"`
	StateRoot Hash   `json:"state_root"`
}

// Snapshot is a content-addressed fast-sync state blob.
type Snapshot struct {
	Height    uint64 `json:"height"`
	CID       string `json:"cid"`
	StateRoot Hash   `json:"state_root"`
	CreatedAt int64  `json:"created_at"`
}
