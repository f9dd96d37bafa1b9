package core

import (
	"testing"
	"time"
)

func addr(b byte) Address {
	var a Address
	a[0] = b
	return a
}

// mustKeyPair generates a signing key, failing the test on error, so
// mempool admission's signature check has something real to verify.
func mustKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	return kp
}

// newTx builds a signed transaction from kp, so it passes Add's admission
// checks (self-transfer and signature verification).
func newTx(t *testing.T, kp *KeyPair, nonce, gasPrice uint64) *Transaction {
	t.Helper()
	tx := &Transaction{
		Type:     TxTransfer,
		From:     kp.Address,
		To:       addr(0xFF),
		Value:    1,
		Nonce:    nonce,
		GasLimit: 21000,
		GasPrice: gasPrice,
	}
	if err := tx.Sign(kp.Private); err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return tx
}

func TestMempoolAddListOrdersByFeeThenFIFO(t *testing.T) {
	mp := NewMempool(MempoolConfig{})

	low := newTx(t, mustKeyPair(t), 0, 1)
	high := newTx(t, mustKeyPair(t), 0, 10)
	mid1 := newTx(t, mustKeyPair(t), 0, 5)
	mid2 := newTx(t, mustKeyPair(t), 0, 5)

	for _, tx := range []*Transaction{low, high, mid1, mid2} {
		if err := mp.Add(tx); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	got := mp.List(0)
	if len(got) != 4 {
		t.Fatalf("len=%d want 4", len(got))
	}
	if got[0].Hash() != high.Hash() {
		t.Fatal("highest fee tx should be first")
	}
	if got[3].Hash() != low.Hash() {
		t.Fatal("lowest fee tx should be last")
	}
	// mid1 was added before mid2 with an equal fee: FIFO ordering breaks the tie.
	if got[1].Hash() != mid1.Hash() || got[2].Hash() != mid2.Hash() {
		t.Fatal("equal-fee transactions should preserve arrival order")
	}
}

func TestMempoolDuplicateRejected(t *testing.T) {
	mp := NewMempool(MempoolConfig{})
	tx := newTx(t, mustKeyPair(t), 0, 5)
	if err := mp.Add(tx); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := mp.Add(tx)
	if err == nil || KindOf(err) != ErrDuplicateEvent {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
}

func TestMempoolReplaceByFee(t *testing.T) {
	mp := NewMempool(MempoolConfig{})
	kp := mustKeyPair(t)
	original := newTx(t, kp, 0, 100)
	if err := mp.Add(original); err != nil {
		t.Fatalf("add original: %v", err)
	}

	lowerFee := newTx(t, kp, 0, 99)
	if err := mp.Add(lowerFee); err == nil || KindOf(err) != ErrInvalidRequest {
		t.Fatalf("expected a lower-fee replacement to be rejected, got %v", err)
	}

	// Any strictly higher fee wins the slot, however small the margin.
	replacement := newTx(t, kp, 0, 101)
	if err := mp.Add(replacement); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if mp.Size() != 1 {
		t.Fatalf("size=%d want 1 after replacement", mp.Size())
	}
	if !mp.Has(replacement.Hash()) || mp.Has(original.Hash()) {
		t.Fatal("replacement should supersede the original entry")
	}
}

func TestMempoolCapacityEvictsLowestFee(t *testing.T) {
	mp := NewMempool(MempoolConfig{MaxSize: 2})
	low := newTx(t, mustKeyPair(t), 0, 1)
	high := newTx(t, mustKeyPair(t), 0, 100)
	if err := mp.Add(low); err != nil {
		t.Fatalf("add low: %v", err)
	}
	if err := mp.Add(high); err != nil {
		t.Fatalf("add high: %v", err)
	}

	evicting := newTx(t, mustKeyPair(t), 0, 50)
	if err := mp.Add(evicting); err != nil {
		t.Fatalf("add evicting: %v", err)
	}
	if mp.Size() != 2 {
		t.Fatalf("size=%d want 2", mp.Size())
	}
	if mp.Has(low.Hash()) {
		t.Fatal("lowest-fee entry should have been evicted")
	}
	if !mp.Has(high.Hash()) || !mp.Has(evicting.Hash()) {
		t.Fatal("higher-fee entries should survive eviction")
	}
}

func TestMempoolCapacityRejectsWhenIncomingIsLowest(t *testing.T) {
	mp := NewMempool(MempoolConfig{MaxSize: 1})
	if err := mp.Add(newTx(t, mustKeyPair(t), 0, 100)); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := mp.Add(newTx(t, mustKeyPair(t), 0, 1))
	if err == nil || KindOf(err) != ErrRateLimited {
		t.Fatalf("expected a full-pool rejection, got %v", err)
	}
}

func TestMempoolGetForBlockExcludesZeroValueAndRespectsGasCap(t *testing.T) {
	mp := NewMempool(MempoolConfig{})
	payingKP := mustKeyPair(t)
	paying := newTx(t, payingKP, 0, 10)
	paying.Value = 5
	if err := paying.Sign(payingKP.Private); err != nil {
		t.Fatalf("re-sign after setting value: %v", err)
	}
	zeroKP := mustKeyPair(t)
	zeroValue := newTx(t, zeroKP, 0, 100)
	zeroValue.Value = 0
	if err := zeroValue.Sign(zeroKP.Private); err != nil {
		t.Fatalf("re-sign after setting value: %v", err)
	}
	for _, tx := range []*Transaction{paying, zeroValue} {
		if err := mp.Add(tx); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	got := mp.GetForBlock(0, 0)
	if len(got) != 1 || got[0].Hash() != paying.Hash() {
		t.Fatalf("expected only the positive-value tx, got %d entries", len(got))
	}

	// A gas cap below the single candidate's GasLimit excludes it entirely.
	if got := mp.GetForBlock(0, paying.GasLimit-1); len(got) != 0 {
		t.Fatalf("expected gas cap to exclude the only candidate, got %d", len(got))
	}
}

func TestMempoolCleanupRemovesExpiredAndEmitsEvent(t *testing.T) {
	mp := NewMempool(MempoolConfig{ExpireAfter: -time.Second}) // already expired on insert
	tx := newTx(t, mustKeyPair(t), 0, 5)
	if err := mp.Add(tx); err != nil {
		t.Fatalf("add: %v", err)
	}

	bus := NewEventBus("node-a")
	ch, unsub := bus.Subscribe("mempool.transaction.removed")
	defer unsub()

	removed := mp.Cleanup(bus, nil)
	if removed != 1 {
		t.Fatalf("removed=%d want 1", removed)
	}
	if mp.Has(tx.Hash()) {
		t.Fatal("expired entry should have been removed")
	}
	select {
	case rec := <-ch:
		if rec.Type != "mempool.transaction.removed" {
			t.Fatalf("unexpected event type %s", rec.Type)
		}
	default:
		t.Fatal("expected a mempool.transaction.removed event")
	}
}

func TestMempoolCleanupRevalidateRemovesInvalid(t *testing.T) {
	mp := NewMempool(MempoolConfig{})
	tx := newTx(t, mustKeyPair(t), 0, 5)
	if err := mp.Add(tx); err != nil {
		t.Fatalf("add: %v", err)
	}
	removed := mp.Cleanup(nil, func(*Transaction) bool { return false })
	if removed != 1 || mp.Has(tx.Hash()) {
		t.Fatal("expected revalidate-failing entry to be removed")
	}
}

func TestMempoolCheckNonceGaps(t *testing.T) {
	mp := NewMempool(MempoolConfig{})
	kp := mustKeyPair(t)
	// Confirmed nonce is 0 (next expected pending nonce is 1), but the only
	// pending tx is at nonce 3: nonces 1 and 2 are missing.
	if err := mp.Add(newTx(t, kp, 3, 5)); err != nil {
		t.Fatalf("add: %v", err)
	}
	gaps := mp.CheckNonceGaps(func(Address) uint64 { return 0 })
	missing, ok := gaps[kp.Address]
	if !ok || len(missing) != 2 || missing[0] != 1 || missing[1] != 2 {
		t.Fatalf("expected gaps [1 2] for %s, got %v", kp.Address, missing)
	}
}

func TestMempoolRemove(t *testing.T) {
	mp := NewMempool(MempoolConfig{})
	tx := newTx(t, mustKeyPair(t), 0, 5)
	if err := mp.Add(tx); err != nil {
		t.Fatalf("add: %v", err)
	}
	mp.Remove(tx.Hash())
	if mp.Has(tx.Hash()) {
		t.Fatal("expected transaction to be removed")
	}
	if mp.Size() != 0 {
		t.Fatalf("size=%d want 0", mp.Size())
	}
}

func TestMempoolAddRejectsSelfTransfer(t *testing.T) {
	mp := NewMempool(MempoolConfig{})
	kp := mustKeyPair(t)
	tx := newTx(t, kp, 0, 5)
	tx.To = kp.Address
	if err := tx.Sign(kp.Private); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := mp.Add(tx); err == nil || KindOf(err) != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest for a self-transfer, got %v", err)
	}
}

func TestMempoolAddRejectsBadSignature(t *testing.T) {
	mp := NewMempool(MempoolConfig{})
	kp := mustKeyPair(t)
	tx := newTx(t, kp, 0, 5)
	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	if err := tx.Sign(other.Private); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := mp.Add(tx); err == nil || KindOf(err) != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest for a signature not matching From, got %v", err)
	}
}

func TestMempoolAddRejectsFeeBelowFloor(t *testing.T) {
	mp := NewMempool(MempoolConfig{MinFee: 1_000_000})
	tx := newTx(t, mustKeyPair(t), 0, 1)
	if err := mp.Add(tx); err == nil || KindOf(err) != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest for a fee below the configured floor, got %v", err)
	}
}

func TestMempoolAddRejectsUnreachableNonce(t *testing.T) {
	mp := NewMempool(MempoolConfig{})
	kp := mustKeyPair(t)
	mp.SetConfirmedNonce(func(Address) uint64 { return 5 })
	tx := newTx(t, kp, 5, 10)
	if err := mp.Add(tx); err == nil || KindOf(err) != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest for a nonce already confirmed, got %v", err)
	}
	tx2 := newTx(t, kp, 6, 10)
	if err := mp.Add(tx2); err != nil {
		t.Fatalf("expected a nonce past the confirmed one to be admitted, got %v", err)
	}
}

func TestMempoolDetectDoubleSpends(t *testing.T) {
	mp := NewMempool(MempoolConfig{})
	kp := mustKeyPair(t)
	if err := mp.Add(newTx(t, kp, 1, 5)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if dups := mp.DetectDoubleSpends(); len(dups) != 0 {
		t.Fatalf("clean pool reported double spends: %v", dups)
	}

	// Admission keeps one entry per (from, nonce); force the divergent
	// state the scan exists to catch by seeding a second entry directly.
	rogue := newTx(t, kp, 1, 50)
	mp.mu.Lock()
	mp.sequence++
	mp.byHash[rogue.Hash()] = &mempoolEntry{tx: rogue, sequence: mp.sequence, addedAt: time.Now(), expiresAt: time.Now().Add(time.Hour)}
	mp.mu.Unlock()

	dups := mp.DetectDoubleSpends()
	if len(dups) != 1 {
		t.Fatalf("senders with duplicates=%d want 1", len(dups))
	}
	hashes, ok := dups[kp.Address][1]
	if !ok || len(hashes) != 2 {
		t.Fatalf("expected two conflicting hashes at nonce 1, got %v", dups)
	}
}
