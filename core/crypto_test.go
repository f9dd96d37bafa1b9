package core

import "testing"

func TestSignAndVerifyHash(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := Keccak256Hash([]byte("hello"))

	sig, err := SignHash(kp.Private, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := VerifySignature(digest, sig, kp.Address)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify against the signing key's address")
	}

	other, _ := GenerateKeyPair()
	ok, err = VerifySignature(digest, sig, other.Address)
	if err != nil {
		t.Fatalf("verify other: %v", err)
	}
	if ok {
		t.Fatal("signature must not verify against an unrelated address")
	}
}

func TestRecoverAddress(t *testing.T) {
	kp, _ := GenerateKeyPair()
	digest := Keccak256Hash([]byte("recover me"))
	sig, err := SignHash(kp.Private, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := RecoverAddress(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != kp.Address {
		t.Fatalf("recovered=%s want %s", got, kp.Address)
	}
}

func TestTransactionSignAndVerify(t *testing.T) {
	kp, _ := GenerateKeyPair()
	tx := &Transaction{
		Type:     TxTransfer,
		From:     kp.Address,
		To:       addr(1),
		Value:    100,
		Nonce:    1,
		GasLimit: 21000,
		GasPrice: 5,
	}
	if err := tx.Sign(kp.Private); err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	ok, err := VerifyTxSig(tx)
	if err != nil {
		t.Fatalf("verify tx: %v", err)
	}
	if !ok {
		t.Fatal("expected transaction signature to verify")
	}

	tx.Value = 999 // tamper after signing
	ok, err = VerifyTxSig(tx)
	if err != nil {
		t.Fatalf("verify tampered tx: %v", err)
	}
	if ok {
		t.Fatal("signature must not verify after the transaction is tampered with")
	}
}

func TestVerifyTxSigMissingSignature(t *testing.T) {
	tx := &Transaction{From: addr(1)}
	if _, err := VerifyTxSig(tx); err == nil || KindOf(err) != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest for a missing signature, got %v", err)
	}
}

func TestBroadcastSignatureRoundTrip(t *testing.T) {
	secret := []byte("shared-secret")
	payload := []byte(`{"type":"block.added"}`)

	header := SignBroadcast(secret, payload)
	if !VerifyBroadcast(secret, payload, header) {
		t.Fatal("expected a correctly signed broadcast to verify")
	}
	if VerifyBroadcast(secret, payload, "sha256=deadbeef") {
		t.Fatal("expected a forged signature to fail verification")
	}
	if VerifyBroadcast([]byte("wrong-secret"), payload, header) {
		t.Fatal("expected verification to fail with the wrong secret")
	}
}
