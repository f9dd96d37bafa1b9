package core

// crypto.go - signing, verification and keyed-hash primitives for the
// node core: ECDSA over secp256k1 with Keccak-256 digests, via
// go-ethereum/crypto, plus the HMAC-SHA256 broadcast signatures attached
// to outbound event envelopes.

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// KeyPair holds an ECDSA private key and its derived address.
type KeyPair struct {
	Private *ecdsa.PrivateKey
	Address Address
}

// GenerateKeyPair creates a new secp256k1 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, Errf(ErrTransient, "generate key: %w", err)
	}
	return &KeyPair{Private: priv, Address: addressFromPub(&priv.PublicKey)}, nil
}

func addressFromPub(pub *ecdsa.PublicKey) Address {
	ethAddr := crypto.PubkeyToAddress(*pub)
	var a Address
	copy(a[:], ethAddr.Bytes())
	return a
}

// SignHash signs a 32-byte digest with the given private key, returning a
// 65-byte [R || S || V] signature.
func SignHash(priv *ecdsa.PrivateKey, digest Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest[:], priv)
	if err != nil {
		return nil, Errf(ErrInvalidRequest, "sign: %w", err)
	}
	return sig, nil
}

// RecoverAddress recovers the signer's address from a digest and signature.
func RecoverAddress(digest Hash, sig []byte) (Address, error) {
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return Address{}, Errf(ErrInvalidRequest, "recover signer: %w", err)
	}
	return addressFromPub(pub), nil
}

// VerifySignature reports whether sig over digest was produced by addr.
func VerifySignature(digest Hash, sig []byte, addr Address) (bool, error) {
	signer, err := RecoverAddress(digest, sig)
	if err != nil {
		return false, err
	}
	return signer == addr, nil
}

// Keccak256Hash matches the digest convention go-ethereum's signing stack
// uses for state-root and transaction-hash derivation.
func Keccak256Hash(data ...[]byte) Hash {
	var h Hash
	copy(h[:], crypto.Keccak256(data...))
	return h
}

// SigningHash returns the transaction's signing digest: SHA-256 over the
// unsigned encoding, matching the canonical tx hash used across the repo.
func (tx *Transaction) SigningHash() Hash {
	cp := *tx
	cp.Sig = nil
	cp.hash = nil
	blob, _ := json.Marshal(cp)
	return sha256.Sum256(blob)
}

// Sign populates tx.Sig with priv's signature over SigningHash, returning
// any signing error.
func (tx *Transaction) Sign(priv *ecdsa.PrivateKey) error {
	digest := tx.SigningHash()
	sig, err := SignHash(priv, digest)
	if err != nil {
		return err
	}
	tx.Sig = sig
	tx.hash = nil
	return nil
}

// VerifyTxSig checks that tx.Sig was produced by tx.From.
func VerifyTxSig(tx *Transaction) (bool, error) {
	if len(tx.Sig) == 0 {
		return false, Errf(ErrInvalidRequest, "missing signature")
	}
	digest := tx.SigningHash()
	return VerifySignature(digest, tx.Sig, tx.From)
}

// SignBroadcast computes the HMAC-SHA256 signature the propagation layer
// attaches to outbound event envelopes (the
// X-Broadcast-Signature header, "sha256=<hex>").
func SignBroadcast(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return fmt.Sprintf("sha256=%x", mac.Sum(nil))
}

// VerifyBroadcast checks a X-Broadcast-Signature header value against the
// payload using constant-time comparison.
func VerifyBroadcast(secret, payload []byte, header string) bool {
	expected := SignBroadcast(secret, payload)
	return hmac.Equal([]byte(expected), []byte(header))
}
