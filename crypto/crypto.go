// Package crypto provides the symmetric and asymmetric primitives used to
// encrypt every relay event payload, and the mnemonic-to-identity-key
// derivation used at keystore creation time.
//
// Generalized from the tweak/derive helpers in lnwallet/dcrwallet/signer.go:
// where the teacher derives one signing key per wallet input, this package
// derives one identity key per participant and one shared keypair per vault.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"io"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt is returned whenever a ciphertext fails authentication, either
// because it was tampered with or because the wrong key was used. Per
// spec.md §4.1, this is never fatal to the caller: a failed decrypt means
// "this event isn't for me" or "this event was corrupted", not a crash.
var ErrDecrypt = errors.New("crypto: decryption failed")

// seedDomain separates the identity-key derivation from any other use of
// the BIP-39 seed, so the same mnemonic can in principle feed multiple
// derivation paths without key reuse across them.
const seedDomain = "Smart Vaults identity key"

// EncryptSymmetric seals plaintext under key using XChaCha20-Poly1305. The
// returned ciphertext is nonce || sealed-box, so it carries everything
// DecryptSymmetric needs.
func EncryptSymmetric(key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptSymmetric opens a ciphertext produced by EncryptSymmetric. It
// returns ErrDecrypt, never the underlying AEAD error, so callers can
// uniformly treat any failure here as "skip this event".
func DecryptSymmetric(key [32]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, ErrDecrypt
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecrypt
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}

// EncryptAsymmetric encrypts plaintext from senderPriv to recipientPub. The
// shared secret is derived via ECDH over secp256k1 and fed through HKDF to
// produce a one-time symmetric key, then sealed the same way as
// EncryptSymmetric. Used for Vault distribution (Vault events, asymmetric
// Signer self-encryption) and for SharedSigner announcements.
func EncryptAsymmetric(senderPriv *btcec.PrivateKey, recipientPub *btcec.PublicKey, plaintext []byte) ([]byte, error) {
	key, err := ecdhSymKey(senderPriv, recipientPub)
	if err != nil {
		return nil, err
	}
	return EncryptSymmetric(key, plaintext)
}

// DecryptAsymmetric is the inverse of EncryptAsymmetric: the recipient uses
// their own private key and the sender's public key to rederive the same
// shared symmetric key.
func DecryptAsymmetric(recipientPriv *btcec.PrivateKey, senderPub *btcec.PublicKey, ciphertext []byte) ([]byte, error) {
	key, err := ecdhSymKey(recipientPriv, senderPub)
	if err != nil {
		return nil, ErrDecrypt
	}
	return DecryptSymmetric(key, ciphertext)
}

// ecdhSymKey derives a 32-byte symmetric key shared between a private key
// and a counterparty's public key via scalar multiplication, with HKDF-SHA256
// as the extractor/expander so the raw ECDH x-coordinate is never used
// directly as key material.
func ecdhSymKey(priv *btcec.PrivateKey, pub *btcec.PublicKey) ([32]byte, error) {
	var out [32]byte

	var point btcec.JacobianPoint
	pub.AsJacobian(&point)
	btcec.ScalarMultNonConst(&priv.Key, &point, &point)
	point.ToAffine()

	kdf := hkdf.New(sha256.New, point.X.Bytes(), nil, []byte("smartvaults-ecdh"))
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		return out, err
	}

	return out, nil
}

// DeriveIdentity deterministically derives the participant's identity
// keypair from a BIP-39 mnemonic and optional passphrase.
func DeriveIdentity(mnemonic, passphrase string) (*btcec.PrivateKey, *btcec.PublicKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, nil, errors.New("crypto: invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)

	mac := hmac.New(sha512.New, []byte(seedDomain))
	mac.Write(seed)
	digest := mac.Sum(nil)

	priv, pub := btcec.PrivKeyFromBytes(reduceModN(digest[:32]))
	return priv, pub, nil
}

// SharedKeyToKeyPair turns a vault's 32-byte shared symmetric secret into a
// deterministic secp256k1 keypair. This is the "shared-key indirection"
// mechanism from spec.md §9: every vault-scoped event (VaultMetadata,
// Proposal, ...) is authored by the public half of this keypair, so any
// participant who knows the shared key can recognize and decrypt events for
// that vault via the author_pub -> shared_key reverse index.
func SharedKeyToKeyPair(sharedKey [32]byte) (*btcec.PrivateKey, *btcec.PublicKey) {
	return btcec.PrivKeyFromBytes(reduceModN(sharedKey[:]))
}

// SignDigest produces a BIP-340 Schnorr signature over digest using priv,
// the same scheme event.Event signatures use, so an identity key can sign
// arbitrary application data (not just event envelopes) with the one
// signature format this module deals in.
func SignDigest(priv *btcec.PrivateKey, digest [32]byte) ([]byte, error) {
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return nil, err
	}
	return sig.Serialize(), nil
}

// reduceModN reduces an arbitrary 32-byte string into the secp256k1 scalar
// field so it can be used as a private key, substituting 1 in the
// (astronomically unlikely) case of a zero result.
func reduceModN(b []byte) []byte {
	n := btcec.S256().N
	i := new(big.Int).SetBytes(b)
	i.Mod(i, n)
	if i.Sign() == 0 {
		i.SetInt64(1)
	}

	out := make([]byte, 32)
	i.FillBytes(out)
	return out
}
