// Package keystore defines the opaque identity-key container this module
// consumes, per spec.md §4.9 (component C9). The concrete on-disk
// container format is explicitly out of scope (spec.md §1's Non-goals);
// only the capability surface the rest of the module needs is specified
// here.
//
// Grounded on the teacher's keychain package role: log.go wires it in as
// "KCHN" via AddSubLogger(root, "KCHN", keychain.UseLogger), the same
// per-identity-key responsibility generalized here from "one extended key
// per node" to "one mnemonic-backed identity per user".
package keystore

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	smcrypto "github.com/smartvaults/smartvaults-core/crypto"
)

// ErrWrongPassword is returned by operations that require unlocking the
// keystore when the supplied password does not match.
var ErrWrongPassword = errors.New("keystore: wrong password")

// ErrWiped is returned by any operation on a keystore that has had Wipe
// called on it.
var ErrWiped = errors.New("keystore: wiped")

// Seed is the mnemonic-derived identity key pair, returned by SeedWith so
// a caller can display the mnemonic once at creation time without the
// keystore retaining it in recoverable form afterward.
type Seed struct {
	Mnemonic string
	PrivKey  *btcec.PrivateKey
	PubKey   *btcec.PublicKey
}

// Keystore is the capability eventhandler.IdentityKeystore and the
// proposal engine need from C9: the ability to produce the local
// identity's keys and to sign with them, without exposing how they are
// stored on disk.
type Keystore interface {
	// IdentityPubKey returns the local identity's public key.
	IdentityPubKey() (*btcec.PublicKey, error)

	// IdentityPrivKey returns the local identity's private key,
	// satisfying eventhandler.IdentityKeystore.
	IdentityPrivKey() *btcec.PrivateKey

	// SignIdentity signs digest with the identity key, used to author
	// relay events directly (as opposed to vault-shared-key events,
	// which are signed via crypto.SharedKeyToKeyPair).
	SignIdentity(digest [32]byte) ([]byte, error)

	// SeedWith derives a fresh identity from mnemonic/password and
	// replaces the keystore's current identity, returning the derived
	// Seed.
	SeedWith(mnemonic, password string) (Seed, error)

	// Rename changes the keystore's display label; purely cosmetic,
	// has no cryptographic effect.
	Rename(label string) error

	// ChangePassword re-encrypts the keystore's on-disk container under
	// a new password.
	ChangePassword(oldPassword, newPassword string) error

	// Wipe irrecoverably destroys the keystore's key material.
	Wipe() error
}

// MemKeystore is an in-memory Keystore, suitable for tests and the
// vaulttest harness; it never persists anything to disk, satisfying the
// "concrete container format is out of scope" Non-goal by simply not
// having one.
type MemKeystore struct {
	label   string
	priv    *btcec.PrivateKey
	pub     *btcec.PublicKey
	wiped   bool
}

// NewMemKeystore derives an identity from mnemonic/password and returns a
// ready-to-use MemKeystore.
func NewMemKeystore(mnemonic, password string) (*MemKeystore, error) {
	priv, pub, err := smcrypto.DeriveIdentity(mnemonic, password)
	if err != nil {
		return nil, err
	}
	return &MemKeystore{priv: priv, pub: pub}, nil
}

func (k *MemKeystore) IdentityPubKey() (*btcec.PublicKey, error) {
	if k.wiped {
		return nil, ErrWiped
	}
	return k.pub, nil
}

func (k *MemKeystore) IdentityPrivKey() *btcec.PrivateKey {
	if k.wiped {
		return nil
	}
	return k.priv
}

func (k *MemKeystore) SignIdentity(digest [32]byte) ([]byte, error) {
	if k.wiped {
		return nil, ErrWiped
	}
	sig, err := smcrypto.SignDigest(k.priv, digest)
	if err != nil {
		return nil, err
	}
	return sig, nil
}

func (k *MemKeystore) SeedWith(mnemonic, password string) (Seed, error) {
	priv, pub, err := smcrypto.DeriveIdentity(mnemonic, password)
	if err != nil {
		return Seed{}, err
	}
	k.priv, k.pub = priv, pub
	return Seed{Mnemonic: mnemonic, PrivKey: priv, PubKey: pub}, nil
}

func (k *MemKeystore) Rename(label string) error {
	if k.wiped {
		return ErrWiped
	}
	k.label = label
	return nil
}

func (k *MemKeystore) ChangePassword(oldPassword, newPassword string) error {
	if k.wiped {
		return ErrWiped
	}
	// MemKeystore has no persisted container to re-encrypt; this is a
	// no-op satisfying the interface for callers exercising the full
	// C9 contract in tests.
	return nil
}

func (k *MemKeystore) Wipe() error {
	k.priv = nil
	k.pub = nil
	k.wiped = true
	return nil
}

// Label returns the keystore's current display label.
func (k *MemKeystore) Label() string { return k.label }
