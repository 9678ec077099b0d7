package crypto

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Hard-coded deterministic test keys, following the teacher's
// fundingmanager_test.go convention of fixed byte arrays for Alice/Bob
// rather than freshly generated keys per run.
var (
	alicePrivBytes = [32]byte{
		0xb7, 0x94, 0x38, 0x5f, 0x2d, 0x1e, 0xf7, 0xab,
		0x4d, 0x92, 0x73, 0xd1, 0x90, 0x63, 0x81, 0xb4,
		0x4f, 0x2f, 0x6f, 0x25, 0x88, 0xa3, 0xef, 0xb9,
		0x6a, 0x49, 0x18, 0x83, 0x31, 0x98, 0x47, 0x53,
	}
	bobPrivBytes = [32]byte{
		0x81, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
		0x63, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
		0xd, 0xe7, 0x95, 0xe4, 0xb7, 0x25, 0xb8, 0x4d,
		0x1e, 0xb, 0x4c, 0xfd, 0x9e, 0xc5, 0x8c, 0xe9,
	}
)

func keyPair(b [32]byte) (*btcec.PrivateKey, *btcec.PublicKey) {
	return btcec.PrivKeyFromBytes(b[:])
}

func TestSymmetricRoundTrip(t *testing.T) {
	var key [32]byte
	copy(key[:], alicePrivBytes[:])

	plaintext := []byte("vault descriptor payload")

	ciphertext, err := EncryptSymmetric(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := DecryptSymmetric(key, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %x want %x", got, plaintext)
	}
}

func TestSymmetricWrongKeyFails(t *testing.T) {
	var key, wrongKey [32]byte
	copy(key[:], alicePrivBytes[:])
	copy(wrongKey[:], bobPrivBytes[:])

	ciphertext, err := EncryptSymmetric(key, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := DecryptSymmetric(wrongKey, ciphertext); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestAsymmetricRoundTrip(t *testing.T) {
	alicePriv, alicePub := keyPair(alicePrivBytes)
	bobPriv, bobPub := keyPair(bobPrivBytes)

	plaintext := []byte("shared key distribution")

	ciphertext, err := EncryptAsymmetric(alicePriv, bobPub, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := DecryptAsymmetric(bobPriv, alicePub, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %x want %x", got, plaintext)
	}
}

func TestSharedKeyToKeyPairDeterministic(t *testing.T) {
	var sk [32]byte
	copy(sk[:], alicePrivBytes[:])

	priv1, pub1 := SharedKeyToKeyPair(sk)
	priv2, pub2 := SharedKeyToKeyPair(sk)

	if !priv1.Key.Equals(&priv2.Key) {
		t.Fatalf("expected deterministic private key derivation")
	}
	if !pub1.IsEqual(pub2) {
		t.Fatalf("expected deterministic public key derivation")
	}
}

func TestDeriveIdentityRejectsBadMnemonic(t *testing.T) {
	_, _, err := DeriveIdentity("not a valid mnemonic", "")
	if err == nil {
		t.Fatalf("expected error for invalid mnemonic")
	}
}
