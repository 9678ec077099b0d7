package event

import (
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	smcrypto "github.com/smartvaults/smartvaults-core/crypto"
)

// Encoder is implemented by every typed payload in this package.
type Encoder interface {
	Encode() ([]byte, error)
}

// BuildSymmetric encrypts payload under sharedKey, signs with the vault's
// derived shared keypair (per crypto.SharedKeyToKeyPair), and returns a
// ready-to-publish Event. Used for VaultMetadata, Proposal and Approval
// events per spec.md §4.2's kind table.
func BuildSymmetric(kind Kind, payload Encoder, sharedKey [32]byte, tags Tags, createdAt int64) (*Event, error) {
	plaintext, err := payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("event: encode payload: %w", err)
	}

	ciphertext, err := smcrypto.EncryptSymmetric(sharedKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("event: encrypt payload: %w", err)
	}

	priv, pub := smcrypto.SharedKeyToKeyPair(sharedKey)
	return finish(kind, string(ciphertext), tags, createdAt, priv, pub)
}

// BuildAsymmetric encrypts payload from authorPriv to recipientPub and
// signs as authorPriv. Used for Vault distribution, Signer self-encryption
// and SharedSigner announcements.
func BuildAsymmetric(kind Kind, payload Encoder, authorPriv *btcec.PrivateKey, recipientPub *btcec.PublicKey, tags Tags, createdAt int64) (*Event, error) {
	plaintext, err := payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("event: encode payload: %w", err)
	}

	ciphertext, err := smcrypto.EncryptAsymmetric(authorPriv, recipientPub, plaintext)
	if err != nil {
		return nil, fmt.Errorf("event: encrypt payload: %w", err)
	}

	return finish(kind, string(ciphertext), tags, createdAt, authorPriv, authorPriv.PubKey())
}

// BuildDeletion constructs an EventDeletion tombstone for targetID, authored
// by authorPriv (spec.md §4.2, §6 deletion tag conventions).
func BuildDeletion(authorPriv *btcec.PrivateKey, targetID EventID, createdAt int64) (*Event, error) {
	tags := Tags{{"e", hexEncode(targetID[:])}}
	return finish(KindEventDeletion, "", tags, createdAt, authorPriv, authorPriv.PubKey())
}

// finish fills in the author/signature/id fields common to every event and
// signs the computed id with a BIP-340 Schnorr signature, matching the
// compact-signature idiom used throughout the teacher's signer.go.
func finish(kind Kind, content string, tags Tags, createdAt int64, signer *btcec.PrivateKey, pub *btcec.PublicKey) (*Event, error) {
	ev := &Event{
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	copy(ev.PubKey[:], pub.SerializeCompressed())

	id, err := ev.ComputeID()
	if err != nil {
		return nil, err
	}
	ev.ID = id

	sig, err := schnorr.Sign(signer, id[:])
	if err != nil {
		return nil, fmt.Errorf("event: sign: %w", err)
	}
	copy(ev.Sig[:], sig.Serialize())

	return ev, nil
}

// ExpirationTag builds an "expiration" tag carrying a unix timestamp, per
// spec.md §6's Approval tag conventions.
func ExpirationTag(unixTS int64) []string {
	return []string{"expiration", strconv.FormatInt(unixTS, 10)}
}

// SharedKeyPubTag builds a "p" tag carrying a vault's shared-key pubkey.
func SharedKeyPubTag(pub *btcec.PublicKey) []string {
	return []string{"p", hexEncode(pub.SerializeCompressed())}
}

// ProposalRefTag builds an "e" tag referencing a proposal id.
func ProposalRefTag(id [32]byte) []string {
	return []string{"e", hexEncode(id[:])}
}

// NostrIdentifierTag builds a "d" tag carrying a SharedSigner's public
// identifier.
func NostrIdentifierTag(id string) []string {
	return []string{"d", id}
}
