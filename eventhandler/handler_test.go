package eventhandler

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	smcrypto "github.com/smartvaults/smartvaults-core/crypto"
	"github.com/smartvaults/smartvaults-core/event"
	"github.com/smartvaults/smartvaults-core/storage"
)

type fakeKeystore struct {
	priv *btcec.PrivateKey
}

func (f fakeKeystore) IdentityPrivKey() *btcec.PrivateKey { return f.priv }

func newTestIdentity(b byte) (*btcec.PrivateKey, *btcec.PublicKey) {
	var buf [32]byte
	buf[0] = b
	buf[31] = 1
	return btcec.PrivKeyFromBytes(buf[:])
}

// TestVaultThenApprovalOutOfOrder exercises scenario 2 from spec.md §8: an
// Approval event delivered before its Proposal is accepted by Handle, and
// ApprovalsByProposalID reports ErrNotFound while the Proposal is unknown.
func TestVaultThenApprovalOutOfOrder(t *testing.T) {
	founderPriv, _ := newTestIdentity(1)
	bobPriv, bobPub := newTestIdentity(2)

	store := storage.New()

	var sharedKey [32]byte
	sharedKey[0] = 0xAA

	vaultPayload := &event.VaultPayload{
		SharedKey:  sharedKey,
		Descriptor: "tr(A,pk(B))",
		Network:    event.NetworkRegtest,
	}
	vaultEv, err := event.BuildAsymmetric(event.KindVault, vaultPayload, founderPriv, bobPub, nil, 1000)
	if err != nil {
		t.Fatalf("build vault event: %v", err)
	}

	bobKs := fakeKeystore{priv: bobPriv}

	n, err := Handle(store, bobKs, vaultEv)
	if err != nil {
		t.Fatalf("handle vault: %v", err)
	}
	if n == nil || n.Kind != NotificationVaultIngested {
		t.Fatalf("expected vault ingested notification, got %+v", n)
	}

	sharedPriv, sharedPub := smcrypto.SharedKeyToKeyPair(sharedKey)

	var vaultID [32]byte
	vaultID = vaultIDFromPayload(vaultPayload)

	var proposalID [32]byte
	proposalID[0] = 0x77

	approvalPayload := &event.ApprovalPayload{
		VaultID:    vaultID,
		ProposalID: proposalID,
		ExpiresAt:  0,
	}
	tags := event.Tags{event.SharedKeyPubTag(sharedPub), event.ProposalRefTag(proposalID)}
	approvalEv, err := event.BuildSymmetric(event.KindApproval, approvalPayload, sharedKey, tags, 1001)
	if err != nil {
		t.Fatalf("build approval event: %v", err)
	}

	n, err = Handle(store, bobKs, approvalEv)
	if err != nil {
		t.Fatalf("handle approval: %v", err)
	}
	if n == nil || n.Kind != NotificationApprovalIngested {
		t.Fatalf("expected approval ingested notification, got %+v", n)
	}

	// The proposal does not exist yet: ApprovalsByProposalID must fail
	// NotFound until the Proposal event arrives, per spec.md §4.3.
	if _, err := store.ApprovalsByProposalID(proposalID); err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound before proposal ingest, got %v", err)
	}

	_ = sharedPriv
}

func vaultIDFromPayload(p *event.VaultPayload) [32]byte {
	return vaultID(p.Descriptor, p.SharedKey)
}

func TestReplayIsNoOp(t *testing.T) {
	founderPriv, founderPub := newTestIdentity(3)

	store := storage.New()
	var sharedKey [32]byte
	sharedKey[0] = 0xBB

	payload := &event.VaultPayload{SharedKey: sharedKey, Descriptor: "wsh(multi(2,A,B))", Network: event.NetworkSignet}
	ev, err := event.BuildAsymmetric(event.KindVault, payload, founderPriv, founderPub, nil, 5000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	ks := fakeKeystore{priv: founderPriv}

	first, err := Handle(store, ks, ev)
	if err != nil || first == nil {
		t.Fatalf("expected first ingest to succeed: %+v %v", first, err)
	}

	second, err := Handle(store, ks, ev)
	if err != nil {
		t.Fatalf("unexpected error on replay: %v", err)
	}
	if second != nil {
		t.Fatalf("expected replay to be a no-op (P2), got %+v", second)
	}
}
