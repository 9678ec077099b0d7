package storage

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/smartvaults/smartvaults-core/event"
	"github.com/smartvaults/smartvaults-core/model"
)

func testVault(id byte) model.Vault {
	var vid model.VaultID
	vid[0] = id
	var sk [32]byte
	sk[0] = id

	return model.Vault{
		ID:         vid,
		SharedKey:  sk,
		Descriptor: "tr(A,pk(B))",
		Network:    event.NetworkRegtest,
	}
}

func TestInsertVaultIfAbsentIdempotent(t *testing.T) {
	s := New()
	v := testVault(1)

	if !s.InsertVaultIfAbsent(v) {
		t.Fatalf("expected first insert to succeed")
	}
	if s.InsertVaultIfAbsent(v) {
		t.Fatalf("expected second insert to be a no-op (P2 idempotent ingest)")
	}

	got, err := s.Vault(v.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Descriptor != v.Descriptor {
		t.Fatalf("vault mismatch")
	}
}

func TestSharedKeyReverseIndex(t *testing.T) {
	s := New()
	v := testVault(2)
	s.InsertVaultIfAbsent(v)

	_, pub := sharedKeyPair(v.SharedKey)
	var authorPub event.PubKey
	copy(authorPub[:], pub.SerializeCompressed())

	key, ok := s.SharedKeyForAuthor(authorPub)
	if !ok {
		t.Fatalf("expected reverse index hit")
	}
	if key != v.SharedKey {
		t.Fatalf("shared key mismatch")
	}

	s.DeleteVault(v.ID)
	if _, ok := s.SharedKeyForAuthor(authorPub); ok {
		t.Fatalf("expected reverse index entry removed after delete")
	}
}

func TestFreezeSoundnessAndRelease(t *testing.T) {
	s := New()
	v := testVault(3)
	s.InsertVaultIfAbsent(v)

	op := wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 0}
	s.FreezeUTXOs(v.ID, []wire.OutPoint{op})

	frozen := s.GetFrozenUTXOs(v.ID)
	if _, ok := frozen[op]; !ok {
		t.Fatalf("expected outpoint frozen")
	}

	s.ReleaseUTXOs(v.ID, []wire.OutPoint{op})
	frozen = s.GetFrozenUTXOs(v.ID)
	if _, ok := frozen[op]; ok {
		t.Fatalf("expected outpoint released (P4)")
	}
}

func TestRebuildFreezeSetFromPendingProposals(t *testing.T) {
	s := New()
	v := testVault(4)
	s.InsertVaultIfAbsent(v)

	op := wire.OutPoint{Hash: chainhash.Hash{0x02}, Index: 1}
	unsignedTx := wire.NewMsgTx(2)
	unsignedTx.AddTxIn(&wire.TxIn{PreviousOutPoint: op})

	var pid model.ProposalID
	pid[0] = 9

	s.InsertProposalIfAbsent(model.Proposal{
		ID:      pid,
		VaultID: v.ID,
		Status:  event.ProposalStatusPending,
		PSBT:    &psbt.Packet{UnsignedTx: unsignedTx},
	})

	s.RebuildFreezeSet()

	frozen := s.GetFrozenUTXOs(v.ID)
	if _, ok := frozen[op]; !ok {
		t.Fatalf("expected rebuilt freeze set to include pending proposal's input")
	}
}

func TestApprovalsByProposalIDStableOrder(t *testing.T) {
	s := New()
	v := testVault(5)
	s.InsertVaultIfAbsent(v)

	var pid model.ProposalID
	pid[0] = 10
	s.InsertProposalIfAbsent(model.Proposal{ID: pid, VaultID: v.ID, Status: event.ProposalStatusPending})

	mk := func(evID byte, ts int64) {
		var id event.EventID
		id[0] = evID
		s.InsertApprovalIfAbsent(id, model.InternalApproval{
			Timestamp: ts,
			Approval: model.Approval{
				ApprovalID: id,
				ProposalID: pid,
				Timestamp:  ts,
			},
		})
	}

	mk(3, 100)
	mk(1, 50)
	mk(2, 50)

	approvals, err := s.ApprovalsByProposalID(pid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(approvals) != 3 {
		t.Fatalf("expected 3 approvals, got %d", len(approvals))
	}
	if approvals[0].ApprovalID[0] != 1 || approvals[1].ApprovalID[0] != 2 {
		t.Fatalf("expected stable (timestamp, id) ordering, got %+v", approvals)
	}
}

func TestApprovalsByProposalIDUnknownProposal(t *testing.T) {
	s := New()
	var pid model.ProposalID
	if _, err := s.ApprovalsByProposalID(pid); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
