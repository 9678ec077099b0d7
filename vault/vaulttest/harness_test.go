package vaulttest

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/smartvaults/smartvaults-core/event"
	"github.com/smartvaults/smartvaults-core/lnwallet"
)

func testAddress(t *testing.T) string {
	t.Helper()
	var buf [32]byte
	buf[0] = 0x42
	buf[31] = 1
	priv, err := btcec.PrivKeyFromBytes(buf[:])
	if err != nil {
		t.Fatalf("derive test key: %v", err)
	}
	pkHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("derive test address: %v", err)
	}
	return addr.EncodeAddress()
}

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestCreateVaultDistributesToEveryMember checks that both the founder
// and a cosigner end up with the same vault id after CreateVault, the
// founder and the cosigner both through CreateVault, which ingests the
// vault event into every member's store directly.
func TestCreateVaultDistributesToEveryMember(t *testing.T) {
	h := NewHarness(&chaincfg.RegressionNetParams)
	defer h.TearDownAll()

	alice, err := h.NewParticipant("alice")
	if err != nil {
		t.Fatalf("new participant alice: %v", err)
	}
	bob, err := h.NewParticipant("bob")
	if err != nil {
		t.Fatalf("new participant bob: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Start(ctx, alice); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	if err := h.Start(ctx, bob); err != nil {
		t.Fatalf("start bob: %v", err)
	}

	vaultID, err := h.CreateVault(alice, []*Participant{alice, bob}, 2, 1)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}

	aliceVault, err := alice.Store.Vault(vaultID)
	if err != nil {
		t.Fatalf("alice missing vault: %v", err)
	}

	pollUntil(t, 2*time.Second, func() bool {
		bobVault, err := bob.Store.Vault(vaultID)
		return err == nil && bobVault.Descriptor == aliceVault.Descriptor
	})
}

// TestFundAndSpendAcrossParticipants drives a full two-of-two vault
// lifecycle across two participants sharing the harness's in-memory relay
// and chain: vault distribution, funding, a spend proposal, both
// approvals, and a broadcast finalize. Vault distribution and wallet
// loading are direct harness calls rather than relay traffic.
func TestFundAndSpendAcrossParticipants(t *testing.T) {
	h := NewHarness(&chaincfg.RegressionNetParams)
	defer h.TearDownAll()

	alice, err := h.NewParticipant("alice")
	if err != nil {
		t.Fatalf("new participant alice: %v", err)
	}
	bob, err := h.NewParticipant("bob")
	if err != nil {
		t.Fatalf("new participant bob: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Start(ctx, alice); err != nil {
		t.Fatalf("start alice: %v", err)
	}
	if err := h.Start(ctx, bob); err != nil {
		t.Fatalf("start bob: %v", err)
	}

	vaultID, err := h.CreateVault(alice, []*Participant{alice, bob}, 2, 1)
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}

	pollUntil(t, 2*time.Second, func() bool {
		_, err := bob.Store.Vault(vaultID)
		return err == nil
	})

	vault, err := alice.Store.Vault(vaultID)
	if err != nil {
		t.Fatalf("alice vault: %v", err)
	}

	if _, err := h.Fund(vault.Descriptor, 100000); err != nil {
		t.Fatalf("fund: %v", err)
	}

	aliceWallet, err := h.LoadWallet(alice, vaultID)
	if err != nil {
		t.Fatalf("alice load wallet: %v", err)
	}
	if err := aliceWallet.FullSync(ctx); err != nil {
		t.Fatalf("alice full sync: %v", err)
	}

	pollUntil(t, 2*time.Second, func() bool {
		if _, err := bob.Store.Vault(vaultID); err != nil {
			return false
		}
		if _, loaded := bob.Wallets.Wallet(vaultID); loaded {
			return true
		}
		w, err := h.LoadWallet(bob, vaultID)
		if err != nil {
			return false
		}
		return w.FullSync(ctx) == nil
	})

	dest := event.Destination{Address: testAddress(t), Amount: 10000}
	p, err := alice.Engine.Spend(ctx, vaultID, dest, "vaulttest spend", lnwallet.FeeRate(5), nil, nil, false)
	if err != nil {
		t.Fatalf("spend: %v", err)
	}

	pollUntil(t, 2*time.Second, func() bool {
		_, err := bob.Store.Proposal(p.ID)
		return err == nil
	})

	if _, err := alice.Engine.Approve(ctx, p.ID, "", 0); err != nil {
		t.Fatalf("alice approve: %v", err)
	}
	if _, err := bob.Engine.Approve(ctx, p.ID, "", 0); err != nil {
		t.Fatalf("bob approve: %v", err)
	}

	pollUntil(t, 2*time.Second, func() bool {
		approvals, err := alice.Store.ApprovalsByProposalID(p.ID)
		return err == nil && len(approvals) == 2
	})

	completed, err := alice.Engine.Finalize(ctx, p.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if completed.Status != event.ProposalStatusCompleted {
		t.Fatalf("expected Completed status, got %v", completed.Status)
	}
	if len(h.Chain.Broadcasted()) != 1 {
		t.Fatalf("expected one broadcast transaction, got %d", len(h.Chain.Broadcasted()))
	}
}
