package proposal

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	smcrypto "github.com/smartvaults/smartvaults-core/crypto"
	"github.com/smartvaults/smartvaults-core/event"
	"github.com/smartvaults/smartvaults-core/keystore"
	"github.com/smartvaults/smartvaults-core/lnwallet"
	"github.com/smartvaults/smartvaults-core/miniscript"
	"github.com/smartvaults/smartvaults-core/model"
	"github.com/smartvaults/smartvaults-core/storage"
	"github.com/smartvaults/smartvaults-core/walletmgr"
)

// fakeChain is a minimal lnwallet.ChainSource, grounded on the one defined
// in walletmgr/manager_test.go and lnwallet/wallet_test.go.
type fakeChain struct {
	utxos []lnwallet.Utxo
}

func (f *fakeChain) BlockHeight() (uint32, error) { return 100, nil }
func (f *fakeChain) EstimateFeeRates(p []lnwallet.Priority) (map[lnwallet.Priority]lnwallet.FeeRate, error) {
	return map[lnwallet.Priority]lnwallet.FeeRate{lnwallet.PriorityMedium: 5}, nil
}
func (f *fakeChain) Scan(descriptors []string, stopGap, batchSize int, checkpoints []chainhash.Hash) (*lnwallet.ScanUpdate, error) {
	return &lnwallet.ScanUpdate{UTXOs: f.utxos, TipHeight: 100}, nil
}
func (f *fakeChain) Broadcast(tx *wire.MsgTx) error { return nil }

// fakePublisher records every event it is asked to publish and always
// succeeds, mirroring relay.RelayBus/wsrelay.Bus's Publish signature
// without any network dependency.
type fakePublisher struct {
	published []*event.Event
}

func (f *fakePublisher) Publish(ctx context.Context, ev *event.Event) (event.EventID, error) {
	f.published = append(f.published, ev)
	return ev.ID, nil
}

type fakeKeystore struct {
	priv *btcec.PrivateKey
}

func (f fakeKeystore) IdentityPubKey() (*btcec.PublicKey, error) { return f.priv.PubKey(), nil }
func (f fakeKeystore) IdentityPrivKey() *btcec.PrivateKey        { return f.priv }
func (f fakeKeystore) SignIdentity(digest [32]byte) ([]byte, error) {
	return smcrypto.SignDigest(f.priv, digest)
}
func (f fakeKeystore) SeedWith(mnemonic, password string) (keystore.Seed, error) {
	return keystore.Seed{}, nil
}
func (f fakeKeystore) Rename(label string) error                    { return nil }
func (f fakeKeystore) ChangePassword(oldPassword, newPassword string) error { return nil }
func (f fakeKeystore) Wipe() error                                  { return nil }

var _ keystore.Keystore = fakeKeystore{}

func testPriv(b byte) *btcec.PrivateKey {
	var buf [32]byte
	buf[0] = b
	buf[31] = 1
	priv, _ := btcec.PrivKeyFromBytes(buf[:])
	return priv
}

func testKeyHex(pub *btcec.PublicKey) string {
	return hexEncode(pub.SerializeCompressed())
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xf]
	}
	return string(out)
}

// setupVault creates a 2-of-2 multisig vault using privA/privB, loads its
// wallet against a chain source seeded with one funded, unspent UTXO worth
// amount satoshis, and returns everything an Engine needs.
func setupVault(t *testing.T, privA, privB *btcec.PrivateKey, amount int64) (*storage.Store, *walletmgr.Manager, model.Vault) {
	t.Helper()

	descriptor := "wsh(multi(2," + testKeyHex(privA.PubKey()) + "," + testKeyHex(privB.PubKey()) + "))"

	policy, err := miniscript.Compile(descriptor)
	if err != nil {
		t.Fatalf("compile descriptor: %v", err)
	}
	script, err := lnwallet.OutputScript(policy, descriptor)
	if err != nil {
		t.Fatalf("output script: %v", err)
	}

	store := storage.New()
	var vault model.Vault
	vault.ID[0] = 1
	vault.Descriptor = descriptor
	vault.Network = event.NetworkRegtest
	vault.SharedKey[0] = 0xAA
	store.InsertVaultIfAbsent(vault)

	op := wire.OutPoint{Hash: chainhash.Hash{0x02}, Index: 0}
	chain := &fakeChain{utxos: []lnwallet.Utxo{{
		OutPoint:      op,
		Value:         btcutil.Amount(amount),
		PkScript:      script,
		Confirmations: 6,
	}}}

	wallets := walletmgr.New(&chaincfg.RegressionNetParams, nil)
	w, err := wallets.LoadPolicy(vault, chain)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if err := w.FullSync(context.Background()); err != nil {
		t.Fatalf("full sync: %v", err)
	}

	return store, wallets, vault
}

func newEngine(store *storage.Store, wallets *walletmgr.Manager, ks *fakeKeystore, pub *fakePublisher, chain lnwallet.ChainSource) *Engine {
	return New(store, wallets, ks, pub, chain, &chaincfg.RegressionNetParams)
}

// TestSpendFreezesSelectedUTXOs exercises spec.md §4.7's freeze-on-create
// invariant: once Spend returns a Pending proposal, its input outpoint must
// be present in frozen_utxos for the vault.
func TestSpendFreezesSelectedUTXOs(t *testing.T) {
	privA, privB := testPriv(1), testPriv(2)
	store, wallets, vault := setupVault(t, privA, privB, 100000)

	ks := &fakeKeystore{priv: privA}
	pub := &fakePublisher{}
	e := newEngine(store, wallets, ks, pub, &fakeChain{})

	dest := event.Destination{Address: regtestAddress(t), Amount: 10000}
	p, err := e.Spend(context.Background(), vault.ID, dest, "test spend", lnwallet.FeeRate(5), nil, nil, false)
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if p.Status != event.ProposalStatusPending {
		t.Fatalf("expected Pending status, got %v", p.Status)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected one published event, got %d", len(pub.published))
	}

	frozen := store.GetFrozenUTXOs(vault.ID)
	for _, op := range p.InputOutpoints() {
		if _, ok := frozen[op]; !ok {
			t.Fatalf("expected input %v to be frozen after spend", op)
		}
	}

	stored, err := store.Proposal(p.ID)
	if err != nil {
		t.Fatalf("lookup proposal: %v", err)
	}
	if !stored.IsPending() {
		t.Fatalf("expected stored proposal to be pending")
	}
}

// TestFinalizeFailsWithoutApprovals checks that Finalize refuses to combine
// a proposal that has collected zero live approvals.
func TestFinalizeFailsWithoutApprovals(t *testing.T) {
	privA, privB := testPriv(1), testPriv(2)
	store, wallets, vault := setupVault(t, privA, privB, 100000)

	ks := &fakeKeystore{priv: privA}
	pub := &fakePublisher{}
	e := newEngine(store, wallets, ks, pub, &fakeChain{})

	dest := event.Destination{Address: regtestAddress(t), Amount: 10000}
	p, err := e.Spend(context.Background(), vault.ID, dest, "test spend", lnwallet.FeeRate(5), nil, nil, false)
	if err != nil {
		t.Fatalf("spend: %v", err)
	}

	if _, err := e.Finalize(context.Background(), p.ID); err == nil {
		t.Fatalf("expected finalize to fail with no approvals")
	}
}

// TestApproveTwiceThenFinalizeBroadcasts walks the full lifecycle: both
// cosigners approve, Finalize combines their signatures into a broadcast
// transaction and releases the frozen inputs.
func TestApproveTwiceThenFinalizeBroadcasts(t *testing.T) {
	privA, privB := testPriv(1), testPriv(2)
	store, wallets, vault := setupVault(t, privA, privB, 100000)

	pub := &fakePublisher{}
	chain := &fakeChain{}
	eA := newEngine(store, wallets, &fakeKeystore{priv: privA}, pub, chain)
	eB := newEngine(store, wallets, &fakeKeystore{priv: privB}, pub, chain)

	dest := event.Destination{Address: regtestAddress(t), Amount: 10000}
	p, err := eA.Spend(context.Background(), vault.ID, dest, "test spend", lnwallet.FeeRate(5), nil, nil, false)
	if err != nil {
		t.Fatalf("spend: %v", err)
	}

	if _, err := eA.Approve(context.Background(), p.ID, "", 0); err != nil {
		t.Fatalf("approve a: %v", err)
	}
	if _, err := eB.Approve(context.Background(), p.ID, "", 0); err != nil {
		t.Fatalf("approve b: %v", err)
	}

	completed, err := eA.Finalize(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if completed.Status != event.ProposalStatusCompleted {
		t.Fatalf("expected Completed status, got %v", completed.Status)
	}
	if completed.ExtractedTx == nil {
		t.Fatalf("expected an extracted transaction after finalize")
	}

	frozen := store.GetFrozenUTXOs(vault.ID)
	for _, op := range completed.InputOutpoints() {
		if _, ok := frozen[op]; ok {
			t.Fatalf("expected input %v to be released after finalize", op)
		}
	}
}

// TestRevokeApprovalRejectsNonAuthor checks that an identity which did not
// author an approval cannot revoke it.
func TestRevokeApprovalRejectsNonAuthor(t *testing.T) {
	privA, privB := testPriv(1), testPriv(2)
	store, wallets, vault := setupVault(t, privA, privB, 100000)

	pub := &fakePublisher{}
	chain := &fakeChain{}
	eA := newEngine(store, wallets, &fakeKeystore{priv: privA}, pub, chain)
	eB := newEngine(store, wallets, &fakeKeystore{priv: privB}, pub, chain)

	dest := event.Destination{Address: regtestAddress(t), Amount: 10000}
	p, err := eA.Spend(context.Background(), vault.ID, dest, "test spend", lnwallet.FeeRate(5), nil, nil, false)
	if err != nil {
		t.Fatalf("spend: %v", err)
	}

	approval, err := eA.Approve(context.Background(), p.ID, "", 0)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	if err := eB.RevokeApproval(context.Background(), approval.ApprovalID); err == nil {
		t.Fatalf("expected non-author revoke to fail")
	}
	if err := eA.RevokeApproval(context.Background(), approval.ApprovalID); err != nil {
		t.Fatalf("expected author revoke to succeed: %v", err)
	}
}

func regtestAddress(t *testing.T) string {
	t.Helper()
	priv := testPriv(9)
	pkHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("derive test address: %v", err)
	}
	return addr.EncodeAddress()
}
