package syncloop

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	smcrypto "github.com/smartvaults/smartvaults-core/crypto"
	"github.com/smartvaults/smartvaults-core/event"
	"github.com/smartvaults/smartvaults-core/keystore"
	"github.com/smartvaults/smartvaults-core/lnwallet"
	"github.com/smartvaults/smartvaults-core/relay"
	"github.com/smartvaults/smartvaults-core/storage"
	"github.com/smartvaults/smartvaults-core/walletmgr"
)

// fakeBus is a minimal in-memory relay.RelayBus: AddRelay always succeeds,
// Subscribe hands back a channel the test can feed directly.
type fakeBus struct {
	mu     sync.Mutex
	relays []string
	subs   []chan relay.StreamItem
}

func (b *fakeBus) Publish(ctx context.Context, ev *event.Event) (event.EventID, error) {
	return ev.ID, nil
}

func (b *fakeBus) Subscribe(ctx context.Context, filter relay.Filter) (<-chan relay.StreamItem, error) {
	ch := make(chan relay.StreamItem, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch, nil
}

func (b *fakeBus) AddRelay(ctx context.Context, url string, proxy string) error {
	b.mu.Lock()
	b.relays = append(b.relays, url)
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) RemoveRelay(url string) error { return nil }

func (b *fakeBus) Reconcile(ctx context.Context, filter relay.Filter) error {
	return relay.ErrReconcileUnsupported
}

func (b *fakeBus) Relays() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.relays))
	copy(out, b.relays)
	return out
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
func (f fakeKeystore) Rename(label string) error                            { return nil }
func (f fakeKeystore) ChangePassword(oldPassword, newPassword string) error { return nil }
func (f fakeKeystore) Wipe() error                                          { return nil }

var _ keystore.Keystore = fakeKeystore{}

type fakeChain struct{}

func (f *fakeChain) BlockHeight() (uint32, error) { return 100, nil }
func (f *fakeChain) EstimateFeeRates(p []lnwallet.Priority) (map[lnwallet.Priority]lnwallet.FeeRate, error) {
	return map[lnwallet.Priority]lnwallet.FeeRate{lnwallet.PriorityMedium: 5}, nil
}
func (f *fakeChain) Scan(descriptors []string, stopGap, batchSize int, checkpoints []chainhash.Hash) (*lnwallet.ScanUpdate, error) {
	return &lnwallet.ScanUpdate{TipHeight: 100}, nil
}
func (f *fakeChain) Broadcast(tx *wire.MsgTx) error { return nil }

func testPriv(b byte) *btcec.PrivateKey {
	var buf [32]byte
	buf[0] = b
	buf[31] = 1
	priv, _ := btcec.PrivKeyFromBytes(buf[:])
	return priv
}

// TestStartSubscribesEveryPersistedRelay checks that Start connects to
// and opens both filters against every relay in the persisted list.
func TestStartSubscribesEveryPersistedRelay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relays.db")
	relayStore, err := OpenRelayStore(path)
	if err != nil {
		t.Fatalf("open relay store: %v", err)
	}
	defer relayStore.Close()
	if err := relayStore.SaveRelays([]string{"wss://relay.one"}); err != nil {
		t.Fatalf("save relays: %v", err)
	}

	store := storage.New()
	wallets := walletmgr.New(&chaincfg.RegressionNetParams, nil)
	ks := fakeKeystore{priv: testPriv(1)}
	bus := &fakeBus{}

	loop := New(bus, store, wallets, ks, relayStore, &fakeChain{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := loop.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer loop.Stop()

	deadline := time.Now().Add(time.Second)
	for len(bus.Relays()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := bus.Relays(); len(got) != 1 || got[0] != "wss://relay.one" {
		t.Fatalf("expected one connected relay, got %v", got)
	}

	deadline = time.Now().Add(time.Second)
	nsubs := 0
	for time.Now().Before(deadline) {
		bus.mu.Lock()
		nsubs = len(bus.subs)
		bus.mu.Unlock()
		if nsubs >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if nsubs != 2 {
		t.Fatalf("expected 2 subscriptions (identity + vault filters), got %d", nsubs)
	}
}

// TestDispatchDropsExpiredEvents checks that an already-expired event
// delivered on a subscription never reaches eventhandler.Handle (no
// notification is ever emitted for it).
func TestDispatchDropsExpiredEvents(t *testing.T) {
	store := storage.New()
	wallets := walletmgr.New(&chaincfg.RegressionNetParams, nil)
	ks := fakeKeystore{priv: testPriv(1)}
	bus := &fakeBus{}
	relayStore, err := OpenRelayStore(filepath.Join(t.TempDir(), "relays.db"))
	if err != nil {
		t.Fatalf("open relay store: %v", err)
	}
	defer relayStore.Close()

	loop := New(bus, store, wallets, ks, relayStore, &fakeChain{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	founderPriv, founderPub := testPriv(2), testPriv(2).PubKey()
	vaultPayload := &event.VaultPayload{Descriptor: "tr(A)", Network: event.NetworkRegtest}
	ev, err := event.BuildAsymmetric(event.KindVault, vaultPayload, founderPriv, founderPub, nil, 1)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	expired := ev
	expired.Tags = append(expired.Tags, event.ExpirationTag(2))

	loop.handleEvent(ctx, expired)

	select {
	case n := <-loop.Notifications():
		t.Fatalf("expected no notification for an expired event, got %+v", n)
	default:
	}
}
