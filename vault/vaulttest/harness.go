package vaulttest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/tyler-smith/go-bip39"

	"github.com/smartvaults/smartvaults-core/event"
	"github.com/smartvaults/smartvaults-core/eventhandler"
	"github.com/smartvaults/smartvaults-core/keystore"
	"github.com/smartvaults/smartvaults-core/lnwallet"
	"github.com/smartvaults/smartvaults-core/miniscript"
	"github.com/smartvaults/smartvaults-core/model"
	"github.com/smartvaults/smartvaults-core/proposal"
	"github.com/smartvaults/smartvaults-core/storage"
	"github.com/smartvaults/smartvaults-core/syncloop"
	"github.com/smartvaults/smartvaults-core/walletmgr"
)

// relayURL is the single logical relay every Participant's Bus connects
// to; since Harness's broker is shared in-process, one name is enough to
// stand in for a real relay's URL.
const relayURL = "vaulttest://relay"

// Participant is one named identity in a Harness: its own keystore,
// storage, wallet manager, proposal engine and sync loop, the same
// per-node collaborator set HarnessNode bundled for a single lnd
// instance.
type Participant struct {
	Name       string
	Keys       *keystore.MemKeystore
	Store      *storage.Store
	Wallets    *walletmgr.Manager
	Engine     *proposal.Engine
	Bus        *MemoryBus
	RelayStore *syncloop.RelayStore
	Loop       *syncloop.Loop

	dir string
}

// IdentityPubKey returns the participant's identity public key.
func (p *Participant) IdentityPubKey() *btcec.PublicKey {
	pub, _ := p.Keys.IdentityPubKey()
	return pub
}

// Harness is a small in-process Smart Vaults network: one shared relay
// broker and chain, any number of Participants wired against both.
// Modeled on NetworkHarness, trimmed to what an in-process module needs:
// no separate binaries, no miner, just the collaborators every C1-C9
// package already defines.
type Harness struct {
	NetParams *chaincfg.Params
	Chain     *MemoryChain

	broker *broker

	mtx          sync.Mutex
	participants map[string]*Participant
}

// NewHarness returns an empty Harness with no participants, backed by a
// fresh in-memory relay and chain.
func NewHarness(netParams *chaincfg.Params) *Harness {
	return &Harness{
		NetParams:    netParams,
		Chain:        NewMemoryChain(),
		broker:       newBroker(),
		participants: make(map[string]*Participant),
	}
}

// NewParticipant fully initializes and returns a new Participant bound to
// this Harness, with its own freshly derived identity. It is not yet
// connected to the relay or running its sync loop; call Start to do so.
func (h *Harness) NewParticipant(name string) (*Participant, error) {
	mnemonic, err := newMnemonic()
	if err != nil {
		return nil, fmt.Errorf("vaulttest: generating mnemonic: %w", err)
	}
	ks, err := keystore.NewMemKeystore(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("vaulttest: deriving identity: %w", err)
	}

	dir, err := os.MkdirTemp("", "vaulttest-"+name+"-")
	if err != nil {
		return nil, fmt.Errorf("vaulttest: creating relay store dir: %w", err)
	}
	relayStore, err := syncloop.OpenRelayStore(filepath.Join(dir, "relays.db"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("vaulttest: opening relay store: %w", err)
	}
	if err := relayStore.SaveRelays([]string{relayURL}); err != nil {
		relayStore.Close()
		os.RemoveAll(dir)
		return nil, fmt.Errorf("vaulttest: saving relay list: %w", err)
	}

	store := storage.New()
	wallets := walletmgr.New(h.NetParams, nil)
	bus := &MemoryBus{broker: h.broker}
	engine := proposal.New(store, wallets, ks, bus, h.Chain, h.NetParams)
	loop := syncloop.New(bus, store, wallets, ks, relayStore, h.Chain)

	p := &Participant{
		Name:       name,
		Keys:       ks,
		Store:      store,
		Wallets:    wallets,
		Engine:     engine,
		Bus:        bus,
		RelayStore: relayStore,
		Loop:       loop,
		dir:        dir,
	}

	h.mtx.Lock()
	h.participants[name] = p
	h.mtx.Unlock()

	return p, nil
}

// Start connects p to the harness relay and begins its sync loop.
func (h *Harness) Start(ctx context.Context, p *Participant) error {
	return p.Loop.Start(ctx)
}

// TearDownAll stops every participant's sync loop, unloads its wallets
// and removes its relay store's backing directory.
func (h *Harness) TearDownAll() error {
	h.mtx.Lock()
	participants := make([]*Participant, 0, len(h.participants))
	for _, p := range h.participants {
		participants = append(participants, p)
	}
	h.mtx.Unlock()

	for _, p := range participants {
		p.Loop.Stop()
		p.RelayStore.Close()
		os.RemoveAll(p.dir)
	}
	return nil
}

// CreateVault compiles a threshold-of-len(members) multisig descriptor
// over members' identity keys, distributes an asymmetric Vault event to
// each member (published through founder's Bus for any already-running
// sync loop, and ingested directly so the call returns a usable vault id
// immediately), and returns the resulting VaultID.
//
// This mirrors SetUp's direct-RPC node bootstrapping: a harness does not
// have to wait on gossip to observe its own setup operations.
func (h *Harness) CreateVault(founder *Participant, members []*Participant, threshold int, createdAt int64) (model.VaultID, error) {
	if len(members) == 0 {
		return model.VaultID{}, fmt.Errorf("vaulttest: CreateVault requires at least one member")
	}

	keyHexes := make([]string, len(members))
	for i, m := range members {
		keyHexes[i] = hex.EncodeToString(m.IdentityPubKey().SerializeCompressed())
	}
	descriptor := fmt.Sprintf("wsh(multi(%d,%s))", threshold, strings.Join(keyHexes, ","))

	var sharedKey [32]byte
	if _, err := rand.Read(sharedKey[:]); err != nil {
		return model.VaultID{}, fmt.Errorf("vaulttest: generating shared key: %w", err)
	}

	payload := &event.VaultPayload{
		SharedKey:  sharedKey,
		Descriptor: descriptor,
		Network:    event.NetworkRegtest,
	}

	var vaultID model.VaultID
	for _, m := range members {
		tags := event.Tags{event.SharedKeyPubTag(m.IdentityPubKey())}
		ev, err := event.BuildAsymmetric(event.KindVault, payload, founder.Keys.IdentityPrivKey(), m.IdentityPubKey(), tags, createdAt)
		if err != nil {
			return model.VaultID{}, fmt.Errorf("vaulttest: building vault event for %s: %w", m.Name, err)
		}
		if _, err := founder.Bus.Publish(context.Background(), ev); err != nil {
			return model.VaultID{}, fmt.Errorf("vaulttest: publishing vault event for %s: %w", m.Name, err)
		}

		n, err := eventhandler.Handle(m.Store, m.Keys, ev)
		if err != nil {
			return model.VaultID{}, fmt.Errorf("vaulttest: ingesting vault event for %s: %w", m.Name, err)
		}
		if n != nil {
			vaultID = n.VaultID
		}
	}

	return vaultID, nil
}

// LoadWallet loads vaultID's wallet policy for p against the harness
// chain, the step every vault participant performs once it has ingested
// the Vault event before it can estimate, spend or sync balances.
func (h *Harness) LoadWallet(p *Participant, vaultID model.VaultID) (*lnwallet.Wallet, error) {
	vault, err := p.Store.Vault(vaultID)
	if err != nil {
		return nil, fmt.Errorf("vaulttest: loading vault %x: %w", vaultID, err)
	}
	return p.Wallets.LoadPolicy(vault, h.Chain)
}

// Fund seeds the harness chain with one confirmed UTXO worth amount
// satoshis, locked to descriptor's output script, and returns its
// outpoint. Call (*lnwallet.Wallet).FullSync afterward (or
// walletmgr.Manager.SyncAll) to make it visible to a loaded wallet.
func (h *Harness) Fund(descriptor string, amount int64) (wire.OutPoint, error) {
	policy, err := miniscript.Compile(descriptor)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("vaulttest: compiling descriptor: %w", err)
	}
	script, err := lnwallet.OutputScript(policy, descriptor)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("vaulttest: deriving output script: %w", err)
	}

	var txHash chainhash.Hash
	if _, err := rand.Read(txHash[:]); err != nil {
		return wire.OutPoint{}, fmt.Errorf("vaulttest: generating outpoint: %w", err)
	}
	op := wire.OutPoint{Hash: txHash, Index: 0}

	h.Chain.AddUTXO(descriptor, lnwallet.Utxo{
		OutPoint:      op,
		Value:         btcutil.Amount(amount),
		PkScript:      script,
		Confirmations: 6,
	})

	return op, nil
}

// newMnemonic returns a fresh, valid bip39 mnemonic backed by 128 bits of
// crypto/rand entropy, the same entropy size keystore.DeriveIdentity
// expects a 12-word mnemonic to carry.
func newMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}
