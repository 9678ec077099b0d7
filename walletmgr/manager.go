// Package walletmgr owns the registry of loaded vault wallets and the
// periodic chain-sync tasks that keep them current, per spec.md §4.6
// (component C6).
//
// Generalized from the teacher's single global wallet registry (implied
// by log.go's dcrwallet/remotedcrwallet subsystem wiring, which assumes
// exactly one backing wallet per running node) into an explicit
// map[VaultID]*lnwallet.Wallet registry, since this module loads and
// unloads one wallet per vault as vaults are created and deleted.
package walletmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btclog"
	"github.com/smartvaults/smartvaults-core/build"
	"github.com/smartvaults/smartvaults-core/chainstore"
	"github.com/smartvaults/smartvaults-core/lnwallet"
	"github.com/smartvaults/smartvaults-core/model"
)

var log = build.NewSubLogger("WMGR", nil)

// UseLogger replaces this package's logger with the passed one.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// BlockHeightSyncInterval and MempoolFeesSyncInterval gate how often
// SyncBlockHeight/SyncMempoolFees actually hit the chain source, per
// spec.md §4.8's periodic-task cadence.
const (
	BlockHeightSyncInterval  = 10 * time.Second
	MempoolFeesSyncInterval = 10 * time.Second
)

// SyncProgress reports one wallet's outcome during a SyncAll fan-out.
type SyncProgress struct {
	VaultID model.VaultID
	Err     error
}

// Manager owns every loaded vault wallet and the cached chain-tip/fee-rate
// state every wallet's coin selection reads.
type Manager struct {
	netParams *chaincfg.Params
	store     *chainstore.Store

	mu      sync.RWMutex
	wallets map[model.VaultID]*lnwallet.Wallet

	heightMu      sync.Mutex
	lastHeight    uint32
	lastHeightAt  time.Time

	feesMu   sync.Mutex
	lastFees map[lnwallet.Priority]lnwallet.FeeRate
	lastFeesAt time.Time
}

// New returns a Manager with no wallets loaded.
func New(netParams *chaincfg.Params, store *chainstore.Store) *Manager {
	return &Manager{
		netParams: netParams,
		store:     store,
		wallets:   make(map[model.VaultID]*lnwallet.Wallet),
	}
}

// LoadPolicy compiles vault's descriptor, restores any persisted UTXO set,
// and registers the resulting wallet under vault.ID. The persisted
// derivation cursor is not restored. Calling LoadPolicy on an already-loaded vault is a no-op
// returning the existing wallet.
func (m *Manager) LoadPolicy(vault model.Vault, chain lnwallet.ChainSource) (*lnwallet.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.wallets[vault.ID]; ok {
		return w, nil
	}

	w, err := lnwallet.NewWallet(vault.Descriptor, m.netParams, chain)
	if err != nil {
		return nil, fmt.Errorf("walletmgr: loading policy for vault %x: %w", vault.ID, err)
	}

	if m.store != nil {
		if utxos, err := m.store.LoadUTXOs(vault.Descriptor); err == nil {
			for _, u := range utxos {
				w.RestoreUTXO(u)
			}
		} else {
			log.Warnf("vault %x: loading persisted utxos: %v", vault.ID, err)
		}
	}

	m.wallets[vault.ID] = w
	log.Infof("loaded wallet for vault %x", vault.ID)
	return w, nil
}

// UnloadPolicy removes a vault's wallet from the registry without
// persisting or deleting its chainstore state, mirroring spec.md §4.6's
// "loaded/unloaded" wallet lifecycle.
func (m *Manager) UnloadPolicy(id model.VaultID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.wallets, id)
	log.Infof("unloaded wallet for vault %x", id)
}

// UnloadAll removes every loaded wallet, used at shutdown.
func (m *Manager) UnloadAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets = make(map[model.VaultID]*lnwallet.Wallet)
}

// Wallet returns the loaded wallet for id, or false if it is not loaded.
func (m *Manager) Wallet(id model.VaultID) (*lnwallet.Wallet, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[id]
	return w, ok
}

// Loaded returns the vault ids currently loaded.
func (m *Manager) Loaded() []model.VaultID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]model.VaultID, 0, len(m.wallets))
	for id := range m.wallets {
		ids = append(ids, id)
	}
	return ids
}

// SyncBlockHeight returns the chain's current height, querying chain only
// if BlockHeightSyncInterval has elapsed since the last query.
func (m *Manager) SyncBlockHeight(chain lnwallet.ChainSource) (uint32, error) {
	m.heightMu.Lock()
	defer m.heightMu.Unlock()

	if time.Since(m.lastHeightAt) < BlockHeightSyncInterval {
		return m.lastHeight, nil
	}

	h, err := chain.BlockHeight()
	if err != nil {
		return m.lastHeight, err
	}
	m.lastHeight = h
	m.lastHeightAt = time.Now()
	return h, nil
}

// SyncMempoolFees returns cached fee rate estimates, refreshing from chain
// only if MempoolFeesSyncInterval has elapsed.
func (m *Manager) SyncMempoolFees(chain lnwallet.ChainSource, priorities []lnwallet.Priority) (map[lnwallet.Priority]lnwallet.FeeRate, error) {
	m.feesMu.Lock()
	defer m.feesMu.Unlock()

	if time.Since(m.lastFeesAt) < MempoolFeesSyncInterval && m.lastFees != nil {
		return m.lastFees, nil
	}

	fees, err := chain.EstimateFeeRates(priorities)
	if err != nil {
		return m.lastFees, err
	}
	m.lastFees = fees
	m.lastFeesAt = time.Now()
	return fees, nil
}

// SyncAll fans FullSync out across every loaded wallet concurrently,
// isolating each wallet's failure from the others: one vault's sync
// backend error never blocks or fails the rest, matching the teacher's
// lntest/harness.go pattern of fanning work across many per-node handles
// and collecting per-handle outcomes independently.
func (m *Manager) SyncAll(ctx context.Context, progress chan<- SyncProgress) {
	m.mu.RLock()
	wallets := make(map[model.VaultID]*lnwallet.Wallet, len(m.wallets))
	for id, w := range m.wallets {
		wallets[id] = w
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for id, w := range wallets {
		wg.Add(1)
		go func(id model.VaultID, w *lnwallet.Wallet) {
			defer wg.Done()
			err := w.FullSync(ctx)
			if err != nil && err != lnwallet.ErrAlreadySyncing {
				log.Warnf("vault %x: sync failed: %v", id, err)
			}
			if m.store != nil {
				if saveErr := m.store.SaveUTXOs(w.Descriptor(), w.ListUTXOs()); saveErr != nil {
					log.Warnf("vault %x: persisting utxos: %v", id, saveErr)
				}
			}
			if progress != nil {
				select {
				case progress <- SyncProgress{VaultID: id, Err: err}:
				case <-ctx.Done():
				}
			}
		}(id, w)
	}
	wg.Wait()
	if progress != nil {
		close(progress)
	}
}
