package syncloop

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	smcrypto "github.com/smartvaults/smartvaults-core/crypto"
	"github.com/smartvaults/smartvaults-core/event"
	"github.com/smartvaults/smartvaults-core/eventhandler"
	"github.com/smartvaults/smartvaults-core/keystore"
	"github.com/smartvaults/smartvaults-core/lnwallet"
	"github.com/smartvaults/smartvaults-core/relay"
	"github.com/smartvaults/smartvaults-core/storage"
	"github.com/smartvaults/smartvaults-core/walletmgr"
)

// WalletSyncInterval gates how often the wallets_syncer periodic task
// fans FullSync out across every loaded wallet, per spec.md §4.8 step 3.
const WalletSyncInterval = 5 * time.Minute

// subscribeBackoff bounds how long a dropped subscription waits before it
// is retried, mirroring spvsync.go's 5-second Run() backoff.
const subscribeBackoff = 5 * time.Second

// Loop drives the system forward per spec.md §4.8: it owns the relay
// connections, the two standing subscriptions per relay, the three
// periodic sync tasks, and the per-event dispatch into eventhandler.
type Loop struct {
	bus        relay.RelayBus
	store      *storage.Store
	wallets    *walletmgr.Manager
	keys       keystore.Keystore
	relayStore *RelayStore
	chain      lnwallet.ChainSource

	notifications chan *eventhandler.Notification

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	relayCancel map[string]context.CancelFunc // filter-B subscriptions, restarted on new vaults
}

// New returns a Loop wired against the given collaborators. chain is the
// single ChainSource shared across every vault wallet's periodic syncs.
func New(bus relay.RelayBus, store *storage.Store, wallets *walletmgr.Manager,
	keys keystore.Keystore, relayStore *RelayStore, chain lnwallet.ChainSource) *Loop {

	return &Loop{
		bus:           bus,
		store:         store,
		wallets:       wallets,
		keys:          keys,
		relayStore:    relayStore,
		chain:         chain,
		notifications: make(chan *eventhandler.Notification, 64),
		relayCancel:   make(map[string]context.CancelFunc),
	}
}

// Notifications is the user-facing channel spec.md §4.8 step 4 describes:
// one Message::EventHandled per notification-producing inbound event.
func (l *Loop) Notifications() <-chan *eventhandler.Notification {
	return l.notifications
}

// Start loads the persisted relay list, connects to each relay,
// subscribes both filters, and spawns the three periodic tasks. It
// returns once every relay has been connected to or failed; ongoing work
// continues in background goroutines until Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	identityPub, err := l.keys.IdentityPubKey()
	if err != nil {
		cancel()
		return err
	}
	identityPubBytes := identityPub.SerializeCompressed()

	urls, err := l.relayStore.LoadRelays()
	if err != nil {
		cancel()
		return err
	}

	for _, url := range urls {
		if err := l.bus.AddRelay(ctx, url, ""); err != nil {
			log.Warnf("connecting to relay %s: %v", url, err)
			continue
		}

		since, err := l.relayStore.LastSync(url)
		if err != nil {
			log.Warnf("loading last_sync for %s: %v", url, err)
		}

		l.startSubscription(ctx, url, l.identityFilter(identityPubBytes, since))
		l.startVaultSubscription(ctx, url, since)
	}

	l.spawnPeriodicTasks(ctx)

	return nil
}

// Stop cancels every background task and unloads every wallet. Safe to
// call more than once: wallets.UnloadAll is idempotent per spec.md §4.8's
// scheduling model, and Stop itself tolerates being called without a
// prior successful Start.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	l.wallets.UnloadAll()
}

// identityFilter builds subscription filter (a) from spec.md §4.8 step 2:
// events authored by or tagging identity_pub since since.
func (l *Loop) identityFilter(identityPubBytes []byte, since int64) relay.Filter {
	var pub event.PubKey
	copy(pub[:], identityPubBytes)
	return relay.Filter{
		Authors: []event.PubKey{pub},
		Tags:    map[string][]string{relay.TagApprovalSharedKey: {hex.EncodeToString(identityPubBytes)}},
		Since:   since,
	}
}

// vaultFilter builds subscription filter (b): events authored by any
// known vault shared-key pubkey since since.
func (l *Loop) vaultFilter(since int64) relay.Filter {
	vaults := l.store.Vaults()
	authors := make([]event.PubKey, 0, len(vaults))
	for _, v := range vaults {
		_, sharedPub := smcrypto.SharedKeyToKeyPair(v.SharedKey)
		var pub event.PubKey
		copy(pub[:], sharedPub.SerializeCompressed())
		authors = append(authors, pub)
	}
	return relay.Filter{Authors: authors, Since: since}
}

// startVaultSubscription opens filter (b) against url under its own
// cancelable context, so a newly ingested vault can trigger a full
// resubscribe (the shared-key author list changed) without disturbing
// filter (a) or any other relay's subscriptions.
func (l *Loop) startVaultSubscription(ctx context.Context, url string, since int64) {
	vctx, vcancel := context.WithCancel(ctx)

	l.mu.Lock()
	if prev, ok := l.relayCancel[url]; ok {
		prev()
	}
	l.relayCancel[url] = vcancel
	l.mu.Unlock()

	l.startSubscription(vctx, url, l.vaultFilter(since))
}

// resubscribeVaultFilters restarts filter (b) on every connected relay,
// per spec.md §4.8 step 2's "Resubscribe (b) whenever a new Vault is
// ingested."
func (l *Loop) resubscribeVaultFilters(ctx context.Context) {
	for _, url := range l.bus.Relays() {
		since, err := l.relayStore.LastSync(url)
		if err != nil {
			log.Warnf("loading last_sync for %s: %v", url, err)
		}
		l.startVaultSubscription(ctx, url, since)
	}
}

// startSubscription opens filter against url and spawns a goroutine that
// dispatches every item it yields until ctx is cancelled, reopening the
// subscription after subscribeBackoff if the relay drops it.
func (l *Loop) startSubscription(ctx context.Context, url string, filter relay.Filter) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		for {
			items, err := l.bus.Subscribe(ctx, filter)
			if err != nil {
				log.Warnf("subscribing to %s: %v", url, err)
			} else {
				l.dispatch(ctx, url, items)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(subscribeBackoff):
			}
		}
	}()
}

// dispatch consumes one subscription's stream until it ends, handling
// each item per spec.md §4.8 step 4.
func (l *Loop) dispatch(ctx context.Context, url string, items <-chan relay.StreamItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-items:
			if !ok {
				return
			}
			switch item.Kind {
			case relay.StreamEvent:
				l.handleEvent(ctx, item.Event)
			case relay.StreamEndOfStoredEvents:
				if err := l.relayStore.SetLastSync(url, time.Now().Unix()); err != nil {
					log.Warnf("persisting last_sync for %s: %v", url, err)
				}
			case relay.StreamStopped:
				return
			}
		}
	}
}

// handleEvent drops expired events, otherwise dispatches ev through
// eventhandler.Handle and broadcasts the resulting notification.
func (l *Loop) handleEvent(ctx context.Context, ev *event.Event) {
	if ev == nil {
		return
	}
	if ev.IsExpired(time.Now().Unix()) {
		return
	}

	n, err := eventhandler.Handle(l.store, l.keys, ev)
	if err != nil {
		log.Warnf("handling event %x: %v", ev.ID, err)
		return
	}
	if n == nil {
		return
	}

	select {
	case l.notifications <- n:
	case <-ctx.Done():
		return
	}

	if n.Kind == eventhandler.NotificationVaultIngested {
		l.resubscribeVaultFilters(ctx)
	}
}

// spawnPeriodicTasks starts the three background tasks named in
// spec.md §4.8 step 3, each independently cancelled by ctx.
func (l *Loop) spawnPeriodicTasks(ctx context.Context) {
	l.runPeriodic(ctx, walletmgr.BlockHeightSyncInterval, func() {
		if _, err := l.wallets.SyncBlockHeight(l.chain); err != nil {
			log.Warnf("block_height_syncer: %v", err)
		}
	})
	l.runPeriodic(ctx, walletmgr.MempoolFeesSyncInterval, func() {
		priorities := []lnwallet.Priority{lnwallet.PriorityHigh, lnwallet.PriorityMedium, lnwallet.PriorityLow}
		if _, err := l.wallets.SyncMempoolFees(l.chain, priorities); err != nil {
			log.Warnf("mempool_fees_syncer: %v", err)
		}
	})
	l.runPeriodic(ctx, WalletSyncInterval, func() {
		l.wallets.SyncAll(ctx, nil)
	})
}

func (l *Loop) runPeriodic(ctx context.Context, interval time.Duration, task func()) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				task()
			}
		}
	}()
}
