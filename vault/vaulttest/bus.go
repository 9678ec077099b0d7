// Package vaulttest is a small in-process test harness for multi-identity
// Smart Vaults scenarios, adapted from lntest/harness.go's pattern of
// spinning up several named participants against one shared backend and
// wiring them together before handing control to the test.
//
// Where NetworkHarness spins up Alice/Bob as separate lnd processes
// talking to a shared rpctest.Harness miner, Harness here spins up
// several Participants (each with its own identity, storage, wallet
// manager and sync loop) against one shared in-memory relay and chain,
// so a test can drive a full vault lifecycle without a network.
package vaulttest

import (
	"context"
	"sync"

	"github.com/smartvaults/smartvaults-core/event"
	"github.com/smartvaults/smartvaults-core/relay"
)

// subscription is one live Subscribe call's delivery channel and the
// filter it was opened with.
type subscription struct {
	url    string
	filter relay.Filter
	ch     chan relay.StreamItem
}

// broker is the shared in-memory relay backing every Participant's Bus:
// Publish fans an event out to every subscription whose filter matches,
// the same role a real relay server plays for its connected clients.
type broker struct {
	mu   sync.Mutex
	subs []*subscription
}

func newBroker() *broker {
	return &broker{}
}

func (b *broker) publish(ev *event.Event) {
	b.mu.Lock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if !matchesFilter(s.filter, ev) {
			continue
		}
		select {
		case s.ch <- relay.StreamItem{RelayURL: s.url, Kind: relay.StreamEvent, Event: ev}:
		default:
			// Slow consumer; drop rather than block the publisher,
			// matching a real relay's best-effort fan-out.
		}
	}
}

func (b *broker) subscribe(ctx context.Context, url string, filter relay.Filter) <-chan relay.StreamItem {
	ch := make(chan relay.StreamItem, 64)
	sub := &subscription{url: url, filter: filter, ch: ch}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	// No persisted backlog exists in-memory, so the subscription is
	// immediately caught up.
	ch <- relay.StreamItem{RelayURL: url, Kind: relay.StreamEndOfStoredEvents}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

// matchesFilter reports whether ev satisfies filter. In this in-memory
// broker Authors/Tags combine as an or (events "authored by or tagging");
// Kinds and Since narrow further when set. relay.Filter's own doc comment
// does not define how its fields combine.
func matchesFilter(filter relay.Filter, ev *event.Event) bool {
	if len(filter.Kinds) > 0 {
		found := false
		for _, k := range filter.Kinds {
			if k == ev.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if ev.CreatedAt < filter.Since {
		return false
	}

	if len(filter.Authors) == 0 && len(filter.Tags) == 0 {
		return true
	}

	for _, a := range filter.Authors {
		if a == ev.PubKey {
			return true
		}
	}
	for name, values := range filter.Tags {
		v, ok := ev.Tags.Find(name)
		if !ok {
			continue
		}
		for _, want := range values {
			if want == v {
				return true
			}
		}
	}
	return false
}

// MemoryBus is a relay.RelayBus backed by a shared broker, one per
// Participant so each keeps its own connected-relay list, mirroring how
// wsrelay.Bus owns one websocket connection per added relay.
type MemoryBus struct {
	broker *broker

	mu     sync.Mutex
	relays []string
}

// Publish broadcasts ev to every subscription across the shared broker
// whose filter matches, regardless of which Bus instance opened it.
func (b *MemoryBus) Publish(ctx context.Context, ev *event.Event) (event.EventID, error) {
	b.broker.publish(ev)
	return ev.ID, nil
}

// Subscribe opens filter against every relay this Bus has added,
// fanning their items into one channel, exactly as relay.RelayBus
// documents.
func (b *MemoryBus) Subscribe(ctx context.Context, filter relay.Filter) (<-chan relay.StreamItem, error) {
	b.mu.Lock()
	urls := make([]string, len(b.relays))
	copy(urls, b.relays)
	b.mu.Unlock()

	out := make(chan relay.StreamItem, 64)
	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			for item := range b.broker.subscribe(ctx, url, filter) {
				select {
				case out <- item:
				case <-ctx.Done():
					return
				}
			}
		}(url)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

// AddRelay records url as connected; MemoryBus never actually dials
// anything.
func (b *MemoryBus) AddRelay(ctx context.Context, url string, proxy string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range b.relays {
		if u == url {
			return nil
		}
	}
	b.relays = append(b.relays, url)
	return nil
}

// RemoveRelay forgets url.
func (b *MemoryBus) RemoveRelay(url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, u := range b.relays {
		if u == url {
			b.relays = append(b.relays[:i], b.relays[i+1:]...)
			return nil
		}
	}
	return nil
}

// Reconcile is unsupported, matching most reference relay transports.
func (b *MemoryBus) Reconcile(ctx context.Context, filter relay.Filter) error {
	return relay.ErrReconcileUnsupported
}

// Relays lists every relay this Bus has added.
func (b *MemoryBus) Relays() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.relays))
	copy(out, b.relays)
	return out
}

var _ relay.RelayBus = (*MemoryBus)(nil)
