// Package wsrelay is a reference relay.RelayBus transport built on
// gorilla/websocket, the teacher's direct dependency for its own
// RPC/streaming surfaces. It exists so that dependency has a concrete
// home in this module; the core itself depends only on relay.RelayBus and
// never imports this package.
//
// Wire framing follows the common "NIP-01-style" relay protocol used by
// nostr relays, since spec.md §6 explicitly leaves wire framing
// unspecified and this is the framing the original implementation's
// relay layer (and its retrieved reference clients) use.
package wsrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/gorilla/websocket"
	"github.com/smartvaults/smartvaults-core/build"
	"github.com/smartvaults/smartvaults-core/event"
	"github.com/smartvaults/smartvaults-core/relay"
)

var log = build.NewSubLogger("WSRL", nil)

// UseLogger replaces this package's logger with the passed one.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// dialTimeout bounds how long AddRelay waits for the websocket handshake.
const dialTimeout = 10 * time.Second

// Bus is a relay.RelayBus implementation backed by one websocket
// connection per relay.
type Bus struct {
	mu    sync.Mutex
	conns map[string]*conn

	subMu sync.Mutex
	subs  map[string]chan relay.StreamItem // subscription id -> fan-in channel
}

type conn struct {
	url string
	ws  *websocket.Conn
	mu  sync.Mutex // guards concurrent writes, gorilla requires one writer at a time
}

// New returns an empty Bus with no relays added.
func New() *Bus {
	return &Bus{
		conns: make(map[string]*conn),
		subs:  make(map[string]chan relay.StreamItem),
	}
}

// AddRelay dials url (optionally through an HTTP/SOCKS proxy address) and
// starts a read pump that demultiplexes inbound frames to every active
// subscription's fan-in channel.
func (b *Bus) AddRelay(ctx context.Context, url string, proxy string) error {
	dialer := websocket.DefaultDialer
	if proxy != "" {
		dialer = &websocket.Dialer{Proxy: httpProxyFunc(proxy)}
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	ws, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("wsrelay: dialing %s: %w", url, err)
	}

	c := &conn{url: url, ws: ws}

	b.mu.Lock()
	b.conns[url] = c
	b.mu.Unlock()

	go b.readPump(c)
	return nil
}

// RemoveRelay closes and forgets the connection to url.
func (b *Bus) RemoveRelay(url string) error {
	b.mu.Lock()
	c, ok := b.conns[url]
	delete(b.conns, url)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	return c.ws.Close()
}

// Relays lists every currently connected relay URL.
func (b *Bus) Relays() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.conns))
	for url := range b.conns {
		out = append(out, url)
	}
	return out
}

// relayFrame models the ["TYPE", ...] tuple-array wire frame every relay
// message uses.
type relayFrame []json.RawMessage

// Publish sends ev to every connected relay as an ["EVENT", ev] frame and
// returns the event's own id without waiting for acknowledgement; readPump
// does not read ["OK", ...] frames. A failed write is logged per relay.
// Publish returns a SendError only when exactly one relay is connected and
// the write to it failed; with several relays, write failures are logged
// and the event id is returned.
func (b *Bus) Publish(ctx context.Context, ev *event.Event) (event.EventID, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return event.EventID{}, err
	}
	frame, err := json.Marshal([]json.RawMessage{json.RawMessage(`"EVENT"`), payload})
	if err != nil {
		return event.EventID{}, err
	}

	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	if len(conns) == 0 {
		return event.EventID{}, fmt.Errorf("wsrelay: no relays connected")
	}

	var firstErr *relay.SendError
	for _, c := range conns {
		if err := c.write(ctx, frame); err != nil {
			if firstErr == nil {
				firstErr = &relay.SendError{RelayURL: c.url, Err: err}
			}
			log.Warnf("publish to %s failed: %v", c.url, err)
		}
	}
	if firstErr != nil && len(conns) == 1 {
		return event.EventID{}, firstErr
	}

	return ev.ID, nil
}

// Subscribe opens a REQ frame against every connected relay and returns a
// single fan-in channel multiplexing all of their responses.
func (b *Bus) Subscribe(ctx context.Context, filter relay.Filter) (<-chan relay.StreamItem, error) {
	subID := fmt.Sprintf("sub-%d", time.Now().UnixNano())
	out := make(chan relay.StreamItem, 64)

	b.subMu.Lock()
	b.subs[subID] = out
	b.subMu.Unlock()

	reqFilter := encodeFilter(filter)
	frame, err := json.Marshal([]interface{}{"REQ", subID, reqFilter})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	conns := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		if err := c.write(ctx, frame); err != nil {
			log.Warnf("subscribe to %s failed: %v", c.url, err)
		}
	}

	go func() {
		<-ctx.Done()
		b.subMu.Lock()
		delete(b.subs, subID)
		b.subMu.Unlock()
		close(out)
	}()

	return out, nil
}

func encodeFilter(f relay.Filter) map[string]interface{} {
	m := map[string]interface{}{}
	if len(f.Authors) > 0 {
		authors := make([]string, len(f.Authors))
		for i, a := range f.Authors {
			authors[i] = hexEncodePub(a)
		}
		m["authors"] = authors
	}
	if f.Since > 0 {
		m["since"] = f.Since
	}
	if len(f.Kinds) > 0 {
		kinds := make([]int, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = int(k)
		}
		m["kinds"] = kinds
	}
	for name, values := range f.Tags {
		m["#"+name] = values
	}
	return m
}

func hexEncodePub(p event.PubKey) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(p)*2)
	for i, b := range p {
		out[2*i] = hexDigits[b>>4]
		out[2*i+1] = hexDigits[b&0xf]
	}
	return string(out)
}

// Reconcile is unsupported by this reference transport and always returns
// ErrReconcileUnsupported. Nothing in the module calls Reconcile.
func (b *Bus) Reconcile(ctx context.Context, filter relay.Filter) error {
	return relay.ErrReconcileUnsupported
}

func (c *conn) write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(relay.SendTimeout)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// readPump demultiplexes inbound ["EVENT", subID, event], ["EOSE", subID]
// and ["CLOSED", subID, msg] frames to the matching subscription channel.
func (b *Bus) readPump(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Debugf("relay %s: read pump exiting: %v", c.url, err)
			return
		}

		var frame relayFrame
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
			continue
		}

		var frameType string
		if err := json.Unmarshal(frame[0], &frameType); err != nil {
			continue
		}

		switch frameType {
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			var subID string
			if err := json.Unmarshal(frame[1], &subID); err != nil {
				continue
			}
			var ev event.Event
			if err := json.Unmarshal(frame[2], &ev); err != nil {
				continue
			}
			b.deliver(subID, relay.StreamItem{RelayURL: c.url, Kind: relay.StreamEvent, Event: &ev})

		case "EOSE":
			var subID string
			if err := json.Unmarshal(frame[1], &subID); err != nil {
				continue
			}
			b.deliver(subID, relay.StreamItem{RelayURL: c.url, Kind: relay.StreamEndOfStoredEvents})

		case "CLOSED":
			var subID string
			if err := json.Unmarshal(frame[1], &subID); err != nil {
				continue
			}
			b.deliver(subID, relay.StreamItem{RelayURL: c.url, Kind: relay.StreamStopped})
		}
	}
}

// httpProxyFunc builds a websocket.Dialer.Proxy function that always
// routes through proxyURL, for the optional per-relay proxy AddRelay
// accepts.
func httpProxyFunc(proxyURL string) func(*http.Request) (*url.URL, error) {
	parsed, err := url.Parse(proxyURL)
	return func(*http.Request) (*url.URL, error) {
		if err != nil {
			return nil, err
		}
		return parsed, nil
	}
}

func (b *Bus) deliver(subID string, item relay.StreamItem) {
	b.subMu.Lock()
	out, ok := b.subs[subID]
	b.subMu.Unlock()
	if !ok {
		return
	}
	select {
	case out <- item:
	default:
		log.Warnf("subscription %s: fan-in channel full, dropping item", subID)
	}
}
