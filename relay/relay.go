// Package relay defines the abstract RelayBus the core consumes, per
// spec.md §6, verbatim down to the method shapes. The core never imports
// a concrete transport; relay/wsrelay is one reference implementation,
// not part of this package's API.
package relay

import (
	"context"
	"time"

	"github.com/smartvaults/smartvaults-core/event"
)

// SendTimeout bounds how long Publish may suspend waiting for a bus
// acknowledgement before the caller gives up, per spec.md §5.
const SendTimeout = 30 * time.Second

// SendError reports a publish failure against a specific relay URL.
type SendError struct {
	RelayURL string
	Err      error
}

func (e *SendError) Error() string { return "relay: publish to " + e.RelayURL + ": " + e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// Filter selects which events a subscription delivers, per spec.md §4.8's
// two-filter subscribe-on-start contract.
type Filter struct {
	Authors []event.PubKey
	Tags    map[string][]string // tag name -> any-of these values
	Since   int64
	Kinds   []event.Kind
}

// StreamItemKind tags the variety of item a subscription Stream delivers.
type StreamItemKind int

const (
	// StreamEvent carries a freshly delivered event.
	StreamEvent StreamItemKind = iota
	// StreamEndOfStoredEvents marks that the relay has finished
	// replaying its backlog for this subscription; the sync loop
	// persists last_sync(relay) = now on this signal.
	StreamEndOfStoredEvents
	// StreamStopped marks that the relay closed or dropped this
	// subscription.
	StreamStopped
)

// StreamItem is one item of a subscription's Stream, per spec.md §6's
// `Stream<(relay_url, event | end_of_stored | stopped)>`.
type StreamItem struct {
	RelayURL string
	Kind     StreamItemKind
	Event    *event.Event // set only when Kind == StreamEvent
}

// RelayBus is the abstract transport capability the core consumes. An
// implementation fans a single logical subscription out across every
// added relay and multiplexes their streams into one channel.
type RelayBus interface {
	// Publish broadcasts ev to every connected relay, returning the
	// event id on success or a SendError naming the first relay that
	// rejected it.
	Publish(ctx context.Context, ev *event.Event) (event.EventID, error)

	// Subscribe opens a subscription matching filter across every
	// connected relay, delivering items on the returned channel until
	// ctx is cancelled.
	Subscribe(ctx context.Context, filter Filter) (<-chan StreamItem, error)

	// AddRelay connects to url, optionally through proxy (empty for
	// direct connection).
	AddRelay(ctx context.Context, url string, proxy string) error

	// RemoveRelay disconnects from and forgets url.
	RemoveRelay(url string) error

	// Reconcile performs negentropy-style set reconciliation against
	// filter; optional, per spec.md §6 — an implementation that does
	// not support it returns ErrReconcileUnsupported.
	Reconcile(ctx context.Context, filter Filter) error

	// Relays lists every currently added relay URL.
	Relays() []string
}

// ErrReconcileUnsupported is returned by a RelayBus implementation that
// has no negentropy support.
var ErrReconcileUnsupported = errNotSupported("relay: reconcile not supported by this transport")

type errNotSupported string

func (e errNotSupported) Error() string { return string(e) }

// Tags used by the core, matching spec.md §6's tag conventions exactly.
const (
	TagApprovalSharedKey = "p"
	TagEventRef          = "e"
	TagExpiration        = "expiration"
	TagReplaceableCoord  = "a"
	TagSharedSignerID    = "d"
)
