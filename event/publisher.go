package event

import "context"

// Publisher is the thin publish-only capability the proposal engine (C7)
// needs from a RelayBus, kept in this package (rather than importing
// relay, which would create an import cycle) so relay.RelayBus satisfies
// it structurally without either package depending on the other.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) (EventID, error)
}
