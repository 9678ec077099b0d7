package syncloop

import (
	"path/filepath"
	"testing"
)

func TestRelayStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relays.db")
	store, err := OpenRelayStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	urls := []string{"wss://relay.one", "wss://relay.two"}
	if err := store.SaveRelays(urls); err != nil {
		t.Fatalf("save relays: %v", err)
	}

	got, err := store.LoadRelays()
	if err != nil {
		t.Fatalf("load relays: %v", err)
	}
	if len(got) != len(urls) {
		t.Fatalf("expected %d relays, got %d", len(urls), len(got))
	}

	if err := store.SetLastSync(urls[0], 1700000000); err != nil {
		t.Fatalf("set last sync: %v", err)
	}
	ts, err := store.LastSync(urls[0])
	if err != nil {
		t.Fatalf("last sync: %v", err)
	}
	if ts != 1700000000 {
		t.Fatalf("expected last sync 1700000000, got %d", ts)
	}

	ts2, err := store.LastSync(urls[1])
	if err != nil {
		t.Fatalf("last sync unset: %v", err)
	}
	if ts2 != 0 {
		t.Fatalf("expected 0 for never-synced relay, got %d", ts2)
	}
}

func TestRelayStoreSaveRelaysReplacesPreviousList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relays.db")
	store, err := OpenRelayStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if err := store.SaveRelays([]string{"wss://a", "wss://b"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveRelays([]string{"wss://c"}); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err := store.LoadRelays()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0] != "wss://c" {
		t.Fatalf("expected only wss://c, got %v", got)
	}
}
