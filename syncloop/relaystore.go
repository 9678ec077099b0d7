// Package syncloop drives the system forward per spec.md §4.8: it loads
// the persisted relay list, connects to each relay, subscribes the two
// required filters, spawns the periodic sync tasks, and dispatches each
// inbound event through eventhandler.Handle.
//
// Grounded on lnwallet/dcrwallet/spvsync.go's subscribe/dispatch/rescan
// loop shape: a single long-running goroutine owns a context it cancels
// on Stop, with a small backoff between a dropped subscription's restart
// attempts, exactly like SPVSyncer's Run/backoff loop.
package syncloop

import (
	"fmt"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // registers the "bdb" (bbolt) driver
)

var (
	relaysBucketKey   = []byte("relays")
	lastSyncBucketKey = []byte("last-sync")
)

// RelayStore persists the relay list and each relay's last_sync cursor to
// a bbolt-backed walletdb database, so a restart resumes subscriptions
// from where they left off instead of replaying every stored event.
type RelayStore struct {
	db walletdb.DB
}

// OpenRelayStore opens (creating if absent) a bbolt-backed database at
// path and ensures both top-level buckets exist.
func OpenRelayStore(path string) (*RelayStore, error) {
	db, err := walletdb.Create("bdb", path, true, 0)
	if err != nil {
		return nil, fmt.Errorf("syncloop: opening relay store: %w", err)
	}

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		if _, err := tx.CreateTopLevelBucket(relaysBucketKey); err != nil {
			return err
		}
		_, err := tx.CreateTopLevelBucket(lastSyncBucketKey)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("syncloop: initializing buckets: %w", err)
	}

	return &RelayStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *RelayStore) Close() error { return s.db.Close() }

// SaveRelays replaces the persisted relay list with urls.
func (s *RelayStore) SaveRelays(urls []string) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(relaysBucketKey)
		if err := clearRelayBucket(bucket); err != nil {
			return err
		}
		for _, url := range urls {
			if err := bucket.Put([]byte(url), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadRelays returns the persisted relay list, empty if none has ever
// been saved.
func (s *RelayStore) LoadRelays() ([]string, error) {
	var urls []string
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(relaysBucketKey)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			urls = append(urls, string(k))
			return nil
		})
	})
	return urls, err
}

// SetLastSync records that relayURL's subscription backlog has been fully
// replayed as of unixTS, per spec.md §4.8 step 4's
// "on subscription end-of-stored-events, persist last_sync(relay) = now".
func (s *RelayStore) SetLastSync(relayURL string, unixTS int64) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(lastSyncBucketKey)
		return bucket.Put([]byte(relayURL), encodeInt64(unixTS))
	})
}

// LastSync returns the persisted last_sync cursor for relayURL, 0 if none
// has ever been recorded.
func (s *RelayStore) LastSync(relayURL string) (int64, error) {
	var ts int64
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(lastSyncBucketKey)
		if bucket == nil {
			return nil
		}
		v := bucket.Get([]byte(relayURL))
		if len(v) == 8 {
			ts = decodeInt64(v)
		}
		return nil
	})
	return ts, err
}

func clearRelayBucket(b walletdb.ReadWriteBucket) error {
	var keys [][]byte
	if err := b.ForEach(func(k, v []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func encodeInt64(v int64) []byte {
	u := uint64(v)
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(u >> (56 - 8*i))
	}
	return buf
}

func decodeInt64(buf []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(buf[i])
	}
	return int64(u)
}
