// Package chainstore persists each vault wallet's UTXO set and derivation
// cursor to a walletdb database so a restart does not require a full
// rescan, per spec.md §4.6's walletmgr persistence contract. Transaction
// details are not persisted: the "transactions" sub-bucket name is
// declared but nothing reads or writes it.
//
// Grounded on the teacher's direct walletdb usage pattern (namespaced
// buckets opened once at startup, one bucket per logical table) and on
// watchtower/wtdb's use of bbolt-backed walletdb for a towerd-local
// database; here the top-level bucket is keyed per-descriptor rather than
// per-tower.
package chainstore

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // registers the "bdb" (bbolt) driver
	"github.com/smartvaults/smartvaults-core/lnwallet"
)

var (
	walletsBucketKey = []byte("vault-wallets")
	utxosSubBucket   = []byte("utxos")
	txSubBucket      = []byte("transactions")
	metaSubBucket    = []byte("meta")

	nextIndexKey = []byte("next-index")
)

// Store persists per-descriptor wallet state in a single walletdb
// database, namespaced by DescriptorKey(descriptor).
type Store struct {
	db walletdb.DB
}

// Open opens (creating if absent) a bbolt-backed walletdb database at
// path and ensures the top-level bucket exists.
func Open(path string) (*Store, error) {
	db, err := walletdb.Create("bdb", path, true, 0)
	if err != nil {
		return nil, fmt.Errorf("chainstore: opening database: %w", err)
	}

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(walletsBucketKey)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("chainstore: initializing buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DescriptorKey derives the bucket key for a descriptor: a vault's
// descriptor string may itself contain path separators or other bytes
// unsafe for a bucket name, so it is always looked up by its hash.
func DescriptorKey(descriptor string) []byte {
	sum := sha256.Sum256([]byte(descriptor))
	return []byte(hex.EncodeToString(sum[:]))
}

// SaveUTXOs replaces the persisted UTXO set for descriptor with utxos.
func (s *Store) SaveUTXOs(descriptor string, utxos []lnwallet.Utxo) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket, err := s.descriptorBucket(tx, descriptor)
		if err != nil {
			return err
		}
		sub, err := bucket.CreateBucketIfNotExists(utxosSubBucket)
		if err != nil {
			return err
		}
		if err := clearBucket(sub); err != nil {
			return err
		}
		for _, u := range utxos {
			key := outpointKey(u.OutPoint)
			val, err := json.Marshal(u)
			if err != nil {
				return err
			}
			if err := sub.Put(key, val); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadUTXOs returns the persisted UTXO set for descriptor, empty if none
// has ever been saved.
func (s *Store) LoadUTXOs(descriptor string) ([]lnwallet.Utxo, error) {
	var out []lnwallet.Utxo
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		bucket := s.readDescriptorBucket(tx, descriptor)
		if bucket == nil {
			return nil
		}
		sub := bucket.NestedReadBucket(utxosSubBucket)
		if sub == nil {
			return nil
		}
		return sub.ForEach(func(k, v []byte) error {
			var u lnwallet.Utxo
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			out = append(out, u)
			return nil
		})
	})
	return out, err
}

// SaveDerivationCursor persists the next unused address index for
// descriptor.
func (s *Store) SaveDerivationCursor(descriptor string, nextIndex uint32) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		bucket, err := s.descriptorBucket(tx, descriptor)
		if err != nil {
			return err
		}
		sub, err := bucket.CreateBucketIfNotExists(metaSubBucket)
		if err != nil {
			return err
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], nextIndex)
		return sub.Put(nextIndexKey, buf[:])
	})
}

// LoadDerivationCursor returns the persisted next unused address index for
// descriptor, 0 if none has been saved.
func (s *Store) LoadDerivationCursor(descriptor string) (uint32, error) {
	var next uint32
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		bucket := s.readDescriptorBucket(tx, descriptor)
		if bucket == nil {
			return nil
		}
		sub := bucket.NestedReadBucket(metaSubBucket)
		if sub == nil {
			return nil
		}
		v := sub.Get(nextIndexKey)
		if len(v) == 4 {
			next = binary.BigEndian.Uint32(v)
		}
		return nil
	})
	return next, err
}

func (s *Store) descriptorBucket(tx walletdb.ReadWriteTx, descriptor string) (walletdb.ReadWriteBucket, error) {
	root := tx.ReadWriteBucket(walletsBucketKey)
	return root.CreateBucketIfNotExists(DescriptorKey(descriptor))
}

func (s *Store) readDescriptorBucket(tx walletdb.ReadTx, descriptor string) walletdb.ReadBucket {
	root := tx.ReadBucket(walletsBucketKey)
	if root == nil {
		return nil
	}
	return root.NestedReadBucket(DescriptorKey(descriptor))
}

func clearBucket(b walletdb.ReadWriteBucket) error {
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

func outpointKey(op wire.OutPoint) []byte {
	key := make([]byte, 36)
	copy(key[:32], op.Hash[:])
	binary.BigEndian.PutUint32(key[32:], op.Index)
	return key
}
